package redisstorage

import (
	"encoding/hex"
	"fmt"
)

// DigestSize is the size in bytes of a content digest.
const DigestSize = 20

// Digest is a fixed-size content hash identifying a cached object. The build
// system in front of this backend computes digests; this package only maps
// them to keys on the remote server.
type Digest [DigestSize]byte

// String returns the canonical lowercase hex form of the digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// ParseDigest parses the canonical hex form produced by Digest.String.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("redisstorage: invalid digest %q: %w", s, err)
	}
	if len(b) != DigestSize {
		return d, fmt.Errorf("redisstorage: invalid digest %q: got %d bytes, want %d", s, len(b), DigestSize)
	}
	copy(d[:], b)
	return d, nil
}
