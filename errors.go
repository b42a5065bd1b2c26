package redisstorage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// ErrTimeout indicates a connection attempt or command exceeded its
// configured deadline. It is surfaced distinctly from other failures so
// callers can apply a different backoff or fallback policy. Use errors.Is to
// test for it.
var ErrTimeout = errors.New("redisstorage: timeout")

// errStorageInvalid is returned once the storage has been marked invalid.
// Operations fail fast without further network I/O.
var errStorageInvalid = errors.New("redisstorage: storage marked invalid, no further connection attempts")

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// classify wraps deadline-related failures with ErrTimeout so callers can
// branch with errors.Is. All other errors pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if isTimeout(err) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
