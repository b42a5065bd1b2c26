package redisstorage

import (
	"fmt"
	"net/url"
)

// Endpoint identifies the remote server as either a host with an optional
// port or a local socket path. Exactly one of the two forms must be
// populated; an endpoint with neither is rejected at connect time.
type Endpoint struct {
	Host   string
	Port   string // raw port text, validated when connecting
	Socket string
}

// parseEndpoint derives an Endpoint from a backend URL.
//
// Network form: redis://host[:port]. Socket form: redis:///run/redis.sock.
// When both a host and a path are present the host wins.
func parseEndpoint(rawURL string) (Endpoint, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Endpoint{}, fmt.Errorf("redisstorage: invalid URL %q: %w", rawURL, err)
	}
	if u.Scheme != "redis" {
		return Endpoint{}, fmt.Errorf("redisstorage: unsupported scheme %q in URL %q", u.Scheme, rawURL)
	}
	if h := u.Hostname(); h != "" {
		return Endpoint{Host: h, Port: u.Port()}, nil
	}
	return Endpoint{Socket: u.Path}, nil
}
