// Package redisstorage implements a remote build-cache backend backed by
// Redis and the Rueidis Redis Go client.
//
// The backend stores opaque binary objects keyed by content digest so that a
// compiler cache missing locally can fetch previously built objects from a
// shared Redis-compatible server, and publish freshly built ones for other
// machines. Connections are established lazily, re-established once after a
// dropped link, and permanently abandoned after a configuration or
// authentication failure so a known-bad endpoint never causes repeated slow
// timeouts.
package redisstorage
