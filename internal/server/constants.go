// Package server exposes sessions over HTTP and a WebSocket event stream.
package server

import "time"

const (
	// Per-connection limit on control messages sent over the socket.
	RateLimitMessages = 20
	RateLimitWindow   = time.Second

	// Upper bound on a JSON request body.
	MaxBodyBytes = 64 << 10

	// Time allowed for a single frame write to a slow client.
	WriteTimeout = 5 * time.Second
)
