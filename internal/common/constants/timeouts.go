// Package constants provides client-wide defaults and timeouts.
package constants

import "time"

const (
	// DefaultServerURL is where codey-server listens by default.
	DefaultServerURL = "ws://127.0.0.1:9999"

	// HandshakeTimeout bounds the WebSocket upgrade plus the wait for the
	// server's Connected event.
	HandshakeTimeout = 30 * time.Second

	// WriteTimeout bounds a single frame write.
	WriteTimeout = 10 * time.Second

	// CloseGracePeriod is how long disconnect waits for the close frame
	// to be written before tearing the socket down.
	CloseGracePeriod = time.Second
)
