package client

import "time"

// dialConfig collects Option settings before a connection is opened.
type dialConfig struct {
	dialTimeout time.Duration
	browseBuf   int
}

// Option configures Dial, matching the functional-options surface
// internal/collaborator and authority expose for the same purpose.
type Option func(*dialConfig)

// WithDialTimeout bounds how long Dial waits to connect to the control
// socket (default: no timeout, i.e. net.Dial's usual blocking behavior).
func WithDialTimeout(d time.Duration) Option {
	return func(cfg *dialConfig) {
		if d > 0 {
			cfg.dialTimeout = d
		}
	}
}

// WithBrowseBufferSize overrides how many BrowseEvents a BrowseAdd
// subscription buffers before the client's read loop blocks delivering to it
// (default 32). Values <= 0 are ignored.
func WithBrowseBufferSize(n int) Option {
	return func(cfg *dialConfig) {
		if n > 0 {
			cfg.browseBuf = n
		}
	}
}
