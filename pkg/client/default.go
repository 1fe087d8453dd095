package client

import "sync/atomic"

var defaultClient atomic.Pointer[Client]

// SetDefault installs c as the process-wide client returned by Default.
// Nothing in this package uses it.
func SetDefault(c *Client) {
	defaultClient.Store(c)
}

// Default returns the client installed by SetDefault, or nil.
func Default() *Client {
	return defaultClient.Load()
}
