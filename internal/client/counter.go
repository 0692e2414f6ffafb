package client

import (
	"sync/atomic"

	"github.com/23skdu/shmcounters/internal/counters"
)

// Counter is a handle returned by a Client. Closing a counter the client
// created asks the driver to remove it; closing a static counter only
// releases the handle.
type Counter struct {
	*counters.Counter

	client *Client
	static bool
	closed atomic.Bool
}

// IsStatic reports whether the counter was obtained with AddStaticCounter.
func (c *Counter) IsStatic() bool {
	return c.static
}

// Close is idempotent and does not wait for the driver.
func (c *Counter) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = c.Counter.Close()
	if c.static {
		return nil
	}
	return c.client.releaseCounter(c.RegistrationID())
}
