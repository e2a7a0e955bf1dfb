// Package admission implements a fleet-wide concurrency cap: a
// non-blocking gate in front of the worker pool that rejects
// immediately, rather than queuing, once the in-flight count reaches
// its configured ceiling.
package admission

import "sync/atomic"

// Controller tracks the number of in-flight requests against a fixed
// ceiling using a single atomic counter shared across the whole fleet.
type Controller struct {
	inFlight atomic.Int64
	max      int64
}

// New constructs a controller admitting at most max concurrent
// requests.
func New(max int) *Controller {
	return &Controller{max: int64(max)}
}

// TryAdmit attempts to reserve one admission slot. It never blocks: on
// success it returns a release func the caller must invoke exactly once
// when the request finishes; on failure (fleet at capacity) it returns
// ok=false and the caller must reject with 503 immediately.
func (c *Controller) TryAdmit() (release func(), ok bool) {
	for {
		cur := c.inFlight.Load()
		if cur >= c.max {
			return nil, false
		}
		if c.inFlight.CompareAndSwap(cur, cur+1) {
			return c.release, true
		}
	}
}

func (c *Controller) release() {
	c.inFlight.Add(-1)
}

// InFlight returns the current number of admitted, not-yet-released
// requests, for the periodic stats block and Prometheus exposition.
func (c *Controller) InFlight() int64 {
	return c.inFlight.Load()
}

// Capacity returns the configured ceiling.
func (c *Controller) Capacity() int64 {
	return c.max
}
