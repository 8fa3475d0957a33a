package change

import (
	"sync"
	"time"
)

// Clock hands out strictly increasing microsecond timestamps for one device.
// It never goes backwards even if the wall clock does, and Observe lets it
// move past timestamps seen from other devices.
type Clock struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewClock returns a clock that will never issue a timestamp <= seed.
func NewClock(seed int64, now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{last: seed, now: now}
}

// Next returns the next timestamp.
func (c *Clock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := c.now().UnixMicro()
	if ts <= c.last {
		ts = c.last + 1
	}
	c.last = ts
	return ts
}

// Observe records that ts has been seen.
func (c *Clock) Observe(ts int64) {
	c.mu.Lock()
	if ts > c.last {
		c.last = ts
	}
	c.mu.Unlock()
}

// Last returns the most recent timestamp issued or observed.
func (c *Clock) Last() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
