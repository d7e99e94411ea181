package registry

import "sync/atomic"

// Sequencer issues transition sequence numbers.
type Sequencer interface {
	Next() int64
}

// Clock is a monotonic logical clock stamping every accepted transition.
//
// Sequence numbers give a total order over state changes across all slots
// and let subscribers match acknowledgments to notifications. Wall-clock time
// is never used for ordering.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock whose first Next() returns 1.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the next sequence number.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last issued sequence number.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
