// Package testutil holds deterministic stand-ins shared by package tests and
// the scenario harness.
package testutil

import "sync"

// SeqClock is a resettable transition sequencer. It satisfies
// registry.Sequencer, so a harness can replay a scenario and get the same
// seq values every run.
type SeqClock struct {
	mu  sync.Mutex
	seq int64
}

// NewSeqClock creates a clock whose first Next() returns 1.
func NewSeqClock() *SeqClock {
	return &SeqClock{}
}

// Next returns the next sequence number.
func (c *SeqClock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// Current returns the last issued sequence number.
func (c *SeqClock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Reset rewinds the clock so the next call to Next() returns 1.
func (c *SeqClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq = 0
}
