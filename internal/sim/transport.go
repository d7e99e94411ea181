package sim

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/binmgr/internal/binary"
	"github.com/roach88/binmgr/internal/notify"
)

// Delivery is one message received by a task.
type Delivery struct {
	PID     int
	Message notify.Message
}

// Transport simulates per-task message queues.
type Transport struct {
	mu     sync.Mutex
	log    []Delivery
	ack    func(pid int, seq int64)
	silent map[int]bool
	dead   map[int]bool
}

// NewTransport returns a transport. When ack is non-nil every task answers
// messages that need a response by calling it, unless marked silent.
func NewTransport(ack func(pid int, seq int64)) *Transport {
	return &Transport{
		ack:    ack,
		silent: make(map[int]bool),
		dead:   make(map[int]bool),
	}
}

// SetAck replaces the acknowledgment function.
func (t *Transport) SetAck(ack func(pid int, seq int64)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ack = ack
}

// Silence stops pid from acknowledging.
func (t *Transport) Silence(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.silent[pid] = true
}

// Kill makes deliveries to pid fail.
func (t *Transport) Kill(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dead[pid] = true
}

// Deliver implements notify.Transport.
func (t *Transport) Deliver(_ context.Context, sub binary.Subscription, msg notify.Message) error {
	t.mu.Lock()
	if t.dead[sub.PID] {
		t.mu.Unlock()
		return fmt.Errorf("sim: message queue of task %d is gone", sub.PID)
	}
	t.log = append(t.log, Delivery{PID: sub.PID, Message: msg})
	ack := t.ack
	answer := msg.NeedResponse && !t.silent[sub.PID]
	t.mu.Unlock()

	if answer && ack != nil {
		go ack(sub.PID, msg.Seq)
	}
	return nil
}

// Inbox returns the messages delivered to pid, in order.
func (t *Transport) Inbox(pid int) []notify.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []notify.Message
	for _, d := range t.log {
		if d.PID == pid {
			out = append(out, d.Message)
		}
	}
	return out
}

// Deliveries returns every delivery, in order.
func (t *Transport) Deliveries() []Delivery {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Delivery(nil), t.log...)
}
