// Package notify delivers binary state changes to subscribed tasks.
//
// Delivery goes through a Transport in subscription order. A synchronous
// notification waits until every delivery is acknowledged through Ack, or
// until the response timeout elapses. Missing acknowledgments and delivery
// failures are logged; they never fail the notifier.
//
// A pending wait on a task ends immediately when Cancel is called for it,
// which the manager does when the task unsubscribes or exits.
package notify

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/binmgr/internal/binary"
	"github.com/roach88/binmgr/internal/registry"
)

// DefaultResponseTimeout bounds a synchronous notification.
const DefaultResponseTimeout = 3 * time.Second

// Message is what a subscriber receives.
type Message struct {
	Seq          int64
	Index        int
	Name         string
	State        binary.State
	NeedResponse bool
}

// Transport carries messages to tasks.
type Transport interface {
	Deliver(ctx context.Context, sub binary.Subscription, msg Message) error
}

// Report summarizes one fan-out.
type Report struct {
	Delivered int
	Failed    int
	// Unacked lists subscriber pids that did not acknowledge a synchronous
	// notification in time, once per missing acknowledgment.
	Unacked []int
}

type waitKey struct {
	seq int64
	pid int
}

type waiter struct {
	remaining int
	done      chan struct{}
}

// Notifier fans changes out to subscribers.
type Notifier struct {
	transport Transport
	timeout   time.Duration

	mu      sync.Mutex
	pending map[waitKey]*waiter
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithResponseTimeout bounds how long a synchronous notification waits.
func WithResponseTimeout(d time.Duration) Option {
	return func(n *Notifier) {
		n.timeout = d
	}
}

// New creates a notifier delivering through transport.
func New(transport Transport, opts ...Option) *Notifier {
	n := &Notifier{
		transport: transport,
		timeout:   DefaultResponseTimeout,
		pending:   make(map[waitKey]*waiter),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notify delivers ch.To to every subscriber captured in ch.
func (n *Notifier) Notify(ctx context.Context, ch registry.Change, synchronous bool) Report {
	var rep Report
	if len(ch.Subscribers) == 0 {
		return rep
	}

	msg := Message{
		Seq:          ch.Seq,
		Index:        ch.Index,
		Name:         ch.Name,
		State:        ch.To,
		NeedResponse: synchronous,
	}

	// Register waiters before delivering so an immediate Ack is not lost.
	var waits map[waitKey]*waiter
	if synchronous {
		waits = n.register(ch.Seq, ch.Subscribers)
		defer n.release(waits)
	}

	for _, sub := range ch.Subscribers {
		if err := n.transport.Deliver(ctx, sub, msg); err != nil {
			rep.Failed++
			slog.Warn("state notification failed",
				"pid", sub.PID,
				"name", ch.Name,
				"state", ch.To,
				"error", err,
			)
			if synchronous {
				n.Ack(sub.PID, ch.Seq)
			}
			continue
		}
		rep.Delivered++
	}

	if synchronous {
		rep.Unacked = n.wait(ctx, waits)
		for _, pid := range rep.Unacked {
			slog.Warn("subscriber did not acknowledge state change",
				"pid", pid,
				"name", ch.Name,
				"state", ch.To,
				"seq", ch.Seq,
				"timeout", n.timeout,
			)
		}
	}

	slog.Debug("state change notified",
		"name", ch.Name,
		"state", ch.To,
		"delivered", rep.Delivered,
		"failed", rep.Failed,
		"sync", synchronous,
	)
	return rep
}

// Ack records one acknowledgment from pid for the notification seq.
// Unknown acknowledgments are ignored.
func (n *Notifier) Ack(pid int, seq int64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	w, ok := n.pending[waitKey{seq: seq, pid: pid}]
	if !ok || w.remaining == 0 {
		return
	}
	w.remaining--
	if w.remaining == 0 {
		close(w.done)
	}
}

// Cancel releases every pending wait on pid.
func (n *Notifier) Cancel(pid int) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for key, w := range n.pending {
		if key.pid == pid && w.remaining > 0 {
			w.remaining = 0
			close(w.done)
		}
	}
}

func (n *Notifier) register(seq int64, subs []binary.Subscription) map[waitKey]*waiter {
	n.mu.Lock()
	defer n.mu.Unlock()

	waits := make(map[waitKey]*waiter, len(subs))
	for _, sub := range subs {
		key := waitKey{seq: seq, pid: sub.PID}
		w, ok := waits[key]
		if !ok {
			w = &waiter{done: make(chan struct{})}
			waits[key] = w
			n.pending[key] = w
		}
		w.remaining++
	}
	return waits
}

func (n *Notifier) release(waits map[waitKey]*waiter) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for key := range waits {
		delete(n.pending, key)
	}
}

// wait blocks until every waiter is done or the timeout elapses, and returns
// the pids still owing acknowledgments.
func (n *Notifier) wait(ctx context.Context, waits map[waitKey]*waiter) []int {
	timer := time.NewTimer(n.timeout)
	defer timer.Stop()

	expired := false
	for _, w := range waits {
		if expired {
			break
		}
		select {
		case <-w.done:
		case <-timer.C:
			expired = true
		case <-ctx.Done():
			expired = true
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	var unacked []int
	for key, w := range waits {
		for i := 0; i < w.remaining; i++ {
			unacked = append(unacked, key.pid)
		}
	}
	slices.Sort(unacked)
	return unacked
}
