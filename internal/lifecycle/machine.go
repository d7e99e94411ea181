// Package lifecycle drives binaries through their state machine.
//
// Machine.Apply is the only way coordinators change a binary's state: the
// registry accepts or rejects the move, the accepted change is journaled,
// and then every subscriber captured at the moment of the change is
// notified. Entering WAITUNLOAD is notified synchronously; every other state
// is fire-and-forget.
package lifecycle

import (
	"context"
	"log/slog"

	"github.com/roach88/binmgr/internal/binary"
	"github.com/roach88/binmgr/internal/notify"
	"github.com/roach88/binmgr/internal/registry"
)

// Journal records accepted transitions.
type Journal interface {
	RecordTransition(ctx context.Context, ch registry.Change) error
}

// Notifier fans a change out to subscribers.
type Notifier interface {
	Notify(ctx context.Context, ch registry.Change, synchronous bool) notify.Report
}

// Machine applies transitions against a registry.
type Machine struct {
	reg      *registry.Registry
	notifier Notifier
	journal  Journal
	observe  func(registry.Change)
}

// Option configures a Machine.
type Option func(*Machine)

// WithJournal records every accepted transition in j.
func WithJournal(j Journal) Option {
	return func(m *Machine) {
		m.journal = j
	}
}

// WithObserver calls fn after every accepted transition, before subscribers
// are notified.
func WithObserver(fn func(registry.Change)) Option {
	return func(m *Machine) {
		m.observe = fn
	}
}

// New creates a machine over reg. notifier may be nil.
func New(reg *registry.Registry, notifier Notifier, opts ...Option) *Machine {
	m := &Machine{reg: reg, notifier: notifier}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Registry returns the registry the machine drives.
func (m *Machine) Registry() *registry.Registry {
	return m.reg
}

// Apply moves the binary at index from -> to and notifies its subscribers.
// A rejected transition is logged and returned; nothing is notified.
func (m *Machine) Apply(ctx context.Context, index int, from, to binary.State) (registry.Change, error) {
	ch, err := m.reg.Transition(index, from, to)
	if err != nil {
		slog.Warn("state transition rejected",
			"index", index,
			"from", from,
			"to", to,
			"error", err,
		)
		return registry.Change{}, err
	}

	slog.Info("binary state changed",
		"index", ch.Index,
		"name", ch.Name,
		"from", ch.From,
		"to", ch.To,
		"seq", ch.Seq,
	)

	if m.journal != nil {
		if err := m.journal.RecordTransition(ctx, ch); err != nil {
			// The transition already happened; a journal failure only loses audit data.
			slog.Error("failed to journal transition", "name", ch.Name, "seq", ch.Seq, "error", err)
		}
	}
	if m.observe != nil {
		m.observe(ch)
	}
	if m.notifier != nil {
		m.notifier.Notify(ctx, ch, ch.To.NeedsResponse())
	}
	return ch, nil
}
