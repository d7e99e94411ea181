package registry

import (
	"log/slog"

	"github.com/roach88/binmgr/internal/binary"
)

// Subscribe appends a subscription for pid to the slot at index. Repeated
// subscriptions from the same task are all kept and all fire.
func (r *Registry) Subscribe(index, pid int, descriptor any) error {
	if pid <= 0 {
		return binary.Errorf(binary.CodeInvalidArgument, "invalid subscriber pid %d", pid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.slotLocked(index)
	if err != nil {
		return err
	}
	s.callbacks = append(s.callbacks, binary.Subscription{PID: pid, Descriptor: descriptor})
	slog.Debug("state callback registered", "index", index, "name", s.attrs.Name, "pid", pid)
	return nil
}

// Unsubscribe removes every subscription held by pid across all slots and
// returns how many were removed.
func (r *Registry) Unsubscribe(pid int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for i := range r.slots {
		s := &r.slots[i]
		if len(s.callbacks) == 0 {
			continue
		}
		kept := s.callbacks[:0]
		for _, cb := range s.callbacks {
			if cb.PID == pid {
				removed++
				continue
			}
			kept = append(kept, cb)
		}
		clear(s.callbacks[len(kept):])
		s.callbacks = kept
	}
	if removed > 0 {
		slog.Debug("state callbacks unregistered", "pid", pid, "count", removed)
	}
	return removed
}

// ClearCallbacks drops every subscription on the slot at index.
func (r *Registry) ClearCallbacks(index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.slotLocked(index)
	if err != nil {
		return err
	}
	s.callbacks = nil
	return nil
}

// Subscribers returns the callback list of the slot at index.
func (r *Registry) Subscribers(index int) ([]binary.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, err := r.slotLocked(index)
	if err != nil {
		return nil, err
	}
	return append([]binary.Subscription(nil), s.callbacks...), nil
}
