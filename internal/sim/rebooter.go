package sim

import (
	"log/slog"
	"sync"
)

// Rebooter records board resets instead of performing them.
type Rebooter struct {
	mu       sync.Mutex
	reasons  []string
	onReboot func(reason string)
}

// NewRebooter returns a rebooter calling onReboot (if non-nil) on every reset.
func NewRebooter(onReboot func(reason string)) *Rebooter {
	return &Rebooter{onReboot: onReboot}
}

// Reboot records the reset.
func (r *Rebooter) Reboot(reason string) {
	r.mu.Lock()
	r.reasons = append(r.reasons, reason)
	fn := r.onReboot
	r.mu.Unlock()

	slog.Warn("board reset requested", "reason", reason, "event", "reboot")
	if fn != nil {
		fn(reason)
	}
}

// Reasons returns every recorded reset reason.
func (r *Rebooter) Reasons() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reasons...)
}

// Count returns the number of resets.
func (r *Rebooter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reasons)
}
