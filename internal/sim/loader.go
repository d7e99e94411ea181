package sim

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/roach88/binmgr/internal/loader"
)

// DefaultFirstPID is the first pid handed out by a PIDAllocator.
const DefaultFirstPID = 100

// PIDAllocator hands out increasing task ids.
type PIDAllocator struct {
	next atomic.Int64
}

// NewPIDAllocator starts allocation at first.
func NewPIDAllocator(first int) *PIDAllocator {
	a := &PIDAllocator{}
	a.next.Store(int64(first) - 1)
	return a
}

// Next returns a fresh pid.
func (a *PIDAllocator) Next() int {
	return int(a.next.Add(1))
}

// Loader simulates placing binaries in memory.
type Loader struct {
	pids *PIDAllocator

	mu         sync.Mutex
	failLoads  map[string]int
	failStarts map[string]int
	loads      []string
	started    []int
	names      map[int]string
}

// NewLoader creates a loader allocating entry task ids from pids.
func NewLoader(pids *PIDAllocator) *Loader {
	return &Loader{
		pids:       pids,
		failLoads:  make(map[string]int),
		failStarts: make(map[string]int),
		names:      make(map[int]string),
	}
}

// FailLoads makes the next n Load calls for name fail.
func (l *Loader) FailLoads(name string, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failLoads[name] += n
}

// FailStart makes every Start fail for binaries named name.
func (l *Loader) FailStart(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failStarts[name] = -1
}

// FailStarts makes the next n Start calls for name fail.
func (l *Loader) FailStarts(name string, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failStarts[name] < 0 {
		return
	}
	l.failStarts[name] += n
}

// Load implements loader.Loader.
func (l *Loader) Load(ctx context.Context, desc loader.Descriptor) (loader.Handle, error) {
	if err := ctx.Err(); err != nil {
		return loader.Handle{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	name := desc.Attrs.Name
	l.loads = append(l.loads, name)
	if l.failLoads[name] > 0 {
		l.failLoads[name]--
		return loader.Handle{}, fmt.Errorf("sim: checksum mismatch reading %s", name)
	}
	pid := l.pids.Next()
	l.names[pid] = name
	return loader.Handle{PID: pid}, nil
}

// Start implements loader.Loader.
func (l *Loader) Start(_ context.Context, h loader.Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	name := l.names[h.PID]
	switch n := l.failStarts[name]; {
	case n < 0:
		return fmt.Errorf("sim: entry task %d did not start", h.PID)
	case n > 0:
		l.failStarts[name]--
		return fmt.Errorf("sim: entry task %d did not start", h.PID)
	}
	l.started = append(l.started, h.PID)
	return nil
}

// Loads returns every binary name passed to Load, in call order.
func (l *Loader) Loads() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.loads...)
}

// Started returns the entry task ids started so far.
func (l *Loader) Started() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.started...)
}
