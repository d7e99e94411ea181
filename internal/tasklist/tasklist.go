// Package tasklist tracks which tasks belong to which binary.
//
// Task records live in an arena and are addressed by Handle. Each binary
// owns a ring of records linked through Prev/Next handles, rooted at the
// binary's first task. Insert and remove are O(1); no record ever points at
// memory it does not own, and the tasks themselves stay owned by the
// scheduler.
package tasklist

import (
	"fmt"
	"sync"
)

// Handle addresses a record in the arena.
type Handle int32

// None is the "no record" sentinel.
const None Handle = -1

type record struct {
	pid  int
	bin  int
	prev Handle
	next Handle
	used bool
}

// Tracker is the per-binary task list.
type Tracker struct {
	mu    sync.Mutex
	arena []record
	free  []Handle
	byPID map[int]Handle
	heads map[int]Handle
	count map[int]int
}

// New returns an empty tracker.
func New() *Tracker {
	return &Tracker{
		byPID: make(map[int]Handle),
		heads: make(map[int]Handle),
		count: make(map[int]int),
	}
}

// Add links pid into the task list of bin. The first task of a binary
// becomes the head of its ring; later tasks are inserted right after the
// head.
func (t *Tracker) Add(pid, bin int) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if h, ok := t.byPID[pid]; ok {
		return None, fmt.Errorf("task %d already tracked for binary %d", pid, t.arena[h].bin)
	}

	h := t.alloc(pid, bin)
	head, ok := t.heads[bin]
	if !ok {
		t.arena[h].prev = h
		t.arena[h].next = h
		t.heads[bin] = h
	} else {
		next := t.arena[head].next
		t.arena[h].prev = head
		t.arena[h].next = next
		t.arena[next].prev = h
		t.arena[head].next = h
	}
	t.byPID[pid] = h
	t.count[bin]++
	return h, nil
}

// Remove unlinks pid from its binary's list. Removing a task that is not
// tracked is a no-op and returns false.
func (t *Tracker) Remove(pid int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.byPID[pid]
	if !ok {
		return false
	}
	t.unlink(h)
	return true
}

// RemoveBinary unlinks every task of bin and returns their pids, head first.
func (t *Tracker) RemoveBinary(bin int) []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	pids := t.pidsLocked(bin)
	for _, pid := range pids {
		t.unlink(t.byPID[pid])
	}
	return pids
}

// Owner returns the binary pid belongs to.
func (t *Tracker) Owner(pid int) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.byPID[pid]
	if !ok {
		return -1, false
	}
	return t.arena[h].bin, true
}

// Len returns the number of tasks tracked for bin.
func (t *Tracker) Len(bin int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count[bin]
}

// PIDs returns the tasks of bin in ring order starting at the head.
func (t *Tracker) PIDs(bin int) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pidsLocked(bin)
}

// ForEachInBinary calls visit for every task of bin in ring order until
// visit returns false. The list is snapshotted first, so visit may call
// back into the tracker.
func (t *Tracker) ForEachInBinary(bin int, visit func(pid int) bool) {
	for _, pid := range t.PIDs(bin) {
		if !visit(pid) {
			return
		}
	}
}

func (t *Tracker) pidsLocked(bin int) []int {
	head, ok := t.heads[bin]
	if !ok {
		return nil
	}
	pids := make([]int, 0, t.count[bin])
	for h := head; ; {
		pids = append(pids, t.arena[h].pid)
		h = t.arena[h].next
		if h == head || h == None {
			break
		}
	}
	return pids
}

func (t *Tracker) alloc(pid, bin int) Handle {
	rec := record{pid: pid, bin: bin, prev: None, next: None, used: true}
	if n := len(t.free); n > 0 {
		h := t.free[n-1]
		t.free = t.free[:n-1]
		t.arena[h] = rec
		return h
	}
	t.arena = append(t.arena, rec)
	return Handle(len(t.arena) - 1)
}

func (t *Tracker) unlink(h Handle) {
	rec := &t.arena[h]
	if !rec.used {
		return
	}
	bin := rec.bin

	if rec.next == h {
		delete(t.heads, bin)
	} else {
		if rec.prev != None {
			t.arena[rec.prev].next = rec.next
		}
		if rec.next != None {
			t.arena[rec.next].prev = rec.prev
		}
		if t.heads[bin] == h {
			t.heads[bin] = rec.next
		}
	}

	delete(t.byPID, rec.pid)
	if t.count[bin]--; t.count[bin] == 0 {
		delete(t.count, bin)
	}
	*rec = record{prev: None, next: None}
	t.free = append(t.free, h)
}

// check verifies ring links for bin. Used by tests.
func (t *Tracker) check(bin int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	head, ok := t.heads[bin]
	if !ok {
		if t.count[bin] != 0 {
			return fmt.Errorf("binary %d has no head but count %d", bin, t.count[bin])
		}
		return nil
	}
	n := 0
	for h := head; ; {
		rec := t.arena[h]
		if !rec.used || rec.bin != bin {
			return fmt.Errorf("handle %d not owned by binary %d", h, bin)
		}
		if t.arena[rec.next].prev != h {
			return fmt.Errorf("handle %d: next.prev = %d", h, t.arena[rec.next].prev)
		}
		n++
		if n > len(t.arena) {
			return fmt.Errorf("binary %d ring does not close", bin)
		}
		h = rec.next
		if h == head {
			break
		}
	}
	if n != t.count[bin] {
		return fmt.Errorf("binary %d ring has %d records, count %d", bin, n, t.count[bin])
	}
	return nil
}
