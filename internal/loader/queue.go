package loader

import "sync"

// job is a queued command. reply, when set, receives the outcomes once the
// command has run.
type job struct {
	cmd   Command
	reply chan<- []Outcome
}

// commandQueue is a thread-safe FIFO of loading commands.
//
// Producers are the manager (LOAD, LOAD_ALL, UPDATE, UNLOAD) and the
// recovery coordinator (RELOAD); the coordinator's Run loop is the only
// consumer. The queue is unbounded so recovery never blocks on a busy
// loader while holding a faulted binary.
//
// A buffered signal channel of size 1 lets Run wait with select alongside
// ctx.Done().
type commandQueue struct {
	mu     sync.Mutex
	jobs   []job
	closed bool
	signal chan struct{}
}

func newCommandQueue() *commandQueue {
	return &commandQueue{
		jobs:   make([]job, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends j. Returns false once the queue is closed.
func (q *commandQueue) Enqueue(j job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.jobs = append(q.jobs, j)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue pops the front job without blocking.
func (q *commandQueue) TryDequeue() (job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.jobs) == 0 {
		return job{}, false
	}
	j := q.jobs[0]
	q.jobs[0] = job{}
	if len(q.jobs) == 1 {
		q.jobs = q.jobs[:0]
	} else {
		q.jobs = q.jobs[1:]
	}
	return j, true
}

// Wait returns the channel signaled on enqueue and closed on Close.
func (q *commandQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued jobs.
func (q *commandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Closed reports whether Close has been called.
func (q *commandQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close stops accepting commands and wakes the consumer.
func (q *commandQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
