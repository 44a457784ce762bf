package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryTransport is an in-process Transport used by tests and single
// binary deployments without redis. Each named queue is a FIFO slice
// guarded by one mutex; BPop waits on a condition-free polling channel to
// keep the semantics close to BLPOP (one job handed to exactly one
// caller).
type MemoryTransport struct {
	mu     sync.Mutex
	queues map[string][]*Job
	wake   chan struct{}
	closed bool
}

// NewMemoryTransport returns an empty in-memory transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		queues: make(map[string][]*Job),
		wake:   make(chan struct{}, 1),
	}
}

// Push appends a job to the named queue and wakes one blocked popper.
func (t *MemoryTransport) Push(_ context.Context, queueName string, job *Job) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.queues[queueName] = append(t.queues[queueName], job)
	t.signal()
	return nil
}

// signal wakes one blocked popper. Callers hold mu.
func (t *MemoryTransport) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// backlog reports whether any queue still has jobs. Callers hold mu.
func (t *MemoryTransport) backlog() bool {
	for _, jobs := range t.queues {
		if len(jobs) > 0 {
			return true
		}
	}
	return false
}

// BPop pops from the first non-empty queue in queueNames order, blocking
// up to timeout. Returns (nil, nil) on timeout, matching the redis
// transport.
func (t *MemoryTransport) BPop(ctx context.Context, timeout time.Duration, queueNames ...string) (*Job, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		t.mu.Lock()
		if t.closed {
			// Cascade the shutdown wakeup to the next blocked popper.
			t.signal()
			t.mu.Unlock()
			return nil, ErrClosed
		}
		for _, name := range queueNames {
			if jobs := t.queues[name]; len(jobs) > 0 {
				job := jobs[0]
				t.queues[name] = jobs[1:]
				// The single-slot wake channel can coalesce concurrent
				// pushes; pass the signal on so another blocked popper
				// sees the remaining backlog instead of sleeping out its
				// timeout.
				if t.backlog() {
					t.signal()
				}
				t.mu.Unlock()
				return job, nil
			}
		}
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ErrClosed
		case <-deadline.C:
			return nil, nil
		case <-t.wake:
		}
	}
}

// Len returns the current depth of the named queue.
func (t *MemoryTransport) Len(_ context.Context, queueName string) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int64(len(t.queues[queueName])), nil
}

// Close shuts the transport down. Blocked BPop calls observe the closed
// flag on their next wakeup; callers shutting down should also cancel the
// context they block on.
func (t *MemoryTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.signal()
}
