// Package taskq runs named deferred tasks on a single worker goroutine.
// Enqueuing a task that is already pending is a no-op, so event handlers can
// request work as often as they like without blocking.
package taskq

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-bnxt/internal/logging"
)

// Task is deferred work. ctx is cancelled when the queue stops.
type Task func(ctx context.Context)

// Queue holds pending tasks in FIFO order
type Queue struct {
	mu      sync.Mutex
	pending map[string]Task
	order   []string
	wake    chan struct{}
	logger  *logging.Logger

	ran       atomic.Uint64
	coalesced atomic.Uint64
}

func New(logger *logging.Logger) *Queue {
	if logger == nil {
		logger = logging.Default()
	}
	return &Queue{
		pending: make(map[string]Task),
		wake:    make(chan struct{}, 1),
		logger:  logger,
	}
}

// Enqueue schedules fn under name. It never blocks. It returns false when a
// task of the same name is already pending; a task that is currently running
// does not count as pending.
func (q *Queue) Enqueue(name string, fn Task) bool {
	q.mu.Lock()
	if _, ok := q.pending[name]; ok {
		q.mu.Unlock()
		q.coalesced.Add(1)
		return false
	}
	q.pending[name] = fn
	q.order = append(q.order, name)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Pending returns the number of queued tasks
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Ran returns the number of tasks executed
func (q *Queue) Ran() uint64 { return q.ran.Load() }

// Coalesced returns the number of Enqueue calls absorbed by a pending task
func (q *Queue) Coalesced() uint64 { return q.coalesced.Load() }

func (q *Queue) next() (string, Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.order) == 0 {
		return "", nil, false
	}
	name := q.order[0]
	q.order = q.order[1:]
	fn := q.pending[name]
	delete(q.pending, name)
	return name, fn, true
}

// RunPending executes every queued task on the calling goroutine and
// returns how many ran
func (q *Queue) RunPending(ctx context.Context) int {
	n := 0
	for ctx.Err() == nil {
		name, fn, ok := q.next()
		if !ok {
			break
		}
		q.logger.Debug("running deferred task", "task", name)
		fn(ctx)
		q.ran.Add(1)
		n++
	}
	return n
}

// Run is the worker loop. It returns nil when ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	for {
		q.RunPending(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-q.wake:
		}
	}
}
