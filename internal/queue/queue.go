// Package queue serialises upstream sessions: at most one task body runs at
// any instant and tasks start in the order they were enqueued.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Observer receives queue lifecycle notifications. Depth is the number of
// tasks waiting after the transition.
type Observer interface {
	TaskEnqueued(depth int)
	TaskStarted(wait time.Duration, depth int)
	TaskFinished(run time.Duration, err error)
	TaskCancelled(depth int)
}

// Task is the bookkeeping kept for one Enqueue call.
type Task struct {
	ID         uuid.UUID
	EnqueuedAt time.Time
	StartedAt  time.Time

	start   chan struct{}
	granted bool
}

// Queue is a FIFO admission queue with concurrency 1. The zero value is not
// usable; call New.
type Queue struct {
	mu      sync.Mutex
	waiting []*Task
	running bool

	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Queue)

func WithObserver(o Observer) Option {
	return func(q *Queue) { q.observer = o }
}

func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

func withClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func New(opts ...Option) *Queue {
	q := &Queue{
		observer: nopObserver{},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends fn to the queue and blocks until it has run, returning
// its error. A panic in fn is recovered and returned as an error.
//
// If ctx is cancelled while the task is still waiting, the task is removed
// and ctx.Err() is returned. Once started, fn always runs to completion;
// it receives ctx and decides itself what cancellation means.
func (q *Queue) Enqueue(ctx context.Context, fn func(ctx context.Context) error) error {
	t := &Task{
		ID:         uuid.New(),
		EnqueuedAt: q.now(),
		start:      make(chan struct{}),
	}

	q.mu.Lock()
	q.waiting = append(q.waiting, t)
	depth := len(q.waiting)
	q.observer.TaskEnqueued(depth)
	q.dispatchLocked()
	q.mu.Unlock()

	select {
	case <-t.start:
	case <-ctx.Done():
		if q.abandon(t) {
			q.logger.Debug("queued task cancelled", "task_id", t.ID, "error", ctx.Err())
			return ctx.Err()
		}
		// Granted concurrently with the cancellation: the turn is ours.
		<-t.start
	}

	return q.run(ctx, t, fn)
}

func (q *Queue) run(ctx context.Context, t *Task, fn func(ctx context.Context) error) (err error) {
	wait := t.StartedAt.Sub(t.EnqueuedAt)
	q.logger.Debug("task started", "task_id", t.ID, "wait_ms", wait.Milliseconds())

	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("task panicked", "task_id", t.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("queued task panicked: %v", r)
		}
		run := q.now().Sub(t.StartedAt)
		q.observer.TaskFinished(run, err)
		q.logger.Debug("task finished", "task_id", t.ID, "duration_ms", run.Milliseconds(), "error", err)

		q.mu.Lock()
		q.running = false
		q.dispatchLocked()
		q.mu.Unlock()
	}()

	return fn(ctx)
}

// dispatchLocked grants the turn to the head of the queue if nothing runs.
func (q *Queue) dispatchLocked() {
	if q.running || len(q.waiting) == 0 {
		return
	}
	t := q.waiting[0]
	q.waiting[0] = nil
	q.waiting = q.waiting[1:]

	q.running = true
	t.granted = true
	t.StartedAt = q.now()
	q.observer.TaskStarted(t.StartedAt.Sub(t.EnqueuedAt), len(q.waiting))
	close(t.start)
}

// abandon removes t from the waiting list. It reports false when t has
// already been granted the turn.
func (q *Queue) abandon(t *Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.granted {
		return false
	}
	for i, w := range q.waiting {
		if w == t {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			break
		}
	}
	q.observer.TaskCancelled(len(q.waiting))
	return true
}

// Size returns the number of tasks waiting to start.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

// Pending returns the number of running tasks, 0 or 1.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return 1
	}
	return 0
}

type nopObserver struct{}

func (nopObserver) TaskEnqueued(int)                  {}
func (nopObserver) TaskStarted(time.Duration, int)    {}
func (nopObserver) TaskFinished(time.Duration, error) {}
func (nopObserver) TaskCancelled(int)                 {}
