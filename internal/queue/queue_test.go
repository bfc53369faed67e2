package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu        sync.Mutex
	enqueued  int
	started   []time.Duration
	finished  []error
	cancelled int
}

func (r *recordingObserver) TaskEnqueued(int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enqueued++
}

func (r *recordingObserver) TaskStarted(wait time.Duration, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, wait)
}

func (r *recordingObserver) TaskFinished(_ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, err)
}

func (r *recordingObserver) TaskCancelled(int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled++
}

// blockHead enqueues a task that holds the queue until release is closed.
func blockHead(t *testing.T, q *Queue) (release func(), done <-chan error) {
	t.Helper()
	gate := make(chan struct{})
	running := make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		errc <- q.Enqueue(context.Background(), func(context.Context) error {
			close(running)
			<-gate
			return nil
		})
	}()
	<-running
	return func() { close(gate) }, errc
}

func TestEnqueue_ReturnsTaskError(t *testing.T) {
	q := New()
	want := errors.New("boom")

	err := q.Enqueue(context.Background(), func(context.Context) error { return want })
	assert.ErrorIs(t, err, want)
	assert.Equal(t, 0, q.Pending())
}

func TestEnqueue_SingleFlight(t *testing.T) {
	q := New()
	var active, maxActive atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Enqueue(context.Background(), func(context.Context) error {
				n := active.Add(1)
				for {
					m := maxActive.Load()
					if n <= m || maxActive.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				active.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive.Load())
	assert.Equal(t, 0, q.Size())
	assert.Equal(t, 0, q.Pending())
}

func TestEnqueue_FIFOStartOrder(t *testing.T) {
	q := New()
	release, headDone := blockHead(t, q)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = q.Enqueue(context.Background(), func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}(i)
		// Wait until task i is queued before enqueueing the next one.
		require.Eventually(t, func() bool { return q.Size() == i+1 }, time.Second, time.Millisecond)
	}

	assert.Equal(t, 1, q.Pending())
	release()
	require.NoError(t, <-headDone)
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestEnqueue_FailureDoesNotPoisonQueue(t *testing.T) {
	q := New()

	err := q.Enqueue(context.Background(), func(context.Context) error { return errors.New("first fails") })
	require.Error(t, err)

	ran := false
	err = q.Enqueue(context.Background(), func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestEnqueue_RecoversPanic(t *testing.T) {
	obs := &recordingObserver{}
	q := New(WithObserver(obs))

	err := q.Enqueue(context.Background(), func(context.Context) error { panic("kaboom") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	require.NoError(t, q.Enqueue(context.Background(), func(context.Context) error { return nil }))

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.finished, 2)
	assert.Error(t, obs.finished[0])
	assert.NoError(t, obs.finished[1])
}

func TestEnqueue_CancelBeforeStart(t *testing.T) {
	obs := &recordingObserver{}
	q := New(WithObserver(obs))
	release, headDone := blockHead(t, q)

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	cancelled := make(chan error, 1)
	go func() {
		cancelled <- q.Enqueue(ctx, func(context.Context) error {
			ran.Store(true)
			return nil
		})
	}()
	require.Eventually(t, func() bool { return q.Size() == 1 }, time.Second, time.Millisecond)

	third := make(chan error, 1)
	go func() {
		third <- q.Enqueue(context.Background(), func(context.Context) error { return nil })
	}()
	require.Eventually(t, func() bool { return q.Size() == 2 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-cancelled, context.Canceled)
	assert.Equal(t, 1, q.Size())

	release()
	require.NoError(t, <-headDone)
	require.NoError(t, <-third)
	assert.False(t, ran.Load(), "cancelled task must never run")

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 1, obs.cancelled)
	assert.Equal(t, 3, obs.enqueued)
	assert.Len(t, obs.started, 2)
}

func TestEnqueue_StartedTaskRunsToCompletion(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())

	finished := false
	err := q.Enqueue(ctx, func(ctx context.Context) error {
		cancel()
		<-ctx.Done()
		finished = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, finished)
}

func TestEnqueue_ReportsWaitTime(t *testing.T) {
	obs := &recordingObserver{}
	var tick atomic.Int64
	base := time.Unix(0, 0)
	clock := func() time.Time {
		return base.Add(time.Duration(tick.Add(1)) * time.Second)
	}
	q := New(WithObserver(obs), withClock(clock))

	require.NoError(t, q.Enqueue(context.Background(), func(context.Context) error { return nil }))

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.started, 1)
	assert.Equal(t, time.Second, obs.started[0])
}
