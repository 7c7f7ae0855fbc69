package commandqueue

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

func TestCommandQueue_Do(t *testing.T) {
	cq := New()
	defer cq.Close()

	executed := false
	err := cq.Do(context.Background(), UserLane(1), func(ctx context.Context) error {
		executed = true
		return nil
	})

	assert.NoError(t, err)
	assert.True(t, executed)
}

func TestCommandQueue_TaskError(t *testing.T) {
	cq := New()
	defer cq.Close()

	expected := errors.New("task failed")
	err := cq.Do(context.Background(), "test", func(ctx context.Context) error {
		return expected
	})

	assert.ErrorIs(t, err, expected)
}

func TestCommandQueue_PanicBecomesError(t *testing.T) {
	cq := New()
	defer cq.Close()

	err := cq.Do(context.Background(), "test", func(ctx context.Context) error {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	assert.NoError(t, cq.Do(context.Background(), "test", func(ctx context.Context) error { return nil }))
}

func TestCommandQueue_FIFOPerLane(t *testing.T) {
	cq := New()
	defer cq.Close()

	var mu sync.Mutex
	var order []int
	var active, maxActive int32

	var waits []<-chan error
	for i := 0; i < 20; i++ {
		i := i
		waits = append(waits, cq.Submit(context.Background(), UserLane(7), func(ctx context.Context) error {
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			atomic.AddInt32(&active, -1)
			return nil
		}))
	}
	for _, w := range waits {
		require.NoError(t, <-w)
	}

	expected := make([]int, 20)
	for i := range expected {
		expected[i] = i
	}
	assert.Equal(t, expected, order)
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
}

func TestCommandQueue_LanesRunConcurrently(t *testing.T) {
	cq := New()
	defer cq.Close()

	release := make(chan struct{})
	started := make(chan struct{}, 2)

	task := func(ctx context.Context) error {
		started <- struct{}{}
		<-release
		return nil
	}

	w1 := cq.Submit(context.Background(), UserLane(1), task)
	w2 := cq.Submit(context.Background(), UserLane(2), task)

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("lanes did not run concurrently")
		}
	}
	close(release)
	require.NoError(t, <-w1)
	require.NoError(t, <-w2)
}

func TestCommandQueue_IdleLanesAreDropped(t *testing.T) {
	cq := New()
	defer cq.Close()

	require.NoError(t, cq.Do(context.Background(), UserLane(3), func(ctx context.Context) error { return nil }))

	assert.Eventually(t, func() bool { return cq.LaneCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, cq.QueueLen(UserLane(3)))

	require.NoError(t, cq.Do(context.Background(), UserLane(3), func(ctx context.Context) error { return nil }))
}

func TestCommandQueue_SubmitOnce(t *testing.T) {
	cq := New()
	defer cq.Close()

	var runs int32
	task := func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}

	require.NoError(t, <-cq.SubmitOnce(context.Background(), UserLane(1), "update:10", task))
	assert.ErrorIs(t, <-cq.SubmitOnce(context.Background(), UserLane(1), "update:10", task), ErrDuplicate)
	require.NoError(t, <-cq.SubmitOnce(context.Background(), UserLane(1), "", task))
	assert.Equal(t, int32(2), atomic.LoadInt32(&runs))
}

func TestCommandQueue_Events(t *testing.T) {
	cq := New()
	defer cq.Close()

	var mu sync.Mutex
	var events []Event
	record := func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}
	cq.On(EventEnqueued, record)
	cq.On(EventCompleted, record)

	require.NoError(t, cq.Do(context.Background(), "lane", func(ctx context.Context) error { return nil }))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, EventEnqueued, events[0].Type)
	assert.Equal(t, EventCompleted, events[1].Type)
	assert.Equal(t, events[0].TaskID, events[1].TaskID)
}

func TestCommandQueue_CloseCancelsRunning(t *testing.T) {
	cq := New()

	started := make(chan struct{})
	w := cq.Submit(context.Background(), "lane", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started

	require.NoError(t, cq.Close())
	assert.ErrorIs(t, <-w, context.Canceled)
	assert.ErrorIs(t, cq.Do(context.Background(), "lane", func(ctx context.Context) error { return nil }), ErrClosed)
}

func TestUserLane(t *testing.T) {
	assert.Equal(t, "user:42", UserLane(42))
}
