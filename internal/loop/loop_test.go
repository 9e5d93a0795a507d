package loop

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStartedLoop(t *testing.T) *Loop {
	t.Helper()
	l := New("test-loop", logrus.New())
	l.Start(context.Background())
	t.Cleanup(l.Stop)
	return l
}

func TestLoop_RunsTasksInOrder(t *testing.T) {
	l := newStartedLoop(t)

	var mu sync.Mutex
	var order []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, l.Post(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}))
	}
	require.NoError(t, l.Do(func() {}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 100)
	for i, v := range order {
		assert.Equal(t, i, v, "tasks MUST run in post order")
	}
}

func TestLoop_DoRunsInlineOnLoop(t *testing.T) {
	l := newStartedLoop(t)

	var inner bool
	err := l.Do(func() {
		assert.True(t, l.OnLoop(), "task MUST observe itself on the loop")
		// A nested Do would deadlock if it were queued.
		require.NoError(t, l.Do(func() { inner = true }))
	})
	require.NoError(t, err)
	assert.True(t, inner)
	assert.False(t, l.OnLoop(), "test goroutine is not the loop")
}

func TestLoop_SurvivesPanickingTask(t *testing.T) {
	l := newStartedLoop(t)

	l.Post(func() { panic("boom") })
	var ran atomic.Bool
	require.NoError(t, l.Do(func() { ran.Store(true) }))
	assert.True(t, ran.Load(), "loop MUST keep running after a task panics")
}

func TestLoop_Stop(t *testing.T) {
	l := New("test-loop", logrus.New())
	l.Start(context.Background())
	l.Stop()

	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("loop goroutine MUST exit after Stop")
	}
	assert.False(t, l.Post(func() {}), "Post after Stop MUST report false")
	assert.ErrorIs(t, l.Do(func() {}), ErrStopped)
	l.Stop()
}

func TestLoop_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := New("test-loop", nil)
	l.Start(ctx)
	cancel()

	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("loop goroutine MUST exit when its context is cancelled")
	}
}

func TestTimer_FiresOnLoop(t *testing.T) {
	l := newStartedLoop(t)

	fired := make(chan bool, 1)
	l.AfterFunc(10*time.Millisecond, func() { fired <- l.OnLoop() })

	select {
	case onLoop := <-fired:
		assert.True(t, onLoop, "timer callback MUST run on the loop")
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestTimer_StopPreventsFiring(t *testing.T) {
	l := newStartedLoop(t)

	var fired atomic.Bool
	var tm *Timer
	require.NoError(t, l.Do(func() {
		tm = l.AfterFunc(5*time.Millisecond, func() { fired.Store(true) })
	}))

	// Let the deadline pass while the loop is busy, then cancel on the loop.
	require.NoError(t, l.Do(func() {
		time.Sleep(20 * time.Millisecond)
		tm.Stop()
	}))
	require.NoError(t, l.Do(func() {}))

	assert.False(t, fired.Load(), "a timer stopped on the loop MUST NOT fire, even past its deadline")

	var nilTimer *Timer
	nilTimer.Stop()
}
