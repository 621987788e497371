package limiter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"EnrollDispatch/internal/dispatcherr"
)

func TestNew_DefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultCapacity, New(0).Stats().Capacity)
	assert.Equal(t, 3, New(3).Stats().Capacity)
}

func TestSubmit_ForwardsResultAndError(t *testing.T) {
	l := New(2)
	ctx := context.Background()

	ok := Submit(ctx, l, func(context.Context) (string, error) { return "done", nil })
	v, err := ok.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "done", v)

	boom := errors.New("boom")
	bad := Submit(ctx, l, func(context.Context) (int, error) { return 7, boom })
	n, err := bad.Wait(ctx)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 7, n)
}

func TestSubmit_BoundedConcurrency(t *testing.T) {
	const capacity = 4
	const total = 40

	l := New(capacity)
	ctx := context.Background()

	var running, peak atomic.Int64
	futures := make([]*Future[struct{}], 0, total)
	for i := 0; i < total; i++ {
		futures = append(futures, Submit(ctx, l, func(context.Context) (struct{}, error) {
			cur := running.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			running.Add(-1)
			return struct{}{}, nil
		}))
	}

	for _, f := range futures {
		_, err := f.Wait(ctx)
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, peak.Load(), int64(capacity))
	assert.Eventually(t, func() bool {
		return l.Stats() == Stats{Running: 0, Queued: 0, Capacity: capacity}
	}, time.Second, 5*time.Millisecond)
}

func TestSubmit_FIFOAdmission(t *testing.T) {
	l := New(1)
	ctx := context.Background()

	var mu sync.Mutex
	var order []string

	release := map[string]chan struct{}{
		"a": make(chan struct{}),
		"b": make(chan struct{}),
		"c": make(chan struct{}),
	}
	started := make(chan string, 3)

	submit := func(name string) *Future[string] {
		return Submit(ctx, l, func(context.Context) (string, error) {
			started <- name
			<-release[name]
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return name, nil
		})
	}

	fa := submit("a")
	fb := submit("b")
	fc := submit("c")

	assert.Equal(t, "a", <-started)
	assert.Equal(t, Stats{Running: 1, Queued: 2, Capacity: 1}, l.Stats())

	close(release["a"])
	assert.Equal(t, "b", <-started)
	close(release["b"])
	assert.Equal(t, "c", <-started)
	close(release["c"])

	for _, f := range []*Future[string]{fa, fb, fc} {
		_, err := f.Wait(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestDrain_RejectsQueuedOnly(t *testing.T) {
	l := New(1)
	ctx := context.Background()

	block := make(chan struct{})
	started := make(chan struct{})
	running := Submit(ctx, l, func(context.Context) (int, error) {
		close(started)
		<-block
		return 1, nil
	})
	<-started

	q1 := Submit(ctx, l, func(context.Context) (int, error) { return 2, nil })
	q2 := Submit(ctx, l, func(context.Context) (int, error) { return 3, nil })

	assert.Equal(t, 2, l.Drain())
	assert.Equal(t, 0, l.Stats().Queued)

	_, err := q1.Wait(ctx)
	assert.ErrorIs(t, err, dispatcherr.ErrQueueCancelled)
	_, err = q2.Wait(ctx)
	assert.ErrorIs(t, err, dispatcherr.ErrQueueCancelled)

	close(block)
	v, err := running.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	// The limiter stays usable after a drain.
	after := Submit(ctx, l, func(context.Context) (int, error) { return 4, nil })
	v, err = after.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, v)
}

func TestSubmit_CancelledWhileQueued(t *testing.T) {
	l := New(1)
	bg := context.Background()

	block := make(chan struct{})
	started := make(chan struct{})
	first := Submit(bg, l, func(context.Context) (int, error) {
		close(started)
		<-block
		return 1, nil
	})
	<-started

	ctx, cancel := context.WithCancel(bg)
	var ran atomic.Bool
	queued := Submit(ctx, l, func(context.Context) (int, error) {
		ran.Store(true)
		return 2, nil
	})
	cancel()

	_, err := queued.Wait(bg)
	assert.ErrorIs(t, err, context.Canceled)

	close(block)
	_, err = first.Wait(bg)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return l.Stats().Running == 0 }, time.Second, 5*time.Millisecond)
	assert.False(t, ran.Load())
}

func TestSubmit_PanicIsForwarded(t *testing.T) {
	l := New(1)
	ctx := context.Background()

	f := Submit(ctx, l, func(context.Context) (int, error) { panic("kaboom") })
	_, err := f.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	next := Submit(ctx, l, func(context.Context) (int, error) { return 1, nil })
	_, err = next.Wait(ctx)
	assert.NoError(t, err)
}

func TestFuture_WaitHonoursContext(t *testing.T) {
	l := New(1)
	block := make(chan struct{})
	defer close(block)

	f := Submit(context.Background(), l, func(context.Context) (int, error) {
		<-block
		return 0, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
