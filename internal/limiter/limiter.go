// Package limiter bounds the number of concurrently running units of work and
// admits waiting units in submission order.
package limiter

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"EnrollDispatch/internal/dispatcherr"
	"EnrollDispatch/internal/metrics"
)

const DefaultCapacity = 10

type Stats struct {
	Running  int `json:"running"`
	Queued   int `json:"queued"`
	Capacity int `json:"capacity"`
}

// entry is one unit of work. Exactly one of start or reject is called.
// elem is non-nil while the entry is queued and is guarded by Limiter.mu.
type entry struct {
	ctx    context.Context
	start  func()
	reject func(error)
	elem   *list.Element
	left   chan struct{}
}

type Limiter struct {
	mu       sync.Mutex
	capacity int
	running  int
	waiting  *list.List
}

func New(capacity int) *Limiter {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Limiter{
		capacity: capacity,
		waiting:  list.New(),
	}
}

type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the work has completed or was rejected, or ctx ends.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (f *Future[T]) resolve(v T, err error) {
	f.value = v
	f.err = err
	close(f.done)
}

// Submit queues work on l. The work receives ctx once admitted. If ctx ends
// while the work is still waiting it is dropped from the queue and the future
// resolves with the context error.
func Submit[T any](ctx context.Context, l *Limiter, work func(context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}

	e := &entry{ctx: ctx, left: make(chan struct{})}
	e.reject = func(err error) {
		var zero T
		f.resolve(zero, err)
	}
	e.start = func() {
		go func() {
			defer l.release()
			v, err := run(ctx, work)
			f.resolve(v, err)
		}()
	}

	l.mu.Lock()
	if l.running < l.capacity && l.waiting.Len() == 0 {
		l.running++
		l.publish()
		l.mu.Unlock()
		e.start()
		return f
	}
	e.elem = l.waiting.PushBack(e)
	l.publish()
	l.mu.Unlock()

	if ctx.Done() != nil {
		go l.watch(e)
	}
	return f
}

func run[T any](ctx context.Context, work func(context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("work panicked: %v", r)
		}
	}()
	return work(ctx)
}

// watch drops e from the queue when its context ends before admission.
func (l *Limiter) watch(e *entry) {
	select {
	case <-e.ctx.Done():
	case <-e.left:
		return
	}

	l.mu.Lock()
	queued := e.elem != nil
	if queued {
		l.waiting.Remove(e.elem)
		e.elem = nil
		l.publish()
	}
	l.mu.Unlock()

	if queued {
		e.reject(e.ctx.Err())
	}
}

// release frees a slot and hands it to the oldest waiting entry.
func (l *Limiter) release() {
	l.mu.Lock()
	front := l.waiting.Front()
	if front == nil {
		l.running--
		l.publish()
		l.mu.Unlock()
		return
	}
	e := l.waiting.Remove(front).(*entry)
	e.elem = nil
	l.publish()
	l.mu.Unlock()

	close(e.left)
	e.start()
}

// Drain rejects every queued entry with ErrQueueCancelled and returns how many
// were rejected. Running work is not affected.
func (l *Limiter) Drain() int {
	l.mu.Lock()
	var drained []*entry
	for elem := l.waiting.Front(); elem != nil; elem = elem.Next() {
		e := elem.Value.(*entry)
		e.elem = nil
		drained = append(drained, e)
	}
	l.waiting.Init()
	l.publish()
	l.mu.Unlock()

	for _, e := range drained {
		close(e.left)
		e.reject(dispatcherr.ErrQueueCancelled)
	}
	return len(drained)
}

func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Running:  l.running,
		Queued:   l.waiting.Len(),
		Capacity: l.capacity,
	}
}

// publish mirrors the counters into the gauges. Callers hold l.mu.
func (l *Limiter) publish() {
	metrics.LimiterRunning.Set(float64(l.running))
	metrics.LimiterQueued.Set(float64(l.waiting.Len()))
}
