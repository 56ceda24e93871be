package ollama

import (
	"context"
	"sync"
)

// Executor runs callbacks on a context the caller owns.
type Executor interface {
	Execute(fn func())
}

// Future is resolved exactly once, with a value or an error.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// resolve reports false when the future was already settled.
func (f *Future[T]) resolve(v T, err error) bool {
	settled := false
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
		settled = true
	})
	return settled
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await blocks the calling goroutine until the result is in or ctx ends.
// A ctx that ends first does not cancel the underlying call.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Then hands the single completion to fn on exec.
func (f *Future[T]) Then(exec Executor, fn func(T, error)) {
	go func() {
		<-f.done
		exec.Execute(func() { fn(f.val, f.err) })
	}()
}

// Loop is an Executor backed by one goroutine: whoever calls Run owns
// the context every queued callback runs on.
type Loop struct {
	tasks chan func()
	quit  chan struct{}
	stop  sync.Once
}

func NewLoop(buffer int) *Loop {
	return &Loop{
		tasks: make(chan func(), buffer),
		quit:  make(chan struct{}),
	}
}

// Execute queues fn. Callbacks posted after Close are dropped, even when
// the buffer has room.
func (l *Loop) Execute(fn func()) {
	select {
	case <-l.quit:
		return
	default:
	}
	select {
	case l.tasks <- fn:
	case <-l.quit:
	}
}

// Tasks exposes the queue for callers that multiplex it with other
// channels in their own select.
func (l *Loop) Tasks() <-chan func() {
	return l.tasks
}

// Run drains callbacks until ctx ends.
func (l *Loop) Run(ctx context.Context) {
	defer l.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.tasks:
			fn()
		}
	}
}

// Close stops accepting callbacks.
func (l *Loop) Close() {
	l.stop.Do(func() { close(l.quit) })
}
