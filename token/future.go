package token

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Future is the pending result of an asynchronous stage.
type Future[T any] struct {
	done   chan struct{}
	once   sync.Once
	result TaggedToken[T]
	err    error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) complete(t TaggedToken[T], err error) {
	f.once.Do(func() {
		f.result, f.err = t, err
		close(f.done)
	})
}

// Done is closed once the stage finished, successfully or not.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Await blocks until the stage completes or ctx is done. A result that
// arrives after ctx is done is discarded.
func (f *Future[T]) Await(ctx context.Context) (TaggedToken[T], error) {
	select {
	case <-ctx.Done():
		var zero TaggedToken[T]
		return zero, ctx.Err()
	case <-f.done:
		if err := ctx.Err(); err != nil {
			var zero TaggedToken[T]
			return zero, err
		}
		return f.result, f.err
	}
}

// AsyncStage starts work for a token and returns immediately.
type AsyncStage[In, Out any] func(ctx context.Context, t TaggedToken[In]) *Future[Out]

// InstrumentAsync is Instrument for long-latency calls such as the inference
// engine. f runs on its own goroutine so no compute worker is held while it
// is outstanding; the recorded duration spans the whole round trip.
func InstrumentAsync[In, Out any](name string, clock Clock, f func(context.Context, In) (Out, error)) AsyncStage[In, Out] {
	if clock == nil {
		clock = time.Now
	}
	return func(ctx context.Context, t TaggedToken[In]) *Future[Out] {
		fut := newFuture[Out]()
		go func() {
			defer func() {
				if r := recover(); r != nil {
					var zero TaggedToken[Out]
					fut.complete(zero, fmt.Errorf("%w: %s: %v", ErrStagePanic, name, r))
				}
			}()
			start := clock()
			out, err := f(ctx, t.Payload)
			elapsed := clock().Sub(start)
			if err == nil {
				err = ctx.Err()
			}
			if err != nil {
				var zero TaggedToken[Out]
				fut.complete(zero, err)
				return
			}
			fut.complete(Carry(t, out).Record(name, elapsed))
		}()
		return fut
	}
}
