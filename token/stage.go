package token

import (
	"context"
	"time"
)

// Clock is the time source used for stage measurements.
type Clock func() time.Time

// Stage is a token-to-token transformation.
type Stage[In, Out any] func(ctx context.Context, t TaggedToken[In]) (TaggedToken[Out], error)

// Instrument wraps f so its wall-clock duration is appended to the token's
// metadata under name. A nil clock uses time.Now, whose readings carry the
// monotonic clock.
func Instrument[In, Out any](name string, clock Clock, f func(In) (Out, error)) Stage[In, Out] {
	if clock == nil {
		clock = time.Now
	}
	return func(ctx context.Context, t TaggedToken[In]) (TaggedToken[Out], error) {
		var zero TaggedToken[Out]
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		start := clock()
		out, err := f(t.Payload)
		elapsed := clock().Sub(start)
		if err != nil {
			return zero, err
		}
		return Carry(t, out).Record(name, elapsed)
	}
}

// Then chains two stages; the token's metadata accumulates both entries.
func Then[A, B, C any](first Stage[A, B], second Stage[B, C]) Stage[A, C] {
	return func(ctx context.Context, t TaggedToken[A]) (TaggedToken[C], error) {
		mid, err := first(ctx, t)
		if err != nil {
			var zero TaggedToken[C]
			return zero, err
		}
		return second(ctx, mid)
	}
}
