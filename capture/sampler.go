package capture

import (
	iface "AdaptiveDet/interface"
	"context"
	"sync/atomic"
	"time"
)

// IntervalSource is the part of the latency controller the sampler reads.
type IntervalSource interface {
	Interval() time.Duration
	Subscribe() <-chan time.Duration
}

// Sampler paces reads from a FrameSource. Each Next waits for the current
// interval to elapse since the previous sample, then pulls one frame. An
// interval update re-arms the pending timer without restarting anything.
type Sampler struct {
	src     iface.FrameSource
	ivl     IntervalSource
	updates <-chan time.Duration

	timer    *time.Timer
	lastFire time.Time
	seq      uint64
	missed   atomic.Uint64
}

func NewSampler(src iface.FrameSource, ivl IntervalSource) *Sampler {
	return &Sampler{src: src, ivl: ivl, updates: ivl.Subscribe()}
}

// Next blocks until the next sampling instant and returns the frame with
// its sequence number, starting at 1. Source errors are returned as is.
func (s *Sampler) Next(ctx context.Context) (iface.Frame, uint64, error) {
	if s.timer == nil {
		s.lastFire = time.Now()
		s.timer = time.NewTimer(s.ivl.Interval())
	}
	for {
		select {
		case <-ctx.Done():
			return iface.Frame{}, 0, ctx.Err()
		case d := <-s.updates:
			s.timer.Reset(max(d-time.Since(s.lastFire), 0))
		case fired := <-s.timer.C:
			now := time.Now()
			ivl := s.ivl.Interval()
			if late := now.Sub(fired); ivl > 0 && late > ivl {
				s.missed.Add(uint64(late / ivl))
			}
			s.lastFire = now
			s.timer.Reset(ivl)

			f, err := s.src.Next(ctx)
			if err != nil {
				return iface.Frame{}, 0, err
			}
			s.seq++
			return f, s.seq, nil
		}
	}
}

// Missed counts sampling instants that passed while the caller was still
// busy with the previous frame.
func (s *Sampler) Missed() uint64 { return s.missed.Load() }

// Dropped reports frames the source overwrote before they were sampled,
// when the source tracks that.
func (s *Sampler) Dropped() uint64 {
	if d, ok := s.src.(interface{ Dropped() uint64 }); ok {
		return d.Dropped()
	}
	return 0
}

func (s *Sampler) Stop() {
	if s.timer != nil {
		s.timer.Stop()
	}
}
