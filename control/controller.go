// Package control adapts the capture sampling interval to the pipeline's
// bottleneck stage latency.
package control

import (
	iface "AdaptiveDet/interface"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type Config struct {
	Initial    time.Duration
	Min        time.Duration
	Max        time.Duration
	Hysteresis time.Duration
	// Smoothing is the low-pass blend factor for reported latencies, in [0, 1).
	Smoothing float64
}

func (c Config) Validate() error {
	var errs []error
	if c.Min <= 0 {
		errs = append(errs, fmt.Errorf("min interval must be positive, got %v", c.Min))
	}
	if c.Max < c.Min {
		errs = append(errs, fmt.Errorf("max interval %v below min interval %v", c.Max, c.Min))
	}
	if c.Initial < c.Min || c.Initial > c.Max {
		errs = append(errs, fmt.Errorf("initial interval %v outside [%v, %v]", c.Initial, c.Min, c.Max))
	}
	if c.Hysteresis < 0 {
		errs = append(errs, fmt.Errorf("hysteresis must not be negative, got %v", c.Hysteresis))
	}
	if c.Smoothing < 0 || c.Smoothing >= 1 {
		errs = append(errs, fmt.Errorf("smoothing must be in [0, 1), got %v", c.Smoothing))
	}
	return errors.Join(errs...)
}

// LatencyController owns the SamplingState. Observe and Smooth are called
// from the presentation goroutine; Interval and Subscribe are safe from any
// goroutine.
type LatencyController struct {
	cfg Config
	log *zap.Logger

	interval atomic.Int64

	mu       sync.Mutex
	smoothed time.Duration
	stages   map[string]float64
	order    []string
	subs     []chan time.Duration
}

func New(cfg Config, log *zap.Logger) (*LatencyController, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid controller config: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &LatencyController{
		cfg:    cfg,
		log:    log,
		stages: make(map[string]float64),
	}
	c.interval.Store(int64(cfg.Initial))
	return c, nil
}

// Interval is the sampling interval the capture scheduler must use next.
func (c *LatencyController) Interval() time.Duration {
	return time.Duration(c.interval.Load())
}

// Observe feeds one frame's latency record into the control loop and
// reports the resulting interval. The decision uses the slowest single
// stage; non-positive measurements are ignored.
func (c *LatencyController) Observe(md iface.LatencyMetadata) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.Interval()
	peak := md.Max()
	if peak.Duration <= 0 {
		return cur, false
	}

	next := cur
	switch {
	case peak.Duration > cur+c.cfg.Hysteresis:
		next = min(peak.Duration, c.cfg.Max)
	case peak.Duration < cur-c.cfg.Hysteresis:
		next = max(peak.Duration, c.cfg.Min)
	}
	if next == cur {
		return cur, false
	}

	c.interval.Store(int64(next))
	c.log.Debug("sampling interval updated",
		zap.Duration("from", cur),
		zap.Duration("to", next),
		zap.String("bottleneck", peak.Stage),
		zap.Duration("latency", peak.Duration))
	for _, ch := range c.subs {
		publish(ch, next)
	}
	return next, true
}

// Subscribe returns a channel that always holds the newest interval not yet
// received. Slow readers only ever see the latest value.
func (c *LatencyController) Subscribe() <-chan time.Duration {
	ch := make(chan time.Duration, 1)
	c.mu.Lock()
	c.subs = append(c.subs, ch)
	c.mu.Unlock()
	return ch
}

func publish(ch chan time.Duration, d time.Duration) {
	for {
		select {
		case ch <- d:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// State returns a snapshot of the sampling state.
func (c *LatencyController) State() iface.SamplingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return iface.SamplingState{
		CurrentInterval: c.Interval(),
		SmoothedLatency: c.smoothed,
		MinInterval:     c.cfg.Min,
		MaxInterval:     c.cfg.Max,
	}
}
