package control

import (
	iface "AdaptiveDet/interface"
	"time"
)

// Smooth low-pass filters each stage latency for display:
// s = a*s + (1-a)*x, seeded with the first measurement. The result is
// cosmetic and never reaches Observe. Stages are returned in first-seen
// order.
func (c *LatencyController) Smooth(md iface.LatencyMetadata) iface.LatencyMetadata {
	c.mu.Lock()
	defer c.mu.Unlock()

	a := c.cfg.Smoothing
	for _, e := range md {
		x := float64(e.Duration)
		s, ok := c.stages[e.Stage]
		if !ok {
			c.order = append(c.order, e.Stage)
			c.stages[e.Stage] = x
			continue
		}
		c.stages[e.Stage] = a*s + (1-a)*x
	}
	if peak := md.Max(); peak.Duration > 0 {
		if c.smoothed == 0 {
			c.smoothed = peak.Duration
		} else {
			c.smoothed = time.Duration(a*float64(c.smoothed) + (1-a)*float64(peak.Duration))
		}
	}

	out := make(iface.LatencyMetadata, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, iface.StageLatency{Stage: name, Duration: time.Duration(c.stages[name])})
	}
	return out
}
