package iface

import (
	"image"
	"time"
)

// AnchorBox is a (width, height) prior in grid-cell units.
type AnchorBox struct {
	Width  float64 `yaml:"width" json:"width"`
	Height float64 `yaml:"height" json:"height"`
}

// Tensor is a flat row-major buffer with its logical shape.
type Tensor struct {
	Shape []int
	Data  []float32
}

// Elements returns the product of the shape dimensions.
func (t Tensor) Elements() int {
	if len(t.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// BoxCandidate is one decoded (cell, anchor) slot of the detector grid.
// CenterX and CenterY are offsets inside the cell, Width and Height are in
// grid units.
type BoxCandidate struct {
	Row         int
	Col         int
	Anchor      int
	CenterX     float64
	CenterY     float64
	Width       float64
	Height      float64
	Objectness  float64
	ClassScores []float64
}

// BBox is an image-space detection.
type BBox struct {
	XMin       float64 `json:"xmin"`
	YMin       float64 `json:"ymin"`
	XMax       float64 `json:"xmax"`
	YMax       float64 `json:"ymax"`
	ClassIndex int     `json:"classIndex"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

func (b BBox) Width() float64  { return b.XMax - b.XMin }
func (b BBox) Height() float64 { return b.YMax - b.YMin }

func (b BBox) Area() float64 {
	w, h := b.Width(), b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Center returns the box center in pixels.
func (b BBox) Center() (float64, float64) {
	return (b.XMin + b.XMax) / 2, (b.YMin + b.YMax) / 2
}

// StageLatency is a single entry of a token's latency record.
type StageLatency struct {
	Stage    string
	Duration time.Duration
}

// Millis returns the duration as fractional milliseconds.
func (s StageLatency) Millis() float64 {
	return float64(s.Duration) / float64(time.Millisecond)
}

// LatencyMetadata is the ordered, append-only per-stage latency record of
// a token. Stage names are unique.
type LatencyMetadata []StageLatency

// Has reports whether the stage was already recorded.
func (md LatencyMetadata) Has(stage string) bool {
	for _, e := range md {
		if e.Stage == stage {
			return true
		}
	}
	return false
}

// Max returns the slowest stage. The zero StageLatency is returned for an
// empty record.
func (md LatencyMetadata) Max() StageLatency {
	var out StageLatency
	for _, e := range md {
		if e.Duration > out.Duration || out.Stage == "" {
			out = e
		}
	}
	return out
}

// Total is the sum of all recorded stage durations.
func (md LatencyMetadata) Total() time.Duration {
	var sum time.Duration
	for _, e := range md {
		sum += e.Duration
	}
	return sum
}

// Clone returns a copy that can be appended to without aliasing.
func (md LatencyMetadata) Clone() LatencyMetadata {
	if md == nil {
		return nil
	}
	out := make(LatencyMetadata, len(md))
	copy(out, md)
	return out
}

// SamplingState is the controller-owned view of the capture cadence.
type SamplingState struct {
	CurrentInterval time.Duration
	SmoothedLatency time.Duration
	MinInterval     time.Duration
	MaxInterval     time.Duration
}

// Frame is a captured image stamped at ingress.
type Frame struct {
	Image      image.Image
	Source     string
	CapturedAt time.Time
}

// Report is what a presentation sink receives for every processed frame.
type Report struct {
	ID         string
	Seq        uint64
	Source     string
	CapturedAt time.Time
	Age        time.Duration
	Boxes      []BBox
	Latency    LatencyMetadata
	Smoothed   LatencyMetadata
	Sampling   SamplingState
}

// AsMap flattens the report into JSON-compatible values (float64 ms for
// durations) so it can be served over HTTP or packed into a protobuf Struct.
func (r Report) AsMap() map[string]any {
	boxes := make([]any, 0, len(r.Boxes))
	for _, b := range r.Boxes {
		boxes = append(boxes, map[string]any{
			"xmin":       b.XMin,
			"ymin":       b.YMin,
			"xmax":       b.XMax,
			"ymax":       b.YMax,
			"classIndex": float64(b.ClassIndex),
			"label":      b.Label,
			"confidence": b.Confidence,
		})
	}
	return map[string]any{
		"id":         r.ID,
		"seq":        float64(r.Seq),
		"source":     r.Source,
		"capturedAt": r.CapturedAt.Format(time.RFC3339Nano),
		"ageMs":      float64(r.Age) / float64(time.Millisecond),
		"boxes":      boxes,
		"latency":    latencyList(r.Latency),
		"smoothed":   latencyList(r.Smoothed),
		"sampling":   r.Sampling.AsMap(),
	}
}

// AsMap flattens the sampling state into milliseconds.
func (s SamplingState) AsMap() map[string]any {
	ms := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
	return map[string]any{
		"currentIntervalMs": ms(s.CurrentInterval),
		"smoothedLatencyMs": ms(s.SmoothedLatency),
		"minIntervalMs":     ms(s.MinInterval),
		"maxIntervalMs":     ms(s.MaxInterval),
	}
}

func latencyList(md LatencyMetadata) []any {
	out := make([]any, 0, len(md))
	for _, e := range md {
		out = append(out, map[string]any{"stage": e.Stage, "ms": e.Millis()})
	}
	return out
}
