// Package yolo decodes grid detector output into image-space boxes and
// applies non-max suppression.
package yolo

import (
	iface "AdaptiveDet/interface"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Grid describes the detector output layout: S x S cells, B anchors per
// cell and C classes.
type Grid struct {
	S       int
	B       int
	C       int
	Anchors []iface.AnchorBox
}

// Stride is the number of values per (cell, anchor) slot.
func (g Grid) Stride() int { return 5 + g.C }

// Candidates is the number of (cell, anchor) slots, S*S*B.
func (g Grid) Candidates() int { return g.S * g.S * g.B }

// Len is the expected flat tensor length, S*S*B*(5+C).
func (g Grid) Len() int { return g.Candidates() * g.Stride() }

func (g Grid) Validate() error {
	var errs []error
	if g.S <= 0 {
		errs = append(errs, fmt.Errorf("grid size S must be positive, got %d", g.S))
	}
	if g.B <= 0 {
		errs = append(errs, fmt.Errorf("anchor count B must be positive, got %d", g.B))
	}
	if g.C <= 0 {
		errs = append(errs, fmt.Errorf("class count C must be positive, got %d", g.C))
	}
	if len(g.Anchors) != g.B {
		errs = append(errs, fmt.Errorf("expected %d anchors, got %d", g.B, len(g.Anchors)))
	}
	for i, a := range g.Anchors {
		if a.Width <= 0 || a.Height <= 0 {
			errs = append(errs, fmt.Errorf("anchor %d must have positive size, got %vx%v", i, a.Width, a.Height))
		}
	}
	return errors.Join(errs...)
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// softmax writes the normalized distribution of logits into dst. The max
// logit is subtracted first so every exponent is <= 0.
func softmax(dst, logits []float64) {
	m := floats.Max(logits)
	for i, l := range logits {
		dst[i] = math.Exp(l - m)
	}
	floats.Scale(1/floats.Sum(dst), dst)
}
