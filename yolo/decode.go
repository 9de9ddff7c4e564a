package yolo

import (
	iface "AdaptiveDet/interface"
	"errors"
	"fmt"
	"math"
)

var ErrMalformedTensor = errors.New("malformed detection tensor")

// DecodeError reports a raw tensor whose length does not match the grid.
type DecodeError struct {
	Want int
	Got  int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%v: want %d values, got %d", ErrMalformedTensor, e.Want, e.Got)
}

func (e *DecodeError) Unwrap() error { return ErrMalformedTensor }

// Decoder splits the raw detector tensor into per-cell, per-anchor
// candidates.
type Decoder struct {
	Grid Grid
}

func NewDecoder(g Grid) (*Decoder, error) {
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid grid: %w", err)
	}
	return &Decoder{Grid: g}, nil
}

// Decode always yields exactly S*S*B candidates, ordered by row, column and
// anchor.
func (d *Decoder) Decode(t iface.Tensor) ([]iface.BoxCandidate, error) {
	g := d.Grid
	if len(t.Data) != g.Len() {
		return nil, &DecodeError{Want: g.Len(), Got: len(t.Data)}
	}
	stride := g.Stride()
	out := make([]iface.BoxCandidate, 0, g.Candidates())
	logits := make([]float64, g.C)
	for row := 0; row < g.S; row++ {
		for col := 0; col < g.S; col++ {
			for a := 0; a < g.B; a++ {
				off := ((row*g.S+col)*g.B + a) * stride
				v := t.Data[off : off+stride]
				for k := range logits {
					logits[k] = float64(v[5+k])
				}
				scores := make([]float64, g.C)
				softmax(scores, logits)
				anchor := g.Anchors[a]
				out = append(out, iface.BoxCandidate{
					Row:         row,
					Col:         col,
					Anchor:      a,
					CenterX:     sigmoid(float64(v[0])),
					CenterY:     sigmoid(float64(v[1])),
					Width:       anchor.Width * math.Exp(float64(v[2])),
					Height:      anchor.Height * math.Exp(float64(v[3])),
					Objectness:  sigmoid(float64(v[4])),
					ClassScores: scores,
				})
			}
		}
	}
	return out, nil
}
