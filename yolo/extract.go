package yolo

import (
	iface "AdaptiveDet/interface"
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Extractor keeps candidates whose confidence reaches Threshold and maps
// them from grid space into input-image pixels.
type Extractor struct {
	Threshold float64
	ScaleX    float64
	ScaleY    float64
	Labels    []string
}

// NewExtractor derives the grid-to-pixel scale from the model input size.
func NewExtractor(threshold float64, inputW, inputH int, g Grid, labels []string) *Extractor {
	return &Extractor{
		Threshold: threshold,
		ScaleX:    float64(inputW) / float64(g.S),
		ScaleY:    float64(inputH) / float64(g.S),
		Labels:    labels,
	}
}

// Extract never fails; output order follows the input but callers must not
// rely on it.
func (e *Extractor) Extract(cands []iface.BoxCandidate) []iface.BBox {
	out := make([]iface.BBox, 0)
	for _, c := range cands {
		if len(c.ClassScores) == 0 {
			continue
		}
		cls := floats.MaxIdx(c.ClassScores)
		conf := c.Objectness * c.ClassScores[cls]
		// NaN scores from non-finite logits must not pass.
		if !(conf >= e.Threshold) {
			continue
		}
		cx := (float64(c.Col) + c.CenterX) * e.ScaleX
		cy := (float64(c.Row) + c.CenterY) * e.ScaleY
		w := c.Width * e.ScaleX
		h := c.Height * e.ScaleY
		out = append(out, iface.BBox{
			XMin:       cx - w/2,
			YMin:       cy - h/2,
			XMax:       cx + w/2,
			YMax:       cy + h/2,
			ClassIndex: cls,
			Label:      e.label(cls),
			Confidence: conf,
		})
	}
	return out
}

func (e *Extractor) label(cls int) string {
	if cls < len(e.Labels) {
		return e.Labels[cls]
	}
	return fmt.Sprintf("class_%d", cls)
}

// RescaleBBox maps a box from model-input pixels to display pixels.
func RescaleBBox(b iface.BBox, sx, sy float64) iface.BBox {
	b.XMin *= sx
	b.XMax *= sx
	b.YMin *= sy
	b.YMax *= sy
	return b
}
