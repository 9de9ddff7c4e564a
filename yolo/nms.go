package yolo

import (
	iface "AdaptiveDet/interface"
	"math"
	"sort"
)

// IoU is the intersection over union of two axis-aligned boxes. Boxes with
// no area give 0.
func IoU(a, b iface.BBox) float64 {
	iw := math.Min(a.XMax, b.XMax) - math.Max(a.XMin, b.XMin)
	ih := math.Min(a.YMax, b.YMax) - math.Max(a.YMin, b.YMin)
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Suppress runs greedy class-agnostic NMS. Boxes are visited by descending
// confidence, ties in input order, and a box is dropped when its IoU with an
// already accepted box is at least iouThreshold. The input is not modified.
func Suppress(boxes []iface.BBox, iouThreshold float64) []iface.BBox {
	return suppress(boxes, iouThreshold, false)
}

// SuppressPerClass only lets boxes of the same class suppress each other.
func SuppressPerClass(boxes []iface.BBox, iouThreshold float64) []iface.BBox {
	return suppress(boxes, iouThreshold, true)
}

func suppress(boxes []iface.BBox, iouThreshold float64, perClass bool) []iface.BBox {
	sorted := make([]iface.BBox, len(boxes))
	copy(sorted, boxes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	accepted := make([]iface.BBox, 0, len(sorted))
	for _, cand := range sorted {
		keep := true
		for _, acc := range accepted {
			if perClass && acc.ClassIndex != cand.ClassIndex {
				continue
			}
			if IoU(cand, acc) >= iouThreshold {
				keep = false
				break
			}
		}
		if keep {
			accepted = append(accepted, cand)
		}
	}
	return accepted
}

// Suppressor binds a threshold and class policy to Suppress.
type Suppressor struct {
	IoU      float64
	PerClass bool
}

func (s Suppressor) Apply(boxes []iface.BBox) []iface.BBox {
	return suppress(boxes, s.IoU, s.PerClass)
}
