package iface

import (
	"context"
	"errors"
	"image"
)

// ErrSourceClosed is returned by a FrameSource that has no more frames or
// lost its device.
var ErrSourceClosed = errors.New("frame source closed")

// FrameSource produces raw frames. Next is called from a single goroutine.
type FrameSource interface {
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// Preprocessor turns a captured image into the detector's input tensor.
type Preprocessor interface {
	Rotate(img image.Image) image.Image
	Scale(img image.Image) image.Image
	Normalize(img image.Image) Tensor
}

// InferenceEngine runs the detector on a normalized [H, W, 3] tensor and
// returns the raw [S, S, B*(5+C)] output. Implementations must honour ctx.
type InferenceEngine interface {
	Infer(ctx context.Context, input Tensor) (Tensor, error)
}

// Sink receives per-frame reports in sampling order.
type Sink interface {
	Present(r Report) error
}

// Archiver keeps frames passing through the pipeline and hands them off
// once on teardown.
type Archiver interface {
	Grab(img image.Image) image.Image
	Flush() error
}
