// Package onnx runs the detector locally through ONNX Runtime.
package onnx

import (
	"AdaptiveDet/engine"
	iface "AdaptiveDet/interface"
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	envMu   sync.Mutex
	envRefs int
)

func acquireEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("initialize onnxruntime: %w", err)
		}
	}
	envRefs++
	return nil
}

func releaseEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()
	envRefs--
	if envRefs == 0 {
		return ort.DestroyEnvironment()
	}
	return nil
}

// Backend owns one session with pre-allocated input and output tensors of
// fixed shape.
type Backend struct {
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	outDims []int
}

// NewBackend loads cfg.ModelPath for an [1, H, W, 3] input producing an
// [1, S, S, B*(5+C)] output.
func NewBackend(cfg engine.BackendConfig, inputW, inputH int, outShape []int) (*Backend, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("onnx model path cannot be empty")
	}
	if len(outShape) != 3 {
		return nil, fmt.Errorf("output shape must be [S, S, B*(5+C)], got %v", outShape)
	}
	if err := acquireEnvironment(cfg.LibPath); err != nil {
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		_ = releaseEnvironment()
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()
	threads := cfg.IntraOpNums
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	_ = options.SetIntraOpNumThreads(threads)

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(inputH), int64(inputW), 3))
	if err != nil {
		_ = releaseEnvironment()
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(outShape[0]), int64(outShape[1]), int64(outShape[2])))
	if err != nil {
		inputTensor.Destroy()
		_ = releaseEnvironment()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	inName, outName := cfg.InputName, cfg.OutputName
	if inName == "" {
		inName = "input"
	}
	if outName == "" {
		outName = "output"
	}
	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{inName},
		[]string{outName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		_ = releaseEnvironment()
		return nil, fmt.Errorf("error creating session: %w", err)
	}
	return &Backend{
		session: session,
		input:   inputTensor,
		output:  outputTensor,
		outDims: append([]int(nil), outShape...),
	}, nil
}

// Run copies the input into the session tensor and executes the model. The
// runtime call itself cannot be interrupted; a cancelled ctx discards the
// result.
func (b *Backend) Run(ctx context.Context, in iface.Tensor) (iface.Tensor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return iface.Tensor{}, engine.ErrNotLoaded
	}
	dst := b.input.GetData()
	if len(in.Data) != len(dst) {
		return iface.Tensor{}, fmt.Errorf("input has %d values, model expects %d", len(in.Data), len(dst))
	}
	copy(dst, in.Data)
	if err := b.session.Run(); err != nil {
		return iface.Tensor{}, fmt.Errorf("model inference: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return iface.Tensor{}, err
	}
	out := append([]float32(nil), b.output.GetData()...)
	return iface.Tensor{Shape: append([]int(nil), b.outDims...), Data: out}, nil
}

func (b *Backend) Destroy() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return nil
	}
	var errs []error
	errs = append(errs, b.session.Destroy(), b.input.Destroy(), b.output.Destroy())
	b.session, b.input, b.output = nil, nil, nil
	errs = append(errs, releaseEnvironment())
	return errors.Join(errs...)
}
