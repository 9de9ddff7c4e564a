package engine

import (
	iface "AdaptiveDet/interface"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Detector guards a Backend with a state machine so at most one inference
// runs at a time: UNREGISTERED -> REGISTERED -> IDLE <-> BUSY.
type Detector struct {
	Description string

	// mu is held for reading while the backend runs, so Destroy waits for
	// an in-flight inference before releasing it.
	mu      sync.RWMutex
	backend Backend
	state   atomic.Int32
	log     *zap.Logger
}

func NewDetector(description string, log *zap.Logger) *Detector {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Detector{Description: description, log: log}
	d.state.Store(REGISTERED)
	return d
}

// Load attaches a backend and makes the detector IDLE.
func (d *Detector) Load(b Backend) error {
	if b == nil {
		return fmt.Errorf("load %s: %w", d.Description, ErrNotLoaded)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.Load() == BUSY {
		return ErrBusy
	}
	d.backend = b
	d.state.Store(IDLE)
	d.log.Info("inference backend loaded", zap.String("detector", d.Description))
	return nil
}

func (d *Detector) State() int {
	return int(d.state.Load())
}

// Infer implements iface.InferenceEngine.
func (d *Detector) Infer(ctx context.Context, input iface.Tensor) (iface.Tensor, error) {
	switch d.state.Load() {
	case UNREGISTERED, REGISTERED:
		return iface.Tensor{}, ErrNotLoaded
	}
	if !d.state.CompareAndSwap(IDLE, BUSY) {
		return iface.Tensor{}, ErrBusy
	}
	defer d.state.CompareAndSwap(BUSY, IDLE)

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.backend == nil {
		return iface.Tensor{}, ErrNotLoaded
	}
	out, err := d.backend.Run(ctx, input)
	if err != nil {
		return iface.Tensor{}, fmt.Errorf("%s inference: %w", d.Description, err)
	}
	return out, nil
}

// Destroy releases the backend once any running inference has returned; the
// detector can no longer infer.
func (d *Detector) Destroy() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.Store(UNREGISTERED)
	if d.backend == nil {
		return nil
	}
	err := d.backend.Destroy()
	d.backend = nil
	return err
}
