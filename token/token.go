// Package token carries payloads through the pipeline together with their
// per-stage latency record.
package token

import (
	iface "AdaptiveDet/interface"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SourceCamera is the ingress tag of frames read from a capture device.
const SourceCamera = "camera"

var (
	ErrDuplicateStage = errors.New("stage already recorded on token")
	ErrStagePanic     = errors.New("stage panicked")
)

// TaggedToken wraps a payload with its latency record. ID, Seq, Source and
// CreatedAt are fixed at ingress and survive every stage.
type TaggedToken[T any] struct {
	ID        string
	Seq       uint64
	Source    string
	CreatedAt time.Time
	Payload   T
	Metadata  iface.LatencyMetadata
}

// New tags a payload at ingress.
func New[T any](payload T, source string, seq uint64, createdAt time.Time) TaggedToken[T] {
	if source == "" {
		source = SourceCamera
	}
	return TaggedToken[T]{
		ID:        uuid.NewString(),
		Seq:       seq,
		Source:    source,
		CreatedAt: createdAt,
		Payload:   payload,
	}
}

// Carry moves the identity and metadata of t onto a new payload.
func Carry[In, Out any](t TaggedToken[In], payload Out) TaggedToken[Out] {
	return TaggedToken[Out]{
		ID:        t.ID,
		Seq:       t.Seq,
		Source:    t.Source,
		CreatedAt: t.CreatedAt,
		Payload:   payload,
		Metadata:  t.Metadata,
	}
}

// Record appends a stage entry. The metadata slice is copied so tokens that
// share history never alias each other.
func (t TaggedToken[T]) Record(stage string, d time.Duration) (TaggedToken[T], error) {
	if t.Metadata.Has(stage) {
		return t, fmt.Errorf("%w: %s", ErrDuplicateStage, stage)
	}
	md := make(iface.LatencyMetadata, len(t.Metadata), len(t.Metadata)+1)
	copy(md, t.Metadata)
	t.Metadata = append(md, iface.StageLatency{Stage: stage, Duration: d})
	return t, nil
}

// Report lists the stage latencies in traversal order followed by the
// token's age relative to now.
func (t TaggedToken[T]) Report(now time.Time) iface.LatencyMetadata {
	out := t.Metadata.Clone()
	return append(out, iface.StageLatency{Stage: "age", Duration: now.Sub(t.CreatedAt)})
}
