package pipeline

import (
	"AdaptiveDet/control"
	iface "AdaptiveDet/interface"
	"AdaptiveDet/yolo"
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var testGrid = yolo.Grid{S: 2, B: 1, C: 2, Anchors: []iface.AnchorBox{{Width: 1, Height: 1}}}

// catTensor has one confident "cat" in cell (0, 0) and nothing elsewhere.
func catTensor() iface.Tensor {
	data := make([]float32, testGrid.Len())
	for slot := 0; slot < testGrid.Candidates(); slot++ {
		data[slot*testGrid.Stride()+4] = -10
	}
	copy(data[0:7], []float32{0, 0, 0, 0, 10, 5, 0})
	return iface.Tensor{Shape: []int{2, 2, 7}, Data: data}
}

type frameSource struct {
	limit  int
	served atomic.Int32
	closed atomic.Int32
}

func (s *frameSource) Next(ctx context.Context) (iface.Frame, error) {
	if s.limit > 0 && int(s.served.Load()) >= s.limit {
		return iface.Frame{}, iface.ErrSourceClosed
	}
	s.served.Add(1)
	return iface.Frame{Image: image.NewRGBA(image.Rect(0, 0, 4, 4)), Source: "test", CapturedAt: time.Now()}, nil
}

func (s *frameSource) Close() error {
	s.closed.Add(1)
	return nil
}

type passthrough struct{}

func (passthrough) Rotate(img image.Image) image.Image { return img }
func (passthrough) Scale(img image.Image) image.Image  { return img }
func (passthrough) Normalize(img image.Image) iface.Tensor {
	return iface.Tensor{Shape: []int{1}, Data: []float32{0}}
}

type engineFunc func(ctx context.Context, call int) (iface.Tensor, error)

type fakeEngine struct {
	calls atomic.Int32
	fn    engineFunc
}

func (e *fakeEngine) Infer(ctx context.Context, _ iface.Tensor) (iface.Tensor, error) {
	n := int(e.calls.Add(1))
	if e.fn == nil {
		return catTensor(), nil
	}
	return e.fn(ctx, n)
}

type recordingSink struct {
	mu      sync.Mutex
	reports []iface.Report
}

func (s *recordingSink) Present(r iface.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return nil
}

func (s *recordingSink) seqs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, 0, len(s.reports))
	for _, r := range s.reports {
		out = append(out, r.Seq)
	}
	return out
}

type countingArchiver struct {
	grabbed atomic.Int32
	flushed atomic.Int32
}

func (a *countingArchiver) Grab(img image.Image) image.Image {
	a.grabbed.Add(1)
	return img
}

func (a *countingArchiver) Flush() error {
	a.flushed.Add(1)
	return nil
}

type fixture struct {
	p       *Pipeline
	src     *frameSource
	engine  *fakeEngine
	sink    *recordingSink
	archive *countingArchiver
	ctrl    *control.LatencyController
}

func newFixture(t *testing.T, limit int, fn engineFunc) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	ctrl, err := control.New(control.Config{
		Initial:    5 * time.Millisecond,
		Min:        time.Millisecond,
		Max:        time.Second,
		Hysteresis: time.Millisecond,
		Smoothing:  0.9,
	}, log)
	require.NoError(t, err)
	dec, err := yolo.NewDecoder(testGrid)
	require.NoError(t, err)

	f := &fixture{
		src:     &frameSource{limit: limit},
		engine:  &fakeEngine{fn: fn},
		sink:    &recordingSink{},
		archive: &countingArchiver{},
		ctrl:    ctrl,
	}
	f.p, err = New(Config{DisplayScaleX: 2, DisplayScaleY: 2}, Deps{
		Source:       f.src,
		Preprocessor: passthrough{},
		Engine:       f.engine,
		Sinks:        []iface.Sink{f.sink, LogSink{Log: log}},
		Archiver:     f.archive,
		Controller:   ctrl,
		Decoder:      dec,
		Extractor:    yolo.NewExtractor(0.5, 64, 64, testGrid, []string{"cat", "dog"}),
		Suppressor:   yolo.Suppressor{IoU: 0.3},
		Logger:       log,
	}, ExecContexts{Compute: NewWorkerPool(2, log), Present: NewPresenter(4)})
	require.NoError(t, err)
	return f
}

func TestPipelineDeliversInSamplingOrder(t *testing.T) {
	f := newFixture(t, 5, nil)

	err := f.p.Run(context.Background())
	assert.ErrorIs(t, err, ErrSourceLost)
	assert.ErrorIs(t, err, iface.ErrSourceClosed)

	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, f.sink.seqs())
	r := f.sink.reports[0]
	stages := make([]string, 0, len(r.Latency))
	for _, e := range r.Latency {
		stages = append(stages, e.Stage)
	}
	assert.Equal(t, []string{StageRotate, StageScale, StageGrab, StageNormalize, StageInference,
		StageDecode, StageThreshold, StageSuppress, "age"}, stages)

	require.Len(t, r.Boxes, 1)
	box := r.Boxes[0]
	assert.Equal(t, "cat", box.Label)
	// cell (0,0), centre offset 0.5, unit anchor, 32px cells, display scale 2
	assert.InDelta(t, 0, box.XMin, 1e-9)
	assert.InDelta(t, 64, box.XMax, 1e-9)
	assert.Equal(t, "test", r.Source)
	assert.NotEmpty(t, r.ID)

	s := f.p.Stats()
	assert.Equal(t, uint64(5), s.Sampled)
	assert.Equal(t, uint64(5), s.Processed)
	assert.Equal(t, uint64(0), s.Failed)
	require.NotNil(t, s.Last)
	assert.Equal(t, uint64(5), s.Last.Seq)
	assert.Equal(t, int32(5), f.archive.grabbed.Load())
	assert.Equal(t, int32(1), f.archive.flushed.Load())
	assert.Equal(t, int32(1), f.src.closed.Load())
}

func TestPipelineIsolatesMalformedOutput(t *testing.T) {
	f := newFixture(t, 4, func(_ context.Context, call int) (iface.Tensor, error) {
		if call == 2 {
			return iface.Tensor{Shape: []int{3}, Data: make([]float32, 3)}, nil
		}
		return catTensor(), nil
	})

	require.ErrorIs(t, f.p.Run(context.Background()), ErrSourceLost)
	assert.Equal(t, []uint64{1, 3, 4}, f.sink.seqs())
	assert.Equal(t, uint64(1), f.p.Stats().Failed)
}

func TestPipelineIsolatesInferenceFailure(t *testing.T) {
	f := newFixture(t, 3, func(_ context.Context, call int) (iface.Tensor, error) {
		if call == 1 {
			return iface.Tensor{}, errors.New("engine unavailable")
		}
		return catTensor(), nil
	})

	require.ErrorIs(t, f.p.Run(context.Background()), ErrSourceLost)
	assert.Equal(t, []uint64{2, 3}, f.sink.seqs())
	assert.Equal(t, uint64(1), f.p.Stats().Failed)
}

func TestPipelineIsolatesInferencePanic(t *testing.T) {
	f := newFixture(t, 3, func(_ context.Context, call int) (iface.Tensor, error) {
		if call == 2 {
			panic("driver crashed")
		}
		return catTensor(), nil
	})

	require.ErrorIs(t, f.p.Run(context.Background()), ErrSourceLost)
	assert.Equal(t, []uint64{1, 3}, f.sink.seqs())
	assert.Equal(t, uint64(1), f.p.Stats().Failed)
}

func TestCancelIsIdempotent(t *testing.T) {
	f := newFixture(t, 0, nil)
	done := make(chan error, 1)
	go func() { done <- f.p.Run(context.Background()) }()

	require.Eventually(t, func() bool { return f.p.Stats().Processed >= 2 }, 2*time.Second, time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.p.Cancel()
		}()
	}
	wg.Wait()
	f.p.Cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Cancel")
	}
	assert.Equal(t, int32(1), f.archive.flushed.Load())
	assert.Equal(t, int32(1), f.src.closed.Load())

	processed := f.p.Stats().Processed
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, processed, f.p.Stats().Processed)
	assert.ErrorIs(t, f.p.Run(context.Background()), ErrCancelled)
}

func TestCancelDiscardsLateInference(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	f := newFixture(t, 0, func(_ context.Context, call int) (iface.Tensor, error) {
		close(started)
		<-release
		return catTensor(), nil
	})
	done := make(chan error, 1)
	go func() { done <- f.p.Run(context.Background()) }()

	<-started
	f.p.Cancel()
	require.NoError(t, <-done)
	close(release)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, f.sink.seqs())
	assert.Equal(t, uint64(0), f.p.Stats().Processed)
}

func TestRunStopsWithContext(t *testing.T) {
	f := newFixture(t, 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.p.Run(ctx) }()

	require.Eventually(t, func() bool { return f.p.Stats().Processed >= 1 }, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	<-f.p.Done()
	assert.Equal(t, int32(1), f.archive.flushed.Load())
}

func TestIntervalFollowsBottleneck(t *testing.T) {
	f := newFixture(t, 0, func(ctx context.Context, _ int) (iface.Tensor, error) {
		select {
		case <-time.After(30 * time.Millisecond):
		case <-ctx.Done():
			return iface.Tensor{}, ctx.Err()
		}
		return catTensor(), nil
	})
	go func() { _ = f.p.Run(context.Background()) }()
	defer f.p.Cancel()

	require.Eventually(t, func() bool { return f.p.Stats().Processed >= 2 }, 3*time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, f.ctrl.Interval(), 29*time.Millisecond)

	last := f.p.Stats().Last
	require.NotNil(t, last)
	assert.GreaterOrEqual(t, last.Sampling.CurrentInterval, 29*time.Millisecond)
	assert.NotEmpty(t, last.Smoothed)
}

func TestNewRejectsMissingDeps(t *testing.T) {
	_, err := New(Config{}, Deps{}, ExecContexts{})
	require.Error(t, err)
	assert.ErrorContains(t, err, "missing frame source")
	assert.ErrorContains(t, err, "missing inference engine")
}
