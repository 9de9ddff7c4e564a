// Package pipeline runs the capture -> preprocess -> inference -> decode ->
// suppress -> present traversal, one frame at a time, at the cadence set by
// the latency controller.
package pipeline

import (
	"AdaptiveDet/capture"
	"AdaptiveDet/control"
	iface "AdaptiveDet/interface"
	"AdaptiveDet/token"
	"AdaptiveDet/yolo"
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Stage names as they appear in latency records.
const (
	StageRotate    = "rotate"
	StageScale     = "scale"
	StageGrab      = "framegrabber"
	StageNormalize = "normalize"
	StageInference = "inference"
	StageDecode    = "decode"
	StageThreshold = "threshold"
	StageSuppress  = "suppress"
)

var (
	ErrSourceLost = errors.New("frame source lost")
	ErrCancelled  = errors.New("pipeline cancelled")
)

type Config struct {
	// DisplayScaleX and DisplayScaleY map model-input pixels to the
	// coordinates sinks expect. Zero means 1.
	DisplayScaleX float64
	DisplayScaleY float64
}

type Deps struct {
	Source       iface.FrameSource
	Preprocessor iface.Preprocessor
	Engine       iface.InferenceEngine
	Sinks        []iface.Sink
	// Archiver is optional.
	Archiver   iface.Archiver
	Controller *control.LatencyController
	Decoder    *yolo.Decoder
	Extractor  *yolo.Extractor
	Suppressor yolo.Suppressor
	Logger     *zap.Logger
	Clock      token.Clock
}

func (d Deps) validate() error {
	var errs []error
	if d.Source == nil {
		errs = append(errs, errors.New("missing frame source"))
	}
	if d.Preprocessor == nil {
		errs = append(errs, errors.New("missing preprocessor"))
	}
	if d.Engine == nil {
		errs = append(errs, errors.New("missing inference engine"))
	}
	if d.Controller == nil {
		errs = append(errs, errors.New("missing latency controller"))
	}
	if d.Decoder == nil || d.Extractor == nil {
		errs = append(errs, errors.New("missing decoder or extractor"))
	}
	return errors.Join(errs...)
}

// ExecContexts are the execution contexts the pipeline schedules on. The
// pipeline takes ownership and closes both on teardown.
type ExecContexts struct {
	Compute *WorkerPool
	Present *Presenter
}

// Stats is a snapshot of the pipeline counters.
type Stats struct {
	Sampled   uint64
	Processed uint64
	Failed    uint64
	Dropped   uint64
	Missed    uint64
	Last      *iface.Report
}

type Pipeline struct {
	cfg     Config
	deps    Deps
	compute *WorkerPool
	present *Presenter
	sampler *capture.Sampler
	log     *zap.Logger
	clock   token.Clock

	pre   token.Stage[image.Image, iface.Tensor]
	infer token.AsyncStage[iface.Tensor, iface.Tensor]
	post  token.Stage[iface.Tensor, []iface.BBox]

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	started  bool
	stopped  bool
	loopDone chan struct{}
	once     sync.Once
	lost     error

	sampled   atomic.Uint64
	processed atomic.Uint64
	failed    atomic.Uint64
	last      atomic.Pointer[iface.Report]
}

func New(cfg Config, deps Deps, ctxs ExecContexts) (*Pipeline, error) {
	if err := deps.validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if ctxs.Compute == nil || ctxs.Present == nil {
		return nil, errors.New("pipeline: compute and presentation contexts are required")
	}
	if cfg.DisplayScaleX == 0 {
		cfg.DisplayScaleX = 1
	}
	if cfg.DisplayScaleY == 0 {
		cfg.DisplayScaleY = 1
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:      cfg,
		deps:     deps,
		compute:  ctxs.Compute,
		present:  ctxs.Present,
		sampler:  capture.NewSampler(deps.Source, deps.Controller),
		log:      deps.Logger,
		clock:    deps.Clock,
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
	}
	p.buildStages()
	return p, nil
}

func (p *Pipeline) buildStages() {
	pp, clk := p.deps.Preprocessor, p.clock
	pre := token.Then(
		token.Instrument(StageRotate, clk, func(img image.Image) (image.Image, error) { return pp.Rotate(img), nil }),
		token.Instrument(StageScale, clk, func(img image.Image) (image.Image, error) { return pp.Scale(img), nil }))
	if a := p.deps.Archiver; a != nil {
		pre = token.Then(pre,
			token.Instrument(StageGrab, clk, func(img image.Image) (image.Image, error) { return a.Grab(img), nil }))
	}
	p.pre = token.Then(pre,
		token.Instrument(StageNormalize, clk, func(img image.Image) (iface.Tensor, error) { return pp.Normalize(img), nil }))

	p.infer = token.InstrumentAsync(StageInference, clk, p.deps.Engine.Infer)

	p.post = token.Then(
		token.Then(
			token.Instrument(StageDecode, clk, p.deps.Decoder.Decode),
			token.Instrument(StageThreshold, clk, func(c []iface.BoxCandidate) ([]iface.BBox, error) {
				return p.deps.Extractor.Extract(c), nil
			})),
		token.Instrument(StageSuppress, clk, func(b []iface.BBox) ([]iface.BBox, error) {
			return p.deps.Suppressor.Apply(b), nil
		}))
}

// Run drives the pull loop until Cancel, ctx cancellation or loss of the
// frame source. Source loss is returned wrapped in ErrSourceLost; a
// cancelled pipeline returns nil. Run may be called once.
func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped || p.started {
		p.mu.Unlock()
		return ErrCancelled
	}
	p.started = true
	p.mu.Unlock()

	stop := context.AfterFunc(ctx, p.cancel)
	defer stop()

	p.log.Info("pipeline started", zap.Duration("interval", p.deps.Controller.Interval()))
	p.loop()
	close(p.loopDone)
	if p.ctx.Err() == nil {
		// source lost: let frames already traversed reach the sinks
		p.present.Close()
	}
	p.Cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lost
}

func (p *Pipeline) loop() {
	for {
		frame, seq, err := p.sampler.Next(p.ctx)
		if err != nil {
			if p.ctx.Err() == nil {
				p.log.Error("frame source failed, stopping pipeline", zap.Error(err))
				p.mu.Lock()
				p.lost = fmt.Errorf("%w: %w", ErrSourceLost, err)
				p.mu.Unlock()
			}
			return
		}
		p.sampled.Add(1)

		tok := token.New(frame.Image, frame.Source, seq, frame.CapturedAt)
		out, err := p.traverse(p.ctx, tok)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			p.frameFailed(tok, err)
			continue
		}
		if !p.present.Go(func() { p.deliver(out) }) {
			return
		}
	}
}

// traverse carries one token through every stage. Compute stages run on the
// worker pool; inference runs outside it.
func (p *Pipeline) traverse(ctx context.Context, tok token.TaggedToken[image.Image]) (token.TaggedToken[[]iface.BBox], error) {
	var zero token.TaggedToken[[]iface.BBox]
	in, err := Submit(ctx, p.compute, func() (token.TaggedToken[iface.Tensor], error) {
		return p.pre(ctx, tok)
	})
	if err != nil {
		return zero, fmt.Errorf("preprocess: %w", err)
	}
	raw, err := p.infer(ctx, in).Await(ctx)
	if err != nil {
		return zero, fmt.Errorf("inference: %w", err)
	}
	return Submit(ctx, p.compute, func() (token.TaggedToken[[]iface.BBox], error) {
		return p.post(ctx, raw)
	})
}

func (p *Pipeline) frameFailed(tok token.TaggedToken[image.Image], err error) {
	p.failed.Add(1)
	fields := []zap.Field{zap.Uint64("seq", tok.Seq), zap.String("token", tok.ID), zap.Error(err)}
	var de *yolo.DecodeError
	if errors.As(err, &de) {
		p.log.Warn("malformed detector output, frame dropped", append(fields, zap.Int("want", de.Want), zap.Int("got", de.Got))...)
		return
	}
	p.log.Warn("frame dropped", fields...)
}

// deliver runs on the presentation context.
func (p *Pipeline) deliver(t token.TaggedToken[[]iface.BBox]) {
	if p.ctx.Err() != nil {
		return
	}
	ctrl := p.deps.Controller
	ctrl.Observe(t.Metadata)
	smoothed := ctrl.Smooth(t.Metadata)

	boxes := t.Payload
	if p.cfg.DisplayScaleX != 1 || p.cfg.DisplayScaleY != 1 {
		boxes = make([]iface.BBox, len(t.Payload))
		for i, b := range t.Payload {
			boxes[i] = yolo.RescaleBBox(b, p.cfg.DisplayScaleX, p.cfg.DisplayScaleY)
		}
	}
	now := p.clock()
	report := iface.Report{
		ID:         t.ID,
		Seq:        t.Seq,
		Source:     t.Source,
		CapturedAt: t.CreatedAt,
		Age:        now.Sub(t.CreatedAt),
		Boxes:      boxes,
		Latency:    t.Report(now),
		Smoothed:   smoothed,
		Sampling:   ctrl.State(),
	}
	for _, s := range p.deps.Sinks {
		if err := s.Present(report); err != nil {
			p.log.Warn("sink rejected report", zap.Uint64("seq", t.Seq), zap.Error(err))
		}
	}
	p.last.Store(&report)
	p.processed.Add(1)
}

// Cancel stops the pipeline and waits for teardown. It severs the capture
// loop and any in-flight inference; results that arrive later are
// discarded. Safe to call any number of times from any goroutine except a
// sink.
func (p *Pipeline) Cancel() {
	p.cancel()
	p.once.Do(p.teardown)
}

func (p *Pipeline) teardown() {
	p.mu.Lock()
	p.stopped = true
	started := p.started
	p.mu.Unlock()
	if started {
		<-p.loopDone
	}

	p.sampler.Stop()
	p.present.Close()
	p.compute.Close()
	if p.deps.Archiver != nil {
		if err := p.deps.Archiver.Flush(); err != nil {
			p.log.Error("archive flush failed", zap.Error(err))
		}
	}
	if err := p.deps.Source.Close(); err != nil {
		p.log.Warn("closing frame source", zap.Error(err))
	}
	s := p.Stats()
	p.log.Info("pipeline stopped",
		zap.Uint64("sampled", s.Sampled),
		zap.Uint64("processed", s.Processed),
		zap.Uint64("failed", s.Failed),
		zap.Uint64("dropped", s.Dropped))
}

// Done is closed when the pipeline has been cancelled.
func (p *Pipeline) Done() <-chan struct{} { return p.ctx.Done() }

func (p *Pipeline) Stats() Stats {
	return Stats{
		Sampled:   p.sampled.Load(),
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.sampler.Dropped(),
		Missed:    p.sampler.Missed(),
		Last:      p.last.Load(),
	}
}
