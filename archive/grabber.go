// Package archive keeps the most recent frames that passed through the
// pipeline and writes them out once on teardown.
package archive

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

const DefaultCapacity = 128

type Config struct {
	Dir      string `yaml:"dir"`
	Prefix   string `yaml:"prefix"`
	Capacity int    `yaml:"capacity"`
}

// Grabber is a bounded ring of frames. When full the oldest frame is
// overwritten. It implements iface.Archiver.
type Grabber struct {
	cfg Config
	log *zap.Logger

	mu       sync.Mutex
	frames   []image.Image
	next     int
	full     bool
	finished bool
}

func NewGrabber(cfg Config, log *zap.Logger) *Grabber {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "frame"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Grabber{cfg: cfg, log: log, frames: make([]image.Image, cfg.Capacity)}
}

// Grab stores img and returns it unchanged so it can sit inline in a stage.
// Frames grabbed after Finish are ignored.
func (g *Grabber) Grab(img image.Image) image.Image {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.finished || img == nil {
		return img
	}
	g.frames[g.next] = img
	g.next = (g.next + 1) % len(g.frames)
	if g.next == 0 {
		g.full = true
	}
	return img
}

func (g *Grabber) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.full {
		return len(g.frames)
	}
	return g.next
}

// Finish stops grabbing and returns the buffered frames, oldest first. Only
// the first call returns frames.
func (g *Grabber) Finish() []image.Image {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.finished {
		return nil
	}
	g.finished = true
	var out []image.Image
	if g.full {
		out = append(out, g.frames[g.next:]...)
	}
	out = append(out, g.frames[:g.next]...)
	clear(g.frames)
	return out
}

// Flush finishes the grabber and, when a directory is configured, saves the
// buffered frames there.
func (g *Grabber) Flush() error {
	frames := g.Finish()
	if g.cfg.Dir == "" || len(frames) == 0 {
		g.log.Info("archive flushed", zap.Int("frames", len(frames)))
		return nil
	}
	n, err := Save(frames, g.cfg.Dir, g.cfg.Prefix)
	g.log.Info("archive saved", zap.String("dir", g.cfg.Dir), zap.Int("frames", n))
	return err
}

// Save writes frames as <prefix>_0000.png, <prefix>_0001.png, ... and
// returns how many were written.
func Save(frames []image.Image, dir, prefix string) (int, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create archive dir: %w", err)
	}
	var errs []error
	written := 0
	for i, img := range frames {
		path := filepath.Join(dir, fmt.Sprintf("%s_%04d.png", prefix, i))
		if err := imaging.Save(img, path); err != nil {
			errs = append(errs, fmt.Errorf("save %s: %w", path, err))
			continue
		}
		written++
	}
	return written, errors.Join(errs...)
}
