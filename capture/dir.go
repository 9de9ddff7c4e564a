package capture

import (
	iface "AdaptiveDet/interface"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

var imageExts = []string{".jpg", ".jpeg", ".png", ".bmp", ".gif", ".tif", ".tiff"}

// DirSource replays the images of a directory in name order. With Loop set
// it starts over at the end, otherwise it reports iface.ErrSourceClosed.
// Files that fail to decode are logged and skipped; only when a whole pass
// over the directory yields nothing is the source considered lost.
type DirSource struct {
	Name string

	mu      sync.Mutex
	files   []string
	pos     int
	loop    bool
	closed  bool
	skipped atomic.Uint64
	log     *zap.Logger
}

func NewDirSource(dir string, loop bool, log *zap.Logger) (*DirSource, error) {
	if log == nil {
		log = zap.NewNop()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frame dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if slices.Contains(imageExts, strings.ToLower(filepath.Ext(e.Name()))) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no images in %s", dir)
	}
	slices.Sort(files)
	return &DirSource{Name: "dir:" + filepath.Base(dir), files: files, loop: loop, log: log}, nil
}

func (d *DirSource) Next(ctx context.Context) (iface.Frame, error) {
	var lastErr error
	for attempt := 0; attempt < len(d.files); attempt++ {
		if err := ctx.Err(); err != nil {
			return iface.Frame{}, err
		}
		path, err := d.advance()
		if err != nil {
			return iface.Frame{}, err
		}
		img, err := imaging.Open(path, imaging.AutoOrientation(true))
		if err != nil {
			d.skipped.Add(1)
			d.log.Warn("skipping unreadable frame", zap.String("path", path), zap.Error(err))
			lastErr = err
			continue
		}
		return iface.Frame{Image: img, Source: d.Name, CapturedAt: time.Now()}, nil
	}
	return iface.Frame{}, fmt.Errorf("%w: no readable image in %s: %v", iface.ErrSourceClosed, d.Name, lastErr)
}

func (d *DirSource) advance() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return "", iface.ErrSourceClosed
	}
	if d.pos == len(d.files) {
		if !d.loop {
			return "", iface.ErrSourceClosed
		}
		d.pos = 0
	}
	path := d.files[d.pos]
	d.pos++
	return path, nil
}

// Skipped counts files that could not be decoded.
func (d *DirSource) Skipped() uint64 { return d.skipped.Load() }

func (d *DirSource) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}
