// Package cvcam reads frames from a video device or stream through OpenCV.
package cvcam

import (
	"AdaptiveDet/capture"
	iface "AdaptiveDet/interface"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// CameraSource reads the device on its own goroutine into a latest-value
// mailbox, so the sampler always gets the freshest frame and the device
// never backs up.
type CameraSource struct {
	Name string

	vc   *gocv.VideoCapture
	box  *capture.Mailbox
	log  *zap.Logger
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// Open accepts a device index ("0") or a file/stream URL, as
// gocv.OpenVideoCapture does.
func Open(device string, log *zap.Logger) (*CameraSource, error) {
	if log == nil {
		log = zap.NewNop()
	}
	vc, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("open capture device %s: %w", device, err)
	}
	if !vc.IsOpened() {
		_ = vc.Close()
		return nil, fmt.Errorf("capture device %s: %w", device, iface.ErrSourceClosed)
	}
	c := &CameraSource{
		Name: "camera",
		vc:   vc,
		box:  capture.NewMailbox(),
		log:  log,
		stop: make(chan struct{}),
	}
	c.wg.Add(1)
	go c.read()
	return c, nil
}

func (c *CameraSource) read() {
	defer c.wg.Done()
	mat := gocv.NewMat()
	defer mat.Close()
	for {
		select {
		case <-c.stop:
			c.box.Close(iface.ErrSourceClosed)
			return
		default:
		}
		if ok := c.vc.Read(&mat); !ok || mat.Empty() {
			c.log.Warn("capture device stopped delivering frames")
			c.box.Close(iface.ErrSourceClosed)
			return
		}
		img, err := mat.ToImage()
		if err != nil {
			c.log.Warn("frame conversion failed", zap.Error(err))
			continue
		}
		c.box.Put(iface.Frame{Image: img, Source: c.Name, CapturedAt: time.Now()})
	}
}

func (c *CameraSource) Next(ctx context.Context) (iface.Frame, error) {
	return c.box.Take(ctx)
}

func (c *CameraSource) Dropped() uint64 {
	return c.box.Dropped()
}

func (c *CameraSource) Close() error {
	var err error
	c.once.Do(func() {
		close(c.stop)
		c.wg.Wait()
		err = c.vc.Close()
	})
	return err
}
