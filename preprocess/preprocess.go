// Package preprocess prepares captured frames for the detector: orientation,
// resize to the model input and pixel normalisation.
package preprocess

import (
	iface "AdaptiveDet/interface"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

type Config struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
	// Rotate is the clockwise rotation applied to every frame, in degrees.
	Rotate int     `yaml:"rotate"`
	Mean   float32 `yaml:"mean"`
	Std    float32 `yaml:"std"`
	BGR    bool    `yaml:"bgr"`
}

// Preprocessor implements iface.Preprocessor on top of imaging.
type Preprocessor struct {
	cfg Config
}

func New(cfg Config) (*Preprocessor, error) {
	var errs []error
	if cfg.Width <= 0 || cfg.Height <= 0 {
		errs = append(errs, fmt.Errorf("input size must be positive, got %dx%d", cfg.Width, cfg.Height))
	}
	if cfg.Std == 0 {
		errs = append(errs, errors.New("normalisation std cannot be zero"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &Preprocessor{cfg: cfg}, nil
}

// Rotate turns the image clockwise by the configured angle.
func (p *Preprocessor) Rotate(img image.Image) image.Image {
	switch ((p.cfg.Rotate % 360) + 360) % 360 {
	case 0:
		return img
	case 90:
		return imaging.Rotate270(img)
	case 180:
		return imaging.Rotate180(img)
	case 270:
		return imaging.Rotate90(img)
	default:
		// imaging rotates counter-clockwise.
		return imaging.Rotate(img, float64(-p.cfg.Rotate), image.Black)
	}
}

// Scale resizes to the model input size without keeping the aspect ratio.
func (p *Preprocessor) Scale(img image.Image) image.Image {
	b := img.Bounds()
	if b.Dx() == p.cfg.Width && b.Dy() == p.cfg.Height {
		return img
	}
	return imaging.Resize(img, p.cfg.Width, p.cfg.Height, imaging.Linear)
}

// Normalize packs the image into a [H, W, 3] float tensor with
// (v - mean) / std applied per channel.
func (p *Preprocessor) Normalize(img image.Image) iface.Tensor {
	nrgba := imaging.Clone(img)
	w, h := nrgba.Rect.Dx(), nrgba.Rect.Dy()
	data := make([]float32, 0, w*h*3)
	for y := 0; y < h; y++ {
		row := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+w*4]
		for x := 0; x < w*4; x += 4 {
			r, g, b := row[x], row[x+1], row[x+2]
			if p.cfg.BGR {
				r, b = b, r
			}
			data = append(data,
				(float32(r)-p.cfg.Mean)/p.cfg.Std,
				(float32(g)-p.cfg.Mean)/p.cfg.Std,
				(float32(b)-p.cfg.Mean)/p.cfg.Std)
		}
	}
	return iface.Tensor{Shape: []int{h, w, 3}, Data: data}
}
