package preprocess

import (
	"image"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPreprocessor(t *testing.T, rotate int, bgr bool) *Preprocessor {
	t.Helper()
	p, err := New(Config{Width: 4, Height: 2, Rotate: rotate, Mean: 128, Std: 128, BGR: bgr})
	require.NoError(t, err)
	return p
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{Width: 0, Height: 10, Std: 0})
	require.Error(t, err)
	assert.ErrorContains(t, err, "input size")
	assert.ErrorContains(t, err, "std")
}

func TestRotateClockwise(t *testing.T) {
	src := imaging.New(3, 2, color.Black)
	src.Set(0, 0, color.White)

	out := newTestPreprocessor(t, 90, false).Rotate(src)
	assert.Equal(t, image.Rect(0, 0, 2, 3), out.Bounds())
	// top-left moves to top-right on a clockwise turn
	r, _, _, _ := out.At(1, 0).RGBA()
	assert.Equal(t, uint32(0xffff), r)

	same := newTestPreprocessor(t, 0, false).Rotate(src)
	assert.Equal(t, src, same)

	half := newTestPreprocessor(t, 180, false).Rotate(src)
	r, _, _, _ = half.At(2, 1).RGBA()
	assert.Equal(t, uint32(0xffff), r)
}

func TestScale(t *testing.T) {
	p := newTestPreprocessor(t, 0, false)
	out := p.Scale(imaging.New(40, 40, color.White))
	assert.Equal(t, image.Rect(0, 0, 4, 2), out.Bounds())
}

func TestNormalize(t *testing.T) {
	img := imaging.New(2, 1, color.NRGBA{R: 0, G: 128, B: 255, A: 255})
	img.Set(1, 0, color.NRGBA{R: 64, G: 64, B: 64, A: 255})

	tensor := newTestPreprocessor(t, 0, false).Normalize(img)
	assert.Equal(t, []int{1, 2, 3}, tensor.Shape)
	require.Len(t, tensor.Data, 6)
	assert.InDelta(t, -1.0, tensor.Data[0], 1e-6)
	assert.InDelta(t, 0.0, tensor.Data[1], 1e-6)
	assert.InDelta(t, 127.0/128, tensor.Data[2], 1e-6)
	assert.InDelta(t, -0.5, tensor.Data[3], 1e-6)

	swapped := newTestPreprocessor(t, 0, true).Normalize(img)
	assert.InDelta(t, 127.0/128, swapped.Data[0], 1e-6)
	assert.InDelta(t, -1.0, swapped.Data[2], 1e-6)
}
