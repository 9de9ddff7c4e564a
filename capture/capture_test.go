package capture

import (
	iface "AdaptiveDet/interface"
	"context"
	"image/color"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fixedInterval struct {
	d       atomic.Int64
	updates chan time.Duration
}

func newFixedInterval(d time.Duration) *fixedInterval {
	f := &fixedInterval{updates: make(chan time.Duration, 1)}
	f.d.Store(int64(d))
	return f
}

func (f *fixedInterval) Interval() time.Duration          { return time.Duration(f.d.Load()) }
func (f *fixedInterval) Subscribe() <-chan time.Duration { return f.updates }
func (f *fixedInterval) set(d time.Duration) {
	f.d.Store(int64(d))
	f.updates <- d
}

type countingSource struct{ n atomic.Int32 }

func (c *countingSource) Next(ctx context.Context) (iface.Frame, error) {
	c.n.Add(1)
	return iface.Frame{Source: "test", CapturedAt: time.Now()}, nil
}
func (c *countingSource) Close() error { return nil }

func TestMailboxLatestValue(t *testing.T) {
	m := NewMailbox()
	m.Put(iface.Frame{Source: "a"})
	m.Put(iface.Frame{Source: "b"})
	m.Put(iface.Frame{Source: "c"})
	assert.Equal(t, uint64(2), m.Dropped())

	f, err := m.Take(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "c", f.Source)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Take(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMailboxWakesTaker(t *testing.T) {
	m := NewMailbox()
	got := make(chan string, 1)
	go func() {
		f, _ := m.Take(context.Background())
		got <- f.Source
	}()
	time.Sleep(10 * time.Millisecond)
	m.Put(iface.Frame{Source: "late"})
	select {
	case s := <-got:
		assert.Equal(t, "late", s)
	case <-time.After(time.Second):
		t.Fatal("taker not woken")
	}
}

func TestMailboxClose(t *testing.T) {
	m := NewMailbox()
	m.Put(iface.Frame{Source: "last"})
	m.Close(nil)
	m.Close(nil)
	m.Put(iface.Frame{Source: "ignored"})

	f, err := m.Take(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "last", f.Source)
	_, err = m.Take(context.Background())
	assert.ErrorIs(t, err, iface.ErrSourceClosed)
}

func TestSamplerPacesReads(t *testing.T) {
	src := &countingSource{}
	s := NewSampler(src, newFixedInterval(30*time.Millisecond))
	defer s.Stop()

	start := time.Now()
	for want := uint64(1); want <= 3; want++ {
		_, seq, err := s.Next(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, seq)
	}
	assert.GreaterOrEqual(t, time.Since(start), 85*time.Millisecond)
	assert.Equal(t, int32(3), src.n.Load())
}

func TestSamplerRearmsOnUpdate(t *testing.T) {
	ivl := newFixedInterval(time.Hour)
	s := NewSampler(&countingSource{}, ivl)
	defer s.Stop()

	go func() {
		time.Sleep(20 * time.Millisecond)
		ivl.set(10 * time.Millisecond)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, seq, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
}

func TestSamplerCancel(t *testing.T) {
	s := NewSampler(&countingSource{}, newFixedInterval(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := s.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, uint64(0), s.Dropped())
}

func writeFrames(t *testing.T, n int) string {
	t.Helper()
	dir := t.TempDir()
	for i := 0; i < n; i++ {
		img := imaging.New(4, 4, color.NRGBA{R: uint8(i * 10), A: 255})
		require.NoError(t, imaging.Save(img, filepath.Join(dir, string(rune('a'+i))+".png")))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0o644))
	return dir
}

func TestDirSource(t *testing.T) {
	dir := writeFrames(t, 2)

	src, err := NewDirSource(dir, false, nil)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		f, err := src.Next(context.Background())
		require.NoError(t, err)
		r, _, _, _ := f.Image.At(0, 0).RGBA()
		assert.Equal(t, uint32(i*10), r>>8)
	}
	_, err = src.Next(context.Background())
	assert.ErrorIs(t, err, iface.ErrSourceClosed)

	looping, err := NewDirSource(dir, true, nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := looping.Next(context.Background())
		require.NoError(t, err)
	}
	require.NoError(t, looping.Close())
	_, err = looping.Next(context.Background())
	assert.ErrorIs(t, err, iface.ErrSourceClosed)
}

func TestDirSourceEmpty(t *testing.T) {
	_, err := NewDirSource(t.TempDir(), true, nil)
	assert.Error(t, err)
}

func TestDirSourceSkipsUnreadableFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, imaging.Save(imaging.New(4, 4, color.NRGBA{R: 10, A: 255}), filepath.Join(dir, "a.png")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.png"), []byte("not a png"), 0o644))
	require.NoError(t, imaging.Save(imaging.New(4, 4, color.NRGBA{R: 30, A: 255}), filepath.Join(dir, "c.png")))

	core, logs := observer.New(zap.WarnLevel)
	src, err := NewDirSource(dir, false, zap.New(core))
	require.NoError(t, err)

	for _, want := range []uint32{10, 30} {
		f, err := src.Next(context.Background())
		require.NoError(t, err)
		r, _, _, _ := f.Image.At(0, 0).RGBA()
		assert.Equal(t, want, r>>8)
	}
	assert.Equal(t, uint64(1), src.Skipped())
	assert.Equal(t, 1, logs.FilterMessage("skipping unreadable frame").Len())

	_, err = src.Next(context.Background())
	assert.ErrorIs(t, err, iface.ErrSourceClosed)
}

func TestDirSourceLostWhenNothingDecodes(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.png"), []byte("junk"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.jpg"), []byte("junk"), 0o644))

	src, err := NewDirSource(dir, true, nil)
	require.NoError(t, err)
	_, err = src.Next(context.Background())
	assert.ErrorIs(t, err, iface.ErrSourceClosed)
	assert.Equal(t, uint64(2), src.Skipped())
}
