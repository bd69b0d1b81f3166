package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/teslashibe/go-sightline/pkg/capture"
)

// Synthetic renders a moving test pattern stamped with a frame counter.
// It needs no device and is used when no camera is attached.
type Synthetic struct {
	width, height int
	quality       int

	mu     sync.Mutex
	seq    uint64
	closed bool
}

// NewSynthetic creates a test pattern source of cfg's size.
func NewSynthetic(cfg Config) *Synthetic {
	return &Synthetic{width: cfg.Width, height: cfg.Height, quality: cfg.Quality}
}

// Capture renders and encodes the next pattern frame.
func (s *Synthetic) Capture(ctx context.Context) (capture.Frame, error) {
	if err := checkContext(ctx); err != nil {
		return capture.Frame{}, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return capture.Frame{}, ErrClosed
	}
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	img := s.render(seq)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: s.quality}); err != nil {
		return capture.Frame{}, fmt.Errorf("camera: encode: %w", err)
	}
	return capture.Frame{Data: buf.Bytes(), Width: s.width, Height: s.height}, nil
}

func (s *Synthetic) render(seq uint64) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	shift := int(seq*4) % s.width
	for x := 0; x < s.width; x++ {
		v := uint8(((x + shift) % s.width) * 255 / s.width)
		col := image.NewUniform(color.RGBA{R: v / 2, G: v / 3, B: 96, A: 255})
		draw.Draw(img, image.Rect(x, 0, x+1, s.height), col, image.Point{}, draw.Src)
	}

	// a block drifting across the frame gives detectors something to find
	bw, bh := s.width/5, s.height/4
	bx := int(seq*8) % max(s.width-bw, 1)
	draw.Draw(img, image.Rect(bx, s.height/2-bh/2, bx+bw, s.height/2+bh/2),
		image.NewUniform(color.RGBA{R: 240, G: 240, B: 240, A: 255}), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.White),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(8, 20),
	}
	d.DrawString(fmt.Sprintf("sightline #%06d %s", seq, time.Now().Format("15:04:05.000")))
	return img
}

// Frames returns how many frames have been rendered.
func (s *Synthetic) Frames() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Close stops the source.
func (s *Synthetic) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
