package camera

import (
	"context"
	"fmt"
	"sync"

	"gocv.io/x/gocv"

	"github.com/teslashibe/go-sightline/pkg/capture"
)

// Webcam captures from a local video device through OpenCV.
type Webcam struct {
	mu      sync.Mutex
	vc      *gocv.VideoCapture
	frame   gocv.Mat
	quality int
	closed  bool
}

// OpenWebcam opens cfg.Device and requests cfg's resolution. The device may
// deliver a different size; frames report what was actually captured.
func OpenWebcam(cfg Config) (*Webcam, error) {
	vc, err := gocv.OpenVideoCapture(cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("camera: open device %d: %w", cfg.Device, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("camera: device %d not available", cfg.Device)
	}
	vc.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
	vc.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))

	return &Webcam{
		vc:      vc,
		frame:   gocv.NewMat(),
		quality: cfg.Quality,
	}, nil
}

// Capture reads one frame and encodes it as JPEG. It returns when ctx ends
// even if the device read is still blocked.
func (w *Webcam) Capture(ctx context.Context) (capture.Frame, error) {
	if err := checkContext(ctx); err != nil {
		return capture.Frame{}, err
	}
	return readWithContext(ctx, w.read)
}

func (w *Webcam) read() (capture.Frame, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return capture.Frame{}, ErrClosed
	}

	if ok := w.vc.Read(&w.frame); !ok || w.frame.Empty() {
		return capture.Frame{}, ErrNoFrame
	}

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, w.frame, []int{int(gocv.IMWriteJpegQuality), w.quality})
	if err != nil {
		return capture.Frame{}, fmt.Errorf("camera: encode: %w", err)
	}
	defer buf.Close()

	return capture.Frame{
		Data:   append([]byte(nil), buf.GetBytes()...),
		Width:  w.frame.Cols(),
		Height: w.frame.Rows(),
	}, nil
}

// Close releases the device. If a read is blocked on it, the release happens
// in the background once that read returns.
func (w *Webcam) Close() error {
	if w.mu.TryLock() {
		defer w.mu.Unlock()
		return w.releaseLocked()
	}
	go func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.releaseLocked()
	}()
	return nil
}

func (w *Webcam) releaseLocked() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.frame.Close()
	return w.vc.Close()
}
