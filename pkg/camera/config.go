// Package camera provides the frame sources the client captures from and
// their runtime-configurable settings.
package camera

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/teslashibe/go-sightline/pkg/capture"
	"github.com/teslashibe/go-sightline/pkg/detection"
)

// Source kinds.
const (
	SourceWebcam    = "webcam"
	SourceSynthetic = "synthetic"
)

// Errors returned by sources.
var (
	ErrClosed   = errors.New("camera: source closed")
	ErrNoFrame  = errors.New("camera: device returned no frame")
	ErrNoSource = errors.New("camera: no source open")
)

// Source is a FrameSource that holds a device.
type Source interface {
	capture.FrameSource
	io.Closer
}

// Opener opens the source described by a config.
type Opener func(cfg Config) (Source, error)

// Config holds camera configuration. It can be changed at runtime through
// a Manager.
type Config struct {
	Source  string `json:"source" yaml:"source"`   // "webcam" or "synthetic"
	Device  int    `json:"device" yaml:"device"`   // webcam index
	Width   int    `json:"width" yaml:"width"`     // Frame width in pixels
	Height  int    `json:"height" yaml:"height"`   // Frame height in pixels
	Quality int    `json:"quality" yaml:"quality"` // JPEG quality 1-100
	Facing  string `json:"facing" yaml:"facing"`   // "front" or "back"
}

// Limits
const (
	MinWidth  = 160
	MinHeight = 120
	MaxWidth  = 3840
	MaxHeight = 2160
)

// DefaultConfig returns 640x480 from the first webcam, back facing.
// The backend downsamples anyway; larger frames only cost upload time.
func DefaultConfig() Config {
	return Config{
		Source:  SourceWebcam,
		Device:  0,
		Width:   640,
		Height:  480,
		Quality: 80,
		Facing:  string(detection.FacingBack),
	}
}

// Validate checks if the config values are within valid ranges.
// Returns a list of validation errors, or nil if valid.
func (c *Config) Validate() []string {
	var errs []string

	if c.Source != SourceWebcam && c.Source != SourceSynthetic {
		errs = append(errs, "source must be webcam or synthetic")
	}
	if c.Device < 0 {
		errs = append(errs, "device must be >= 0")
	}
	if c.Width < MinWidth || c.Width > MaxWidth {
		errs = append(errs, fmt.Sprintf("width must be between %d and %d", MinWidth, MaxWidth))
	}
	if c.Height < MinHeight || c.Height > MaxHeight {
		errs = append(errs, fmt.Sprintf("height must be between %d and %d", MinHeight, MaxHeight))
	}
	if c.Quality < 1 || c.Quality > 100 {
		errs = append(errs, "quality must be between 1 and 100")
	}
	if _, err := detection.ParseFacing(c.Facing); err != nil {
		errs = append(errs, "facing must be front or back")
	}

	return errs
}

// needsReopen reports whether switching from c to next requires a new device.
func (c Config) needsReopen(next Config) bool {
	return c.Source != next.Source ||
		c.Device != next.Device ||
		c.Width != next.Width ||
		c.Height != next.Height ||
		c.Quality != next.Quality
}

// Open is the default Opener.
func Open(cfg Config) (Source, error) {
	switch cfg.Source {
	case SourceWebcam:
		return OpenWebcam(cfg)
	case SourceSynthetic:
		return NewSynthetic(cfg), nil
	default:
		return nil, fmt.Errorf("camera: unknown source %q", cfg.Source)
	}
}

// Capture on a closed context fails fast.
func checkContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("camera: %w", err)
	}
	return nil
}

// readWithContext runs read on its own goroutine and gives up when ctx ends.
// A device read cannot be interrupted, so read keeps running and its result
// is discarded.
func readWithContext(ctx context.Context, read func() (capture.Frame, error)) (capture.Frame, error) {
	type result struct {
		frame capture.Frame
		err   error
	}
	done := make(chan result, 1)
	go func() {
		f, err := read()
		done <- result{f, err}
	}()

	select {
	case r := <-done:
		return r.frame, r.err
	case <-ctx.Done():
		return capture.Frame{}, fmt.Errorf("camera: %w", ctx.Err())
	}
}
