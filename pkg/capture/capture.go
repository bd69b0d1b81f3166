// Package capture decides when to pull a frame from the camera and hands it
// to the stream.
//
// Throttle.Tick is called on a fixed cadence. A capture fires only on every
// CaptureInterval-th tick, at least MinInterval after the previous one, and
// only while no other frame is in flight. Frames are skipped under
// backpressure, never queued.
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/teslashibe/go-sightline/pkg/detection"
)

// Frame is one encoded image from a FrameSource.
type Frame struct {
	Data   []byte // JPEG
	Width  int
	Height int
}

// FrameSource produces frames on demand. Latency and availability vary;
// implementations return an error when the device is unavailable.
type FrameSource interface {
	Capture(ctx context.Context) (Frame, error)
}

// SourceFunc adapts a function to FrameSource.
type SourceFunc func(ctx context.Context) (Frame, error)

// Capture implements FrameSource.
func (f SourceFunc) Capture(ctx context.Context) (Frame, error) { return f(ctx) }

// Flight is the single in-flight slot shared with the result path.
// *detection.Reconciler implements it.
type Flight interface {
	Reserve() (detection.Token, bool)
	Commit(tok detection.Token, req detection.FrameRequest) bool
	Abort(tok detection.Token)
}

// Sender transmits frames without waiting for a reply.
// *stream.Conn implements it.
type Sender interface {
	SendFrame(req detection.FrameRequest) error
}

// ErrEmptyFrame is wrapped in a CaptureError when a source returns no data.
var ErrEmptyFrame = errors.New("capture: empty frame")

// CaptureError reports a FrameSource failure. The tick is skipped; nothing is
// retried until the next eligible tick.
type CaptureError struct {
	RequestID uint64
	Err       error
}

// Error implements the error interface.
func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture: frame %d: %v", e.RequestID, e.Err)
}

// Unwrap returns the underlying error.
func (e *CaptureError) Unwrap() error {
	return e.Err
}

// Decision is the outcome of one tick.
type Decision int

const (
	Fired Decision = iota
	SkippedInterval
	SkippedMinInterval
	SkippedInFlight
	SkippedClosed
)

func (d Decision) String() string {
	switch d {
	case Fired:
		return "fired"
	case SkippedInterval:
		return "interval"
	case SkippedMinInterval:
		return "min_interval"
	case SkippedInFlight:
		return "in_flight"
	case SkippedClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Stats are cumulative counters.
type Stats struct {
	Ticks              int64     `json:"ticks"`
	Fired              int64     `json:"fired"`
	SkippedInFlight    int64     `json:"skipped_in_flight"`
	SkippedMinInterval int64     `json:"skipped_min_interval"`
	CaptureErrors      int64     `json:"capture_errors"`
	Sent               int64     `json:"sent"`
	SendErrors         int64     `json:"send_errors"`
	Dropped            int64     `json:"dropped"` // captured after the reservation was superseded
	LastRequestID      uint64    `json:"last_request_id"`
	LastFiredAt        time.Time `json:"last_fired_at"`
}
