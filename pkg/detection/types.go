// Package detection holds the client-side detection model and the reconciler
// that matches asynchronous backend results to the single in-flight frame.
package detection

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/teslashibe/go-sightline/pkg/protocol"
)

// Facing is the camera the frame was captured from.
type Facing string

const (
	FacingFront Facing = "front"
	FacingBack  Facing = "back"
)

// ParseFacing validates a facing name.
func ParseFacing(s string) (Facing, error) {
	switch f := Facing(s); f {
	case FacingFront, FacingBack:
		return f, nil
	default:
		return "", fmt.Errorf("detection: unknown camera facing %q", s)
	}
}

// BoundingBox is a rectangle in unit fractional coordinates, top-left origin.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Detection is one detected object.
type Detection struct {
	Box        BoundingBox `json:"box"`
	Label      string      `json:"label"`
	Confidence float64     `json:"confidence"`

	// DistanceMeters is nil when the backend could not estimate distance.
	DistanceMeters *float64 `json:"distance_m"`
}

// FrameRequest is one captured frame on its way to the backend.
// Requests are never reused; ID is monotonic per session.
type FrameRequest struct {
	ID         uint64
	CapturedAt time.Time
	Payload    []byte // encoded JPEG
	Width      int
	Height     int
	Facing     Facing
}

// Result is a decoded detection_result.
type Result struct {
	// RequestID is nil when the backend does not echo the correlation id.
	RequestID *uint64

	// CaptureTimestamp is the echoed frame timestamp (epoch ms), 0 if absent.
	CaptureTimestamp int64

	Detections      []Detection
	ServerTimestamp time.Time
	DistanceEnabled bool

	// Audio is the base64 clip the backend synthesised, if any.
	Audio string
}

// ErrProcessingTimeout is reported when the backend never answered a frame.
var ErrProcessingTimeout = errors.New("detection: processing timeout")

// BackendError is an explicit detection_error from the backend.
type BackendError struct {
	Message   string
	RequestID *uint64
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	if e.RequestID != nil {
		return fmt.Sprintf("detection: backend error for request %d: %s", *e.RequestID, e.Message)
	}
	return fmt.Sprintf("detection: backend error: %s", e.Message)
}

// ResultFromWire converts a detection_result payload. Detections without a
// usable box are skipped and logged; values are clamped into range.
func ResultFromWire(data *protocol.DetectionResultData, logger *slog.Logger) Result {
	if logger == nil {
		logger = slog.Default()
	}

	res := Result{
		RequestID:        data.RequestID,
		CaptureTimestamp: data.Timestamp,
		DistanceEnabled:  data.DistanceEnabled,
		Audio:            data.Audio,
	}
	if data.ServerTimestamp > 0 {
		res.ServerTimestamp = time.UnixMilli(data.ServerTimestamp)
	}

	items := data.Items()
	res.Detections = make([]Detection, 0, len(items))
	for i := range items {
		x, y, w, h, err := items[i].Fraction(data.ImageSize)
		if err != nil {
			logger.Warn("skipping detection", "label", items[i].Label, "error", err)
			continue
		}
		d := Detection{
			Box:        clampBox(BoundingBox{X: x, Y: y, Width: w, Height: h}),
			Label:      items[i].Label,
			Confidence: clamp01(items[i].Confidence),
		}
		if dist := items[i].DistanceM; dist != nil && *dist >= 0 {
			v := *dist
			d.DistanceMeters = &v
		}
		res.Detections = append(res.Detections, d)
	}

	return res
}

// ToWire converts detections back to the wire form.
func ToWire(dets []Detection) []protocol.DetectionData {
	out := make([]protocol.DetectionData, len(dets))
	for i, d := range dets {
		out[i] = protocol.DetectionData{
			X:          d.Box.X,
			Y:          d.Box.Y,
			Width:      d.Box.Width,
			Height:     d.Box.Height,
			Label:      d.Label,
			Confidence: d.Confidence,
			DistanceM:  d.DistanceMeters,
		}
	}
	return out
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func clampBox(b BoundingBox) BoundingBox {
	b.X = clamp01(b.X)
	b.Y = clamp01(b.Y)
	b.Width = clamp01(b.Width)
	b.Height = clamp01(b.Height)
	if b.X+b.Width > 1 {
		b.Width = 1 - b.X
	}
	if b.Y+b.Height > 1 {
		b.Height = 1 - b.Y
	}
	return b
}
