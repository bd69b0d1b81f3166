package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoBox is returned when a detection carries no usable bounding box.
var ErrNoBox = errors.New("protocol: detection has no bounding box")

// DetectionData is a single detection as it appears on the wire.
//
// Encoding always uses the flat x/y/width/height form. Decoding also accepts
// "box" (object or [x, y, w, h] array), "box_2d" ([ymin, xmin, ymax, xmax]
// scaled 0-1000) and "coords" (absolute [x1, y1, x2, y2] pixels, resolved
// against the result's image_size).
type DetectionData struct {
	X          float64   `json:"x"`
	Y          float64   `json:"y"`
	Width      float64   `json:"width"`
	Height     float64   `json:"height"`
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	DistanceM  *float64  `json:"distance_m"`
	Coords     []float64 `json:"coords,omitempty"`

	hasBox bool
}

type wireDetection struct {
	X          *float64        `json:"x"`
	Y          *float64        `json:"y"`
	Width      *float64        `json:"width"`
	Height     *float64        `json:"height"`
	Box        json.RawMessage `json:"box"`
	Box2D      []float64       `json:"box_2d"`
	Coords     []float64       `json:"coords"`
	Label      string          `json:"label"`
	Confidence *float64        `json:"confidence"`
	DistanceM  *float64        `json:"distance_m"`
	DistanceCM *float64        `json:"distance_cm"`
}

type wireBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// UnmarshalJSON accepts every box encoding the backends are known to emit.
func (d *DetectionData) UnmarshalJSON(b []byte) error {
	var w wireDetection
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}

	*d = DetectionData{Label: w.Label}
	if w.Confidence != nil {
		d.Confidence = *w.Confidence
	}
	switch {
	case w.DistanceM != nil:
		v := *w.DistanceM
		d.DistanceM = &v
	case w.DistanceCM != nil:
		v := *w.DistanceCM / 100
		d.DistanceM = &v
	}

	switch {
	case len(w.Box) > 0 && string(w.Box) != "null":
		box, err := decodeBox(w.Box)
		if err != nil {
			return err
		}
		d.X, d.Y, d.Width, d.Height = box.X, box.Y, box.Width, box.Height
		d.hasBox = true
	case w.X != nil && w.Y != nil && w.Width != nil && w.Height != nil:
		d.X, d.Y, d.Width, d.Height = *w.X, *w.Y, *w.Width, *w.Height
		d.hasBox = true
	case len(w.Box2D) == 4:
		ymin, xmin, ymax, xmax := w.Box2D[0]/1000, w.Box2D[1]/1000, w.Box2D[2]/1000, w.Box2D[3]/1000
		d.X, d.Y, d.Width, d.Height = xmin, ymin, xmax-xmin, ymax-ymin
		d.hasBox = true
	case len(w.Coords) == 4:
		d.Coords = w.Coords
	}

	return nil
}

func decodeBox(raw json.RawMessage) (wireBox, error) {
	var box wireBox
	if raw[0] == '[' {
		var arr []float64
		if err := json.Unmarshal(raw, &arr); err != nil {
			return box, fmt.Errorf("decode box: %w", err)
		}
		if len(arr) != 4 {
			return box, fmt.Errorf("decode box: want 4 values, got %d", len(arr))
		}
		return wireBox{X: arr[0], Y: arr[1], Width: arr[2], Height: arr[3]}, nil
	}
	if err := json.Unmarshal(raw, &box); err != nil {
		return box, fmt.Errorf("decode box: %w", err)
	}
	return box, nil
}

// Fraction returns the bounding box in unit fractional coordinates.
// size is only consulted for detections that arrived as absolute coords.
func (d *DetectionData) Fraction(size *ImageSize) (x, y, w, h float64, err error) {
	if d.hasBox || len(d.Coords) != 4 {
		if !d.hasBox && d.X == 0 && d.Y == 0 && d.Width == 0 && d.Height == 0 {
			return 0, 0, 0, 0, ErrNoBox
		}
		return d.X, d.Y, d.Width, d.Height, nil
	}
	if size == nil || size.Width <= 0 || size.Height <= 0 {
		return 0, 0, 0, 0, fmt.Errorf("%w: absolute coords without image_size", ErrNoBox)
	}
	fw, fh := float64(size.Width), float64(size.Height)
	x1, y1, x2, y2 := d.Coords[0], d.Coords[1], d.Coords[2], d.Coords[3]
	return x1 / fw, y1 / fh, (x2 - x1) / fw, (y2 - y1) / fh, nil
}
