// Package overlay turns detections into render instructions.
//
// Project is pure and order-preserving: render order follows detection order
// and nothing is sorted or deduplicated.
package overlay

import (
	"fmt"
	"image/color"

	"github.com/teslashibe/go-sightline/pkg/detection"
)

// Bucket is a distance classification.
type Bucket int

const (
	Unknown Bucket = iota
	Near
	NearMid
	Mid
	Far
)

// Distance thresholds in meters.
const (
	NearLimit    = 1.0
	NearMidLimit = 2.0
	MidLimit     = 3.0
)

func (b Bucket) String() string {
	switch b {
	case Near:
		return "near"
	case NearMid:
		return "near_mid"
	case Mid:
		return "mid"
	case Far:
		return "far"
	default:
		return "unknown"
	}
}

// MarshalText renders the bucket name in JSON.
func (b Bucket) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// Classify buckets a distance: <1 Near, [1,2) NearMid, [2,3) Mid, >=3 Far.
// A missing distance is Unknown, which is distinct from Far.
func Classify(distanceMeters *float64) Bucket {
	if distanceMeters == nil {
		return Unknown
	}
	switch d := *distanceMeters; {
	case d < NearLimit:
		return Near
	case d < NearMidLimit:
		return NearMid
	case d < MidLimit:
		return Mid
	default:
		return Far
	}
}

// Palette maps buckets to colors.
type Palette map[Bucket]color.RGBA

// DefaultPalette runs from red (near) to green (far), with grey for unknown.
var DefaultPalette = Palette{
	Near:    {R: 255, G: 59, B: 48, A: 255},
	NearMid: {R: 255, G: 149, B: 0, A: 255},
	Mid:     {R: 255, G: 204, B: 0, A: 255},
	Far:     {R: 52, G: 199, B: 89, A: 255},
	Unknown: {R: 142, G: 142, B: 147, A: 255},
}

// Color returns the bucket's color, falling back to the default palette.
func (p Palette) Color(b Bucket) color.RGBA {
	if c, ok := p[b]; ok {
		return c
	}
	return DefaultPalette[b]
}

// Viewport is the size of the render surface in pixels.
type Viewport struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Rect is an absolute pixel rectangle, top-left origin.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// RenderInstruction describes one box to draw.
type RenderInstruction struct {
	Rect       Rect       `json:"rect"`
	Label      string     `json:"label"`
	Caption    string     `json:"caption"`
	Confidence float64    `json:"confidence"`
	Distance   *float64   `json:"distance_m"`
	Bucket     Bucket     `json:"bucket"`
	Color      color.RGBA `json:"-"`
	Hex        string     `json:"color"`
}

// Project maps detections onto the viewport using the default palette.
func Project(dets []detection.Detection, vp Viewport) []RenderInstruction {
	return DefaultPalette.Project(dets, vp)
}

// Project maps detections onto the viewport.
func (p Palette) Project(dets []detection.Detection, vp Viewport) []RenderInstruction {
	out := make([]RenderInstruction, len(dets))
	for i, d := range dets {
		b := Classify(d.DistanceMeters)
		c := p.Color(b)
		var dist *float64
		if d.DistanceMeters != nil {
			v := *d.DistanceMeters
			dist = &v
		}
		out[i] = RenderInstruction{
			Rect: Rect{
				X:      d.Box.X * vp.Width,
				Y:      d.Box.Y * vp.Height,
				Width:  d.Box.Width * vp.Width,
				Height: d.Box.Height * vp.Height,
			},
			Label:      d.Label,
			Caption:    caption(d),
			Confidence: d.Confidence,
			Distance:   dist,
			Bucket:     b,
			Color:      c,
			Hex:        fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B),
		}
	}
	return out
}

func caption(d detection.Detection) string {
	s := fmt.Sprintf("%s %.0f%%", d.Label, d.Confidence*100)
	if d.DistanceMeters != nil {
		s += fmt.Sprintf(" %.1fm", *d.DistanceMeters)
	}
	return s
}
