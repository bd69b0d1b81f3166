package overlay

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const strokeWidth = 2

// Compose scales frame onto a canvas of the viewport size and draws the
// instructions on top. A nil frame yields a black canvas.
func Compose(frame image.Image, vp Viewport, instrs []RenderInstruction) *image.RGBA {
	w, h := int(math.Round(vp.Width)), int(math.Round(vp.Height))
	canvas := image.NewRGBA(image.Rect(0, 0, max(w, 1), max(h, 1)))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	if frame != nil {
		draw.ApproxBiLinear.Scale(canvas, canvas.Bounds(), frame, frame.Bounds(), draw.Over, nil)
	}
	Draw(canvas, instrs)
	return canvas
}

// Draw renders box outlines and captions onto dst.
func Draw(dst draw.Image, instrs []RenderInstruction) {
	face := basicfont.Face7x13
	for _, in := range instrs {
		r := image.Rect(
			int(math.Round(in.Rect.X)),
			int(math.Round(in.Rect.Y)),
			int(math.Round(in.Rect.X+in.Rect.Width)),
			int(math.Round(in.Rect.Y+in.Rect.Height)),
		).Intersect(dst.Bounds())
		if r.Empty() {
			continue
		}
		outline(dst, r, in.Color)

		// caption on a filled strip above the box, or inside it at the top edge
		tw := font.MeasureString(face, in.Caption).Ceil() + 4
		th := face.Height + 2
		top := r.Min.Y - th
		if top < dst.Bounds().Min.Y {
			top = r.Min.Y
		}
		strip := image.Rect(r.Min.X, top, r.Min.X+tw, top+th).Intersect(dst.Bounds())
		draw.Draw(dst, strip, image.NewUniform(in.Color), image.Point{}, draw.Src)

		d := &font.Drawer{
			Dst:  dst,
			Src:  image.NewUniform(color.Black),
			Face: face,
			Dot:  fixed.P(r.Min.X+2, top+face.Ascent+1),
		}
		d.DrawString(in.Caption)
	}
}

func outline(dst draw.Image, r image.Rectangle, c color.RGBA) {
	src := image.NewUniform(c)
	sw := min(strokeWidth, r.Dx(), r.Dy())
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+sw),
		image.Rect(r.Min.X, r.Max.Y-sw, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+sw, r.Max.Y),
		image.Rect(r.Max.X-sw, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e, src, image.Point{}, draw.Src)
	}
}
