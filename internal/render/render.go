// Package render draws the analysis overlay onto frames and encodes them
// for publication.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Overlay colours.
var (
	RegionColor    = color.RGBA{255, 215, 0, 255}
	DetectionColor = color.RGBA{160, 160, 160, 255}
	TrackColor     = color.RGBA{0, 200, 80, 255}
	OutsideColor   = color.RGBA{60, 140, 255, 255}
	TextColor      = color.RGBA{255, 255, 255, 255}
	TextBackground = color.RGBA{0, 0, 0, 160}
)

// Box is one rectangle to draw with an optional label above it.
type Box struct {
	Rect  image.Rectangle
	Label string
	Color color.RGBA
}

// Overlay is everything drawn on top of a frame.
type Overlay struct {
	Region []image.Point // closed polygon
	Boxes  []Box
	Header []string // lines drawn in the top-left corner
}

// Draw returns a copy of img with the overlay applied. img is not modified.
func Draw(img image.Image, ov Overlay) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(b)
	draw.Draw(out, b, img, b.Min, draw.Src)

	for i := range ov.Region {
		j := (i + 1) % len(ov.Region)
		line(out, ov.Region[i], ov.Region[j], RegionColor, 2)
	}
	for _, box := range ov.Boxes {
		rect(out, box.Rect, box.Color, 2)
		if box.Label != "" {
			label(out, image.Pt(box.Rect.Min.X, box.Rect.Min.Y-3), box.Label)
		}
	}
	face := basicfont.Face7x13
	lineHeight := face.Metrics().Height.Ceil() + 2
	for i, text := range ov.Header {
		label(out, image.Pt(b.Min.X+6, b.Min.Y+6+lineHeight*(i+1)), text)
	}
	return out
}

// Encode JPEG-encodes img at the given quality.
func Encode(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(img.Bounds().Dx() * img.Bounds().Dy() / 4)
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// label draws text with its baseline at p on a translucent background.
func label(dst *image.RGBA, p image.Point, text string) {
	face := basicfont.Face7x13
	d := &font.Drawer{Dst: dst, Src: image.NewUniform(TextColor), Face: face}
	width := d.MeasureString(text).Ceil()
	m := face.Metrics()

	if p.Y-m.Ascent.Ceil() < dst.Bounds().Min.Y {
		p.Y = dst.Bounds().Min.Y + m.Ascent.Ceil()
	}
	bg := image.Rect(p.X-1, p.Y-m.Ascent.Ceil()-1, p.X+width+1, p.Y+m.Descent.Ceil()+1)
	draw.Draw(dst, bg.Intersect(dst.Bounds()), image.NewUniform(TextBackground), image.Point{}, draw.Over)

	d.Dot = fixed.P(p.X, p.Y)
	d.DrawString(text)
}

func rect(dst *image.RGBA, r image.Rectangle, c color.RGBA, thickness int) {
	for t := 0; t < thickness; t++ {
		rr := r.Inset(t)
		if rr.Empty() {
			return
		}
		hline(dst, rr.Min.X, rr.Max.X-1, rr.Min.Y, c)
		hline(dst, rr.Min.X, rr.Max.X-1, rr.Max.Y-1, c)
		vline(dst, rr.Min.X, rr.Min.Y, rr.Max.Y-1, c)
		vline(dst, rr.Max.X-1, rr.Min.Y, rr.Max.Y-1, c)
	}
}

func hline(dst *image.RGBA, x0, x1, y int, c color.RGBA) {
	for x := x0; x <= x1; x++ {
		set(dst, x, y, c)
	}
}

func vline(dst *image.RGBA, x, y0, y1 int, c color.RGBA) {
	for y := y0; y <= y1; y++ {
		set(dst, x, y, c)
	}
}

// line draws a Bresenham line of the given thickness.
func line(dst *image.RGBA, a, b image.Point, c color.RGBA, thickness int) {
	dx, dy := abs(b.X-a.X), -abs(b.Y-a.Y)
	sx, sy := sign(b.X-a.X), sign(b.Y-a.Y)
	e := dx + dy
	x, y := a.X, a.Y
	for {
		for t := 0; t < thickness; t++ {
			set(dst, x+t, y, c)
			set(dst, x, y+t, c)
		}
		if x == b.X && y == b.Y {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x += sx
		}
		if e2 <= dx {
			e += dx
			y += sy
		}
	}
}

func set(dst *image.RGBA, x, y int, c color.RGBA) {
	if image.Pt(x, y).In(dst.Bounds()) {
		dst.SetRGBA(x, y, c)
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func sign(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}
