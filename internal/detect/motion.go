package detect

import (
	"context"
	"image"
	"image/color"
)

// MotionOptions tunes the motion detector.
type MotionOptions struct {
	// DiffLevel is the grey-level difference from the background that marks
	// a pixel as moving.
	DiffLevel int
	// MinAreaPx drops blobs with fewer moving pixels.
	MinAreaPx int
	// Alpha is the background learning rate in (0, 1].
	Alpha float64
	// Step samples every Step-th pixel in each direction.
	Step int
}

func (o MotionOptions) withDefaults() MotionOptions {
	if o.DiffLevel <= 0 {
		o.DiffLevel = 30
	}
	if o.MinAreaPx <= 0 {
		o.MinAreaPx = 400
	}
	if o.Alpha <= 0 || o.Alpha > 1 {
		o.Alpha = 0.05
	}
	if o.Step <= 0 {
		o.Step = 1
	}
	return o
}

// Motion is a background-subtraction detector. Each moving blob becomes one
// detection; confidence is how densely the blob fills its box.
type Motion struct {
	opts       MotionOptions
	background []float64
	bounds     image.Rectangle
}

// NewMotion returns a motion detector.
func NewMotion(opts MotionOptions) *Motion {
	return &Motion{opts: opts.withDefaults()}
}

// Detect compares img with the learned background. The first frame (and
// any frame whose size differs from the previous one) only seeds the
// background.
func (m *Motion) Detect(ctx context.Context, img image.Image) ([]Detection, error) {
	b := img.Bounds()
	step := m.opts.Step
	gw, gh := (b.Dx()+step-1)/step, (b.Dy()+step-1)/step

	grey := sampleLuma(img, step, gw, gh)

	if m.background == nil || m.bounds != b {
		m.background = grey
		m.bounds = b
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	level := float64(m.opts.DiffLevel)
	mask := make([]bool, len(grey))
	for i, g := range grey {
		d := g - m.background[i]
		if d < 0 {
			d = -d
		}
		if d >= level {
			mask[i] = true
		} else {
			m.background[i] += m.opts.Alpha * (g - m.background[i])
		}
	}

	minArea := m.opts.MinAreaPx / (step * step)
	if minArea < 1 {
		minArea = 1
	}
	var dets []Detection
	for _, blob := range components(mask, gw, gh) {
		if blob.count < minArea {
			continue
		}
		w := blob.maxX - blob.minX + 1
		h := blob.maxY - blob.minY + 1
		fill := float64(blob.count) / float64(w*h)
		dets = append(dets, Detection{
			X:          float64(b.Min.X + blob.minX*step),
			Y:          float64(b.Min.Y + blob.minY*step),
			W:          float64(w * step),
			H:          float64(h * step),
			Confidence: 0.5 + fill/2,
			Label:      "motion",
		})
	}
	return dets, nil
}

// sampleLuma reads every step-th pixel's luma into a gw*gh grid. RGBA and
// YCbCr frames are read straight from their pixel buffers.
func sampleLuma(img image.Image, step, gw, gh int) []float64 {
	b := img.Bounds()
	grey := make([]float64, gw*gh)
	switch src := img.(type) {
	case *image.YCbCr:
		for gy := 0; gy < gh; gy++ {
			for gx := 0; gx < gw; gx++ {
				grey[gy*gw+gx] = float64(src.Y[src.YOffset(b.Min.X+gx*step, b.Min.Y+gy*step)])
			}
		}
	case *image.RGBA:
		for gy := 0; gy < gh; gy++ {
			for gx := 0; gx < gw; gx++ {
				i := src.PixOffset(b.Min.X+gx*step, b.Min.Y+gy*step)
				grey[gy*gw+gx] = float64(rgbLuma(src.Pix[i], src.Pix[i+1], src.Pix[i+2]))
			}
		}
	default:
		for gy := 0; gy < gh; gy++ {
			for gx := 0; gx < gw; gx++ {
				c := color.GrayModel.Convert(img.At(b.Min.X+gx*step, b.Min.Y+gy*step)).(color.Gray)
				grey[gy*gw+gx] = float64(c.Y)
			}
		}
	}
	return grey
}

// rgbLuma matches color.GrayModel for 8-bit channels.
func rgbLuma(r, g, b uint8) uint8 {
	r16, g16, b16 := uint32(r)*0x101, uint32(g)*0x101, uint32(b)*0x101
	return uint8((19595*r16 + 38470*g16 + 7471*b16 + 1<<15) >> 24)
}

// Close is a no-op.
func (m *Motion) Close() error { return nil }

type blob struct {
	minX, minY, maxX, maxY int
	count                  int
}

// components labels 4-connected regions of the mask.
func components(mask []bool, w, h int) []blob {
	seen := make([]bool, len(mask))
	var blobs []blob
	var stack []int
	for start := range mask {
		if !mask[start] || seen[start] {
			continue
		}
		bl := blob{minX: w, minY: h, maxX: -1, maxY: -1}
		stack = append(stack[:0], start)
		seen[start] = true
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := i%w, i/w
			bl.count++
			bl.minX, bl.maxX = min(bl.minX, x), max(bl.maxX, x)
			bl.minY, bl.maxY = min(bl.minY, y), max(bl.maxY, y)

			for _, n := range [4][2]int{{x - 1, y}, {x + 1, y}, {x, y - 1}, {x, y + 1}} {
				nx, ny := n[0], n[1]
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				j := ny*w + nx
				if mask[j] && !seen[j] {
					seen[j] = true
					stack = append(stack, j)
				}
			}
		}
		blobs = append(blobs, bl)
	}
	return blobs
}
