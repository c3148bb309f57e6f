// Package detect provides the detection capability: given a frame, return
// bounding boxes with confidences. The model behind it is opaque to the
// worker; two implementations are provided, an in-process motion detector
// and an external model process.
package detect

import (
	"context"
	"errors"
	"image"

	"gonum.org/v1/gonum/spatial/r2"
)

// ErrDetection wraps any failure of the detection capability. The worker
// treats it as "no detections this frame".
var ErrDetection = errors.New("detection failed")

// Detection is one bounding box in pixel coordinates. X and Y are the
// top-left corner.
type Detection struct {
	X          float64 `msgpack:"x" json:"x"`
	Y          float64 `msgpack:"y" json:"y"`
	W          float64 `msgpack:"w" json:"w"`
	H          float64 `msgpack:"h" json:"h"`
	Confidence float64 `msgpack:"confidence" json:"confidence"`
	Label      string  `msgpack:"label,omitempty" json:"label,omitempty"`
}

// Anchor returns the bottom-centre of the box: the point where the vehicle
// meets the road. Region membership and speed are measured on this point.
func (d Detection) Anchor() r2.Vec {
	return r2.Vec{X: d.X + d.W/2, Y: d.Y + d.H}
}

// Rect returns the box as an integer rectangle.
func (d Detection) Rect() image.Rectangle {
	return image.Rect(int(d.X), int(d.Y), int(d.X+d.W), int(d.Y+d.H))
}

// Detector finds vehicles in a frame.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]Detection, error)
	Close() error
}

// Func adapts a function to the Detector interface.
type Func func(ctx context.Context, img image.Image) ([]Detection, error)

// Detect calls f.
func (f Func) Detect(ctx context.Context, img image.Image) ([]Detection, error) {
	return f(ctx, img)
}

// Close is a no-op.
func (Func) Close() error { return nil }
