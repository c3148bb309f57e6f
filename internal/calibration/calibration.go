// Package calibration maps a camera's pixel space onto the road.
//
// A Calibration is a region-of-interest polygon in pixel coordinates plus a
// single distance-per-pixel scale. Both are fixed once loaded; a stream whose
// calibration fails validation is never started.
package calibration

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

// ErrInvalidCalibration is returned for polygons with fewer than three
// vertices or zero area, and for non-positive scales.
var ErrInvalidCalibration = errors.New("invalid calibration")

// Point is a pixel coordinate.
type Point = r2.Vec

// Calibration is immutable after New returns.
type Calibration struct {
	points           []Point
	distancePerPixel float64
	area             float64
	min, max         Point
}

// New validates the polygon and scale and returns a Calibration.
func New(points []Point, distancePerPixel float64) (*Calibration, error) {
	if len(points) < 3 {
		return nil, fmt.Errorf("%w: region polygon needs at least 3 points, got %d", ErrInvalidCalibration, len(points))
	}
	if math.IsNaN(distancePerPixel) || math.IsInf(distancePerPixel, 0) || distancePerPixel <= 0 {
		return nil, fmt.Errorf("%w: distance_per_pixel must be positive, got %v", ErrInvalidCalibration, distancePerPixel)
	}
	for i, p := range points {
		if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
			return nil, fmt.Errorf("%w: vertex %d is not finite", ErrInvalidCalibration, i)
		}
	}

	area := math.Abs(shoelace(points))
	if area == 0 {
		return nil, fmt.Errorf("%w: region polygon is degenerate (zero area)", ErrInvalidCalibration)
	}

	pts := make([]Point, len(points))
	copy(pts, points)
	c := &Calibration{
		points:           pts,
		distancePerPixel: distancePerPixel,
		area:             area,
		min:              pts[0],
		max:              pts[0],
	}
	for _, p := range pts[1:] {
		c.min.X = math.Min(c.min.X, p.X)
		c.min.Y = math.Min(c.min.Y, p.Y)
		c.max.X = math.Max(c.max.X, p.X)
		c.max.Y = math.Max(c.max.Y, p.Y)
	}
	return c, nil
}

// FromPairs builds a Calibration from [x, y] pairs as they appear in
// configuration files.
func FromPairs(pairs [][2]float64, distancePerPixel float64) (*Calibration, error) {
	points := make([]Point, len(pairs))
	for i, p := range pairs {
		points[i] = Point{X: p[0], Y: p[1]}
	}
	return New(points, distancePerPixel)
}

// shoelace returns the signed area of the polygon.
func shoelace(points []Point) float64 {
	var sum float64
	n := len(points)
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		sum += r2.Cross(points[i], points[j])
	}
	return sum / 2
}

// Contains reports whether p lies inside the region polygon. Points on an
// edge or vertex count as inside.
func (c *Calibration) Contains(p Point) bool {
	if p.X < c.min.X || p.X > c.max.X || p.Y < c.min.Y || p.Y > c.max.Y {
		return false
	}

	inside := false
	n := len(c.points)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := c.points[i], c.points[j]
		if onSegment(p, a, b) {
			return true
		}
		if (a.Y > p.Y) != (b.Y > p.Y) {
			xCross := (b.X-a.X)*(p.Y-a.Y)/(b.Y-a.Y) + a.X
			if p.X < xCross {
				inside = !inside
			}
		}
	}
	return inside
}

func onSegment(p, a, b Point) bool {
	const eps = 1e-9
	if math.Abs(r2.Cross(r2.Sub(b, a), r2.Sub(p, a))) > eps {
		return false
	}
	return p.X >= math.Min(a.X, b.X)-eps && p.X <= math.Max(a.X, b.X)+eps &&
		p.Y >= math.Min(a.Y, b.Y)-eps && p.Y <= math.Max(a.Y, b.Y)+eps
}

// Distance converts the pixel distance between a and b into road distance.
func (c *Calibration) Distance(a, b Point) float64 {
	return r2.Norm(r2.Sub(b, a)) * c.distancePerPixel
}

// DistancePerPixel returns the scale.
func (c *Calibration) DistancePerPixel() float64 { return c.distancePerPixel }

// Area returns the polygon area in square pixels.
func (c *Calibration) Area() float64 { return c.area }

// Points returns a copy of the polygon vertices.
func (c *Calibration) Points() []Point {
	out := make([]Point, len(c.points))
	copy(out, c.points)
	return out
}

// Bounds returns the axis-aligned bounding box of the polygon.
func (c *Calibration) Bounds() (min, max Point) {
	return c.min, c.max
}
