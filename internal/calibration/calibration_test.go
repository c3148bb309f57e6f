package calibration

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func square() []Point {
	return []Point{{X: 0, Y: 0}, {X: 100, Y: 0}, {X: 100, Y: 100}, {X: 0, Y: 100}}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name   string
		points []Point
		scale  float64
	}{
		{"too few points", []Point{{X: 0, Y: 0}, {X: 1, Y: 1}}, 0.1},
		{"collinear", []Point{{X: 0, Y: 0}, {X: 1, Y: 1}, {X: 2, Y: 2}}, 0.1},
		{"repeated vertex", []Point{{X: 5, Y: 5}, {X: 5, Y: 5}, {X: 5, Y: 5}}, 0.1},
		{"zero scale", square(), 0},
		{"negative scale", square(), -1},
		{"NaN scale", square(), math.NaN()},
		{"infinite vertex", []Point{{X: 0, Y: 0}, {X: math.Inf(1), Y: 0}, {X: 0, Y: 1}}, 0.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.points, tt.scale)
			assert.Nil(t, c)
			assert.True(t, errors.Is(err, ErrInvalidCalibration), "got %v", err)
		})
	}
}

func TestNew_CopiesInput(t *testing.T) {
	pts := square()
	c, err := New(pts, 0.1)
	require.NoError(t, err)

	pts[0] = Point{X: -50, Y: -50}
	assert.False(t, c.Contains(Point{X: -10, Y: -10}))

	out := c.Points()
	out[1] = Point{X: 1000, Y: 0}
	assert.Equal(t, Point{X: 100, Y: 0}, c.Points()[1])
}

func TestArea(t *testing.T) {
	c, err := New(square(), 0.1)
	require.NoError(t, err)
	assert.InDelta(t, 10000, c.Area(), 1e-9)

	// Clockwise winding gives the same absolute area.
	cw := []Point{{X: 0, Y: 0}, {X: 0, Y: 100}, {X: 100, Y: 100}, {X: 100, Y: 0}}
	c2, err := New(cw, 0.1)
	require.NoError(t, err)
	assert.InDelta(t, 10000, c2.Area(), 1e-9)
}

func TestContains(t *testing.T) {
	// Trapezoid similar to a perspective road region.
	c, err := FromPairs([][2]float64{{50, 400}, {50, 265}, {370, 130}, {540, 130}, {490, 400}}, 0.1)
	require.NoError(t, err)

	tests := []struct {
		name string
		p    Point
		want bool
	}{
		{"centre", Point{X: 300, Y: 300}, true},
		{"far left", Point{X: 10, Y: 300}, false},
		{"above", Point{X: 400, Y: 100}, false},
		{"vertex", Point{X: 50, Y: 400}, true},
		{"bottom edge", Point{X: 200, Y: 400}, true},
		{"outside slanted edge", Point{X: 60, Y: 140}, false},
		{"below", Point{X: 300, Y: 401}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Contains(tt.p))
		})
	}
}

func TestContains_Concave(t *testing.T) {
	// U shape: the notch between the arms is outside.
	c, err := New([]Point{
		{X: 0, Y: 0}, {X: 30, Y: 0}, {X: 30, Y: 100}, {X: 70, Y: 100},
		{X: 70, Y: 0}, {X: 100, Y: 0}, {X: 100, Y: 130}, {X: 0, Y: 130},
	}, 1)
	require.NoError(t, err)

	assert.True(t, c.Contains(Point{X: 15, Y: 50}))
	assert.True(t, c.Contains(Point{X: 85, Y: 50}))
	assert.False(t, c.Contains(Point{X: 50, Y: 50}))
	assert.True(t, c.Contains(Point{X: 50, Y: 120}))
}

func TestDistance(t *testing.T) {
	c, err := New(square(), 0.1)
	require.NoError(t, err)

	assert.InDelta(t, 4.0, c.Distance(Point{X: 0, Y: 0}, Point{X: 40, Y: 0}), 1e-12)
	assert.InDelta(t, 0.5, c.Distance(Point{X: 0, Y: 0}, Point{X: 3, Y: 4}), 1e-12)
	assert.Equal(t, 0.1, c.DistancePerPixel())

	min, max := c.Bounds()
	assert.Equal(t, Point{X: 0, Y: 0}, min)
	assert.Equal(t, Point{X: 100, Y: 100}, max)
}
