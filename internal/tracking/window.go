package tracking

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

type speedSample struct {
	at    time.Time
	speed float64
}

// SpeedWindow keeps finalized speeds for a rolling time window.
type SpeedWindow struct {
	span    time.Duration
	samples []speedSample
}

// NewSpeedWindow returns a window covering span.
func NewSpeedWindow(span time.Duration) *SpeedWindow {
	return &SpeedWindow{span: span}
}

// Add records a finalized speed observed at t. Samples are expected in
// non-decreasing time order.
func (w *SpeedWindow) Add(t time.Time, speed float64) {
	w.samples = append(w.samples, speedSample{at: t, speed: speed})
}

// Prune drops samples older than the window relative to now.
func (w *SpeedWindow) Prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.samples) && w.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.samples = append(w.samples[:0], w.samples[i:]...)
	}
}

// Len returns the number of samples currently in the window.
func (w *SpeedWindow) Len() int { return len(w.samples) }

// Mean returns the mean speed in the window, or 0 when empty.
func (w *SpeedWindow) Mean() float64 {
	if len(w.samples) == 0 {
		return 0
	}
	return stat.Mean(w.values(), nil)
}

// Quantile returns the p-quantile (0..1) of speeds in the window, or 0
// when empty.
func (w *SpeedWindow) Quantile(p float64) float64 {
	if len(w.samples) == 0 {
		return 0
	}
	vals := w.values()
	sort.Float64s(vals)
	return stat.Quantile(p, stat.Empirical, vals, nil)
}

func (w *SpeedWindow) values() []float64 {
	vals := make([]float64, len(w.samples))
	for i, s := range w.samples {
		vals[i] = s.speed
	}
	return vals
}
