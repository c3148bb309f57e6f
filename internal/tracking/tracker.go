package tracking

import (
	"time"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/banshee-data/roadwatch/internal/calibration"
	"github.com/banshee-data/roadwatch/internal/config"
	"github.com/banshee-data/roadwatch/internal/detect"
)

// TrackState represents the lifecycle state of a track.
type TrackState string

const (
	TrackTentative TrackState = "tentative" // New track, needs confirmation
	TrackConfirmed TrackState = "confirmed" // Counted as a vehicle
	TrackDeleted   TrackState = "deleted"   // Dropped after too many misses
)

// Config holds the tracker parameters for one road.
type Config struct {
	MaxMatchDistancePx  float64 // Association gate in pixels
	MaxMisses           int     // Consecutive misses a track survives
	HitsToConfirm       int     // Hits needed before a track counts as a vehicle
	MaxHistory          int     // Position history bound per track
	MinObservations     int     // In-region samples needed for a speed
	MaxObservations     int     // In-region samples after which the speed is final
	ConfidenceThreshold float64 // Minimum confidence to start a track
	SpeedWindow         time.Duration
}

// ConfigFromTuning builds a Config from the loaded tuning section and the
// road's confidence threshold.
func ConfigFromTuning(cfg *config.TuningConfig, threshold float64) Config {
	return Config{
		MaxMatchDistancePx:  cfg.GetMaxMatchDistancePx(),
		MaxMisses:           cfg.GetMaxMisses(),
		HitsToConfirm:       cfg.GetHitsToConfirm(),
		MaxHistory:          cfg.GetMaxHistory(),
		MinObservations:     cfg.GetMinObservations(),
		MaxObservations:     cfg.GetMaxObservations(),
		ConfidenceThreshold: threshold,
		SpeedWindow:         cfg.GetSpeedWindow(),
	}
}

// TrackPoint is one observed anchor position.
type TrackPoint struct {
	Pos       r2.Vec
	Timestamp time.Time
}

// Track is a single vehicle followed across frames.
type Track struct {
	ID        int
	State     TrackState
	Box       detect.Detection // most recent matched box
	History   []TrackPoint     // bounded by Config.MaxHistory
	Hits      int
	Misses    int
	FirstSeen time.Time
	LastSeen  time.Time
	InRegion  bool
	Speed     float64 // m/s, latest estimate; 0 until enough samples
	Finalized bool

	// in-region samples of the current pass, bounded by MaxObservations
	samples []TrackPoint
}

// HasSpeed reports whether the track carries a speed estimate.
func (t *Track) HasSpeed() bool {
	return t.Speed > 0
}

// Summary is the per-frame aggregate for the road.
type Summary struct {
	VehicleCount  int     // confirmed tracks currently in the region
	AverageSpeed  float64 // mean finalized speed in the window, m/s
	P85Speed      float64 // 85th percentile of the same window, m/s
	WindowSamples int     // finalized speeds in the window
	TotalVehicles int     // speeds finalized since the tracker started
}

// Tracker associates detections with tracks and measures speeds.
type Tracker struct {
	cfg    Config
	cal    *calibration.Calibration
	tracks []*Track
	nextID int
	window *SpeedWindow
	total  int
}

// NewTracker returns a tracker for one calibrated road.
func NewTracker(cfg Config, cal *calibration.Calibration) *Tracker {
	return &Tracker{
		cfg:    cfg,
		cal:    cal,
		nextID: 1,
		window: NewSpeedWindow(cfg.SpeedWindow),
	}
}

// Update processes one frame of detections taken at ts and returns the
// speeds finalized during this frame.
func (t *Tracker) Update(dets []detect.Detection, ts time.Time) []float64 {
	var finalized []float64
	record := func(tr *Track) {
		if v, ok := t.finalize(tr, ts); ok {
			finalized = append(finalized, v)
		}
	}

	assign := t.associate(dets)
	matched := make([]bool, len(t.tracks))

	for di, ti := range assign {
		if ti < 0 {
			continue
		}
		tr := t.tracks[ti]
		matched[ti] = true
		t.observe(tr, dets[di], ts, record)
	}

	// Unmatched tracks accumulate misses; a track that disappears while in
	// the region is treated as having left it.
	for i, tr := range t.tracks {
		if matched[i] {
			continue
		}
		tr.Misses++
		if tr.Misses > t.cfg.MaxMisses {
			if tr.InRegion {
				record(tr)
			}
			tr.State = TrackDeleted
		}
	}

	// Unmatched detections above threshold start new tracks.
	for di, ti := range assign {
		if ti >= 0 || dets[di].Confidence < t.cfg.ConfidenceThreshold {
			continue
		}
		tr := &Track{
			ID:        t.nextID,
			State:     TrackTentative,
			FirstSeen: ts,
		}
		t.nextID++
		t.observe(tr, dets[di], ts, record)
		t.tracks = append(t.tracks, tr)
	}

	t.cleanupDeletedTracks()
	t.window.Prune(ts)
	return finalized
}

// associate returns, for each detection, the index of its track or -1.
func (t *Tracker) associate(dets []detect.Detection) []int {
	assign := make([]int, len(dets))
	for i := range assign {
		assign[i] = -1
	}
	if len(dets) == 0 || len(t.tracks) == 0 {
		return assign
	}

	cost := make([][]float64, len(dets))
	for di, d := range dets {
		cost[di] = make([]float64, len(t.tracks))
		anchor := d.Anchor()
		for ti, tr := range t.tracks {
			dist := r2.Norm(r2.Sub(anchor, predict(tr)))
			if dist > t.cfg.MaxMatchDistancePx {
				cost[di][ti] = Forbidden
			} else {
				cost[di][ti] = dist
			}
		}
	}
	return HungarianAssign(cost)
}

// predict extrapolates the last step of the track by one frame.
func predict(tr *Track) r2.Vec {
	n := len(tr.History)
	if n == 0 {
		return tr.Box.Anchor()
	}
	last := tr.History[n-1].Pos
	if n < 2 || tr.Misses > 0 {
		return last
	}
	return r2.Add(last, r2.Sub(last, tr.History[n-2].Pos))
}

func (t *Tracker) observe(tr *Track, d detect.Detection, ts time.Time, record func(*Track)) {
	pt := TrackPoint{Pos: d.Anchor(), Timestamp: ts}
	tr.Box = d
	tr.LastSeen = ts
	tr.Hits++
	tr.Misses = 0
	if tr.State == TrackTentative && tr.Hits >= t.cfg.HitsToConfirm {
		tr.State = TrackConfirmed
	}

	tr.History = append(tr.History, pt)
	if max := t.cfg.MaxHistory; max > 0 && len(tr.History) > max {
		tr.History = append(tr.History[:0], tr.History[len(tr.History)-max:]...)
	}

	inside := t.cal.Contains(pt.Pos)
	switch {
	case inside:
		tr.InRegion = true
		if tr.Finalized {
			return
		}
		tr.samples = append(tr.samples, pt)
		if v, ok := t.estimate(tr.samples); ok && len(tr.samples) >= t.cfg.MinObservations {
			tr.Speed = v
		}
		if len(tr.samples) >= t.cfg.MaxObservations {
			record(tr)
			if !tr.Finalized && len(tr.samples) > t.cfg.MaxObservations {
				tr.samples = append(tr.samples[:0], tr.samples[1:]...)
			}
		}
	case tr.InRegion:
		// Left the region: close this pass.
		tr.InRegion = false
		record(tr)
		tr.samples = nil
	}
}

// estimate returns |last - first| × scale / Δt over the samples.
func (t *Tracker) estimate(samples []TrackPoint) (float64, bool) {
	if len(samples) < 2 {
		return 0, false
	}
	first, last := samples[0], samples[len(samples)-1]
	dt := last.Timestamp.Sub(first.Timestamp).Seconds()
	if dt <= 0 {
		return 0, false
	}
	return t.cal.Distance(first.Pos, last.Pos) / dt, true
}

// finalize fixes the track's speed and adds it to the window. A track
// finalizes at most once.
func (t *Tracker) finalize(tr *Track, now time.Time) (float64, bool) {
	if tr.Finalized || tr.State != TrackConfirmed || len(tr.samples) < t.cfg.MinObservations {
		return 0, false
	}
	v, ok := t.estimate(tr.samples)
	if !ok {
		return 0, false
	}
	tr.Finalized = true
	tr.Speed = v
	tr.samples = nil
	t.window.Add(now, v)
	t.total++
	return v, true
}

func (t *Tracker) cleanupDeletedTracks() {
	kept := t.tracks[:0]
	for _, tr := range t.tracks {
		if tr.State != TrackDeleted {
			kept = append(kept, tr)
		}
	}
	for i := len(kept); i < len(t.tracks); i++ {
		t.tracks[i] = nil
	}
	t.tracks = kept
}

// Tracks returns the live tracks. The slice is owned by the tracker and
// valid until the next Update.
func (t *Tracker) Tracks() []*Track {
	return t.tracks
}

// Summary returns the current aggregate.
func (t *Tracker) Summary() Summary {
	count := 0
	for _, tr := range t.tracks {
		if tr.State == TrackConfirmed && tr.InRegion {
			count++
		}
	}
	return Summary{
		VehicleCount:  count,
		AverageSpeed:  t.window.Mean(),
		P85Speed:      t.window.Quantile(0.85),
		WindowSamples: t.window.Len(),
		TotalVehicles: t.total,
	}
}

// Reset drops all tracks but keeps the speed window, for use when the
// source restarts and positions jump.
func (t *Tracker) Reset() {
	t.tracks = nil
}
