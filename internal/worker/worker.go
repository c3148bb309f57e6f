// Package worker runs the per-road analysis loop: read a frame, detect,
// track, measure, render and publish.
package worker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/banshee-data/roadwatch/internal/calibration"
	"github.com/banshee-data/roadwatch/internal/config"
	"github.com/banshee-data/roadwatch/internal/detect"
	"github.com/banshee-data/roadwatch/internal/render"
	"github.com/banshee-data/roadwatch/internal/source"
	"github.com/banshee-data/roadwatch/internal/store"
	"github.com/banshee-data/roadwatch/internal/timeutil"
	"github.com/banshee-data/roadwatch/internal/tracking"
	"github.com/banshee-data/roadwatch/internal/units"
)

// Status is the health of a road's worker.
type Status string

const (
	StatusStarting Status = "Starting"
	StatusRunning  Status = "Running"
	StatusDegraded Status = "Degraded"
	StatusStopped  Status = "Stopped"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusStarting, StatusRunning, StatusDegraded, StatusStopped}

// StatusStrings returns Statuses as plain strings.
func StatusStrings() []string {
	out := make([]string, len(Statuses))
	for i, s := range Statuses {
		out[i] = string(s)
	}
	return out
}

var (
	// ErrRetriesExhausted means the source stayed unavailable for more than
	// the configured number of consecutive attempts.
	ErrRetriesExhausted = errors.New("source retry budget exhausted")
	// ErrUnknownRoad means the worker was asked to run a road that is not
	// in the configuration.
	ErrUnknownRoad = errors.New("road not configured")
	// ErrSuperseded is returned by a Sink once the receiving side no longer
	// accepts this worker, typically because a newer worker owns the road.
	ErrSuperseded = errors.New("worker superseded")
)

// Reasons reported with a clean Stopped status.
const (
	ReasonStopRequested = "stop requested"
	ReasonSourceEnded   = "source ended"
)

// RequestedStop reports whether a Stopped reason describes a clean,
// expected stop rather than a failure.
func RequestedStop(reason string) bool {
	return reason == ReasonStopRequested || reason == ReasonSourceEnded
}

// Process exit codes of a worker.
const (
	ExitOK                 = 0
	ExitCrashed            = 1
	ExitRetriesExhausted   = 2
	ExitInvalidCalibration = 3
)

// ExitCode maps the error returned by Run to a process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrRetriesExhausted):
		return ExitRetriesExhausted
	case errors.Is(err, calibration.ErrInvalidCalibration), errors.Is(err, ErrUnknownRoad):
		return ExitInvalidCalibration
	}
	return ExitCrashed
}

// Terminal reports whether an exit code means the road must not be
// restarted.
func Terminal(code int) bool {
	return code == ExitRetriesExhausted || code == ExitInvalidCalibration
}

// Stats are cumulative counters since the worker started.
type Stats struct {
	Frames         uint64
	BadFrames      uint64
	DetectorErrors uint64
	Publishes      uint64
}

// Update is one publish: the annotated frame plus the metrics computed with
// it. Speeds are in metres per second.
type Update struct {
	Frame   store.Frame
	Metrics store.Metrics
	Stats   Stats
}

// Report is a status change.
type Report struct {
	Status Status
	Reason string
	Stats  Stats
}

// Sink receives a worker's output. In process isolation it is the IPC
// client; in tests it is usually an in-memory fake.
type Sink interface {
	Publish(ctx context.Context, u Update) error
	ReportStatus(ctx context.Context, r Report) error
}

// Config contains everything a worker needs for one road.
type Config struct {
	Road        config.Road
	Calibration *calibration.Calibration
	Tuning      *config.TuningConfig
	SpeedUnits  string // used for frame labels only
	Source      source.Source
	Detector    detect.Detector
	Sink        Sink
	Clock       timeutil.Clock
	Logger      *slog.Logger
	// BackOff overrides the retry schedule built from Tuning.
	BackOff backoff.BackOff
}

// Worker owns one road's source, detector and tracker. Run is not safe to
// call more than once.
type Worker struct {
	road     config.Road
	cal      *calibration.Calibration
	tuning   *config.TuningConfig
	units    string
	src      source.Source
	detector detect.Detector
	sink     Sink
	clock    timeutil.Clock
	logger   *slog.Logger
	backoff  backoff.BackOff

	tracker *tracking.Tracker
	region  []image.Point
	status  Status
	stats   Stats
}

// New validates cfg and returns a worker ready to Run.
func New(cfg Config) (*Worker, error) {
	if cfg.Calibration == nil {
		return nil, fmt.Errorf("%w: road %q has no calibration", calibration.ErrInvalidCalibration, cfg.Road.Name)
	}
	if cfg.Source == nil || cfg.Detector == nil || cfg.Sink == nil {
		return nil, errors.New("worker requires a source, a detector and a sink")
	}
	clock := timeutil.OrReal(cfg.Clock)
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bo := cfg.BackOff
	if bo == nil {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = cfg.Tuning.GetRetryInitial()
		eb.MaxInterval = cfg.Tuning.GetRetryMaxInterval()
		eb.MaxElapsedTime = 0 // the retry count bounds the budget
		eb.Clock = clock
		eb.Reset()
		bo = eb
	}

	w := &Worker{
		road:     cfg.Road,
		cal:      cfg.Calibration,
		tuning:   cfg.Tuning,
		units:    cfg.SpeedUnits,
		src:      cfg.Source,
		detector: cfg.Detector,
		sink:     cfg.Sink,
		clock:    clock,
		logger:   logger,
		backoff:  bo,
		tracker:  tracking.NewTracker(tracking.ConfigFromTuning(cfg.Tuning, cfg.Road.GetConfidenceThreshold()), cfg.Calibration),
		status:   StatusStarting,
	}
	for _, p := range cfg.Calibration.Points() {
		w.region = append(w.region, image.Pt(int(math.Round(p.X)), int(math.Round(p.Y))))
	}
	return w, nil
}

// Stats returns the counters so far. Not safe to call concurrently with Run.
func (w *Worker) Stats() Stats {
	return w.stats
}

// Run processes frames until ctx is cancelled, the source ends with the
// stop policy, or the source stays unavailable past the retry budget. It
// closes the source and the detector before returning.
//
// A nil error means the worker stopped normally.
func (w *Worker) Run(ctx context.Context) error {
	defer func() {
		if err := w.src.Close(); err != nil {
			w.logger.Debug("source close failed", "error", err)
		}
		if err := w.detector.Close(); err != nil {
			w.logger.Debug("detector close failed", "error", err)
		}
	}()

	maxRetries := w.tuning.GetMaxRetries()
	failures := 0
	w.logger.Info("worker started", "source", w.road.SourceLocator, "on_end", w.road.GetOnEnd())

	for {
		if ctx.Err() != nil {
			return w.stop(ReasonStopRequested)
		}

		frame, err := w.src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return w.stop(ReasonStopRequested)
			}
			switch {
			case errors.Is(err, source.ErrBadFrame):
				w.stats.BadFrames++
				w.logger.Warn("skipping bad frame", "error", err)
				continue

			case errors.Is(err, source.ErrEndOfStream):
				if w.road.GetOnEnd() == config.OnEndStop {
					w.logger.Info("source ended")
					return w.stop(ReasonSourceEnded)
				}
				rerr := w.src.Rewind()
				if rerr == nil {
					w.logger.Info("source ended, looping")
					w.tracker.Reset()
					continue
				}
				err = fmt.Errorf("%w: rewind: %v", source.ErrSourceUnavailable, rerr)
			}

			failures++
			if failures >= maxRetries {
				w.logger.Error("source unavailable, giving up", "attempts", failures, "error", err)
				w.report(ctx, StatusStopped, fmt.Sprintf("source unavailable after %d attempts: %v", failures, err))
				return fmt.Errorf("%w: %v", ErrRetriesExhausted, err)
			}
			if w.status != StatusDegraded {
				w.report(ctx, StatusDegraded, err.Error())
			}
			wait := w.backoff.NextBackOff()
			w.logger.Warn("source unavailable, retrying", "attempt", failures, "retry_in", wait, "error", err)
			if !timeutil.Wait(w.clock, wait, ctx.Done()) {
				return w.stop(ReasonStopRequested)
			}
			continue
		}

		if failures > 0 || w.status != StatusRunning {
			failures = 0
			w.backoff.Reset()
			w.report(ctx, StatusRunning, "")
		}

		if err := w.step(ctx, frame); err != nil {
			if errors.Is(err, ErrSuperseded) {
				w.logger.Warn("worker superseded, exiting")
				return err
			}
			if ctx.Err() != nil {
				return w.stop(ReasonStopRequested)
			}
			w.stats.BadFrames++
			w.logger.Warn("frame processing failed", "frame", frame.Index, "error", err)
		}
	}
}

func (w *Worker) stop(reason string) error {
	// The loop context may already be cancelled; the final report gets its
	// own short deadline.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	w.report(ctx, StatusStopped, reason)
	return nil
}

func (w *Worker) report(ctx context.Context, status Status, reason string) {
	w.status = status
	if err := w.sink.ReportStatus(ctx, Report{Status: status, Reason: reason, Stats: w.stats}); err != nil {
		w.logger.Warn("status report failed", "status", status, "error", err)
	}
}

// step handles one frame. A panic is recovered and reported as an error so
// the loop survives it.
func (w *Worker) step(ctx context.Context, frame source.Frame) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", source.ErrBadFrame, r)
		}
	}()

	dets, derr := w.detector.Detect(ctx, frame.Image)
	if derr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.stats.DetectorErrors++
		w.logger.Warn("detection failed, treating frame as empty", "error", derr)
		dets = nil
	}

	ts := frame.Timestamp
	if ts.IsZero() {
		ts = w.clock.Now()
	}
	for _, speed := range w.tracker.Update(dets, ts) {
		w.logger.Debug("vehicle measured", "speed_mps", speed)
	}
	sum := w.tracker.Summary()

	img := render.Draw(frame.Image, w.overlay(dets, ts, sum))
	jpeg, err := render.Encode(img, w.tuning.GetJPEGQuality())
	if err != nil {
		return err
	}
	w.stats.Frames++

	u := Update{
		Frame: store.Frame{JPEG: jpeg, Timestamp: ts},
		Metrics: store.Metrics{
			VehicleCount:  sum.VehicleCount,
			AverageSpeed:  sum.AverageSpeed,
			P85Speed:      sum.P85Speed,
			TotalVehicles: sum.TotalVehicles,
			UpdatedAt:     w.clock.Now(),
		},
	}
	u.Stats = w.stats
	u.Stats.Publishes++
	if err := w.sink.Publish(ctx, u); err != nil {
		if errors.Is(err, ErrSuperseded) {
			return err
		}
		w.logger.Warn("publish failed", "error", err)
		return nil
	}
	w.stats.Publishes++
	return nil
}

func (w *Worker) overlay(dets []detect.Detection, ts time.Time, sum tracking.Summary) render.Overlay {
	ov := render.Overlay{Region: w.region}
	for _, d := range dets {
		ov.Boxes = append(ov.Boxes, render.Box{Rect: d.Rect(), Color: render.DetectionColor})
	}
	label := units.Label(w.units)
	for _, tr := range w.tracker.Tracks() {
		if tr.State != tracking.TrackConfirmed || !tr.LastSeen.Equal(ts) {
			continue
		}
		box := render.Box{Rect: tr.Box.Rect(), Color: render.OutsideColor, Label: fmt.Sprintf("#%d", tr.ID)}
		if tr.InRegion {
			box.Color = render.TrackColor
		}
		if tr.HasSpeed() {
			box.Label += fmt.Sprintf(" %.1f %s", units.ConvertSpeed(tr.Speed, w.units), label)
		}
		ov.Boxes = append(ov.Boxes, box)
	}
	ov.Header = []string{
		fmt.Sprintf("%s  vehicles: %d  total: %d", w.road.Name, sum.VehicleCount, sum.TotalVehicles),
		fmt.Sprintf("avg %.1f  p85 %.1f %s",
			units.ConvertSpeed(sum.AverageSpeed, w.units), units.ConvertSpeed(sum.P85Speed, w.units), label),
	}
	return ov
}
