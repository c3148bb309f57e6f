package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/banshee-data/roadwatch/internal/config"
	"github.com/banshee-data/roadwatch/internal/detect"
	"github.com/banshee-data/roadwatch/internal/monitoring"
	"github.com/banshee-data/roadwatch/internal/source"
	"github.com/banshee-data/roadwatch/internal/timeutil"
)

// Factory builds the per-road dependencies. Zero fields fall back to
// source.Open and detect.FromConfig.
type Factory struct {
	OpenSource  func(road config.Road, opts source.Options) (source.Source, error)
	NewDetector func(cfg config.DetectorConfig, logger *slog.Logger) (detect.Detector, error)
	Clock       timeutil.Clock
}

func (f Factory) openSource(road config.Road, opts source.Options) (source.Source, error) {
	if f.OpenSource != nil {
		return f.OpenSource(road, opts)
	}
	return source.Open(road.SourceLocator, opts)
}

func (f Factory) newDetector(cfg config.DetectorConfig, logger *slog.Logger) (detect.Detector, error) {
	if f.NewDetector != nil {
		return f.NewDetector(cfg, logger)
	}
	return detect.FromConfig(cfg, logger)
}

// RunRoad looks up road in cfg, builds its worker and runs it until ctx is
// done. Configuration problems are reported to the sink as Stopped before
// returning, so the caller only has to map the error to an exit code.
func RunRoad(ctx context.Context, cfg *config.Config, road string, sink Sink, logger *slog.Logger, f Factory) error {
	logger = monitoring.ForRoad(logger, road)

	fail := func(err error) error {
		_ = sink.ReportStatus(ctx, Report{Status: StatusStopped, Reason: err.Error()})
		logger.Error("worker cannot start", "error", err)
		return err
	}

	rc, ok := cfg.FindRoad(road)
	if !ok {
		return fail(fmt.Errorf("%w: %q", ErrUnknownRoad, road))
	}
	cal, err := rc.Calibration()
	if err != nil {
		return fail(err)
	}

	src, err := f.openSource(rc, source.Options{
		MaxFPS:       rc.MaxFPS,
		FrameTimeout: cfg.Tuning.GetFrameTimeout(),
		Clock:        f.Clock,
		Logger:       logger,
	})
	if err != nil {
		return fail(fmt.Errorf("%w: %v", source.ErrSourceUnavailable, err))
	}
	det, err := f.newDetector(cfg.Detector, logger)
	if err != nil {
		_ = src.Close()
		return fail(err)
	}

	w, err := New(Config{
		Road:        rc,
		Calibration: cal,
		Tuning:      cfg.Tuning,
		SpeedUnits:  cfg.GetSpeedUnits(),
		Source:      src,
		Detector:    det,
		Sink:        sink,
		Clock:       f.Clock,
		Logger:      logger,
	})
	if err != nil {
		_ = src.Close()
		_ = det.Close()
		return fail(err)
	}
	return w.Run(ctx)
}
