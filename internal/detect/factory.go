package detect

import (
	"fmt"
	"log/slog"

	"github.com/banshee-data/roadwatch/internal/config"
)

// FromConfig builds the detector selected in the configuration.
func FromConfig(cfg config.DetectorConfig, logger *slog.Logger) (Detector, error) {
	switch cfg.GetKind() {
	case config.DetectorMotion:
		return NewMotion(MotionOptions{DiffLevel: cfg.DiffLevel, MinAreaPx: cfg.MinAreaPx}), nil
	case config.DetectorSubprocess:
		return NewSubprocess(SubprocessOptions{
			Command: cfg.Command,
			Timeout: cfg.GetTimeout(),
			Logger:  logger,
		}), nil
	}
	return nil, fmt.Errorf("unknown detector kind %q", cfg.Kind)
}
