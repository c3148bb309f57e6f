package config

import (
	"fmt"
	"time"
)

// TuningConfig holds the optional per-deployment knobs for the worker loop.
// Every field is a pointer so partial files are safe; the Get* methods
// supply the defaults.
type TuningConfig struct {
	// Tracker params
	MaxMatchDistancePx *float64 `json:"max_match_distance_px,omitempty" yaml:"max_match_distance_px,omitempty"`
	MaxMisses          *int     `json:"max_misses,omitempty" yaml:"max_misses,omitempty"`
	HitsToConfirm      *int     `json:"hits_to_confirm,omitempty" yaml:"hits_to_confirm,omitempty"`
	MaxHistory         *int     `json:"max_history,omitempty" yaml:"max_history,omitempty"`

	// Speed estimation params
	MinObservations *int    `json:"min_observations,omitempty" yaml:"min_observations,omitempty"`
	MaxObservations *int    `json:"max_observations,omitempty" yaml:"max_observations,omitempty"`
	SpeedWindow     *string `json:"speed_window,omitempty" yaml:"speed_window,omitempty"` // duration string like "60s"

	// Source and retry params
	FrameTimeout     *string `json:"frame_timeout,omitempty" yaml:"frame_timeout,omitempty"`
	RetryInitial     *string `json:"retry_initial,omitempty" yaml:"retry_initial,omitempty"`
	RetryMaxInterval *string `json:"retry_max_interval,omitempty" yaml:"retry_max_interval,omitempty"`
	MaxRetries       *int    `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`

	// Output params
	JPEGQuality *int `json:"jpeg_quality,omitempty" yaml:"jpeg_quality,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// DefaultTuningConfig returns a TuningConfig with every field populated
// with its default value.
func DefaultTuningConfig() *TuningConfig {
	return &TuningConfig{
		MaxMatchDistancePx: ptrFloat64(80),
		MaxMisses:          ptrInt(5),
		HitsToConfirm:      ptrInt(2),
		MaxHistory:         ptrInt(64),
		MinObservations:    ptrInt(5),
		MaxObservations:    ptrInt(30),
		SpeedWindow:        ptrString("60s"),
		FrameTimeout:       ptrString("5s"),
		RetryInitial:       ptrString("500ms"),
		RetryMaxInterval:   ptrString("10s"),
		MaxRetries:         ptrInt(6),
		JPEGQuality:        ptrInt(75),
	}
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c == nil {
		return nil
	}
	if c.MaxMatchDistancePx != nil && *c.MaxMatchDistancePx <= 0 {
		return fmt.Errorf("max_match_distance_px must be positive, got %f", *c.MaxMatchDistancePx)
	}
	if c.MaxMisses != nil && *c.MaxMisses < 0 {
		return fmt.Errorf("max_misses must be non-negative, got %d", *c.MaxMisses)
	}
	if c.HitsToConfirm != nil && *c.HitsToConfirm < 1 {
		return fmt.Errorf("hits_to_confirm must be at least 1, got %d", *c.HitsToConfirm)
	}
	if c.MinObservations != nil && *c.MinObservations < 2 {
		return fmt.Errorf("min_observations must be at least 2, got %d", *c.MinObservations)
	}
	if c.GetMaxObservations() < c.GetMinObservations() {
		return fmt.Errorf("max_observations (%d) must be >= min_observations (%d)", c.GetMaxObservations(), c.GetMinObservations())
	}
	if c.GetMaxHistory() < c.GetMaxObservations() {
		return fmt.Errorf("max_history (%d) must be >= max_observations (%d)", c.GetMaxHistory(), c.GetMaxObservations())
	}
	if c.MaxRetries != nil && *c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative, got %d", *c.MaxRetries)
	}
	if c.JPEGQuality != nil && (*c.JPEGQuality < 1 || *c.JPEGQuality > 100) {
		return fmt.Errorf("jpeg_quality must be between 1 and 100, got %d", *c.JPEGQuality)
	}
	for name, v := range map[string]*string{
		"speed_window":       c.SpeedWindow,
		"frame_timeout":      c.FrameTimeout,
		"retry_initial":      c.RetryInitial,
		"retry_max_interval": c.RetryMaxInterval,
	} {
		if err := validatePositiveDuration(name, v); err != nil {
			return err
		}
	}
	return nil
}

func validatePositiveDuration(name string, v *string) error {
	if v == nil || *v == "" {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %s", name, *v)
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetMaxMatchDistancePx returns the association gate in pixels.
func (c *TuningConfig) GetMaxMatchDistancePx() float64 {
	if c == nil || c.MaxMatchDistancePx == nil {
		return 80
	}
	return *c.MaxMatchDistancePx
}

// GetMaxMisses returns the number of consecutive misses a track survives.
func (c *TuningConfig) GetMaxMisses() int {
	if c == nil || c.MaxMisses == nil {
		return 5
	}
	return *c.MaxMisses
}

// GetHitsToConfirm returns the hits needed before a track is counted.
func (c *TuningConfig) GetHitsToConfirm() int {
	if c == nil || c.HitsToConfirm == nil {
		return 2
	}
	return *c.HitsToConfirm
}

// GetMaxHistory returns the per-track position history bound.
func (c *TuningConfig) GetMaxHistory() int {
	if c == nil || c.MaxHistory == nil {
		return 64
	}
	return *c.MaxHistory
}

// GetMinObservations returns the in-region samples needed for a speed.
func (c *TuningConfig) GetMinObservations() int {
	if c == nil || c.MinObservations == nil {
		return 5
	}
	return *c.MinObservations
}

// GetMaxObservations returns the in-region samples after which a speed is
// finalized even if the track is still in the region.
func (c *TuningConfig) GetMaxObservations() int {
	if c == nil || c.MaxObservations == nil {
		return 30
	}
	return *c.MaxObservations
}

// GetSpeedWindow returns the rolling window for the average speed.
func (c *TuningConfig) GetSpeedWindow() time.Duration {
	if c == nil {
		return 60 * time.Second
	}
	return durationOr(c.SpeedWindow, 60*time.Second)
}

// GetFrameTimeout returns how long a single frame read may block.
func (c *TuningConfig) GetFrameTimeout() time.Duration {
	if c == nil {
		return 5 * time.Second
	}
	return durationOr(c.FrameTimeout, 5*time.Second)
}

// GetRetryInitial returns the first back-off interval after a source failure.
func (c *TuningConfig) GetRetryInitial() time.Duration {
	if c == nil {
		return 500 * time.Millisecond
	}
	return durationOr(c.RetryInitial, 500*time.Millisecond)
}

// GetRetryMaxInterval caps the back-off interval.
func (c *TuningConfig) GetRetryMaxInterval() time.Duration {
	if c == nil {
		return 10 * time.Second
	}
	return durationOr(c.RetryMaxInterval, 10*time.Second)
}

// GetMaxRetries returns the consecutive source failures tolerated before
// the worker gives up.
func (c *TuningConfig) GetMaxRetries() int {
	if c == nil || c.MaxRetries == nil {
		return 6
	}
	return *c.MaxRetries
}

// GetJPEGQuality returns the encoder quality for published frames.
func (c *TuningConfig) GetJPEGQuality() int {
	if c == nil || c.JPEGQuality == nil {
		return 75
	}
	return *c.JPEGQuality
}
