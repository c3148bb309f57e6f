// Package config loads the static road list and the tuning knobs shared by
// every worker. The file is read once at startup; there is no hot reload.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/roadwatch/internal/calibration"
	"github.com/banshee-data/roadwatch/internal/units"
)

// End-of-file policies for finite sources.
const (
	OnEndLoop = "loop"
	OnEndStop = "stop"
)

// Restart policies for crashed workers.
const (
	RestartNever   = "never"
	RestartOnCrash = "on-crash"
)

// Detector kinds.
const (
	DetectorMotion     = "motion"
	DetectorSubprocess = "subprocess"
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Road describes one monitored stream.
type Road struct {
	Name                         string      `json:"road_name" yaml:"road_name"`
	SourceLocator                string      `json:"source_locator" yaml:"source_locator"`
	RegionPolygon                [][]float64 `json:"region_polygon" yaml:"region_polygon"`
	DistancePerPixel             float64     `json:"distance_per_pixel" yaml:"distance_per_pixel"`
	DetectionConfidenceThreshold *float64    `json:"detection_confidence_threshold,omitempty" yaml:"detection_confidence_threshold,omitempty"`
	OnEnd                        string      `json:"on_end,omitempty" yaml:"on_end,omitempty"`
	StaleAfter                   *string     `json:"stale_after,omitempty" yaml:"stale_after,omitempty"`
	MaxFPS                       float64     `json:"max_fps,omitempty" yaml:"max_fps,omitempty"`
}

// DetectorConfig selects and parameterises the detection capability.
type DetectorConfig struct {
	Kind      string   `json:"kind,omitempty" yaml:"kind,omitempty"`
	Command   []string `json:"command,omitempty" yaml:"command,omitempty"`
	Timeout   *string  `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MinAreaPx int      `json:"min_area_px,omitempty" yaml:"min_area_px,omitempty"`
	DiffLevel int      `json:"diff_level,omitempty" yaml:"diff_level,omitempty"`
}

// RestartConfig controls supervision of crashed workers.
type RestartConfig struct {
	Policy      string  `json:"policy,omitempty" yaml:"policy,omitempty"`
	Delay       *string `json:"delay,omitempty" yaml:"delay,omitempty"`
	MaxRestarts *int    `json:"max_restarts,omitempty" yaml:"max_restarts,omitempty"`
}

// Config is the root of the configuration file.
type Config struct {
	Roads         []Road         `json:"roads" yaml:"roads"`
	Tuning        *TuningConfig  `json:"tuning,omitempty" yaml:"tuning,omitempty"`
	Detector      DetectorConfig `json:"detector,omitempty" yaml:"detector,omitempty"`
	Restart       RestartConfig  `json:"restart,omitempty" yaml:"restart,omitempty"`
	ShutdownGrace *string        `json:"shutdown_grace,omitempty" yaml:"shutdown_grace,omitempty"`
	SpeedUnits    string         `json:"speed_units,omitempty" yaml:"speed_units,omitempty"`
}

// Load reads a configuration file. The format is chosen by extension:
// .json, or .yaml/.yml.
func Load(path string) (*Config, error) {
	return load(path, true)
}

// LoadSettings is Load for a file that only carries shared settings
// (tuning, detector, restart). An empty road list is accepted; roads then
// come from the road registry.
func LoadSettings(path string) (*Config, error) {
	return load(path, false)
}

func load(path string, requireRoads bool) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	format := "yaml"
	if ext == ".json" {
		format = "json"
	}
	return parse(data, format, requireRoads)
}

// Parse decodes and validates configuration bytes in the given format
// ("json" or "yaml"). Unknown fields are rejected.
func Parse(data []byte, format string) (*Config, error) {
	return parse(data, format, true)
}

func parse(data []byte, format string, requireRoads bool) (*Config, error) {
	cfg := &Config{}
	switch format {
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	case "yaml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown config format %q", format)
	}

	validate := cfg.Validate
	if !requireRoads {
		validate = cfg.validateSettings
	}
	if err := validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks structural validity. Calibration geometry is checked
// per road by calibration.New so that one bad road does not prevent the
// others from starting.
func (c *Config) Validate() error {
	if len(c.Roads) == 0 {
		return fmt.Errorf("at least one road must be configured")
	}
	return c.validateSettings()
}

// validateSettings is Validate without the non-empty road list check.
func (c *Config) validateSettings() error {
	seen := make(map[string]bool, len(c.Roads))
	for i, r := range c.Roads {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("roads[%d]: %w", i, err)
		}
		if seen[r.Name] {
			return fmt.Errorf("roads[%d]: duplicate road_name %q", i, r.Name)
		}
		seen[r.Name] = true
	}
	if err := c.Tuning.Validate(); err != nil {
		return fmt.Errorf("tuning: %w", err)
	}
	if err := c.Detector.Validate(); err != nil {
		return fmt.Errorf("detector: %w", err)
	}
	if err := c.Restart.Validate(); err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	if err := validatePositiveDuration("shutdown_grace", c.ShutdownGrace); err != nil {
		return err
	}
	if c.SpeedUnits != "" && !units.IsValid(c.SpeedUnits) {
		return fmt.Errorf("speed_units must be one of %s, got %q", units.ValidUnitsString(), c.SpeedUnits)
	}
	return nil
}

// Validate checks a single road entry.
func (r *Road) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("road_name is required")
	}
	if strings.ContainsAny(r.Name, "/\\") {
		return fmt.Errorf("road_name %q must not contain path separators", r.Name)
	}
	if strings.TrimSpace(r.SourceLocator) == "" {
		return fmt.Errorf("road %q: source_locator is required", r.Name)
	}
	for i, p := range r.RegionPolygon {
		if len(p) != 2 {
			return fmt.Errorf("road %q: region_polygon[%d] must be an [x, y] pair", r.Name, i)
		}
	}
	if r.DetectionConfidenceThreshold != nil {
		if th := *r.DetectionConfidenceThreshold; th <= 0 || th > 1 {
			return fmt.Errorf("road %q: detection_confidence_threshold must be in (0, 1], got %f", r.Name, th)
		}
	}
	switch r.OnEnd {
	case "", OnEndLoop, OnEndStop:
	default:
		return fmt.Errorf("road %q: on_end must be %q or %q, got %q", r.Name, OnEndLoop, OnEndStop, r.OnEnd)
	}
	if err := validatePositiveDuration("stale_after", r.StaleAfter); err != nil {
		return fmt.Errorf("road %q: %w", r.Name, err)
	}
	if r.MaxFPS < 0 {
		return fmt.Errorf("road %q: max_fps must be non-negative", r.Name)
	}
	return nil
}

// Calibration builds and validates the road's calibration.
func (r *Road) Calibration() (*calibration.Calibration, error) {
	pairs := make([][2]float64, 0, len(r.RegionPolygon))
	for i, p := range r.RegionPolygon {
		if len(p) != 2 {
			return nil, fmt.Errorf("%w: region_polygon[%d] is not an [x, y] pair", calibration.ErrInvalidCalibration, i)
		}
		pairs = append(pairs, [2]float64{p[0], p[1]})
	}
	return calibration.FromPairs(pairs, r.DistancePerPixel)
}

// GetConfidenceThreshold returns the minimum confidence for a detection to
// start a new track.
func (r *Road) GetConfidenceThreshold() float64 {
	if r.DetectionConfidenceThreshold == nil {
		return 0.5
	}
	return *r.DetectionConfidenceThreshold
}

// GetOnEnd returns the end-of-file policy, defaulting to loop.
func (r *Road) GetOnEnd() string {
	if r.OnEnd == "" {
		return OnEndLoop
	}
	return r.OnEnd
}

// GetStaleAfter returns the age after which published metrics are stale.
func (r *Road) GetStaleAfter() time.Duration {
	return durationOr(r.StaleAfter, 5*time.Second)
}

// Validate checks the detector section.
func (d *DetectorConfig) Validate() error {
	switch d.Kind {
	case "", DetectorMotion:
	case DetectorSubprocess:
		if len(d.Command) == 0 {
			return fmt.Errorf("command is required for the subprocess detector")
		}
	default:
		return fmt.Errorf("unknown detector kind %q", d.Kind)
	}
	if d.MinAreaPx < 0 || d.DiffLevel < 0 || d.DiffLevel > 255 {
		return fmt.Errorf("min_area_px and diff_level must be non-negative, diff_level at most 255")
	}
	return validatePositiveDuration("timeout", d.Timeout)
}

// GetKind returns the detector kind, defaulting to motion.
func (d *DetectorConfig) GetKind() string {
	if d.Kind == "" {
		return DetectorMotion
	}
	return d.Kind
}

// GetTimeout bounds a single subprocess detection call.
func (d *DetectorConfig) GetTimeout() time.Duration {
	return durationOr(d.Timeout, 2*time.Second)
}

// Validate checks the restart section.
func (r *RestartConfig) Validate() error {
	switch r.Policy {
	case "", RestartNever, RestartOnCrash:
	default:
		return fmt.Errorf("policy must be %q or %q, got %q", RestartNever, RestartOnCrash, r.Policy)
	}
	if r.MaxRestarts != nil && *r.MaxRestarts < 0 {
		return fmt.Errorf("max_restarts must be non-negative")
	}
	return validatePositiveDuration("delay", r.Delay)
}

// GetPolicy returns the restart policy, defaulting to never.
func (r *RestartConfig) GetPolicy() string {
	if r.Policy == "" {
		return RestartNever
	}
	return r.Policy
}

// GetMaxRestarts returns how many times a crashed worker is respawned.
func (r *RestartConfig) GetMaxRestarts() int {
	if r.MaxRestarts == nil {
		return 5
	}
	return *r.MaxRestarts
}

// GetDelay returns the pause before a crashed worker is respawned.
func (r *RestartConfig) GetDelay() time.Duration {
	return durationOr(r.Delay, 2*time.Second)
}

// GetShutdownGrace returns how long workers get to stop before being killed.
func (c *Config) GetShutdownGrace() time.Duration {
	return durationOr(c.ShutdownGrace, 5*time.Second)
}

// GetSpeedUnits returns the display units, defaulting to metres per second.
func (c *Config) GetSpeedUnits() string {
	if c.SpeedUnits == "" {
		return units.MPS
	}
	return c.SpeedUnits
}

// RoadNames returns the configured road names in file order.
func (c *Config) RoadNames() []string {
	names := make([]string, len(c.Roads))
	for i, r := range c.Roads {
		names[i] = r.Name
	}
	return names
}

// FindRoad returns the road with the given name.
func (c *Config) FindRoad(name string) (Road, bool) {
	for _, r := range c.Roads {
		if r.Name == name {
			return r, true
		}
	}
	return Road{}, false
}

// Clone returns a deep copy of c.
func (c *Config) Clone() (*Config, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to copy configuration: %w", err)
	}
	out := &Config{}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("failed to copy configuration: %w", err)
	}
	return out, nil
}

// ForRoad returns a copy of c holding only the named road. Shared settings
// are kept; this is what a single worker needs to run.
func (c *Config) ForRoad(name string) (*Config, bool) {
	r, ok := c.FindRoad(name)
	if !ok {
		return nil, false
	}
	out := *c
	out.Roads = []Road{r}
	return &out, true
}
