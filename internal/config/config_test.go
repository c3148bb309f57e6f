package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/roadwatch/internal/calibration"
)

const sampleYAML = `
roads:
  - road_name: van-quan
    source_locator: ./video/van-quan.mp4
    region_polygon: [[50, 400], [50, 265], [370, 130], [540, 130], [490, 400]]
    distance_per_pixel: 0.1
    detection_confidence_threshold: 0.6
    on_end: stop
    stale_after: 3s
  - road_name: nguyen-trai
    source_locator: rtsp://camera-2/stream
    region_polygon: [[0, 0], [640, 0], [640, 480], [0, 480]]
    distance_per_pixel: 0.05
tuning:
  max_misses: 3
detector:
  kind: motion
  min_area_px: 300
restart:
  policy: on-crash
  delay: 1s
  max_restarts: 2
shutdown_grace: 4s
speed_units: kph
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoad_YAML(t *testing.T) {
	cfg, err := Load(writeFile(t, "roads.yaml", sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if diff := cmp.Diff([]string{"van-quan", "nguyen-trai"}, cfg.RoadNames()); diff != "" {
		t.Errorf("RoadNames mismatch (-want +got):\n%s", diff)
	}

	vq, ok := cfg.FindRoad("van-quan")
	if !ok {
		t.Fatal("FindRoad(van-quan) not found")
	}
	if vq.GetConfidenceThreshold() != 0.6 {
		t.Errorf("threshold = %v, want 0.6", vq.GetConfidenceThreshold())
	}
	if vq.GetOnEnd() != OnEndStop {
		t.Errorf("on_end = %q, want stop", vq.GetOnEnd())
	}
	if vq.GetStaleAfter() != 3*time.Second {
		t.Errorf("stale_after = %v, want 3s", vq.GetStaleAfter())
	}

	nt, _ := cfg.FindRoad("nguyen-trai")
	if nt.GetOnEnd() != OnEndLoop || nt.GetStaleAfter() != 5*time.Second || nt.GetConfidenceThreshold() != 0.5 {
		t.Errorf("defaults not applied: on_end=%q stale=%v threshold=%v", nt.GetOnEnd(), nt.GetStaleAfter(), nt.GetConfidenceThreshold())
	}

	if cfg.Tuning.GetMaxMisses() != 3 || cfg.Tuning.GetHitsToConfirm() != 2 {
		t.Errorf("tuning merge wrong: misses=%d hits=%d", cfg.Tuning.GetMaxMisses(), cfg.Tuning.GetHitsToConfirm())
	}
	if cfg.Restart.GetPolicy() != RestartOnCrash || cfg.Restart.GetDelay() != time.Second || cfg.Restart.GetMaxRestarts() != 2 {
		t.Errorf("restart = %+v", cfg.Restart)
	}
	if cfg.GetShutdownGrace() != 4*time.Second {
		t.Errorf("shutdown_grace = %v", cfg.GetShutdownGrace())
	}
	if cfg.GetSpeedUnits() != "kph" {
		t.Errorf("speed_units = %q", cfg.GetSpeedUnits())
	}

	cal, err := vq.Calibration()
	if err != nil {
		t.Fatalf("Calibration: %v", err)
	}
	if !cal.Contains(calibration.Point{X: 300, Y: 300}) {
		t.Error("calibration should contain the road centre")
	}
}

func TestLoad_JSON(t *testing.T) {
	content := `{
  "roads": [
    {"road_name": "a", "source_locator": "a.mp4", "region_polygon": [[0,0],[10,0],[10,10]], "distance_per_pixel": 0.2}
  ]
}`
	cfg, err := Load(writeFile(t, "roads.json", content))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Roads) != 1 || cfg.Roads[0].DistancePerPixel != 0.2 {
		t.Errorf("unexpected roads: %+v", cfg.Roads)
	}
	if cfg.GetSpeedUnits() != "mps" || cfg.Detector.GetKind() != DetectorMotion || cfg.Restart.GetPolicy() != RestartNever || cfg.Restart.GetMaxRestarts() != 5 {
		t.Errorf("defaults not applied")
	}
}

func TestLoad_Errors(t *testing.T) {
	road := `{"road_name": "a", "source_locator": "a.mp4", "region_polygon": [[0,0],[10,0],[10,10]], "distance_per_pixel": 0.2}`
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{"extension", "roads.toml", "", "extension"},
		{"no roads", "roads.json", `{"roads": []}`, "at least one road"},
		{"duplicate names", "roads.json", `{"roads": [` + road + `,` + road + `]}`, "duplicate road_name"},
		{"unknown field", "roads.json", `{"roads": [` + road + `], "colour": "red"}`, "unknown field"},
		{"unknown yaml field", "roads.yaml", "roads: []\nbogus: 1\n", "bogus"},
		{"missing locator", "roads.json", `{"roads": [{"road_name": "a"}]}`, "source_locator"},
		{"bad threshold", "roads.json", `{"roads": [{"road_name": "a", "source_locator": "x", "detection_confidence_threshold": 1.5}]}`, "detection_confidence_threshold"},
		{"bad on_end", "roads.json", `{"roads": [{"road_name": "a", "source_locator": "x", "on_end": "rewind"}]}`, "on_end"},
		{"bad pair", "roads.json", `{"roads": [{"road_name": "a", "source_locator": "x", "region_polygon": [[1,2,3]]}]}`, "region_polygon[0]"},
		{"slash in name", "roads.json", `{"roads": [{"road_name": "a/b", "source_locator": "x"}]}`, "path separators"},
		{"subprocess without command", "roads.json", `{"roads": [` + road + `], "detector": {"kind": "subprocess"}}`, "command"},
		{"bad units", "roads.json", `{"roads": [` + road + `], "speed_units": "knots"}`, "speed_units"},
		{"bad restart", "roads.json", `{"roads": [` + road + `], "restart": {"policy": "always"}}`, "policy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.file, tt.content))
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_TooLarge(t *testing.T) {
	big := strings.Repeat(" ", maxFileSize+1)
	if _, err := Load(writeFile(t, "big.json", big)); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected size error, got %v", err)
	}
}

func TestRoad_InvalidCalibrationIsNotALoadError(t *testing.T) {
	// A degenerate polygon loads fine; only the calibration step rejects it.
	content := `{"roads": [{"road_name": "flat", "source_locator": "x", "region_polygon": [[0,0],[1,1],[2,2]], "distance_per_pixel": 0.1}]}`
	cfg, err := Parse([]byte(content), "json")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := cfg.Roads[0].Calibration(); !errors.Is(err, calibration.ErrInvalidCalibration) {
		t.Errorf("Calibration() error = %v, want ErrInvalidCalibration", err)
	}
}

func TestLoadSettings(t *testing.T) {
	const settingsOnly = `
tuning:
  max_retries: 4
restart:
  policy: on-crash
speed_units: mph
`
	path := writeFile(t, "settings.yaml", settingsOnly)

	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted a file without roads")
	}
	cfg, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if len(cfg.Roads) != 0 {
		t.Errorf("roads = %v, want none", cfg.RoadNames())
	}
	if got := cfg.Tuning.GetMaxRetries(); got != 4 {
		t.Errorf("max_retries = %d, want 4", got)
	}
	if got := cfg.Restart.GetPolicy(); got != RestartOnCrash {
		t.Errorf("policy = %q, want %q", got, RestartOnCrash)
	}

	bad := writeFile(t, "bad.yaml", "speed_units: furlongs\n")
	if _, err := LoadSettings(bad); err == nil {
		t.Error("LoadSettings accepted invalid speed_units")
	}
}

func TestConfig_ForRoad(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML), "yaml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	one, ok := cfg.ForRoad("nguyen-trai")
	if !ok {
		t.Fatal("ForRoad did not find nguyen-trai")
	}
	if got := one.RoadNames(); !cmp.Equal(got, []string{"nguyen-trai"}) {
		t.Errorf("road names = %v, want [nguyen-trai]", got)
	}
	if one.GetSpeedUnits() != "kph" || one.Tuning.GetMaxMisses() != 3 {
		t.Errorf("shared settings not kept: %+v", one)
	}
	if len(cfg.Roads) != 2 {
		t.Errorf("ForRoad modified the original: %v", cfg.RoadNames())
	}

	if _, ok := cfg.ForRoad("nowhere"); ok {
		t.Error("ForRoad found an unconfigured road")
	}
}

func TestConfig_Clone(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML), "yaml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	clone, err := cfg.Clone()
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if diff := cmp.Diff(cfg, clone); diff != "" {
		t.Errorf("Clone mismatch (-want +got):\n%s", diff)
	}

	cfg.Roads[0].RegionPolygon[0][0] = 999
	*cfg.Tuning.MaxMisses = 42
	if clone.Roads[0].RegionPolygon[0][0] == 999 || clone.Tuning.GetMaxMisses() == 42 {
		t.Error("Clone shares memory with the original")
	}
}
