package main

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/roadwatch/internal/monitoring"
	"github.com/banshee-data/roadwatch/internal/orchestrator"
	"github.com/banshee-data/roadwatch/internal/worker"
)

const testConfig = `
roads:
  - road_name: van-quan
    source_locator: ./video/van-quan.mp4
    region_polygon: [[50, 400], [50, 265], [370, 130], [540, 130], [490, 400]]
    distance_per_pixel: 0.1
  - road_name: nguyen-trai
    source_locator: rtsp://camera-2/stream
    region_polygon: [[0, 0], [640, 0], [640, 480], [0, 480]]
    distance_per_pixel: 0.05
speed_units: kph
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roads.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig_File(t *testing.T) {
	cfg, registry, err := loadConfig(writeConfig(t, testConfig), "")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if registry != nil {
		t.Error("registry opened without -db")
	}
	if got := strings.Join(cfg.RoadNames(), ","); got != "van-quan,nguyen-trai" {
		t.Errorf("roads = %s", got)
	}

	if _, _, err := loadConfig("", ""); err == nil {
		t.Error("expected error without -config or -db")
	}
}

func TestRoadsImportThenServeFromRegistry(t *testing.T) {
	configPath := writeConfig(t, testConfig)
	dbPath := filepath.Join(t.TempDir(), "roads.db")

	var out bytes.Buffer
	if code := runRoads([]string{"import", "-config", configPath, "-db", dbPath}, &out); code != 0 {
		t.Fatalf("import exit %d: %s", code, out.String())
	}
	if !strings.Contains(out.String(), "Imported 2 roads") {
		t.Errorf("import output = %q", out.String())
	}

	out.Reset()
	if code := runRoads([]string{"disable", "-db", dbPath, "nguyen-trai"}, &out); code != 0 {
		t.Fatalf("disable exit %d: %s", code, out.String())
	}

	out.Reset()
	if code := runRoads([]string{"list", "-db", dbPath}, &out); code != 0 {
		t.Fatalf("list exit %d: %s", code, out.String())
	}
	listing := out.String()
	for _, want := range []string{"ROAD", "van-quan", "nguyen-trai", "false"} {
		if !strings.Contains(listing, want) {
			t.Errorf("list output missing %q:\n%s", want, listing)
		}
	}

	// Settings come from the file, roads from the registry.
	settings := writeConfig(t, "speed_units: mph\n")
	cfg, registry, err := loadConfig(settings, dbPath)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	defer registry.Close()
	if got := strings.Join(cfg.RoadNames(), ","); got != "van-quan" {
		t.Errorf("roads = %s, want only the enabled road", got)
	}
	if cfg.GetSpeedUnits() != "mph" {
		t.Errorf("speed units = %q, want mph", cfg.GetSpeedUnits())
	}
}

func TestRunRoads_Errors(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "roads.db")
	tests := []struct {
		name string
		args []string
	}{
		{"no action", nil},
		{"unknown action", []string{"rename", "-db", dbPath}},
		{"import without config", []string{"import", "-db", dbPath}},
		{"remove without name", []string{"remove", "-db", dbPath}},
		{"remove unknown road", []string{"remove", "-db", dbPath, "nowhere"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			if code := runRoads(tt.args, &out); code == 0 {
				t.Errorf("exit 0, want failure; output %q", out.String())
			}
		})
	}
}

func TestNewLauncher(t *testing.T) {
	l, err := newLauncher(isolationProcess, "debug", nil)
	if err != nil {
		t.Fatalf("newLauncher: %v", err)
	}
	pl, ok := l.(*orchestrator.ProcessLauncher)
	if !ok {
		t.Fatalf("launcher = %T, want *orchestrator.ProcessLauncher", l)
	}
	args := strings.Join(pl.Args(orchestrator.LaunchSpec{Road: "van-quan", Token: "t", SocketPath: "/tmp/s"}), " ")
	if want := "worker -road van-quan -socket /tmp/s -token t -log-level debug"; args != want {
		t.Errorf("args = %q, want %q", args, want)
	}

	if l, err := newLauncher(isolationGoroutine, "info", nil); err != nil {
		t.Errorf("goroutine launcher: %v", err)
	} else if _, ok := l.(*orchestrator.InProcessLauncher); !ok {
		t.Errorf("launcher = %T, want *orchestrator.InProcessLauncher", l)
	}

	if _, err := newLauncher("container", "info", nil); err == nil {
		t.Error("expected error for unknown isolation")
	}
}

// mainProcess runs workerMain on a goroutine as if it were a child.
type mainProcess struct {
	cancel context.CancelFunc
	done   chan struct{}
	code   int
}

func startWorkerMain(args []string) *mainProcess {
	ctx, cancel := context.WithCancel(context.Background())
	p := &mainProcess{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		p.code = workerMain(ctx, args, io.Discard, worker.Factory{})
	}()
	return p
}

func (p *mainProcess) Wait() int   { <-p.done; return p.code }
func (p *mainProcess) Stop() error { p.cancel(); return nil }
func (p *mainProcess) Kill() error { p.cancel(); return nil }

type crashedProcess struct{}

func (crashedProcess) Wait() int   { return worker.ExitCrashed }
func (crashedProcess) Stop() error { return nil }
func (crashedProcess) Kill() error { return nil }

// respawnLauncher crashes the first incarnation and runs the worker
// command for every later one. before runs ahead of each respawn.
type respawnLauncher struct {
	mu       sync.Mutex
	launches int
	before   func()
}

func (l *respawnLauncher) Launch(_ context.Context, spec orchestrator.LaunchSpec) (orchestrator.Process, error) {
	l.mu.Lock()
	l.launches++
	first := l.launches == 1
	l.mu.Unlock()
	if first {
		l.before()
		return crashedProcess{}, nil
	}
	pl := &orchestrator.ProcessLauncher{}
	return startWorkerMain(pl.Args(spec)[1:]), nil
}

func writeFrames(t *testing.T, n int) string {
	t.Helper()
	dir := t.TempDir()
	for i := 0; i < n; i++ {
		img := image.NewRGBA(image.Rect(0, 0, 64, 48))
		f, err := os.Create(filepath.Join(dir, fmt.Sprintf("frame-%03d.png", i)))
		if err != nil {
			t.Fatalf("create frame: %v", err)
		}
		if err := png.Encode(f, img); err != nil {
			t.Fatalf("encode frame: %v", err)
		}
		f.Close()
	}
	return dir
}

func TestWorker_RespawnKeepsStartupCalibration(t *testing.T) {
	const roadsYAML = `
roads:
  - road_name: a
    source_locator: %s
    region_polygon: %s
    distance_per_pixel: 0.1
    max_fps: 50
restart:
  policy: on-crash
  delay: 10ms
shutdown_grace: 2s
`
	frames := writeFrames(t, 3)
	path := writeConfig(t, fmt.Sprintf(roadsYAML, frames, "[[0, 0], [64, 0], [64, 48], [0, 48]]"))
	cfg, _, err := loadConfig(path, "")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	// The file goes bad while the road is running. The respawned worker
	// must still run with what was loaded at startup.
	l := &respawnLauncher{before: func() {
		degenerate := fmt.Sprintf(roadsYAML, frames, "[[0, 0], [10, 10], [20, 20]]")
		if err := os.WriteFile(path, []byte(degenerate), 0o600); err != nil {
			t.Errorf("rewrite config: %v", err)
		}
	}}
	o, err := orchestrator.New(cfg, orchestrator.Options{Launcher: l, Logger: monitoring.Discard()})
	if err != nil {
		t.Fatalf("orchestrator.New: %v", err)
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	var route orchestrator.Route
	for {
		route, err = o.Lookup("a")
		if err != nil {
			t.Fatalf("Lookup: %v", err)
		}
		if route.Status == worker.StatusRunning && route.Snapshot != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("road never ran after respawn: status %s reason %q", route.Status, route.Reason)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := o.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	route, _ = o.Lookup("a")
	if route.Status != worker.StatusStopped || route.Reason != "shutdown" {
		t.Errorf("after shutdown: status %s reason %q", route.Status, route.Reason)
	}
	if l.launches != 2 {
		t.Errorf("launches = %d, want 2", l.launches)
	}
}

func TestWorkerMain_RequiresFlags(t *testing.T) {
	var stderr bytes.Buffer
	if code := workerMain(context.Background(), []string{"-road", "a"}, &stderr, worker.Factory{}); code != worker.ExitCrashed {
		t.Errorf("exit = %d, want %d", code, worker.ExitCrashed)
	}
	if !strings.Contains(stderr.String(), "-road, -socket and -token are required") {
		t.Errorf("stderr = %q", stderr.String())
	}
}
