// Package orchestrator starts one worker per configured road, supervises
// it, accepts its output into the shared store and routes lookups by road
// name.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/banshee-data/roadwatch/internal/config"
	"github.com/banshee-data/roadwatch/internal/ipc"
	"github.com/banshee-data/roadwatch/internal/metrics"
	"github.com/banshee-data/roadwatch/internal/monitoring"
	"github.com/banshee-data/roadwatch/internal/store"
	"github.com/banshee-data/roadwatch/internal/timeutil"
	"github.com/banshee-data/roadwatch/internal/worker"
)

var (
	// ErrUnknownRoad is returned by Lookup for a road that is not configured.
	ErrUnknownRoad = errors.New("unknown road")
	// ErrWorkerCrashed is recorded as the reason when a worker exits
	// unexpectedly.
	ErrWorkerCrashed = errors.New("worker crashed")
	// ErrShutdownTimeout is returned by Shutdown for each worker that had
	// to be killed.
	ErrShutdownTimeout = errors.New("worker did not stop within the grace period")
	// ErrStaleIncarnation rejects calls from a worker that no longer owns
	// its road.
	ErrStaleIncarnation = fmt.Errorf("stale incarnation: %w", worker.ErrSuperseded)
)

// Options configures an Orchestrator. Zero values get defaults.
type Options struct {
	Launcher Launcher
	// SocketPath is where the IPC server listens. Defaults to a fresh
	// temporary directory.
	SocketPath string
	Metrics    *metrics.Metrics
	Clock      timeutil.Clock
	Logger     *slog.Logger
}

// Route is the result of looking up a road.
type Route struct {
	Road       string
	Status     worker.Status
	Reason     string
	StaleAfter time.Duration
	Snapshot   *store.Snapshot // nil until the first publish
}

// RoadState is a point-in-time view of one road's supervision state.
type RoadState struct {
	Road     string
	Status   worker.Status
	Reason   string
	Restarts int
	Stats    worker.Stats
	Seq      uint64
}

type handle struct {
	road config.Road

	mu       sync.RWMutex
	status   worker.Status
	reason   string
	token    string
	proc     Process
	restarts int
	stats    worker.Stats
}

func (h *handle) set(status worker.Status, reason string) {
	h.mu.Lock()
	h.status, h.reason = status, reason
	h.mu.Unlock()
}

// Orchestrator is safe for concurrent use once started.
type Orchestrator struct {
	cfg      *config.Config
	store    *store.Store
	handles  map[string]*handle
	order    []string
	launcher Launcher
	metrics  *metrics.Metrics
	clock    timeutil.Clock
	logger   *slog.Logger

	server     *ipc.Server
	socketPath string
	tmpDir     string

	mu       sync.Mutex
	started  bool
	shutdown bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

var _ ipc.Handler = (*Orchestrator)(nil)

// New builds the store and validates every road's calibration. Roads with
// an invalid calibration are marked Stopped and are never started; the
// other roads are unaffected. New keeps its own copy of cfg, so every
// worker incarnation runs with the configuration given here.
func New(cfg *config.Config, opts Options) (*Orchestrator, error) {
	if cfg == nil || len(cfg.Roads) == 0 {
		return nil, errors.New("no roads configured")
	}
	// Workers are handed this copy for the orchestrator's lifetime.
	cfg, err := cfg.Clone()
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	launcher := opts.Launcher
	if launcher == nil {
		launcher = &ProcessLauncher{Logger: logger}
	}

	o := &Orchestrator{
		cfg:        cfg,
		store:      store.New(cfg.RoadNames()),
		handles:    make(map[string]*handle, len(cfg.Roads)),
		order:      cfg.RoadNames(),
		launcher:   launcher,
		metrics:    opts.Metrics,
		clock:      timeutil.OrReal(opts.Clock),
		logger:     logger,
		socketPath: opts.SocketPath,
	}
	o.server = ipc.NewServer(o, logger)

	for _, road := range cfg.Roads {
		h := &handle{road: road, status: worker.StatusStarting}
		if _, err := road.Calibration(); err != nil {
			h.status, h.reason = worker.StatusStopped, err.Error()
			logger.Error("road will not be started", "road", road.Name, "error", err)
		}
		o.handles[road.Name] = h
		o.observeStatus(road.Name, h.status)
	}
	return o, nil
}

// Store returns the shared state store.
func (o *Orchestrator) Store() *store.Store { return o.store }

// SocketPath returns the IPC socket path once started.
func (o *Orchestrator) SocketPath() string { return o.server.Addr() }

// Start opens the IPC socket and launches a supervised worker for every
// road with a valid calibration. Workers outlive ctx; use Shutdown to stop
// them.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return errors.New("orchestrator already started")
	}

	path := o.socketPath
	if path == "" {
		dir, err := os.MkdirTemp("", "roadwatch-")
		if err != nil {
			return fmt.Errorf("failed to create socket directory: %w", err)
		}
		o.tmpDir = dir
		path = filepath.Join(dir, "ipc.sock")
	}
	if err := o.server.Start(path); err != nil {
		return err
	}

	o.ctx, o.cancel = context.WithCancel(context.WithoutCancel(ctx))
	o.started = true
	for _, name := range o.order {
		h := o.handles[name]
		if h.status == worker.StatusStopped {
			continue
		}
		o.wg.Add(1)
		go o.supervise(h, path)
	}
	o.logger.Info("orchestrator started", "roads", len(o.order), "socket", path)
	return nil
}

// supervise runs one road's worker and restarts it per the restart policy.
func (o *Orchestrator) supervise(h *handle, socketPath string) {
	defer o.wg.Done()
	name := h.road.Name
	logger := monitoring.ForRoad(o.logger, name)
	policy := o.cfg.Restart.GetPolicy()

	for {
		token := uuid.NewString()
		h.mu.Lock()
		h.token = token
		h.status, h.reason = worker.StatusStarting, ""
		h.mu.Unlock()
		o.observeStatus(name, worker.StatusStarting)

		code := worker.ExitCrashed
		reason := ""
		proc, err := o.launcher.Launch(o.ctx, LaunchSpec{Road: name, Token: token, SocketPath: socketPath})
		if err != nil {
			reason = fmt.Sprintf("%v: launch: %v", ErrWorkerCrashed, err)
		} else {
			h.mu.Lock()
			h.proc = proc
			h.mu.Unlock()
			if o.ctx.Err() != nil {
				// Shutdown began while launching and may have missed it.
				_ = proc.Stop()
			}
			code = proc.Wait()
		}

		h.mu.Lock()
		h.proc = nil
		h.token = ""
		if reason == "" && code != worker.ExitOK && !worker.Terminal(code) {
			reason = fmt.Sprintf("%v: exit code %d", ErrWorkerCrashed, code)
		}
		if reason == "" {
			// Keep the worker's own explanation.
			reason = h.reason
		}
		if o.ctx.Err() != nil && code == worker.ExitOK {
			reason = "shutdown"
		}
		h.status, h.reason = worker.StatusStopped, reason
		restarts := h.restarts
		h.mu.Unlock()
		o.observeStatus(name, worker.StatusStopped)

		if o.ctx.Err() != nil {
			return
		}
		switch {
		case code == worker.ExitOK:
			logger.Info("worker finished", "reason", reason)
			return
		case worker.Terminal(code):
			logger.Error("worker stopped permanently", "exit_code", code, "reason", reason)
			return
		case policy != config.RestartOnCrash:
			logger.Error("worker crashed", "exit_code", code, "reason", reason)
			return
		case restarts >= o.cfg.Restart.GetMaxRestarts():
			logger.Error("worker crashed, restart limit reached", "exit_code", code, "restarts", restarts)
			return
		}

		delay := o.cfg.Restart.GetDelay()
		logger.Warn("worker crashed, restarting", "exit_code", code, "restart_in", delay, "restarts", restarts+1)
		if !timeutil.Wait(o.clock, delay, o.ctx.Done()) {
			return
		}
		h.mu.Lock()
		h.restarts++
		h.mu.Unlock()
		if o.metrics != nil {
			o.metrics.Restarts.WithLabelValues(name).Inc()
		}
	}
}

// Shutdown stops every worker, waits up to the configured grace period and
// kills the ones still running. It returns one ErrShutdownTimeout per
// killed worker, combined. Calling it more than once is safe.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if !o.started || o.shutdown {
		o.mu.Unlock()
		return nil
	}
	o.shutdown = true
	o.mu.Unlock()

	o.logger.Info("stopping workers")
	o.cancel()
	for _, name := range o.order {
		h := o.handles[name]
		h.mu.RLock()
		proc := h.proc
		h.mu.RUnlock()
		if proc != nil {
			if err := proc.Stop(); err != nil {
				o.logger.Warn("failed to signal worker", "road", name, "error", err)
			}
		}
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	var result *multierror.Error
	grace := o.cfg.GetShutdownGrace()
	timer := o.clock.NewTimer(grace)
	select {
	case <-done:
		timer.Stop()
	case <-timer.C():
		result = o.killRemaining(result)
	case <-ctx.Done():
		timer.Stop()
		result = o.killRemaining(result)
	}

	// Killed children exit promptly; the bound covers in-process workers
	// that cannot be killed.
	select {
	case <-done:
	case <-time.After(grace):
		o.logger.Error("workers still running after kill")
	}

	o.server.Stop()
	if o.tmpDir != "" {
		_ = os.RemoveAll(o.tmpDir)
	}
	o.logger.Info("orchestrator stopped")
	return result.ErrorOrNil()
}

func (o *Orchestrator) killRemaining(result *multierror.Error) *multierror.Error {
	for _, name := range o.order {
		h := o.handles[name]
		h.mu.RLock()
		proc := h.proc
		h.mu.RUnlock()
		if proc == nil {
			continue
		}
		o.logger.Warn("killing worker", "road", name)
		if err := proc.Kill(); err != nil {
			o.logger.Warn("failed to kill worker", "road", name, "error", err)
		}
		result = multierror.Append(result, fmt.Errorf("%w: road %q", ErrShutdownTimeout, name))
	}
	return result
}

// Lookup returns the road's status and latest snapshot.
func (o *Orchestrator) Lookup(road string) (Route, error) {
	h, ok := o.handles[road]
	if !ok {
		return Route{}, fmt.Errorf("%w: %q", ErrUnknownRoad, road)
	}
	h.mu.RLock()
	route := Route{Road: road, Status: h.status, Reason: h.reason, StaleAfter: h.road.GetStaleAfter()}
	h.mu.RUnlock()
	if snap, err := o.store.Read(road); err == nil {
		route.Snapshot = snap
	}
	return route, nil
}

// Roads returns every configured road in configuration order.
func (o *Orchestrator) Roads() []string {
	return o.store.ListRoads()
}

// States returns the supervision state of every road.
func (o *Orchestrator) States() []RoadState {
	out := make([]RoadState, 0, len(o.order))
	for _, name := range o.order {
		h := o.handles[name]
		h.mu.RLock()
		st := RoadState{Road: name, Status: h.status, Reason: h.reason, Restarts: h.restarts, Stats: h.stats}
		h.mu.RUnlock()
		if snap, err := o.store.Read(name); err == nil {
			st.Seq = snap.Seq
		}
		out = append(out, st)
	}
	return out
}

// WorkerStats implements metrics.StatsSource.
func (o *Orchestrator) WorkerStats() []metrics.WorkerStats {
	out := make([]metrics.WorkerStats, 0, len(o.order))
	for _, name := range o.order {
		h := o.handles[name]
		h.mu.RLock()
		s := h.stats
		h.mu.RUnlock()
		out = append(out, metrics.WorkerStats{
			Road:           name,
			Frames:         s.Frames,
			BadFrames:      s.BadFrames,
			DetectorErrors: s.DetectorErrors,
		})
	}
	return out
}

// authorize returns the road's handle if token is its current incarnation.
func (o *Orchestrator) authorize(road, token string) (*handle, error) {
	h, ok := o.handles[road]
	if !ok {
		return nil, fmt.Errorf("%w: %q", store.ErrUnknownRoad, road)
	}
	h.mu.RLock()
	current := h.token
	h.mu.RUnlock()
	if token == "" || token != current {
		if o.metrics != nil {
			o.metrics.RejectedPublishes.WithLabelValues(road).Inc()
		}
		return nil, fmt.Errorf("%w: road %q", ErrStaleIncarnation, road)
	}
	return h, nil
}

// HandlePublish accepts a snapshot from the road's current worker.
func (o *Orchestrator) HandlePublish(_ context.Context, req *ipc.PublishRequest) (*ipc.PublishResponse, error) {
	h, err := o.authorize(req.Road, req.Token)
	if err != nil {
		return nil, err
	}
	seq, err := o.store.Publish(req.Road, req.Frame, req.Metrics)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.stats = req.Stats
	h.mu.Unlock()

	if m := o.metrics; m != nil {
		m.Publishes.WithLabelValues(req.Road).Inc()
		m.VehicleCount.WithLabelValues(req.Road).Set(float64(req.Metrics.VehicleCount))
		m.AverageSpeed.WithLabelValues(req.Road).Set(req.Metrics.AverageSpeed)
		m.P85Speed.WithLabelValues(req.Road).Set(req.Metrics.P85Speed)
	}
	return &ipc.PublishResponse{Seq: seq}, nil
}

// HandleStatus records a status change from the road's current worker.
func (o *Orchestrator) HandleStatus(_ context.Context, req *ipc.StatusRequest) (*ipc.StatusResponse, error) {
	h, err := o.authorize(req.Road, req.Token)
	if err != nil {
		return nil, err
	}
	status := worker.Status(req.Status)
	h.mu.Lock()
	h.status, h.reason, h.stats = status, req.Reason, req.Stats
	h.mu.Unlock()
	o.observeStatus(req.Road, status)

	logger := monitoring.ForRoad(o.logger, req.Road)
	switch {
	case status == worker.StatusRunning:
		logger.Info("worker status", "status", status)
	case status == worker.StatusStopped && worker.RequestedStop(req.Reason):
		logger.Info("worker status", "status", status, "reason", req.Reason)
	default:
		logger.Warn("worker status", "status", status, "reason", req.Reason)
	}
	return &ipc.StatusResponse{}, nil
}

// HandleConfig gives a newly started worker the configuration loaded at
// startup, reduced to its road. Every incarnation of a road runs with the
// same calibration, whatever has happened to the file since.
func (o *Orchestrator) HandleConfig(_ context.Context, req *ipc.ConfigRequest) (*ipc.ConfigResponse, error) {
	if _, err := o.authorize(req.Road, req.Token); err != nil {
		return nil, err
	}
	cfg, ok := o.cfg.ForRoad(req.Road)
	if !ok {
		return nil, fmt.Errorf("%w: %q", store.ErrUnknownRoad, req.Road)
	}
	return &ipc.ConfigResponse{Config: cfg}, nil
}

func (o *Orchestrator) observeStatus(road string, status worker.Status) {
	if o.metrics != nil {
		o.metrics.SetStatus(road, string(status), worker.StatusStrings())
	}
}
