package orchestrator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"

	"github.com/banshee-data/roadwatch/internal/ipc"
	"github.com/banshee-data/roadwatch/internal/monitoring"
	"github.com/banshee-data/roadwatch/internal/worker"
)

// LaunchSpec identifies one worker incarnation.
type LaunchSpec struct {
	Road       string
	Token      string
	SocketPath string
}

// Process is a running worker.
type Process interface {
	// Wait blocks until the worker exits and returns its exit code.
	Wait() int
	// Stop asks the worker to finish its current frame and exit.
	Stop() error
	// Kill ends the worker without waiting for it.
	Kill() error
}

// Launcher starts workers.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// ProcessLauncher runs each worker as a child process by re-executing the
// binary with the worker subcommand. The child fetches its configuration
// over the IPC socket and logs JSON to stderr, which is re-emitted here at
// the child's level.
type ProcessLauncher struct {
	Binary    string   // defaults to os.Executable()
	ExtraArgs []string // appended after the generated flags
	Env       []string // added to the inherited environment
	Logger    *slog.Logger
}

// Args returns the command line used for spec, without the binary.
func (l *ProcessLauncher) Args(spec LaunchSpec) []string {
	args := []string{"worker", "-road", spec.Road, "-socket", spec.SocketPath, "-token", spec.Token}
	return append(args, l.ExtraArgs...)
}

func (l *ProcessLauncher) Launch(_ context.Context, spec LaunchSpec) (Process, error) {
	bin := l.Binary
	if bin == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to find own executable: %w", err)
		}
		bin = exe
	}
	logger := monitoring.ForRoad(l.Logger, spec.Road)

	cmd := exec.Command(bin, l.Args(spec)...)
	if len(l.Env) > 0 {
		cmd.Env = append(os.Environ(), l.Env...)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}
	logger.Info("worker process started", "pid", cmd.Process.Pid)

	p := &childProcess{cmd: cmd, done: make(chan struct{})}
	p.forward = make(chan struct{})
	go func() {
		defer close(p.forward)
		forwardLines(stderr, logger)
	}()
	go func() {
		<-p.forward
		err := cmd.Wait()
		p.code = exitCode(err)
		if err != nil {
			logger.Debug("worker process exited", "error", err)
		}
		close(p.done)
	}()
	return p, nil
}

// forwardLines copies a child's log lines into the parent's logger. JSON
// records keep their level, message and attributes; anything else is
// logged at Info as raw output.
func forwardLines(r io.Reader, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		level, msg, attrs, ok := parseRecord(line)
		if !ok {
			logger.Info("worker output", "line", string(line))
			continue
		}
		logger.LogAttrs(context.Background(), level, msg, attrs...)
	}
}

// parseRecord decodes one line written by slog's JSON handler.
func parseRecord(line []byte) (slog.Level, string, []slog.Attr, bool) {
	var rec map[string]interface{}
	if err := json.Unmarshal(line, &rec); err != nil {
		return 0, "", nil, false
	}
	msg, ok := rec[slog.MessageKey].(string)
	if !ok {
		return 0, "", nil, false
	}
	level := slog.LevelInfo
	if s, ok := rec[slog.LevelKey].(string); ok {
		if err := level.UnmarshalText([]byte(s)); err != nil {
			level = slog.LevelInfo
		}
	}

	keys := make([]string, 0, len(rec))
	for k := range rec {
		switch k {
		case slog.TimeKey, slog.LevelKey, slog.MessageKey, "road":
			// The parent stamps its own time and road.
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	attrs := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, rec[k]))
	}
	return level, msg, attrs, true
}

func exitCode(err error) int {
	if err == nil {
		return worker.ExitOK
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		return exitErr.ExitCode()
	}
	return worker.ExitCrashed
}

type childProcess struct {
	cmd     *exec.Cmd
	forward chan struct{}
	done    chan struct{}
	code    int
}

func (p *childProcess) Wait() int {
	<-p.done
	return p.code
}

func (p *childProcess) Stop() error {
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (p *childProcess) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// InProcessLauncher runs each worker as a goroutine in the orchestrator's
// process. Workers still talk to the orchestrator through the IPC socket
// and fetch their configuration from it, so ownership rules are the same
// as for child processes; only memory isolation is lost.
type InProcessLauncher struct {
	Factory worker.Factory
	Logger  *slog.Logger
}

func (l *InProcessLauncher) Launch(_ context.Context, spec LaunchSpec) (Process, error) {
	client, err := ipc.Dial(spec.SocketPath, spec.Road, spec.Token)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &goroutineProcess{cancel: cancel, done: make(chan struct{})}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	go func() {
		defer close(p.done)
		defer client.Close()
		defer func() {
			if r := recover(); r != nil {
				logger.Error("worker panicked", "road", spec.Road, "panic", r)
				p.code = worker.ExitCrashed
			}
		}()
		cfg, err := client.FetchConfig(ctx)
		if err != nil {
			logger.Error("failed to fetch configuration", "road", spec.Road, "error", err)
			p.code = worker.ExitCrashed
			return
		}
		err = worker.RunRoad(ctx, cfg, spec.Road, client, logger, l.Factory)
		p.code = worker.ExitCode(err)
	}()
	return p, nil
}

type goroutineProcess struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	code   int
}

func (p *goroutineProcess) Wait() int {
	<-p.done
	return p.code
}

func (p *goroutineProcess) Stop() error {
	p.once.Do(p.cancel)
	return nil
}

// Kill cancels the worker like Stop. A goroutine cannot be ended from the
// outside; a worker stuck in a blocking call keeps running until it
// returns.
func (p *goroutineProcess) Kill() error {
	return p.Stop()
}
