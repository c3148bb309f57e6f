package detect

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const maxMessageSize = 64 << 20

// Request is sent to the model process for every frame.
type Request struct {
	Seq       uint64 `msgpack:"seq"`
	Width     int    `msgpack:"width"`
	Height    int    `msgpack:"height"`
	Format    string `msgpack:"format"`
	FrameData []byte `msgpack:"frame_data"`
}

// Response is the model process's answer for one frame.
type Response struct {
	Seq        uint64      `msgpack:"seq"`
	Detections []Detection `msgpack:"detections"`
	Error      string      `msgpack:"error,omitempty"`
}

// WriteMessage writes v as a 4-byte big-endian length prefix followed by
// its msgpack encoding.
func WriteMessage(w io.Writer, v interface{}) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack message: %w", err)
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write msgpack data: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed msgpack message into v.
func ReadMessage(r io.Reader, v interface{}) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds limit", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("failed to read msgpack data: %w", err)
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal msgpack message: %w", err)
	}
	return nil
}

// SubprocessOptions configures an external model process.
type SubprocessOptions struct {
	Command []string
	Env     []string // appended to the parent environment
	Timeout time.Duration
	Logger  *slog.Logger
}

// Subprocess runs a detection model as a child process and exchanges one
// request and one response per frame over its stdin and stdout. The process
// is started lazily and restarted after it dies or times out.
type Subprocess struct {
	opts SubprocessOptions

	mu      sync.Mutex
	seq     uint64
	proc    *modelProc
	encoded bytes.Buffer
}

type modelProc struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	responses chan Response
	done      chan struct{}
}

// NewSubprocess returns a detector backed by an external command.
func NewSubprocess(opts SubprocessOptions) *Subprocess {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Subprocess{opts: opts}
}

func (s *Subprocess) start() error {
	if len(s.opts.Command) == 0 {
		return fmt.Errorf("%w: no detector command configured", ErrDetection)
	}
	cmd := exec.Command(s.opts.Command[0], s.opts.Command[1:]...)
	if len(s.opts.Env) > 0 {
		cmd.Env = append(cmd.Environ(), s.opts.Env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: stdin pipe: %v", ErrDetection, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: stdout pipe: %v", ErrDetection, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%w: stderr pipe: %v", ErrDetection, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start %s: %v", ErrDetection, s.opts.Command[0], err)
	}

	p := &modelProc{
		cmd:       cmd,
		stdin:     stdin,
		responses: make(chan Response, 1),
		done:      make(chan struct{}),
	}
	logger := s.opts.Logger

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logger.Debug("detector stderr", "line", scanner.Text())
		}
	}()

	go func() {
		defer close(p.done)
		r := bufio.NewReader(stdout)
		for {
			var resp Response
			if err := ReadMessage(r, &resp); err != nil {
				if err != io.EOF {
					logger.Warn("detector output unreadable", "error", err)
				}
				break
			}
			select {
			case p.responses <- resp:
			default:
				// Caller gave up on the previous frame; keep the latest.
				select {
				case <-p.responses:
				default:
				}
				p.responses <- resp
			}
		}
		_ = cmd.Wait()
	}()

	s.proc = p
	logger.Info("detector process started", "command", s.opts.Command[0], "pid", cmd.Process.Pid)
	return nil
}

func (s *Subprocess) kill() {
	if s.proc == nil {
		return
	}
	_ = s.proc.stdin.Close()
	_ = s.proc.cmd.Process.Kill()
	<-s.proc.done
	s.proc = nil
}

// Detect JPEG-encodes the frame, sends it to the model process and waits
// for the matching response.
func (s *Subprocess) Detect(ctx context.Context, img image.Image) ([]Detection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc == nil {
		if err := s.start(); err != nil {
			return nil, err
		}
	}

	s.encoded.Reset()
	if err := jpeg.Encode(&s.encoded, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("%w: encode frame: %v", ErrDetection, err)
	}
	s.seq++
	b := img.Bounds()
	req := Request{Seq: s.seq, Width: b.Dx(), Height: b.Dy(), Format: "jpeg", FrameData: s.encoded.Bytes()}
	if err := WriteMessage(s.proc.stdin, req); err != nil {
		s.kill()
		return nil, fmt.Errorf("%w: %v", ErrDetection, err)
	}

	timer := time.NewTimer(s.opts.Timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			s.kill()
			return nil, fmt.Errorf("%w: no response within %s", ErrDetection, s.opts.Timeout)
		case <-s.proc.done:
			s.kill()
			return nil, fmt.Errorf("%w: detector process exited", ErrDetection)
		case resp := <-s.proc.responses:
			if resp.Seq != s.seq {
				continue
			}
			if resp.Error != "" {
				return nil, fmt.Errorf("%w: %s", ErrDetection, resp.Error)
			}
			return resp.Detections, nil
		}
	}
}

// Close stops the model process.
func (s *Subprocess) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kill()
	return nil
}
