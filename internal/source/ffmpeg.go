package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/image/bmp"
)

const bmpHeaderSize = 14

// maxBMPSize bounds a single frame (8K RGBA is ~133MB; anything larger is
// a framing error).
const maxBMPSize = 160 << 20

// ReadBMPFrame reads exactly one BMP image from r. A decode failure after a
// well-formed header returns ErrBadFrame with the stream still aligned on
// the next frame; any other error means the stream is unusable.
func ReadBMPFrame(r io.Reader) (image.Image, error) {
	header := make([]byte, bmpHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	if header[0] != 'B' || header[1] != 'M' {
		return nil, fmt.Errorf("not a BMP stream: header %q", header[:2])
	}
	fileSize := binary.LittleEndian.Uint32(header[2:6])
	if fileSize <= bmpHeaderSize || fileSize > maxBMPSize {
		return nil, fmt.Errorf("implausible BMP size %d", fileSize)
	}

	buf := make([]byte, fileSize)
	copy(buf, header)
	if _, err := io.ReadFull(r, buf[bmpHeaderSize:]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	img, err := bmp.Decode(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	return img, nil
}

type readResult struct {
	img image.Image
	err error
}

// ffmpegRun is one ffmpeg process and its reader goroutine.
type ffmpegRun struct {
	cancel    context.CancelFunc
	frames    chan readResult
	done      chan struct{}
	delivered int64
}

// FFmpeg decodes any input ffmpeg understands (files, RTSP, HTTP, V4L2)
// by piping BMP frames from a child process.
type FFmpeg struct {
	locator string
	opts    Options
	live    bool

	run   *ffmpegRun
	ended bool
	index int64
}

// NewFFmpeg returns a source for the locator. The ffmpeg process starts on
// the first call to Next.
func NewFFmpeg(locator string, opts Options) *FFmpeg {
	return &FFmpeg{
		locator: locator,
		opts:    opts.withDefaults(),
		live:    IsLive(locator),
	}
}

// Args returns the ffmpeg command line used for this source.
func (f *FFmpeg) Args() []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	if f.live {
		if lower := strings.ToLower(f.locator); strings.HasPrefix(lower, "rtsp://") || strings.HasPrefix(lower, "rtsps://") {
			args = append(args, "-rtsp_transport", "tcp")
		}
	} else {
		// Play files at their native rate so timestamps match video time.
		args = append(args, "-re")
	}
	args = append(args, "-i", f.locator)
	if f.opts.MaxFPS > 0 {
		args = append(args, "-vf", "fps="+strconv.FormatFloat(f.opts.MaxFPS, 'f', -1, 64))
	}
	return append(args, "-an", "-c:v", "bmp", "-f", "image2pipe", "-")
}

// Live reports whether the locator is a live feed.
func (f *FFmpeg) Live() bool { return f.live }

func (f *FFmpeg) start() error {
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, f.opts.FFmpegBinary, f.Args()...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("%w: start ffmpeg: %v", ErrSourceUnavailable, err)
	}

	run := &ffmpegRun{
		cancel: cancel,
		frames: make(chan readResult, 1),
		done:   make(chan struct{}),
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			f.opts.Logger.Debug("ffmpeg", "line", scanner.Text())
		}
	}()

	go func() {
		defer close(run.done)
		defer close(run.frames)
		br := bufio.NewReaderSize(stdout, 1<<20)
		for {
			img, err := ReadBMPFrame(br)
			select {
			case run.frames <- readResult{img: img, err: err}:
			case <-ctx.Done():
			}
			if err != nil && !errors.Is(err, ErrBadFrame) {
				break
			}
			if ctx.Err() != nil {
				break
			}
		}
		cancel()
		wg.Wait()
		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			f.opts.Logger.Debug("ffmpeg exited", "error", err)
		}
	}()

	f.run = run
	return nil
}

func (f *FFmpeg) stop() {
	if f.run == nil {
		return
	}
	f.run.cancel()
	<-f.run.done
	f.run = nil
}

// Next returns the next frame.
func (f *FFmpeg) Next(ctx context.Context) (Frame, error) {
	if f.run == nil {
		if f.ended {
			return Frame{}, ErrEndOfStream
		}
		if err := f.start(); err != nil {
			return Frame{}, err
		}
	}

	timer := f.opts.Clock.NewTimer(f.opts.FrameTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-timer.C():
		f.stop()
		return Frame{}, fmt.Errorf("%w: no frame within %s", ErrSourceUnavailable, f.opts.FrameTimeout)
	case r, ok := <-f.run.frames:
		if ok && r.err == nil {
			f.run.delivered++
			f.index++
			return Frame{Image: r.img, Timestamp: f.opts.Clock.Now(), Index: f.index}, nil
		}
		if ok && errors.Is(r.err, ErrBadFrame) {
			f.index++
			return Frame{}, r.err
		}

		delivered := f.run.delivered
		f.stop()
		if f.live || delivered == 0 {
			// A run that produced nothing never opened the input.
			if ok && r.err != nil && !errors.Is(r.err, io.EOF) {
				return Frame{}, fmt.Errorf("%w: %v", ErrSourceUnavailable, r.err)
			}
			return Frame{}, fmt.Errorf("%w: ffmpeg stream ended", ErrSourceUnavailable)
		}
		f.ended = true
		return Frame{}, ErrEndOfStream
	}
}

// Rewind restarts playback of a file from the start.
func (f *FFmpeg) Rewind() error {
	f.stop()
	f.ended = false
	f.index = 0
	return nil
}

// Close stops the ffmpeg process.
func (f *FFmpeg) Close() error {
	f.stop()
	f.ended = true
	return nil
}
