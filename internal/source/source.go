// Package source provides the video sources a worker reads frames from.
package source

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/banshee-data/roadwatch/internal/timeutil"
)

var (
	// ErrSourceUnavailable means no frame could be read: the feed is down,
	// timed out or could not be opened. Callers retry with back-off.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrEndOfStream means a finite source has been fully played.
	ErrEndOfStream = errors.New("end of stream")
	// ErrBadFrame means one frame could not be decoded; later frames may
	// still be fine.
	ErrBadFrame = errors.New("bad frame")
)

// Frame is one decoded video frame.
type Frame struct {
	Image     image.Image
	Timestamp time.Time
	Index     int64 // position since the source was opened or rewound
}

// Source yields frames. Implementations are used from a single goroutine.
type Source interface {
	// Next blocks until a frame is available, the frame timeout passes or
	// ctx is done.
	Next(ctx context.Context) (Frame, error)
	// Rewind restarts a finite source from the beginning.
	Rewind() error
	// Live reports whether the source is a live feed rather than a file.
	Live() bool
	Close() error
}

// Options are shared by every source implementation.
type Options struct {
	MaxFPS       float64 // 0 means native rate
	FrameTimeout time.Duration
	FFmpegBinary string
	Clock        timeutil.Clock
	Logger       *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.FrameTimeout <= 0 {
		o.FrameTimeout = 5 * time.Second
	}
	if o.FFmpegBinary == "" {
		o.FFmpegBinary = "ffmpeg"
	}
	o.Clock = timeutil.OrReal(o.Clock)
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

var liveSchemes = []string{"rtsp://", "rtsps://", "rtmp://", "http://", "https://", "udp://", "tcp://", "srt://"}

// IsLive reports whether a locator names a live feed.
func IsLive(locator string) bool {
	lower := strings.ToLower(locator)
	for _, s := range liveSchemes {
		if strings.HasPrefix(lower, s) {
			return true
		}
	}
	return strings.HasPrefix(locator, "/dev/video")
}

// Open picks an implementation for the locator: a directory of still
// images, or anything ffmpeg can read.
func Open(locator string, opts Options) (Source, error) {
	if !IsLive(locator) {
		if info, err := os.Stat(locator); err == nil && info.IsDir() {
			return NewDir(locator, opts)
		}
	}
	return NewFFmpeg(locator, opts), nil
}
