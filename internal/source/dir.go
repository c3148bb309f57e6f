package source

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "golang.org/x/image/bmp"

	"github.com/banshee-data/roadwatch/internal/timeutil"
)

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".bmp": true}

// Dir replays a directory of still images in name order. It behaves like a
// finite file: it ends after the last image and can be rewound.
type Dir struct {
	path  string
	opts  Options
	files []string
	pos   int
	last  time.Time
}

// NewDir lists the images in path.
func NewDir(path string, opts Options) (*Dir, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		files = append(files, filepath.Join(path, e.Name()))
	}
	sort.Strings(files)
	return &Dir{path: path, opts: opts.withDefaults(), files: files}, nil
}

// Len returns the number of images.
func (d *Dir) Len() int { return len(d.files) }

// Live is always false.
func (d *Dir) Live() bool { return false }

// Next decodes the next image, pacing to MaxFPS when set.
func (d *Dir) Next(ctx context.Context) (Frame, error) {
	if len(d.files) == 0 {
		return Frame{}, fmt.Errorf("%w: no images in %s", ErrSourceUnavailable, d.path)
	}
	if d.pos >= len(d.files) {
		return Frame{}, ErrEndOfStream
	}
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	if d.opts.MaxFPS > 0 && !d.last.IsZero() {
		interval := time.Duration(float64(time.Second) / d.opts.MaxFPS)
		wait := interval - d.opts.Clock.Since(d.last)
		if !timeutil.Wait(d.opts.Clock, wait, ctx.Done()) {
			return Frame{}, ctx.Err()
		}
	}

	path := d.files[d.pos]
	d.pos++
	d.last = d.opts.Clock.Now()

	f, err := os.Open(path)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %s: %v", ErrBadFrame, filepath.Base(path), err)
	}
	return Frame{Image: img, Timestamp: d.last, Index: int64(d.pos)}, nil
}

// Rewind starts again from the first image.
func (d *Dir) Rewind() error {
	d.pos = 0
	return nil
}

// Close marks the source finished.
func (d *Dir) Close() error {
	d.pos = len(d.files)
	return nil
}
