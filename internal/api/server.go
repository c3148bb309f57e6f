// Package api exposes the consumer view over HTTP: road list, latest info,
// latest annotated frame and a live MJPEG stream per road.
package api

import (
	"errors"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/banshee-data/roadwatch/internal/consumer"
	"github.com/banshee-data/roadwatch/internal/httputil"
	"github.com/banshee-data/roadwatch/internal/monitoring"
)

// ANSI escape codes for coloring
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// DefaultStreamInterval is how often /api/stream pushes the latest frame.
const DefaultStreamInterval = 200 * time.Millisecond

const streamBoundary = "frame"

// Server serves the read-only consumer API.
type Server struct {
	c              *consumer.Consumer
	metrics        http.Handler
	streamInterval time.Duration
}

// Options configures optional parts of the server.
type Options struct {
	// Metrics, when set, is mounted at /metrics.
	Metrics        http.Handler
	StreamInterval time.Duration
}

func NewServer(c *consumer.Consumer, opts Options) *Server {
	interval := opts.StreamInterval
	if interval <= 0 {
		interval = DefaultStreamInterval
	}
	return &Server{c: c, metrics: opts.Metrics, streamInterval: interval}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

// Flush lets streaming handlers push through the logging wrapper.
func (lrw *loggingResponseWriter) Flush() {
	if f, ok := lrw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/roads", s.listRoads)
	mux.HandleFunc("GET /api/info/{road}", s.showInfo)
	mux.HandleFunc("GET /api/frames/{road}", s.showFrame)
	mux.HandleFunc("GET /api/stream/{road}", s.streamFrames)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

func (s *Server) listRoads(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string][]string{"road_names": s.c.ListRoads()})
}

func (s *Server) showInfo(w http.ResponseWriter, r *http.Request) {
	road := r.PathValue("road")
	info, err := s.c.GetInfo(road)
	if err != nil {
		writeConsumerError(w, err)
		return
	}
	httputil.WriteJSONOK(w, info)
}

func (s *Server) showFrame(w http.ResponseWriter, r *http.Request) {
	frame, err := s.c.GetFrame(r.PathValue("road"))
	if err != nil {
		writeConsumerError(w, err)
		return
	}
	httputil.WriteJPEG(w, frame)
}

// streamFrames pushes the road's latest frame as multipart/x-mixed-replace
// until the client goes away. A frame is only resent after it changes.
func (s *Server) streamFrames(w http.ResponseWriter, r *http.Request) {
	road := r.PathValue("road")
	if _, err := s.c.GetInfo(road); err != nil {
		writeConsumerError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.InternalServerError(w, "streaming unsupported")
		return
	}

	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(streamBoundary); err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mw.Boundary())
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()

	var last []byte
	for {
		frame, err := s.c.GetFrame(road)
		if err == nil && !sameFrame(frame, last) {
			if err := writePart(mw, frame); err != nil {
				return
			}
			flusher.Flush()
			last = frame
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// sameFrame compares by backing array: published frames are immutable, so
// a new publish always carries a new slice.
func sameFrame(a, b []byte) bool {
	return len(a) == len(b) && len(a) > 0 && &a[0] == &b[0]
}

func writePart(mw *multipart.Writer, frame []byte) error {
	part, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":   {"image/jpeg"},
		"Content-Length": {strconv.Itoa(len(frame))},
	})
	if err != nil {
		return err
	}
	_, err = part.Write(frame)
	return err
}

func writeConsumerError(w http.ResponseWriter, err error) {
	if errors.Is(err, consumer.ErrNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	httputil.InternalServerError(w, err.Error())
}
