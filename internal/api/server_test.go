package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/roadwatch/internal/consumer"
	"github.com/banshee-data/roadwatch/internal/metrics"
	"github.com/banshee-data/roadwatch/internal/orchestrator"
	"github.com/banshee-data/roadwatch/internal/store"
	"github.com/banshee-data/roadwatch/internal/worker"
)

type fakeRouter struct {
	snap atomic.Pointer[store.Snapshot]
}

func (f *fakeRouter) Roads() []string { return []string{"van-quan", "idle"} }

func (f *fakeRouter) Lookup(road string) (orchestrator.Route, error) {
	switch road {
	case "van-quan":
		return orchestrator.Route{Road: road, Status: worker.StatusRunning, StaleAfter: time.Hour, Snapshot: f.snap.Load()}, nil
	case "idle":
		return orchestrator.Route{Road: road, Status: worker.StatusStarting, StaleAfter: time.Hour}, nil
	}
	return orchestrator.Route{}, fmt.Errorf("%w: %q", orchestrator.ErrUnknownRoad, road)
}

func (f *fakeRouter) publish(seq uint64, jpeg []byte) {
	f.snap.Store(&store.Snapshot{
		Road:  "van-quan",
		Seq:   seq,
		Frame: store.Frame{JPEG: jpeg, Timestamp: time.Now()},
		Metrics: store.Metrics{
			VehicleCount: 3, AverageSpeed: 10, P85Speed: 12, TotalVehicles: 17, UpdatedAt: time.Now(),
		},
	})
}

func setupTestServer(t *testing.T) (*fakeRouter, http.Handler) {
	t.Helper()
	router := &fakeRouter{}
	router.publish(1, []byte{0xFF, 0xD8, 0x01, 0xFF, 0xD9})
	reg := prometheus.NewRegistry()
	metrics.New(reg).Publishes.WithLabelValues("van-quan").Inc()

	s := NewServer(consumer.New(router, consumer.Options{SpeedUnits: "kph"}), Options{
		Metrics:        metrics.Handler(reg),
		StreamInterval: 5 * time.Millisecond,
	})
	return router, LoggingMiddleware(s.ServeMux())
}

func TestListRoads(t *testing.T) {
	_, h := setupTestServer(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/roads", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string][]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, []string{"van-quan", "idle"}, resp["road_names"])
}

func TestShowInfo(t *testing.T) {
	_, h := setupTestServer(t)

	tests := []struct {
		name     string
		path     string
		wantCode int
	}{
		{"published road", "/api/info/van-quan", http.StatusOK},
		{"road without data", "/api/info/idle", http.StatusOK},
		{"unknown road", "/api/info/nowhere", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/info/van-quan", nil))
	var info consumer.Info
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	assert.Equal(t, "van-quan", info.RoadName)
	assert.Equal(t, 3, info.VehicleCount)
	assert.InDelta(t, 36.0, info.AverageSpeed, 1e-9)
	assert.Equal(t, "kph", info.SpeedUnits)
	assert.Equal(t, uint64(1), info.Sequence)
	assert.False(t, info.Stale)
}

func TestShowFrame(t *testing.T) {
	_, h := setupTestServer(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/frames/van-quan", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, []byte{0xFF, 0xD8, 0x01, 0xFF, 0xD9}, rec.Body.Bytes())

	for _, path := range []string{"/api/frames/idle", "/api/frames/nowhere"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	_, h := setupTestServer(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/roads", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	_, h := setupTestServer(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `roadwatch_store_publishes_total{road="van-quan"} 1`)
}

func TestStreamFrames(t *testing.T) {
	router, h := setupTestServer(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/stream/van-quan", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/x-mixed-replace", mediaType)

	mr := multipart.NewReader(resp.Body, params["boundary"])
	first, err := mr.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", first.Header.Get("Content-Type"))
	assert.Equal(t, "5", first.Header.Get("Content-Length"))
	// A part only ends when the next one starts, so read exactly one frame.
	body := make([]byte, 5)
	_, err = io.ReadFull(first, body)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8, 0x01, 0xFF, 0xD9}, body)

	router.publish(2, []byte{0xFF, 0xD8, 0x02, 0xFF, 0xD9})
	second, err := mr.NextPart()
	require.NoError(t, err)
	_, err = io.ReadFull(second, body)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8, 0x02, 0xFF, 0xD9}, body)
}

func TestStreamFrames_UnknownRoad(t *testing.T) {
	_, h := setupTestServer(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stream/nowhere", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json"))
}

func TestStatusCodeColor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code int
		want string
	}{
		{200, colorBoldGreen + "200" + colorReset},
		{304, colorYellow + "304" + colorReset},
		{404, colorBoldRed + "404" + colorReset},
		{503, colorBoldRed + "503" + colorReset},
		{101, "101"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusCodeColor(tt.code))
	}
}
