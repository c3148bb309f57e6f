// Package consumer is the read-only view external code uses: list roads,
// fetch the latest annotated frame and the latest traffic summary.
package consumer

import (
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/roadwatch/internal/orchestrator"
	"github.com/banshee-data/roadwatch/internal/timeutil"
	"github.com/banshee-data/roadwatch/internal/units"
	"github.com/banshee-data/roadwatch/internal/worker"
)

// ErrNotFound is the only error the consumer returns: the road is not
// configured, or it has no frame yet.
var ErrNotFound = errors.New("not found")

// Info is a road's latest traffic summary.
type Info struct {
	RoadName      string    `json:"road_name"`
	VehicleCount  int       `json:"vehicle_count"`
	AverageSpeed  float64   `json:"average_speed"`
	P85Speed      float64   `json:"p85_speed"`
	TotalVehicles int       `json:"total_vehicles"`
	SpeedUnits    string    `json:"speed_units"`
	Sequence      uint64    `json:"sequence"`
	Status        string    `json:"status"`
	UpdatedAt     time.Time `json:"updated_at"`
	Stale         bool      `json:"stale"`
}

// Router resolves road names. *orchestrator.Orchestrator implements it.
type Router interface {
	Roads() []string
	Lookup(road string) (orchestrator.Route, error)
}

// Options configures a Consumer.
type Options struct {
	SpeedUnits string // defaults to metres per second
	Clock      timeutil.Clock
}

// Consumer is safe for any number of concurrent callers.
type Consumer struct {
	router Router
	units  string
	clock  timeutil.Clock
}

// New returns a consumer reading through r.
func New(r Router, opts Options) *Consumer {
	u := opts.SpeedUnits
	if u == "" {
		u = units.MPS
	}
	return &Consumer{router: r, units: u, clock: timeutil.OrReal(opts.Clock)}
}

// ListRoads returns every configured road, whether or not its worker is
// healthy.
func (c *Consumer) ListRoads() []string {
	return c.router.Roads()
}

// GetFrame returns the latest JPEG for road. The bytes are shared and must
// not be modified.
func (c *Consumer) GetFrame(road string) ([]byte, error) {
	route, err := c.router.Lookup(road)
	if err != nil {
		return nil, fmt.Errorf("%w: road %q", ErrNotFound, road)
	}
	if route.Snapshot == nil {
		return nil, fmt.Errorf("%w: no frame for road %q yet", ErrNotFound, road)
	}
	return route.Snapshot.Frame.JPEG, nil
}

// GetInfo returns the latest summary for road. A configured road that has
// not published yet gets zero metrics marked stale.
func (c *Consumer) GetInfo(road string) (Info, error) {
	route, err := c.router.Lookup(road)
	if err != nil {
		return Info{}, fmt.Errorf("%w: road %q", ErrNotFound, road)
	}
	info := Info{
		RoadName:   road,
		SpeedUnits: c.units,
		Status:     string(route.Status),
		Stale:      true,
	}
	snap := route.Snapshot
	if snap == nil {
		return info, nil
	}

	m := snap.Metrics
	info.VehicleCount = m.VehicleCount
	info.AverageSpeed = units.ConvertSpeed(m.AverageSpeed, c.units)
	info.P85Speed = units.ConvertSpeed(m.P85Speed, c.units)
	info.TotalVehicles = m.TotalVehicles
	info.Sequence = snap.Seq
	info.UpdatedAt = m.UpdatedAt
	info.Stale = route.Status != worker.StatusRunning || c.clock.Since(m.UpdatedAt) > route.StaleAfter
	return info, nil
}
