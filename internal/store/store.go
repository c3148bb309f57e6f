// Package store holds the latest frame and metrics published for each road.
//
// Each road has a fixed slot holding a pointer to an immutable Snapshot.
// Publishing swaps the pointer, so a reader sees either the previous
// snapshot or the new one, never a mixture, and readers never block the
// writer.
package store

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

var (
	// ErrUnknownRoad is returned for a road that was not configured.
	ErrUnknownRoad = errors.New("unknown road")
	// ErrNoSnapshot is returned for a configured road that has not
	// published yet.
	ErrNoSnapshot = errors.New("no snapshot published")
)

// Frame is the latest annotated image of a road.
type Frame struct {
	JPEG      []byte
	Timestamp time.Time
}

// Metrics is the latest traffic summary of a road. Speeds are in metres per
// second.
type Metrics struct {
	VehicleCount  int
	AverageSpeed  float64
	P85Speed      float64
	TotalVehicles int
	UpdatedAt     time.Time
}

// Snapshot is one publish: a frame and the metrics computed with it.
// Snapshots are never modified after they are stored.
type Snapshot struct {
	Road    string
	Seq     uint64
	Frame   Frame
	Metrics Metrics
}

type slot struct {
	current   atomic.Pointer[Snapshot]
	publishes atomic.Uint64
}

// Store is safe for concurrent use.
type Store struct {
	roads []string
	slots map[string]*slot
}

// New returns a store with one empty slot per road. The road set is fixed
// for the lifetime of the store.
func New(roads []string) *Store {
	s := &Store{
		roads: append([]string(nil), roads...),
		slots: make(map[string]*slot, len(roads)),
	}
	for _, r := range roads {
		s.slots[r] = &slot{}
	}
	return s
}

func (s *Store) slot(road string) (*slot, error) {
	sl, ok := s.slots[road]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRoad, road)
	}
	return sl, nil
}

// Publish replaces the road's snapshot and returns the sequence number
// assigned to it. Sequence numbers start at 1 and increase by one per
// publish. The caller must not modify frame.JPEG afterwards.
func (s *Store) Publish(road string, frame Frame, metrics Metrics) (uint64, error) {
	sl, err := s.slot(road)
	if err != nil {
		return 0, err
	}
	next := &Snapshot{Road: road, Frame: frame, Metrics: metrics}
	for {
		prev := sl.current.Load()
		next.Seq = 1
		if prev != nil {
			next.Seq = prev.Seq + 1
		}
		if sl.current.CompareAndSwap(prev, next) {
			sl.publishes.Add(1)
			return next.Seq, nil
		}
	}
}

// Read returns the road's latest snapshot. The returned value is shared and
// must be treated as read-only.
func (s *Store) Read(road string) (*Snapshot, error) {
	sl, err := s.slot(road)
	if err != nil {
		return nil, err
	}
	snap := sl.current.Load()
	if snap == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoSnapshot, road)
	}
	return snap, nil
}

// ReadFrame returns the latest JPEG for the road. The slice is shared and
// must not be modified.
func (s *Store) ReadFrame(road string) ([]byte, error) {
	snap, err := s.Read(road)
	if err != nil {
		return nil, err
	}
	return snap.Frame.JPEG, nil
}

// ReadInfo returns the latest metrics for the road.
func (s *Store) ReadInfo(road string) (Metrics, error) {
	snap, err := s.Read(road)
	if err != nil {
		return Metrics{}, err
	}
	return snap.Metrics, nil
}

// ListRoads returns every configured road in configuration order, whether
// or not it has published.
func (s *Store) ListRoads() []string {
	return append([]string(nil), s.roads...)
}

// Has reports whether the road is configured.
func (s *Store) Has(road string) bool {
	_, ok := s.slots[road]
	return ok
}

// Publishes returns how many snapshots the road has received.
func (s *Store) Publishes(road string) uint64 {
	sl, err := s.slot(road)
	if err != nil {
		return 0
	}
	return sl.publishes.Load()
}
