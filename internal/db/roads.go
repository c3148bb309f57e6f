package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/banshee-data/roadwatch/internal/config"
)

// ErrRoadNotFound is returned for operations on a road the registry does
// not hold.
var ErrRoadNotFound = errors.New("road not found")

// RoadRecord is a registry row.
type RoadRecord struct {
	config.Road
	Enabled   bool  `json:"enabled"`
	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// ImportRoads validates and upserts roads in one transaction, keeping their
// order. Existing roads with other names are left alone unless replace is
// set, in which case the registry ends up holding exactly roads.
func (db *DB) ImportRoads(roads []config.Road, replace bool) error {
	for i := range roads {
		if err := roads[i].Validate(); err != nil {
			return fmt.Errorf("roads[%d]: %w", i, err)
		}
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if replace {
		if _, err := tx.Exec(`DELETE FROM roads`); err != nil {
			return fmt.Errorf("failed to clear roads: %w", err)
		}
	}

	stmt, err := tx.Prepare(`
		INSERT INTO roads (
			road_name, source_locator, region_polygon, distance_per_pixel,
			detection_confidence_threshold, on_end, stale_after, max_fps, position
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(road_name) DO UPDATE SET
			source_locator = excluded.source_locator,
			region_polygon = excluded.region_polygon,
			distance_per_pixel = excluded.distance_per_pixel,
			detection_confidence_threshold = excluded.detection_confidence_threshold,
			on_end = excluded.on_end,
			stale_after = excluded.stale_after,
			max_fps = excluded.max_fps,
			position = excluded.position,
			updated_at = STRFTIME('%s', 'now')
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare road upsert: %w", err)
	}
	defer stmt.Close()

	for i, r := range roads {
		polygon, err := json.Marshal(r.RegionPolygon)
		if err != nil {
			return fmt.Errorf("road %q: failed to encode region_polygon: %w", r.Name, err)
		}
		if _, err := stmt.Exec(
			r.Name,
			r.SourceLocator,
			string(polygon),
			r.DistancePerPixel,
			r.DetectionConfidenceThreshold,
			r.OnEnd,
			r.StaleAfter,
			r.MaxFPS,
			i,
		); err != nil {
			return fmt.Errorf("failed to store road %q: %w", r.Name, err)
		}
	}

	return tx.Commit()
}

// ListRoads returns every registered road in import order.
func (db *DB) ListRoads() ([]RoadRecord, error) {
	rows, err := db.Query(`
		SELECT
			road_name, source_locator, region_polygon, distance_per_pixel,
			detection_confidence_threshold, on_end, stale_after, max_fps,
			enabled, created_at, updated_at
		FROM roads
		ORDER BY position, road_name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query roads: %w", err)
	}
	defer rows.Close()

	var records []RoadRecord
	for rows.Next() {
		var (
			rec        RoadRecord
			polygon    string
			threshold  sql.NullFloat64
			staleAfter sql.NullString
			enabled    int
		)
		if err := rows.Scan(
			&rec.Name,
			&rec.SourceLocator,
			&polygon,
			&rec.DistancePerPixel,
			&threshold,
			&rec.OnEnd,
			&staleAfter,
			&rec.MaxFPS,
			&enabled,
			&rec.CreatedAt,
			&rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan road: %w", err)
		}
		if err := json.Unmarshal([]byte(polygon), &rec.RegionPolygon); err != nil {
			return nil, fmt.Errorf("road %q: failed to decode region_polygon: %w", rec.Name, err)
		}
		if threshold.Valid {
			v := threshold.Float64
			rec.DetectionConfidenceThreshold = &v
		}
		if staleAfter.Valid {
			v := staleAfter.String
			rec.StaleAfter = &v
		}
		rec.Enabled = enabled != 0
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// SetRoadEnabled includes or excludes a road from LoadConfig.
func (db *DB) SetRoadEnabled(name string, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	res, err := db.Exec(`UPDATE roads SET enabled = ?, updated_at = STRFTIME('%s', 'now') WHERE road_name = ?`, v, name)
	if err != nil {
		return fmt.Errorf("failed to update road %q: %w", name, err)
	}
	return expectOneRow(res, name)
}

// DeleteRoad removes a road from the registry.
func (db *DB) DeleteRoad(name string) error {
	res, err := db.Exec(`DELETE FROM roads WHERE road_name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete road %q: %w", name, err)
	}
	return expectOneRow(res, name)
}

func expectOneRow(res sql.Result, name string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %q", ErrRoadNotFound, name)
	}
	return nil
}

// LoadConfig returns a copy of base whose road list comes from the
// registry's enabled roads. base supplies tuning, detector and restart
// settings and may be nil. The result is validated like a config file.
func (db *DB) LoadConfig(base *config.Config) (*config.Config, error) {
	records, err := db.ListRoads()
	if err != nil {
		return nil, err
	}

	cfg := &config.Config{}
	if base != nil {
		*cfg = *base
	}
	cfg.Roads = nil
	for _, rec := range records {
		if rec.Enabled {
			cfg.Roads = append(cfg.Roads, rec.Road)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid road registry: %w", err)
	}
	return cfg, nil
}
