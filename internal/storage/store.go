package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"fleetstops/internal/gps"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer; a single connection also keeps :memory:
	// databases from splitting across the pool.
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS positions (
	device_id INTEGER NOT NULL,
	position_id INTEGER NOT NULL,
	fix_time INTEGER NOT NULL,
	lat REAL NOT NULL,
	lon REAL NOT NULL,
	speed REAL NOT NULL,
	course REAL NOT NULL,
	address TEXT NOT NULL,
	attributes TEXT NOT NULL,
	PRIMARY KEY (device_id, fix_time, position_id)
);
CREATE TABLE IF NOT EXISTS device_stops (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id INTEGER NOT NULL,
	start_time INTEGER NOT NULL,
	end_time INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	end_lat REAL NOT NULL,
	end_lon REAL NOT NULL,
	address TEXT NOT NULL,
	samples INTEGER NOT NULL,
	position TEXT NOT NULL,
	features TEXT NOT NULL,
	computed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS device_stops_window ON device_stops (device_id, start_time);
CREATE TABLE IF NOT EXISTS report_queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id INTEGER NOT NULL,
	window_from INTEGER NOT NULL,
	window_to INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'queued',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	enqueued_at INTEGER NOT NULL,
	next_run_at INTEGER NOT NULL,
	processed_at INTEGER
);
CREATE TABLE IF NOT EXISTS forward_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id INTEGER NOT NULL,
	position_id INTEGER NOT NULL,
	raw_payload TEXT NOT NULL,
	received_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS anchors (
	device_id INTEGER PRIMARY KEY,
	geofence_id INTEGER NOT NULL,
	attribute_id INTEGER NOT NULL,
	lat REAL NOT NULL,
	lon REAL NOT NULL,
	radius_m REAL NOT NULL,
	created_at INTEGER NOT NULL
);
`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) UpsertPositions(ctx context.Context, positions []gps.Position) error {
	if len(positions) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO positions (device_id, position_id, fix_time, lat, lon, speed, course, address, attributes)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(device_id, fix_time, position_id) DO UPDATE SET
	lat = excluded.lat,
	lon = excluded.lon,
	speed = excluded.speed,
	course = excluded.course,
	address = excluded.address,
	attributes = excluded.attributes
`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range positions {
		if p.DeviceID == 0 {
			return fmt.Errorf("position %d: device id required", p.ID)
		}
		attrs, err := encodeAttributes(p.Attributes)
		if err != nil {
			return fmt.Errorf("position %d: %w", p.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, p.DeviceID, p.ID, p.FixTime.UnixMilli(), p.Latitude, p.Longitude,
			p.Speed, p.Course, p.Address, attrs); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// LoadPositions returns the device's fixes in [from, to] ordered by fix time.
func (s *Store) LoadPositions(ctx context.Context, deviceID int64, from, to time.Time) ([]gps.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT position_id, fix_time, lat, lon, speed, course, address, attributes
FROM positions
WHERE device_id = ? AND fix_time >= ? AND fix_time <= ?
ORDER BY fix_time, position_id
`, deviceID, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []gps.Position
	for rows.Next() {
		p := gps.Position{DeviceID: deviceID}
		var fix int64
		var attrs string
		if err := rows.Scan(&p.ID, &fix, &p.Latitude, &p.Longitude, &p.Speed, &p.Course, &p.Address, &attrs); err != nil {
			return nil, err
		}
		p.FixTime = time.UnixMilli(fix).UTC()
		if p.Attributes, err = decodeAttributes(attrs); err != nil {
			return nil, fmt.Errorf("position %d: %w", p.ID, err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return positions, nil
}

func (s *Store) CountPositions(ctx context.Context, deviceID int64) (int, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM positions
WHERE device_id = ?
`, deviceID)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// StopSpan widens [from, to] to cover every stored stop overlapping it.
func (s *Store) StopSpan(ctx context.Context, deviceID int64, from, to time.Time) (time.Time, time.Time, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT MIN(start_time), MAX(end_time)
FROM device_stops
WHERE device_id = ? AND end_time >= ? AND start_time <= ?
`, deviceID, from.UnixMilli(), to.UnixMilli())
	var first, last sql.NullInt64
	if err := row.Scan(&first, &last); err != nil {
		return from, to, err
	}
	if first.Valid {
		if start := time.UnixMilli(first.Int64).UTC(); start.Before(from) {
			from = start
		}
	}
	if last.Valid {
		if end := time.UnixMilli(last.Int64).UTC(); end.After(to) {
			to = end
		}
	}
	return from, to, nil
}

// ReplaceStops swaps every stored stop overlapping [from, to] for stops.
func (s *Store) ReplaceStops(ctx context.Context, deviceID int64, from, to time.Time, stops []gps.Stop) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `
DELETE FROM device_stops
WHERE device_id = ? AND end_time >= ? AND start_time <= ?
`, deviceID, from.UnixMilli(), to.UnixMilli()); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO device_stops (device_id, start_time, end_time, duration_ms, end_lat, end_lon, address, samples, position, features, computed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, stop := range stops {
		position, err := json.Marshal(stop.Position)
		if err != nil {
			return err
		}
		features, err := json.Marshal(stop.Features)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, deviceID, stop.StartTime.UnixMilli(), stop.EndTime.UnixMilli(),
			stop.Duration.Milliseconds(), stop.EndLatitude, stop.EndLongitude, stop.Address, stop.Samples,
			string(position), string(features), now); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) ListStops(ctx context.Context, deviceID int64, from, to time.Time) ([]gps.Stop, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT start_time, end_time, duration_ms, end_lat, end_lon, address, samples, position, features
FROM device_stops
WHERE device_id = ? AND start_time >= ? AND start_time <= ?
ORDER BY start_time
`, deviceID, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stops []gps.Stop
	for rows.Next() {
		var stop gps.Stop
		var start, end int64
		var position, features string
		if err := rows.Scan(&start, &end, &stop.DurationMS, &stop.EndLatitude, &stop.EndLongitude,
			&stop.Address, &stop.Samples, &position, &features); err != nil {
			return nil, err
		}
		stop.StartTime = time.UnixMilli(start).UTC()
		stop.EndTime = time.UnixMilli(end).UTC()
		stop.Duration = time.Duration(stop.DurationMS) * time.Millisecond
		if err := json.Unmarshal([]byte(position), &stop.Position); err != nil {
			return nil, fmt.Errorf("decode stop position: %w", err)
		}
		if err := json.Unmarshal([]byte(features), &stop.Features); err != nil {
			return nil, fmt.Errorf("decode stop features: %w", err)
		}
		stops = append(stops, stop)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return stops, nil
}

func encodeAttributes(attrs gps.Attributes) (string, error) {
	if len(attrs) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(attrs)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeAttributes(raw string) (gps.Attributes, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var attrs gps.Attributes
	if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
		return nil, err
	}
	return attrs, nil
}
