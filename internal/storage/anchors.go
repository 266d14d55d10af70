package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

type Anchor struct {
	DeviceID    int64
	GeofenceID  int64
	AttributeID int64
	Lat         float64
	Lon         float64
	RadiusM     float64
	CreatedAt   time.Time
}

func (s *Store) SaveAnchor(ctx context.Context, anchor Anchor) error {
	if anchor.CreatedAt.IsZero() {
		anchor.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO anchors (device_id, geofence_id, attribute_id, lat, lon, radius_m, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(device_id) DO UPDATE SET
	geofence_id = excluded.geofence_id,
	attribute_id = excluded.attribute_id,
	lat = excluded.lat,
	lon = excluded.lon,
	radius_m = excluded.radius_m,
	created_at = excluded.created_at
`, anchor.DeviceID, anchor.GeofenceID, anchor.AttributeID, anchor.Lat, anchor.Lon, anchor.RadiusM, anchor.CreatedAt.Unix())
	return err
}

func (s *Store) GetAnchor(ctx context.Context, deviceID int64) (Anchor, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT geofence_id, attribute_id, lat, lon, radius_m, created_at
FROM anchors
WHERE device_id = ?
`, deviceID)
	anchor := Anchor{DeviceID: deviceID}
	var created int64
	if err := row.Scan(&anchor.GeofenceID, &anchor.AttributeID, &anchor.Lat, &anchor.Lon, &anchor.RadiusM, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Anchor{}, ErrNotFound
		}
		return Anchor{}, err
	}
	anchor.CreatedAt = time.Unix(created, 0)
	return anchor, nil
}

func (s *Store) DeleteAnchor(ctx context.Context, deviceID int64) error {
	_, err := s.db.ExecContext(ctx, `
DELETE FROM anchors
WHERE device_id = ?
`, deviceID)
	return err
}
