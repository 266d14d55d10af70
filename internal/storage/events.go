package storage

import (
	"context"
	"time"
)

type ForwardEvent struct {
	ID         int64
	DeviceID   int64
	PositionID int64
	RawPayload string
	ReceivedAt time.Time
}

func (s *Store) InsertForwardEvent(ctx context.Context, event ForwardEvent) (int64, error) {
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO forward_events (device_id, position_id, raw_payload, received_at)
VALUES (?, ?, ?, ?)
`, event.DeviceID, event.PositionID, event.RawPayload, event.ReceivedAt.Unix())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) CountForwardEvents(ctx context.Context) (int, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM forward_events
`)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
