package ingest

import (
	"context"
	"fmt"
	"time"

	"fleetstops/internal/gps"
	"fleetstops/internal/logger"
	"fleetstops/internal/storage"
)

// PositionSource is the part of the backend client the ingestor needs.
type PositionSource interface {
	ListPositions(ctx context.Context, deviceID int64, from, to time.Time) ([]gps.Position, error)
}

type Ingestor struct {
	Store   *storage.Store
	Backend PositionSource
	Log     logger.Logger
}

// EnsureWindow pulls the device's positions for [from, to] from the backend
// and stores them. It returns how many positions the backend reported.
func (i *Ingestor) EnsureWindow(ctx context.Context, deviceID int64, from, to time.Time) (int, error) {
	if i.Backend == nil {
		return 0, fmt.Errorf("backend client not configured")
	}
	if to.Before(from) {
		return 0, fmt.Errorf("invalid window: %s is before %s", to, from)
	}
	log := logger.OrDiscard(i.Log)
	ctx = logger.WithDeviceID(ctx, deviceID)

	positions, err := i.Backend.ListPositions(ctx, deviceID, from, to)
	if err != nil {
		return 0, fmt.Errorf("fetch positions: %w", err)
	}
	if len(positions) == 0 {
		log.Info(ctx, "window has no positions", "from", from, "to", to)
		return 0, nil
	}
	for idx := range positions {
		if positions[idx].DeviceID == 0 {
			positions[idx].DeviceID = deviceID
		}
	}
	if err := i.Store.UpsertPositions(ctx, positions); err != nil {
		return 0, err
	}
	log.Debug(ctx, "positions ingested", "count", len(positions))
	return len(positions), nil
}

// Accept stores a single position forwarded by the backend.
func (i *Ingestor) Accept(ctx context.Context, position gps.Position) error {
	if position.DeviceID == 0 {
		return fmt.Errorf("position %d has no device id", position.ID)
	}
	if position.FixTime.IsZero() {
		return fmt.Errorf("position %d has no fix time", position.ID)
	}
	return i.Store.UpsertPositions(ctx, []gps.Position{position})
}
