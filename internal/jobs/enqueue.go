package jobs

import (
	"context"
	"fmt"
	"time"

	"fleetstops/internal/storage"
)

// EnqueueStopReport schedules a stop recomputation for the device window.
// A pending job for the same window is reused.
func EnqueueStopReport(ctx context.Context, store *storage.Store, deviceID int64, from, to time.Time) (int64, error) {
	if store == nil {
		return 0, fmt.Errorf("job store not configured")
	}
	if deviceID <= 0 {
		return 0, fmt.Errorf("invalid device id %d", deviceID)
	}
	return store.EnqueueReport(ctx, deviceID, from, to)
}

// DayWindow returns the UTC calendar day containing t as an inclusive
// [start, end] window at millisecond resolution.
func DayWindow(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24*time.Hour - time.Millisecond)
}
