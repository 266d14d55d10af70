package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"fleetstops/internal/gps"
	"fleetstops/internal/storage"
)

type fakeSource struct {
	positions []gps.Position
	err       error
	calls     int
}

func (f *fakeSource) ListPositions(ctx context.Context, deviceID int64, from, to time.Time) ([]gps.Position, error) {
	f.calls++
	return f.positions, f.err
}

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.InitSchema(context.Background()); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return store
}

func TestEnsureWindow(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	source := &fakeSource{positions: []gps.Position{
		{ID: 1, FixTime: start, Latitude: 1, Longitude: 2},
		{ID: 2, DeviceID: 5, FixTime: start.Add(time.Minute), Latitude: 1, Longitude: 2},
	}}
	ing := &Ingestor{Store: store, Backend: source}

	n, err := ing.EnsureWindow(ctx, 5, start, start.Add(time.Hour))
	if err != nil {
		t.Fatalf("ensure window: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 positions, got %d", n)
	}
	count, err := store.CountPositions(ctx, 5)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected positions to be stored under device 5, got %d", count)
	}
}

func TestEnsureWindowEmptyAndErrors(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	ing := &Ingestor{Store: store, Backend: &fakeSource{}}
	if n, err := ing.EnsureWindow(ctx, 5, start, start.Add(time.Hour)); err != nil || n != 0 {
		t.Fatalf("expected empty window to succeed, got %d, %v", n, err)
	}

	boom := errors.New("boom")
	ing.Backend = &fakeSource{err: boom}
	if _, err := ing.EnsureWindow(ctx, 5, start, start.Add(time.Hour)); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped backend error, got %v", err)
	}

	source := &fakeSource{}
	ing.Backend = source
	if _, err := ing.EnsureWindow(ctx, 5, start, start.Add(-time.Hour)); err == nil {
		t.Fatalf("expected error for inverted window")
	}
	if source.calls != 0 {
		t.Fatalf("backend should not be called for an inverted window")
	}

	ing.Backend = nil
	if _, err := ing.EnsureWindow(ctx, 5, start, start.Add(time.Hour)); err == nil {
		t.Fatalf("expected error without backend")
	}
}

func TestAccept(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	ing := &Ingestor{Store: store}

	if err := ing.Accept(ctx, gps.Position{ID: 1, FixTime: time.Now()}); err == nil {
		t.Fatalf("expected error without device id")
	}
	if err := ing.Accept(ctx, gps.Position{ID: 1, DeviceID: 3}); err == nil {
		t.Fatalf("expected error without fix time")
	}
	if err := ing.Accept(ctx, gps.Position{ID: 1, DeviceID: 3, FixTime: time.Now()}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if count, _ := store.CountPositions(ctx, 3); count != 1 {
		t.Fatalf("expected 1 stored position, got %d", count)
	}
}
