package processor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"fleetstops/internal/gps"
	"fleetstops/internal/ingest"
	"fleetstops/internal/maps"
	"fleetstops/internal/metrics"
	"fleetstops/internal/publisher"
	"fleetstops/internal/storage"
)

type stubPlaces struct {
	features []maps.Feature
	err      error
	calls    int
}

func (s *stubPlaces) NearbyFeatures(ctx context.Context, lat, lon float64) ([]maps.Feature, error) {
	s.calls++
	return s.features, s.err
}

type recordingPublisher struct {
	messages []publisher.StopsMessage
	err      error
}

func (r *recordingPublisher) PublishStops(msg publisher.StopsMessage) error {
	r.messages = append(r.messages, msg)
	return r.err
}

type recordingBroadcaster struct {
	deviceIDs []int64
	payloads  [][]byte
}

func (r *recordingBroadcaster) Broadcast(deviceID int64, payload []byte) {
	r.deviceIDs = append(r.deviceIDs, deviceID)
	r.payloads = append(r.payloads, payload)
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

// seedDay stores one moving/stopped/moving sequence with a single 2 minute
// stop at lat 1 and a 1 minute pause at lat 2 that is too short.
func seedDay(t *testing.T, store *storage.Store, deviceID int64, base time.Time) {
	t.Helper()
	speeds := []float64{5, 0, 0, 0, 5, 0, 0, 5}
	lats := []float64{0, 1, 1, 1, 1.5, 2, 2, 2.5}
	var positions []gps.Position
	for i := range speeds {
		positions = append(positions, gps.Position{
			ID:        int64(i + 1),
			DeviceID:  deviceID,
			FixTime:   base.Add(time.Duration(i) * time.Minute),
			Latitude:  lats[i],
			Longitude: lats[i],
			Speed:     speeds[i],
			Address:   "Depot",
		})
	}
	if err := store.UpsertPositions(context.Background(), positions); err != nil {
		t.Fatalf("seed positions: %v", err)
	}
}

func TestStopProcessor_ComputesAndPublishes(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	base := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	seedDay(t, store, 7, base)

	places := &stubPlaces{features: []maps.Feature{{Type: maps.FeatureFuel, Name: "Shell"}}}
	pub := &recordingPublisher{}
	live := &recordingBroadcaster{}
	collector := metrics.NewCollector()
	p := &StopProcessor{
		Store:     store,
		Places:    places,
		Options:   gps.DefaultStopOptions(gps.PolicySpeed),
		Publisher: pub,
		Live:      live,
		Metrics:   collector,
	}

	job := storage.ReportJob{ID: 1, DeviceID: 7, From: base, To: base.Add(time.Hour)}
	if err := p.Process(ctx, job); err != nil {
		t.Fatalf("process: %v", err)
	}

	stops, err := store.ListStops(ctx, 7, job.From, job.To)
	if err != nil {
		t.Fatalf("list stops: %v", err)
	}
	if len(stops) != 1 {
		t.Fatalf("expected 1 stop, got %d", len(stops))
	}
	if stops[0].Duration != 2*time.Minute {
		t.Fatalf("expected 2m stop, got %s", stops[0].Duration)
	}
	if stops[0].Position.ID != 2 || stops[0].Samples != 3 {
		t.Fatalf("unexpected stop %+v", stops[0])
	}
	if len(stops[0].Features) != 1 || stops[0].Features[0] != "fuel: Shell" {
		t.Fatalf("expected place annotation, got %v", stops[0].Features)
	}
	if places.calls != 1 {
		t.Fatalf("expected 1 place lookup, got %d", places.calls)
	}

	if len(pub.messages) != 1 {
		t.Fatalf("expected 1 published message, got %d", len(pub.messages))
	}
	msg := pub.messages[0]
	if msg.Type != publisher.MessageStopsComputed || msg.DeviceID != 7 || msg.Summary.StopCount != 1 || msg.Summary.PlaceStopCount != 1 {
		t.Fatalf("unexpected message %+v", msg)
	}

	if len(live.payloads) != 1 || live.deviceIDs[0] != 7 {
		t.Fatalf("expected one live broadcast for device 7")
	}
	var decoded publisher.StopsMessage
	if err := json.Unmarshal(live.payloads[0], &decoded); err != nil {
		t.Fatalf("decode live payload: %v", err)
	}
	if len(decoded.Stops) != 1 || decoded.Stops[0].DurationMS != 120000 {
		t.Fatalf("unexpected live payload %s", live.payloads[0])
	}
}

func TestStopProcessor_RecomputeReplacesStops(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	base := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	seedDay(t, store, 7, base)

	job := storage.ReportJob{DeviceID: 7, From: base, To: base.Add(time.Hour)}
	p := &StopProcessor{Store: store, Options: gps.DefaultStopOptions(gps.PolicySpeed)}
	for i := 0; i < 2; i++ {
		if err := p.Process(ctx, job); err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
	}
	stops, err := store.ListStops(ctx, 7, job.From, job.To)
	if err != nil {
		t.Fatalf("list stops: %v", err)
	}
	if len(stops) != 1 {
		t.Fatalf("expected recompute to replace, got %d stops", len(stops))
	}

	p.Options.MinDuration = time.Minute
	if err := p.Process(ctx, job); err != nil {
		t.Fatalf("process with shorter minimum: %v", err)
	}
	stops, _ = store.ListStops(ctx, 7, job.From, job.To)
	if len(stops) != 2 {
		t.Fatalf("expected 2 stops with a 1 minute minimum, got %d", len(stops))
	}
}

func TestStopProcessor_OverlappingWindowsKeepStopsDisjoint(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	start := day.Add(11*time.Hour + 50*time.Minute)
	var positions []gps.Position
	for i := 0; i < 22; i++ {
		speed := 0.0
		if i == 21 {
			speed = 6
		}
		positions = append(positions, gps.Position{
			ID:       int64(i + 1),
			DeviceID: 7,
			FixTime:  start.Add(time.Duration(i) * time.Minute),
			Speed:    speed,
		})
	}
	if err := store.UpsertPositions(ctx, positions); err != nil {
		t.Fatalf("seed positions: %v", err)
	}

	p := &StopProcessor{Store: store, Options: gps.DefaultStopOptions(gps.PolicySpeed)}
	dayEnd := day.Add(24*time.Hour - time.Millisecond)
	noon := day.Add(12 * time.Hour)
	for _, job := range []storage.ReportJob{
		{DeviceID: 7, From: day, To: dayEnd},
		{DeviceID: 7, From: noon, To: noon.Add(time.Hour)},
	} {
		if err := p.Process(ctx, job); err != nil {
			t.Fatalf("process %s - %s: %v", job.From, job.To, err)
		}
	}

	stops, err := store.ListStops(ctx, 7, day, dayEnd)
	if err != nil {
		t.Fatalf("list stops: %v", err)
	}
	if len(stops) != 1 {
		t.Fatalf("expected 1 stop, got %+v", stops)
	}
	if !stops[0].StartTime.Equal(start) || !stops[0].EndTime.Equal(start.Add(20*time.Minute)) {
		t.Fatalf("expected stop 11:50 - 12:10, got %s - %s", stops[0].StartTime, stops[0].EndTime)
	}
}

func TestStopProcessor_ToleratesSideEffectFailures(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	base := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	seedDay(t, store, 7, base)

	places := &stubPlaces{err: errors.New("overpass down")}
	p := &StopProcessor{
		Store:     store,
		Places:    places,
		Options:   gps.DefaultStopOptions(gps.PolicySpeed),
		Publisher: &recordingPublisher{err: errors.New("nats down")},
	}
	job := storage.ReportJob{DeviceID: 7, From: base, To: base.Add(time.Hour)}
	if err := p.Process(ctx, job); err != nil {
		t.Fatalf("process should not fail on place or publish errors: %v", err)
	}
	stops, _ := store.ListStops(ctx, 7, job.From, job.To)
	if len(stops) != 1 || len(stops[0].Features) != 0 {
		t.Fatalf("expected one unannotated stop, got %+v", stops)
	}
}

type fakeSource struct {
	positions []gps.Position
}

func (f *fakeSource) ListPositions(ctx context.Context, deviceID int64, from, to time.Time) ([]gps.Position, error) {
	return f.positions, nil
}

func TestPipelineProcessor_IngestsThenComputes(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	base := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	source := &fakeSource{}
	for i, speed := range []float64{4, 0, 0, 0, 4} {
		source.positions = append(source.positions, gps.Position{
			ID:      int64(i + 1),
			FixTime: base.Add(time.Duration(i) * time.Minute),
			Speed:   speed,
		})
	}

	p := &PipelineProcessor{
		Ingest: &ingest.Ingestor{Store: store, Backend: source},
		Stops:  &StopProcessor{Store: store, Options: gps.DefaultStopOptions(gps.PolicySpeed)},
	}
	job := storage.ReportJob{DeviceID: 7, From: base, To: base.Add(time.Hour)}
	if err := p.Process(ctx, job); err != nil {
		t.Fatalf("process: %v", err)
	}
	if count, _ := store.CountPositions(ctx, 7); count != 5 {
		t.Fatalf("expected ingested positions, got %d", count)
	}
	stops, _ := store.ListStops(ctx, 7, job.From, job.To)
	if len(stops) != 1 {
		t.Fatalf("expected 1 stop, got %d", len(stops))
	}
}
