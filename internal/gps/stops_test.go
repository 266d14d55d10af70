package gps

import (
	"math/rand"
	"testing"
	"time"
)

var base = time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

func speedSeries(speeds ...float64) []Position {
	positions := make([]Position, len(speeds))
	for i, s := range speeds {
		positions[i] = Position{
			ID:        int64(i + 1),
			Latitude:  1,
			Longitude: float64(i),
			FixTime:   base.Add(time.Duration(i) * time.Minute),
			Speed:     s,
			Address:   "stop " + string(rune('A'+i)),
		}
	}
	return positions
}

func ignitionSeries(values ...any) []Position {
	positions := make([]Position, len(values))
	for i, v := range values {
		attrs := Attributes{}
		if v != nil {
			attrs[AttrIgnition] = v
		}
		positions[i] = Position{
			ID:         int64(i + 1),
			FixTime:    base.Add(time.Duration(i) * time.Minute),
			Speed:      0,
			Attributes: attrs,
		}
	}
	return positions
}

func TestDetectStops(t *testing.T) {
	base := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	points := []Position{
		{Latitude: 1, Longitude: 1, FixTime: base, Speed: 5},
		{Latitude: 1, Longitude: 1, FixTime: base.Add(30 * time.Second), Speed: 5},
		{Latitude: 1, Longitude: 1, FixTime: base.Add(60 * time.Second), Speed: 0},
		{Latitude: 1, Longitude: 1, FixTime: base.Add(120 * time.Second), Speed: 0},
		{Latitude: 1, Longitude: 1, FixTime: base.Add(180 * time.Second), Speed: 0},
		{Latitude: 1, Longitude: 1, FixTime: base.Add(210 * time.Second), Speed: 5},
		{Latitude: 2, Longitude: 2, FixTime: base.Add(240 * time.Second), Speed: 0},
		{Latitude: 2, Longitude: 2, FixTime: base.Add(250 * time.Second), Speed: 0},
		{Latitude: 2, Longitude: 2, FixTime: base.Add(260 * time.Second), Speed: 5},
	}

	stops := DetectStops(points, StopOptions{Policy: PolicySpeed, SpeedThreshold: 0.5, MinDuration: time.Minute})
	if len(stops) != 1 {
		t.Fatalf("expected 1 stop, got %d", len(stops))
	}
	if got := stops[0].Duration; got != 120*time.Second {
		t.Fatalf("expected stop duration 120s, got %s", got)
	}
	if stops[0].DurationMS != 120000 {
		t.Fatalf("expected 120000ms, got %d", stops[0].DurationMS)
	}
	if stops[0].Samples != 3 {
		t.Fatalf("expected 3 samples, got %d", stops[0].Samples)
	}
}

func TestDetectStopsSpeedPolicyBoundary(t *testing.T) {
	positions := speedSeries(0, 0, 0, 5, 0, 0)

	stops := DetectStops(positions, DefaultStopOptions(PolicySpeed))
	if len(stops) != 1 {
		t.Fatalf("expected 1 stop, got %d", len(stops))
	}
	stop := stops[0]
	if !stop.StartTime.Equal(base) || !stop.EndTime.Equal(base.Add(2*time.Minute)) {
		t.Fatalf("unexpected span %s - %s", stop.StartTime, stop.EndTime)
	}
	if stop.Duration != 2*time.Minute {
		t.Fatalf("span equal to the minimum must qualify, got %s", stop.Duration)
	}
	if stop.Address != "stop A" {
		t.Fatalf("expected address of first position, got %q", stop.Address)
	}
	if stop.Position.ID != 1 {
		t.Fatalf("expected start position 1, got %d", stop.Position.ID)
	}
	if stop.EndLongitude != 2 {
		t.Fatalf("expected end longitude 2, got %v", stop.EndLongitude)
	}
}

func TestDetectStopsTrailingRun(t *testing.T) {
	positions := speedSeries(0, 0, 0, 5, 0, 0)

	tests := []struct {
		name      string
		opts      StopOptions
		wantStops int
	}{
		{
			name:      "not flushed",
			opts:      StopOptions{Policy: PolicySpeed, SpeedThreshold: 1, MinDuration: time.Minute},
			wantStops: 1,
		},
		{
			name:      "flushed at exactly the minimum",
			opts:      StopOptions{Policy: PolicySpeed, SpeedThreshold: 1, MinDuration: time.Minute, FlushTrailing: true},
			wantStops: 2,
		},
		{
			name:      "flushed but too short",
			opts:      StopOptions{Policy: PolicySpeed, SpeedThreshold: 1, MinDuration: 2 * time.Minute, FlushTrailing: true},
			wantStops: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stops := DetectStops(positions, tt.opts)
			if len(stops) != tt.wantStops {
				t.Fatalf("expected %d stops, got %d", tt.wantStops, len(stops))
			}
			if tt.wantStops == 2 {
				last := stops[1]
				if !last.StartTime.Equal(base.Add(4*time.Minute)) || last.Duration != time.Minute {
					t.Fatalf("unexpected trailing stop: %+v", last)
				}
			}
		})
	}
}

func TestDetectStopsIgnitionPolicy(t *testing.T) {
	positions := ignitionSeries(false, false, false, false, false, false, true)

	stops := DetectStops(positions, DefaultStopOptions(PolicyIgnition))
	if len(stops) != 1 {
		t.Fatalf("expected 1 stop, got %d", len(stops))
	}
	if !stops[0].EndTime.Equal(base.Add(5 * time.Minute)) {
		t.Fatalf("stop should end at the fix before ignition on, got %s", stops[0].EndTime)
	}
	if stops[0].Duration != 5*time.Minute {
		t.Fatalf("expected 5m, got %s", stops[0].Duration)
	}
	if on, ok := stops[0].Position.Attributes.Bool(AttrIgnition); !ok || on {
		t.Fatalf("expected start position attributes to be carried")
	}
}

func TestDetectStopsIgnitionTrailingRun(t *testing.T) {
	positions := ignitionSeries(true, false, false, false, false, false, false)

	flushed := DetectStops(positions, DefaultStopOptions(PolicyIgnition))
	if len(flushed) != 1 {
		t.Fatalf("expected trailing stop, got %d", len(flushed))
	}
	if !flushed[0].StartTime.Equal(base.Add(time.Minute)) || flushed[0].Duration != 5*time.Minute {
		t.Fatalf("unexpected trailing stop: %+v", flushed[0])
	}

	opts := DefaultStopOptions(PolicyIgnition)
	opts.FlushTrailing = false
	if stops := DetectStops(positions, opts); len(stops) != 0 {
		t.Fatalf("expected no stops without flush, got %d", len(stops))
	}
}

func TestDetectStopsIgnitionIgnoresMissingSignal(t *testing.T) {
	positions := ignitionSeries(false, false, nil, false, false, "false", false, false)
	opts := StopOptions{Policy: PolicyIgnition, MinDuration: time.Minute, FlushTrailing: true}

	stops := DetectStops(positions, opts)
	if len(stops) != 3 {
		t.Fatalf("expected 3 stops split by missing/non-bool signal, got %d", len(stops))
	}
	for i, stop := range stops {
		if stop.Duration != time.Minute {
			t.Fatalf("stop %d: expected 1m, got %s", i, stop.Duration)
		}
	}
}

func TestDetectStopsDegenerateInput(t *testing.T) {
	opts := StopOptions{Policy: PolicySpeed, SpeedThreshold: 1, FlushTrailing: true}
	if stops := DetectStops(nil, opts); len(stops) != 0 {
		t.Fatalf("expected no stops for nil input")
	}
	if stops := DetectStops([]Position{}, opts); len(stops) != 0 {
		t.Fatalf("expected no stops for empty input")
	}
	if stops := DetectStops(speedSeries(0), opts); len(stops) != 0 {
		t.Fatalf("expected no stops for a single position")
	}
	if stops := DetectStops(speedSeries(10, 20, 30, 40), opts); len(stops) != 0 {
		t.Fatalf("expected no stops when always moving")
	}
}

func TestDetectStopsUnorderedInputDoesNotPanic(t *testing.T) {
	positions := speedSeries(0, 0, 0, 5)
	positions[0].FixTime, positions[2].FixTime = positions[2].FixTime, positions[0].FixTime

	stops := DetectStops(positions, StopOptions{Policy: PolicySpeed, SpeedThreshold: 1})
	for _, stop := range stops {
		if stop.Duration < 0 {
			t.Fatalf("negative duration emitted: %s", stop.Duration)
		}
	}
}

func TestDetectStopsProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for _, policy := range []Policy{PolicySpeed, PolicyIgnition} {
		for round := 0; round < 200; round++ {
			n := rng.Intn(60)
			positions := make([]Position, n)
			ts := base
			for i := range positions {
				ts = ts.Add(time.Duration(1+rng.Intn(120)) * time.Second)
				attrs := Attributes{}
				if rng.Intn(5) > 0 {
					attrs[AttrIgnition] = rng.Intn(2) == 0
				}
				positions[i] = Position{FixTime: ts, Speed: float64(rng.Intn(4)), Attributes: attrs}
			}
			opts := StopOptions{
				Policy:         policy,
				SpeedThreshold: 1,
				MinDuration:    time.Duration(rng.Intn(5)) * time.Minute,
				FlushTrailing:  rng.Intn(2) == 0,
			}

			stops := DetectStops(positions, opts)
			for i, stop := range stops {
				if stop.Duration < opts.MinDuration {
					t.Fatalf("%s round %d: stop %d shorter than minimum", policy, round, i)
				}
				if stop.EndTime.Before(stop.StartTime) {
					t.Fatalf("%s round %d: stop %d ends before it starts", policy, round, i)
				}
				if i > 0 && !stops[i-1].EndTime.Before(stop.StartTime) {
					t.Fatalf("%s round %d: stops %d and %d overlap or are unordered", policy, round, i-1, i)
				}
			}
		}
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy(" Ignition "); err != nil || p != PolicyIgnition {
		t.Fatalf("unexpected parse result %q %v", p, err)
	}
	if _, err := ParsePolicy("motion"); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}
