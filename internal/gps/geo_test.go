package gps

import (
	"math"
	"testing"
)

func TestCircleRoundTrip(t *testing.T) {
	c := Circle{Lat: -23.5505, Lon: -46.6333, RadiusM: 50}
	area := c.String()
	if area != "CIRCLE (-23.5505 -46.6333, 50)" {
		t.Fatalf("unexpected WKT: %s", area)
	}
	parsed, err := ParseCircle(area)
	if err != nil {
		t.Fatalf("parse circle: %v", err)
	}
	if parsed != c {
		t.Fatalf("round trip mismatch: %+v", parsed)
	}
}

func TestParseCircleRejectsOtherShapes(t *testing.T) {
	for _, area := range []string{"POLYGON ((1 1, 2 2, 3 3, 1 1))", "CIRCLE (1 2)", "CIRCLE (a 2, 3)", ""} {
		if _, err := ParseCircle(area); err == nil {
			t.Fatalf("expected error for %q", area)
		}
	}
}

func TestCircleContains(t *testing.T) {
	c := Circle{Lat: 40, Lon: -73, RadiusM: 50}
	if !c.Contains(40, -73) {
		t.Fatalf("center must be inside")
	}
	// ~0.0009 deg latitude is ~100 m.
	if c.Contains(40.0009, -73) {
		t.Fatalf("point 100m away must be outside")
	}
	if d := c.DistanceToEdge(40.0009, -73); math.Abs(d-50) > 1 {
		t.Fatalf("expected ~50m past the edge, got %.2f", d)
	}
}
