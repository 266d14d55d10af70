package gps

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Circle is a circular area as the tracking backend encodes it in WKT:
// CIRCLE (lat lon, radius).
type Circle struct {
	Lat     float64 `json:"latitude"`
	Lon     float64 `json:"longitude"`
	RadiusM float64 `json:"radius"`
}

func (c Circle) Contains(lat, lon float64) bool {
	return c.DistanceToEdge(lat, lon) <= 0
}

// DistanceToEdge is negative inside the circle.
func (c Circle) DistanceToEdge(lat, lon float64) float64 {
	return HaversineMeters(c.Lat, c.Lon, lat, lon) - c.RadiusM
}

func (c Circle) String() string {
	return fmt.Sprintf("CIRCLE (%s %s, %s)",
		strconv.FormatFloat(c.Lat, 'f', -1, 64),
		strconv.FormatFloat(c.Lon, 'f', -1, 64),
		strconv.FormatFloat(c.RadiusM, 'f', -1, 64))
}

func ParseCircle(area string) (Circle, error) {
	s := strings.TrimSpace(area)
	if !strings.HasPrefix(strings.ToUpper(s), "CIRCLE") {
		return Circle{}, fmt.Errorf("not a circle: %q", area)
	}
	open := strings.Index(s, "(")
	end := strings.LastIndex(s, ")")
	if open < 0 || end < open {
		return Circle{}, fmt.Errorf("malformed circle: %q", area)
	}
	center, radius, ok := strings.Cut(s[open+1:end], ",")
	if !ok {
		return Circle{}, fmt.Errorf("malformed circle: %q", area)
	}
	coords := strings.Fields(center)
	if len(coords) != 2 {
		return Circle{}, fmt.Errorf("malformed circle center: %q", area)
	}
	var c Circle
	var err error
	if c.Lat, err = strconv.ParseFloat(coords[0], 64); err != nil {
		return Circle{}, fmt.Errorf("circle latitude: %w", err)
	}
	if c.Lon, err = strconv.ParseFloat(coords[1], 64); err != nil {
		return Circle{}, fmt.Errorf("circle longitude: %w", err)
	}
	if c.RadiusM, err = strconv.ParseFloat(strings.TrimSpace(radius), 64); err != nil {
		return Circle{}, fmt.Errorf("circle radius: %w", err)
	}
	return c, nil
}

// HaversineMeters calculates the distance between two points in meters.
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadius = 6371000 // meters
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadius * c
}
