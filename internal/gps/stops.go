package gps

import (
	"fmt"
	"strings"
	"time"
)

type Policy string

const (
	// PolicySpeed treats a fix at or below SpeedThreshold as stopped.
	PolicySpeed Policy = "speed"
	// PolicyIgnition treats a fix as stopped only when it reports ignition=false.
	PolicyIgnition Policy = "ignition"
)

const AttrIgnition = "ignition"

type Stop struct {
	Position     Position      `json:"position"`
	StartTime    time.Time     `json:"startTime"`
	EndTime      time.Time     `json:"endTime"`
	Duration     time.Duration `json:"-"`
	DurationMS   int64         `json:"duration"`
	Address      string        `json:"address,omitempty"`
	EndLatitude  float64       `json:"endLatitude"`
	EndLongitude float64       `json:"endLongitude"`
	Samples      int           `json:"samples"`
	Features     []string      `json:"features,omitempty"`
}

type StopOptions struct {
	Policy         Policy
	SpeedThreshold float64
	MinDuration    time.Duration
	FlushTrailing  bool
}

func DefaultStopOptions(policy Policy) StopOptions {
	if policy == PolicyIgnition {
		return StopOptions{
			Policy:        PolicyIgnition,
			MinDuration:   5 * time.Minute,
			FlushTrailing: true,
		}
	}
	return StopOptions{
		Policy:         PolicySpeed,
		SpeedThreshold: 1,
		MinDuration:    2 * time.Minute,
	}
}

func ParsePolicy(value string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(value))) {
	case PolicySpeed:
		return PolicySpeed, nil
	case PolicyIgnition:
		return PolicyIgnition, nil
	}
	return "", fmt.Errorf("unknown stop policy %q", value)
}

func (o StopOptions) stopped(p Position) bool {
	if o.Policy == PolicyIgnition {
		on, ok := p.Attributes.Bool(AttrIgnition)
		return ok && !on
	}
	return p.Speed <= o.SpeedThreshold
}

// DetectStops scans positions in order and returns the runs of stopped
// fixes spanning at least MinDuration. Input is expected sorted by fix time.
func DetectStops(positions []Position, opts StopOptions) []Stop {
	if len(positions) < 2 {
		return nil
	}

	var stops []Stop
	start := -1

	for i, p := range positions {
		if opts.stopped(p) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			if stop, ok := buildStop(positions, start, i-1, opts.MinDuration); ok {
				stops = append(stops, stop)
			}
			start = -1
		}
	}

	if start >= 0 && opts.FlushTrailing {
		if stop, ok := buildStop(positions, start, len(positions)-1, opts.MinDuration); ok {
			stops = append(stops, stop)
		}
	}

	return stops
}

func buildStop(positions []Position, first, last int, minDuration time.Duration) (Stop, bool) {
	begin := positions[first]
	end := positions[last]
	duration := end.FixTime.Sub(begin.FixTime)
	if duration < minDuration || duration < 0 {
		return Stop{}, false
	}
	startPos := begin
	startPos.Attributes = begin.Attributes.Clone()
	return Stop{
		Position:     startPos,
		StartTime:    begin.FixTime,
		EndTime:      end.FixTime,
		Duration:     duration,
		DurationMS:   duration.Milliseconds(),
		Address:      begin.Address,
		EndLatitude:  end.Latitude,
		EndLongitude: end.Longitude,
		Samples:      last - first + 1,
	}, true
}
