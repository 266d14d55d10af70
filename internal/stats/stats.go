package stats

import "fleetstops/internal/gps"

type StopStats struct {
	StopCount          int `json:"stopCount"`
	StopTotalSeconds   int `json:"stopTotalSeconds"`
	LongestStopSeconds int `json:"longestStopSeconds"`
	PlaceStopCount     int `json:"placeStopCount"`
}

// FromStops summarizes detected stops. PlaceStopCount counts stops that
// were annotated with at least one nearby place.
func FromStops(stops []gps.Stop) StopStats {
	result := StopStats{StopCount: len(stops)}
	for _, stop := range stops {
		seconds := int(stop.Duration.Seconds())
		result.StopTotalSeconds += seconds
		if seconds > result.LongestStopSeconds {
			result.LongestStopSeconds = seconds
		}
		if len(stop.Features) > 0 {
			result.PlaceStopCount++
		}
	}
	return result
}
