package maps

import "context"

// NearbyRadiusM is how far from a stop a place still counts as "at" it.
const NearbyRadiusM = 40

type FeatureType string

const (
	FeatureFuel         FeatureType = "fuel"
	FeatureParking      FeatureType = "parking"
	FeatureTrafficLight FeatureType = "traffic_signals"
)

type Feature struct {
	Type      FeatureType
	Name      string
	Lat       float64
	Lon       float64
	DistanceM float64
}

// Label is the short form stored on a stop, e.g. "fuel: Shell".
func (f Feature) Label() string {
	if f.Name == "" {
		return string(f.Type)
	}
	return string(f.Type) + ": " + f.Name
}

type API interface {
	NearbyFeatures(ctx context.Context, lat, lon float64) ([]Feature, error)
}
