package gps

import "time"

// Position is a single fix reported by a tracked device.
type Position struct {
	ID         int64      `json:"id"`
	DeviceID   int64      `json:"deviceId"`
	FixTime    time.Time  `json:"fixTime"`
	Latitude   float64    `json:"latitude"`
	Longitude  float64    `json:"longitude"`
	Speed      float64    `json:"speed"`
	Course     float64    `json:"course"`
	Address    string     `json:"address,omitempty"`
	Attributes Attributes `json:"attributes,omitempty"`
}

// Attributes holds the free-form values a device attaches to a fix
// (ignition, batteryLevel, blocked, out1, ...).
type Attributes map[string]any

// Bool reports the attribute as a boolean. ok is false when the key is
// missing or holds a non-boolean value.
func (a Attributes) Bool(key string) (value bool, ok bool) {
	if a == nil {
		return false, false
	}
	value, ok = a[key].(bool)
	return value, ok
}

func (a Attributes) Float(key string) (float64, bool) {
	if a == nil {
		return 0, false
	}
	switch v := a[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Truthy is true only for a boolean attribute set to true.
func (a Attributes) Truthy(key string) bool {
	v, ok := a.Bool(key)
	return ok && v
}

func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}
