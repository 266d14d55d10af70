package anchor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"fleetstops/internal/gps"
	"fleetstops/internal/logger"
	"fleetstops/internal/storage"
	"fleetstops/internal/traccar"
)

const (
	DefaultRadiusM        = 50
	DefaultGeofencePrefix = "Anchor"
	DefaultRulePrefix     = "Anchor rule"

	attrBlocked     = "blocked"
	attrOut1        = "out1"
	attrDuration    = "duration"
	attrParkingTime = "parkingTime"
)

// Motion summarizes what the device is doing right now.
type Motion string

const (
	MotionMoving  Motion = "moving"
	MotionIdle    Motion = "idle"
	MotionParked  Motion = "parked"
	MotionOffline Motion = "offline"
)

var ErrNoPosition = errors.New("device has no known position")

// Backend is the subset of the tracking backend API the anchor toggle uses.
type Backend interface {
	GetDevice(ctx context.Context, id int64) (traccar.Device, error)
	LatestPosition(ctx context.Context, deviceID int64) (gps.Position, bool, error)
	ListGeofences(ctx context.Context, deviceID int64) ([]traccar.Geofence, error)
	CreateGeofence(ctx context.Context, geofence traccar.Geofence) (traccar.Geofence, error)
	DeleteGeofence(ctx context.Context, id int64) error
	ListComputedAttributes(ctx context.Context, deviceID int64) ([]traccar.ComputedAttribute, error)
	CreateComputedAttribute(ctx context.Context, attr traccar.ComputedAttribute) (traccar.ComputedAttribute, error)
	DeleteComputedAttribute(ctx context.Context, id int64) error
	Link(ctx context.Context, p traccar.Permission) error
	Unlink(ctx context.Context, p traccar.Permission) error
	SendCommand(ctx context.Context, deviceID int64, commandType string) error
}

// Service pins a device to its current location. While anchored, the
// backend computes blocked=true as soon as the device leaves the circle.
type Service struct {
	Backend        Backend
	Store          *storage.Store
	RadiusM        float64
	GeofencePrefix string
	RulePrefix     string
	Log            logger.Logger

	// Now is overridden in tests.
	Now func() time.Time
}

type State struct {
	DeviceID    int64       `json:"deviceId"`
	Anchored    bool        `json:"anchored"`
	Area        *gps.Circle `json:"area,omitempty"`
	GeofenceID  int64       `json:"geofenceId,omitempty"`
	AttributeID int64       `json:"attributeId,omitempty"`
}

// Status is the dashboard view of one device. StoppedFor is only set while
// parked.
type Status struct {
	DeviceID     int64         `json:"deviceId"`
	Name         string        `json:"name"`
	Online       string        `json:"status"`
	Anchored     bool          `json:"anchored"`
	Locked       bool          `json:"locked"`
	Ignition     *bool         `json:"ignition"`
	Motion       Motion        `json:"motion"`
	StoppedFor   time.Duration `json:"-"`
	StoppedForMS int64         `json:"stoppedFor,omitempty"`
	Position     *gps.Position `json:"position,omitempty"`
	Area         *gps.Circle   `json:"area,omitempty"`
	Outside      bool          `json:"outside"`
	DistanceM    float64       `json:"distanceM,omitempty"`
}

// Toggle activates the anchor when the device has none and removes it
// otherwise.
func (s *Service) Toggle(ctx context.Context, deviceID int64) (State, error) {
	geofences, err := s.anchorGeofences(ctx, deviceID)
	if err != nil {
		return State{}, err
	}
	if len(geofences) > 0 {
		return s.Deactivate(ctx, deviceID)
	}
	return s.Activate(ctx, deviceID)
}

func (s *Service) Activate(ctx context.Context, deviceID int64) (State, error) {
	ctx = logger.WithDeviceID(logger.WithAction(ctx, "anchor_activate"), deviceID)
	log := logger.OrDiscard(s.Log)

	device, err := s.Backend.GetDevice(ctx, deviceID)
	if err != nil {
		return State{}, fmt.Errorf("get device: %w", err)
	}
	position, ok, err := s.Backend.LatestPosition(ctx, deviceID)
	if err != nil {
		return State{}, fmt.Errorf("latest position: %w", err)
	}
	if !ok {
		return State{}, ErrNoPosition
	}

	area := gps.Circle{Lat: position.Latitude, Lon: position.Longitude, RadiusM: s.radius()}
	geofence, err := s.Backend.CreateGeofence(ctx, traccar.Geofence{
		Name: s.geofencePrefix() + " - " + device.Name,
		Area: area.String(),
	})
	if err != nil {
		return State{}, fmt.Errorf("create geofence: %w", err)
	}
	if err := s.Backend.Link(ctx, traccar.Permission{DeviceID: deviceID, GeofenceID: geofence.ID}); err != nil {
		s.cleanupGeofence(ctx, geofence.ID)
		return State{}, fmt.Errorf("link geofence: %w", err)
	}

	attr, err := s.Backend.CreateComputedAttribute(ctx, traccar.ComputedAttribute{
		Description: s.rulePrefix() + " - " + device.Name,
		Attribute:   attrBlocked,
		Expression:  "!geofenceIds.contains(" + strconv.FormatInt(geofence.ID, 10) + ")",
		Type:        "boolean",
	})
	if err != nil {
		s.unlinkGeofence(ctx, deviceID, geofence.ID)
		return State{}, fmt.Errorf("create anchor rule: %w", err)
	}
	if err := s.Backend.Link(ctx, traccar.Permission{DeviceID: deviceID, AttributeID: attr.ID}); err != nil {
		_ = s.Backend.DeleteComputedAttribute(ctx, attr.ID)
		s.unlinkGeofence(ctx, deviceID, geofence.ID)
		return State{}, fmt.Errorf("link anchor rule: %w", err)
	}

	if s.Store != nil {
		if err := s.Store.SaveAnchor(ctx, storage.Anchor{
			DeviceID:    deviceID,
			GeofenceID:  geofence.ID,
			AttributeID: attr.ID,
			Lat:         area.Lat,
			Lon:         area.Lon,
			RadiusM:     area.RadiusM,
			CreatedAt:   time.Now(),
		}); err != nil {
			log.Warn(ctx, "save anchor record", "error", err)
		}
	}

	log.Info(ctx, "anchor activated", "geofence_id", geofence.ID, "attribute_id", attr.ID, "area", area.String())
	return State{
		DeviceID:    deviceID,
		Anchored:    true,
		Area:        &area,
		GeofenceID:  geofence.ID,
		AttributeID: attr.ID,
	}, nil
}

// Deactivate removes every anchor geofence and rule linked to the device
// and releases the engine.
func (s *Service) Deactivate(ctx context.Context, deviceID int64) (State, error) {
	ctx = logger.WithDeviceID(logger.WithAction(ctx, "anchor_deactivate"), deviceID)
	log := logger.OrDiscard(s.Log)

	geofences, err := s.anchorGeofences(ctx, deviceID)
	if err != nil {
		return State{}, err
	}
	attrs, err := s.Backend.ListComputedAttributes(ctx, deviceID)
	if err != nil {
		return State{}, fmt.Errorf("list computed attributes: %w", err)
	}

	// Permissions go first so the backend does not reject the delete.
	for _, g := range geofences {
		if err := s.Backend.Unlink(ctx, traccar.Permission{DeviceID: deviceID, GeofenceID: g.ID}); err != nil && !traccar.IsNotFound(err) {
			return State{}, fmt.Errorf("unlink geofence %d: %w", g.ID, err)
		}
		if err := s.Backend.DeleteGeofence(ctx, g.ID); err != nil && !traccar.IsNotFound(err) {
			return State{}, fmt.Errorf("delete geofence %d: %w", g.ID, err)
		}
	}
	for _, a := range attrs {
		if !strings.HasPrefix(a.Description, s.rulePrefix()) {
			continue
		}
		if err := s.Backend.Unlink(ctx, traccar.Permission{DeviceID: deviceID, AttributeID: a.ID}); err != nil && !traccar.IsNotFound(err) {
			return State{}, fmt.Errorf("unlink anchor rule %d: %w", a.ID, err)
		}
		if err := s.Backend.DeleteComputedAttribute(ctx, a.ID); err != nil && !traccar.IsNotFound(err) {
			return State{}, fmt.Errorf("delete anchor rule %d: %w", a.ID, err)
		}
	}

	if err := s.Unlock(ctx, deviceID); err != nil {
		return State{}, err
	}
	if s.Store != nil {
		if err := s.Store.DeleteAnchor(ctx, deviceID); err != nil {
			log.Warn(ctx, "delete anchor record", "error", err)
		}
	}

	log.Info(ctx, "anchor removed", "geofences", len(geofences))
	return State{DeviceID: deviceID}, nil
}

// Status combines the device, its latest fix and the anchor geofence.
func (s *Service) Status(ctx context.Context, deviceID int64) (Status, error) {
	device, err := s.Backend.GetDevice(ctx, deviceID)
	if err != nil {
		return Status{}, fmt.Errorf("get device: %w", err)
	}
	position, hasPosition, err := s.Backend.LatestPosition(ctx, deviceID)
	if err != nil {
		return Status{}, fmt.Errorf("latest position: %w", err)
	}
	geofences, err := s.anchorGeofences(ctx, deviceID)
	if err != nil {
		return Status{}, err
	}

	status := Status{
		DeviceID: device.ID,
		Name:     device.Name,
		Online:   device.Status,
		Anchored: len(geofences) > 0,
		Locked:   IsLocked(device.Attributes, nil),
	}
	var latest *gps.Position
	if hasPosition {
		latest = &position
		status.Position = latest
		status.Locked = IsLocked(device.Attributes, position.Attributes)
		if on, ok := position.Attributes.Bool(gps.AttrIgnition); ok {
			status.Ignition = &on
		}
	}
	status.Motion, status.StoppedFor = MotionState(device, latest, s.now())
	status.StoppedForMS = status.StoppedFor.Milliseconds()

	for _, g := range geofences {
		area, err := gps.ParseCircle(g.Area)
		if err != nil {
			continue
		}
		status.Area = &area
		break
	}
	if status.Anchored && status.Area == nil && s.Store != nil {
		// Fall back to the circle recorded at activation.
		if record, err := s.Store.GetAnchor(ctx, deviceID); err == nil {
			status.Area = &gps.Circle{Lat: record.Lat, Lon: record.Lon, RadiusM: record.RadiusM}
		} else if !errors.Is(err, storage.ErrNotFound) {
			logger.OrDiscard(s.Log).Warn(ctx, "read anchor record", "error", err)
		}
	}
	if status.Area != nil && hasPosition {
		status.DistanceM = gps.HaversineMeters(status.Area.Lat, status.Area.Lon, position.Latitude, position.Longitude)
		status.Outside = !status.Area.Contains(position.Latitude, position.Longitude)
	}
	return status, nil
}

// IsLocked reports whether the engine is cut, as flagged by either the
// device or its latest position.
func IsLocked(device, position gps.Attributes) bool {
	return device.Truthy(attrBlocked) || device.Truthy(attrOut1) ||
		position.Truthy(attrBlocked) || position.Truthy(attrOut1)
}

// MotionState reports moving or idle while the ignition is on, parked with
// the time stopped otherwise. Devices that went offline after reporting
// are offline regardless of their last fix.
func MotionState(device traccar.Device, position *gps.Position, now time.Time) (Motion, time.Duration) {
	if device.Status != "online" && device.LastUpdate != nil {
		return MotionOffline, 0
	}
	if position != nil && position.Attributes.Truthy(gps.AttrIgnition) {
		if position.Speed > 0 {
			return MotionMoving, 0
		}
		return MotionIdle, 0
	}

	var stopped time.Duration
	if position != nil {
		// duration and parkingTime are milliseconds computed by the backend.
		if ms, ok := position.Attributes.Float(attrDuration); ok && ms != 0 {
			stopped = time.Duration(ms) * time.Millisecond
		} else if ms, ok := position.Attributes.Float(attrParkingTime); ok && ms != 0 {
			stopped = time.Duration(ms) * time.Millisecond
		} else if !position.FixTime.IsZero() {
			stopped = now.Sub(position.FixTime)
		}
	}
	if stopped < 0 {
		stopped = 0
	}
	return MotionParked, stopped
}

func (s *Service) Lock(ctx context.Context, deviceID int64) error {
	if err := s.Backend.SendCommand(ctx, deviceID, traccar.CommandEngineStop); err != nil {
		return fmt.Errorf("send %s: %w", traccar.CommandEngineStop, err)
	}
	return nil
}

func (s *Service) Unlock(ctx context.Context, deviceID int64) error {
	if err := s.Backend.SendCommand(ctx, deviceID, traccar.CommandEngineResume); err != nil {
		return fmt.Errorf("send %s: %w", traccar.CommandEngineResume, err)
	}
	return nil
}

func (s *Service) anchorGeofences(ctx context.Context, deviceID int64) ([]traccar.Geofence, error) {
	geofences, err := s.Backend.ListGeofences(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("list geofences: %w", err)
	}
	var out []traccar.Geofence
	for _, g := range geofences {
		if strings.HasPrefix(g.Name, s.geofencePrefix()) {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *Service) unlinkGeofence(ctx context.Context, deviceID, geofenceID int64) {
	_ = s.Backend.Unlink(ctx, traccar.Permission{DeviceID: deviceID, GeofenceID: geofenceID})
	s.cleanupGeofence(ctx, geofenceID)
}

func (s *Service) cleanupGeofence(ctx context.Context, geofenceID int64) {
	if err := s.Backend.DeleteGeofence(ctx, geofenceID); err != nil {
		logger.OrDiscard(s.Log).Warn(ctx, "cleanup geofence failed", "geofence_id", geofenceID, "error", err)
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) radius() float64 {
	if s.RadiusM > 0 {
		return s.RadiusM
	}
	return DefaultRadiusM
}

func (s *Service) geofencePrefix() string {
	if s.GeofencePrefix != "" {
		return s.GeofencePrefix
	}
	return DefaultGeofencePrefix
}

func (s *Service) rulePrefix() string {
	if s.RulePrefix != "" {
		return s.RulePrefix
	}
	return DefaultRulePrefix
}
