package traccar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"fleetstops/internal/gps"
	"fleetstops/internal/logger"
)

const DefaultBaseURL = "http://localhost:8082"

// queryTimeLayout keeps milliseconds so inclusive window ends survive.
const queryTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Client talks to the tracking backend's REST API.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Log        logger.Logger
}

type Device struct {
	ID          int64          `json:"id"`
	Name        string         `json:"name"`
	UniqueID    string         `json:"uniqueId"`
	Status      string         `json:"status"`
	LastUpdate  *time.Time     `json:"lastUpdate,omitempty"`
	GeofenceIDs []int64        `json:"geofenceIds,omitempty"`
	Attributes  gps.Attributes `json:"attributes"`
}

type Geofence struct {
	ID          int64          `json:"id,omitempty"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Area        string         `json:"area"`
	Attributes  gps.Attributes `json:"attributes,omitempty"`
}

type ComputedAttribute struct {
	ID          int64  `json:"id,omitempty"`
	Description string `json:"description"`
	Attribute   string `json:"attribute"`
	Expression  string `json:"expression"`
	Type        string `json:"type"`
}

// Permission links a device to a geofence or a computed attribute.
type Permission struct {
	DeviceID    int64 `json:"deviceId"`
	GeofenceID  int64 `json:"geofenceId,omitempty"`
	AttributeID int64 `json:"attributeId,omitempty"`
}

const (
	CommandEngineStop   = "engineStop"
	CommandEngineResume = "engineResume"
)

type positionPayload struct {
	ID         int64          `json:"id"`
	DeviceID   int64          `json:"deviceId"`
	FixTime    string         `json:"fixTime"`
	Latitude   float64        `json:"latitude"`
	Longitude  float64        `json:"longitude"`
	Speed      float64        `json:"speed"`
	Course     float64        `json:"course"`
	Address    string         `json:"address"`
	Attributes gps.Attributes `json:"attributes"`
}

// ListPositions returns the device's fixes within [from, to], in the order
// the backend reports them (ascending fix time).
func (c *Client) ListPositions(ctx context.Context, deviceID int64, from, to time.Time) ([]gps.Position, error) {
	params := url.Values{}
	params.Set("deviceId", strconv.FormatInt(deviceID, 10))
	params.Set("from", from.UTC().Format(queryTimeLayout))
	params.Set("to", to.UTC().Format(queryTimeLayout))

	var payload []positionPayload
	if err := c.do(ctx, http.MethodGet, "/api/positions", params, nil, &payload); err != nil {
		return nil, err
	}
	return convertPositions(payload)
}

// LatestPosition returns the device's last known fix. ok is false when the
// backend has none.
func (c *Client) LatestPosition(ctx context.Context, deviceID int64) (gps.Position, bool, error) {
	params := url.Values{}
	params.Set("deviceId", strconv.FormatInt(deviceID, 10))

	var payload []positionPayload
	if err := c.do(ctx, http.MethodGet, "/api/positions", params, nil, &payload); err != nil {
		return gps.Position{}, false, err
	}
	positions, err := convertPositions(payload)
	if err != nil {
		return gps.Position{}, false, err
	}
	if len(positions) == 0 {
		return gps.Position{}, false, nil
	}
	return positions[len(positions)-1], true, nil
}

func (c *Client) GetDevice(ctx context.Context, id int64) (Device, error) {
	params := url.Values{}
	params.Set("id", strconv.FormatInt(id, 10))

	var payload []Device
	if err := c.do(ctx, http.MethodGet, "/api/devices", params, nil, &payload); err != nil {
		return Device{}, err
	}
	if len(payload) == 0 {
		return Device{}, &APIError{StatusCode: http.StatusNotFound, Body: fmt.Sprintf("device %d not found", id)}
	}
	return payload[0], nil
}

func (c *Client) ListGeofences(ctx context.Context, deviceID int64) ([]Geofence, error) {
	params := url.Values{}
	params.Set("deviceId", strconv.FormatInt(deviceID, 10))

	var payload []Geofence
	if err := c.do(ctx, http.MethodGet, "/api/geofences", params, nil, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (c *Client) CreateGeofence(ctx context.Context, geofence Geofence) (Geofence, error) {
	var created Geofence
	if err := c.do(ctx, http.MethodPost, "/api/geofences", nil, geofence, &created); err != nil {
		return Geofence{}, err
	}
	return created, nil
}

func (c *Client) DeleteGeofence(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/geofences/%d", id), nil, nil, nil)
}

func (c *Client) ListComputedAttributes(ctx context.Context, deviceID int64) ([]ComputedAttribute, error) {
	params := url.Values{}
	params.Set("deviceId", strconv.FormatInt(deviceID, 10))

	var payload []ComputedAttribute
	if err := c.do(ctx, http.MethodGet, "/api/attributes/computed", params, nil, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (c *Client) CreateComputedAttribute(ctx context.Context, attr ComputedAttribute) (ComputedAttribute, error) {
	var created ComputedAttribute
	if err := c.do(ctx, http.MethodPost, "/api/attributes/computed", nil, attr, &created); err != nil {
		return ComputedAttribute{}, err
	}
	return created, nil
}

func (c *Client) DeleteComputedAttribute(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/attributes/computed/%d", id), nil, nil, nil)
}

func (c *Client) Link(ctx context.Context, p Permission) error {
	return c.do(ctx, http.MethodPost, "/api/permissions", nil, p, nil)
}

func (c *Client) Unlink(ctx context.Context, p Permission) error {
	return c.do(ctx, http.MethodDelete, "/api/permissions", nil, p, nil)
}

func (c *Client) SendCommand(ctx context.Context, deviceID int64, commandType string) error {
	body := struct {
		DeviceID   int64          `json:"deviceId"`
		Type       string         `json:"type"`
		Attributes map[string]any `json:"attributes"`
	}{
		DeviceID:   deviceID,
		Type:       commandType,
		Attributes: map[string]any{},
	}
	return c.do(ctx, http.MethodPost, "/api/commands/send", nil, body, nil)
}

func convertPositions(payload []positionPayload) ([]gps.Position, error) {
	positions := make([]gps.Position, 0, len(payload))
	for _, p := range payload {
		fix, err := time.Parse(time.RFC3339, p.FixTime)
		if err != nil {
			return nil, fmt.Errorf("parse fixTime of position %d: %w", p.ID, err)
		}
		positions = append(positions, gps.Position{
			ID:         p.ID,
			DeviceID:   p.DeviceID,
			FixTime:    fix,
			Latitude:   p.Latitude,
			Longitude:  p.Longitude,
			Speed:      p.Speed,
			Course:     p.Course,
			Address:    p.Address,
			Attributes: p.Attributes,
		})
	}
	return positions, nil
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body any, target any) error {
	base := c.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}

	u, err := url.Parse(base)
	if err != nil {
		return err
	}
	joined, err := url.JoinPath(u.Path, path)
	if err != nil {
		return err
	}
	u.Path = joined
	if params != nil {
		u.RawQuery = params.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	logRequest(ctx, c.Log, method, u.String())
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &APIError{
			StatusCode: resp.StatusCode,
			Body:       string(raw),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	if target == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(target)
}
