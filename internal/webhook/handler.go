package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"fleetstops/internal/gps"
	"fleetstops/internal/jobs"
	"fleetstops/internal/logger"
	"fleetstops/internal/metrics"
	"fleetstops/internal/storage"
)

const SignatureHeader = "X-Fleet-Signature"

const maxPayloadBytes = 1 << 20

// Event is the body the tracking backend forwards for each new position.
type Event struct {
	Position *gps.Position `json:"position"`
	Device   *EventDevice  `json:"device,omitempty"`
}

type EventDevice struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	UniqueID string `json:"uniqueId"`
}

// PositionSink stores a forwarded position.
type PositionSink interface {
	Accept(ctx context.Context, position gps.Position) error
}

type Broadcaster interface {
	Broadcast(deviceID int64, payload []byte)
}

type Handler struct {
	Store         *storage.Store
	Positions     PositionSink
	SigningSecret string
	Live          Broadcaster
	Metrics       *metrics.Collector
	Log           logger.Logger
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logger.WithAction(r.Context(), "forward")
	log := logger.OrDiscard(h.Log)
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if h.SigningSecret != "" {
		if !validSignature(payload, r.Header.Get(SignatureHeader), h.SigningSecret) {
			h.count("rejected")
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		h.count("rejected")
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	position, ok := event.normalized()
	if !ok {
		h.count("rejected")
		http.Error(w, "missing required fields", http.StatusBadRequest)
		return
	}
	ctx = logger.WithDeviceID(ctx, position.DeviceID)

	log.Debug(ctx, "position forwarded", "position_id", position.ID, "fix_time", position.FixTime)

	if err := h.recordEvent(ctx, position, string(payload)); err != nil {
		log.Error(ctx, "record forwarded position", err)
		http.Error(w, "failed to record event", http.StatusInternalServerError)
		return
	}
	h.count("accepted")
	h.broadcast(ctx, position)

	w.WriteHeader(http.StatusOK)
}

// normalized returns the position with the device id filled in from the
// device block when the position omits it.
func (e Event) normalized() (gps.Position, bool) {
	if e.Position == nil {
		return gps.Position{}, false
	}
	p := *e.Position
	if p.DeviceID == 0 && e.Device != nil {
		p.DeviceID = e.Device.ID
	}
	if p.DeviceID == 0 || p.FixTime.IsZero() {
		return gps.Position{}, false
	}
	return p, true
}

func (h *Handler) recordEvent(ctx context.Context, position gps.Position, payload string) error {
	_, err := h.Store.InsertForwardEvent(ctx, storage.ForwardEvent{
		DeviceID:   position.DeviceID,
		PositionID: position.ID,
		RawPayload: payload,
	})
	if err != nil {
		return err
	}

	if h.Positions != nil {
		if err := h.Positions.Accept(ctx, position); err != nil {
			return err
		}
	} else if err := h.Store.UpsertPositions(ctx, []gps.Position{position}); err != nil {
		return err
	}

	from, to := jobs.DayWindow(position.FixTime)
	if _, err := jobs.EnqueueStopReport(ctx, h.Store, position.DeviceID, from, to); err != nil {
		return err
	}
	return nil
}

type positionUpdate struct {
	Type     string       `json:"type"`
	Position gps.Position `json:"position"`
}

func (h *Handler) broadcast(ctx context.Context, position gps.Position) {
	if h.Live == nil {
		return
	}
	b, err := json.Marshal(positionUpdate{Type: "position", Position: position})
	if err != nil {
		logger.OrDiscard(h.Log).Error(ctx, "encode position update", err)
		return
	}
	h.Live.Broadcast(position.DeviceID, b)
}

func (h *Handler) count(result string) {
	if h.Metrics != nil {
		h.Metrics.ForwardedPositions.WithLabelValues(result).Inc()
	}
}

func validSignature(body []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	expected := mac.Sum(nil)
	received, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, received)
}
