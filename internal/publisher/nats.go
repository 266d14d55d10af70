package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"fleetstops/internal/gps"
	"fleetstops/internal/logger"
	"fleetstops/internal/stats"
)

const DefaultSubjectPrefix = "fleet.stops"

type NATSPublisher struct {
	nc      *nats.Conn
	prefix  string
	log     logger.Logger
	metrics PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

// StopsMessage is emitted whenever a device's stops are recomputed for a window.
type StopsMessage struct {
	Type       string          `json:"type"`
	DeviceID   int64           `json:"deviceId"`
	From       time.Time       `json:"from"`
	To         time.Time       `json:"to"`
	Stops      []gps.Stop      `json:"stops"`
	Summary    stats.StopStats `json:"summary"`
	ComputedAt time.Time       `json:"computedAt"`
}

const MessageStopsComputed = "stopsComputed"

func NewNATSPublisher(url, prefix string, l logger.Logger, m PublisherMetrics) (*NATSPublisher, error) {
	l = logger.OrDiscard(l)
	ctx := logger.WithAction(context.Background(), "nats")
	nc, err := nats.Connect(url,
		nats.Name("fleetstops"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			l.Warn(ctx, "nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			l.Info(ctx, "nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			l.Info(ctx, "nats closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{nc: nc, prefix: prefix, log: l, metrics: m}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

func (p *NATSPublisher) PublishStops(msg StopsMessage) error {
	subject := Subject(p.prefix, msg.DeviceID)
	if msg.Type == "" {
		msg.Type = MessageStopsComputed
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.log.Debug(logger.WithDeviceID(context.Background(), msg.DeviceID), "nats publish", "subject", subject, "stops", len(msg.Stops))
	return nil
}

// Subject returns "<prefix>.<deviceID>" with the prefix sanitized into valid
// NATS tokens.
func Subject(prefix string, deviceID int64) string {
	parts := strings.Split(strings.Trim(prefix, "."), ".")
	for i, part := range parts {
		parts[i] = subjectToken(part)
	}
	parts = append(parts, strconv.FormatInt(deviceID, 10))
	return strings.Join(parts, ".")
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
