package processor

import (
	"context"
	"encoding/json"
	"time"

	"fleetstops/internal/gps"
	"fleetstops/internal/logger"
	"fleetstops/internal/maps"
	"fleetstops/internal/metrics"
	"fleetstops/internal/publisher"
	"fleetstops/internal/stats"
	"fleetstops/internal/storage"
)

type StopsPublisher interface {
	PublishStops(msg publisher.StopsMessage) error
}

type Broadcaster interface {
	Broadcast(deviceID int64, payload []byte)
}

type StopProcessor struct {
	Store     *storage.Store
	Places    maps.API
	Options   gps.StopOptions
	Publisher StopsPublisher
	Live      Broadcaster
	Metrics   *metrics.Collector
	Log       logger.Logger
}

func (p *StopProcessor) Process(ctx context.Context, job storage.ReportJob) error {
	start := time.Now()
	log := logger.OrDiscard(p.Log)
	ctx = logger.WithDeviceID(ctx, job.DeviceID)

	// Stops already stored across the window edges are detected again in
	// full so the replacement never leaves a truncated copy behind.
	from, to, err := p.Store.StopSpan(ctx, job.DeviceID, job.From, job.To)
	if err != nil {
		return err
	}
	positions, err := p.Store.LoadPositions(ctx, job.DeviceID, from, to)
	if err != nil {
		return err
	}

	stops := gps.DetectStops(positions, p.Options)
	p.annotate(ctx, stops)

	if err := p.Store.ReplaceStops(ctx, job.DeviceID, from, to, stops); err != nil {
		return err
	}

	summary := stats.FromStops(stops)
	msg := publisher.StopsMessage{
		Type:       publisher.MessageStopsComputed,
		DeviceID:   job.DeviceID,
		From:       from,
		To:         to,
		Stops:      stops,
		Summary:    summary,
		ComputedAt: time.Now().UTC(),
	}
	p.publish(ctx, msg)

	if p.Metrics != nil {
		p.Metrics.StopsDetected.Add(float64(len(stops)))
		p.Metrics.ReportDuration.Observe(time.Since(start).Seconds())
	}
	log.Info(ctx, "stops computed",
		"positions", len(positions),
		"stops", summary.StopCount,
		"stop_seconds", summary.StopTotalSeconds,
	)
	return nil
}

// annotate attaches nearby place labels. Lookup failures leave the stop
// unannotated rather than failing the report.
func (p *StopProcessor) annotate(ctx context.Context, stops []gps.Stop) {
	if p.Places == nil {
		return
	}
	log := logger.OrDiscard(p.Log)
	for i := range stops {
		features, err := p.Places.NearbyFeatures(ctx, stops[i].Position.Latitude, stops[i].Position.Longitude)
		if err != nil {
			if p.Metrics != nil {
				p.Metrics.PlaceLookups.WithLabelValues("error").Inc()
			}
			log.Warn(ctx, "nearby place lookup failed", "error", err)
			continue
		}
		if p.Metrics != nil {
			p.Metrics.PlaceLookups.WithLabelValues("ok").Inc()
		}
		for _, feature := range features {
			stops[i].Features = append(stops[i].Features, feature.Label())
		}
	}
}

func (p *StopProcessor) publish(ctx context.Context, msg publisher.StopsMessage) {
	log := logger.OrDiscard(p.Log)
	if p.Publisher != nil {
		if err := p.Publisher.PublishStops(msg); err != nil {
			log.Warn(ctx, "publish stops failed", "error", err)
		}
	}
	if p.Live != nil {
		payload, err := json.Marshal(msg)
		if err != nil {
			log.Error(ctx, "encode live update", err)
			return
		}
		p.Live.Broadcast(msg.DeviceID, payload)
	}
}
