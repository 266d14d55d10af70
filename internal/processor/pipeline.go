package processor

import (
	"context"

	"fleetstops/internal/ingest"
	"fleetstops/internal/storage"
)

// PipelineProcessor refreshes the window from the backend before computing
// stops. With no ingestor it only recomputes from stored positions.
type PipelineProcessor struct {
	Ingest *ingest.Ingestor
	Stops  *StopProcessor
}

func (p *PipelineProcessor) Process(ctx context.Context, job storage.ReportJob) error {
	if p.Ingest != nil {
		if _, err := p.Ingest.EnsureWindow(ctx, job.DeviceID, job.From, job.To); err != nil {
			return err
		}
	}
	if p.Stops != nil {
		if err := p.Stops.Process(ctx, job); err != nil {
			return err
		}
	}
	return nil
}
