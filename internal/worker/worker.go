package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fleetstops/internal/logger"
	"fleetstops/internal/metrics"
	"fleetstops/internal/storage"
	"fleetstops/internal/traccar"
)

const (
	defaultMaxAttempts = 5
	retryBase          = 30 * time.Second
	retryCap           = 10 * time.Minute
	rateLimitMinDelay  = 5 * time.Minute
)

type Processor interface {
	Process(ctx context.Context, job storage.ReportJob) error
}

type Worker struct {
	Store       *storage.Store
	Processor   Processor
	MaxAttempts int
	Metrics     *metrics.Collector
	Log         logger.Logger

	// Now is overridden in tests.
	Now func() time.Time
}

// ProcessNext claims the next due report job and runs it. processed is false
// when the queue had nothing due. A processor error is returned after the job
// has been rescheduled or marked failed.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	job, err := w.Store.DequeueReport(ctx, w.now())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	ctx = logger.WithDeviceID(logger.WithAction(ctx, "report"), job.DeviceID)
	log := logger.OrDiscard(w.Log)

	procErr := w.Processor.Process(ctx, job)
	if procErr == nil {
		w.count("done")
		if err := w.Store.MarkProcessed(ctx, job.ID); err != nil {
			return true, err
		}
		w.updateDepth(ctx)
		return true, nil
	}

	if job.Attempts >= w.maxAttempts() {
		w.count("failed")
		log.Error(ctx, "report job failed permanently", procErr, "job_id", job.ID, "attempts", job.Attempts)
		if err := w.Store.MarkFailed(ctx, job.ID, procErr.Error()); err != nil {
			return true, err
		}
		w.updateDepth(ctx)
		return true, fmt.Errorf("job %d: %w", job.ID, procErr)
	}

	delay := nextDelay(job.Attempts, procErr)
	w.count("retry")
	log.Warn(ctx, "report job will retry", "job_id", job.ID, "attempts", job.Attempts, "delay", delay.String(), "error", procErr)
	if err := w.Store.MarkRetry(ctx, job.ID, procErr.Error(), w.now().Add(delay)); err != nil {
		return true, err
	}
	return true, fmt.Errorf("job %d: %w", job.ID, procErr)
}

// Run polls the queue until ctx is done, sleeping idleDelay when there is
// nothing to do.
func (w *Worker) Run(ctx context.Context, idleDelay time.Duration) {
	if idleDelay <= 0 {
		idleDelay = 2 * time.Second
	}
	log := logger.OrDiscard(w.Log)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		processed, err := w.ProcessNext(ctx)
		if err != nil {
			log.Error(ctx, "worker error", err)
		}
		if !processed {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idleDelay):
			}
		}
	}
}

func nextDelay(attempts int, err error) time.Duration {
	delay := retryDelay(attempts)
	if traccar.IsRateLimited(err) {
		if retryAfter, ok := traccar.RateLimitBackoff(err); ok && retryAfter > delay {
			delay = retryAfter
		}
		if delay < rateLimitMinDelay {
			delay = rateLimitMinDelay
		}
	}
	return delay
}

func retryDelay(attempt int) time.Duration {
	delay := retryBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > retryCap {
			return retryCap
		}
	}
	return delay
}

func (w *Worker) maxAttempts() int {
	if w.MaxAttempts > 0 {
		return w.MaxAttempts
	}
	return defaultMaxAttempts
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w *Worker) count(result string) {
	if w.Metrics != nil {
		w.Metrics.ReportJobs.WithLabelValues(result).Inc()
	}
}

func (w *Worker) updateDepth(ctx context.Context) {
	if w.Metrics == nil {
		return
	}
	if depth, err := w.Store.CountQueue(ctx); err == nil {
		w.Metrics.QueueDepth.Set(float64(depth))
	}
}
