package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const (
	ReportQueued  = "queued"
	ReportRunning = "running"
	ReportDone    = "done"
	ReportFailed  = "failed"
)

// ReportJob asks for the stops of one device over [From, To] to be rebuilt.
type ReportJob struct {
	ID        int64
	DeviceID  int64
	From      time.Time
	To        time.Time
	Status    string
	Attempts  int
	LastError string
}

func (s *Store) EnqueueReport(ctx context.Context, deviceID int64, from, to time.Time) (int64, error) {
	if deviceID == 0 {
		return 0, errors.New("device id required")
	}
	if to.Before(from) {
		return 0, errors.New("report window ends before it starts")
	}

	// Collapse onto a pending job for the same window.
	row := s.db.QueryRowContext(ctx, `
SELECT id
FROM report_queue
WHERE device_id = ? AND window_from = ? AND window_to = ? AND status = ?
`, deviceID, from.UnixMilli(), to.UnixMilli(), ReportQueued)
	var existing int64
	err := row.Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO report_queue (device_id, window_from, window_to, status, enqueued_at, next_run_at)
VALUES (?, ?, ?, ?, ?, ?)
`, deviceID, from.UnixMilli(), to.UnixMilli(), ReportQueued, now.Unix(), now.Unix())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// DequeueReport claims the oldest queued job due at now. It returns
// sql.ErrNoRows when nothing is due.
func (s *Store) DequeueReport(ctx context.Context, now time.Time) (ReportJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ReportJob{}, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	row := tx.QueryRowContext(ctx, `
SELECT id, device_id, window_from, window_to, attempts, last_error
FROM report_queue
WHERE status = ? AND next_run_at <= ?
ORDER BY id
LIMIT 1
`, ReportQueued, now.Unix())
	var job ReportJob
	var from, to int64
	if err := row.Scan(&job.ID, &job.DeviceID, &from, &to, &job.Attempts, &job.LastError); err != nil {
		return ReportJob{}, err
	}
	job.From = time.UnixMilli(from).UTC()
	job.To = time.UnixMilli(to).UTC()
	job.Attempts++
	job.Status = ReportRunning

	if _, err := tx.ExecContext(ctx, `
UPDATE report_queue
SET status = ?, attempts = ?
WHERE id = ?
`, ReportRunning, job.Attempts, job.ID); err != nil {
		return ReportJob{}, err
	}
	if err := tx.Commit(); err != nil {
		return ReportJob{}, err
	}
	return job, nil
}

func (s *Store) MarkProcessed(ctx context.Context, jobID int64) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE report_queue
SET status = ?, processed_at = ?, last_error = ''
WHERE id = ?
`, ReportDone, time.Now().Unix(), jobID)
	return err
}

func (s *Store) MarkRetry(ctx context.Context, jobID int64, lastError string, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE report_queue
SET status = ?, last_error = ?, next_run_at = ?
WHERE id = ?
`, ReportQueued, lastError, nextRun.Unix(), jobID)
	return err
}

func (s *Store) MarkFailed(ctx context.Context, jobID int64, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE report_queue
SET status = ?, last_error = ?, processed_at = ?
WHERE id = ?
`, ReportFailed, lastError, time.Now().Unix(), jobID)
	return err
}

func (s *Store) GetReport(ctx context.Context, jobID int64) (ReportJob, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, device_id, window_from, window_to, status, attempts, last_error
FROM report_queue
WHERE id = ?
`, jobID)
	var job ReportJob
	var from, to int64
	if err := row.Scan(&job.ID, &job.DeviceID, &from, &to, &job.Status, &job.Attempts, &job.LastError); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ReportJob{}, ErrNotFound
		}
		return ReportJob{}, err
	}
	job.From = time.UnixMilli(from).UTC()
	job.To = time.UnixMilli(to).UTC()
	return job, nil
}

func (s *Store) CountQueue(ctx context.Context) (int, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM report_queue
WHERE status IN (?, ?)
`, ReportQueued, ReportRunning)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
