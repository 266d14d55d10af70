package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fleetstops/internal/anchor"
	"fleetstops/internal/gps"
	"fleetstops/internal/jobs"
	"fleetstops/internal/logger"
	"fleetstops/internal/metrics"
	"fleetstops/internal/stats"
	"fleetstops/internal/storage"
	"fleetstops/internal/traccar"
)

type AnchorService interface {
	Toggle(ctx context.Context, deviceID int64) (anchor.State, error)
	Status(ctx context.Context, deviceID int64) (anchor.Status, error)
	Lock(ctx context.Context, deviceID int64) error
	Unlock(ctx context.Context, deviceID int64) error
}

type LiveStream interface {
	ServeWS(w http.ResponseWriter, r *http.Request, deviceID int64)
}

type Server struct {
	store    *storage.Store
	anchors  AnchorService
	live     LiveStream
	stopOpts gps.StopOptions
	metrics  *metrics.Collector
	log      logger.Logger
}

type Options struct {
	Store       *storage.Store
	Anchors     AnchorService
	Live        LiveStream
	StopOptions gps.StopOptions
	Metrics     *metrics.Collector
	Log         logger.Logger
}

func NewServer(opts Options) *Server {
	return &Server{
		store:    opts.Store,
		anchors:  opts.Anchors,
		live:     opts.Live,
		stopOpts: opts.StopOptions,
		metrics:  opts.Metrics,
		log:      logger.OrDiscard(opts.Log),
	}
}

// Register adds the JSON API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/devices/{id}/stops", s.Stops)
	mux.HandleFunc("GET /api/devices/{id}/stops/summary", s.StopSummary)
	mux.HandleFunc("GET /api/devices/{id}/positions", s.Positions)
	mux.HandleFunc("POST /api/devices/{id}/reports", s.EnqueueReport)
	mux.HandleFunc("GET /api/reports/{id}", s.Report)
	mux.HandleFunc("POST /api/devices/{id}/anchor", s.ToggleAnchor)
	mux.HandleFunc("GET /api/devices/{id}/status", s.DeviceStatus)
	mux.HandleFunc("POST /api/devices/{id}/commands", s.SendCommand)
	mux.HandleFunc("GET /api/devices/{id}/live", s.Live)
	mux.HandleFunc("GET /api/admin/queue", s.Queue)
	mux.HandleFunc("GET /healthz", s.Healthz)
}

type stopsResponse struct {
	DeviceID int64      `json:"deviceId"`
	From     time.Time  `json:"from"`
	To       time.Time  `json:"to"`
	Source   string     `json:"source"`
	Stops    []gps.Stop `json:"stops"`
}

type summaryResponse struct {
	DeviceID      int64           `json:"deviceId"`
	From          time.Time       `json:"from"`
	To            time.Time       `json:"to"`
	Summary       stats.StopStats `json:"summary"`
	TotalDuration string          `json:"totalDuration"`
	LongestStop   string          `json:"longestStop"`
}

// Stops returns the stored stops for the window. Any of policy,
// minDuration, threshold or flush switches to a live recomputation from
// stored positions with those options.
func (s *Server) Stops(w http.ResponseWriter, r *http.Request) {
	deviceID, from, to, ok := s.deviceWindow(w, r)
	if !ok {
		return
	}
	stops, source, err := s.loadStops(r, deviceID, from, to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if stops == nil {
		stops = []gps.Stop{}
	}
	writeJSON(w, http.StatusOK, stopsResponse{DeviceID: deviceID, From: from, To: to, Source: source, Stops: stops})
}

func (s *Server) StopSummary(w http.ResponseWriter, r *http.Request) {
	deviceID, from, to, ok := s.deviceWindow(w, r)
	if !ok {
		return
	}
	stops, _, err := s.loadStops(r, deviceID, from, to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	summary := stats.FromStops(stops)
	writeJSON(w, http.StatusOK, summaryResponse{
		DeviceID:      deviceID,
		From:          from,
		To:            to,
		Summary:       summary,
		TotalDuration: formatDuration(summary.StopTotalSeconds),
		LongestStop:   formatDuration(summary.LongestStopSeconds),
	})
}

type positionsResponse struct {
	DeviceID  int64          `json:"deviceId"`
	From      time.Time      `json:"from"`
	To        time.Time      `json:"to"`
	Positions []gps.Position `json:"positions"`
}

// Positions lists the stored fixes of the window in fix time order.
func (s *Server) Positions(w http.ResponseWriter, r *http.Request) {
	deviceID, from, to, ok := s.deviceWindow(w, r)
	if !ok {
		return
	}
	positions, err := s.store.LoadPositions(r.Context(), deviceID, from, to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if positions == nil {
		positions = []gps.Position{}
	}
	writeJSON(w, http.StatusOK, positionsResponse{DeviceID: deviceID, From: from, To: to, Positions: positions})
}

type reportResponse struct {
	ID        int64     `json:"id"`
	DeviceID  int64     `json:"deviceId"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError,omitempty"`
}

func (s *Server) Report(w http.ResponseWriter, r *http.Request) {
	jobID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || jobID <= 0 {
		writeErrorMessage(w, http.StatusBadRequest, "invalid report id")
		return
	}
	job, err := s.store.GetReport(r.Context(), jobID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reportResponse{
		ID:        job.ID,
		DeviceID:  job.DeviceID,
		From:      job.From,
		To:        job.To,
		Status:    job.Status,
		Attempts:  job.Attempts,
		LastError: job.LastError,
	})
}

func (s *Server) EnqueueReport(w http.ResponseWriter, r *http.Request) {
	deviceID, from, to, ok := s.deviceWindow(w, r)
	if !ok {
		return
	}
	jobID, err := jobs.EnqueueStopReport(r.Context(), s.store, deviceID, from, to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.updateQueueDepth(r.Context())
	writeJSON(w, http.StatusAccepted, map[string]any{
		"jobId":    jobID,
		"deviceId": deviceID,
		"from":     from,
		"to":       to,
	})
}

func (s *Server) ToggleAnchor(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := s.deviceID(w, r)
	if !ok {
		return
	}
	if s.anchors == nil {
		writeErrorMessage(w, http.StatusServiceUnavailable, "backend not configured")
		return
	}
	state, err := s.anchors.Toggle(r.Context(), deviceID)
	if err != nil {
		s.writeBackendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) DeviceStatus(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := s.deviceID(w, r)
	if !ok {
		return
	}
	if s.anchors == nil {
		writeErrorMessage(w, http.StatusServiceUnavailable, "backend not configured")
		return
	}
	status, err := s.anchors.Status(r.Context(), deviceID)
	if err != nil {
		s.writeBackendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type commandRequest struct {
	Type string `json:"type"`
}

func (s *Server) SendCommand(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := s.deviceID(w, r)
	if !ok {
		return
	}
	if s.anchors == nil {
		writeErrorMessage(w, http.StatusServiceUnavailable, "backend not configured")
		return
	}
	var req commandRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid json")
		return
	}
	var err error
	switch strings.ToLower(strings.TrimSpace(req.Type)) {
	case "lock":
		err = s.anchors.Lock(r.Context(), deviceID)
	case "unlock":
		err = s.anchors.Unlock(r.Context(), deviceID)
	default:
		writeErrorMessage(w, http.StatusBadRequest, fmt.Sprintf("unknown command %q", req.Type))
		return
	}
	if err != nil {
		s.writeBackendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"deviceId": deviceID, "command": req.Type})
}

func (s *Server) Live(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := s.deviceID(w, r)
	if !ok {
		return
	}
	if s.live == nil {
		writeErrorMessage(w, http.StatusServiceUnavailable, "live updates not configured")
		return
	}
	s.live.ServeWS(w, r, deviceID)
}

func (s *Server) Queue(w http.ResponseWriter, r *http.Request) {
	count, err := s.store.CountQueue(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	forwarded, err := s.store.CountForwardEvents(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.metrics != nil {
		s.metrics.QueueDepth.Set(float64(count))
	}
	writeJSON(w, http.StatusOK, map[string]int{"queued": count, "forwardedEvents": forwarded})
}

func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeErrorMessage(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) loadStops(r *http.Request, deviceID int64, from, to time.Time) ([]gps.Stop, string, error) {
	opts, custom, err := s.stopOptions(r)
	if err != nil {
		return nil, "", err
	}
	if !custom {
		stops, err := s.store.ListStops(r.Context(), deviceID, from, to)
		return stops, "stored", err
	}
	positions, err := s.store.LoadPositions(r.Context(), deviceID, from, to)
	if err != nil {
		return nil, "", err
	}
	return gps.DetectStops(positions, opts), "computed", nil
}

// stopOptions applies the query overrides on top of the configured options.
// custom is false when the request carries none.
func (s *Server) stopOptions(r *http.Request) (gps.StopOptions, bool, error) {
	q := r.URL.Query()
	opts := s.stopOpts
	custom := false

	if v := q.Get("policy"); v != "" {
		policy, err := gps.ParsePolicy(v)
		if err != nil {
			return opts, false, badRequest(err.Error())
		}
		if policy != opts.Policy {
			opts = gps.DefaultStopOptions(policy)
		}
		custom = true
	}
	if v := q.Get("minDuration"); v != "" {
		d, err := parseDuration(v)
		if err != nil || d < 0 {
			return opts, false, badRequest("invalid minDuration")
		}
		opts.MinDuration = d
		custom = true
	}
	if v := q.Get("threshold"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			return opts, false, badRequest("invalid threshold")
		}
		opts.SpeedThreshold = f
		custom = true
	}
	if v := q.Get("flush"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return opts, false, badRequest("invalid flush")
		}
		opts.FlushTrailing = b
		custom = true
	}
	return opts, custom, nil
}

// parseDuration accepts Go duration strings ("5m") or whole seconds.
func parseDuration(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func (s *Server) deviceID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeErrorMessage(w, http.StatusBadRequest, "invalid device id")
		return 0, false
	}
	return id, true
}

func (s *Server) deviceWindow(w http.ResponseWriter, r *http.Request) (int64, time.Time, time.Time, bool) {
	id, ok := s.deviceID(w, r)
	if !ok {
		return 0, time.Time{}, time.Time{}, false
	}
	q := r.URL.Query()
	from, err := time.Parse(time.RFC3339, q.Get("from"))
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "from must be an RFC3339 time")
		return 0, time.Time{}, time.Time{}, false
	}
	to, err := time.Parse(time.RFC3339, q.Get("to"))
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "to must be an RFC3339 time")
		return 0, time.Time{}, time.Time{}, false
	}
	if to.Before(from) {
		writeErrorMessage(w, http.StatusBadRequest, "to is before from")
		return 0, time.Time{}, time.Time{}, false
	}
	return id, from.UTC(), to.UTC(), true
}

func (s *Server) updateQueueDepth(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	if count, err := s.store.CountQueue(ctx); err == nil {
		s.metrics.QueueDepth.Set(float64(count))
	}
}

type requestError struct {
	status  int
	message string
}

func (e *requestError) Error() string { return e.message }

func badRequest(msg string) error {
	return &requestError{status: http.StatusBadRequest, message: msg}
}

// writeError maps domain errors onto HTTP statuses. Anything unrecognized
// is a 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if s.writeKnownError(w, r, err) {
		return
	}
	s.log.Error(r.Context(), "request failed", err)
	writeErrorMessage(w, http.StatusInternalServerError, "internal error")
}

// writeBackendError is writeError for handlers that call the tracking
// backend; unrecognized errors there are transport failures.
func (s *Server) writeBackendError(w http.ResponseWriter, r *http.Request, err error) {
	if s.writeKnownError(w, r, err) {
		return
	}
	s.countBackendError(r)
	s.log.Error(r.Context(), "backend unreachable", err)
	writeErrorMessage(w, http.StatusBadGateway, "backend request failed")
}

func (s *Server) writeKnownError(w http.ResponseWriter, r *http.Request, err error) bool {
	var reqErr *requestError
	var apiErr *traccar.APIError
	switch {
	case errors.As(err, &reqErr):
		writeErrorMessage(w, reqErr.status, reqErr.message)
	case errors.Is(err, storage.ErrNotFound), traccar.IsNotFound(err):
		writeErrorMessage(w, http.StatusNotFound, "not found")
	case errors.Is(err, anchor.ErrNoPosition):
		writeErrorMessage(w, http.StatusConflict, err.Error())
	case errors.As(err, &apiErr):
		s.countBackendError(r)
		s.log.Warn(r.Context(), "backend call failed", "status", apiErr.StatusCode, "error", err)
		writeErrorMessage(w, http.StatusBadGateway, "backend request failed")
	default:
		return false
	}
	return true
}

func (s *Server) countBackendError(r *http.Request) {
	if s.metrics == nil {
		return
	}
	op := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	s.metrics.BackendErrors.WithLabelValues(op).Inc()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func formatDuration(totalSeconds int) string {
	if totalSeconds <= 0 {
		return "0m"
	}
	duration := time.Duration(totalSeconds) * time.Second
	hours := int(duration.Hours())
	minutes := int(duration.Minutes()) % 60
	seconds := int(duration.Seconds()) % 60
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
