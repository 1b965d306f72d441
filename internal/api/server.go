package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"teamcache/internal/events"
	"teamcache/internal/models"
	"teamcache/internal/progress"
	"teamcache/internal/ratelimit"
	"teamcache/internal/submit"
	"teamcache/internal/telemetry"
)

// JobStore is the read/control surface of the job store the API needs.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, status string, limit, offset int) ([]models.Job, int, error)
	CancelJob(ctx context.Context, id string) (models.Job, error)
	Ping(ctx context.Context) error
}

// Submitter validates and persists caching requests.
type Submitter interface {
	Submit(ctx context.Context, req submit.Request) (models.Job, error)
}

// ThroughputSource returns the current fresh throughput snapshot, if any.
type ThroughputSource func(ctx context.Context) (models.ThroughputSample, bool)

// Subscriber delivers push events for the live stream.
type Subscriber interface {
	Subscribe(ctx context.Context) <-chan events.Event
}

// Server wires HTTP handlers for the control API.
type Server struct {
	store      JobStore
	submitter  Submitter
	throughput ThroughputSource
	stream     Subscriber
	bus        *events.Bus
	limiter    *ratelimit.TokenBucket
}

// New constructs the API server. throughput, stream, bus, and limiter may be
// nil; the matching features degrade gracefully.
func New(store JobStore, submitter Submitter, throughput ThroughputSource, stream Subscriber, bus *events.Bus, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		store:      store,
		submitter:  submitter,
		throughput: throughput,
		stream:     stream,
		bus:        bus,
		limiter:    limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleCreate)
	r.Get("/jobs", s.handleList)
	r.Get("/jobs/{id}", s.handleGet)
	r.Delete("/jobs/{id}", s.handleCancel)
	r.Get("/events", s.handleEvents)
	return r
}

type createRequest struct {
	Files       []string `json:"files"`
	Directories []string `json:"directories"`
	Recursive   bool     `json:"recursive"`
}

type sizeBody struct {
	Bytes    int64  `json:"bytes"`
	Readable string `json:"readable"`
}

type createResponse struct {
	JobID      string   `json:"jobId"`
	Status     string   `json:"status"`
	TotalFiles int      `json:"totalFiles"`
	TotalSize  sizeBody `json:"totalSize"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), "rl:"+clientKey(r))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	job, err := s.submitter.Submit(r.Context(), submit.Request{
		Files:       req.Files,
		Directories: req.Directories,
		Recursive:   req.Recursive,
	})
	if err != nil {
		if models.IsValidation(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	telemetry.JobsCreated.Inc()
	writeJSON(w, http.StatusCreated, createResponse{
		JobID:      job.ID,
		Status:     job.Status,
		TotalFiles: job.TotalFiles,
		TotalSize:  sizeBody{Bytes: job.TotalSizeBytes, Readable: readableBytes(job.TotalSizeBytes)},
	})
}

type filesProgress struct {
	Completed  int     `json:"completed"`
	Failed     int     `json:"failed"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
}

type byteProgress struct {
	CompletedBytes int64   `json:"completedBytes"`
	TotalBytes     int64   `json:"totalBytes"`
	Percentage     float64 `json:"percentage"`
}

type throughputBody struct {
	Mbps      float64   `json:"mbps"`
	Timestamp time.Time `json:"timestamp"`
}

type jobResponse struct {
	ID         string          `json:"id"`
	Status     string          `json:"status"`
	Progress   progressBody    `json:"progress"`
	Throughput *throughputBody `json:"throughput"`
	CreatedAt  time.Time       `json:"createdAt"`
	StartedAt  *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	Error      *string         `json:"error,omitempty"`
}

type progressBody struct {
	Files filesProgress `json:"files"`
	Size  byteProgress  `json:"size"`
}

func (s *Server) jobBody(r *http.Request, job models.Job) jobResponse {
	resp := jobResponse{
		ID:     job.ID,
		Status: job.Status,
		Progress: progressBody{
			Files: filesProgress{
				Completed:  job.CompletedFiles,
				Failed:     job.FailedFiles,
				Total:      job.TotalFiles,
				Percentage: round1(progress.FilePercentage(job)),
			},
			Size: byteProgress{
				CompletedBytes: job.CompletedSizeBytes,
				TotalBytes:     job.TotalSizeBytes,
				Percentage:     round1(progress.SizePercentage(job)),
			},
		},
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		Error:       job.ErrorMessage,
	}
	if s.throughput != nil && job.Status == models.JobRunning {
		if sample, ok := s.throughput(r.Context()); ok {
			resp.Throughput = &throughputBody{Mbps: round1(sample.Mbps), Timestamp: sample.Timestamp}
		}
	}
	return resp
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.jobBody(r, job))
}

type listResponse struct {
	Jobs   []jobResponse `json:"jobs"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)

	jobs, total, err := s.store.ListJobs(r.Context(), status, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := listResponse{Jobs: make([]jobResponse, 0, len(jobs)), Total: total, Limit: limit, Offset: offset}
	for _, job := range jobs {
		resp.Jobs = append(resp.Jobs, s.jobBody(r, job))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.CancelJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found or already terminal")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.bus != nil {
		s.bus.Publish(r.Context(), events.JobUpdate(job))
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": job.ID, "status": job.Status})
}

// handleEvents streams push events as server-sent events. The redis bus
// fans in updates from every worker process.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.stream == nil {
		writeError(w, http.StatusNotFound, "event stream not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range s.stream.Subscribe(r.Context()) {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
		flusher.Flush()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	db := "ok"
	status := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		db = "unreachable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"status": "ok", "database": db})
}

func clientKey(r *http.Request) string {
	if v := r.Header.Get("X-API-Key"); v != "" {
		return v
	}
	return r.RemoteAddr
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}

// readableBytes renders a byte count the way dashboards expect (1024 base).
func readableBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
