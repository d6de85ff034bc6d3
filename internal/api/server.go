package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"message-job-runner/internal/attachment"
	"message-job-runner/internal/connectivity"
	"message-job-runner/internal/jobs"
	"message-job-runner/internal/models"
	"message-job-runner/internal/progress"
	"message-job-runner/internal/ratelimit"
	"message-job-runner/internal/store"
	"message-job-runner/internal/telemetry"
	"message-job-runner/internal/worker"
)

// Processor is the part of worker.Processor the API drives.
type Processor interface {
	Add(ctx context.Context, job jobs.Job) (string, error)
	Status(id string) (worker.JobInfo, error)
	Cancel(ctx context.Context, id string) error
}

// Credentials is the lockable credential store.
type Credentials interface {
	Lock()
	IsUnlocked() bool
}

// DeadLetters lists recent dead letters.
type DeadLetters interface {
	DLQPeek(ctx context.Context, count int64) ([]models.DeadLetter, error)
}

// Deps wires the server to the runtime.
type Deps struct {
	Processor   Processor
	Store       store.JobStore
	Downloads   *attachment.Deps
	Limiter     ratelimit.Limiter
	Progress    *progress.Channel
	Monitor     *connectivity.Monitor
	Credentials Credentials
	Unlock      func() error // unlocks Credentials with the device master key
	DeadLetters DeadLetters
	Logger      *zap.Logger
}

// Server wires HTTP handlers for the local control API.
type Server struct {
	deps Deps
}

// New constructs the API server.
func New(deps Deps) *Server {
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.Unlimited{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Server{deps: deps}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/messages/{messageID}/download", s.handleDownload)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Get("/progress", s.handleProgress)
	r.Put("/connectivity", s.handleConnectivity)
	r.Post("/credentials/lock", s.handleLock)
	r.Post("/credentials/unlock", s.handleUnlock)
	r.Get("/dlq", s.handleDLQ)
	return r
}

type downloadRequest struct {
	Manual bool `json:"manual"`
}

type downloadResponse struct {
	JobID     string `json:"job_id"`
	MessageID int64  `json:"message_id"`
	Manual    bool   `json:"manual"`
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	messageID, err := strconv.ParseInt(chi.URLParam(r, "messageID"), 10, 64)
	if err != nil || messageID <= 0 {
		http.Error(w, "invalid message id", http.StatusBadRequest)
		return
	}
	var req downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	allowed, err := s.deps.Limiter.AllowMessage(r.Context(), messageID)
	if err != nil {
		s.deps.Logger.Warn("rate limit check", zap.Int64("message_id", messageID), zap.Error(err))
		http.Error(w, "rate limit error", http.StatusInternalServerError)
		return
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	id, err := s.deps.Processor.Add(r.Context(), attachment.New(s.deps.Downloads, messageID, req.Manual))
	if err != nil {
		s.deps.Logger.Error("add download job", zap.Int64("message_id", messageID), zap.Error(err))
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, downloadResponse{JobID: id, MessageID: messageID, Manual: req.Manual})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, err := s.deps.Processor.Status(id)
	if err == nil {
		writeJSON(w, http.StatusOK, info)
		return
	}
	if s.deps.Store != nil {
		if rec, err := s.deps.Store.Get(r.Context(), id); err == nil {
			writeJSON(w, http.StatusOK, worker.JobInfo{ID: rec.ID, Kind: rec.Kind, Status: rec.Status, Attempts: rec.Attempts, NotBefore: rec.NextRunAt})
			return
		}
	}
	http.Error(w, "job not found", http.StatusNotFound)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Processor.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, worker.ErrUnknownJob) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to cancel job", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}

type progressResponse struct {
	progress.Event
	Percent float64 `json:"percent"`
}

func (s *Server) handleProgress(w http.ResponseWriter, _ *http.Request) {
	ev, ok := s.deps.Progress.Latest()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, progressResponse{Event: ev, Percent: ev.Percent()})
}

func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	var state connectivity.State
	if err := json.NewDecoder(r.Body).Decode(&state); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	s.deps.Monitor.Update(state)
	writeJSON(w, http.StatusOK, s.deps.Monitor.State())
}

func (s *Server) handleLock(w http.ResponseWriter, _ *http.Request) {
	s.deps.Credentials.Lock()
	writeJSON(w, http.StatusOK, map[string]bool{"unlocked": false})
}

func (s *Server) handleUnlock(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Unlock == nil {
		http.Error(w, "unlock not available", http.StatusNotImplemented)
		return
	}
	if err := s.deps.Unlock(); err != nil {
		s.deps.Logger.Error("unlock credential store", zap.Error(err))
		http.Error(w, "unlock failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"unlocked": s.deps.Credentials.IsUnlocked()})
}

// handleDLQ returns the most recent dead letters.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.deps.DeadLetters == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []models.DeadLetter{}})
		return
	}
	items, err := s.deps.DeadLetters.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
