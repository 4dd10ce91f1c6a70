// Package ingress implements the Ingress Surface: the submit, status,
// stream, and webhook HTTP endpoints that sit in front of the Queue
// Engine and Durable Ledger. Authentication is handled by internal/auth's
// Middleware, mounted by the caller around Router; Router itself applies
// internal/auth's RequireRole to each task route.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/aurora/internal/domain"
	"github.com/oriys/aurora/internal/handlers"
	"github.com/oriys/aurora/internal/ledger"
	"github.com/oriys/aurora/internal/logging"
	"github.com/oriys/aurora/internal/queue"
	"github.com/oriys/aurora/internal/statusindex"
)

// Config controls stream-endpoint pacing and webhook tolerances.
type Config struct {
	WebhookSecret              string
	WebhookTimestampToleranceS int
	StreamPollInterval         time.Duration
	StreamTimeout              time.Duration
}

func (c *Config) applyDefaults() {
	if c.WebhookTimestampToleranceS <= 0 {
		c.WebhookTimestampToleranceS = 300
	}
	if c.StreamPollInterval <= 0 {
		c.StreamPollInterval = time.Second
	}
	if c.StreamTimeout <= 0 {
		c.StreamTimeout = 600 * time.Second
	}
}

// Server wires the ingress handlers to the Queue Engine, Durable Ledger,
// Handler Registry, an optional push notifier, and the fast status index.
type Server struct {
	engine      *queue.Engine
	store       *ledger.Store
	registry    *handlers.Registry
	notifier    queue.Notifier
	statusIndex *statusindex.Index
	cfg         Config
}

// New builds a Server. notifier may be queue.NewNoopNotifier() when no
// push-based wakeup is wired; the stream endpoint then falls back to
// pure polling at cfg.StreamPollInterval. statusIndex may be nil, in
// which case Status always goes straight to the ledger.
func New(engine *queue.Engine, store *ledger.Store, registry *handlers.Registry, notifier queue.Notifier, statusIndex *statusindex.Index, cfg Config) *Server {
	cfg.applyDefaults()
	return &Server{engine: engine, store: store, registry: registry, notifier: notifier, statusIndex: statusIndex, cfg: cfg}
}

// submitRequest is the submit endpoint's request body.
type submitRequest struct {
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Priority       string          `json:"priority,omitempty"`
	TraceID        string          `json:"trace_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// Submit validates the payload against the handler's declared schema,
// consults the ledger for idempotency, creates the task row, and
// enqueues it as one logical unit. A submission whose idempotency key
// was already used returns the original task id rather than erroring.
func (s *Server) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "missing_type", "type is required")
		return
	}

	if err := s.registry.Validate(req.Type, req.Payload); err != nil {
		if isHandlerNotFound(err) {
			writeError(w, http.StatusBadRequest, "unknown_type", err.Error())
			return
		}
		writeError(w, http.StatusUnprocessableEntity, "invalid_payload", err.Error())
		return
	}

	if req.IdempotencyKey != "" {
		if existing, err := s.store.TaskByIdempotencyKey(r.Context(), req.IdempotencyKey); err == nil {
			writeJSON(w, http.StatusOK, submitResponse{TaskID: existing.ID.String(), Status: string(existing.Status)})
			return
		}
	}

	task := domain.NewTask(req.Type, req.Payload, domain.Priority(req.Priority), req.TraceID, req.IdempotencyKey, req.Metadata)
	if err := s.store.CreateTask(r.Context(), task); err != nil {
		if isReplay(err) {
			existing, lookupErr := s.store.TaskByIdempotencyKey(r.Context(), req.IdempotencyKey)
			if lookupErr == nil {
				writeJSON(w, http.StatusOK, submitResponse{TaskID: existing.ID.String(), Status: string(existing.Status)})
				return
			}
		}
		writeError(w, http.StatusInternalServerError, "create_task_failed", err.Error())
		return
	}

	if _, err := s.engine.Enqueue(r.Context(), task, req.IdempotencyKey); err != nil {
		logging.Op().Error("submit: enqueue failed after ledger write", "task_id", task.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "enqueue_failed", err.Error())
		return
	}
	s.statusIndex.Put(r.Context(), task.ID.String(), string(task.Status))

	writeJSON(w, http.StatusAccepted, submitResponse{TaskID: task.ID.String(), Status: string(task.Status)})
}

type statusResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Status returns the task's current status plus the latest run's result
// or error, if any run has started. Non-terminal statuses are served
// from the fast status index when present, skipping the ledger
// entirely; a miss, or a terminal status (which needs the run's result
// or error alongside it), always falls through to the ledger.
func (s *Server) Status(w http.ResponseWriter, r *http.Request, taskIDParam string) {
	taskID, err := uuid.Parse(taskIDParam)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_task_id", err.Error())
		return
	}

	if entry, ok := s.statusIndex.Get(r.Context(), taskIDParam); ok && !domain.TaskStatus(entry.Status).Terminal() {
		writeJSON(w, http.StatusOK, statusResponse{TaskID: taskIDParam, Status: entry.Status})
		return
	}

	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusNotFound, "task_not_found", err.Error())
		return
	}

	resp := statusResponse{TaskID: task.ID.String(), Status: string(task.Status)}
	if run, err := s.store.LatestRunForTask(r.Context(), taskID); err == nil {
		resp.Result = run.Metrics
		resp.Error = run.Error
	}

	writeJSON(w, http.StatusOK, resp)
}

// Stream serves the task's status over Server-Sent Events, polling the
// ledger every StreamPollInterval (waking early if a push notification
// arrives) until the task reaches a terminal state or StreamTimeout
// elapses.
func (s *Server) Stream(w http.ResponseWriter, r *http.Request, taskIDParam string) {
	taskID, err := uuid.Parse(taskIDParam)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_task_id", err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support flushing")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.StreamTimeout)
	defer cancel()

	wake := s.notifier.Subscribe(ctx, queue.QueueType(taskIDParam))
	ticker := time.NewTicker(s.cfg.StreamPollInterval)
	defer ticker.Stop()

	for {
		task, err := s.store.GetTask(ctx, taskID)
		if err == nil {
			writeSSEEvent(w, flusher, "status", map[string]any{"task_id": task.ID.String(), "status": task.Status})
			if task.Status.Terminal() {
				return
			}
		}

		select {
		case <-ctx.Done():
			writeSSEEvent(w, flusher, "timeout", map[string]any{"task_id": taskIDParam})
			return
		case <-wake:
		case <-ticker.C:
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload any) {
	data, _ := json.Marshal(payload)
	w.Write([]byte("event: " + event + "\n"))
	w.Write([]byte("data: "))
	w.Write(data)
	w.Write([]byte("\n\n"))
	flusher.Flush()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func isHandlerNotFound(err error) bool {
	return errors.Is(err, domain.ErrHandlerNotFound)
}

func isReplay(err error) bool {
	return errors.Is(err, domain.ErrReplay)
}
