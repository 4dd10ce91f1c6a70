// Package domain holds the core data types shared by every subsystem:
// tasks, runs, leases, and the handler result contract. Nothing in this
// package talks to Redis, Postgres, or HTTP — it is the vocabulary the
// other packages share.
package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Priority is advisory: the stream itself delivers FIFO per producer
// order. See priorityScore in internal/queue/engine.go for where this is
// actually consulted.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityNormal   Priority = "NORMAL"
	PriorityLow      Priority = "LOW"
)

// Demote returns the next lower priority tier; LOW stays LOW.
func (p Priority) Demote() Priority {
	switch p {
	case PriorityCritical:
		return PriorityHigh
	case PriorityHigh:
		return PriorityNormal
	case PriorityNormal:
		return PriorityLow
	default:
		return PriorityLow
	}
}

// Valid reports whether p is one of the four recognized tiers.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

type TaskStatus string

const (
	TaskQueued   TaskStatus = "QUEUED"
	TaskRunning  TaskStatus = "RUNNING"
	TaskDone     TaskStatus = "DONE"
	TaskFailed   TaskStatus = "FAILED"
	TaskCanceled TaskStatus = "CANCELED"
)

// Terminal reports whether s is a sticky terminal state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskDone, TaskFailed, TaskCanceled:
		return true
	}
	return false
}

// Task is immutable after submission except for its status/retry/error
// tracking fields. Transitions only move forward:
// QUEUED -> RUNNING -> {DONE|FAILED|CANCELED}.
type Task struct {
	ID             uuid.UUID       `json:"id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Priority       Priority        `json:"priority"`
	Status         TaskStatus      `json:"status"`
	TraceID        string          `json:"trace_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewTask builds a freshly submitted task with sane defaults. Callers
// still owe the handler-schema validation step before enqueue.
func NewTask(taskType string, payload json.RawMessage, priority Priority, traceID, idempotencyKey string, metadata map[string]any) *Task {
	if priority == "" || !priority.Valid() {
		priority = PriorityNormal
	}
	now := time.Now().UTC()
	return &Task{
		ID:             uuid.New(),
		Type:           taskType,
		Payload:        payload,
		Priority:       priority,
		Status:         TaskQueued,
		TraceID:        traceID,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

type RunStatus string

const (
	RunStarted  RunStatus = "STARTED"
	RunSuccess  RunStatus = "SUCCESS"
	RunFailed   RunStatus = "FAILED"
	RunTimeout  RunStatus = "TIMEOUT"
	RunCanceled RunStatus = "CANCELED"
)

// Terminal reports whether s ends the run's lifecycle.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSuccess, RunFailed, RunTimeout, RunCanceled:
		return true
	}
	return false
}

// Run is a durable observation of one execution attempt against a task.
// Invariant: EndedAt is non-nil iff Status is terminal.
type Run struct {
	ID        uuid.UUID       `json:"id"`
	TaskID    uuid.UUID       `json:"task_id"`
	Attempt   int             `json:"attempt"`
	Status    RunStatus       `json:"status"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
	Metrics   json.RawMessage `json:"metrics,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// HandlerResult is what every registered handler must return. Status
// decides success; Error becomes the run's error message when the handler
// returns no Go error. The whole result, Extra included, is recorded into
// the run's Metrics verbatim.
type HandlerResult struct {
	Status string         `json:"status"` // "success" or "failed"
	Error  string          `json:"error,omitempty"`
	Extra  map[string]any `json:"-"`
}

func (r HandlerResult) Success() bool { return r.Status == "success" }

// MarshalJSON flattens Extra alongside the declared fields so callers
// get one JSON object back, matching the handler contract's free-form
// "arbitrary additional fields" wording.
func (r HandlerResult) MarshalJSON() ([]byte, error) {
	out := map[string]any{"status": r.Status}
	if r.Error != "" {
		out["error"] = r.Error
	}
	for k, v := range r.Extra {
		out[k] = v
	}
	return json.Marshal(out)
}
