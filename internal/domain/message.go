package domain

import "errors"

// QueueMessage is the flat, string-keyed wire record appended to the
// stream. Every field round-trips as a string because stream entries are
// string maps; Payload carries the task's JSON payload pre-encoded.
//
// Field set mirrors the wire format exactly: the base fields are always
// present, the retry/DLQ/drain fields are added only along the paths
// that produce them.
type QueueMessage struct {
	TaskID       string `json:"task_id"`
	Type         string `json:"type"`
	Payload      string `json:"payload"`
	Priority     string `json:"priority"`
	Status       string `json:"status"`
	RetryCount   int    `json:"retry_count"`
	CreatedAt    string `json:"created_at"`

	LastError      string `json:"last_error,omitempty"`
	LastRetryAt    string `json:"last_retry_at,omitempty"`
	FinalError     string `json:"final_error,omitempty"`
	MovedToDLQAt   string `json:"moved_to_dlq_at,omitempty"`
	DrainedFromDLQAt string `json:"drained_from_dlq_at,omitempty"`
}

// ToFields flattens m into the string map go-redis expects for XAdd.
func (m QueueMessage) ToFields() map[string]any {
	f := map[string]any{
		"task_id":     m.TaskID,
		"type":        m.Type,
		"payload":     m.Payload,
		"priority":    m.Priority,
		"status":      m.Status,
		"retry_count": m.RetryCount,
		"created_at":  m.CreatedAt,
	}
	if m.LastError != "" {
		f["last_error"] = m.LastError
	}
	if m.LastRetryAt != "" {
		f["last_retry_at"] = m.LastRetryAt
	}
	if m.FinalError != "" {
		f["final_error"] = m.FinalError
	}
	if m.MovedToDLQAt != "" {
		f["moved_to_dlq_at"] = m.MovedToDLQAt
	}
	if m.DrainedFromDLQAt != "" {
		f["drained_from_dlq_at"] = m.DrainedFromDLQAt
	}
	return f
}

var (
	// ErrNoMessage is returned by a non-blocking dequeue when nothing is
	// available. Not an error condition callers need to log.
	ErrNoMessage = errors.New("domain: no message available")

	ErrNotFound         = errors.New("domain: not found")
	ErrReplay           = errors.New("domain: replay detected")
	ErrBudgetExceeded   = errors.New("domain: budget exceeded")
	ErrCircuitOpen      = errors.New("domain: circuit breaker is open")
	ErrLeaseNotOwned    = errors.New("domain: lease not owned by caller")
	ErrInvalidPayload   = errors.New("domain: payload does not match handler schema")
	ErrHandlerNotFound  = errors.New("domain: no handler registered for type")
)
