package handlers

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/oriys/aurora/internal/domain"
)

// ValidateFailAlways accepts any payload.
func ValidateFailAlways(payload json.RawMessage) error { return nil }

// errFailAlways is the deterministic error fail_always always returns,
// exercised by the queue engine's own retry/DLQ scenario.
var errFailAlways = errors.New("fail_always: deliberate failure")

// NewFailAlwaysHandler builds a handler that always fails, used to drive
// the retry-then-DLQ path in tests rather than production traffic.
func NewFailAlwaysHandler() Handler {
	return HandlerFunc(func(ctx context.Context, taskID string, payload json.RawMessage) (domain.HandlerResult, error) {
		return domain.HandlerResult{Status: "failed", Error: errFailAlways.Error()}, errFailAlways
	})
}
