package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oriys/aurora/internal/domain"
)

// webhookProcessPayload mirrors what the ingress webhook receivers stamp
// onto a task before enqueueing it: the source that produced the event,
// its declared type, and the raw body for the handler to interpret.
type webhookProcessPayload struct {
	Source    string          `json:"source"`
	EventType string          `json:"event_type"`
	Body      json.RawMessage `json:"body"`
}

// ValidateWebhookProcess rejects a webhook_process payload missing its
// source or event type; the body is opaque and not otherwise validated.
func ValidateWebhookProcess(payload json.RawMessage) error {
	var p webhookProcessPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("invalid webhook_process payload: %w", err)
	}
	if p.Source == "" || p.EventType == "" {
		return fmt.Errorf("webhook_process payload requires source and event_type")
	}
	return nil
}

// NewWebhookProcessHandler builds the illustrative webhook_process
// handler. The signature/timestamp/replay checks already happened at
// ingress before this task was ever enqueued; by the time the worker
// dispatches it, processing is just an acknowledgment that the event was
// received and decoded.
func NewWebhookProcessHandler() Handler {
	return HandlerFunc(func(ctx context.Context, taskID string, payload json.RawMessage) (domain.HandlerResult, error) {
		var p webhookProcessPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return domain.HandlerResult{Status: "failed", Error: err.Error()}, nil
		}

		return domain.HandlerResult{
			Status: "success",
			Extra: map[string]any{
				"source":     p.Source,
				"event_type": p.EventType,
			},
		}, nil
	})
}
