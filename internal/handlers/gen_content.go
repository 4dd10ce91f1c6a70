package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oriys/aurora/internal/domain"
	"github.com/oriys/aurora/internal/failover"
)

// genContentPayload is gen_content's schema: a single free-text prompt.
type genContentPayload struct {
	Prompt string `json:"prompt"`
}

// ValidateGenContent rejects a gen_content payload that is missing a
// non-empty prompt.
func ValidateGenContent(payload json.RawMessage) error {
	var p genContentPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("invalid gen_content payload: %w", err)
	}
	if p.Prompt == "" {
		return fmt.Errorf("gen_content payload requires a non-empty prompt")
	}
	return nil
}

// NewGenContentHandler builds the illustrative gen_content handler. It
// routes the prompt through chain as a stand-in for a real model call;
// chain.Run already applies the budget guard and circuit breakers, so the
// handler itself is a thin adapter between the queue's payload shape and
// the Resilience Layer's Call signature.
func NewGenContentHandler(chain *failover.Chain) Handler {
	return HandlerFunc(func(ctx context.Context, taskID string, payload json.RawMessage) (domain.HandlerResult, error) {
		var p genContentPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return domain.HandlerResult{Status: "failed", Error: err.Error()}, nil
		}

		result, provider, err := chain.Run(ctx)
		if err != nil {
			return domain.HandlerResult{Status: "failed", Error: err.Error()}, nil
		}

		content, _ := result.(string)
		return domain.HandlerResult{
			Status: "success",
			Extra: map[string]any{
				"content":  content,
				"provider": provider,
			},
		}, nil
	})
}
