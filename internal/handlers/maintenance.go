package handlers

import (
	"context"
	"encoding/json"

	"github.com/oriys/aurora/internal/domain"
)

// ValidateMaintenance accepts any payload; the maintenance handler takes
// no inputs that need schema enforcement.
func ValidateMaintenance(payload json.RawMessage) error { return nil }

// NewMaintenanceHandler builds the maintenance handler. Its cleanup
// policy is deliberately left unspecified: it records a no-op success
// and does nothing else.
func NewMaintenanceHandler() Handler {
	return HandlerFunc(func(ctx context.Context, taskID string, payload json.RawMessage) (domain.HandlerResult, error) {
		return domain.HandlerResult{Status: "success", Extra: map[string]any{"swept": 0}}, nil
	})
}
