package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/oriys/aurora/internal/domain"
)

func echoHandler(status string) Handler {
	return HandlerFunc(func(ctx context.Context, taskID string, payload json.RawMessage) (domain.HandlerResult, error) {
		return domain.HandlerResult{Status: status}, nil
	})
}

func TestRegistryLookupUnknownTypeReturnsErrHandlerNotFound(t *testing.T) {
	r := NewRegistry()
	r.Register("known", echoHandler("success"), nil)

	if _, err := r.Lookup("unknown"); !errors.Is(err, domain.ErrHandlerNotFound) {
		t.Fatalf("expected ErrHandlerNotFound, got %v", err)
	}
}

func TestRegistryValidateRejectsInvalidPayload(t *testing.T) {
	r := NewRegistry()
	r.Register("gen_content", echoHandler("success"), ValidateGenContent)

	if err := r.Validate("gen_content", json.RawMessage(`{}`)); !errors.Is(err, domain.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload for missing prompt, got %v", err)
	}

	if err := r.Validate("gen_content", json.RawMessage(`{"prompt":"hi"}`)); err != nil {
		t.Fatalf("expected valid payload to pass, got %v", err)
	}
}

func TestRegistryRegisterDuplicateTypePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	r := NewRegistry()
	r.Register("dup", echoHandler("success"), nil)
	r.Register("dup", echoHandler("success"), nil)
}

func TestFailAlwaysHandlerAlwaysFails(t *testing.T) {
	h := NewFailAlwaysHandler()
	result, err := h.Invoke(context.Background(), "task-1", json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected fail_always to return an error")
	}
	if result.Success() {
		t.Fatal("expected fail_always result to report failure")
	}
}

func TestMaintenanceHandlerSucceeds(t *testing.T) {
	h := NewMaintenanceHandler()
	result, err := h.Invoke(context.Background(), "task-1", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !result.Success() {
		t.Fatal("expected maintenance to succeed")
	}
}

func TestWebhookProcessHandlerCarriesSourceAndEventType(t *testing.T) {
	h := NewWebhookProcessHandler()
	payload := json.RawMessage(`{"source":"github","event_type":"push","body":{"ref":"refs/heads/main"}}`)
	result, err := h.Invoke(context.Background(), "task-1", payload)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !result.Success() {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.Extra["source"] != "github" || result.Extra["event_type"] != "push" {
		t.Fatalf("unexpected extras: %+v", result.Extra)
	}
}
