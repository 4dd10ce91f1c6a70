// Package handlers implements the Handler Registry: a closed, static
// mapping from a task's type tag to the callable the Worker Runtime
// dispatches it to. Each entry also owns the typed payload schema ingress
// validates a submission against before it is ever enqueued.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oriys/aurora/internal/domain"
)

// Handler is the contract every registered entry implements: given a
// task id and its already-schema-validated payload, produce a result map
// carrying at least a "status" field of "success" or "failed".
//
// Safe for concurrent use: the Worker Runtime dispatches many tasks of
// the same type concurrently against the same Handler value, so
// implementations must not hold mutable state across calls.
type Handler interface {
	Invoke(ctx context.Context, taskID string, payload json.RawMessage) (domain.HandlerResult, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, taskID string, payload json.RawMessage) (domain.HandlerResult, error)

func (f HandlerFunc) Invoke(ctx context.Context, taskID string, payload json.RawMessage) (domain.HandlerResult, error) {
	return f(ctx, taskID, payload)
}

// SchemaValidator reports whether a raw payload satisfies a handler
// type's schema before the task is ever materialized in the ledger.
type SchemaValidator func(payload json.RawMessage) error

// entry pairs a handler with the schema ingress validates against.
type entry struct {
	handler  Handler
	validate SchemaValidator
}

// Registry is the closed type-tag-to-handler mapping. It is built once at
// startup via Register calls and never mutated afterward; Dispatch and
// Validate are safe for concurrent use once construction is complete.
type Registry struct {
	entries map[string]entry
}

// NewRegistry returns an empty registry. Callers populate it with
// Register before handing it to the Worker Runtime or ingress.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds typeTag to the closed mapping. Registering the same tag
// twice is a programming error and panics, since the registry is meant
// to be assembled once at process startup from a fixed list.
func (r *Registry) Register(typeTag string, handler Handler, validate SchemaValidator) {
	if _, exists := r.entries[typeTag]; exists {
		panic(fmt.Sprintf("handlers: type %q already registered", typeTag))
	}
	r.entries[typeTag] = entry{handler: handler, validate: validate}
}

// Lookup returns the handler registered for typeTag, or
// domain.ErrHandlerNotFound if no such type is registered.
func (r *Registry) Lookup(typeTag string) (Handler, error) {
	e, ok := r.entries[typeTag]
	if !ok {
		return nil, fmt.Errorf("handlers: type %q: %w", typeTag, domain.ErrHandlerNotFound)
	}
	return e.handler, nil
}

// Validate checks payload against typeTag's schema. Returns
// domain.ErrHandlerNotFound if the type is unregistered, or
// domain.ErrInvalidPayload (wrapping the validator's specific complaint)
// if the schema rejects it.
func (r *Registry) Validate(typeTag string, payload json.RawMessage) error {
	e, ok := r.entries[typeTag]
	if !ok {
		return fmt.Errorf("handlers: type %q: %w", typeTag, domain.ErrHandlerNotFound)
	}
	if e.validate == nil {
		return nil
	}
	if err := e.validate(payload); err != nil {
		return fmt.Errorf("handlers: %w: %v", domain.ErrInvalidPayload, err)
	}
	return nil
}

// Types returns every registered type tag, for introspection by CLI
// tooling or health checks.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	return types
}
