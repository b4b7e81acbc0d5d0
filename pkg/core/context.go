// Package core holds the run-scoped primitives shared across the pipeline:
// run identifiers carried on the context and semantic run events.
package core

import (
	"context"

	"github.com/google/uuid"
)

type runIDKey struct{}

// WithRunID attaches a run id to the context.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunID returns the run id if present.
func RunID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(runIDKey{}).(string)
	return id, ok && id != ""
}

// EnsureRunID ensures a run id exists in the context.
func EnsureRunID(ctx context.Context) (context.Context, string) {
	if id, ok := RunID(ctx); ok {
		return ctx, id
	}
	id := NewRunID()
	return WithRunID(ctx, id), id
}

// NewRunID returns a fresh random run identifier.
func NewRunID() string {
	return uuid.NewString()
}

type subtaskIDKey struct{}

// WithSubtaskID attaches the active subtask id to the context.
func WithSubtaskID(ctx context.Context, id int) context.Context {
	return context.WithValue(ctx, subtaskIDKey{}, id)
}

// SubtaskID returns the active subtask id, or zero.
func SubtaskID(ctx context.Context) int {
	id, _ := ctx.Value(subtaskIDKey{}).(int)
	return id
}

// EventFromContext builds an event stamped with the run and subtask ids
// carried by ctx.
func EventFromContext(ctx context.Context, eventType EventType, payload map[string]any) Event {
	runID, _ := RunID(ctx)
	return NewEvent(eventType, runID, SubtaskID(ctx), payload)
}
