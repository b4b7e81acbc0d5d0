package core

import (
	"context"
	"log/slog"
	"time"
)

// EventType identifies a semantic event emitted during a run.
type EventType string

const (
	EventRunStarted       EventType = "run.start"
	EventPlanCreated      EventType = "plan.created"
	EventPlanRejected     EventType = "plan.rejected"
	EventSubtaskStatus    EventType = "subtask.status"
	EventToolReused       EventType = "tool.reused"
	EventToolSynthesized  EventType = "tool.synthesized"
	EventToolRegistered   EventType = "tool.registered"
	EventToolExecuted     EventType = "tool.executed"
	EventCorrection       EventType = "correction.attempt"
	EventPackageDiscarded EventType = "package.discarded"
	EventFailurePattern   EventType = "failure.pattern"
	EventInputRequested   EventType = "input.requested"
	EventInputReceived    EventType = "input.received"
	EventReview           EventType = "run.review"
	EventRunFinished      EventType = "run.finished"
	EventRunFailed        EventType = "run.failed"
)

// Event captures a semantic run event.
type Event struct {
	Type      EventType      `json:"type"`
	RunID     string         `json:"run_id"`
	SubtaskID int            `json:"subtask_id,omitempty"`
	Timestamp time.Time      `json:"ts"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// EventEmitter receives semantic events.
type EventEmitter interface {
	Emit(ctx context.Context, event Event)
}

// NoopEventEmitter is a default no-op implementation.
type NoopEventEmitter struct{}

// Emit implements EventEmitter.
func (NoopEventEmitter) Emit(_ context.Context, _ Event) {}

// LogEventEmitter writes events to a slog logger at debug level.
type LogEventEmitter struct {
	Logger *slog.Logger
}

// Emit implements EventEmitter.
func (e LogEventEmitter) Emit(ctx context.Context, event Event) {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.DebugContext(ctx, "event."+string(event.Type),
		slog.String("run_id", event.RunID),
		slog.Int("subtask_id", event.SubtaskID),
		slog.Any("payload", event.Payload),
	)
}

// MultiEmitter fans an event out to several emitters in order.
type MultiEmitter []EventEmitter

// Emit implements EventEmitter.
func (m MultiEmitter) Emit(ctx context.Context, event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(ctx, event)
		}
	}
}

// NewEvent builds an event stamped with the current UTC time.
func NewEvent(eventType EventType, runID string, subtaskID int, payload map[string]any) Event {
	return Event{
		Type:      eventType,
		RunID:     runID,
		SubtaskID: subtaskID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}
