package core

import (
	"context"
	"testing"
)

func TestEnsureRunID(t *testing.T) {
	ctx, id := EnsureRunID(context.Background())
	if id == "" {
		t.Fatal("expected generated run id")
	}
	got, ok := RunID(ctx)
	if !ok || got != id {
		t.Fatalf("expected run id %q on context, got %q", id, got)
	}

	ctx2, id2 := EnsureRunID(ctx)
	if id2 != id || ctx2 != ctx {
		t.Fatalf("expected existing run id to be kept")
	}
}

type recordingEmitter struct{ events []Event }

func (r *recordingEmitter) Emit(_ context.Context, e Event) { r.events = append(r.events, e) }

func TestMultiEmitter(t *testing.T) {
	a, b := &recordingEmitter{}, &recordingEmitter{}
	m := MultiEmitter{a, nil, b}
	m.Emit(context.Background(), NewEvent(EventRunStarted, "run-1", 0, nil))

	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("expected fan-out to both emitters, got %d and %d", len(a.events), len(b.events))
	}
	if a.events[0].Timestamp.IsZero() {
		t.Errorf("expected timestamp")
	}
}

func TestEventFromContext(t *testing.T) {
	ctx := WithSubtaskID(WithRunID(context.Background(), "run-7"), 2)
	ev := EventFromContext(ctx, EventCorrection, map[string]any{"attempt": 1})
	if ev.RunID != "run-7" || ev.SubtaskID != 2 || ev.Type != EventCorrection {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if SubtaskID(context.Background()) != 0 {
		t.Errorf("expected zero subtask id without one on the context")
	}
}
