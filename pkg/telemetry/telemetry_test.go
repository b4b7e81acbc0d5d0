package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/jllopis/forge/pkg/errors"
)

func TestInitNone(t *testing.T) {
	shutdown, err := Init("forge-test", "v0.0.1", Config{Exporter: "none"})
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestInitStdout(t *testing.T) {
	shutdown, err := Init("forge-test", "v0.0.1", Config{Exporter: "stdout"})
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestInitRejectsUnknownExporter(t *testing.T) {
	if _, err := Init("forge-test", "v0", Config{Exporter: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
	if _, err := Init("forge-test", "v0", Config{Exporter: "otlp"}); err == nil {
		t.Fatal("expected error for otlp without endpoint")
	}
}

func TestSlogAddsTraceIDs(t *testing.T) {
	var buf bytes.Buffer
	lv := new(slog.LevelVar)
	logger := slog.New(newSlogHandler(&buf, lv, "json"))

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	logger.InfoContext(ctx, "orchestrator.subtask.start")
	span.End()

	var rec map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if rec["trace_id"] != span.SpanContext().TraceID().String() {
		t.Errorf("expected trace_id in record, got %v", rec)
	}
}

func TestSlogLevelVar(t *testing.T) {
	var buf bytes.Buffer
	lv := new(slog.LevelVar)
	lv.Set(slog.LevelWarn)
	logger := slog.New(newSlogHandler(&buf, lv, "text"))

	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered at warn level")
	}
	lv.Set(ParseLogLevel("debug"))
	logger.Debug("shown")
	if buf.Len() == 0 {
		t.Fatalf("expected debug to pass after level change")
	}
}

func TestPipelineMetricsNilSafe(t *testing.T) {
	var m *PipelineMetrics
	ctx := context.Background()
	m.ToolSynthesized(ctx, "x")
	m.ToolReused(ctx, "x", true)
	m.CorrectionAttempt(ctx, errors.KindImport)
	m.PackageDiscarded(ctx, "gdal", true)
	m.Exhausted(ctx, "x")
	m.RecordError(ctx, "sandbox", errors.NewValidationError(errors.KindRuntime, "boom"))
}

func TestPipelineMetricsRecord(t *testing.T) {
	m, err := NewPipelineMetrics()
	if err != nil {
		t.Fatalf("NewPipelineMetrics: %v", err)
	}
	ctx := context.Background()
	m.ToolSynthesized(ctx, "get_utc_time")
	m.RecordError(ctx, "planner", errors.NewPlanningError("cycle", nil))
}
