// Copyright 2026 © The Forge Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by spans and metrics.
const (
	AttrRunID   = "forge.run.id"
	AttrMode    = "forge.run.mode"
	AttrRequest = "forge.run.request"

	AttrSubtaskID     = "forge.subtask.id"
	AttrSubtaskStatus = "forge.subtask.status"
	AttrCapability    = "forge.subtask.capability"

	AttrToolName    = "forge.tool.name"
	AttrToolReused  = "forge.tool.reused"
	AttrToolCached  = "forge.tool.cached"
	AttrToolPackage = "forge.tool.package"

	AttrAttempt       = "forge.correction.attempt"
	AttrTotalAttempts = "forge.correction.total_attempts"
	AttrErrorKind     = "forge.error.kind"
	AttrErrorCode     = "forge.error.code"

	AttrSandboxDurationMs = "forge.sandbox.duration_ms"

	AttrOracleShape = "forge.oracle.shape"
)

// SubtaskAttributes returns the attribute set for a subtask span.
func SubtaskAttributes(runID string, id int, capability string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrRunID, runID),
		attribute.Int(AttrSubtaskID, id),
		attribute.String(AttrCapability, capability),
	}
}

// ToolAttributes returns the attribute set for a tool execution.
func ToolAttributes(name string, reused, cached bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrToolName, name),
		attribute.Bool(AttrToolReused, reused),
		attribute.Bool(AttrToolCached, cached),
	}
}
