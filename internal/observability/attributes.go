// Package observability provides metrics, tracing, and logging utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod     = "method"
	attrPath       = "path"
	attrStatus     = "status"
	attrDefinition = "definition"
	attrState      = "state"
	attrStepType   = "step_type"
	attrLock       = "lock"
	attrMode       = "mode"
	attrOutcome    = "outcome"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	// Normalize paths with IDs to reduce cardinality
	// /v1/runs/abc123 -> /v1/runs/{runId}
	normalized := normalizePath(path)
	return attribute.String(attrPath, normalized)
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func definitionAttr(id string) attribute.KeyValue {
	return attribute.String(attrDefinition, id)
}

func stateAttr(state string) attribute.KeyValue {
	return attribute.String(attrState, state)
}

func statusNameAttr(status string) attribute.KeyValue {
	return attribute.String(attrStatus, status)
}

func stepTypeAttr(stepType string) attribute.KeyValue {
	return attribute.String(attrStepType, stepType)
}

func lockAttr(name string) attribute.KeyValue {
	return attribute.String(attrLock, name)
}

func modeAttr(mode string) attribute.KeyValue {
	return attribute.String(attrMode, mode)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

// normalizePath replaces dynamic path segments with placeholders.
func normalizePath(path string) string {
	parts := strings.Split(path, "/")
	// ["", "v1", collection, id, sub...]
	if len(parts) < 4 || parts[1] != "v1" || parts[3] == "" {
		return path
	}
	switch parts[2] {
	case "runs":
		parts[3] = "{runId}"
	case "definitions":
		parts[3] = "{definitionId}"
	default:
		return path
	}
	return strings.Join(parts, "/")
}
