// Package observability provides metrics and the pull snapshot used by the coordinator.
package observability

import (
	"fmt"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod   = "method"
	attrPath     = "path"
	attrStatus   = "status"
	attrOp       = "op"
	attrDtype    = "dtype"
	attrSimulate = "simulate"
	attrState    = "state"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	// Normalize paths with IDs to reduce cardinality
	// /v1/jobs/abc123/result -> /v1/jobs/{jobId}/result
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func opAttr(op string) attribute.KeyValue {
	return attribute.String(attrOp, op)
}

func dtypeAttr(dtype string) attribute.KeyValue {
	return attribute.String(attrDtype, dtype)
}

// simulateAttr is a string so the exposition reads simulate="true".
func simulateAttr(simulate bool) attribute.KeyValue {
	return attribute.String(attrSimulate, strconv.FormatBool(simulate))
}

func stateAttr(state string) attribute.KeyValue {
	return attribute.String(attrState, strings.ToLower(state))
}

// normalizePath replaces dynamic path segments with placeholders.
func normalizePath(path string) string {
	const prefix = "/v1/jobs/"
	if len(path) <= len(prefix) || !strings.HasPrefix(path, prefix) {
		return path
	}
	if strings.HasSuffix(path, "/result") {
		return "/v1/jobs/{jobId}/result"
	}
	return "/v1/jobs/{jobId}"
}
