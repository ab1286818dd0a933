// Package observability provides the service's OpenTelemetry metrics,
// exported in Prometheus format.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys
const (
	attrMethod   = "method"
	attrPath     = "path"
	attrStatus   = "status"
	attrJobType  = "job_type"
	attrSuccess  = "success"
	attrStrategy = "strategy"
	attrStep     = "step"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func jobTypeAttr(jobType string) attribute.KeyValue {
	return attribute.String(attrJobType, jobType)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

func strategyAttr(strategy string) attribute.KeyValue {
	return attribute.String(attrStrategy, strategy)
}

func stepAttr(step string) attribute.KeyValue {
	return attribute.String(attrStep, step)
}

// normalizePath replaces dynamic path segments with placeholders:
// /v1/jobs/abc123/rollback -> /v1/jobs/{jobId}/rollback.
func normalizePath(path string) string {
	for _, prefix := range []string{"/v1/jobs/", "/v1/types/"} {
		rest, ok := strings.CutPrefix(path, prefix)
		if !ok || rest == "" {
			continue
		}
		placeholder := "{jobId}"
		if prefix == "/v1/types/" {
			placeholder = "{name}"
		}
		if _, tail, found := strings.Cut(rest, "/"); found {
			return prefix + placeholder + "/" + tail
		}
		return prefix + placeholder
	}
	return path
}

// WithJobType returns a metric option with the job type attribute.
func WithJobType(jobType string) metric.MeasurementOption {
	return metric.WithAttributes(jobTypeAttr(jobType))
}

// WithStatus returns a metric option with the status attribute.
func WithStatus(code int) metric.MeasurementOption {
	return metric.WithAttributes(statusAttr(code))
}
