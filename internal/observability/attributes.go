// Package observability provides the metrics exported by the stager.
package observability

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys
const (
	attrClass   = "class"
	attrStatus  = "status"
	attrChanged = "changed"
	attrState   = "state"
)

func classAttr(class string) attribute.KeyValue {
	if class == "" {
		class = "standard"
	}
	return attribute.String(attrClass, class)
}

func statusAttr(status string) attribute.KeyValue {
	return attribute.String(attrStatus, status)
}

func changedAttr(changed bool) attribute.KeyValue {
	return attribute.Bool(attrChanged, changed)
}

func stateAttr(state string) attribute.KeyValue {
	return attribute.String(attrState, state)
}

// WithClass returns a metric option with the destination class attribute.
func WithClass(class string) metric.MeasurementOption {
	return metric.WithAttributes(classAttr(class))
}

// WithState returns a metric option with the pipeline state attribute.
func WithState(state string) metric.MeasurementOption {
	return metric.WithAttributes(stateAttr(state))
}
