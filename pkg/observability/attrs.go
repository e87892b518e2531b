package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ExecutionOperation builds span attributes for an execution lifecycle
// operation.
func ExecutionOperation(executionID, workflowID, status string, stepIndex int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("conductor.execution.id", executionID),
		attribute.String("conductor.workflow.id", workflowID),
		attribute.String("conductor.execution.status", status),
		attribute.Int("conductor.execution.step_index", stepIndex),
	}
}

// ReviewOperation builds span attributes for a human review operation.
func ReviewOperation(reviewID, executionID, reviewType, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("conductor.review.id", reviewID),
		attribute.String("conductor.review.execution_id", executionID),
		attribute.String("conductor.review.type", reviewType),
		attribute.String("conductor.review.status", status),
	}
}

// AIStepOperation builds span attributes for an AI step invocation.
func AIStepOperation(workflowID, stepID string, attempts int, success bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("conductor.workflow.id", workflowID),
		attribute.String("conductor.step.id", stepID),
		attribute.Int("conductor.step.attempts", attempts),
		attribute.Bool("conductor.step.success", success),
	}
}

// SpanFromContext returns the current span, or a no-op span if the context
// carries none.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent attaches an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus marks the current span errored or OK.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
