package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const executorTracerName = "nova-executor"

func executorTracer() trace.Tracer {
	return Tracer(executorTracerName)
}

// TraceTaskExecute creates a span for a full task execution.
func TraceTaskExecute(ctx context.Context, taskID, threadID, agentID string) (context.Context, trace.Span) {
	ctx, span := executorTracer().Start(ctx, "task.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.String("thread_id", threadID),
		attribute.String("agent_id", agentID),
	)
	return ctx, span
}

// TraceTaskResume creates a span for resuming a task from an answered interaction.
func TraceTaskResume(ctx context.Context, taskID, interactionID string) (context.Context, trace.Span) {
	ctx, span := executorTracer().Start(ctx, "task.resume",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.String("interaction_id", interactionID),
	)
	return ctx, span
}

// TraceContextRebuild creates a span for a continuous-context checkpoint rebuild.
func TraceContextRebuild(ctx context.Context, threadID, agentID string) (context.Context, trace.Span) {
	ctx, span := executorTracer().Start(ctx, "context.rebuild",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("thread_id", threadID),
		attribute.String("agent_id", agentID),
	)
	return ctx, span
}

// TraceSummarize creates a span for one day-summary run.
func TraceSummarize(ctx context.Context, daySegmentID, dayLabel, mode string) (context.Context, trace.Span) {
	ctx, span := executorTracer().Start(ctx, "summarizer.run",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("day_segment_id", daySegmentID),
		attribute.String("day_label", dayLabel),
		attribute.String("mode", mode),
	)
	return ctx, span
}

// RecordResult records the terminal result of a traced operation on its span.
func RecordResult(span trace.Span, status string, err error) {
	span.SetAttributes(attribute.String("status", status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
