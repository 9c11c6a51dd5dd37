package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	AttrRunID        = attribute.Key("casegate.run.id")
	AttrCaseID       = attribute.Key("casegate.case.id")
	AttrEventType    = attribute.Key("casegate.event.type")
	AttrMode         = attribute.Key("casegate.mode")
	AttrStage        = attribute.Key("casegate.stage")
	AttrRunStatus    = attribute.Key("casegate.run.status")
	AttrFinalAction  = attribute.Key("casegate.run.final_action")
	AttrDecision     = attribute.Key("casegate.policy.decision")
	AttrLedgerAction = attribute.Key("casegate.ledger.action")
	AttrReviewReason = attribute.Key("casegate.review.reason")
)

// RunAttributes identifies a run on spans and metrics.
func RunAttributes(runID, caseID, eventType, mode string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRunID.String(runID),
		AttrCaseID.String(caseID),
		AttrEventType.String(eventType),
		AttrMode.String(mode),
	}
}

// SpanFromContext returns the current span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus marks the current span failed when err is non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
