package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName   = "clickguard"
	dbTracerName = "clickguard/db"
)

// Span attribute keys for the redemption flow.
const (
	AttrSiteID     = attribute.Key("clickguard.site_id")
	AttrResourceID = attribute.Key("clickguard.resource_id")
	AttrDecision   = attribute.Key("clickguard.decision")
	AttrReason     = attribute.Key("clickguard.reason")
	AttrKeyID      = attribute.Key("clickguard.kid")
)

// DBOperation names the kind of statement in a database span.
type DBOperation string

const (
	DBOperationQuery  DBOperation = "query"
	DBOperationInsert DBOperation = "insert"
	DBOperationUpdate DBOperation = "update"
	DBOperationDelete DBOperation = "delete"
	DBOperationExec   DBOperation = "exec"
)

// StartDBSpan starts a client span named "<operation> <table>".
//
//	ctx, endSpan := tracing.StartDBSpan(ctx, "sites", tracing.DBOperationQuery)
//	defer func() { endSpan(err) }()
func StartDBSpan(ctx context.Context, table string, operation DBOperation) (context.Context, func(error)) {
	name := string(operation)
	attrs := []attribute.KeyValue{
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", string(operation)),
	}
	if table != "" {
		name += " " + table
		attrs = append(attrs, attribute.String("db.sql.table", table))
	}

	ctx, span := otel.Tracer(dbTracerName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	return ctx, ender(span)
}

// StartSpan starts an internal span with optional attributes. The returned
// function records a non-nil error and ends the span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, ender(span)
}

func ender(span trace.Span) func(error) {
	return func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// RecordDecision tags the current span with a policy outcome. Denials are
// expected traffic and do not mark the span as failed.
func RecordDecision(ctx context.Context, decision, reason string) {
	span := trace.SpanFromContext(ctx)
	attrs := []attribute.KeyValue{AttrDecision.String(decision)}
	if reason != "" {
		attrs = append(attrs, AttrReason.String(reason))
	}
	span.SetAttributes(attrs...)
	span.AddEvent("decision", trace.WithAttributes(attrs...))
}

// AddEvent adds an event to the current span.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetAttributes sets attributes on the current span.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}
