// Package otel provides OpenTelemetry instrumentation utilities for the state exporter.
package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Common attribute keys for business context used across the application.
// Using shared keys ensures consistent attribute naming in traces.
const (
	AttrExporterName = attribute.Key("exporter.name")
	AttrRemoteType   = attribute.Key("remote.type")
	AttrRemoteTable  = attribute.Key("remote.table")
	AttrCycleID      = attribute.Key("sync.cycle_id")
	AttrSyncStep     = attribute.Key("sync.step")
	AttrItemID       = attribute.Key("item.id")
	AttrItemCount    = attribute.Key("item.count")
	AttrAppended     = attribute.Key("sync.appended")
)

// StartSpan starts a new span if the tracer is non-nil, otherwise returns ctx
// unchanged and a non-recording span that is not linked to any span in ctx.
// The returned span is always safe to end.
func StartSpan(
	ctx context.Context,
	tracer trace.Tracer,
	name string,
	opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, noop.Span{}
	}
	return tracer.Start(ctx, name, opts...)
}

// RecordError records an error on a span and sets the span status to error.
// It safely handles nil spans and nil errors.
// The status description stays generic so connection strings and credentials
// never reach the span status; details are kept in the recorded event.
func RecordError(span trace.Span, err error) {
	if err != nil && span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "operation failed")
	}
}

// ExporterAttrs returns the attributes identifying an exporter's spans.
func ExporterAttrs(exporterName, remoteType string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{AttrExporterName.String(exporterName)}
	if remoteType != "" {
		attrs = append(attrs, AttrRemoteType.String(remoteType))
	}
	return attrs
}

// EndStep records err, if any, and ends span. It is meant for deferred use
// around a sync step: defer func() { otel.EndStep(span, err) }().
func EndStep(span trace.Span, err error) {
	RecordError(span, err)
	span.End()
}
