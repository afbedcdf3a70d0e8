// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope of ledger spans.
const TracerName = "aleutian.ledger"

// Span names of the approval pipeline.
const (
	SpanRegister  = "ledger.register"
	SpanValidate  = "ledger.validate"
	SpanLock      = "ledger.lock"
	SpanConsensus = "ledger.consensus"
	SpanCommit    = "ledger.commit"
	SpanSanitize  = "ledger.sanitize"
	SpanParcel    = "ledger.parcel"
)

// StartSpan starts a span on the ledger tracer.
//
// # Example
//
//	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanValidate,
//	    trace.WithAttributes(attribute.String("item_id", id.Short())))
//	defer span.End()
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, name, opts...)
}

// RecordError marks span failed with err. Nil span or err is a no-op.
func RecordError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if span == nil || err == nil {
		return
	}
	opts := make([]trace.EventOption, 0, 1)
	if len(attrs) > 0 {
		opts = append(opts, trace.WithAttributes(attrs...))
	}
	span.RecordError(err, opts...)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks span successful.
func SetSpanOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

// TraceID returns the hex trace id in ctx, or "".
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// InjectToMap writes the trace context of ctx into a map so it can travel
// with a proposal to other nodes.
func InjectToMap(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return nil
	}
	return carrier
}

// ExtractFromMap returns ctx extended with the trace context in carrier.
func ExtractFromMap(ctx context.Context, carrier map[string]string) context.Context {
	if len(carrier) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(carrier))
}
