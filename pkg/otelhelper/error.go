package otelhelper

import (
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/choreoerr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SetError marks the span failed. The error kind and whether it will be
// retried are recorded on the span so failed dispatches can be grouped.
func SetError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	span.SetAttributes(
		attribute.String(ErrorKindKey, choreoerr.Kind(err)),
		attribute.Bool(RetryableKey, choreoerr.Retryable(err)),
	)
	span.RecordError(err, trace.WithAttributes(attrs...))
	span.SetStatus(codes.Error, err.Error())
}
