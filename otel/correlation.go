package otel

import (
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/trace"
)

// GetTraceID extracts the OpenTelemetry trace ID from the current context.
// The collector stamps this onto every ingested metric point so a sample in
// the store can be correlated back to the export request that produced it;
// it returns "" when no span is recording, in which case the caller
// generates its own id.
func GetTraceID(c echo.Context) string {
	span := trace.SpanFromContext(c.Request().Context())
	if !span.IsRecording() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}
