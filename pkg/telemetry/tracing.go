// Package telemetry configures OpenTelemetry tracing for a federation
// service: a process-wide TracerProvider recording spans for every inbound
// operation and outbound call, without requiring an external collector.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Init installs a process-wide TracerProvider and returns a shutdown func
// that flushes pending spans.
func Init(serviceName string) func(context.Context) error {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

// Tracer returns the named tracer off the process-wide provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
