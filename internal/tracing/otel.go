// Package tracing provides the tracer behind protocol tracing. Spans leave
// the process only when OTEL_EXPORTER_OTLP_ENDPOINT (or the traces-specific
// variant) is set; the exporter reads the rest of the standard OTEL_*
// variables itself.
package tracing

import (
	"context"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const serviceName = "streambridge"

var endpointVars = []string{
	"OTEL_EXPORTER_OTLP_TRACES_ENDPOINT",
	"OTEL_EXPORTER_OTLP_ENDPOINT",
}

type state struct {
	once     sync.Once
	provider trace.TracerProvider
	sdk      *sdktrace.TracerProvider
	err      error
}

var global state

func (s *state) init() {
	s.once.Do(func() {
		s.provider = noop.NewTracerProvider()
		if !configured() {
			return
		}
		exporter, err := otlptracehttp.New(context.Background())
		if err != nil {
			s.err = err
			return
		}
		res, err := resource.Merge(resource.Default(),
			resource.NewSchemaless(semconv.ServiceName(serviceName)))
		if err != nil {
			res = resource.Default()
		}
		s.sdk = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		s.provider = s.sdk
		otel.SetTracerProvider(s.sdk)
	})
}

func configured() bool {
	for _, name := range endpointVars {
		if os.Getenv(name) != "" {
			return true
		}
	}
	return false
}

// Enabled reports whether spans are exported.
func Enabled() bool {
	global.init()
	return global.sdk != nil
}

// Err returns the exporter setup error, if any. Tracing stays disabled
// after a failed setup.
func Err() error {
	global.init()
	return global.err
}

// Tracer returns a named tracer, a no-op one when tracing is disabled.
func Tracer(name string) trace.Tracer {
	global.init()
	return global.provider.Tracer(name)
}

// Shutdown flushes pending spans.
func Shutdown(ctx context.Context) error {
	if global.sdk == nil {
		return nil
	}
	return global.sdk.Shutdown(ctx)
}
