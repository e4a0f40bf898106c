package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigured(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want bool
	}{
		{name: "unset", want: false},
		{name: "generic endpoint", env: map[string]string{"OTEL_EXPORTER_OTLP_ENDPOINT": "http://collector:4318"}, want: true},
		{name: "traces endpoint", env: map[string]string{"OTEL_EXPORTER_OTLP_TRACES_ENDPOINT": "http://collector:4318/v1/traces"}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, name := range endpointVars {
				t.Setenv(name, "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			assert.Equal(t, tt.want, configured())
		})
	}
}

func TestTracerWithoutEndpoint(t *testing.T) {
	for _, name := range endpointVars {
		t.Setenv(name, "")
	}
	tr := Tracer("test")
	_, span := tr.Start(context.Background(), "noop")
	span.End()
	assert.False(t, Enabled())
	assert.NoError(t, Err())
	assert.NoError(t, Shutdown(context.Background()))
}
