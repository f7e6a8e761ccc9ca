package roadspeed

import (
	"io"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// TracerName is instrumentation name of engine spans
const TracerName = "roadspeed"

// NewStdoutTracerProvider returns provider writing finished spans as JSON to w.
// Spans are batched: call Shutdown to flush them
func NewStdoutTracerProvider(w io.Writer) (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, errors.Wrap(err, "Can't create stdout span exporter")
	}
	return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter)), nil
}
