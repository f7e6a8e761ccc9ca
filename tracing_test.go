package roadspeed

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestAcquireDirectionsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	engine := newTestEngine(t, &fakeBrowser{navigate: offerPayload}, &recordingSleeper{}, WithTracerProvider(provider))

	_, err := engine.AcquireDirections(context.Background(), testOrigin, testDestination, time.Time{})
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "roadspeed.Engine.AcquireDirections", spans[0].Name())
	attributes := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attributes[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, METHOD_RESPONSE_CAPTURE.String(), attributes["method"])
	assert.Equal(t, formatLatLon(testOrigin), attributes["origin"])
}

func TestStdoutTracerProvider(t *testing.T) {
	buf := &bytes.Buffer{}
	provider, err := NewStdoutTracerProvider(buf)
	require.NoError(t, err)
	engine := newTestEngine(t, &fakeBrowser{}, &recordingSleeper{}, WithTracerProvider(provider), WithRetryPolicy(RetryPolicy{MaxAttempts: 1}))

	_, err = engine.AcquireDirections(context.Background(), testOrigin, testDestination, time.Time{})
	require.Error(t, err)
	require.NoError(t, provider.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "roadspeed.Engine.AcquireDirections")
	assert.Contains(t, buf.String(), ErrNoDataExtracted.Error())
}
