package tracing

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSpansExported(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	shutdown, err := InitWithExporter("fleet", "test", exp)
	require.NoError(t, err)
	defer shutdown(context.Background())

	ctx, parent := StartSpan(context.Background(), "role.start")
	parent.WithAttributes(map[string]string{"role": "nlu"})
	_, child := StartSpan(ctx, "role.launch")
	child.Event("port", map[string]string{"port": "3100"})
	EndSpan(child, errors.New("launch failed"))
	EndSpan(parent, nil)

	spans := exp.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "role.launch", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, spans[1].SpanContext.SpanID(), spans[0].Parent.SpanID())
	assert.Equal(t, codes.Ok, spans[1].Status.Code)
	require.Len(t, spans[0].Events, 2) // port + recorded error
}

func TestInitFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "spans.json")
	shutdown, err := Init("fleet", "test", out)
	require.NoError(t, err)

	_, sp := StartSpan(context.Background(), "test")
	EndSpan(sp, nil)
	require.NoError(t, shutdown(context.Background()))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}

func TestNilSpan(t *testing.T) {
	var sp *Span
	assert.NotPanics(t, func() {
		sp.WithAttributes(map[string]string{"a": "b"})
		sp.Event("x", nil)
		EndSpan(sp, errors.New("x"))
	})
}
