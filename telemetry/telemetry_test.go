package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics

	// none of these should panic
	m.StageOutcome("compose", "ack", time.Second)
	m.Round("APPROVED")
	m.RoundsUsed(2)
	m.DeadLetter("publisher")
	m.LockEvent("acquire")
	m.Requeued(3)
	assert.Nil(t, m.Registry())
}

func TestMetricsHandlerExposesCounters(t *testing.T) {
	m := NewMetrics()
	m.StageOutcome("compose", "queued", 150*time.Millisecond)
	m.Round("APPROVED")
	m.DeadLetter("publisher")
	m.Requeued(2)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `postflow_stage_outcomes_total{outcome="queued",stage="compose"} 1`)
	assert.Contains(t, text, `postflow_generation_rounds_total{verdict="APPROVED"} 1`)
	assert.Contains(t, text, `postflow_dead_letters_total{source="publisher"} 1`)
	assert.Contains(t, text, "postflow_requeued_total 2")
}

func TestGetTracerDefaultsToNoop(t *testing.T) {
	tr := GetTracer()
	require.NotNil(t, tr)

	ctx, span := tr.StartStageSpan(context.Background(), "publish", "abc")
	assert.NotNil(t, ctx)
	tr.EndStageSpan(span, StageSpanOptions{Outcome: "ack"}, nil)

	_, span = tr.StartLLMSpan(context.Background(), "llm.generate")
	tr.EndLLMSpan(span, LLMSpanOptions{Provider: "google"}, errors.New("boom"))
}

func TestInitProviderRequiresEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	_, err := InitProvider(context.Background(), ProviderConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint")
}

func TestInitProviderRejectsUnknownProtocol(t *testing.T) {
	_, err := InitProvider(context.Background(), ProviderConfig{Endpoint: "localhost:4317", Protocol: "udp"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unknown protocol"))
}

func TestHeadersRoundTrip(t *testing.T) {
	assert.Empty(t, Headers(context.Background()))

	ctx := FromHeaders(context.Background(), map[string]string{
		"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
	})
	assert.NotNil(t, ctx)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab...", truncate("abcdef", 2))
}
