package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llama-gateway/internal/engine"
	"llama-gateway/internal/models"
	"llama-gateway/internal/scheduler"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestGenerationOutcomes(t *testing.T) {
	m := New(nil)

	m.Generation("stream", models.FinishReasonStop, time.Second, nil)
	m.Generation("stream", "", time.Second, engine.ErrGenerationTimeout)
	m.Generation("batch", "", time.Second, &engine.EngineError{Backend: "llama.cpp", Op: "complete"})
	m.Generation("batch", "", time.Second, context.Canceled)

	text := scrape(t, m)
	assert.Contains(t, text, `llama_gateway_generations_total{mode="stream",outcome="stop"} 1`)
	assert.Contains(t, text, `llama_gateway_generations_total{mode="stream",outcome="timeout"} 1`)
	assert.Contains(t, text, `llama_gateway_generations_total{mode="batch",outcome="engine_error"} 1`)
	assert.Contains(t, text, `llama_gateway_generations_total{mode="batch",outcome="cancelled"} 1`)
	assert.Contains(t, text, `llama_gateway_generation_duration_seconds_count{mode="batch"} 2`)
}

func TestTokens(t *testing.T) {
	m := New(nil)
	m.Tokens(models.NewUsage(10, 5))
	m.Tokens(models.NewUsage(1, 1))

	text := scrape(t, m)
	assert.Contains(t, text, `llama_gateway_tokens_total{kind="prompt"} 11`)
	assert.Contains(t, text, `llama_gateway_tokens_total{kind="completion"} 6`)
}

func TestHandlerExposesQueueGauges(t *testing.T) {
	sched, err := scheduler.New(1, 4, 0)
	require.NoError(t, err)
	release, err := sched.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	m := New(sched.Stats)
	m.HTTPRequest("POST", "/v1/chat/completions", 200, 150*time.Millisecond)
	m.QueueWait(5 * time.Millisecond)

	text := scrape(t, m)
	assert.Contains(t, text, "llama_gateway_engine_active_sessions 1")
	assert.Contains(t, text, "llama_gateway_engine_waiting_requests 0")
	assert.Contains(t, text, "llama_gateway_engine_slots 1")
	assert.Contains(t, text, `llama_gateway_http_requests_total{code="200",method="POST",route="/v1/chat/completions"} 1`)
	assert.Contains(t, text, "llama_gateway_queue_wait_seconds_count 1")
}
