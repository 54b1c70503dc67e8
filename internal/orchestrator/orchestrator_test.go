package orchestrator

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llama-gateway/internal/engine"
	"llama-gateway/internal/engine/enginetest"
	"llama-gateway/internal/models"
	"llama-gateway/internal/prompt"
	"llama-gateway/internal/scheduler"
	"llama-gateway/internal/tokenizer"
)

type countingAcquirer struct {
	inner Acquirer
	calls atomic.Int32
}

func (c *countingAcquirer) Acquire(ctx context.Context) (func(), error) {
	c.calls.Add(1)
	return c.inner.Acquire(ctx)
}

type harness struct {
	orch  *Orchestrator
	fake  *enginetest.Fake
	sched *scheduler.Scheduler
	acq   *countingAcquirer
}

func newHarness(t *testing.T, fake *enginetest.Fake, queueDepth int, timeout time.Duration) *harness {
	t.Helper()
	sched, err := scheduler.New(1, queueDepth, 0)
	require.NoError(t, err)
	builder, err := prompt.New(prompt.ChatML)
	require.NoError(t, err)

	acq := &countingAcquirer{inner: sched}
	orch, err := New(Config{
		ModelName:         "test-model",
		Defaults:          Defaults{Temperature: 0.7, TopP: 0.95, MaxTokens: 256, MaxTokensLimit: 2048},
		GenerationTimeout: timeout,
	}, fake, builder, acq, WithCounter(tokenizer.CounterFunc(fake.Tokenize)))
	require.NoError(t, err)

	return &harness{orch: orch, fake: fake, sched: sched, acq: acq}
}

func userRequest(text string) models.ChatRequest {
	return models.ChatRequest{
		Model:    "gpt-3.5-turbo",
		Messages: []models.Message{{Role: models.RoleUser, Content: text}},
	}
}

func ptr[T any](v T) *T {
	return &v
}

func TestChat(t *testing.T) {
	h := newHarness(t, enginetest.New("Hello", " there"), 0, 0)

	gen, err := h.orch.Chat(context.Background(), userRequest("hi"))
	require.NoError(t, err)

	assert.Equal(t, "test-model", gen.Model)
	assert.Equal(t, "Hello there", gen.Text)
	assert.Equal(t, models.FinishReasonStop, gen.FinishReason)
	require.NotNil(t, gen.Usage)
	assert.Equal(t, 2, gen.Usage.CompletionTokens)
	assert.Equal(t, gen.Usage.PromptTokens+gen.Usage.CompletionTokens, gen.Usage.TotalTokens)

	reqs := h.fake.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "<|im_start|>user\nhi<|im_end|>\n<|im_start|>assistant\n", reqs[0].Prompt)
	assert.Equal(t, 256, reqs[0].Params.MaxTokens)
	assert.Equal(t, []string{"<|im_end|>", "<|im_start|>"}, reqs[0].Params.Stop)
	assert.Equal(t, 0, h.sched.Stats().Active)
}

func TestChatPrefersEngineUsage(t *testing.T) {
	fake := enginetest.New("x")
	fake.Usage = &models.Usage{PromptTokens: 40, CompletionTokens: 1, TotalTokens: 41}
	h := newHarness(t, fake, 0, 0)

	gen, err := h.orch.Chat(context.Background(), userRequest("hi"))
	require.NoError(t, err)
	assert.Equal(t, fake.Usage, gen.Usage)
}

func TestChatOmitsUsageWhenCountingFails(t *testing.T) {
	fake := enginetest.New("x")
	fake.TokenizeErr = assert.AnError
	h := newHarness(t, fake, 0, 0)

	gen, err := h.orch.Chat(context.Background(), userRequest("hi"))
	require.NoError(t, err)
	assert.Nil(t, gen.Usage)
}

func TestChatValidationNeverTouchesEngine(t *testing.T) {
	tests := []struct {
		name string
		req  models.ChatRequest
	}{
		{name: "empty messages", req: models.ChatRequest{}},
		{name: "unknown role", req: models.ChatRequest{Messages: []models.Message{{Role: "robot", Content: "x"}}}},
		{name: "negative max tokens", req: func() models.ChatRequest {
			r := userRequest("x")
			r.Options.MaxTokens = ptr(-1)
			return r
		}()},
		{name: "max tokens over limit", req: func() models.ChatRequest {
			r := userRequest("x")
			r.Options.MaxTokens = ptr(4096)
			return r
		}()},
		{name: "temperature", req: func() models.ChatRequest {
			r := userRequest("x")
			r.Options.Temperature = ptr(2.5)
			return r
		}()},
		{name: "top_p zero", req: func() models.ChatRequest {
			r := userRequest("x")
			r.Options.TopP = ptr(0.0)
			return r
		}()},
		{name: "presence penalty", req: func() models.ChatRequest {
			r := userRequest("x")
			r.Options.PresencePenalty = ptr(-3.0)
			return r
		}()},
		{name: "too many stops", req: func() models.ChatRequest {
			r := userRequest("x")
			r.Options.Stop = []string{"a", "b", "c", "d", "e"}
			return r
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, enginetest.New("x"), 0, 0)
			_, err := h.orch.Chat(context.Background(), tt.req)
			require.ErrorIs(t, err, ErrInvalidRequest)
			assert.Zero(t, h.acq.calls.Load())
			assert.Zero(t, h.fake.Calls())
		})
	}
}

func TestChatInvalidSequence(t *testing.T) {
	h := newHarness(t, enginetest.New("x"), 0, 0)

	_, err := h.orch.Chat(context.Background(), models.ChatRequest{
		Messages: []models.Message{{Role: models.RoleTool, Content: "42"}},
	})
	require.ErrorIs(t, err, prompt.ErrInvalidMessageSequence)
	assert.Zero(t, h.acq.calls.Load())
}

func TestChatBusy(t *testing.T) {
	h := newHarness(t, enginetest.New("x"), 0, 0)

	release, err := h.sched.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	_, err = h.orch.Chat(context.Background(), userRequest("hi"))
	require.ErrorIs(t, err, scheduler.ErrEngineBusy)
	assert.Zero(t, h.fake.Calls())
}

func TestChatTimeoutReleasesEngine(t *testing.T) {
	fake := enginetest.New("x")
	fake.Block = true
	h := newHarness(t, fake, 0, 20*time.Millisecond)

	_, err := h.orch.Chat(context.Background(), userRequest("hi"))
	require.ErrorIs(t, err, engine.ErrGenerationTimeout)
	assert.Equal(t, 0, h.sched.Stats().Active)
}

func TestChatToolCalls(t *testing.T) {
	h := newHarness(t, enginetest.New(`<tool_call>{"name":"get_weather","arguments":{"city":"Paris"}}</tool_call>`), 0, 0)

	req := userRequest("weather in Paris?")
	req.Tools = []models.Tool{{Name: "get_weather"}}
	gen, err := h.orch.Chat(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, models.FinishReasonToolCalls, gen.FinishReason)
	assert.Empty(t, gen.Text)
	require.Len(t, gen.ToolCalls, 1)
	assert.Equal(t, "get_weather", gen.ToolCalls[0].Name)
	assert.Contains(t, h.fake.Requests()[0].Prompt, "<tools>")
}

func TestChatIgnoresToolMarkupWithoutTools(t *testing.T) {
	text := `<tool_call>{"name":"x","arguments":{}}</tool_call>`
	h := newHarness(t, enginetest.New(text), 0, 0)

	gen, err := h.orch.Chat(context.Background(), userRequest("hi"))
	require.NoError(t, err)
	assert.Equal(t, text, gen.Text)
	assert.Equal(t, models.FinishReasonStop, gen.FinishReason)
}

func TestSerializesConcurrentRequests(t *testing.T) {
	fake := enginetest.New("a", "b")
	fake.Delay = 2 * time.Millisecond
	h := newHarness(t, fake, 32, 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(stream bool) {
			defer wg.Done()
			if stream {
				s, err := h.orch.ChatStream(context.Background(), userRequest("hi"))
				if !assert.NoError(t, err) {
					return
				}
				defer s.Close()
				for range s.Deltas() {
				}
				assert.NoError(t, s.Err())
				return
			}
			_, err := h.orch.Chat(context.Background(), userRequest("hi"))
			assert.NoError(t, err)
		}(i%2 == 0)
	}
	wg.Wait()

	assert.Equal(t, 8, fake.Calls())
	assert.Equal(t, 1, fake.MaxActive())
}

func TestChatStream(t *testing.T) {
	h := newHarness(t, enginetest.New("Hel", "lo", "!"), 0, 0)

	s, err := h.orch.ChatStream(context.Background(), userRequest("hi"))
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "test-model", s.Model())

	var (
		text   strings.Builder
		finals []models.Delta
	)
	for d := range s.Deltas() {
		if d.Final() {
			finals = append(finals, d)
			continue
		}
		text.WriteString(d.Content)
	}
	require.NoError(t, s.Err())
	assert.Equal(t, "Hello!", text.String())
	require.Len(t, finals, 1)
	assert.Equal(t, models.FinishReasonStop, finals[0].FinishReason)
	require.NotNil(t, s.Usage())
	assert.Equal(t, 1, s.Usage().CompletionTokens)
	assert.Equal(t, 0, h.sched.Stats().Active)
}

func TestStreamTextMatchesBatch(t *testing.T) {
	h := newHarness(t, enginetest.New("The ", "quick ", "brown ", "fox"), 0, 0)

	gen, err := h.orch.Chat(context.Background(), userRequest("go"))
	require.NoError(t, err)

	s, err := h.orch.ChatStream(context.Background(), userRequest("go"))
	require.NoError(t, err)
	defer s.Close()

	var text strings.Builder
	for d := range s.Deltas() {
		text.WriteString(d.Content)
	}
	assert.Equal(t, gen.Text, text.String())
}

func TestChatStreamCancelReleasesEngine(t *testing.T) {
	fake := enginetest.New("first")
	fake.Block = true
	h := newHarness(t, fake, 0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, err := h.orch.ChatStream(ctx, userRequest("hi"))
	require.NoError(t, err)
	defer s.Close()

	var got []models.Delta
	for d := range s.Deltas() {
		got = append(got, d)
		cancel()
	}
	require.Len(t, got, 1)
	require.ErrorIs(t, s.Err(), context.Canceled)
	assert.Equal(t, 0, h.sched.Stats().Active)
	assert.Equal(t, 0, fake.Active())

	// the engine is free for the next request
	fake.Block = false
	_, err = h.orch.Chat(context.Background(), userRequest("again"))
	require.NoError(t, err)
}

func TestChatStreamEarlyClose(t *testing.T) {
	fake := enginetest.New("a", "b", "c")
	fake.Block = true
	h := newHarness(t, fake, 0, 0)

	s, err := h.orch.ChatStream(context.Background(), userRequest("hi"))
	require.NoError(t, err)
	for range s.Deltas() {
		break
	}
	require.NoError(t, s.Close())
	assert.Equal(t, 0, h.sched.Stats().Active)
}

func TestChatStreamToolCalls(t *testing.T) {
	h := newHarness(t, enginetest.New("Checking", `<tool_call>{"name":"lookup",`, `"arguments":{"q":"go"}}</tool_call>`), 0, 0)

	req := userRequest("search")
	req.Tools = []models.Tool{{Name: "lookup"}}
	s, err := h.orch.ChatStream(context.Background(), req)
	require.NoError(t, err)
	defer s.Close()

	var (
		text  strings.Builder
		calls []models.ToolCall
		last  models.Delta
	)
	for d := range s.Deltas() {
		text.WriteString(d.Content)
		calls = append(calls, d.ToolCalls...)
		last = d
	}
	assert.Equal(t, "Checking", text.String())
	require.Len(t, calls, 1)
	assert.Equal(t, "lookup", calls[0].Name)
	assert.JSONEq(t, `{"q":"go"}`, calls[0].Arguments)
	assert.Equal(t, models.FinishReasonToolCalls, last.FinishReason)
}

func TestComplete(t *testing.T) {
	h := newHarness(t, enginetest.New("42"), 0, 0)

	req := models.CompletionRequest{Prompt: "The answer is ", Options: models.Options{Stop: []string{"\n"}, MaxTokens: ptr(8)}}
	gen, err := h.orch.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "42", gen.Text)

	sent := h.fake.Requests()[0]
	assert.Equal(t, "The answer is ", sent.Prompt)
	assert.Equal(t, []string{"\n"}, sent.Params.Stop)
	assert.Equal(t, 8, sent.Params.MaxTokens)

	_, err = h.orch.Complete(context.Background(), models.CompletionRequest{})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCompleteStream(t *testing.T) {
	h := newHarness(t, enginetest.New("a", "b"), 0, 0)

	s, err := h.orch.CompleteStream(context.Background(), models.CompletionRequest{Prompt: "x"})
	require.NoError(t, err)
	defer s.Close()

	var text strings.Builder
	for d := range s.Deltas() {
		text.WriteString(d.Content)
	}
	assert.Equal(t, "ab", text.String())
}

func TestRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	assert.Equal(t, "req-1", RequestID(ctx))
	assert.Empty(t, RequestID(context.Background()))
}
