package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llama-gateway/internal/engine"
	"llama-gateway/internal/engine/enginetest"
	"llama-gateway/internal/models"
)

func params() models.Parameters {
	return models.Parameters{MaxTokens: 16, Temperature: 0.7, TopP: 0.95, Stop: []string{"<|im_end|>"}}
}

func collect(t *testing.T, s *engine.Stream) []engine.Fragment {
	t.Helper()
	var out []engine.Fragment
	for f := range s.Fragments() {
		out = append(out, f)
	}
	return out
}

func TestSessionRun(t *testing.T) {
	fake := enginetest.New("Hel", "lo")
	released := 0

	s := engine.NewSession(fake, "prompt", params(), engine.WithReleaseHook(func() { released++ }))
	res, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "Hello", res.Text)
	assert.Equal(t, models.FinishReasonStop, res.FinishReason)
	assert.Equal(t, 1, released)

	reqs := fake.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "prompt", reqs[0].Prompt)
	assert.Equal(t, 16, reqs[0].Params.MaxTokens)
}

func TestSessionRunLength(t *testing.T) {
	fake := enginetest.New("abc")
	fake.FinishReason = models.FinishReasonLength

	res, err := engine.NewSession(fake, "p", params()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.FinishReasonLength, res.FinishReason)
}

func TestSessionRunWrapsBackendErrors(t *testing.T) {
	fake := enginetest.New()
	fake.Err = errors.New("boom")
	released := 0

	_, err := engine.NewSession(fake, "p", params(), engine.WithReleaseHook(func() { released++ })).Run(context.Background())
	require.Error(t, err)

	var engineErr *engine.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, "fake", engineErr.Backend)
	assert.Equal(t, "complete", engineErr.Op)
	assert.Equal(t, 1, released)
}

func TestSessionRunTimeout(t *testing.T) {
	fake := enginetest.New("x")
	fake.Block = true

	_, err := engine.NewSession(fake, "p", params(), engine.WithTimeout(20*time.Millisecond)).Run(context.Background())
	require.ErrorIs(t, err, engine.ErrGenerationTimeout)
}

func TestSessionRunCancelled(t *testing.T) {
	fake := enginetest.New("x")
	fake.Block = true
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.NewSession(fake, "p", params(), engine.WithTimeout(time.Minute)).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSessionParametersAreCopied(t *testing.T) {
	fake := enginetest.New("x")
	p := params()
	s := engine.NewSession(fake, "p", p)
	p.Stop[0] = "changed"

	_, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"<|im_end|>"}, fake.Requests()[0].Params.Stop)
}

func TestStreamYieldsFragmentsThenOneFinal(t *testing.T) {
	fake := enginetest.New("a", "b", "c")
	fake.Usage = &models.Usage{PromptTokens: 3, CompletionTokens: 3, TotalTokens: 6}
	released := 0

	stream, err := engine.NewSession(fake, "p", params(), engine.WithReleaseHook(func() { released++ })).Stream(context.Background())
	require.NoError(t, err)

	fragments := collect(t, stream)
	require.NoError(t, stream.Err())
	require.Len(t, fragments, 4)

	var text strings.Builder
	finals := 0
	for _, f := range fragments {
		text.WriteString(f.Text)
		if f.Final {
			finals++
		}
	}
	assert.Equal(t, "abc", text.String())
	assert.Equal(t, 1, finals)
	assert.True(t, fragments[3].Final)
	assert.Equal(t, models.FinishReasonStop, fragments[3].FinishReason)
	assert.Equal(t, fake.Usage, stream.Usage())
	assert.Equal(t, 1, released)

	require.NoError(t, stream.Close())
	assert.Equal(t, 1, released)
}

func TestStreamIsSinglePass(t *testing.T) {
	stream, err := engine.NewSession(enginetest.New("a"), "p", params()).Stream(context.Background())
	require.NoError(t, err)

	assert.Len(t, collect(t, stream), 2)
	assert.Empty(t, collect(t, stream))
}

func TestStreamMatchesBatchText(t *testing.T) {
	fake := enginetest.New("The ", "quick ", "fox")

	res, err := engine.NewSession(fake, "p", params()).Run(context.Background())
	require.NoError(t, err)

	stream, err := engine.NewSession(fake, "p", params()).Stream(context.Background())
	require.NoError(t, err)

	var text strings.Builder
	for f := range stream.Fragments() {
		text.WriteString(f.Text)
	}
	assert.Equal(t, res.Text, text.String())
}

func TestStreamEarlyCloseReleases(t *testing.T) {
	fake := enginetest.New("a", "b", "c")
	fake.Block = true
	released := 0

	stream, err := engine.NewSession(fake, "p", params(), engine.WithReleaseHook(func() { released++ })).Stream(context.Background())
	require.NoError(t, err)

	for f := range stream.Fragments() {
		assert.Equal(t, "a", f.Text)
		break
	}
	assert.Equal(t, 1, released)
	assert.Equal(t, 0, fake.Active())

	require.NoError(t, stream.Close())
	assert.Equal(t, 1, released)
}

func TestStreamTimeoutMidway(t *testing.T) {
	fake := enginetest.New("a")
	fake.Block = true

	stream, err := engine.NewSession(fake, "p", params(), engine.WithTimeout(20*time.Millisecond)).Stream(context.Background())
	require.NoError(t, err)

	fragments := collect(t, stream)
	require.Len(t, fragments, 1)
	assert.False(t, fragments[0].Final)
	require.ErrorIs(t, stream.Err(), engine.ErrGenerationTimeout)
}

func TestStreamBackendErrorMidway(t *testing.T) {
	fake := enginetest.New("a")
	fake.StreamErr = errors.New("decode failed")

	stream, err := engine.NewSession(fake, "p", params()).Stream(context.Background())
	require.NoError(t, err)

	fragments := collect(t, stream)
	require.Len(t, fragments, 1)
	assert.True(t, engine.IsEngineError(stream.Err()))
}

func TestStreamStartFailureReleases(t *testing.T) {
	fake := enginetest.New()
	fake.Err = &engine.EngineError{Backend: "fake", Op: "stream", Status: 503, Message: "loading"}
	released := 0

	_, err := engine.NewSession(fake, "p", params(), engine.WithReleaseHook(func() { released++ })).Stream(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, released)

	var engineErr *engine.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, 503, engineErr.Status)
	assert.Contains(t, err.Error(), "status 503")
}

func TestStreamStartFailureWrapsPlainErrors(t *testing.T) {
	fake := enginetest.New()
	fake.Err = errors.New("connection refused")

	_, err := engine.NewSession(fake, "p", params()).Stream(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.Canceled)

	var engineErr *engine.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, "stream", engineErr.Op)
}

func TestStreamWithoutFinalIsAnError(t *testing.T) {
	fake := enginetest.New("Hel", "lo")
	fake.OmitFinal = true
	released := 0

	stream, err := engine.NewSession(fake, "p", params(), engine.WithReleaseHook(func() { released++ })).Stream(context.Background())
	require.NoError(t, err)

	fragments := collect(t, stream)
	require.Len(t, fragments, 2)
	for _, f := range fragments {
		assert.False(t, f.Final)
	}
	assert.True(t, engine.IsEngineError(stream.Err()))
	assert.Equal(t, 1, released)
}
