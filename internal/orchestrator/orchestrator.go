// Package orchestrator turns chat and completion requests into engine
// sessions: validate, render the prompt, wait for the engine, generate.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"llama-gateway/internal/engine"
	"llama-gateway/internal/logger"
	"llama-gateway/internal/models"
	"llama-gateway/internal/prompt"
	"llama-gateway/internal/tokenizer"
)

const (
	modeBatch  = "batch"
	modeStream = "stream"
)

type state string

const (
	stateReceived       state = "received"
	stateValidated      state = "validated"
	statePromptBuilt    state = "prompt_built"
	stateEngineAcquired state = "engine_acquired"
	stateGenerating     state = "generating"
	stateResponding     state = "responding"
	stateDone           state = "done"
	stateFailed         state = "failed"
)

// Acquirer grants exclusive use of the engine.
type Acquirer interface {
	Acquire(ctx context.Context) (func(), error)
}

// Recorder receives generation measurements.
type Recorder interface {
	QueueWait(d time.Duration)
	Generation(mode string, reason models.FinishReason, d time.Duration, err error)
	Tokens(u models.Usage)
}

type nopRecorder struct{}

func (nopRecorder) QueueWait(time.Duration)                                         {}
func (nopRecorder) Generation(string, models.FinishReason, time.Duration, error) {}
func (nopRecorder) Tokens(models.Usage)                                             {}

// Config holds the per-deployment generation settings.
type Config struct {
	ModelName         string
	Defaults          Defaults
	GenerationTimeout time.Duration
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithCounter sets the token counter used when the engine reports no usage.
func WithCounter(c tokenizer.Counter) Option {
	return func(o *Orchestrator) { o.counter = c }
}

// WithRecorder sets the metrics sink.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// Orchestrator is the entry point for generation requests. It is safe for
// concurrent use; engine access is serialized by the Acquirer.
type Orchestrator struct {
	cfg      Config
	engine   engine.Engine
	builder  *prompt.Builder
	sched    Acquirer
	counter  tokenizer.Counter
	recorder Recorder
	log      *logger.Logger
}

// New wires an orchestrator.
func New(cfg Config, eng engine.Engine, builder *prompt.Builder, sched Acquirer, opts ...Option) (*Orchestrator, error) {
	if eng == nil {
		return nil, errors.New("engine must not be nil")
	}
	if builder == nil {
		return nil, errors.New("prompt builder must not be nil")
	}
	if sched == nil {
		return nil, errors.New("scheduler must not be nil")
	}
	if cfg.Defaults.MaxTokens <= 0 {
		return nil, fmt.Errorf("default max tokens must be positive, got %d", cfg.Defaults.MaxTokens)
	}

	o := &Orchestrator{
		cfg:      cfg,
		engine:   eng,
		builder:  builder,
		sched:    sched,
		recorder: nopRecorder{},
		log:      logger.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.Named("orchestrator")
	return o, nil
}

// ModelName returns the name reported in responses.
func (o *Orchestrator) ModelName() string {
	return o.cfg.ModelName
}

// Chat runs a chat completion to the end.
func (o *Orchestrator) Chat(ctx context.Context, req models.ChatRequest) (*models.Generation, error) {
	log := o.requestLog(ctx, "chat")
	transition(log, stateReceived, zap.Int("messages", len(req.Messages)), zap.String("model", req.Model))

	p, params, err := o.prepareChat(log, req)
	if err != nil {
		return nil, err
	}

	gen, err := o.run(ctx, log, p.Text, params)
	if err != nil {
		return nil, err
	}
	if len(req.Tools) > 0 {
		if text, calls := prompt.ExtractToolCalls(gen.Text); len(calls) > 0 {
			gen.Text = text
			gen.ToolCalls = calls
			gen.FinishReason = models.FinishReasonToolCalls
		}
	}
	transition(log, stateDone, zap.String("finish_reason", string(gen.FinishReason)))
	return gen, nil
}

// Complete runs a raw prompt completion to the end. The prompt is sent as
// given; only the caller's stop sequences apply.
func (o *Orchestrator) Complete(ctx context.Context, req models.CompletionRequest) (*models.Generation, error) {
	log := o.requestLog(ctx, "completion")
	transition(log, stateReceived, zap.Int("prompt_bytes", len(req.Prompt)))

	params, err := o.prepareCompletion(log, req)
	if err != nil {
		return nil, err
	}

	gen, err := o.run(ctx, log, req.Prompt, params)
	if err != nil {
		return nil, err
	}
	transition(log, stateDone, zap.String("finish_reason", string(gen.FinishReason)))
	return gen, nil
}

// ChatStream starts a streamed chat completion. The caller must Close the
// returned stream.
func (o *Orchestrator) ChatStream(ctx context.Context, req models.ChatRequest) (*ChatStream, error) {
	log := o.requestLog(ctx, "chat_stream")
	transition(log, stateReceived, zap.Int("messages", len(req.Messages)), zap.String("model", req.Model))

	p, params, err := o.prepareChat(log, req)
	if err != nil {
		return nil, err
	}
	return o.stream(ctx, log, p.Text, params, len(req.Tools) > 0)
}

// CompleteStream starts a streamed raw prompt completion.
func (o *Orchestrator) CompleteStream(ctx context.Context, req models.CompletionRequest) (*ChatStream, error) {
	log := o.requestLog(ctx, "completion_stream")
	transition(log, stateReceived, zap.Int("prompt_bytes", len(req.Prompt)))

	params, err := o.prepareCompletion(log, req)
	if err != nil {
		return nil, err
	}
	return o.stream(ctx, log, req.Prompt, params, false)
}

func (o *Orchestrator) prepareChat(log *zap.Logger, req models.ChatRequest) (prompt.Prompt, models.Parameters, error) {
	if err := validateMessages(req.Messages); err != nil {
		return prompt.Prompt{}, models.Parameters{}, fail(log, stateReceived, err)
	}
	if err := validateOptions(req.Options, o.cfg.Defaults); err != nil {
		return prompt.Prompt{}, models.Parameters{}, fail(log, stateReceived, err)
	}
	transition(log, stateValidated)

	p, err := o.builder.Build(req.Messages, req.Tools)
	if err != nil {
		return prompt.Prompt{}, models.Parameters{}, fail(log, stateValidated, err)
	}
	params := ResolveParameters(req.Options, o.cfg.Defaults, p.Stop)
	transition(log, statePromptBuilt, zap.Int("prompt_bytes", len(p.Text)), zap.Int("max_tokens", params.MaxTokens))
	return p, params, nil
}

func (o *Orchestrator) prepareCompletion(log *zap.Logger, req models.CompletionRequest) (models.Parameters, error) {
	if req.Prompt == "" {
		return models.Parameters{}, fail(log, stateReceived, invalid("prompt must not be empty"))
	}
	if err := validateOptions(req.Options, o.cfg.Defaults); err != nil {
		return models.Parameters{}, fail(log, stateReceived, err)
	}
	transition(log, stateValidated)
	params := ResolveParameters(req.Options, o.cfg.Defaults, nil)
	transition(log, statePromptBuilt, zap.Int("max_tokens", params.MaxTokens))
	return params, nil
}

// acquire waits for the engine and opens a session that gives the slot back
// when it ends.
func (o *Orchestrator) acquire(ctx context.Context, log *zap.Logger, promptText string, params models.Parameters) (*engine.Session, error) {
	start := time.Now()
	release, err := o.sched.Acquire(ctx)
	if err != nil {
		return nil, fail(log, statePromptBuilt, err)
	}
	waited := time.Since(start)
	o.recorder.QueueWait(waited)
	transition(log, stateEngineAcquired, zap.Duration("queue_wait", waited))

	return engine.NewSession(o.engine, promptText, params,
		engine.WithTimeout(o.cfg.GenerationTimeout),
		engine.WithReleaseHook(func() {
			release()
			log.Debug("engine released")
		}),
	), nil
}

func (o *Orchestrator) run(ctx context.Context, log *zap.Logger, promptText string, params models.Parameters) (*models.Generation, error) {
	session, err := o.acquire(ctx, log, promptText, params)
	if err != nil {
		return nil, err
	}

	transition(log, stateGenerating)
	start := time.Now()
	completion, err := session.Run(ctx)
	o.recorder.Generation(modeBatch, finishReasonOf(completion), time.Since(start), err)
	if err != nil {
		return nil, fail(log, stateGenerating, err)
	}
	transition(log, stateResponding, zap.Duration("elapsed", time.Since(start)))

	usage := completion.Usage
	if usage == nil {
		usage = o.countUsage(ctx, log, promptText, completion.Text)
	}
	if usage != nil {
		o.recorder.Tokens(*usage)
	}

	return &models.Generation{
		Model:        o.cfg.ModelName,
		Text:         completion.Text,
		FinishReason: completion.FinishReason,
		Usage:        usage,
	}, nil
}

func (o *Orchestrator) stream(ctx context.Context, log *zap.Logger, promptText string, params models.Parameters, tools bool) (*ChatStream, error) {
	session, err := o.acquire(ctx, log, promptText, params)
	if err != nil {
		return nil, err
	}

	transition(log, stateGenerating)
	start := time.Now()
	stream, err := session.Stream(ctx)
	if err != nil {
		o.recorder.Generation(modeStream, "", time.Since(start), err)
		return nil, fail(log, stateGenerating, err)
	}

	cs := &ChatStream{
		orch:   o,
		ctx:    ctx,
		log:    log,
		stream: stream,
		prompt: promptText,
		start:  start,
	}
	if tools {
		cs.filter = &prompt.ToolCallFilter{}
	}
	return cs, nil
}

// countUsage falls back to the token counter. A failure only drops usage.
func (o *Orchestrator) countUsage(ctx context.Context, log *zap.Logger, promptText, completion string) *models.Usage {
	usage, err := tokenizer.Usage(ctx, o.counter, promptText, completion)
	if err != nil {
		log.Debug("usage omitted", zap.Error(err))
		return nil
	}
	return usage
}

func (o *Orchestrator) requestLog(ctx context.Context, op string) *zap.Logger {
	log := o.log.With(zap.String("op", op))
	if id := RequestID(ctx); id != "" {
		log = log.With(zap.String("request_id", id))
	}
	return log.Logger
}

func transition(log *zap.Logger, to state, fields ...zap.Field) {
	log.Debug("request state", append([]zap.Field{zap.String("state", string(to))}, fields...)...)
}

func fail(log *zap.Logger, from state, err error) error {
	log.Debug("request state",
		zap.String("state", string(stateFailed)),
		zap.String("from", string(from)),
		zap.Error(err),
	)
	return err
}

func finishReasonOf(c *engine.Completion) models.FinishReason {
	if c == nil {
		return ""
	}
	return c.FinishReason
}

type requestIDKey struct{}

// WithRequestID attaches a request identifier used in log entries.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the identifier set by WithRequestID.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
