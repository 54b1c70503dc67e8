// Package llamacpp drives a llama.cpp llama-server through its native
// completion API.
package llamacpp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"llama-gateway/internal/engine"
	"llama-gateway/internal/models"
)

const (
	backendName     = "llama.cpp"
	contentTypeJSON = "application/json"
	userAgent       = "llama-gateway/0.1"

	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second

	maxEventSize = 1 << 20
)

// Client talks to one llama-server instance.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient returns a client for the server at baseURL. A nil httpClient
// selects a client without an overall timeout; generation is bounded by the
// request context instead.
func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}
	if httpClient == nil {
		httpClient = newHTTPClient()
	}
	return &Client{baseURL: baseURL, client: httpClient}, nil
}

// Name implements engine.Engine.
func (c *Client) Name() string {
	return backendName
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Complete implements engine.Engine.
func (c *Client) Complete(ctx context.Context, req engine.Request) (*engine.Completion, error) {
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/completion", buildCompletionPayload(req, false))
	if err != nil {
		return nil, err
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, requestFailure(ctx, "complete", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return nil, parseAPIError("complete", httpResp)
	}

	var resp completionResponse
	if err := decodeJSON(httpResp.Body, &resp); err != nil {
		return nil, &engine.EngineError{Backend: backendName, Op: "complete", Err: err}
	}

	return &engine.Completion{
		Text:         resp.Content,
		FinishReason: resp.finishReason(),
		Usage:        resp.usage(),
	}, nil
}

// Stream implements engine.Engine. The returned stream reads the server's
// SSE body lazily; closing it closes the connection.
func (c *Client) Stream(ctx context.Context, req engine.Request) (engine.FragmentStream, error) {
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/completion", buildCompletionPayload(req, true))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, requestFailure(ctx, "stream", err)
	}
	if httpResp.StatusCode >= 400 {
		defer httpResp.Body.Close()
		return nil, parseAPIError("stream", httpResp)
	}

	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	return &sseStream{ctx: ctx, body: httpResp.Body, scanner: scanner}, nil
}

// Tokenize implements engine.Engine.
func (c *Client) Tokenize(ctx context.Context, text string) (int, error) {
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/tokenize", tokenizePayload{Content: text})
	if err != nil {
		return 0, err
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return 0, requestFailure(ctx, "tokenize", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return 0, parseAPIError("tokenize", httpResp)
	}

	var resp tokenizeResponse
	if err := decodeJSON(httpResp.Body, &resp); err != nil {
		return 0, &engine.EngineError{Backend: backendName, Op: "tokenize", Err: err}
	}
	return len(resp.Tokens), nil
}

// Health implements engine.Engine. llama-server answers 503 while the model
// is still loading.
func (c *Client) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("construct request: %w", err)
	}
	httpReq.Header.Set("User-Agent", userAgent)

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return requestFailure(ctx, "health", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return parseAPIError("health", httpResp)
	}
	_, _ = io.Copy(io.Discard, httpResp.Body)
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)
	return req, nil
}

type completionPayload struct {
	Prompt           string   `json:"prompt"`
	NPredict         int      `json:"n_predict"`
	Temperature      float64  `json:"temperature"`
	TopP             float64  `json:"top_p"`
	FrequencyPenalty float64  `json:"frequency_penalty"`
	PresencePenalty  float64  `json:"presence_penalty"`
	Seed             int      `json:"seed"`
	Stop             []string `json:"stop,omitempty"`
	Stream           bool     `json:"stream"`
	CachePrompt      bool     `json:"cache_prompt"`
}

func buildCompletionPayload(req engine.Request, stream bool) completionPayload {
	return completionPayload{
		Prompt:           req.Prompt,
		NPredict:         req.Params.MaxTokens,
		Temperature:      req.Params.Temperature,
		TopP:             req.Params.TopP,
		FrequencyPenalty: req.Params.FrequencyPenalty,
		PresencePenalty:  req.Params.PresencePenalty,
		Seed:             req.Params.Seed,
		Stop:             req.Params.Stop,
		Stream:           stream,
		CachePrompt:      true,
	}
}

type completionResponse struct {
	Content         string `json:"content"`
	Stop            bool   `json:"stop"`
	StoppedEOS      bool   `json:"stopped_eos"`
	StoppedWord     bool   `json:"stopped_word"`
	StoppedLimit    bool   `json:"stopped_limit"`
	TokensPredicted int    `json:"tokens_predicted"`
	TokensEvaluated int    `json:"tokens_evaluated"`
}

// finishReason maps the server's stop flags. An EOS or stop word reported on
// the same step as the limit counts as a natural stop.
func (r completionResponse) finishReason() models.FinishReason {
	switch {
	case r.StoppedEOS, r.StoppedWord:
		return models.FinishReasonStop
	case r.StoppedLimit:
		return models.FinishReasonLength
	default:
		return models.FinishReasonStop
	}
}

func (r completionResponse) usage() *models.Usage {
	if r.TokensEvaluated == 0 && r.TokensPredicted == 0 {
		return nil
	}
	u := models.NewUsage(r.TokensEvaluated, r.TokensPredicted)
	return &u
}

type tokenizePayload struct {
	Content string `json:"content"`
}

type tokenizeResponse struct {
	Tokens []json.RawMessage `json:"tokens"`
}

type apiErrorResponse struct {
	Error apiErrorObject `json:"error"`
}

type apiErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

func parseAPIError(op string, resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return &engine.EngineError{Backend: backendName, Op: op, Status: resp.StatusCode, Err: fmt.Errorf("read error body: %w", err)}
	}

	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return &engine.EngineError{Backend: backendName, Op: op, Status: resp.StatusCode, Message: apiErr.Error.Message}
	}

	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &engine.EngineError{Backend: backendName, Op: op, Status: resp.StatusCode, Message: msg}
}

// requestFailure keeps context errors recognisable so that the session can
// tell a timeout or a client disconnect from a backend failure.
func requestFailure(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return &engine.EngineError{Backend: backendName, Op: op, Err: err}
}

func decodeJSON(reader io.Reader, target any) error {
	decoder := json.NewDecoder(reader)
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("decode engine response: %w", err)
	}
	return nil
}

func newHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		MaxIdleConns:          16,
		IdleConnTimeout:       defaultIdleConnTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: transport}
}

// sseStream reads `data: {...}` events from a streaming /completion call.
type sseStream struct {
	ctx     context.Context
	body    io.ReadCloser
	scanner *bufio.Scanner
	current engine.Fragment
	err     error
	done    bool
}

func (s *sseStream) Next() bool {
	if s.done {
		return false
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			if strings.HasPrefix(line, "error:") {
				return s.fail(&engine.EngineError{Backend: backendName, Op: "stream", Message: strings.TrimSpace(strings.TrimPrefix(line, "error:"))})
			}
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			break
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return s.fail(&engine.EngineError{Backend: backendName, Op: "stream", Err: fmt.Errorf("decode event: %w", err)})
		}
		if event.Error != nil {
			return s.fail(&engine.EngineError{Backend: backendName, Op: "stream", Status: event.Error.Code, Message: event.Error.Message})
		}

		if event.Stop {
			s.done = true
			s.current = engine.Fragment{
				Text:         event.Content,
				Final:        true,
				FinishReason: event.finishReason(),
				Usage:        event.usage(),
			}
			return true
		}
		if event.Content == "" {
			continue
		}
		s.current = engine.Fragment{Text: event.Content}
		return true
	}

	if err := s.scanner.Err(); err != nil {
		if ctxErr := s.ctx.Err(); ctxErr != nil {
			return s.fail(ctxErr)
		}
		return s.fail(&engine.EngineError{Backend: backendName, Op: "stream", Err: err})
	}
	if ctxErr := s.ctx.Err(); ctxErr != nil {
		return s.fail(ctxErr)
	}
	// llama-server always closes a generation with a stop event; without one
	// the output is truncated.
	return s.fail(&engine.EngineError{Backend: backendName, Op: "stream", Message: "stream ended without a stop event"})
}

func (s *sseStream) fail(err error) bool {
	s.err = err
	s.done = true
	return false
}

func (s *sseStream) Current() engine.Fragment {
	return s.current
}

func (s *sseStream) Err() error {
	return s.err
}

func (s *sseStream) Close() error {
	s.done = true
	return s.body.Close()
}

type streamEvent struct {
	completionResponse
	Error *apiErrorObject `json:"error,omitempty"`
}
