package translator

import (
	"time"

	"github.com/google/uuid"

	"llama-gateway/internal/models"
)

const (
	chatCompletionPrefix = "chatcmpl-"
	completionPrefix     = "cmpl-"
	messagePrefix        = "msg_"
)

// ResponseMeta is the identity shared by every object of one response.
type ResponseMeta struct {
	ID      string
	Created int64
}

// NewChatMeta returns the meta for a chat completion.
func NewChatMeta() ResponseMeta {
	return newMeta(chatCompletionPrefix)
}

// NewCompletionMeta returns the meta for a text completion.
func NewCompletionMeta() ResponseMeta {
	return newMeta(completionPrefix)
}

// NewMessageMeta returns the meta for an Anthropic style message.
func NewMessageMeta() ResponseMeta {
	return newMeta(messagePrefix)
}

func newMeta(prefix string) ResponseMeta {
	return ResponseMeta{ID: prefix + uuid.NewString(), Created: time.Now().Unix()}
}

// ChatCompletionResponse models the OpenAI-compatible chat response.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *OpenAIUsage `json:"usage,omitempty"`
}

// ChatChoice represents a single choice in the response payload.
type ChatChoice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
	Logprobs     any             `json:"logprobs"`
}

// ResponseMessage is the assistant message of a chat choice. Content is null
// when the model answered with tool calls only.
type ResponseMessage struct {
	Role      string             `json:"role"`
	Content   *string            `json:"content"`
	ToolCalls []ResponseToolCall `json:"tool_calls,omitempty"`
}

// ResponseToolCall is one function call in a response or chunk. Index is
// only set in chunks.
type ResponseToolCall struct {
	Index    *int         `json:"index,omitempty"`
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

// OpenAIUsage mirrors the token usage block in OpenAI responses.
type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func toOpenAIUsage(u *models.Usage) *OpenAIUsage {
	if u == nil {
		return nil
	}
	return &OpenAIUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

// FormatChatCompletion builds the non-streamed chat response.
func FormatChatCompletion(meta ResponseMeta, gen *models.Generation) ChatCompletionResponse {
	msg := ResponseMessage{Role: string(models.RoleAssistant)}
	if gen.Text != "" || len(gen.ToolCalls) == 0 {
		text := gen.Text
		msg.Content = &text
	}
	for _, call := range gen.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, toResponseToolCall(call, nil))
	}

	return ChatCompletionResponse{
		ID:      meta.ID,
		Object:  "chat.completion",
		Created: meta.Created,
		Model:   gen.Model,
		Choices: []ChatChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: string(gen.FinishReason),
		}},
		Usage: toOpenAIUsage(gen.Usage),
	}
}

func toResponseToolCall(call models.ToolCall, index *int) ResponseToolCall {
	return ResponseToolCall{
		Index: index,
		ID:    call.ID,
		Type:  "function",
		Function: wireFunction{
			Name:      call.Name,
			Arguments: call.Arguments,
		},
	}
}

// ChatCompletionChunk is one streamed chat event.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *OpenAIUsage  `json:"usage,omitempty"`
}

// ChunkChoice carries one delta. FinishReason is null until the last chunk.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
	Logprobs     any        `json:"logprobs"`
}

// ChunkDelta is the incremental part of the assistant message.
type ChunkDelta struct {
	Role      string             `json:"role,omitempty"`
	Content   string             `json:"content,omitempty"`
	ToolCalls []ResponseToolCall `json:"tool_calls,omitempty"`
}

// ChunkFormatter turns deltas into chunks that share one id and timestamp.
// The first chunk carries the assistant role.
type ChunkFormatter struct {
	meta      ResponseMeta
	model     string
	roleSent  bool
	toolIndex int
}

// NewChunkFormatter returns a formatter for one streamed response.
func NewChunkFormatter(meta ResponseMeta, model string) *ChunkFormatter {
	return &ChunkFormatter{meta: meta, model: model}
}

// Meta returns the shared response identity.
func (f *ChunkFormatter) Meta() ResponseMeta {
	return f.meta
}

// Chunks formats one delta. A finish arriving before any content is
// preceded by a role-only chunk so the terminal chunk keeps an empty delta.
func (f *ChunkFormatter) Chunks(d models.Delta) []ChatCompletionChunk {
	if d.Final() && !f.roleSent {
		f.roleSent = true
		opening := ChunkChoice{Index: 0, Delta: ChunkDelta{Role: string(models.RoleAssistant)}}
		return []ChatCompletionChunk{f.chunk([]ChunkChoice{opening}, nil), f.Chunk(d)}
	}
	return []ChatCompletionChunk{f.Chunk(d)}
}

// Chunk formats one delta. The first content chunk carries the assistant
// role; the terminal chunk never does.
func (f *ChunkFormatter) Chunk(d models.Delta) ChatCompletionChunk {
	var delta ChunkDelta
	if !f.roleSent && !d.Final() {
		delta.Role = string(models.RoleAssistant)
		f.roleSent = true
	}
	delta.Content = d.Content
	for _, call := range d.ToolCalls {
		index := f.toolIndex
		f.toolIndex++
		delta.ToolCalls = append(delta.ToolCalls, toResponseToolCall(call, &index))
	}

	choice := ChunkChoice{Index: 0, Delta: delta}
	if d.Final() {
		reason := string(d.FinishReason)
		choice.FinishReason = &reason
	}
	return f.chunk([]ChunkChoice{choice}, nil)
}

// Usage formats the trailing usage chunk sent when the client asked for
// stream_options.include_usage.
func (f *ChunkFormatter) Usage(u models.Usage) ChatCompletionChunk {
	return f.chunk([]ChunkChoice{}, toOpenAIUsage(&u))
}

func (f *ChunkFormatter) chunk(choices []ChunkChoice, usage *OpenAIUsage) ChatCompletionChunk {
	return ChatCompletionChunk{
		ID:      f.meta.ID,
		Object:  "chat.completion.chunk",
		Created: f.meta.Created,
		Model:   f.model,
		Choices: choices,
		Usage:   usage,
	}
}

// CompletionResponse models the OpenAI completion response payload. Streamed
// completion chunks use the same shape.
type CompletionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   *OpenAIUsage       `json:"usage,omitempty"`
}

// CompletionChoice represents a single completion choice.
type CompletionChoice struct {
	Text         string  `json:"text"`
	Index        int     `json:"index"`
	FinishReason *string `json:"finish_reason"`
	Logprobs     any     `json:"logprobs"`
}

// FormatCompletion builds the non-streamed text completion response.
func FormatCompletion(meta ResponseMeta, gen *models.Generation) CompletionResponse {
	reason := string(gen.FinishReason)
	return CompletionResponse{
		ID:      meta.ID,
		Object:  "text_completion",
		Created: meta.Created,
		Model:   gen.Model,
		Choices: []CompletionChoice{{
			Text:         gen.Text,
			Index:        0,
			FinishReason: &reason,
		}},
		Usage: toOpenAIUsage(gen.Usage),
	}
}

// FormatCompletionChunk builds one streamed text completion event.
func FormatCompletionChunk(meta ResponseMeta, model string, d models.Delta) CompletionResponse {
	choice := CompletionChoice{Text: d.Content}
	if d.Final() {
		reason := string(d.FinishReason)
		choice.FinishReason = &reason
	}
	return CompletionResponse{
		ID:      meta.ID,
		Object:  "text_completion",
		Created: meta.Created,
		Model:   model,
		Choices: []CompletionChoice{choice},
	}
}

// FormatCompletionUsage builds the trailing usage event of a streamed text
// completion.
func FormatCompletionUsage(meta ResponseMeta, model string, u models.Usage) CompletionResponse {
	return CompletionResponse{
		ID:      meta.ID,
		Object:  "text_completion",
		Created: meta.Created,
		Model:   model,
		Choices: []CompletionChoice{},
		Usage:   toOpenAIUsage(&u),
	}
}

// ErrorResponse is the OpenAI error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one failure.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// FormatError builds the error envelope used for HTTP errors and mid-stream
// failures.
func FormatError(message, errType, code string) ErrorResponse {
	return ErrorResponse{Error: ErrorDetail{Message: message, Type: errType, Code: code}}
}

// ModelList is the /v1/models payload.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelCard `json:"data"`
}

// ModelCard describes one served model.
type ModelCard struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// FormatModels builds the model list.
func FormatModels(list []models.Model) ModelList {
	out := ModelList{Object: "list", Data: make([]ModelCard, 0, len(list))}
	for _, m := range list {
		out.Data = append(out.Data, ModelCard{ID: m.ID, Object: "model", Created: m.Created, OwnedBy: m.OwnedBy})
	}
	return out
}
