package models

import "encoding/json"

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleFunction  Role = "function"
)

// Valid reports whether r is one of the recognised chat roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool, RoleFunction:
		return true
	default:
		return false
	}
}

// Message represents a single conversational message in the unified schema.
type Message struct {
	Role       Role
	Content    string
	Name       string
	ToolCallID string
	ToolCalls  []ToolCall
}

// ToolCall is a function invocation requested by the assistant.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Tool describes a function the model may call.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Options carries the optional sampling knobs exactly as the client sent them.
// A nil pointer means "use the configured default".
type Options struct {
	MaxTokens        *int
	Temperature      *float64
	TopP             *float64
	FrequencyPenalty *float64
	PresencePenalty  *float64
	Seed             *int
	Stop             []string
}

// ChatRequest is the canonical representation of a chat completion.
type ChatRequest struct {
	Model        string
	Messages     []Message
	Tools        []Tool
	Stream       bool
	IncludeUsage bool
	Options      Options
}

// CompletionRequest represents a raw text completion request.
type CompletionRequest struct {
	Model        string
	Prompt       string
	Stream       bool
	IncludeUsage bool
	Options      Options
}

// Parameters is the fully resolved sampling set for one generation.
// It is immutable once a session starts.
type Parameters struct {
	MaxTokens        int
	Temperature      float64
	TopP             float64
	FrequencyPenalty float64
	PresencePenalty  float64
	Seed             int
	Stop             []string
}

// FinishReason classifies why generation stopped.
type FinishReason string

const (
	FinishReasonStop      FinishReason = "stop"
	FinishReasonLength    FinishReason = "length"
	FinishReasonToolCalls FinishReason = "tool_calls"
)

// Usage records token accounting information.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// NewUsage builds a Usage with a consistent total.
func NewUsage(promptTokens, completionTokens int) Usage {
	return Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
	}
}

// Generation is the outcome of one completed, non-streamed generation.
type Generation struct {
	Model        string
	Text         string
	ToolCalls    []ToolCall
	FinishReason FinishReason
	Usage        *Usage
}

// Delta is one incremental step of a streamed generation. The terminal delta
// carries a non-empty FinishReason.
type Delta struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason FinishReason
}

// Final reports whether d terminates the stream.
func (d Delta) Final() bool {
	return d.FinishReason != ""
}

// Model identifies a served model.
type Model struct {
	ID      string
	OwnedBy string
	Created int64
}
