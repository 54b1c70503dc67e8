package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"llama-gateway/internal/models"
)

var (
	errEmptyMessages   = errors.New("at least one message is required")
	errUnsupportedStop = errors.New("unsupported stop value")
	errInvalidRole     = errors.New("invalid role")
	errInvalidContent  = errors.New("invalid message content")
	errInvalidTools    = errors.New("invalid tools")
	errInvalidPrompt   = errors.New("invalid prompt")
)

var allowedRoles = map[string]struct{}{
	"system":    {},
	"user":      {},
	"assistant": {},
	"tool":      {},
	"function":  {},
}

// ChatCompletionRequest models the OpenAI chat/completions request payload.
type ChatCompletionRequest struct {
	Model            string
	Messages         []ChatMessage
	Stream           bool
	IncludeUsage     bool
	MaxTokens        *int
	Temperature      *float64
	TopP             *float64
	FrequencyPenalty *float64
	PresencePenalty  *float64
	Seed             *int
	Stop             []string
	Tools            []models.Tool
	ToolChoice       string
	User             string
}

// UnmarshalJSON implements custom parsing to enforce validation.
func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model               string          `json:"model"`
		Messages            []ChatMessage   `json:"messages"`
		Stream              bool            `json:"stream"`
		StreamOptions       *streamOptions  `json:"stream_options"`
		MaxTokens           *int            `json:"max_tokens"`
		MaxCompletionTokens *int            `json:"max_completion_tokens"`
		Temperature         *float64        `json:"temperature"`
		TopP                *float64        `json:"top_p"`
		FrequencyPenalty    *float64        `json:"frequency_penalty"`
		PresencePenalty     *float64        `json:"presence_penalty"`
		Seed                *int            `json:"seed"`
		Stop                json.RawMessage `json:"stop"`
		Tools               json.RawMessage `json:"tools"`
		ToolChoice          json.RawMessage `json:"tool_choice"`
		User                string          `json:"user"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode chat request: %w", err)
	}

	stopValues, err := parseStop(raw.Stop)
	if err != nil {
		return err
	}
	tools, err := parseTools(raw.Tools)
	if err != nil {
		return err
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.Messages = raw.Messages
	r.Stream = raw.Stream
	r.IncludeUsage = raw.StreamOptions != nil && raw.StreamOptions.IncludeUsage
	r.MaxTokens = raw.MaxTokens
	if r.MaxTokens == nil {
		r.MaxTokens = raw.MaxCompletionTokens
	}
	r.Temperature = raw.Temperature
	r.TopP = raw.TopP
	r.FrequencyPenalty = raw.FrequencyPenalty
	r.PresencePenalty = raw.PresencePenalty
	r.Seed = raw.Seed
	r.Stop = stopValues
	r.Tools = tools
	r.ToolChoice = parseToolChoice(raw.ToolChoice)
	r.User = raw.User

	return r.validate()
}

func (r *ChatCompletionRequest) validate() error {
	if len(r.Messages) == 0 {
		return errEmptyMessages
	}
	return nil
}

// ToModels converts the OpenAI request into the canonical format.
func (r ChatCompletionRequest) ToModels() models.ChatRequest {
	msgs := make([]models.Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		msgs = append(msgs, models.Message{
			Role:       models.Role(m.Role),
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
			ToolCalls:  m.ToolCalls,
		})
	}

	tools := r.Tools
	switch r.ToolChoice {
	case "", "auto", "required":
	case "none":
		tools = nil
	default:
		for _, t := range r.Tools {
			if t.Name == r.ToolChoice {
				tools = []models.Tool{t}
				break
			}
		}
	}

	return models.ChatRequest{
		Model:        r.Model,
		Messages:     msgs,
		Tools:        tools,
		Stream:       r.Stream,
		IncludeUsage: r.IncludeUsage,
		Options: models.Options{
			MaxTokens:        r.MaxTokens,
			Temperature:      r.Temperature,
			TopP:             r.TopP,
			FrequencyPenalty: r.FrequencyPenalty,
			PresencePenalty:  r.PresencePenalty,
			Seed:             r.Seed,
			Stop:             r.Stop,
		},
	}
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// ChatMessage captures a single message within the chat request.
type ChatMessage struct {
	Role       string
	Content    string
	Name       string
	ToolCallID string
	ToolCalls  []models.ToolCall
}

// UnmarshalJSON supports string and array-of-text content formats.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role       string          `json:"role"`
		Content    json.RawMessage `json:"content"`
		Name       string          `json:"name"`
		ToolCallID string          `json:"tool_call_id"`
		ToolCalls  []wireToolCall  `json:"tool_calls"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	content, err := extractMessageContent(raw.Content)
	if err != nil {
		return err
	}

	m.Role = strings.TrimSpace(raw.Role)
	m.Content = content
	m.Name = strings.TrimSpace(raw.Name)
	m.ToolCallID = strings.TrimSpace(raw.ToolCallID)
	m.ToolCalls = nil
	for _, call := range raw.ToolCalls {
		m.ToolCalls = append(m.ToolCalls, models.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}

	return m.validate()
}

func (m *ChatMessage) validate() error {
	if _, ok := allowedRoles[m.Role]; !ok {
		return fmt.Errorf("%w: %q", errInvalidRole, m.Role)
	}
	if m.Role == "user" && strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("%w: user message content must not be empty", errInvalidContent)
	}
	return nil
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

func extractMessageContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}

	var segments []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &segments); err == nil {
		var builder strings.Builder
		for _, segment := range segments {
			if segment.Type != "text" {
				return "", fmt.Errorf("%w: segment type %q not supported", errInvalidContent, segment.Type)
			}
			builder.WriteString(segment.Text)
		}
		return builder.String(), nil
	}

	return "", fmt.Errorf("%w: unsupported content structure", errInvalidContent)
}

func parseStop(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return nil, errUnsupportedStop
		}
		return []string{single}, nil
	}

	var multi []string
	if err := json.Unmarshal(raw, &multi); err == nil {
		out := make([]string, 0, len(multi))
		for _, item := range multi {
			if item == "" {
				return nil, errUnsupportedStop
			}
			out = append(out, item)
		}
		return out, nil
	}
	return nil, errUnsupportedStop
}

func parseTools(raw json.RawMessage) ([]models.Tool, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var wire []struct {
		Type     string `json:"type"`
		Function struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			Parameters  json.RawMessage `json:"parameters"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidTools, err)
	}

	tools := make([]models.Tool, 0, len(wire))
	for i, t := range wire {
		if t.Type != "" && t.Type != "function" {
			return nil, fmt.Errorf("%w: tools[%d].type %q not supported", errInvalidTools, i, t.Type)
		}
		name := strings.TrimSpace(t.Function.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: tools[%d].function.name is required", errInvalidTools, i)
		}
		tools = append(tools, models.Tool{
			Name:        name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}
	return tools, nil
}

// parseToolChoice reduces tool_choice to "none", "auto", "required" or a
// function name. Anything unrecognised is treated as auto.
func parseToolChoice(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var mode string
	if err := json.Unmarshal(raw, &mode); err == nil {
		return mode
	}
	var named struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &named); err == nil && named.Function.Name != "" {
		return named.Function.Name
	}
	return "auto"
}

// CompletionRequest models the legacy OpenAI text completions request payload.
type CompletionRequest struct {
	Model            string
	Prompt           string
	Stream           bool
	IncludeUsage     bool
	MaxTokens        *int
	Temperature      *float64
	TopP             *float64
	FrequencyPenalty *float64
	PresencePenalty  *float64
	Seed             *int
	Stop             []string
}

// UnmarshalJSON performs strict validation for completion requests.
func (r *CompletionRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model            string          `json:"model"`
		Prompt           json.RawMessage `json:"prompt"`
		Stream           bool            `json:"stream"`
		StreamOptions    *streamOptions  `json:"stream_options"`
		MaxTokens        *int            `json:"max_tokens"`
		Temperature      *float64        `json:"temperature"`
		TopP             *float64        `json:"top_p"`
		FrequencyPenalty *float64        `json:"frequency_penalty"`
		PresencePenalty  *float64        `json:"presence_penalty"`
		Seed             *int            `json:"seed"`
		Stop             json.RawMessage `json:"stop"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode completion request: %w", err)
	}

	prompt, err := extractPrompt(raw.Prompt)
	if err != nil {
		return err
	}
	stopValues, err := parseStop(raw.Stop)
	if err != nil {
		return err
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.Prompt = prompt
	r.Stream = raw.Stream
	r.IncludeUsage = raw.StreamOptions != nil && raw.StreamOptions.IncludeUsage
	r.MaxTokens = raw.MaxTokens
	r.Temperature = raw.Temperature
	r.TopP = raw.TopP
	r.FrequencyPenalty = raw.FrequencyPenalty
	r.PresencePenalty = raw.PresencePenalty
	r.Seed = raw.Seed
	r.Stop = stopValues

	if strings.TrimSpace(r.Prompt) == "" {
		return fmt.Errorf("%w: prompt must not be empty", errInvalidPrompt)
	}
	return nil
}

// ToModels converts the completion request into the canonical format.
func (r CompletionRequest) ToModels() models.CompletionRequest {
	return models.CompletionRequest{
		Model:        r.Model,
		Prompt:       r.Prompt,
		Stream:       r.Stream,
		IncludeUsage: r.IncludeUsage,
		Options: models.Options{
			MaxTokens:        r.MaxTokens,
			Temperature:      r.Temperature,
			TopP:             r.TopP,
			FrequencyPenalty: r.FrequencyPenalty,
			PresencePenalty:  r.PresencePenalty,
			Seed:             r.Seed,
			Stop:             r.Stop,
		},
	}
}

func extractPrompt(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", fmt.Errorf("%w: prompt is required", errInvalidPrompt)
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}

	var parts []string
	if err := json.Unmarshal(raw, &parts); err == nil {
		if len(parts) > 1 {
			return "", fmt.Errorf("%w: batched prompts are not supported", errInvalidPrompt)
		}
		return strings.Join(parts, ""), nil
	}

	return "", fmt.Errorf("%w: unsupported prompt type", errInvalidPrompt)
}
