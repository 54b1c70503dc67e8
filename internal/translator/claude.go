package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"llama-gateway/internal/models"
)

var (
	errClaudeEmptyMessages   = errors.New("at least one message is required")
	errClaudeInvalidRole     = errors.New("invalid role")
	errClaudeInvalidContent  = errors.New("invalid message content")
	errClaudeInvalidSystem   = errors.New("invalid system prompt")
	errClaudeUnsupportedStop = errors.New("unsupported stop sequences")
)

// ClaudeMessageRequest models the Anthropic /v1/messages payload.
type ClaudeMessageRequest struct {
	Model         string
	MaxTokens     *int
	Messages      []ClaudeMessage
	System        []string
	Stream        bool
	Temperature   *float64
	TopP          *float64
	StopSequences []string
	Tools         []models.Tool
}

// UnmarshalJSON enforces validation and normalises fields.
func (r *ClaudeMessageRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model         string          `json:"model"`
		MaxTokens     *int            `json:"max_tokens"`
		Messages      []ClaudeMessage `json:"messages"`
		System        json.RawMessage `json:"system"`
		Stream        bool            `json:"stream"`
		Temperature   *float64        `json:"temperature"`
		TopP          *float64        `json:"top_p"`
		StopSequences json.RawMessage `json:"stop_sequences"`
		Tools         []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"input_schema"`
		} `json:"tools"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode messages request: %w", err)
	}

	systemPrompts, err := parseClaudeSystem(raw.System)
	if err != nil {
		return err
	}

	stopSequences, err := parseClaudeStops(raw.StopSequences)
	if err != nil {
		return err
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.MaxTokens = raw.MaxTokens
	r.Messages = raw.Messages
	r.System = systemPrompts
	r.Stream = raw.Stream
	r.Temperature = raw.Temperature
	r.TopP = raw.TopP
	r.StopSequences = stopSequences
	r.Tools = nil
	for i, t := range raw.Tools {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return fmt.Errorf("%w: tools[%d].name is required", errInvalidTools, i)
		}
		r.Tools = append(r.Tools, models.Tool{Name: name, Description: t.Description, Parameters: t.InputSchema})
	}

	return r.validate()
}

func (r *ClaudeMessageRequest) validate() error {
	if len(r.Messages) == 0 {
		return errClaudeEmptyMessages
	}
	return nil
}

// ToModels converts the request into the canonical format. tool_result
// blocks become tool messages placed ahead of any text in the same user turn,
// directly after the assistant tool call they answer.
func (r ClaudeMessageRequest) ToModels() models.ChatRequest {
	msgs := make([]models.Message, 0, len(r.Messages)+1)
	if len(r.System) > 0 {
		msgs = append(msgs, models.Message{
			Role:    models.RoleSystem,
			Content: strings.Join(r.System, "\n\n"),
		})
	}

	for _, m := range r.Messages {
		for _, result := range m.ToolResults {
			msgs = append(msgs, models.Message{
				Role:       models.RoleTool,
				Content:    result.Content,
				ToolCallID: result.ToolUseID,
			})
		}
		if m.Content == "" && len(m.ToolCalls) == 0 {
			continue
		}
		msgs = append(msgs, models.Message{
			Role:      models.Role(m.Role),
			Content:   m.Content,
			ToolCalls: m.ToolCalls,
		})
	}

	return models.ChatRequest{
		Model:    r.Model,
		Messages: msgs,
		Tools:    r.Tools,
		Stream:   r.Stream,
		Options: models.Options{
			MaxTokens:   r.MaxTokens,
			Temperature: r.Temperature,
			TopP:        r.TopP,
			Stop:        r.StopSequences,
		},
	}
}

// ClaudeMessage represents a single message in the request payload.
type ClaudeMessage struct {
	Role        string
	Content     string
	ToolCalls   []models.ToolCall
	ToolResults []ClaudeToolResult
}

// ClaudeToolResult is a tool_result block sent back by the client.
type ClaudeToolResult struct {
	ToolUseID string
	Content   string
}

// UnmarshalJSON normalises the message content structure.
func (m *ClaudeMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	m.Role = strings.TrimSpace(raw.Role)
	if err := m.parseContent(raw.Content); err != nil {
		return err
	}
	return m.validate()
}

func (m *ClaudeMessage) validate() error {
	switch m.Role {
	case "user", "assistant":
	default:
		return fmt.Errorf("%w: %s", errClaudeInvalidRole, m.Role)
	}

	if strings.TrimSpace(m.Content) == "" && len(m.ToolCalls) == 0 && len(m.ToolResults) == 0 {
		return errClaudeInvalidContent
	}
	return nil
}

type claudeBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
}

func (m *ClaudeMessage) parseContent(raw json.RawMessage) error {
	if len(raw) == 0 || string(raw) == "null" {
		return errClaudeInvalidContent
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		m.Content = strings.TrimSpace(text)
		return nil
	}

	var blocks []claudeBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return errClaudeInvalidContent
	}

	var builder strings.Builder
	for _, block := range blocks {
		switch block.Type {
		case "text":
			if builder.Len() > 0 {
				builder.WriteString("\n")
			}
			builder.WriteString(strings.TrimSpace(block.Text))
		case "tool_use":
			args := "{}"
			if len(block.Input) > 0 && string(block.Input) != "null" {
				args = string(block.Input)
			}
			m.ToolCalls = append(m.ToolCalls, models.ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
		case "tool_result":
			content, err := extractToolResult(block.Content)
			if err != nil {
				return err
			}
			m.ToolResults = append(m.ToolResults, ClaudeToolResult{ToolUseID: block.ToolUseID, Content: content})
		default:
			return fmt.Errorf("%w: unsupported block type %q", errClaudeInvalidContent, block.Type)
		}
	}
	m.Content = strings.TrimSpace(builder.String())
	return nil
}

func extractToolResult(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}
	var blocks []claudeSystemBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", fmt.Errorf("%w: tool_result content", errClaudeInvalidContent)
	}
	parts := make([]string, 0, len(blocks))
	for _, block := range blocks {
		text, err := extractSystemBlock(block)
		if err != nil {
			return "", err
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, "\n"), nil
}

func parseClaudeSystem(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		s := strings.TrimSpace(single)
		if s == "" {
			return nil, nil
		}
		return []string{s}, nil
	}

	var blocks []claudeSystemBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		out := make([]string, 0, len(blocks))
		for _, block := range blocks {
			text, err := extractSystemBlock(block)
			if err != nil {
				return nil, err
			}
			if text == "" {
				continue
			}
			out = append(out, text)
		}
		if len(out) == 0 {
			return nil, nil
		}
		return out, nil
	}

	return nil, errClaudeInvalidSystem
}

func parseClaudeStops(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var stops []string
	if err := json.Unmarshal(raw, &stops); err != nil {
		return nil, errClaudeUnsupportedStop
	}

	out := make([]string, 0, len(stops))
	for _, stop := range stops {
		if stop == "" {
			return nil, errClaudeUnsupportedStop
		}
		out = append(out, stop)
	}
	return out, nil
}

type claudeSystemBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func extractSystemBlock(block claudeSystemBlock) (string, error) {
	if block.Type != "" && block.Type != "text" {
		return "", fmt.Errorf("%w: unsupported block type %q", errClaudeInvalidSystem, block.Type)
	}
	return strings.TrimSpace(block.Text), nil
}

// ClaudeMessageResponse models the Anthropic response payload.
type ClaudeMessageResponse struct {
	ID         string               `json:"id"`
	Type       string               `json:"type"`
	Role       string               `json:"role"`
	Model      string               `json:"model"`
	Content    []ClaudeContentBlock `json:"content"`
	StopReason *string              `json:"stop_reason"`
	StopSeq    *string              `json:"stop_sequence"`
	Usage      ClaudeUsage          `json:"usage"`
}

// ClaudeContentBlock is a text or tool_use block.
type ClaudeContentBlock struct {
	Type  string          `json:"type"`
	Text  *string         `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ClaudeUsage mirrors Anthropic usage format.
type ClaudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func toClaudeUsage(u *models.Usage) ClaudeUsage {
	if u == nil {
		return ClaudeUsage{}
	}
	return ClaudeUsage{InputTokens: u.PromptTokens, OutputTokens: u.CompletionTokens}
}

// ClaudeStopReason maps a finish reason to Anthropic's stop_reason.
func ClaudeStopReason(reason models.FinishReason) string {
	switch reason {
	case models.FinishReasonLength:
		return "max_tokens"
	case models.FinishReasonToolCalls:
		return "tool_use"
	default:
		return "end_turn"
	}
}

func textBlock(text string) ClaudeContentBlock {
	return ClaudeContentBlock{Type: "text", Text: &text}
}

func toolUseBlock(call models.ToolCall) ClaudeContentBlock {
	input := json.RawMessage(call.Arguments)
	if !json.Valid(input) {
		input = json.RawMessage("{}")
	}
	return ClaudeContentBlock{Type: "tool_use", ID: call.ID, Name: call.Name, Input: input}
}

// FormatClaudeMessage converts a generation to the Anthropic response shape.
func FormatClaudeMessage(meta ResponseMeta, gen *models.Generation) ClaudeMessageResponse {
	content := make([]ClaudeContentBlock, 0, 1+len(gen.ToolCalls))
	if gen.Text != "" || len(gen.ToolCalls) == 0 {
		content = append(content, textBlock(gen.Text))
	}
	for _, call := range gen.ToolCalls {
		content = append(content, toolUseBlock(call))
	}

	stop := ClaudeStopReason(gen.FinishReason)
	return ClaudeMessageResponse{
		ID:         meta.ID,
		Type:       "message",
		Role:       string(models.RoleAssistant),
		Model:      gen.Model,
		Content:    content,
		StopReason: &stop,
		Usage:      toClaudeUsage(gen.Usage),
	}
}

// ClaudeEvent is one named server-sent event of a streamed message.
type ClaudeEvent struct {
	Name    string
	Payload any
}

// ClaudeStreamFormatter produces the Anthropic event sequence for a streamed
// generation: message_start, content blocks opened and closed around their
// deltas, message_delta and message_stop.
type ClaudeStreamFormatter struct {
	meta     ResponseMeta
	model    string
	index    int
	textOpen bool
}

// NewClaudeStreamFormatter returns a formatter for one streamed message.
func NewClaudeStreamFormatter(meta ResponseMeta, model string) *ClaudeStreamFormatter {
	return &ClaudeStreamFormatter{meta: meta, model: model}
}

// Start returns the message_start event.
func (f *ClaudeStreamFormatter) Start() ClaudeEvent {
	return ClaudeEvent{Name: "message_start", Payload: map[string]any{
		"type": "message_start",
		"message": ClaudeMessageResponse{
			ID:      f.meta.ID,
			Type:    "message",
			Role:    string(models.RoleAssistant),
			Model:   f.model,
			Content: []ClaudeContentBlock{},
		},
	}}
}

// Delta returns the events for one non-final delta.
func (f *ClaudeStreamFormatter) Delta(d models.Delta) []ClaudeEvent {
	var events []ClaudeEvent
	if d.Content != "" {
		if !f.textOpen {
			events = append(events, f.blockStart(textBlock("")))
			f.textOpen = true
		}
		events = append(events, ClaudeEvent{Name: "content_block_delta", Payload: map[string]any{
			"type":  "content_block_delta",
			"index": f.index,
			"delta": map[string]any{"type": "text_delta", "text": d.Content},
		}})
	}
	for _, call := range d.ToolCalls {
		events = append(events, f.closeText()...)
		block := toolUseBlock(call)
		input := string(block.Input)
		block.Input = json.RawMessage("{}")
		events = append(events,
			f.blockStart(block),
			ClaudeEvent{Name: "content_block_delta", Payload: map[string]any{
				"type":  "content_block_delta",
				"index": f.index,
				"delta": map[string]any{"type": "input_json_delta", "partial_json": input},
			}},
			f.blockStop(),
		)
	}
	return events
}

// Finish closes any open block and returns the terminal events.
func (f *ClaudeStreamFormatter) Finish(reason models.FinishReason, usage *models.Usage) []ClaudeEvent {
	events := f.closeText()
	return append(events,
		ClaudeEvent{Name: "message_delta", Payload: map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": ClaudeStopReason(reason), "stop_sequence": nil},
			"usage": toClaudeUsage(usage),
		}},
		ClaudeEvent{Name: "message_stop", Payload: map[string]any{"type": "message_stop"}},
	)
}

// Error returns the event reporting a mid-stream failure.
func (f *ClaudeStreamFormatter) Error(errType, message string) ClaudeEvent {
	return ClaudeEvent{Name: "error", Payload: map[string]any{
		"type":  "error",
		"error": map[string]any{"type": errType, "message": message},
	}}
}

func (f *ClaudeStreamFormatter) blockStart(block ClaudeContentBlock) ClaudeEvent {
	return ClaudeEvent{Name: "content_block_start", Payload: map[string]any{
		"type":          "content_block_start",
		"index":         f.index,
		"content_block": block,
	}}
}

func (f *ClaudeStreamFormatter) blockStop() ClaudeEvent {
	ev := ClaudeEvent{Name: "content_block_stop", Payload: map[string]any{
		"type":  "content_block_stop",
		"index": f.index,
	}}
	f.index++
	return ev
}

func (f *ClaudeStreamFormatter) closeText() []ClaudeEvent {
	if !f.textOpen {
		return nil
	}
	f.textOpen = false
	return []ClaudeEvent{f.blockStop()}
}
