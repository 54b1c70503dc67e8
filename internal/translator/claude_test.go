package translator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llama-gateway/internal/models"
)

func TestClaudeMessageRequestDecode(t *testing.T) {
	body := `{
		"model": "claude-3-haiku",
		"max_tokens": 100,
		"system": [{"type": "text", "text": "be brief"}],
		"stop_sequences": ["END"],
		"tools": [{"name": "lookup", "description": "search", "input_schema": {"type": "object"}}],
		"messages": [
			{"role": "user", "content": "find go"},
			{"role": "assistant", "content": [
				{"type": "text", "text": "Searching."},
				{"type": "tool_use", "id": "toolu_1", "name": "lookup", "input": {"q": "go"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_1", "content": [{"type": "text", "text": "found"}]},
				{"type": "text", "text": "summarise"}
			]}
		]
	}`

	var req ClaudeMessageRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))

	got := req.ToModels()
	require.Len(t, got.Messages, 5)
	assert.Equal(t, models.Message{Role: models.RoleSystem, Content: "be brief"}, got.Messages[0])
	assert.Equal(t, "Searching.", got.Messages[2].Content)
	assert.Equal(t, []models.ToolCall{{ID: "toolu_1", Name: "lookup", Arguments: `{"q": "go"}`}}, got.Messages[2].ToolCalls)
	assert.Equal(t, models.Message{Role: models.RoleTool, Content: "found", ToolCallID: "toolu_1"}, got.Messages[3])
	assert.Equal(t, models.Message{Role: models.RoleUser, Content: "summarise"}, got.Messages[4])

	assert.Equal(t, []string{"END"}, got.Options.Stop)
	assert.Equal(t, 100, *got.Options.MaxTokens)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "lookup", got.Tools[0].Name)
}

func TestClaudeMessageRequestRejects(t *testing.T) {
	tests := map[string]string{
		"no messages":  `{"messages":[]}`,
		"system role":  `{"messages":[{"role":"system","content":"x"}]}`,
		"empty":        `{"messages":[{"role":"user","content":""}]}`,
		"image block":  `{"messages":[{"role":"user","content":[{"type":"image"}]}]}`,
		"bad stops":    `{"messages":[{"role":"user","content":"x"}],"stop_sequences":"END"}`,
		"bad system":   `{"messages":[{"role":"user","content":"x"}],"system":[{"type":"image"}]}`,
		"nameless too": `{"messages":[{"role":"user","content":"x"}],"tools":[{"name":""}]}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			var req ClaudeMessageRequest
			assert.Error(t, json.Unmarshal([]byte(body), &req))
		})
	}
}

func TestFormatClaudeMessage(t *testing.T) {
	usage := models.NewUsage(9, 4)
	resp := FormatClaudeMessage(ResponseMeta{ID: "msg_1"}, &models.Generation{
		Model:        "llama",
		Text:         "Let me check.",
		FinishReason: models.FinishReasonToolCalls,
		ToolCalls:    []models.ToolCall{{ID: "call_1", Name: "lookup", Arguments: `{"q":"go"}`}},
		Usage:        &usage,
	})

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": "msg_1",
		"type": "message",
		"role": "assistant",
		"model": "llama",
		"content": [
			{"type": "text", "text": "Let me check."},
			{"type": "tool_use", "id": "call_1", "name": "lookup", "input": {"q": "go"}}
		],
		"stop_reason": "tool_use",
		"stop_sequence": null,
		"usage": {"input_tokens": 9, "output_tokens": 4}
	}`, string(data))
}

func TestClaudeStopReason(t *testing.T) {
	assert.Equal(t, "end_turn", ClaudeStopReason(models.FinishReasonStop))
	assert.Equal(t, "max_tokens", ClaudeStopReason(models.FinishReasonLength))
	assert.Equal(t, "tool_use", ClaudeStopReason(models.FinishReasonToolCalls))
}

func TestClaudeStreamFormatter(t *testing.T) {
	f := NewClaudeStreamFormatter(ResponseMeta{ID: "msg_1"}, "llama")

	var names []string
	collect := func(events ...ClaudeEvent) {
		for _, ev := range events {
			names = append(names, ev.Name)
		}
	}

	collect(f.Start())
	collect(f.Delta(models.Delta{Content: "Hel"})...)
	collect(f.Delta(models.Delta{Content: "lo"})...)
	collect(f.Delta(models.Delta{ToolCalls: []models.ToolCall{{ID: "call_1", Name: "x", Arguments: "{}"}}})...)
	usage := models.NewUsage(1, 2)
	final := f.Finish(models.FinishReasonToolCalls, &usage)
	collect(final...)

	assert.Equal(t, []string{
		"message_start",
		"content_block_start", "content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"content_block_start", "content_block_delta", "content_block_stop",
		"message_delta", "message_stop",
	}, names)

	data, err := json.Marshal(final[0].Payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "message_delta",
		"delta": {"stop_reason": "tool_use", "stop_sequence": null},
		"usage": {"input_tokens": 1, "output_tokens": 2}
	}`, string(data))
}

func TestClaudeStreamFormatterBlockIndexes(t *testing.T) {
	f := NewClaudeStreamFormatter(ResponseMeta{ID: "msg_1"}, "llama")

	events := f.Delta(models.Delta{Content: "a"})
	events = append(events, f.Delta(models.Delta{ToolCalls: []models.ToolCall{{ID: "c", Name: "x", Arguments: "{}"}}})...)

	var indexes []int
	for _, ev := range events {
		indexes = append(indexes, ev.Payload.(map[string]any)["index"].(int))
	}
	assert.Equal(t, []int{0, 0, 0, 1, 1, 1}, indexes)

	// text after a tool call opens a new block
	more := f.Delta(models.Delta{Content: "b"})
	require.Len(t, more, 2)
	assert.Equal(t, 2, more[0].Payload.(map[string]any)["index"])
}
