package prompt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"llama-gateway/internal/models"
)

// ErrInvalidMessageSequence is returned when the messages cannot be rendered.
var ErrInvalidMessageSequence = errors.New("invalid message sequence")

// Prompt is the rendered engine input plus the end-of-turn markers of the
// template that produced it.
type Prompt struct {
	Text string
	Stop []string
}

// Builder renders chat messages with one chat template. It holds no mutable
// state and is safe for concurrent use.
type Builder struct {
	tmpl template
}

// New returns a Builder for the named template.
func New(name string) (*Builder, error) {
	tmpl, ok := templates[name]
	if !ok {
		return nil, fmt.Errorf("unknown chat template %q", name)
	}
	return &Builder{tmpl: tmpl}, nil
}

// Template reports the template name.
func (b *Builder) Template() string {
	return b.tmpl.name
}

// Build renders messages, in their original order, into a prompt that ends
// with the assistant generation cue. Tools, when given, are described in the
// system segment.
func (b *Builder) Build(messages []models.Message, tools []models.Tool) (Prompt, error) {
	if len(messages) == 0 {
		return Prompt{}, fmt.Errorf("%w: messages must not be empty", ErrInvalidMessageSequence)
	}

	turns := make([]turn, 0, len(messages)+1)
	// offset keeps error indices relative to the caller's slice
	offset := 0
	if len(tools) > 0 {
		block, err := renderTools(tools)
		if err != nil {
			return Prompt{}, err
		}
		if messages[0].Role != models.RoleSystem {
			turns = append(turns, turn{role: models.RoleSystem, content: block})
		} else {
			turns = append(turns, turn{role: models.RoleSystem, content: joinNonEmpty(messages[0].Content, block)})
			messages = messages[1:]
			offset = 1
		}
	}

	for i, msg := range messages {
		t, err := toTurn(msg)
		if err != nil {
			return Prompt{}, fmt.Errorf("%w: message %d: %v", ErrInvalidMessageSequence, i+offset, err)
		}
		turns = append(turns, t)
	}

	return Prompt{
		Text: b.tmpl.render(turns),
		Stop: append([]string(nil), b.tmpl.stop...),
	}, nil
}

type turn struct {
	role    models.Role
	content string
}

func toTurn(msg models.Message) (turn, error) {
	switch msg.Role {
	case models.RoleSystem, models.RoleUser:
		return turn{role: msg.Role, content: msg.Content}, nil
	case models.RoleAssistant:
		content := msg.Content
		for _, call := range msg.ToolCalls {
			content = joinNonEmpty(content, renderToolCall(call))
		}
		return turn{role: models.RoleAssistant, content: content}, nil
	case models.RoleTool:
		if strings.TrimSpace(msg.ToolCallID) == "" {
			return turn{}, errors.New("tool message requires tool_call_id")
		}
		return turn{role: models.RoleTool, content: renderToolResponse(msg.ToolCallID, msg.Name, msg.Content)}, nil
	case models.RoleFunction:
		if strings.TrimSpace(msg.Name) == "" {
			return turn{}, errors.New("function message requires name")
		}
		return turn{role: models.RoleTool, content: renderToolResponse("", msg.Name, msg.Content)}, nil
	default:
		return turn{}, fmt.Errorf("unsupported role %q", msg.Role)
	}
}

const toolInstructions = `# Tools

You may call one or more functions to assist with the user query.

You are provided with function signatures within <tools></tools> XML tags:
<tools>
%s
</tools>

For each function call, return a json object with function name and arguments within <tool_call></tool_call> XML tags:
<tool_call>
{"name": <function-name>, "arguments": <args-json-object>}
</tool_call>`

type toolSignature struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

func renderTools(tools []models.Tool) (string, error) {
	lines := make([]string, 0, len(tools))
	for _, tool := range tools {
		if strings.TrimSpace(tool.Name) == "" {
			return "", fmt.Errorf("%w: tool definitions require a function name", ErrInvalidMessageSequence)
		}
		data, err := json.Marshal(toolSignature{
			Type: "function",
			Function: toolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
		if err != nil {
			return "", fmt.Errorf("%w: tool %q: %v", ErrInvalidMessageSequence, tool.Name, err)
		}
		lines = append(lines, string(data))
	}
	return fmt.Sprintf(toolInstructions, strings.Join(lines, "\n")), nil
}

func renderToolCall(call models.ToolCall) string {
	args := json.RawMessage(call.Arguments)
	if !json.Valid(args) {
		quoted, _ := json.Marshal(call.Arguments)
		args = quoted
	}
	data, _ := json.Marshal(struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}{Name: call.Name, Arguments: args})
	return openTag + "\n" + string(data) + "\n" + closeTag
}

func renderToolResponse(id, name, content string) string {
	var attrs strings.Builder
	if id != "" {
		fmt.Fprintf(&attrs, " id=%q", id)
	}
	if name != "" {
		fmt.Fprintf(&attrs, " name=%q", name)
	}
	return "<tool_response" + attrs.String() + ">\n" + content + "\n</tool_response>"
}

func joinNonEmpty(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "\n\n" + b
	}
}
