package prompt

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"llama-gateway/internal/models"
)

const (
	openTag  = "<tool_call>"
	closeTag = "</tool_call>"
)

var toolCallPattern = regexp.MustCompile(`(?s)<tool_call>\s*(.*?)\s*</tool_call>`)

type rawToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ExtractToolCalls removes well-formed <tool_call> blocks from text and
// returns them as tool calls. Blocks whose body is not valid JSON with a
// function name stay in the text.
func ExtractToolCalls(text string) (string, []models.ToolCall) {
	if !strings.Contains(text, openTag) {
		return text, nil
	}

	var calls []models.ToolCall
	cleaned := toolCallPattern.ReplaceAllStringFunc(text, func(block string) string {
		body := toolCallPattern.FindStringSubmatch(block)[1]
		call, ok := parseToolCall(body)
		if !ok {
			return block
		}
		calls = append(calls, call)
		return ""
	})
	if len(calls) == 0 {
		return text, nil
	}
	return strings.TrimSpace(cleaned), calls
}

func parseToolCall(body string) (models.ToolCall, bool) {
	var raw rawToolCall
	if err := json.Unmarshal([]byte(body), &raw); err != nil || raw.Name == "" {
		return models.ToolCall{}, false
	}

	args := "{}"
	if len(raw.Arguments) > 0 && string(raw.Arguments) != "null" {
		// Some models emit the arguments object already encoded as a string.
		var encoded string
		if err := json.Unmarshal(raw.Arguments, &encoded); err == nil {
			args = encoded
		} else {
			args = string(raw.Arguments)
		}
	}

	return models.ToolCall{
		ID:        NewToolCallID(),
		Name:      raw.Name,
		Arguments: args,
	}, true
}

// NewToolCallID returns an OpenAI style call identifier.
func NewToolCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// ToolCallFilter separates tool call blocks from streamed text. Text outside
// blocks passes through immediately, except a trailing fragment that could be
// the start of an opening tag. Text from an opening tag on is held until the
// block closes.
type ToolCallFilter struct {
	pending string
	inCall  bool
}

// Push feeds the next fragment and returns the text that can be emitted now
// together with any tool calls completed by it.
func (f *ToolCallFilter) Push(fragment string) (string, []models.ToolCall) {
	f.pending += fragment

	var (
		out   strings.Builder
		calls []models.ToolCall
	)
	for {
		if !f.inCall {
			if idx := strings.Index(f.pending, openTag); idx >= 0 {
				out.WriteString(f.pending[:idx])
				f.pending = f.pending[idx:]
				f.inCall = true
				continue
			}
			keep := partialSuffix(f.pending, openTag)
			out.WriteString(f.pending[:len(f.pending)-keep])
			f.pending = f.pending[len(f.pending)-keep:]
			break
		}

		end := strings.Index(f.pending, closeTag)
		if end < 0 {
			break
		}
		block := f.pending[:end+len(closeTag)]
		f.pending = f.pending[end+len(closeTag):]
		f.inCall = false

		rest, parsed := ExtractToolCalls(block)
		if len(parsed) == 0 {
			out.WriteString(rest)
			continue
		}
		calls = append(calls, parsed...)
	}
	return out.String(), calls
}

// Flush returns whatever is still buffered, typically an unterminated block.
func (f *ToolCallFilter) Flush() string {
	rest := f.pending
	f.pending = ""
	f.inCall = false
	return rest
}

// partialSuffix reports the length of the longest suffix of s that is a
// proper prefix of tag.
func partialSuffix(s, tag string) int {
	limit := len(tag) - 1
	if len(s) < limit {
		limit = len(s)
	}
	for n := limit; n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return n
		}
	}
	return 0
}
