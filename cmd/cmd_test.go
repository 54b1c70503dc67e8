package cmd

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "", "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "llama-gateway version dev")
}

func TestUnknownCommand(t *testing.T) {
	_, err := execute(t, "", "bogus")
	require.Error(t, err)
}

func TestServeRejectsArguments(t *testing.T) {
	_, err := execute(t, "", "serve", "extra")
	require.Error(t, err)
}

func TestServeInvalidConfig(t *testing.T) {
	_, err := execute(t, "", "serve", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}

// chatServer answers chat completions with a fixed two-chunk stream and
// records the decoded request body and authorization header.
func chatServer(t *testing.T) (*httptest.Server, *map[string]any, *string) {
	t.Helper()
	var body map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&body)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, text := range []string{"Hello", ", world"} {
			fmt.Fprintf(w, "data: {\"id\":\"chatcmpl-1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q},\"finish_reason\":null}]}\n\n", text)
		}
		fmt.Fprint(w, "data: {\"id\":\"chatcmpl-1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv, &body, &auth
}

func TestChat(t *testing.T) {
	srv, body, auth := chatServer(t)

	out, err := execute(t, "", "chat", "--url", srv.URL, "--api-key", "secret", "--system", "be brief", "--max-tokens", "16", "hi there")
	require.NoError(t, err)
	assert.Equal(t, "Hello, world\n", out)
	assert.Equal(t, "Bearer secret", *auth)

	messages, ok := (*body)["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].(map[string]any)["role"])
	assert.Equal(t, "hi there", messages[1].(map[string]any)["content"])
	assert.Equal(t, true, (*body)["stream"])
	assert.EqualValues(t, 16, (*body)["max_tokens"])
}

func TestChatReadsStdin(t *testing.T) {
	srv, body, _ := chatServer(t)

	out, err := execute(t, "  from stdin\n", "chat", "--url", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "Hello, world\n", out)

	messages := (*body)["messages"].([]any)
	require.Len(t, messages, 1)
	assert.Equal(t, "from stdin", messages[0].(map[string]any)["content"])
}

func TestChatEmptyPrompt(t *testing.T) {
	_, err := execute(t, "   ", "chat", "--url", "http://127.0.0.1:1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prompt is empty")
}

func TestChatServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"busy","type":"rate_limit_error","code":"engine_busy"}}`)
	}))
	t.Cleanup(srv.Close)

	_, err := execute(t, "", "chat", "--url", srv.URL, "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "busy")
}

func TestInspectRejectsNonGGUF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.gguf")
	require.NoError(t, os.WriteFile(path, []byte("not a model file"), 0o600))

	_, err := execute(t, "", "inspect", path)
	require.Error(t, err)
}

func TestInspectRequiresPath(t *testing.T) {
	_, err := execute(t, "", "inspect")
	require.Error(t, err)
}

// writeGGUF writes a version 3 header with string and uint32 values.
func writeGGUF(t *testing.T, kv [][2]any) string {
	t.Helper()
	var buf bytes.Buffer
	le := binary.LittleEndian
	writeString := func(s string) {
		_ = binary.Write(&buf, le, uint64(len(s)))
		buf.WriteString(s)
	}

	buf.WriteString("GGUF")
	_ = binary.Write(&buf, le, uint32(3))
	_ = binary.Write(&buf, le, uint64(291))
	_ = binary.Write(&buf, le, uint64(len(kv)))
	for _, pair := range kv {
		writeString(pair[0].(string))
		switch v := pair[1].(type) {
		case string:
			_ = binary.Write(&buf, le, uint32(8))
			writeString(v)
		case uint32:
			_ = binary.Write(&buf, le, uint32(4))
			_ = binary.Write(&buf, le, v)
		}
	}

	path := filepath.Join(t.TempDir(), "model.gguf")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

func TestInspect(t *testing.T) {
	path := writeGGUF(t, [][2]any{
		{"general.architecture", "llama"},
		{"general.name", "Tiny Llama"},
		{"llama.context_length", uint32(8192)},
		{"tokenizer.chat_template", "{% for m in messages %}<|start_header_id|>{{ m.role }}{% endfor %}"},
	})

	out, err := execute(t, "", "inspect", path)
	require.NoError(t, err)
	assert.Regexp(t, `version\s+3`, out)
	assert.Regexp(t, `tensors\s+291`, out)
	assert.Regexp(t, `name\s+Tiny Llama`, out)
	assert.Regexp(t, `architecture\s+llama`, out)
	assert.Regexp(t, `context_length\s+8192`, out)
	assert.Regexp(t, `chat_template\s+llama3`, out)
	assert.NotContains(t, out, "general.name")

	out, err = execute(t, "", "inspect", "--all", path)
	require.NoError(t, err)
	assert.Contains(t, out, "general.name")
	assert.Contains(t, out, `"Tiny Llama"`)
	assert.Contains(t, out, "llama.context_length")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
