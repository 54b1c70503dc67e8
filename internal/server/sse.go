package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"llama-gateway/internal/translator"
)

const doneSentinel = "[DONE]"

// sseWriter writes server-sent events and flushes after each one so that
// every chunk reaches the client as soon as it is produced.
type sseWriter struct {
	resp *echo.Response
}

func startSSE(c echo.Context) *sseWriter {
	header := c.Response().Header()
	header.Set(echo.HeaderContentType, "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")

	c.Response().WriteHeader(http.StatusOK)
	c.Response().Flush()
	return &sseWriter{resp: c.Response()}
}

// data writes one `data: <json>` event.
func (w *sseWriter) data(payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	return w.write("", raw)
}

// event writes a named event, as used by the Anthropic stream format.
func (w *sseWriter) event(name string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	return w.write(name, raw)
}

func (w *sseWriter) done() error {
	return w.write("", []byte(doneSentinel))
}

// fail reports a mid-stream error in the OpenAI envelope.
func (w *sseWriter) fail(err error) error {
	reqErr := toHTTPError(err)
	return w.data(translator.FormatError(reqErr.Message, reqErr.Type, reqErr.Code))
}

func (w *sseWriter) write(name string, data []byte) error {
	if name != "" {
		if _, err := fmt.Fprintf(w.resp, "event: %s\n", name); err != nil {
			return fmt.Errorf("write SSE event name: %w", err)
		}
	}
	if _, err := fmt.Fprintf(w.resp, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	w.resp.Flush()
	return nil
}

func wantsStream(c echo.Context, requested bool) bool {
	return requested || strings.Contains(c.Request().Header.Get(echo.HeaderAccept), "text/event-stream")
}
