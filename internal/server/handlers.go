package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"llama-gateway/internal/models"
	"llama-gateway/internal/orchestrator"
	"llama-gateway/internal/translator"
)

type healthResponse struct {
	Status      string      `json:"status"`
	ModelLoaded bool        `json:"model_loaded"`
	ModelName   *string     `json:"model_name"`
	Queue       queueStatus `json:"queue"`
}

type queueStatus struct {
	Active   int `json:"active"`
	Waiting  int `json:"waiting"`
	Capacity int `json:"capacity"`
}

func (s *Server) handleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
	defer cancel()

	engineErr := s.engine.Health(ctx)
	stats := s.sched.Stats()

	resp := healthResponse{
		Status:      "healthy",
		ModelLoaded: engineErr == nil,
		Queue: queueStatus{
			Active:   stats.Active,
			Waiting:  stats.Waiting,
			Capacity: stats.Capacity,
		},
	}
	if resp.ModelLoaded {
		name := s.orch.ModelName()
		resp.ModelName = &name
	}
	if engineErr != nil || stats.Closed {
		resp.Status = "unhealthy"
		if engineErr != nil {
			s.log.Debug("engine not ready", zap.Error(engineErr))
		}
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleModels(c echo.Context) error {
	return c.JSON(http.StatusOK, translator.FormatModels(s.catalog.List()))
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	var req translator.ChatCompletionRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	chat := req.ToModels()
	s.noteModel(chat.Model)

	ctx := c.Request().Context()
	if wantsStream(c, chat.Stream) {
		stream, err := s.orch.ChatStream(ctx, chat)
		if err != nil {
			return err
		}
		defer stream.Close()
		return s.streamChat(c, stream, chat.IncludeUsage)
	}

	gen, err := s.orch.Chat(ctx, chat)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, translator.FormatChatCompletion(translator.NewChatMeta(), gen))
}

func (s *Server) streamChat(c echo.Context, stream *orchestrator.ChatStream, includeUsage bool) error {
	f := translator.NewChunkFormatter(translator.NewChatMeta(), stream.Model())
	sse := startSSE(c)

	for d := range stream.Deltas() {
		for _, chunk := range f.Chunks(d) {
			if err := sse.data(chunk); err != nil {
				s.log.Debug("client went away", zap.String("id", f.Meta().ID), zap.Error(err))
				return nil
			}
		}
	}
	if err := stream.Err(); err != nil {
		_ = sse.fail(err)
	} else if includeUsage && stream.Usage() != nil {
		_ = sse.data(f.Usage(*stream.Usage()))
	}
	return sse.done()
}

func (s *Server) handleCompletions(c echo.Context) error {
	var req translator.CompletionRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	completion := req.ToModels()
	s.noteModel(completion.Model)

	ctx := c.Request().Context()
	if wantsStream(c, completion.Stream) {
		stream, err := s.orch.CompleteStream(ctx, completion)
		if err != nil {
			return err
		}
		defer stream.Close()
		return s.streamCompletion(c, stream, completion.IncludeUsage)
	}

	gen, err := s.orch.Complete(ctx, completion)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, translator.FormatCompletion(translator.NewCompletionMeta(), gen))
}

func (s *Server) streamCompletion(c echo.Context, stream *orchestrator.ChatStream, includeUsage bool) error {
	meta := translator.NewCompletionMeta()
	sse := startSSE(c)

	for d := range stream.Deltas() {
		if err := sse.data(translator.FormatCompletionChunk(meta, stream.Model(), d)); err != nil {
			return nil
		}
	}
	if err := stream.Err(); err != nil {
		_ = sse.fail(err)
	} else if includeUsage && stream.Usage() != nil {
		_ = sse.data(translator.FormatCompletionUsage(meta, stream.Model(), *stream.Usage()))
	}
	return sse.done()
}

func (s *Server) handleMessages(c echo.Context) error {
	var req translator.ClaudeMessageRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	chat := req.ToModels()
	s.noteModel(chat.Model)

	ctx := c.Request().Context()
	if chat.Stream {
		stream, err := s.orch.ChatStream(ctx, chat)
		if err != nil {
			return err
		}
		defer stream.Close()
		return s.streamMessages(c, stream)
	}

	gen, err := s.orch.Chat(ctx, chat)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, translator.FormatClaudeMessage(translator.NewMessageMeta(), gen))
}

func (s *Server) streamMessages(c echo.Context, stream *orchestrator.ChatStream) error {
	f := translator.NewClaudeStreamFormatter(translator.NewMessageMeta(), stream.Model())
	sse := startSSE(c)

	send := func(events ...translator.ClaudeEvent) bool {
		for _, ev := range events {
			if err := sse.event(ev.Name, ev.Payload); err != nil {
				return false
			}
		}
		return true
	}

	if !send(f.Start()) {
		return nil
	}
	var reason models.FinishReason
	for d := range stream.Deltas() {
		if d.Final() {
			reason = d.FinishReason
			continue
		}
		if !send(f.Delta(d)...) {
			return nil
		}
	}
	if err := stream.Err(); err != nil {
		reqErr := toHTTPError(err)
		send(f.Error(reqErr.Type, reqErr.Message))
		return nil
	}
	send(f.Finish(reason, stream.Usage())...)
	return nil
}

// noteModel logs requests naming a model the catalog does not list. They are
// still served by the loaded model.
func (s *Server) noteModel(id string) {
	if id != "" && !s.catalog.Known(id) {
		s.log.Debug("unknown model requested, serving loaded model", zap.String("requested", id))
	}
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return invalidRequest("request body is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return requestError{
				Status:  http.StatusRequestEntityTooLarge,
				Message: "request body is too large",
				Type:    typeInvalidRequest,
			}
		}
		return invalidRequest("invalid request payload: %v", err)
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return invalidRequest("request body must contain a single JSON object")
	}
	return nil
}
