package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"llama-gateway/internal/engine"
	"llama-gateway/internal/orchestrator"
	"llama-gateway/internal/prompt"
	"llama-gateway/internal/scheduler"
	"llama-gateway/internal/translator"
)

const (
	typeInvalidRequest = "invalid_request_error"
	typeAuthentication = "authentication_error"
	typeRateLimit      = "rate_limit_error"
	typeTimeout        = "timeout_error"
	typeEngine         = "engine_error"
	typeServer         = "server_error"

	// statusClientClosedRequest is the nginx convention for a client that
	// went away before the response was ready.
	statusClientClosedRequest = 499
)

type requestError struct {
	Status     int
	Message    string
	Type       string
	Code       string
	RetryAfter int
}

func (e requestError) Error() string {
	return e.Message
}

func invalidRequest(format string, args ...any) requestError {
	return requestError{
		Status:  http.StatusBadRequest,
		Message: fmt.Sprintf(format, args...),
		Type:    typeInvalidRequest,
	}
}

// toHTTPError maps domain errors onto the status codes clients see.
func toHTTPError(err error) requestError {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	var engineErr *engine.EngineError
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest), errors.Is(err, prompt.ErrInvalidMessageSequence):
		return requestError{Status: http.StatusBadRequest, Message: err.Error(), Type: typeInvalidRequest}
	case errors.Is(err, scheduler.ErrEngineBusy):
		return requestError{
			Status:     http.StatusTooManyRequests,
			Message:    "the model is busy with other requests, retry later",
			Type:       typeRateLimit,
			Code:       "engine_busy",
			RetryAfter: 1,
		}
	case errors.Is(err, scheduler.ErrClosed):
		return requestError{
			Status:  http.StatusServiceUnavailable,
			Message: "the server is shutting down",
			Type:    typeServer,
			Code:    "shutting_down",
		}
	case errors.Is(err, engine.ErrGenerationTimeout):
		return requestError{
			Status:  http.StatusGatewayTimeout,
			Message: "generation exceeded the configured time limit",
			Type:    typeTimeout,
			Code:    "generation_timeout",
		}
	case errors.Is(err, context.Canceled):
		return requestError{
			Status:  statusClientClosedRequest,
			Message: "request cancelled",
			Type:    typeInvalidRequest,
			Code:    "cancelled",
		}
	case errors.As(err, &engineErr):
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: engineErr.Error(),
			Type:    typeEngine,
		}
	default:
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: "internal server error",
			Type:    typeServer,
		}
	}
}

func writeError(c echo.Context, reqErr requestError) error {
	if reqErr.RetryAfter > 0 {
		c.Response().Header().Set("Retry-After", strconv.Itoa(reqErr.RetryAfter))
	}
	return c.JSON(reqErr.Status, translator.FormatError(reqErr.Message, reqErr.Type, reqErr.Code))
}

// errorHandler renders every error as an OpenAI error envelope.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		_ = writeError(c, requestError{
			Status:  httpErr.Code,
			Message: fmt.Sprint(httpErr.Message),
			Type:    errorType(httpErr.Code),
		})
		return
	}

	reqErr := toHTTPError(err)
	if reqErr.Status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("uri", c.Request().RequestURI),
			zap.Error(err),
		)
	}
	_ = writeError(c, reqErr)
}

func errorType(status int) string {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return typeAuthentication
	case status == http.StatusTooManyRequests:
		return typeRateLimit
	case status >= http.StatusInternalServerError:
		return typeServer
	default:
		return typeInvalidRequest
	}
}
