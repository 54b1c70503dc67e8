package orchestrator

import (
	"errors"
	"fmt"
	"slices"

	"llama-gateway/internal/models"
)

// ErrInvalidRequest is returned for requests rejected before the engine is
// touched.
var ErrInvalidRequest = errors.New("invalid request")

const (
	maxStopSequences = 4
	defaultSeed      = -1
)

// Defaults are the sampling values used when a request leaves a knob unset.
type Defaults struct {
	Temperature float64
	TopP        float64
	MaxTokens   int
	// MaxTokensLimit caps max_tokens; zero leaves it unbounded.
	MaxTokensLimit int
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func validateMessages(messages []models.Message) error {
	if len(messages) == 0 {
		return invalid("messages must contain at least one entry")
	}
	for i, msg := range messages {
		if !msg.Role.Valid() {
			return invalid("messages[%d].role %q is not supported", i, msg.Role)
		}
	}
	return nil
}

func validateOptions(opts models.Options, defaults Defaults) error {
	if opts.MaxTokens != nil {
		if *opts.MaxTokens < 1 {
			return invalid("max_tokens must be at least 1, got %d", *opts.MaxTokens)
		}
		if defaults.MaxTokensLimit > 0 && *opts.MaxTokens > defaults.MaxTokensLimit {
			return invalid("max_tokens must not exceed %d, got %d", defaults.MaxTokensLimit, *opts.MaxTokens)
		}
	}
	if opts.Temperature != nil && (*opts.Temperature < 0 || *opts.Temperature > 2) {
		return invalid("temperature must be between 0 and 2, got %v", *opts.Temperature)
	}
	if opts.TopP != nil && (*opts.TopP <= 0 || *opts.TopP > 1) {
		return invalid("top_p must be greater than 0 and at most 1, got %v", *opts.TopP)
	}
	if opts.FrequencyPenalty != nil && (*opts.FrequencyPenalty < -2 || *opts.FrequencyPenalty > 2) {
		return invalid("frequency_penalty must be between -2 and 2, got %v", *opts.FrequencyPenalty)
	}
	if opts.PresencePenalty != nil && (*opts.PresencePenalty < -2 || *opts.PresencePenalty > 2) {
		return invalid("presence_penalty must be between -2 and 2, got %v", *opts.PresencePenalty)
	}
	if len(opts.Stop) > maxStopSequences {
		return invalid("stop accepts at most %d sequences, got %d", maxStopSequences, len(opts.Stop))
	}
	for _, stop := range opts.Stop {
		if stop == "" {
			return invalid("stop sequences must not be empty")
		}
	}
	return nil
}

// ResolveParameters merges request options over defaults. Template stop
// markers are appended after the caller's own sequences.
func ResolveParameters(opts models.Options, defaults Defaults, templateStops []string) models.Parameters {
	params := models.Parameters{
		MaxTokens:   defaults.MaxTokens,
		Temperature: defaults.Temperature,
		TopP:        defaults.TopP,
		Seed:        defaultSeed,
	}
	if opts.MaxTokens != nil {
		params.MaxTokens = *opts.MaxTokens
	}
	if defaults.MaxTokensLimit > 0 && params.MaxTokens > defaults.MaxTokensLimit {
		params.MaxTokens = defaults.MaxTokensLimit
	}
	if opts.Temperature != nil {
		params.Temperature = *opts.Temperature
	}
	if opts.TopP != nil {
		params.TopP = *opts.TopP
	}
	if opts.FrequencyPenalty != nil {
		params.FrequencyPenalty = *opts.FrequencyPenalty
	}
	if opts.PresencePenalty != nil {
		params.PresencePenalty = *opts.PresencePenalty
	}
	if opts.Seed != nil {
		params.Seed = *opts.Seed
	}

	stops := make([]string, 0, len(opts.Stop)+len(templateStops))
	for _, s := range append(slices.Clone(opts.Stop), templateStops...) {
		if s == "" {
			continue
		}
		if !slices.Contains(stops, s) {
			stops = append(stops, s)
		}
	}
	if len(stops) > 0 {
		params.Stop = stops
	}
	return params
}
