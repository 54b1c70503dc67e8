// Package tokenizer counts tokens for usage reporting.
package tokenizer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"llama-gateway/internal/models"
)

// ErrTokenCountUnavailable is returned when no counter could count the text.
// Callers omit usage rather than fail the request.
var ErrTokenCountUnavailable = errors.New("token count unavailable")

// Counter counts the tokens in text.
type Counter interface {
	CountTokens(ctx context.Context, text string) (int, error)
}

// CounterFunc adapts a function to Counter.
type CounterFunc func(ctx context.Context, text string) (int, error)

// CountTokens implements Counter.
func (f CounterFunc) CountTokens(ctx context.Context, text string) (int, error) {
	return f(ctx, text)
}

// Tiktoken counts with a tiktoken BPE encoding. The encoding is loaded on
// first use, so a missing vocabulary only disables this counter.
type Tiktoken struct {
	encoding string

	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
	load func(string) (*tiktoken.Tiktoken, error)
}

// NewTiktoken returns a counter for the named encoding, e.g. cl100k_base.
func NewTiktoken(encoding string) *Tiktoken {
	return &Tiktoken{encoding: encoding, load: tiktoken.GetEncoding}
}

// CountTokens implements Counter.
func (t *Tiktoken) CountTokens(_ context.Context, text string) (int, error) {
	t.once.Do(func() {
		t.enc, t.err = t.load(t.encoding)
	})
	if t.err != nil {
		return 0, fmt.Errorf("load tiktoken encoding %q: %w", t.encoding, t.err)
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

// Chain tries each counter in order and returns the first successful count.
type Chain []Counter

// CountTokens implements Counter.
func (c Chain) CountTokens(ctx context.Context, text string) (int, error) {
	var errs []error
	for _, counter := range c {
		if counter == nil {
			continue
		}
		n, err := counter.CountTokens(ctx, text)
		if err == nil {
			return n, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, errors.Join(ErrTokenCountUnavailable, ctxErr)
		}
		errs = append(errs, err)
	}
	return 0, errors.Join(append([]error{ErrTokenCountUnavailable}, errs...)...)
}

// Usage counts prompt and completion with c.
func Usage(ctx context.Context, c Counter, prompt, completion string) (*models.Usage, error) {
	if c == nil {
		return nil, ErrTokenCountUnavailable
	}
	promptTokens, err := c.CountTokens(ctx, prompt)
	if err != nil {
		return nil, asUnavailable(err)
	}
	completionTokens, err := c.CountTokens(ctx, completion)
	if err != nil {
		return nil, asUnavailable(err)
	}
	u := models.NewUsage(promptTokens, completionTokens)
	return &u, nil
}

func asUnavailable(err error) error {
	if errors.Is(err, ErrTokenCountUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTokenCountUnavailable, err)
}
