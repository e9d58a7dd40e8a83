package llm

import (
	"context"
	"errors"
)

// Invoker sends one prompt to a language model and returns its text reply.
type Invoker interface {
	Invoke(ctx context.Context, prompt string) (string, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, prompt string) (string, error)

func (f InvokerFunc) Invoke(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

var (
	// ErrNoJSON means the reply held no {...} span.
	ErrNoJSON = errors.New("no json object in model response")
	// ErrSchema means the reply parsed but failed the profile schema.
	ErrSchema = errors.New("model response does not match schema")
)
