// Package ai wraps the text-generation engine used to answer chat messages.
package ai

import (
	"context"
	"errors"
)

// Engine generates a reply for a fully formatted prompt.
// Implementations return one of the package sentinels, wrapped.
type Engine interface {
	GenerateContent(ctx context.Context, prompt string) (string, error)
}

// Limited caps the number of concurrent calls into an Engine.
type Limited struct {
	engine Engine
	sem    chan struct{}
}

// NewLimited wraps engine so at most n calls run at once. A non-positive n
// returns engine unchanged.
func NewLimited(engine Engine, n int) Engine {
	if n <= 0 {
		return engine
	}
	return &Limited{engine: engine, sem: make(chan struct{}, n)}
}

func (l *Limited) GenerateContent(ctx context.Context, prompt string) (string, error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return "", ctxError(ctx.Err())
	}
	defer func() { <-l.sem }()
	return l.engine.GenerateContent(ctx, prompt)
}

func ctxError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrInferenceTimeout
	}
	return err
}
