package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kiranshivaraju/chatrelay/internal/config"
	"github.com/kiranshivaraju/chatrelay/internal/metrics"
	"google.golang.org/genai"
)

// GeminiEngine implements Engine with the Gemini API.
type GeminiEngine struct {
	client *genai.Client
	model  string
	maxOut int
}

func NewGeminiEngine(ctx context.Context, cfg config.AIConfig) (*GeminiEngine, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: empty api key")
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: cfg.BaseURL,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &GeminiEngine{client: c, model: cfg.Model, maxOut: cfg.MaxOutputTokens}, nil
}

func (g *GeminiEngine) GenerateContent(ctx context.Context, prompt string) (string, error) {
	start := time.Now()
	text, err := g.generate(ctx, prompt)
	metrics.ObserveAICall(g.model, time.Since(start).Milliseconds(), err == nil)
	return text, err
}

func (g *GeminiEngine) generate(ctx context.Context, prompt string) (string, error) {
	var cfg *genai.GenerateContentConfig
	if g.maxOut > 0 {
		cfg = &genai.GenerateContentConfig{MaxOutputTokens: int32(g.maxOut)}
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), cfg)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctxError(ctx.Err())
		}
		return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	if resp == nil {
		return "", fmt.Errorf("%w: empty response", ErrInvalidResponse)
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return "", fmt.Errorf("%w: prompt blocked (%s)", ErrContentBlocked, resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return "", fmt.Errorf("%w: no candidates", ErrInvalidResponse)
	}

	cand := resp.Candidates[0]
	if cand.FinishReason == genai.FinishReasonSafety {
		return "", fmt.Errorf("%w: finish reason %s", ErrContentBlocked, cand.FinishReason)
	}
	if cand.Content == nil {
		return "", fmt.Errorf("%w: candidate has no content", ErrInvalidResponse)
	}

	var b strings.Builder
	for _, part := range cand.Content.Parts {
		if part != nil {
			b.WriteString(part.Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", fmt.Errorf("%w: empty text", ErrInvalidResponse)
	}
	return text, nil
}

var _ Engine = (*GeminiEngine)(nil)
