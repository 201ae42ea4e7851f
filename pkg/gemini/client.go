// Package gemini provides a client for Gemini text embeddings.
package gemini

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

const (
	defaultModel     = "gemini-embedding-001"
	defaultDimension = 1536
	defaultRPM       = 100
)

// Client defines the embedding operations.
type Client interface {
	// Embed generates an embedding vector for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimension returns the configured output dimensionality.
	Dimension() int
}

// embedFunc is the raw embedding call, injectable for tests.
type embedFunc func(ctx context.Context, model string, text string, dim int32) ([]float32, error)

// Option configures the Gemini client.
type Option func(*client)

// WithModel overrides the embedding model name.
func WithModel(model string) Option {
	return func(c *client) {
		c.model = model
	}
}

// WithDimension sets the output dimensionality.
func WithDimension(dim int) Option {
	return func(c *client) {
		c.dim = dim
	}
}

// WithRequestsPerMinute sets the client-side rate limit.
func WithRequestsPerMinute(rpm int) Option {
	return func(c *client) {
		c.rpm = rpm
	}
}

func withEmbedFunc(fn embedFunc) Option {
	return func(c *client) {
		c.embed = fn
	}
}

type client struct {
	model   string
	dim     int
	rpm     int
	limiter *rate.Limiter
	embed   embedFunc
}

// NewClient creates a Gemini embedding client. The embedder holds its
// own rate bucket, independent of the Claude request budget.
func NewClient(ctx context.Context, apiKey string, opts ...Option) (Client, error) {
	c := &client{
		model: defaultModel,
		dim:   defaultDimension,
		rpm:   defaultRPM,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.rpm <= 0 {
		c.rpm = defaultRPM
	}
	c.limiter = rate.NewLimiter(rate.Limit(float64(c.rpm)/60.0), 1)

	if c.embed == nil {
		if apiKey == "" {
			return nil, eris.New("gemini: api key is required")
		}
		gc, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  apiKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, eris.Wrap(err, "gemini: initialize client")
		}
		c.embed = func(ctx context.Context, model, text string, dim int32) ([]float32, error) {
			result, err := gc.Models.EmbedContent(ctx, model,
				[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
				&genai.EmbedContentConfig{OutputDimensionality: &dim},
			)
			if err != nil {
				return nil, err
			}
			if result == nil || len(result.Embeddings) == 0 {
				return nil, eris.New("gemini: no embedding returned")
			}
			return result.Embeddings[0].Values, nil
		}
	}
	return c, nil
}

func (c *client) Dimension() int { return c.dim }

// Embed generates an embedding, retrying transient failures with
// exponential backoff. The returned vector length always matches
// Dimension.
func (c *client) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, eris.New("gemini: empty input text")
	}

	const maxAttempts = 3
	backoff := 1 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "gemini: rate limit wait")
		}

		vec, err := c.embed(ctx, c.model, text, int32(c.dim))
		if err == nil {
			if len(vec) != c.dim {
				return nil, eris.Errorf("gemini: dimension mismatch: expected %d, got %d", c.dim, len(vec))
			}
			return vec, nil
		}
		lastErr = err

		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return nil, eris.Wrap(lastErr, "gemini: embed failed")
}
