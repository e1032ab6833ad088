package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/voice-agent/privacy-core/internal/metrics"
	"github.com/voice-agent/privacy-core/pkg/circuitbreaker"
	"github.com/voice-agent/privacy-core/pkg/logger"
	"github.com/voice-agent/privacy-core/pkg/retry"
)

var (
	// ErrUnavailable wraps transient failures to obtain an embedding, so
	// callers can queue work instead of failing the request.
	ErrUnavailable = errors.New("embedding service unavailable")
	// ErrRejected wraps failures that repeating the same request cannot fix:
	// 4xx responses other than 429 and vectors of the wrong size.
	ErrRejected   = errors.New("embedding request rejected")
	ErrEmptyInput = errors.New("embedding input is empty")
)

// Embedder turns text into a fixed-size vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

type Options struct {
	APIKey    string
	BaseURL   string
	Model     string
	Dimension int
	Timeout   time.Duration
	Retry     retry.Config
}

type Client struct {
	client      *openai.Client
	model       string
	dim         int
	timeout     time.Duration
	cb          *circuitbreaker.CircuitBreaker
	chatCB      *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
	chatRetry   retry.Config
}

func NewClient(opts Options) *Client {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.FromMillis(3, 500, 5000, logger.GetLogger())
	}

	breakerConfig := circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		IsFailure:        isServiceFailure,
		OnStateChange:    metrics.ObserveBreaker,
		Logger:           logger.GetLogger(),
	}

	logger.Info("Embedding client initialized",
		zap.String("model", opts.Model),
		zap.Int("dimension", opts.Dimension),
	)

	return &Client{
		client:      openai.NewClientWithConfig(cfg),
		model:       opts.Model,
		dim:         opts.Dimension,
		timeout:     opts.Timeout,
		cb:          circuitbreaker.NewCircuitBreaker("embeddings", breakerConfig),
		chatCB:      circuitbreaker.NewCircuitBreaker("chat", breakerConfig),
		retryConfig: opts.Retry.WithOperation("embed"),
		chatRetry:   opts.Retry.WithOperation("chat_completion"),
	}
}

func (c *Client) Dimension() int {
	return c.dim
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var (
		embedding []float32
		rejected  bool
	)

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateEmbeddings(
				ctx,
				openai.EmbeddingRequest{
					Input: []string{text},
					Model: openai.EmbeddingModel(c.model),
				},
			)
			if err != nil {
				if isClientError(err) {
					rejected = true
					return retry.Permanent(fmt.Errorf("failed to generate embedding: %w", err))
				}
				return fmt.Errorf("failed to generate embedding: %w", err)
			}

			if len(resp.Data) == 0 {
				return fmt.Errorf("embedding response has no data")
			}

			vec := resp.Data[0].Embedding
			if c.dim > 0 && len(vec) != c.dim {
				rejected = true
				return retry.Permanent(fmt.Errorf("embedding has %d dimensions, want %d", len(vec), c.dim))
			}

			embedding = make([]float32, len(vec))
			copy(embedding, vec)
			return nil
		})
	})
	if err != nil {
		if rejected {
			return nil, fmt.Errorf("%w: %w", ErrRejected, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	return embedding, nil
}

// isClientError reports 4xx responses other than rate limiting, which no
// amount of retrying will fix.
func isClientError(err error) bool {
	status := 0

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	return status >= 400 && status < 500 && status != http.StatusTooManyRequests
}

// isServiceFailure keeps caller mistakes from tripping the breaker.
func isServiceFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return !isClientError(err)
}
