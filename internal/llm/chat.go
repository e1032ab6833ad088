package llm

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/voice-agent/privacy-core/pkg/retry"
)

// ErrChatUnavailable wraps chat completion failures after retries.
var ErrChatUnavailable = errors.New("chat completion unavailable")

// CreateChatCompletion sends req under the chat breaker, retrying transient
// failures. Client errors are returned after a single attempt.
func (c *Client) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var resp openai.ChatCompletionResponse
	err := c.chatCB.Execute(ctx, func() error {
		return retry.Do(ctx, c.chatRetry, func() error {
			r, err := c.client.CreateChatCompletion(ctx, req)
			if err != nil {
				if isClientError(err) {
					return retry.Permanent(fmt.Errorf("failed to create chat completion: %w", err))
				}
				return fmt.Errorf("failed to create chat completion: %w", err)
			}
			if len(r.Choices) == 0 {
				return fmt.Errorf("chat completion has no choices")
			}
			resp = r
			return nil
		})
	})
	if err != nil {
		return openai.ChatCompletionResponse{}, fmt.Errorf("%w: %w", ErrChatUnavailable, err)
	}
	return resp, nil
}
