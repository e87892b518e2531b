// Package llm abstracts the generative model used by the AI step executor.
package llm

import (
	"context"
	"fmt"
)

// Message is one chat turn sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options tunes a single model invocation.
type Options struct {
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// Response is the model's reply.
type Response struct {
	Content string `json:"content"`
}

// Client is the model invocation interface. Chat blocks until the model
// replies or ctx is done.
type Client interface {
	Chat(ctx context.Context, messages []Message, options *Options) (*Response, error)
}

// APIError is a non-2xx reply from the model provider. The status code
// drives the executor's retry classification.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("model api error: status %d: %s", e.StatusCode, e.Body)
}
