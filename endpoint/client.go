// Package endpoint models the out-of-scope chat-completion endpoint (spec
// §6) as a Client interface, plus a concrete multi-provider implementation
// built on langchaingo.
package endpoint

import (
	"context"
	"time"

	"github.com/invopop/jsonschema"
)

// Usage reports the token accounting for one call, mirroring the endpoint
// contract's usage object.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	CachedTokens     int
	TotalTokens      int
}

// ChatResponse is what a successful Client.Chat call returns.
type ChatResponse struct {
	Content string
	Usage   Usage
}

// RateLimitError is returned by a Client when the remote signals a
// rate-limit; RetryAfter carries a server-provided wait hint when known.
type RateLimitError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return "token rate limit exceeded"
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// Client is the collaborator the dispatcher calls for each request. The
// concrete remote chat-completion service is someone else's; this repo
// defines only the contract and a multi-provider adapter (MultiProvider).
type Client interface {
	// Chat issues a single chat-completion call. responseFormat, when
	// non-nil, is a JSON Schema document requesting structured output.
	Chat(ctx context.Context, model string, prompt string, temperature float64, maxTokens int, responseFormat *jsonschema.Schema) (ChatResponse, error)
}
