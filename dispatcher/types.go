package dispatcher

import (
	"time"

	"github.com/invopop/jsonschema"
)

// Request is one item submitted for chat completion.
type Request struct {
	ID         string
	PromptText string
	Schema     *jsonschema.Schema
	Extras     map[string]string
}

// Result is what SubmitBatch/SubmitSingle produce for one Request.
type Result struct {
	ID      string
	Success bool

	Content  string
	Parsed   any // populated when Schema was set and parsing succeeded

	InputTokens  int
	OutputTokens int
	CachedTokens int
	TokensUsed   int

	Cost float64

	APIResponseTime time.Duration
	ProcessingTime  time.Duration
	Attempts        int

	Err       error
	ErrorKind ErrorKind

	rateLimitWait time.Duration // set only when ErrorKind == ErrorKindRateLimit
}
