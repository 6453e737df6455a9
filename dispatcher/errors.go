package dispatcher

import "fmt"

// ErrorKind classifies why a Result failed.
type ErrorKind string

const (
	ErrorKindNone               ErrorKind = ""
	ErrorKindValidation         ErrorKind = "ValidationError"
	ErrorKindRateLimit          ErrorKind = "RateLimitError"
	ErrorKindSchemaUnsupported  ErrorKind = "SchemaUnsupportedError"
	ErrorKindTransientAPIError  ErrorKind = "TransientApiError"
	ErrorKindPermanentAPIError  ErrorKind = "PermanentApiError"
	ErrorKindRetryExhausted     ErrorKind = "RetryExhausted"
	ErrorKindConfigError        ErrorKind = "ConfigError"
)

// ValidationError is returned synchronously from SubmitBatch/SubmitSingle
// for malformed input (mismatched ids length, etc).
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return "validation: " + e.Message }

// ConfigError is returned synchronously when the model is unknown to the
// pricing table, or another construction-time precondition fails.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string { return "config: " + e.Message }

// SchemaUnsupportedError is returned synchronously when structured output is
// requested on a model that does not support it, naming compatible
// alternatives.
type SchemaUnsupportedError struct {
	Model      string
	Compatible []string
}

func (e *SchemaUnsupportedError) Error() string {
	return fmt.Sprintf("model %q does not support structured output; compatible models: %v", e.Model, e.Compatible)
}
