package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mykhaliev/llmdispatch/config"
	"github.com/mykhaliev/llmdispatch/endpoint"
	"github.com/mykhaliev/llmdispatch/pricing"
	"github.com/mykhaliev/llmdispatch/ratelimit"
)

type classificationResult struct {
	Label string `json:"label"`
}

// scriptedClient is a fake endpoint.Client driven by a per-call function,
// indexed by call order. Safe for concurrent use.
type scriptedClient struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, prompt string) (endpoint.ChatResponse, error)
}

func (c *scriptedClient) Chat(_ context.Context, _ string, prompt string, _ float64, _ int, _ *jsonschema.Schema) (endpoint.ChatResponse, error) {
	c.mu.Lock()
	call := c.calls
	c.calls++
	c.mu.Unlock()
	return c.fn(call, prompt)
}

func newTestDispatcher(t *testing.T, client endpoint.Client, maxConcurrent, maxRetry int) *Dispatcher {
	t.Helper()
	cfg := &config.Config{
		Provider:      config.ProviderOpenAI,
		Model:         "gpt-test",
		MaxConcurrent: maxConcurrent,
		MaxTokens:     256,
		Retry:         config.Retry{MaxRetry: maxRetry},
	}
	table := pricing.NewTable(map[string]pricing.Entry{
		"gpt-test": {Input: 0.001, Output: 0.002, Cache: 0.0005, JSONSchema: true},
	})
	limiter := ratelimit.New(ratelimit.Config{ModelName: "gpt-test"})
	d, err := New(cfg, client, limiter, table)
	require.NoError(t, err)
	return d
}

func TestNewRejectsUnknownModel(t *testing.T) {
	cfg := &config.Config{Model: "missing"}
	table := pricing.NewTable(map[string]pricing.Entry{"gpt-test": {}})
	_, err := New(cfg, &scriptedClient{}, ratelimit.New(ratelimit.Config{}), table)
	require.Error(t, err)
	var cerr *ConfigError
	assert.ErrorAs(t, err, &cerr)
}

func TestSubmitBatchAllSuccess(t *testing.T) {
	client := &scriptedClient{fn: func(call int, prompt string) (endpoint.ChatResponse, error) {
		return endpoint.ChatResponse{Content: "ok: " + prompt, Usage: endpoint.Usage{PromptTokens: 50, CompletionTokens: 20, CachedTokens: 10, TotalTokens: 70}}, nil
	}}
	d := newTestDispatcher(t, client, 4, 2)

	results, batchStats, batchID, err := d.SubmitBatch(context.Background(), []string{"a", "b", "c"}, "echo {text}", nil, nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, batchID)
	require.Len(t, results, 3)

	for i, r := range results {
		assert.True(t, r.Success)
		assert.Equal(t, 1, r.Attempts)
		assert.InDelta(t, 0.0000850, r.Cost, 1e-9)
		assert.Contains(t, r.Content, "ok: ")
		_ = i
	}
	assert.Equal(t, 3, batchStats.Total)
	assert.Equal(t, 3, batchStats.Successful)
	assert.Equal(t, 0, batchStats.Failed)
}

func TestSubmitBatchPreservesInputOrder(t *testing.T) {
	// Later-indexed inputs finish first, earlier ones are slow — the result
	// slice must still align to the original input order.
	client := &scriptedClient{fn: func(call int, prompt string) (endpoint.ChatResponse, error) {
		if prompt == "echo slow" {
			time.Sleep(30 * time.Millisecond)
		}
		return endpoint.ChatResponse{Content: prompt, Usage: endpoint.Usage{PromptTokens: 10, CompletionTokens: 5}}, nil
	}}
	d := newTestDispatcher(t, client, 4, 1)

	results, _, _, err := d.SubmitBatch(context.Background(), []string{"slow", "fast", "fast"}, "echo {text}", nil, []string{"id-0", "id-1", "id-2"}, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "id-0", results[0].ID)
	assert.Equal(t, "id-1", results[1].ID)
	assert.Equal(t, "id-2", results[2].ID)
}

func TestSubmitBatchValidatesIDsLength(t *testing.T) {
	d := newTestDispatcher(t, &scriptedClient{}, 2, 1)
	_, _, _, err := d.SubmitBatch(context.Background(), []string{"a", "b"}, "{text}", nil, []string{"only-one"}, nil)
	require.Error(t, err)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestSubmitBatchRejectsUnsupportedSchema(t *testing.T) {
	cfg := &config.Config{Model: "no-schema", MaxConcurrent: 2, Retry: config.Retry{MaxRetry: 1}}
	table := pricing.NewTable(map[string]pricing.Entry{
		"no-schema":   {Input: 0.001, Output: 0.001, JSONSchema: false},
		"with-schema": {Input: 0.001, Output: 0.001, JSONSchema: true},
	})
	d, err := New(cfg, &scriptedClient{}, ratelimit.New(ratelimit.Config{}), table)
	require.NoError(t, err)

	_, _, _, err = d.SubmitBatch(context.Background(), []string{"a"}, "{text}", jsonschema.Reflect(&classificationResult{}), nil, nil)
	require.Error(t, err)
	var serr *SchemaUnsupportedError
	require.ErrorAs(t, err, &serr)
	assert.Contains(t, serr.Compatible, "with-schema")
}

func TestAttemptRequestRetriesThenSucceeds(t *testing.T) {
	// scenario: MAX_RETRY=2 is not enough for a call that only succeeds on the
	// 3rd attempt, but MAX_RETRY=3 is.
	transientErr := errors.New("503 temporarily unavailable")
	client := &scriptedClient{fn: func(call int, prompt string) (endpoint.ChatResponse, error) {
		if call < 2 {
			return endpoint.ChatResponse{}, transientErr
		}
		return endpoint.ChatResponse{Content: "done", Usage: endpoint.Usage{PromptTokens: 10, CompletionTokens: 5}}, nil
	}}

	dFail := newTestDispatcher(t, client, 1, 2)
	results, _, _, err := dFail.SubmitBatch(context.Background(), []string{"x"}, "{text}", nil, nil, nil)
	require.NoError(t, err)
	assert.False(t, results[0].Success)
	assert.Equal(t, ErrorKindRetryExhausted, results[0].ErrorKind)

	client.calls = 0
	dOK := newTestDispatcher(t, client, 1, 3)
	results, _, _, err = dOK.SubmitBatch(context.Background(), []string{"x"}, "{text}", nil, nil, nil)
	require.NoError(t, err)
	assert.True(t, results[0].Success)
	assert.Equal(t, 3, results[0].Attempts)
}

func TestSubmitBatchRecoversRateLimitedItems(t *testing.T) {
	var rateLimitedOnce int32
	client := &scriptedClient{fn: func(call int, prompt string) (endpoint.ChatResponse, error) {
		if prompt == "echo rl" && atomic.CompareAndSwapInt32(&rateLimitedOnce, 0, 1) {
			return endpoint.ChatResponse{}, &endpoint.RateLimitError{Err: errors.New("429 too many requests"), RetryAfter: 10 * time.Millisecond}
		}
		return endpoint.ChatResponse{Content: "recovered", Usage: endpoint.Usage{PromptTokens: 10, CompletionTokens: 5}}, nil
	}}
	d := newTestDispatcher(t, client, 2, 1)

	results, batchStats, _, err := d.SubmitBatch(context.Background(), []string{"rl", "ok"}, "echo {text}", nil, nil, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.Equal(t, "recovered", results[0].Content)
	assert.True(t, results[1].Success)
	// the rate-limited pass is not double-recorded: only the 2 terminal
	// outcomes count toward the batch total.
	assert.Equal(t, 2, batchStats.Total)
	assert.Equal(t, 1, batchStats.APIRateLimitsDetected)
	assert.Greater(t, batchStats.CoordinatedWaitTime, time.Duration(0))
}

func TestSubmitSingleIsOneElementBatch(t *testing.T) {
	client := &scriptedClient{fn: func(call int, prompt string) (endpoint.ChatResponse, error) {
		return endpoint.ChatResponse{Content: prompt, Usage: endpoint.Usage{PromptTokens: 10, CompletionTokens: 5}}, nil
	}}
	d := newTestDispatcher(t, client, 1, 1)

	result, err := d.SubmitSingle(context.Background(), "hello", "echo {text}", nil, "one", nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "echo hello", result.Content)
}

func TestGlobalStatsAccumulateAcrossBatches(t *testing.T) {
	client := &scriptedClient{fn: func(call int, prompt string) (endpoint.ChatResponse, error) {
		return endpoint.ChatResponse{Content: "ok", Usage: endpoint.Usage{PromptTokens: 10, CompletionTokens: 5}}, nil
	}}
	d := newTestDispatcher(t, client, 2, 1)

	_, b1, _, err := d.SubmitBatch(context.Background(), []string{"a"}, "{text}", nil, nil, nil)
	require.NoError(t, err)
	_, b2, _, err := d.SubmitBatch(context.Background(), []string{"b", "c"}, "{text}", nil, nil, nil)
	require.NoError(t, err)

	global := d.GlobalStats()
	assert.Equal(t, b1.Total+b2.Total, global.Total)

	d.ResetStats()
	assert.Equal(t, 0, d.GlobalStats().Total)
}

func TestFormatPromptSubstitutesTextAndExtras(t *testing.T) {
	out := formatPrompt("classify {text} as {label}", "this post", map[string]string{"label": "spam/ham"})
	assert.Equal(t, "classify this post as spam/ham", out)
}
