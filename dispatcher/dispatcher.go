// Package dispatcher implements the batch processor (spec §4.1): it turns a
// list of input texts into per-text Results through a bounded-concurrency
// gate over the rate limiter and endpoint client, with a batch-level
// recovery loop for rate-limited items and a stats manager feeding every
// completion.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/invopop/jsonschema"
	"github.com/life4/genesis/slices"

	"github.com/mykhaliev/llmdispatch/config"
	"github.com/mykhaliev/llmdispatch/endpoint"
	"github.com/mykhaliev/llmdispatch/logger"
	"github.com/mykhaliev/llmdispatch/pricing"
	"github.com/mykhaliev/llmdispatch/ratelimit"
	"github.com/mykhaliev/llmdispatch/stats"
)

const (
	retryDelay     = 100 * time.Millisecond
	recoveryGrace  = 100 * time.Millisecond
	progressEveryN = 5
)

// Dispatcher is the core batch processor. There is exactly one dispatcher,
// one rate limiter, and one stats manager per process instance (spec §5).
type Dispatcher struct {
	cfg     *config.Config
	client  endpoint.Client
	limiter *ratelimit.Limiter
	stats   *stats.Manager
	pricing *pricing.Table
}

// New constructs a Dispatcher. It fails with ConfigError if the configured
// model is unknown to the pricing table.
func New(cfg *config.Config, client endpoint.Client, limiter *ratelimit.Limiter, pricingTable *pricing.Table) (*Dispatcher, error) {
	if _, ok := pricingTable.Lookup(cfg.Model); !ok {
		return nil, &ConfigError{Message: fmt.Sprintf("model %q is unknown to the pricing table", cfg.Model)}
	}
	return &Dispatcher{
		cfg:     cfg,
		client:  client,
		limiter: limiter,
		stats:   stats.NewManager(cfg.MaxConcurrent),
		pricing: pricingTable,
	}, nil
}

// SubmitSingle runs a one-element SubmitBatch and returns its only Result.
// The batch is still started and ended in the stats manager; its batch id
// and batch Stats are discarded.
func (d *Dispatcher) SubmitSingle(ctx context.Context, text, promptTemplate string, schema *jsonschema.Schema, id string, extras map[string]string) (Result, error) {
	var ids []string
	if id != "" {
		ids = []string{id}
	}
	results, _, _, err := d.SubmitBatch(ctx, []string{text}, promptTemplate, schema, ids, extras)
	if err != nil {
		return Result{}, err
	}
	return results[0], nil
}

// SubmitBatch produces one Result per input, aligned to input order
// regardless of completion order.
func (d *Dispatcher) SubmitBatch(ctx context.Context, inputs []string, promptTemplate string, schema *jsonschema.Schema, ids []string, extras map[string]string) ([]Result, stats.Stats, string, error) {
	if ids != nil && len(ids) != len(inputs) {
		return nil, stats.Stats{}, "", &ValidationError{Message: fmt.Sprintf("ids length %d does not match inputs length %d", len(ids), len(inputs))}
	}
	if schema != nil && !d.pricing.SupportsJSONSchema(d.cfg.Model) {
		return nil, stats.Stats{}, "", &SchemaUnsupportedError{Model: d.cfg.Model, Compatible: d.pricing.CompatibleModels()}
	}

	entry, ok := d.pricing.Lookup(d.cfg.Model)
	if !ok {
		return nil, stats.Stats{}, "", &ConfigError{Message: fmt.Sprintf("model %q is unknown to the pricing table", d.cfg.Model)}
	}

	n := len(inputs)
	requests := make([]Request, n)
	for i, text := range inputs {
		id := uuid.NewString()
		if ids != nil {
			id = ids[i]
		}
		requests[i] = Request{
			ID:         id,
			PromptText: formatPrompt(promptTemplate, text, extras),
			Schema:     schema,
			Extras:     extras,
		}
	}

	batchID := uuid.NewString()
	handle := d.stats.StartBatch(batchID)

	results := make([]Result, n)
	var completed, succeeded, failed int64
	batchStart := time.Now()

	pending := make([]int, n)
	for i := range pending {
		pending[i] = i
	}

	rateLimitDetected := make([]bool, n)
	coordinatedWait := make([]time.Duration, n)

	for len(pending) > 0 {
		pending = d.runPass(ctx, batchID, requests, results, entry, pending, n, batchStart, &completed, &succeeded, &failed, rateLimitDetected, coordinatedWait)
		if len(pending) > 0 {
			select {
			case <-ctx.Done():
				batchStats := d.stats.EndBatch(handle)
				return results, batchStats, batchID, ctx.Err()
			case <-time.After(recoveryGrace):
			}
		}
	}

	if schema != nil {
		for i := range results {
			if results[i].Success {
				parseStructured(&results[i])
			}
		}
	}

	batchStats := d.stats.EndBatch(handle)
	return results, batchStats, batchID, nil
}

type passOutcome struct {
	idx         int
	result      Result
	rateLimited bool
	waitTime    time.Duration
}

// runPass runs one concurrency-bounded pass over pending indices and returns
// the subset that came back rate-limited, for the next pass. rateLimitDetected
// and coordinatedWait are owned by SubmitBatch and carry, per original input
// index, whether that item was ever deferred to the recovery loop and how
// much coordinated wait it accumulated doing so; both are read when the
// item's eventual terminal outcome is recorded.
func (d *Dispatcher) runPass(ctx context.Context, batchID string, requests []Request, results []Result, entry pricing.Entry, pending []int, total int, batchStart time.Time, completed, succeeded, failed *int64, rateLimitDetected []bool, coordinatedWait []time.Duration) []int {
	sem := make(chan struct{}, d.cfg.MaxConcurrent)
	outcomes := make([]passOutcome, len(pending))
	var wg sync.WaitGroup

	for i, idx := range pending {
		wg.Add(1)
		sem <- struct{}{}
		go func(pos, idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			d.stats.RecordConcurrentStart(batchID)
			res := d.attemptRequest(ctx, requests[idx], entry)
			d.stats.RecordConcurrentEnd()
			res.ID = requests[idx].ID

			outcomes[pos] = passOutcome{
				idx:         idx,
				result:      res,
				rateLimited: res.ErrorKind == ErrorKindRateLimit,
				waitTime:    res.rateLimitWait,
			}
		}(i, idx)
	}
	wg.Wait()

	rateLimited := slices.Filter(outcomes, func(o passOutcome) bool { return o.rateLimited })
	if len(rateLimited) > 0 {
		d.limiter.RecordAPIRateLimit(rateLimited[0].waitTime, "batch recovery")
	}
	for _, o := range rateLimited {
		rateLimitDetected[o.idx] = true
		coordinatedWait[o.idx] += o.waitTime
	}

	for _, o := range outcomes {
		if o.rateLimited {
			continue
		}
		results[o.idx] = o.result

		retryCount := 0
		if o.result.Attempts > 1 {
			retryCount = o.result.Attempts - 1
		}
		d.stats.RecordRequest(o.result.Success, int64(o.result.InputTokens), int64(o.result.OutputTokens), int64(o.result.CachedTokens),
			o.result.Cost, o.result.APIResponseTime, string(o.result.ErrorKind), retryCount, rateLimitDetected[o.idx], coordinatedWait[o.idx], d.cfg.Model)

		n := atomic.AddInt64(completed, 1)
		if o.result.Success {
			atomic.AddInt64(succeeded, 1)
		} else {
			atomic.AddInt64(failed, 1)
		}
		d.reportProgress(total, int(n), int(atomic.LoadInt64(succeeded)), int(atomic.LoadInt64(failed)), batchStart)
	}

	return slices.Map(rateLimited, func(o passOutcome) int { return o.idx })
}

// reportProgress logs at fixed milestones: every completion for small
// batches, otherwise {1, 5, 10, 15, ..., size}.
func (d *Dispatcher) reportProgress(total, completed, succeeded, failed int, start time.Time) {
	if total > progressEveryN && completed != 1 && completed != total && completed%progressEveryN != 0 {
		return
	}
	elapsed := time.Since(start)
	rate := float64(completed) / elapsed.Seconds()
	var eta time.Duration
	if rate > 0 {
		eta = time.Duration(float64(total-completed)/rate) * time.Second
	}
	logger.Logger.Info("batch progress",
		"completed", completed, "total", total, "successful", succeeded, "failed", failed,
		"rate_per_sec", rate, "eta", eta)
}

// attemptRequest runs the in-call retry policy (spec §4.1): up to
// cfg.Retry.MaxRetry attempts with a fixed delay between them. A rate-limit
// error stops the loop immediately and is handed back to the batch-level
// recovery loop rather than retried here.
func (d *Dispatcher) attemptRequest(ctx context.Context, req Request, entry pricing.Entry) Result {
	maxRetry := d.cfg.Retry.MaxRetry
	if maxRetry <= 0 {
		maxRetry = 1
	}

	start := time.Now()
	var lastErr error
	attempts := 0

	for attempts < maxRetry {
		attempts++
		content, usage, apiTime, err := d.callOnce(ctx, req)
		if err == nil {
			cost := entry.Cost(usage.PromptTokens, usage.CompletionTokens, usage.CachedTokens)
			return Result{
				Success:         true,
				Content:         content,
				InputTokens:     usage.PromptTokens,
				OutputTokens:    usage.CompletionTokens,
				CachedTokens:    usage.CachedTokens,
				TokensUsed:      usage.PromptTokens + usage.CompletionTokens,
				Cost:            cost,
				APIResponseTime: apiTime,
				ProcessingTime:  time.Since(start),
				Attempts:        attempts,
			}
		}

		lastErr = err
		var rle *endpoint.RateLimitError
		if errors.As(err, &rle) {
			wait := d.limiter.ExtractWaitTime(rle.RetryAfter, err.Error())
			return Result{
				Success:        false,
				Err:            err,
				ErrorKind:      ErrorKindRateLimit,
				Attempts:       attempts,
				ProcessingTime: time.Since(start),
				rateLimitWait:  wait,
			}
		}

		if attempts < maxRetry {
			select {
			case <-ctx.Done():
				return Result{Success: false, Err: ctx.Err(), ErrorKind: ErrorKindPermanentAPIError, Attempts: attempts, ProcessingTime: time.Since(start)}
			case <-time.After(retryDelay):
			}
		}
	}

	// With no retry budget, a single failed attempt never exhausted
	// anything — it looks transient rather than conclusively permanent.
	kind := ErrorKindRetryExhausted
	if maxRetry <= 1 {
		kind = ErrorKindTransientAPIError
	}
	return Result{
		Success:        false,
		Err:            lastErr,
		ErrorKind:       kind,
		Attempts:        attempts,
		ProcessingTime:  time.Since(start),
	}
}

// callOnce runs the rate-limiter gate and a single endpoint call.
func (d *Dispatcher) callOnce(ctx context.Context, req Request) (string, endpoint.Usage, time.Duration, error) {
	estimate := d.limiter.EstimateTokens(req.PromptText)
	calibrated, err := d.limiter.Acquire(ctx, estimate)
	if err != nil {
		return "", endpoint.Usage{}, 0, err
	}

	start := time.Now()
	resp, err := d.client.Chat(ctx, d.cfg.Model, req.PromptText, d.cfg.Temperature, d.cfg.MaxTokens, req.Schema)
	apiTime := time.Since(start)
	if err != nil {
		return "", endpoint.Usage{}, apiTime, err
	}

	d.limiter.RecordSuccessfulRequest(calibrated, resp.Usage.TotalTokens)
	return resp.Content, resp.Usage, apiTime, nil
}

// formatPrompt substitutes {text} and any {key} in extras with a literal
// replace, not a general template engine, since the placeholder set here is
// fixed rather than open-ended.
func formatPrompt(template, text string, extras map[string]string) string {
	out := strings.ReplaceAll(template, "{text}", text)
	for k, v := range extras {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

// parseStructured attempts to decode a successful Result's raw content
// against the requested schema. Parse failure degrades to the raw string
// with Success left true (spec §4.1 failure semantics) rather than failing
// the request.
func parseStructured(r *Result) {
	var parsed any
	if err := sonic.UnmarshalString(r.Content, &parsed); err != nil {
		return
	}
	r.Parsed = parsed
}

// GlobalStats returns the process-wide Stats accumulated so far.
func (d *Dispatcher) GlobalStats() stats.Stats {
	return d.stats.Global()
}

// ResetStats clears the global Stats back to zero.
func (d *Dispatcher) ResetStats() {
	d.stats.Reset()
}

// CompleteStats merges a batch-scoped Stats (if provided) alongside the
// global Stats.
func (d *Dispatcher) CompleteStats(batchStats *stats.Stats, includeGlobal bool) map[string]stats.Stats {
	out := make(map[string]stats.Stats, 2)
	if batchStats != nil {
		out["batch"] = *batchStats
	}
	if includeGlobal {
		out["global"] = d.stats.Global()
	}
	return out
}
