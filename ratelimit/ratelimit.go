// Package ratelimit implements the adaptive rate limiter (spec §4.2): a
// proactive tokens-per-minute gate with calibration against observed usage,
// plus a coordinated fleet-wide pause reacting to server rate-limit signals.
package ratelimit

import (
	"context"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"golang.org/x/time/rate"

	"github.com/mykhaliev/llmdispatch/logger"
)

const (
	minCalibrationFactor = 0.3
	maxCalibrationFactor = 3.0
	calibrationAlpha     = 0.2
	recalibrationWindow  = 300 * time.Second
	calibrationLogDelta  = 0.05
	ringCapacity         = 1000
	defaultRateLimitWait = 60 * time.Second
)

// tokenUsageRecord is one (estimated, actual) observation feeding
// recalibration.
type tokenUsageRecord struct {
	estimated int
	actual    int
	ratio     float64
	at        time.Time
}

// Limiter is the single dispatcher-owned rate-limiting gate. It holds two
// independently-locked pieces of state (spec §5's mutual-exclusion
// convention: pause lock is always acquired before the token lock when both
// are needed):
//
//   - pauseMu guards the coordinated-pause state.
//   - tokenMu guards the calibration ring and factor. The TPM budget itself
//     is tpmLimiter, which does its own locking.
type Limiter struct {
	maxTPM    int
	modelName string
	adaptive  bool

	tpmLimiter *rate.Limiter

	tokenMu           sync.Mutex
	ring              []tokenUsageRecord
	ringHead          int
	calibrationFactor float64
	lastRecalibration time.Time

	pauseMu               sync.Mutex
	globalPaused          bool
	pauseUntil            time.Time
	apiRateLimitsDetected int
	rateLimitEventActive  bool

	retryAfterProvider RetryAfterProvider
}

// Config configures a Limiter.
type Config struct {
	MaxTPM              int
	ModelName           string
	AdaptiveCalibration bool
}

// New constructs a Limiter. A MaxTPM of 0 disables the proactive gate
// entirely (Acquire then only waits out coordinated pauses and applies
// calibration), which is useful for tests and for providers without a known
// budget.
func New(cfg Config) *Limiter {
	l := &Limiter{
		maxTPM:            cfg.MaxTPM,
		modelName:         cfg.ModelName,
		adaptive:          cfg.AdaptiveCalibration,
		calibrationFactor: 1.0,
		lastRecalibration: time.Now(),
	}
	if cfg.MaxTPM > 0 {
		tokensPerSecond := float64(cfg.MaxTPM) / 60.0
		l.tpmLimiter = rate.NewLimiter(rate.Limit(tokensPerSecond), cfg.MaxTPM)
	}
	return l
}

// SetRetryAfterProvider wires an HTTP transport's captured Retry-After value
// as a preferred wait-time source.
func (l *Limiter) SetRetryAfterProvider(p RetryAfterProvider) {
	l.retryAfterProvider = p
}

// Acquire consults the coordinated-pause state first, then the proactive TPM
// gate, blocking as necessary. It returns the calibrated token estimate that
// was reserved, for accounting.
//
// The TPM gate is best-effort: calibrated is an estimate, and the actual
// token cost of the call is only known once it completes (see
// RecordSuccessfulRequest).
func (l *Limiter) Acquire(ctx context.Context, estimate int) (int, error) {
	if err := l.waitOutPause(ctx); err != nil {
		return 0, err
	}

	calibrated := l.applyCalibration(estimate)
	if l.tpmLimiter == nil || calibrated <= 0 {
		return calibrated, nil
	}

	waitStart := time.Now()
	if err := l.tpmLimiter.WaitN(ctx, calibrated); err != nil {
		return 0, err
	}
	if waited := time.Since(waitStart); waited > 10*time.Millisecond {
		logger.Logger.Debug("waited for tpm rate limit",
			"calibrated_tokens", calibrated, "waited", waited)
	}

	return calibrated, nil
}

// waitOutPause blocks until any active coordinated pause has elapsed, then
// transitions back to NORMAL.
func (l *Limiter) waitOutPause(ctx context.Context) error {
	l.pauseMu.Lock()
	paused := l.globalPaused
	until := l.pauseUntil
	l.pauseMu.Unlock()

	if !paused {
		return nil
	}

	remaining := time.Until(until)
	if remaining > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(remaining):
		}
	}

	l.pauseMu.Lock()
	if l.globalPaused && !time.Now().Before(l.pauseUntil) {
		l.globalPaused = false
		logger.Logger.Info("coordinated pause ended")
	}
	l.pauseMu.Unlock()
	return nil
}

// RecordAPIRateLimit installs a coordinated pause covering at least waitTime
// from now, synchronously — the activation is never backgrounded, closing
// the window where a concurrent Acquire could slip through before the pause
// takes effect.
func (l *Limiter) RecordAPIRateLimit(waitTime time.Duration, context string) {
	l.pauseMu.Lock()
	defer l.pauseMu.Unlock()

	candidate := time.Now().Add(waitTime)
	if !l.globalPaused || candidate.After(l.pauseUntil) {
		l.pauseUntil = candidate
		l.globalPaused = true
		if !l.rateLimitEventActive {
			logger.Logger.Warn("coordinated pause started",
				"wait", waitTime, "context", context)
			l.rateLimitEventActive = true
		}
	}
	l.apiRateLimitsDetected++
}

// RecordSuccessfulRequest clears the rate-limit-event log gate, reserves any
// additional tokens the call actually consumed beyond what Acquire reserved
// for it, and feeds the (estimated, actual) pair into the calibration ring.
func (l *Limiter) RecordSuccessfulRequest(estimated, actual int) {
	l.pauseMu.Lock()
	l.rateLimitEventActive = false
	l.pauseMu.Unlock()

	if l.tpmLimiter != nil && actual > estimated {
		additional := actual - estimated
		reservation := l.tpmLimiter.ReserveN(time.Now(), additional)
		if reservation.OK() {
			logger.Logger.Debug("reserved additional tokens beyond estimate",
				"estimated", estimated, "actual", actual, "additional", additional, "delay", reservation.Delay())
		}
	}

	if estimated <= 0 || actual <= 0 {
		return
	}

	l.tokenMu.Lock()
	defer l.tokenMu.Unlock()

	rec := tokenUsageRecord{estimated: estimated, actual: actual, ratio: float64(actual) / float64(estimated), at: time.Now()}
	if len(l.ring) < ringCapacity {
		l.ring = append(l.ring, rec)
	} else {
		l.ring[l.ringHead] = rec
		l.ringHead = (l.ringHead + 1) % ringCapacity
	}

	if !l.adaptive {
		return
	}
	if time.Since(l.lastRecalibration) < recalibrationWindow && len(l.ring) < ringCapacity {
		return
	}
	l.recalibrateLocked()
}

// recalibrateLocked recomputes the calibration factor as a blend of the
// recent observed ratios and the prior factor. Callers must hold tokenMu.
func (l *Limiter) recalibrateLocked() {
	if len(l.ring) == 0 {
		return
	}
	var sum float64
	for _, rec := range l.ring {
		sum += rec.ratio
	}
	meanRatio := sum / float64(len(l.ring))

	newFactor := 0.6*meanRatio + 0.4*l.calibrationFactor
	newFactor = clamp(newFactor, minCalibrationFactor, maxCalibrationFactor)

	delta := math.Abs(newFactor - l.calibrationFactor)
	if delta > calibrationLogDelta {
		logger.Logger.Info("calibration factor updated",
			"old", l.calibrationFactor, "new", newFactor, "samples", len(l.ring))
	}
	l.calibrationFactor = newFactor
	l.lastRecalibration = time.Now()
}

func (l *Limiter) applyCalibration(estimate int) int {
	if estimate <= 0 {
		return estimate
	}
	l.tokenMu.Lock()
	factor := l.calibrationFactor
	l.tokenMu.Unlock()

	return int(math.Round(float64(estimate) * factor))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// EstimateTokens estimates the token cost of the given text using tiktoken
// when the model is known to it, falling back to a ~4-characters-per-token
// heuristic otherwise.
func (l *Limiter) EstimateTokens(text string) int {
	if l.modelName != "" {
		if tkm, err := tiktoken.EncodingForModel(l.modelName); err == nil {
			return len(tkm.Encode(text, nil, nil))
		}
	}
	chars := len(text)
	tokens := chars / 4
	if tokens < 1 && chars > 0 {
		tokens = 1
	}
	return tokens
}

var retryAfterPattern = regexp.MustCompile(`(?i)(?:retry after|wait)\s+(\d+)\s*s(?:econds?)?\b|(\d+)s\b`)

// ExtractWaitTime parses a wait duration from a rate-limit error, preferring
// (in order) an explicit retryAfter value, a captured HTTP header, and
// finally a regex scan of the error text. Returns the 60-second default when
// nothing more specific is found.
func (l *Limiter) ExtractWaitTime(retryAfter time.Duration, errText string) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}

	if l.retryAfterProvider != nil {
		if d, at := l.retryAfterProvider.GetLastRetryAfter(); d > 0 && time.Since(at) < 5*time.Second {
			l.retryAfterProvider.ClearRetryAfter()
			return d
		}
	}

	if m := retryAfterPattern.FindStringSubmatch(errText); m != nil {
		raw := m[1]
		if raw == "" {
			raw = m[2]
		}
		if seconds, err := strconv.Atoi(raw); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}

	return defaultRateLimitWait
}

// IsRateLimitError reports whether err's text looks like a provider rate
// limit / 429 response.
func IsRateLimitError(errText string) bool {
	lower := strings.ToLower(errText)
	return strings.Contains(lower, "429") ||
		strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "token rate limit")
}

// CalibrationFactor returns the current calibration factor, for diagnostics.
func (l *Limiter) CalibrationFactor() float64 {
	l.tokenMu.Lock()
	defer l.tokenMu.Unlock()
	return l.calibrationFactor
}

// APIRateLimitsDetected returns the count of coordinated-pause activations.
func (l *Limiter) APIRateLimitsDetected() int {
	l.pauseMu.Lock()
	defer l.pauseMu.Unlock()
	return l.apiRateLimitsDetected
}

// IsPaused reports whether the limiter is currently in GLOBAL_PAUSED.
func (l *Limiter) IsPaused() bool {
	l.pauseMu.Lock()
	defer l.pauseMu.Unlock()
	return l.globalPaused && time.Now().Before(l.pauseUntil)
}
