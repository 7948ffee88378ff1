// Package retry implements the retry policy engine: it classifies ticket
// execution failures, applies the per-category strategy, and decides between
// retry-with-backoff and a terminal hold.
//
// This package is the single place that turns ticket failures into state
// transitions. The one exception is the no-retry cancellation path for
// failures that must never retry (e.g. a ticket invalidated after approval),
// which goes straight to Storage.Cancel and bypasses this engine entirely.
package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/corynaegle-ai/swarm-engine/internal/storage"
	"github.com/corynaegle-ai/swarm-engine/internal/telemetry"
	"github.com/corynaegle-ai/swarm-engine/internal/types"
)

// minConfidence is the classification confidence below which the engine
// falls back to the conservative strategy rather than trusting the category.
const minConfidence = 0.5

// conservativeStrategy is the fallback for low-confidence classifications:
// effectively one retry with a moderate delay.
var conservativeStrategy = types.RetryStrategy{
	MaxRetries: 1,
	Backoff:    types.BackoffExponential,
	BaseDelay:  5 * time.Second,
}

// DefaultStrategies returns the per-category retry strategies: short backoff
// and several retries for transient errors, medium backoff and fewer retries
// for external dependencies, minimal retries for code errors (feedback-guided
// regeneration is preferred), zero for fatal.
func DefaultStrategies() map[types.ErrorCategory]types.RetryStrategy {
	return map[types.ErrorCategory]types.RetryStrategy{
		types.CategoryTransient: {MaxRetries: 3, Backoff: types.BackoffExponential, BaseDelay: time.Second},
		types.CategoryExternal:  {MaxRetries: 2, Backoff: types.BackoffExponential, BaseDelay: 5 * time.Second},
		types.CategoryCode:      {MaxRetries: 1, Backoff: types.BackoffLinear, BaseDelay: 2 * time.Second},
		types.CategoryFatal:     {MaxRetries: 0},
	}
}

// ErrorInfo describes a reported ticket failure. Category may be set by the
// reporter when it already knows the failure class; otherwise the engine
// classifies from the message.
type ErrorInfo struct {
	Message    string              `json:"message"`
	Category   types.ErrorCategory `json:"category,omitempty"`
	Confidence float64             `json:"confidence,omitempty"`
}

// Classification is the engine's judgment of a failure.
type Classification struct {
	Category   types.ErrorCategory `json:"category"`
	Confidence float64             `json:"confidence"`
}

var categoryMarkers = []struct {
	category types.ErrorCategory
	markers  []string
}{
	{types.CategoryFatal, []string{
		"unauthorized", "permission denied", "invalid credentials",
		"quota exceeded permanently", "unsupported",
	}},
	{types.CategoryTransient, []string{
		"timeout", "timed out", "rate limit", "too many requests", "429",
		"connection refused", "connection reset", "temporarily unavailable",
		"503", "network",
	}},
	{types.CategoryExternal, []string{
		"upstream", "bad gateway", "502", "dns", "service unavailable",
		"dependency failed", "registry",
	}},
	{types.CategoryCode, []string{
		"compile", "syntax error", "test failed", "tests failed", "panic",
		"assertion", "lint", "build failed", "review rejected",
	}},
}

// Classify determines the failure category with a confidence score.
// Pre-classified errors are trusted at their stated confidence; otherwise
// the message is matched against known markers. An unmatched message is
// treated as transient at low confidence, which the decision logic then
// demotes to the conservative strategy.
func Classify(info ErrorInfo) Classification {
	if info.Category.IsValid() {
		conf := info.Confidence
		if conf == 0 {
			conf = 1.0
		}
		return Classification{Category: info.Category, Confidence: conf}
	}

	msg := strings.ToLower(info.Message)
	for _, group := range categoryMarkers {
		for _, marker := range group.markers {
			if strings.Contains(msg, marker) {
				return Classification{Category: group.category, Confidence: 0.9}
			}
		}
	}
	return Classification{Category: types.CategoryTransient, Confidence: 0.3}
}

// Decision records the outcome of a retry-or-hold evaluation, including the
// strategy snapshot persisted for observability.
type Decision struct {
	Retried    bool                `json:"retried"`
	Category   types.ErrorCategory `json:"category"`
	Confidence float64             `json:"confidence"`
	Strategy   types.RetryStrategy `json:"strategy"`
	Attempt    int                 `json:"attempt"`
	RetryAfter time.Time           `json:"retry_after,omitempty"`
	HoldReason string              `json:"hold_reason,omitempty"`
	Error      string              `json:"error"`
}

// Engine decides what happens to failed tickets.
type Engine struct {
	store      storage.Storage
	strategies map[types.ErrorCategory]types.RetryStrategy
}

// NewEngine creates a retry engine. Nil strategies use DefaultStrategies.
func NewEngine(store storage.Storage, strategies map[types.ErrorCategory]types.RetryStrategy) *Engine {
	if strategies == nil {
		strategies = DefaultStrategies()
	}
	return &Engine{store: store, strategies: strategies}
}

func (e *Engine) strategyFor(cls Classification) types.RetryStrategy {
	if cls.Confidence < minConfidence {
		return conservativeStrategy
	}
	if strat, ok := e.strategies[cls.Category]; ok {
		return strat
	}
	return conservativeStrategy
}

// RetryOrHold classifies the failure and either schedules a retry with
// backoff or parks the ticket on_hold. attempt = retry_count + 1; the ticket
// retries while attempt <= the strategy's max, so retry_count never exceeds
// the max before the hold transition. The classification and strategy
// snapshot land in the event metadata either way.
func (e *Engine) RetryOrHold(ctx context.Context, ticket *types.Ticket, info ErrorInfo) (*Decision, error) {
	cls := Classify(info)
	strat := e.strategyFor(cls)
	attempt := ticket.RetryCount + 1

	decision := &Decision{
		Category:   cls.Category,
		Confidence: cls.Confidence,
		Strategy:   strat,
		Attempt:    attempt,
		Error:      info.Message,
	}

	if cls.Category != types.CategoryFatal && attempt <= strat.MaxRetries {
		decision.Retried = true
		decision.RetryAfter = time.Now().UTC().Add(strat.Delay(attempt))
		meta, _ := json.Marshal(decision)
		if err := e.store.ScheduleRetry(ctx, ticket.ID, decision.RetryAfter, string(meta)); err != nil {
			return nil, fmt.Errorf("failed to schedule retry for %s: %w", ticket.ID, err)
		}
		telemetry.CountRetry(ctx, string(cls.Category))
		return decision, nil
	}

	if cls.Category == types.CategoryFatal {
		decision.HoldReason = fmt.Sprintf("fatal error, not retryable: %s", info.Message)
	} else {
		decision.HoldReason = fmt.Sprintf("retry budget exhausted: %s (%d/%d): %s",
			cls.Category, ticket.RetryCount, strat.MaxRetries, info.Message)
	}
	meta, _ := json.Marshal(decision)
	if err := e.store.Hold(ctx, ticket.ID, decision.HoldReason, string(meta)); err != nil {
		return nil, fmt.Errorf("failed to hold %s: %w", ticket.ID, err)
	}
	telemetry.CountHold(ctx, string(cls.Category))
	return decision, nil
}
