package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// engineMetrics holds lazily-initialized instruments for ticket lifecycle
// counters.
var engineMetrics struct {
	claims    metric.Int64Counter
	conflicts metric.Int64Counter
	reclaims  metric.Int64Counter
	retries   metric.Int64Counter
	holds     metric.Int64Counter
	verdicts  metric.Int64Counter
}

var engineMetricsOnce sync.Once

func initEngineMetrics() {
	m := Meter(instrumentationScope + "/engine")
	engineMetrics.claims, _ = m.Int64Counter("swarm.tickets.claimed",
		metric.WithDescription("Tickets successfully claimed"))
	engineMetrics.conflicts, _ = m.Int64Counter("swarm.tickets.claim_conflicts",
		metric.WithDescription("Claim attempts lost to another worker"))
	engineMetrics.reclaims, _ = m.Int64Counter("swarm.tickets.reclaimed",
		metric.WithDescription("Stale claims returned to the pool"))
	engineMetrics.retries, _ = m.Int64Counter("swarm.tickets.retries_scheduled",
		metric.WithDescription("Retries scheduled by the retry policy engine"))
	engineMetrics.holds, _ = m.Int64Counter("swarm.tickets.held",
		metric.WithDescription("Tickets parked on_hold after budget exhaustion"))
	engineMetrics.verdicts, _ = m.Int64Counter("swarm.review.verdicts",
		metric.WithDescription("Verification gate verdicts by decision"))
}

// CountClaim records a successful claim.
func CountClaim(ctx context.Context) {
	engineMetricsOnce.Do(initEngineMetrics)
	engineMetrics.claims.Add(ctx, 1)
}

// CountClaimConflict records a claim lost to contention.
func CountClaimConflict(ctx context.Context) {
	engineMetricsOnce.Do(initEngineMetrics)
	engineMetrics.conflicts.Add(ctx, 1)
}

// CountReclaims records stale claims reaped in one pass.
func CountReclaims(ctx context.Context, n int) {
	engineMetricsOnce.Do(initEngineMetrics)
	engineMetrics.reclaims.Add(ctx, int64(n))
}

// CountRetry records a scheduled retry for the given error category.
func CountRetry(ctx context.Context, category string) {
	engineMetricsOnce.Do(initEngineMetrics)
	engineMetrics.retries.Add(ctx, 1,
		metric.WithAttributes(attribute.String("category", category)))
}

// CountHold records a ticket moved to on_hold.
func CountHold(ctx context.Context, category string) {
	engineMetricsOnce.Do(initEngineMetrics)
	engineMetrics.holds.Add(ctx, 1,
		metric.WithAttributes(attribute.String("category", category)))
}

// CountVerdict records a verification gate decision.
func CountVerdict(ctx context.Context, decision string) {
	engineMetricsOnce.Do(initEngineMetrics)
	engineMetrics.verdicts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("decision", decision)))
}
