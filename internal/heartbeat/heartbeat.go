// Package heartbeat keeps worker claims alive. A worker that stops renewing
// loses its tickets to the reaper; a worker that keeps renewing holds them
// indefinitely, up to the absolute claim timeout.
package heartbeat

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/corynaegle-ai/swarm-engine/internal/storage"
)

// DefaultInterval is how often a monitor renews its worker's claims.
const DefaultInterval = 30 * time.Second

// Monitor periodically renews the heartbeat on every ticket a worker holds.
type Monitor struct {
	store    storage.Storage
	workerID string
	interval time.Duration
}

// NewMonitor creates a heartbeat monitor for workerID. interval <= 0 uses
// DefaultInterval.
func NewMonitor(store storage.Storage, workerID string, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{store: store, workerID: workerID, interval: interval}
}

// Run renews heartbeats on a fixed cadence until the context is cancelled.
// Renewal errors are logged and retried on the next tick; a storage blip
// must not kill the loop, since losing the loop is what loses the claims.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Beat(ctx); err != nil {
				log.Printf("heartbeat: renewal for %s failed: %v", m.workerID, err)
			}
		}
	}
}

// Beat renews once and returns how many claims were touched.
func (m *Monitor) Beat(ctx context.Context) (int, error) {
	n, err := m.store.RenewHeartbeats(ctx, m.workerID)
	if err != nil {
		return 0, fmt.Errorf("failed to renew heartbeats for %s: %w", m.workerID, err)
	}
	return n, nil
}
