package syncer

import (
	"context"
	"log/slog"
	"time"

	"github.com/stewardhq/steward/internal/conflict"
	"github.com/stewardhq/steward/internal/replica"
)

// Maintainer periodically evicts stale replica entries and purges resolved
// conflicts that have aged out of the audit window.
type Maintainer struct {
	replica     *replica.Store
	registry    *conflict.Registry
	interval    time.Duration
	auditWindow time.Duration

	now func() time.Time
}

// NewMaintainer creates a maintenance worker.
func NewMaintainer(rep *replica.Store, registry *conflict.Registry, interval, auditWindow time.Duration) *Maintainer {
	return &Maintainer{
		replica:     rep,
		registry:    registry,
		interval:    interval,
		auditWindow: auditWindow,
		now:         time.Now,
	}
}

// Run sweeps on an interval until ctx is cancelled. A sweep failing does not
// stop the loop.
func (m *Maintainer) Run(ctx context.Context) {
	slog.Info("maintenance worker started",
		"component", "maintenance",
		"interval", m.interval.String(),
		"audit_window", m.auditWindow.String(),
	)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("maintenance worker stopped",
				"component", "maintenance",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				slog.Error("maintenance sweep failed",
					"component", "maintenance",
					"error", err,
				)
			}
		}
	}
}

// Sweep runs one maintenance pass.
func (m *Maintainer) Sweep(ctx context.Context) error {
	expired, err := m.replica.EvictExpired(ctx)
	if err != nil {
		return err
	}

	overCap, err := m.replica.EvictOverCapacity(ctx)
	if err != nil {
		return err
	}

	cutoff := m.now().UTC().Add(-m.auditWindow)
	purged, err := m.registry.PurgeResolvedBefore(ctx, cutoff)
	if err != nil {
		return err
	}

	if expired+overCap+purged > 0 {
		slog.Info("maintenance sweep",
			"component", "maintenance",
			"expired", expired,
			"evicted", overCap,
			"conflicts_purged", purged,
		)
	}
	return nil
}
