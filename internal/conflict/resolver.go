package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stewardhq/steward/internal/types"
)

// Resolver applies a resolution strategy to a conflict, producing the
// canonical merged snapshot, and records the outcome in the registry.
type Resolver struct {
	registry *Registry
}

// NewResolver creates a Resolver writing resolutions to registry.
func NewResolver(registry *Registry) *Resolver {
	return &Resolver{registry: registry}
}

// Resolve applies strategy to the conflict and persists the resolution.
// userChoice requires the caller-supplied payload. Resolving an already
// resolved conflict is rejected with ErrConflictResolved.
func (r *Resolver) Resolve(ctx context.Context, conflict *types.ConflictRecord, strategy types.Strategy, userChoice map[string]any, resolvedBy string) (map[string]any, error) {
	if conflict.Resolved() {
		return nil, types.ErrConflictResolved
	}
	if !types.ValidStrategy(strategy) {
		return nil, fmt.Errorf("unknown strategy %q", strategy)
	}

	merged, err := Merge(conflict, strategy, userChoice)
	if err != nil {
		return nil, err
	}

	resolution := types.Resolution{
		Strategy:     strategy,
		ResolvedData: merged,
		ResolvedBy:   resolvedBy,
		ResolvedAt:   time.Now().UTC(),
	}
	if err := r.registry.MarkResolved(ctx, conflict.ID, resolution); err != nil {
		return nil, err
	}
	conflict.Resolution = &resolution

	slog.Info("conflict resolved",
		"component", "conflict",
		"conflict_id", conflict.ID,
		"collection", conflict.Collection,
		"target_id", conflict.TargetID,
		"strategy", string(strategy),
		"resolved_by", resolvedBy,
	)
	return merged, nil
}

// Merge computes the canonical merged snapshot for a strategy without
// touching the registry. The orchestrator uses it for automatic minor-level
// resolutions during a drain.
func Merge(conflict *types.ConflictRecord, strategy types.Strategy, userChoice map[string]any) (map[string]any, error) {
	switch strategy {
	case types.StrategyLastWriteWins, types.StrategyKeepRemote:
		return types.CloneAttributes(conflict.RemoteSnapshot), nil

	case types.StrategyKeepLocal:
		return types.CloneAttributes(conflict.LocalSnapshot), nil

	case types.StrategyUserChoice:
		if userChoice == nil {
			return nil, types.ErrUserChoiceRequired
		}
		return types.CloneAttributes(userChoice), nil

	case types.StrategyMergeFields:
		return mergeFields(conflict), nil
	}
	return nil, fmt.Errorf("unknown strategy %q", strategy)
}

// mergeFields starts from the remote snapshot and overlays local values on
// non-critical fields. Critical fields always keep the remote value.
func mergeFields(conflict *types.ConflictRecord) map[string]any {
	schema, _ := types.SchemaFor(conflict.Collection)
	merged := types.CloneAttributes(conflict.RemoteSnapshot)
	for k, v := range conflict.LocalSnapshot {
		if k == "id" || schema.IsCritical(k) {
			continue
		}
		merged[k] = v
	}
	return merged
}
