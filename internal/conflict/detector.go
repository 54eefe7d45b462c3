// Package conflict implements divergence detection and resolution between
// local edits and the authoritative remote state, plus the durable registry
// that holds conflicts until a decision is made.
package conflict

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stewardhq/steward/internal/types"
)

// Detector classifies divergence between a local and remote snapshot of the
// same entity.
//
// Detection is a value-equality heuristic over wall-clock timestamps, not a
// causal comparison: it cannot distinguish genuine recency from clock skew.
// A byte-identical re-send never registers as a conflict.
type Detector struct{}

// NewDetector creates a Detector.
func NewDetector() *Detector {
	return &Detector{}
}

// Detect compares snapshots and returns a ConflictRecord when they diverge,
// nil when they do not. A strictly newer local edit short-circuits: recency
// alone resolves the common non-concurrent case.
func (d *Detector) Detect(id, collection string, local, remote map[string]any, localAt, remoteAt time.Time) (*types.ConflictRecord, error) {
	schema, ok := types.SchemaFor(collection)
	if !ok {
		return nil, fmt.Errorf("unknown collection %q", collection)
	}

	if localAt.After(remoteAt) {
		return nil, nil
	}

	classification := classify(schema, local, remote)
	if classification == types.ClassNone {
		return nil, nil
	}

	return &types.ConflictRecord{
		ID:                ulid.Make().String(),
		Collection:        collection,
		TargetID:          id,
		Classification:    classification,
		LocalSnapshot:     types.CloneAttributes(local),
		RemoteSnapshot:    types.CloneAttributes(remote),
		LocalAt:           localAt,
		RemoteAt:          remoteAt,
		SuggestedStrategy: suggest(schema, classification),
		DetectedAt:        time.Now().UTC(),
	}, nil
}

// classify diffs the union of keys present in either snapshot by value
// equality. The id field is excluded: a temp-id local snapshot compared
// against its server-assigned twin is not a divergence.
func classify(schema types.Schema, local, remote map[string]any) types.Classification {
	keys := make(map[string]struct{}, len(local)+len(remote))
	for k := range local {
		keys[k] = struct{}{}
	}
	for k := range remote {
		keys[k] = struct{}{}
	}
	delete(keys, "id")

	result := types.ClassNone
	for k := range keys {
		lv, lok := local[k]
		rv, rok := remote[k]
		if lok && rok && !equalValue(lv, rv) && typeMismatch(lv, rv) {
			// Same field carrying structurally different data is worse
			// than a value disagreement.
			return types.ClassStructural
		}
		if lok && rok && equalValue(lv, rv) {
			continue
		}
		if schema.IsCritical(k) {
			result = types.ClassCritical
			continue
		}
		if result == types.ClassNone {
			result = types.ClassMinor
		}
	}
	return result
}

// suggest maps a classification to the default resolution strategy.
func suggest(schema types.Schema, c types.Classification) types.Strategy {
	switch c {
	case types.ClassCritical, types.ClassStructural:
		return types.StrategyUserChoice
	case types.ClassMinor:
		if schema.ReportLike {
			return types.StrategyMergeFields
		}
		return types.StrategyLastWriteWins
	}
	return types.StrategyLastWriteWins
}

// equalValue compares by canonical JSON encoding, which normalizes numeric
// representations and nested structures from either decoding path.
func equalValue(a, b any) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// typeMismatch reports whether two present values carry different JSON types.
func typeMismatch(a, b any) bool {
	if a == nil || b == nil {
		return false
	}
	return jsonKind(a) != jsonKind(b)
}

func jsonKind(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case float64, float32, int, int64:
		return "number"
	case bool:
		return "bool"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	}
	return "other"
}
