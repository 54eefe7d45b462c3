package types

import "time"

// Collection names. These match the remote store's collection paths.
const (
	CollectionUnits   = "units"
	CollectionMembers = "members"
	CollectionReports = "reports"
)

// Schema declares the sync-relevant shape of a collection in one place:
// which fields are critical, which fields form the natural key used for
// duplicate detection, and the replica cache policy for the type.
type Schema struct {
	Collection string

	// CriticalFields are attributes whose divergence must never be silently
	// overwritten by the losing side of a conflict.
	CriticalFields []string

	// NaturalKeyFields identify a logical record independent of its id.
	// Empty means the collection has no duplicate-detection key.
	NaturalKeyFields []string

	// ReportLike collections prefer field merging over last-write-wins for
	// minor conflicts.
	ReportLike bool

	// RequiredFields are validated before a write is accepted or queued.
	RequiredFields []string

	// CacheTTL is the maximum replica entry age before eviction.
	CacheTTL time.Duration

	// CacheCap bounds the number of replica entries for the collection.
	CacheCap int
}

var schemas = map[string]Schema{
	CollectionUnits: {
		Collection:     CollectionUnits,
		CriticalFields: []string{"leaderId", "status"},
		RequiredFields: []string{"name", "level"},
		CacheTTL:       7 * 24 * time.Hour,
		CacheCap:       500,
	},
	CollectionMembers: {
		Collection:     CollectionMembers,
		CriticalFields: []string{"role", "status", "unitId"},
		RequiredFields: []string{"unitId", "fullName"},
		CacheTTL:       72 * time.Hour,
		CacheCap:       5000,
	},
	CollectionReports: {
		Collection:       CollectionReports,
		CriticalFields:   []string{"offeringAmount", "attendanceCount", "approved", "approvedBy"},
		NaturalKeyFields: []string{"unitId", "reportDate"},
		ReportLike:       true,
		RequiredFields:   []string{"unitId", "reportDate"},
		CacheTTL:         30 * 24 * time.Hour,
		CacheCap:         2000,
	},
}

// SchemaFor returns the schema for a collection.
func SchemaFor(collection string) (Schema, bool) {
	s, ok := schemas[collection]
	return s, ok
}

// Collections returns all known collection names.
func Collections() []string {
	return []string{CollectionUnits, CollectionMembers, CollectionReports}
}

// IsCritical reports whether field belongs to the schema's critical set.
func (s Schema) IsCritical(field string) bool {
	for _, f := range s.CriticalFields {
		if f == field {
			return true
		}
	}
	return false
}

// NaturalKey extracts the natural key values from an attribute snapshot.
// Returns false when any key field is missing or empty, in which case
// duplicate detection is skipped for the record.
func (s Schema) NaturalKey(attrs map[string]any) (map[string]string, bool) {
	if len(s.NaturalKeyFields) == 0 {
		return nil, false
	}
	key := make(map[string]string, len(s.NaturalKeyFields))
	for _, f := range s.NaturalKeyFields {
		v, ok := attrs[f].(string)
		if !ok || v == "" {
			return nil, false
		}
		key[f] = v
	}
	return key, true
}

// ValidateAttributes rejects writes missing required fields before they are
// committed or queued.
func (s Schema) ValidateAttributes(attrs map[string]any) error {
	for _, f := range s.RequiredFields {
		v, ok := attrs[f]
		if !ok || v == nil || v == "" {
			return &ValidationError{Field: f, Message: "is required"}
		}
	}
	return nil
}
