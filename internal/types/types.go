package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SyncStatus tracks where a record sits in the sync lifecycle.
type SyncStatus string

const (
	StatusPending    SyncStatus = "pending"
	StatusSyncing    SyncStatus = "syncing"
	StatusSynced     SyncStatus = "synced"
	StatusConflicted SyncStatus = "conflicted"
)

// TempIDPrefix marks locally assigned ids that have not yet been replaced
// by a server-assigned id.
const TempIDPrefix = "tmp_"

// IsTempID reports whether id was assigned locally while offline.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Record is the envelope around a cached entity: its attribute snapshot plus
// the sync metadata the replica and orchestrator maintain.
type Record struct {
	ID               string         `json:"id"`
	Collection       string         `json:"collection"`
	Attributes       map[string]any `json:"attributes"`
	LocalRevisionAt  time.Time      `json:"local_revision_at"`
	ServerRevisionAt time.Time      `json:"server_revision_at"`
	SyncStatus       SyncStatus     `json:"sync_status"`
}

// Operation identifies the kind of write a pending action carries.
type Operation string

const (
	OpCreate       Operation = "create"
	OpUpdate       Operation = "update"
	OpDelete       Operation = "delete"
	OpUploadBinary Operation = "uploadBinary"
)

// PendingAction is a durable outbox entry: a write that could not reach the
// remote store when it was issued.
type PendingAction struct {
	ID         string         `json:"id"`
	Operation  Operation      `json:"operation"`
	Collection string         `json:"collection"`
	TargetID   string         `json:"target_id"`
	Payload    map[string]any `json:"payload,omitempty"`
	Attempts   int            `json:"attempts"`
	LastError  string         `json:"last_error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Classification grades how badly a local and remote snapshot diverge.
type Classification string

const (
	ClassNone       Classification = "none"
	ClassMinor      Classification = "minor"
	ClassCritical   Classification = "critical"
	ClassStructural Classification = "structural"
)

// Strategy names a conflict resolution strategy.
type Strategy string

const (
	StrategyLastWriteWins Strategy = "lastWriteWins"
	StrategyMergeFields   Strategy = "mergeFields"
	StrategyUserChoice    Strategy = "userChoice"
	StrategyKeepLocal     Strategy = "keepLocal"
	StrategyKeepRemote    Strategy = "keepRemote"
)

// ValidStrategy reports whether s is a known resolution strategy.
func ValidStrategy(s Strategy) bool {
	switch s {
	case StrategyLastWriteWins, StrategyMergeFields, StrategyUserChoice,
		StrategyKeepLocal, StrategyKeepRemote:
		return true
	}
	return false
}

// Resolution records how and by whom a conflict was settled.
type Resolution struct {
	Strategy     Strategy       `json:"strategy"`
	ResolvedData map[string]any `json:"resolved_data,omitempty"`
	ResolvedBy   string         `json:"resolved_by"`
	ResolvedAt   time.Time      `json:"resolved_at"`
}

// ConflictRecord captures a detected divergence between a local edit and the
// authoritative remote state. It stays in the active set until resolved and
// is retained afterwards for the audit window.
type ConflictRecord struct {
	ID                string         `json:"id"`
	Collection        string         `json:"collection"`
	TargetID          string         `json:"target_id"`
	Classification    Classification `json:"classification"`
	LocalSnapshot     map[string]any `json:"local_snapshot"`
	RemoteSnapshot    map[string]any `json:"remote_snapshot"`
	LocalAt           time.Time      `json:"local_at"`
	RemoteAt          time.Time      `json:"remote_at"`
	SuggestedStrategy Strategy       `json:"suggested_strategy"`
	DetectedAt        time.Time      `json:"detected_at"`
	Resolution        *Resolution    `json:"resolution,omitempty"`
}

// Resolved reports whether the conflict has already been settled.
func (c *ConflictRecord) Resolved() bool {
	return c.Resolution != nil
}

// Role identifies a caller's position in the organizational hierarchy.
// Visibility filtering keys off it; it never changes what is cached.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleLeader Role = "leader"
	RoleClerk  Role = "clerk"
	RoleMember Role = "member"
)

// Entity is implemented by every typed collection entity.
type Entity interface {
	EntityID() string
	CollectionName() string
}

// UnitLevel places a unit in the organizational hierarchy.
type UnitLevel string

const (
	LevelDistrict UnitLevel = "district"
	LevelParish   UnitLevel = "parish"
	LevelBranch   UnitLevel = "branch"
)

// Unit is one node of the organizational hierarchy.
type Unit struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	ParentID string    `json:"parentId,omitempty"`
	Level    UnitLevel `json:"level"`
	LeaderID string    `json:"leaderId,omitempty"`
	Status   string    `json:"status"`
}

func (u Unit) EntityID() string       { return u.ID }
func (u Unit) CollectionName() string { return CollectionUnits }

// Member belongs to exactly one unit.
type Member struct {
	ID       string `json:"id"`
	UnitID   string `json:"unitId"`
	FullName string `json:"fullName"`
	Phone    string `json:"phone,omitempty"`
	Role     string `json:"role"`
	Status   string `json:"status"`
	Notes    string `json:"notes,omitempty"`
}

func (m Member) EntityID() string       { return m.ID }
func (m Member) CollectionName() string { return CollectionMembers }

// Report is a periodic unit report. ReportDate is a calendar day; together
// with UnitID it forms the natural key used for duplicate detection.
type Report struct {
	ID              string  `json:"id"`
	UnitID          string  `json:"unitId"`
	ReportDate      string  `json:"reportDate"` // YYYY-MM-DD
	OfferingAmount  float64 `json:"offeringAmount"`
	AttendanceCount int     `json:"attendanceCount"`
	Approved        bool    `json:"approved"`
	ApprovedBy      string  `json:"approvedBy,omitempty"`
	Notes           string  `json:"notes,omitempty"`
	SubmittedBy     string  `json:"submittedBy,omitempty"`
}

func (r Report) EntityID() string       { return r.ID }
func (r Report) CollectionName() string { return CollectionReports }

// Attributes converts an entity to the map form the conflict engine and the
// wire protocol operate on. The round-trip through JSON keeps field naming
// consistent with the remote store's representation.
func Attributes(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal entity: %w", err)
	}
	var attrs map[string]any
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil, fmt.Errorf("unmarshal entity attributes: %w", err)
	}
	return attrs, nil
}

// FromAttributes decodes an attribute map back into a typed entity.
func FromAttributes[T any](attrs map[string]any) (T, error) {
	var v T
	data, err := json.Marshal(attrs)
	if err != nil {
		return v, fmt.Errorf("marshal attributes: %w", err)
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode attributes: %w", err)
	}
	return v, nil
}

// CloneAttributes returns a shallow copy of attrs. Callers that filter or
// merge snapshots work on copies so cached records are never mutated.
func CloneAttributes(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
