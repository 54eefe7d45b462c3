package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestAttributes_RoundTrip(t *testing.T) {
	report := Report{
		ID:              "r1",
		UnitID:          "u1",
		ReportDate:      "2026-03-01",
		OfferingAmount:  1250.50,
		AttendanceCount: 42,
		Approved:        true,
		ApprovedBy:      "m9",
		Notes:           "easter service",
	}

	attrs, err := Attributes(report)
	if err != nil {
		t.Fatalf("Attributes failed: %v", err)
	}
	if attrs["unitId"] != "u1" {
		t.Errorf("unitId = %v, want u1", attrs["unitId"])
	}
	if attrs["offeringAmount"] != 1250.50 {
		t.Errorf("offeringAmount = %v, want 1250.50", attrs["offeringAmount"])
	}

	decoded, err := FromAttributes[Report](attrs)
	if err != nil {
		t.Fatalf("FromAttributes failed: %v", err)
	}
	if decoded != report {
		t.Errorf("round-trip mismatch: got %+v, want %+v", decoded, report)
	}
}

func TestCloneAttributes_Independent(t *testing.T) {
	orig := map[string]any{"notes": "a", "offeringAmount": 10.0}
	clone := CloneAttributes(orig)
	clone["notes"] = "b"

	if orig["notes"] != "a" {
		t.Errorf("clone mutation leaked into original: %v", orig["notes"])
	}
}

func TestSchemaFor_KnownCollections(t *testing.T) {
	for _, name := range Collections() {
		s, ok := SchemaFor(name)
		if !ok {
			t.Fatalf("SchemaFor(%q) missing", name)
		}
		if s.Collection != name {
			t.Errorf("schema collection = %q, want %q", s.Collection, name)
		}
		if s.CacheTTL <= 0 || s.CacheCap <= 0 {
			t.Errorf("%s: cache policy not set: ttl=%v cap=%d", name, s.CacheTTL, s.CacheCap)
		}
	}

	if _, ok := SchemaFor("unknown"); ok {
		t.Error("SchemaFor(unknown) should not resolve")
	}
}

func TestSchema_IsCritical(t *testing.T) {
	reports, _ := SchemaFor(CollectionReports)

	tests := []struct {
		field string
		want  bool
	}{
		{"offeringAmount", true},
		{"attendanceCount", true},
		{"approved", true},
		{"approvedBy", true},
		{"notes", false},
		{"submittedBy", false},
	}

	for _, tt := range tests {
		if got := reports.IsCritical(tt.field); got != tt.want {
			t.Errorf("IsCritical(%q) = %v, want %v", tt.field, got, tt.want)
		}
	}
}

func TestSchema_NaturalKey(t *testing.T) {
	reports, _ := SchemaFor(CollectionReports)

	key, ok := reports.NaturalKey(map[string]any{
		"unitId":     "u1",
		"reportDate": "2026-03-01",
		"notes":      "ignored",
	})
	if !ok {
		t.Fatal("expected natural key")
	}
	if key["unitId"] != "u1" || key["reportDate"] != "2026-03-01" {
		t.Errorf("unexpected key: %v", key)
	}

	// Missing key field disables duplicate detection for the record.
	if _, ok := reports.NaturalKey(map[string]any{"unitId": "u1"}); ok {
		t.Error("incomplete attributes should not yield a natural key")
	}

	// Members have no natural key at all.
	members, _ := SchemaFor(CollectionMembers)
	if _, ok := members.NaturalKey(map[string]any{"unitId": "u1", "fullName": "x"}); ok {
		t.Error("members should not have a natural key")
	}
}

func TestSchema_ValidateAttributes(t *testing.T) {
	reports, _ := SchemaFor(CollectionReports)

	err := reports.ValidateAttributes(map[string]any{"unitId": "u1"})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.Field != "reportDate" {
		t.Errorf("failing field = %q, want reportDate", verr.Field)
	}

	if err := reports.ValidateAttributes(map[string]any{"unitId": "u1", "reportDate": "2026-03-01"}); err != nil {
		t.Errorf("valid attributes rejected: %v", err)
	}
}

func TestIsTempID(t *testing.T) {
	if !IsTempID("tmp_01HXK4") {
		t.Error("tmp_ prefix should be a temp id")
	}
	if IsTempID("01HXK4") {
		t.Error("server id misclassified as temp")
	}
}

func TestValidStrategy(t *testing.T) {
	for _, s := range []Strategy{StrategyLastWriteWins, StrategyMergeFields, StrategyUserChoice, StrategyKeepLocal, StrategyKeepRemote} {
		if !ValidStrategy(s) {
			t.Errorf("%s should be valid", s)
		}
	}
	if ValidStrategy("splitBrain") {
		t.Error("unknown strategy should be invalid")
	}
}

func TestTransientError_Unwrap(t *testing.T) {
	base := errors.New("connection refused")
	err := fmt.Errorf("drain item: %w", &TransientError{Op: "remote.create", Err: base})

	if !IsTransient(err) {
		t.Error("wrapped TransientError not detected")
	}
	if !errors.Is(err, base) {
		t.Error("base error lost through wrapping")
	}

	if IsTransient(errors.New("plain")) {
		t.Error("plain error misclassified as transient")
	}
}

func TestConflictRecord_Resolved(t *testing.T) {
	c := &ConflictRecord{ID: "c1"}
	if c.Resolved() {
		t.Error("fresh conflict should not be resolved")
	}
	c.Resolution = &Resolution{Strategy: StrategyKeepRemote, ResolvedBy: "m1"}
	if !c.Resolved() {
		t.Error("resolution not detected")
	}
}
