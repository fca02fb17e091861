package models

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseMergeTable_AllowList(t *testing.T) {
	cases := []struct {
		in      string
		want    MergeTable
		wantErr bool
	}{
		{"activities", MergeTableActivities, false},
		{"deals", MergeTableDeals, false},
		{"users", "", true},
		{"audit_entries", "", true},
		{"deals; DROP TABLE deals", "", true},
		{"Activities", "", true},
		{"", "", true},
	}
	for _, c := range cases {
		got, err := ParseMergeTable(c.in)
		if c.wantErr {
			if !errors.Is(err, ErrInvalidMergeTable) {
				t.Fatalf("ParseMergeTable(%q): expected ErrInvalidMergeTable, got %v", c.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseMergeTable(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("ParseMergeTable(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestMergeTable_UnmarshalRejectsUnknown(t *testing.T) {
	var req struct {
		Table MergeTable `json:"table"`
	}
	if err := json.Unmarshal([]byte(`{"table":"deals"}`), &req); err != nil {
		t.Fatalf("valid table rejected: %v", err)
	}
	if req.Table != MergeTableDeals {
		t.Fatalf("got %q", req.Table)
	}
	if err := json.Unmarshal([]byte(`{"table":"journal"}`), &req); err == nil {
		t.Fatal("unknown table accepted")
	}
	if err := json.Unmarshal([]byte(`{"table":1}`), &req); err == nil {
		t.Fatal("non-string table accepted")
	}
}

func TestDealStatus_UnmarshalValidation(t *testing.T) {
	var s DealStatus
	for _, ok := range []string{`"open"`, `"won"`, `"lost"`} {
		if err := json.Unmarshal([]byte(ok), &s); err != nil {
			t.Fatalf("valid status %s rejected: %v", ok, err)
		}
	}
	for _, bad := range []string{`"active"`, `"WON"`, `""`, `3`} {
		if err := json.Unmarshal([]byte(bad), &s); err == nil {
			t.Fatalf("invalid status %s accepted", bad)
		}
	}
}

func TestRecordStatus_EmptyMeansActive(t *testing.T) {
	var s RecordStatus
	if err := json.Unmarshal([]byte(`""`), &s); err != nil {
		t.Fatalf("empty record status rejected: %v", err)
	}
	if s != RecordStatusActive {
		t.Fatalf("expected active, got %q", s)
	}
	if err := json.Unmarshal([]byte(`"deleted"`), &s); err == nil {
		t.Fatal("unknown record status accepted")
	}
}

func TestIsKnownAuditAction(t *testing.T) {
	for _, known := range []AuditActionType{
		AuditActionAutoLinkHighConfidence,
		AuditActionManualLink,
		AuditActionCreateDealFromActivity,
		AuditActionRestoreMergedRecord,
		AuditActionMergeRecord,
		AuditActionError,
	} {
		if !IsKnownAuditAction(known) {
			t.Fatalf("%s should be known", known)
		}
	}
	if IsKnownAuditAction("BULK_REASSIGN") {
		t.Fatal("unknown action reported as known")
	}
	if IsKnownAuditAction("") {
		t.Fatal("empty action reported as known")
	}
}
