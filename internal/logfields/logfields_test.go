package logfields

import (
	"errors"
	"log/slog"
	"testing"
)

// TestHelperKeyNames verifies string-based helper key/value stability.
func TestHelperKeyNames(t *testing.T) {
	cases := []struct {
		name    string
		attrKey string
		attrVal string
		attr    slog.Attr
	}{
		{"RunID", KeyRunID, "r-123", RunID("r-123")},
		{"Trigger", KeyTrigger, "schedule", Trigger("schedule")},
		{"Stage", KeyStage, "push", Stage("push")},
		{"Outcome", KeyOutcome, "success", Outcome("success")},
		{"Repository", KeyRepo, "calendar", Repository("calendar")},
		{"Branch", KeyBranch, "main", Branch("main")},
		{"URL", KeyURL, "http://example", URL("http://example")},
		{"Path", KeyPath, "/tmp/x", Path("/tmp/x")},
		{"EventUID", KeyEventUID, "1@x", EventUID("1@x")},
		{"Commit", KeyCommit, "abc123", Commit("abc123")},
	}

	for _, tc := range cases {
		if tc.attr.Key != tc.attrKey {
			// Key drift would break log ingestion schemas.
			t.Fatalf("%s: expected key %s, got %s", tc.name, tc.attrKey, tc.attr.Key)
		}
		if got := tc.attr.Value.String(); got != tc.attrVal {
			t.Fatalf("%s: expected value %s, got %v", tc.name, tc.attrVal, got)
		}
	}
}

// TestNumericHelpers verifies keys for numeric helpers.
func TestNumericHelpers(t *testing.T) {
	if v := Count(5); v.Key != KeyCount {
		t.Fatalf("Count key mismatch: %s", v.Key)
	}
	if v := Attempt(2); v.Key != KeyAttempt {
		t.Fatalf("Attempt key mismatch: %s", v.Key)
	}
	if v := DurationMS(12.5); v.Key != KeyDurationMS {
		t.Fatalf("DurationMS key mismatch: %s", v.Key)
	}
}

// TestErrorHelper ensures Error() handles nil and non-nil errors predictably.
func TestErrorHelper(t *testing.T) {
	attr := Error(nil)
	if attr.Key != KeyError {
		t.Fatalf("Error key mismatch: %s", attr.Key)
	}
	if attr.Value.String() != "" {
		t.Fatalf("expected empty error string, got %s", attr.Value.String())
	}
	attr = Error(errors.New("boom"))
	if attr.Value.String() != "boom" {
		t.Fatalf("expected 'boom', got %s", attr.Value.String())
	}
}
