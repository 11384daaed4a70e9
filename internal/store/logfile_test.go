package store

import (
	"path/filepath"
	"testing"
)

func TestReplayLogMissingFileIsEmpty(t *testing.T) {
	calls := 0
	err := ReplayLog(filepath.Join(t.TempDir(), "absent.tsv"), func(string, string) { calls++ })
	if err != nil {
		t.Fatalf("missing log should not fail: %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no records, got %d", calls)
	}
}

func TestReplayLogRejectsEmptyLine(t *testing.T) {
	path := writeLog(t, "a\t1\n\nb\t2\n")
	err := ReplayLog(path, func(string, string) {})
	logErr, ok := err.(*LogError)
	if !ok || logErr.Line != 2 {
		t.Fatalf("expected LogError at line 2, got %v", err)
	}
}

func TestReplayLogEmptyKey(t *testing.T) {
	path := writeLog(t, "\tvalue\n")
	var gotKey, gotValue string
	if err := ReplayLog(path, func(k, v string) { gotKey, gotValue = k, v }); err != nil {
		t.Fatalf("replay error: %v", err)
	}
	if gotKey != "" || gotValue != "value" {
		t.Fatalf("unexpected record %q=%q", gotKey, gotValue)
	}
}
