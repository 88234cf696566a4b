package events

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open timeline: %v", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("bad jsonl line %q: %v", scanner.Text(), err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestAppend_WritesJSONLInOrder(t *testing.T) {
	tl := NewTimeline(t.TempDir(), 0)

	if err := tl.Append("s1", "classified", "", map[string]any{"pipeline": "STANDARD"}); err != nil {
		t.Fatal(err)
	}
	if err := tl.Append("s1", "dispatched", "DEV", map[string]any{"agent": "builder"}); err != nil {
		t.Fatal(err)
	}

	entries := readEntries(t, tl.Path("s1"))
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].EventType != "classified" || entries[1].EventType != "dispatched" {
		t.Errorf("order wrong: %s, %s", entries[0].EventType, entries[1].EventType)
	}
	if entries[1].Stage != "DEV" {
		t.Errorf("stage = %q", entries[1].Stage)
	}
}

func TestAppend_RotatesOversizedFile(t *testing.T) {
	dir := t.TempDir()
	tl := NewTimeline(dir, 200)

	for i := 0; i < 10; i++ {
		if err := tl.Append("s1", "stage_complete", "REVIEW", map[string]any{"round": i}); err != nil {
			t.Fatal(err)
		}
	}

	archives, err := os.ReadDir(filepath.Join(dir, "archive"))
	if err != nil {
		t.Fatalf("no archive dir: %v", err)
	}
	if len(archives) == 0 {
		t.Error("expected at least one rotated file")
	}
	// The live file keeps accepting entries after rotation.
	if _, err := os.Stat(tl.Path("s1")); err != nil {
		t.Errorf("live timeline missing: %v", err)
	}
}

func TestCopyTo_DuplicatesForResumedSession(t *testing.T) {
	tl := NewTimeline(t.TempDir(), 0)
	if err := tl.Append("old", "classified", "", nil); err != nil {
		t.Fatal(err)
	}

	if err := tl.CopyTo("old", "new"); err != nil {
		t.Fatal(err)
	}
	entries := readEntries(t, tl.Path("new"))
	if len(entries) != 1 || entries[0].SessionID != "old" {
		t.Fatalf("copied entries = %+v", entries)
	}

	// Missing source is a no-op, not an error.
	if err := tl.CopyTo("ghost", "whatever"); err != nil {
		t.Errorf("copy of missing source: %v", err)
	}
}

func TestDelete_RemovesTimeline(t *testing.T) {
	tl := NewTimeline(t.TempDir(), 0)
	if err := tl.Append("s1", "classified", "", nil); err != nil {
		t.Fatal(err)
	}
	if err := tl.Delete("s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(tl.Path("s1")); !os.IsNotExist(err) {
		t.Error("timeline survived delete")
	}
	if err := tl.Delete("s1"); err != nil {
		t.Errorf("second delete: %v", err)
	}
}
