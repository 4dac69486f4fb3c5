package history

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAppendAndRecentRoundTrip(t *testing.T) {
	log := NewLog(filepath.Join(t.TempDir(), "state", "history.jsonl"))

	entries := []Entry{
		{Question: "show all users", Mode: "strict", SQL: "SELECT * FROM users;", Allowed: true, Stage: "execute", RowCount: 3},
		{Question: "drop everything", Mode: "strict", SQL: "DROP TABLE users;", Allowed: false, Stage: "validate"},
	}
	for _, e := range entries {
		if err := log.Append(e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := log.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("entries = %d, want 2", len(got))
	}
	if got[0].Question != "show all users" || got[1].Question != "drop everything" {
		t.Fatalf("order wrong: %v", got)
	}
	for i, e := range got {
		if e.ID == "" {
			t.Fatalf("entry %d missing generated ID", i)
		}
		if e.ExecutedAt.IsZero() {
			t.Fatalf("entry %d missing timestamp", i)
		}
	}
	if got[1].Allowed {
		t.Fatal("rejected entry recorded as allowed")
	}
}

func TestRecentHonorsLimit(t *testing.T) {
	log := NewLog(filepath.Join(t.TempDir(), "history.jsonl"))
	for i := 0; i < 5; i++ {
		if err := log.Append(Entry{Question: string(rune('a' + i)), Mode: "strict"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	got, err := log.Recent(2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("entries = %d, want 2", len(got))
	}
	if got[0].Question != "d" || got[1].Question != "e" {
		t.Fatalf("not the newest entries: %v", got)
	}
}

func TestRecentMissingFileIsEmpty(t *testing.T) {
	log := NewLog(filepath.Join(t.TempDir(), "nope.jsonl"))
	got, err := log.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("entries = %d, want 0", len(got))
	}
}

func TestRecentSkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	log := NewLog(path)
	if err := log.Append(Entry{Question: "fine", Mode: "strict"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString("{not json\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = f.Close()
	if err := log.Append(Entry{Question: "also fine", Mode: "strict", ExecutedAt: time.Now()}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := log.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("entries = %d, want 2", len(got))
	}
}
