// Package history persists a per-user log of pipeline runs as JSON lines.
// The log feeds conversational context back into prompt building and powers
// the shell's history command.
package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Entry is one completed (or rejected) pipeline run.
type Entry struct {
	ID         string        `json:"id"`
	Question   string        `json:"question"`
	Mode       string        `json:"mode"`
	SQL        string        `json:"sql,omitempty"`
	Database   string        `json:"database,omitempty"`
	Allowed    bool          `json:"allowed"`
	Stage      string        `json:"stage"`
	RowCount   int64         `json:"row_count"`
	Duration   time.Duration `json:"duration_ns"`
	ExecutedAt time.Time     `json:"executed_at"`
}

// Log is an append-only JSONL file. Appends are single-writer per session,
// so no file locking is needed.
type Log struct {
	path string
}

func NewLog(path string) *Log {
	return &Log{path: path}
}

// Append assigns the entry an ID and timestamp if missing and writes it as
// one JSON line.
func (l *Log) Append(entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.ExecutedAt.IsZero() {
		entry.ExecutedAt = time.Now().UTC()
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open history log: %w", err)
	}
	defer func() { _ = f.Close() }()

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode history entry: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append history entry: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest last. Corrupt lines are
// skipped rather than failing the whole read.
func (l *Log) Recent(limit int) ([]Entry, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open history log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read history log: %w", err)
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}
