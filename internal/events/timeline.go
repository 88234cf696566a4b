// Package events records a per-session append-only timeline of engine
// decisions: stage transitions, barrier resolutions, retry routing. The
// timeline is advisory (losing it never blocks scheduling) and travels
// with the session when it is resumed under a new id.
package events

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultMaxLogSize caps a timeline file before rotation (10MB).
	DefaultMaxLogSize = 10 * 1024 * 1024
	logExtension      = ".jsonl"
	archiveDir        = "archive"
)

type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	SessionID string         `json:"session_id"`
	Stage     string         `json:"stage,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Timeline appends JSONL entries to one file per session, rotating to an
// archive directory when a file outgrows maxSize.
type Timeline struct {
	mu      sync.Mutex
	dir     string
	maxSize int64
}

func NewTimeline(dir string, maxSize int64) *Timeline {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}
	return &Timeline{dir: dir, maxSize: maxSize}
}

func (t *Timeline) Path(sessionID string) string {
	return filepath.Join(t.dir, sessionID+logExtension)
}

func (t *Timeline) Append(sessionID, eventType, stage string, details map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := os.MkdirAll(t.dir, 0755); err != nil {
		return fmt.Errorf("create timeline dir: %w", err)
	}

	path := t.Path(sessionID)
	if err := t.rotateIfNeeded(path); err != nil {
		return err
	}

	entry := Entry{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		SessionID: sessionID,
		Stage:     stage,
		Details:   details,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal timeline entry: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open timeline: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append timeline entry: %w", err)
	}
	return nil
}

func (t *Timeline) rotateIfNeeded(path string) error {
	stat, err := os.Stat(path)
	if err != nil || stat.Size() < t.maxSize {
		return nil
	}

	dir := filepath.Join(t.dir, archiveDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	archived := filepath.Join(dir, fmt.Sprintf("%s.%s%s",
		filepath.Base(path), time.Now().Format("20060102T150405"), logExtension))
	if err := os.Rename(path, archived); err != nil {
		return fmt.Errorf("rotate timeline: %w", err)
	}
	return nil
}

// CopyTo duplicates a session's timeline under a new session id, used when a
// session is resumed. Missing source is a no-op.
func (t *Timeline) CopyTo(oldID, newID string) error {
	src, err := os.Open(t.Path(oldID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open timeline %s: %w", oldID, err)
	}
	defer src.Close()

	if err := os.MkdirAll(t.dir, 0755); err != nil {
		return fmt.Errorf("create timeline dir: %w", err)
	}
	dst, err := os.Create(t.Path(newID))
	if err != nil {
		return fmt.Errorf("create timeline %s: %w", newID, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy timeline %s to %s: %w", oldID, newID, err)
	}
	return dst.Sync()
}

// Delete removes a session's timeline on teardown.
func (t *Timeline) Delete(sessionID string) error {
	if err := os.Remove(t.Path(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete timeline %s: %w", sessionID, err)
	}
	return nil
}
