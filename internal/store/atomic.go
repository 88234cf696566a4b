// Package store provides crash-safe persistence for per-session documents.
// All durability in the engine flows through this package.
package store

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// writeSeq disambiguates temp files created within the same millisecond by
// the same process.
var writeSeq atomic.Int64

// AtomicWriteJSON marshals v and writes it to path so that no reader can
// observe a half-written document: content goes to a sibling temp file
// (unique per pid, timestamp, and an in-process counter), is fsynced, then
// renamed into place. On failure after the temp write, the temp file is
// removed and the original error is returned.
func AtomicWriteJSON(path string, v any) error {
	content, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("json marshal: %w", err)
	}
	return AtomicWriteRaw(path, content)
}

func AtomicWriteRaw(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmpName := fmt.Sprintf("%s.%d.%d.%d.tmp",
		path, os.Getpid(), time.Now().UnixMilli(), writeSeq.Add(1))

	f, err := os.OpenFile(tmpName, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	cleanup := func(orig error) error {
		_ = f.Close()
		_ = os.Remove(tmpName)
		return orig
	}

	if _, err := f.Write(content); err != nil {
		return cleanup(fmt.Errorf("write temp file: %w", err))
	}
	if err := f.Sync(); err != nil {
		return cleanup(fmt.Errorf("sync temp file: %w", err))
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

// Quarantine moves a corrupted file aside so the path becomes writable again
// while preserving the evidence.
func Quarantine(rootDir, filePath string) error {
	quarantineDir := filepath.Join(rootDir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return fmt.Errorf("create quarantine dir: %w", err)
	}

	baseName := filepath.Base(filePath)
	timestamp := time.Now().Format("20060102T150405")
	quarantinePath := filepath.Join(quarantineDir, fmt.Sprintf("%s.%s.corrupt", baseName, timestamp))

	if err := os.Rename(filePath, quarantinePath); err != nil {
		return fmt.Errorf("move to quarantine: %w", err)
	}

	log.Printf("quarantined corrupted file: %s -> %s", filePath, quarantinePath)
	return nil
}
