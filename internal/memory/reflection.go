// Package memory holds the engine's advisory textual memory: per-stage
// failure retrospectives (reflection) and a cross-stage running summary
// (wisdom). Both are best-effort; callers explicitly discard write errors,
// because losing advisory memory must never block scheduling progress.
package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ryu111/stagehand/internal/model"
)

const roundHeaderPrefix = "## Round "

// Memory reads and writes the markdown memory documents under
// <root>/memory/.
type Memory struct {
	root string
	cfg  model.MemoryConfig
}

func New(root string, cfg model.MemoryConfig) *Memory {
	return &Memory{root: root, cfg: cfg}
}

func (m *Memory) ReflectionPath(sessionID, stage string) string {
	return filepath.Join(m.root, "memory", sessionID, "reflection-"+stage+".md")
}

// AppendReflection records one retrospective round for a failed quality
// stage. The round body is capped at ReflectionRoundChars (truncated with an
// ellipsis); the whole document is capped at ReflectionMaxChars by dropping
// the oldest complete rounds; a round is never split.
func (m *Memory) AppendReflection(sessionID, stage string, round int, text string) error {
	path := m.ReflectionPath(sessionID, stage)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}

	body := truncate(strings.TrimSpace(text), m.cfg.ReflectionRoundChars)
	block := fmt.Sprintf("%s%d - %s\n\n%s\n", roundHeaderPrefix, round,
		time.Now().UTC().Format(time.RFC3339), body)

	existing, _ := os.ReadFile(path)
	doc := string(existing)
	if doc != "" && !strings.HasSuffix(doc, "\n") {
		doc += "\n"
	}
	doc += block

	doc = dropOldestBlocks(doc, roundHeaderPrefix, m.cfg.ReflectionMaxChars)
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		return fmt.Errorf("write reflection: %w", err)
	}
	return nil
}

// ReadReflection returns the raw reflection text for a stage, or false when
// absent.
func (m *Memory) ReadReflection(sessionID, stage string) (string, bool) {
	data, err := os.ReadFile(m.ReflectionPath(sessionID, stage))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// DeleteReflection removes a stage's reflection once it passes on a later
// attempt.
func (m *Memory) DeleteReflection(sessionID, stage string) error {
	if err := os.Remove(m.ReflectionPath(sessionID, stage)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete reflection: %w", err)
	}
	return nil
}

// DeleteSession removes all of a session's memory documents on teardown.
func (m *Memory) DeleteSession(sessionID string) error {
	if err := os.RemoveAll(filepath.Join(m.root, "memory", sessionID)); err != nil {
		return fmt.Errorf("delete session memory: %w", err)
	}
	return nil
}

// dropOldestBlocks trims the document to maxChars by removing whole
// header-delimited blocks from the front. The newest block always survives,
// even if it alone exceeds the cap.
func dropOldestBlocks(doc, headerPrefix string, maxChars int) string {
	if maxChars <= 0 || len(doc) <= maxChars {
		return doc
	}
	blocks := splitBlocks(doc, headerPrefix)
	for len(blocks) > 1 && totalLen(blocks) > maxChars {
		blocks = blocks[1:]
	}
	return strings.Join(blocks, "")
}

func splitBlocks(doc, headerPrefix string) []string {
	var blocks []string
	remaining := doc
	for {
		idx := strings.Index(remaining[1:], "\n"+headerPrefix)
		if idx < 0 {
			blocks = append(blocks, remaining)
			return blocks
		}
		cut := idx + 2 // past the newline, at the header
		blocks = append(blocks, remaining[:cut])
		remaining = remaining[cut:]
	}
}

func totalLen(blocks []string) int {
	n := 0
	for _, b := range blocks {
		n += len(b)
	}
	return n
}

// truncate caps s at max bytes, replacing the tail with an ellipsis. The cut
// lands on a rune boundary so multi-byte text is never split mid-rune.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 1 {
		return "…"
	}
	cut := max - 1
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
