package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const wisdomHeaderPrefix = "## "

func (m *Memory) WisdomPath(sessionID string) string {
	return filepath.Join(m.root, "memory", sessionID, "wisdom.md")
}

// AppendWisdom records one block for a completed quality stage, summarized
// from the stage's produced artifact text: up to 5 bullet-point lines, or,
// when no bullets exist, the first few non-heading lines. The block body is
// capped at WisdomStageChars; the whole document is capped at WisdomReadChars
// by dropping the oldest complete blocks, so the on-disk ledger never grows
// past the cap no matter how many stages report in.
func (m *Memory) AppendWisdom(sessionID, stage, artifactText string) error {
	summary := summarizeArtifact(artifactText, m.cfg.WisdomStageChars, m.cfg.WisdomFallbackChars)
	if summary == "" {
		return nil
	}

	path := m.WisdomPath(sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}

	block := fmt.Sprintf("%s%s - %s\n\n%s\n", wisdomHeaderPrefix, stage,
		time.Now().UTC().Format(time.RFC3339), summary)

	existing, _ := os.ReadFile(path)
	doc := string(existing)
	if doc != "" && !strings.HasSuffix(doc, "\n") {
		doc += "\n"
	}
	doc += block

	doc = dropOldestBlocks(doc, wisdomHeaderPrefix, m.cfg.WisdomReadChars)
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		return fmt.Errorf("write wisdom: %w", err)
	}
	return nil
}

// ReadWisdom returns the ledger truncated to WisdomReadChars, dropping the
// oldest content first, at a block boundary where one exists in the kept
// window. Writes already hold the document under the cap; the read-side
// window remains for ledgers written before capping applied on append.
func (m *Memory) ReadWisdom(sessionID string) (string, bool) {
	data, err := os.ReadFile(m.WisdomPath(sessionID))
	if err != nil {
		return "", false
	}
	doc := string(data)
	max := m.cfg.WisdomReadChars
	if max <= 0 || len(doc) <= max {
		return doc, true
	}

	window := doc[len(doc)-max:]
	if idx := strings.Index(window, "\n"+wisdomHeaderPrefix); idx >= 0 {
		return window[idx+1:], true
	}
	return window, true
}

func summarizeArtifact(text string, stageCap, fallbackCap int) string {
	lines := strings.Split(text, "\n")

	var bullets []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") {
			bullets = append(bullets, trimmed)
			if len(bullets) == 5 {
				break
			}
		}
	}
	if len(bullets) > 0 {
		return truncate(strings.Join(bullets, "\n"), stageCap)
	}

	// No bullets: first few non-heading lines, then the stage cap on top.
	var plain []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		plain = append(plain, trimmed)
		if len(plain) == 3 {
			break
		}
	}
	if len(plain) == 0 {
		return ""
	}
	return truncate(truncate(strings.Join(plain, " "), fallbackCap), stageCap)
}
