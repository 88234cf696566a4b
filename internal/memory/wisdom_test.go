package memory

import (
	"os"
	"strings"
	"testing"
)

func TestAppendWisdom_PrefersBulletLines(t *testing.T) {
	m := testMemory(t)
	artifact := `# Review report

Some prose about the change.

- handler ignores context cancellation
- missing index on sessions table
- retry loop lacks backoff
`
	if err := m.AppendWisdom("s1", "REVIEW", artifact); err != nil {
		t.Fatal(err)
	}

	doc, ok := m.ReadWisdom("s1")
	if !ok {
		t.Fatal("wisdom missing")
	}
	if !strings.Contains(doc, "## REVIEW") {
		t.Error("stage header missing")
	}
	if !strings.Contains(doc, "- handler ignores context cancellation") {
		t.Error("bullet summary missing")
	}
	if strings.Contains(doc, "Some prose") {
		t.Error("prose must not be included when bullets exist")
	}
}

func TestAppendWisdom_FallbackToPlainLines(t *testing.T) {
	m := testMemory(t)
	artifact := `# QA report

All checks passed on the staging environment.
No regressions found.
`
	if err := m.AppendWisdom("s1", "QA", artifact); err != nil {
		t.Fatal(err)
	}
	doc, _ := m.ReadWisdom("s1")
	if !strings.Contains(doc, "All checks passed") {
		t.Errorf("fallback summary missing: %q", doc)
	}
	if strings.Contains(doc, "# QA report") {
		t.Error("headings must be excluded from the fallback summary")
	}
}

func TestAppendWisdom_EmptyArtifactIsNoOp(t *testing.T) {
	m := testMemory(t)
	if err := m.AppendWisdom("s1", "TEST", "\n\n# only a heading\n"); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.ReadWisdom("s1"); ok {
		t.Error("no wisdom file should exist for an empty summary")
	}
}

func TestAppendWisdom_OnDiskLedgerStaysCapped(t *testing.T) {
	m := testMemory(t) // document cap 200
	for i := 0; i < 20; i++ {
		if err := m.AppendWisdom("s1", "REVIEW", "- "+strings.Repeat("w", 160)); err != nil {
			t.Fatal(err)
		}
	}

	data, err := os.ReadFile(m.WisdomPath("s1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(data) > 200 {
		t.Errorf("on-disk ledger is %d bytes, cap is 200", len(data))
	}
	if !strings.HasPrefix(string(data), wisdomHeaderPrefix) {
		t.Error("kept window must start at a block header")
	}
	// The cap holds one full block here, so older blocks are gone entirely.
	if n := strings.Count(string(data), wisdomHeaderPrefix); n != 1 {
		t.Errorf("expected 1 surviving block, found %d", n)
	}
}

func TestReadWisdom_TruncatesOldestFirstAtBlockBoundary(t *testing.T) {
	m := testMemory(t) // read cap 200
	for _, stage := range []string{"REVIEW", "TEST", "QA", "E2E"} {
		if err := m.AppendWisdom("s1", stage, "- "+stage+" "+strings.Repeat("z", 50)); err != nil {
			t.Fatal(err)
		}
	}

	doc, ok := m.ReadWisdom("s1")
	if !ok {
		t.Fatal("wisdom missing")
	}
	if len(doc) > 200 {
		t.Errorf("read length %d exceeds cap 200", len(doc))
	}
	if !strings.Contains(doc, "## E2E") {
		t.Error("newest block must survive the read window")
	}
	if strings.Contains(doc, "## REVIEW") {
		t.Error("oldest block should fall outside the read window")
	}
	// The kept window starts at a block header, not mid-block.
	if !strings.HasPrefix(doc, "## ") {
		t.Errorf("window not aligned to a block boundary: %q", doc[:20])
	}
}
