package dispatch

import (
	"os"
	"path/filepath"
	"strings"
)

// QualitySignals are freshly collected external observations handed to
// quality-stage workers. A signal that cannot be collected degrades to nil;
// collection never aborts a dispatch.
type QualitySignals struct {
	TestsRunnable  *bool `json:"testsRunnable,omitempty"`
	LintConfigured *bool `json:"lintConfigured,omitempty"`
}

// SignalCollector inspects the project the workers operate on. Injected so
// tests can stub it out.
type SignalCollector interface {
	Collect(projectDir string) *QualitySignals
}

// FileSignalCollector derives signals from well-known project files.
type FileSignalCollector struct{}

func (FileSignalCollector) Collect(projectDir string) *QualitySignals {
	if projectDir == "" {
		return nil
	}
	out := &QualitySignals{}

	if runnable, ok := detectTestRunner(projectDir); ok {
		out.TestsRunnable = &runnable
	}
	if configured, ok := detectLinter(projectDir); ok {
		out.LintConfigured = &configured
	}
	if out.TestsRunnable == nil && out.LintConfigured == nil {
		return nil
	}
	return out
}

func detectTestRunner(dir string) (bool, bool) {
	if fileExists(filepath.Join(dir, "go.mod")) {
		return true, true
	}
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err == nil {
		return strings.Contains(string(data), `"test"`), true
	}
	if fileExists(filepath.Join(dir, "Makefile")) {
		content, err := os.ReadFile(filepath.Join(dir, "Makefile"))
		if err == nil {
			return strings.Contains(string(content), "\ntest:"), true
		}
	}
	return false, false
}

func detectLinter(dir string) (bool, bool) {
	candidates := []string{
		".golangci.yml", ".golangci.yaml",
		".eslintrc", ".eslintrc.json", ".eslintrc.js",
		"ruff.toml", ".flake8",
	}
	for _, name := range candidates {
		if fileExists(filepath.Join(dir, name)) {
			return true, true
		}
	}
	return false, false
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
