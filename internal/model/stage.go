// Package model defines the data structures for stagehand's session state,
// pipeline DAG, verdicts, and configuration.
package model

import "strings"

// Stage identifiers form a closed vocabulary. A stage id may carry a numeric
// suffix for repeated phases (DEV2, REVIEW3); the suffix is ignored for
// vocabulary and quality-set membership checks.

var implementationStages = map[string]bool{
	"PLAN":   true,
	"DESIGN": true,
	"DEV":    true,
	"FIX":    true,
	"DOCS":   true,
}

var qualityStages = map[string]bool{
	"REVIEW": true,
	"TEST":   true,
	"QA":     true,
	"E2E":    true,
}

// BaseStage strips a trailing numeric suffix from a stage id.
// "REVIEW2" yields "REVIEW", "DEV" stays "DEV".
func BaseStage(id string) string {
	return strings.TrimRight(id, "0123456789")
}

func IsKnownStage(id string) bool {
	base := BaseStage(id)
	return implementationStages[base] || qualityStages[base]
}

// IsQualityStage reports whether a stage's verdict can trigger a retry.
func IsQualityStage(id string) bool {
	return qualityStages[BaseStage(id)]
}

// IsImplementationStage reports whether quality-stage failures may route back
// to this stage for repair.
func IsImplementationStage(id string) bool {
	return implementationStages[BaseStage(id)]
}

type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusActive    StageStatus = "active"
	StageStatusCompleted StageStatus = "completed"
	StageStatusFailed    StageStatus = "failed"
	StageStatusSkipped   StageStatus = "skipped"
)

// IsSettled reports whether a stage no longer blocks its dependents.
// Failed stages are not settled: they are either retried or force-progressed,
// and force-progression flips them to skipped.
func IsSettled(s StageStatus) bool {
	return s == StageStatusCompleted || s == StageStatusSkipped
}
