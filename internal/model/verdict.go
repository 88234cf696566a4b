package model

type VerdictStatus string

const (
	VerdictPass VerdictStatus = "pass"
	VerdictFail VerdictStatus = "fail"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

var severityRank = map[Severity]int{
	SeverityCritical: 4,
	SeverityHigh:     3,
	SeverityMedium:   2,
	SeverityLow:      1,
}

// SeverityRank returns the position of s in the CRITICAL>HIGH>MEDIUM>LOW
// order. Unknown severities rank 0, below LOW.
func SeverityRank(s Severity) int {
	return severityRank[s]
}

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if SeverityRank(b) > SeverityRank(a) {
		return b
	}
	return a
}

// Verdict is the outcome a worker reports for a completed stage.
type Verdict struct {
	Status        VerdictStatus `json:"status"`
	Severity      Severity      `json:"severity,omitempty"`
	Hint          string        `json:"hint,omitempty"`
	ArtifactFiles []string      `json:"artifactFiles,omitempty"`
}

func (v *Verdict) Passed() bool {
	return v != nil && v.Status == VerdictPass
}

func (v *Verdict) Failed() bool {
	return v != nil && v.Status == VerdictFail
}
