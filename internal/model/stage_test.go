package model

import "testing"

func TestBaseStage_StripsNumericSuffix(t *testing.T) {
	cases := map[string]string{
		"DEV":     "DEV",
		"DEV2":    "DEV",
		"REVIEW3": "REVIEW",
		"E2E":     "E2E",
		"QA10":    "QA",
	}
	for in, want := range cases {
		if got := BaseStage(in); got != want {
			t.Errorf("BaseStage(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsKnownStage(t *testing.T) {
	for _, id := range []string{"PLAN", "DESIGN", "DEV", "FIX", "DOCS", "REVIEW", "TEST", "QA", "E2E", "DEV2", "REVIEW9"} {
		if !IsKnownStage(id) {
			t.Errorf("expected %q to be a known stage", id)
		}
	}
	for _, id := range []string{"", "BUILD", "dev", "SHIP", "REVIEWX"} {
		if IsKnownStage(id) {
			t.Errorf("expected %q to be unknown", id)
		}
	}
}

func TestQualityAndImplementationAreDisjoint(t *testing.T) {
	for _, id := range []string{"REVIEW", "TEST", "QA", "E2E"} {
		if !IsQualityStage(id) {
			t.Errorf("expected %q to be a quality stage", id)
		}
		if IsImplementationStage(id) {
			t.Errorf("%q must not be an implementation stage", id)
		}
	}
	for _, id := range []string{"PLAN", "DESIGN", "DEV", "FIX", "DOCS"} {
		if !IsImplementationStage(id) {
			t.Errorf("expected %q to be an implementation stage", id)
		}
		if IsQualityStage(id) {
			t.Errorf("%q must not be a quality stage", id)
		}
	}
}

func TestIsSettled(t *testing.T) {
	settled := map[StageStatus]bool{
		StageStatusPending:   false,
		StageStatusActive:    false,
		StageStatusFailed:    false,
		StageStatusCompleted: true,
		StageStatusSkipped:   true,
	}
	for status, want := range settled {
		if got := IsSettled(status); got != want {
			t.Errorf("IsSettled(%s) = %v, want %v", status, got, want)
		}
	}
}

func TestSeverityOrdering(t *testing.T) {
	if SeverityRank(SeverityCritical) <= SeverityRank(SeverityHigh) {
		t.Error("critical must outrank high")
	}
	if SeverityRank(SeverityHigh) <= SeverityRank(SeverityMedium) {
		t.Error("high must outrank medium")
	}
	if SeverityRank(SeverityMedium) <= SeverityRank(SeverityLow) {
		t.Error("medium must outrank low")
	}
	if SeverityRank("bogus") != 0 {
		t.Error("unknown severity must rank below low")
	}
	if got := MaxSeverity(SeverityLow, SeverityCritical); got != SeverityCritical {
		t.Errorf("MaxSeverity(low, critical) = %s", got)
	}
	if got := MaxSeverity(SeverityHigh, SeverityMedium); got != SeverityHigh {
		t.Errorf("MaxSeverity(high, medium) = %s", got)
	}
}
