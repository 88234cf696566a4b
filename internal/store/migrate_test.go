package store

import (
	"encoding/json"
	"testing"

	"github.com/ryu111/stagehand/internal/model"
)

func TestDetectVersion(t *testing.T) {
	cases := []struct {
		name string
		doc  map[string]any
		want int
	}{
		{"v1 statuses only", map[string]any{"pipeline": "STANDARD", "statuses": map[string]any{}}, 1},
		{"v2 workflow plus stages", map[string]any{"workflow": []any{}, "stages": map[string]any{}}, 2},
		{"v3 dag", map[string]any{"dag": map[string]any{}, "stages": map[string]any{}}, 3},
		{"v4 dag plus retryHistory", map[string]any{"dag": map[string]any{}, "retryHistory": map[string]any{}}, 4},
		{"unrecognized", map[string]any{"whatever": 1}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := detectVersion(tc.doc); got != tc.want {
				t.Errorf("detectVersion = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestEnsureCurrent_UnrecognizedReturnsNil(t *testing.T) {
	doc, changed := EnsureCurrent(map[string]any{"random": true})
	if doc != nil || changed {
		t.Fatalf("got (%v, %v), want (nil, false)", doc, changed)
	}
}

func TestEnsureCurrent_CurrentDocumentIsUntouched(t *testing.T) {
	doc := map[string]any{
		"sessionId":    "s1",
		"version":      float64(model.CurrentSchemaVersion),
		"dag":          map[string]any{},
		"stages":       map[string]any{},
		"retryHistory": map[string]any{},
	}
	_, changed := EnsureCurrent(doc)
	if changed {
		t.Error("current document must not be flagged as changed")
	}
}

func TestEnsureCurrent_V1FullChain(t *testing.T) {
	doc := map[string]any{
		"sessionId": "legacy",
		"pipeline":  "STANDARD",
		"statuses": map[string]any{
			"DEV":    "done",
			"REVIEW": "in_progress",
			"DOCS":   "skipped",
		},
	}

	out, changed := EnsureCurrent(doc)
	if out == nil || !changed {
		t.Fatalf("migration failed: (%v, %v)", out, changed)
	}
	if out["version"] != model.CurrentSchemaVersion {
		t.Errorf("version = %v", out["version"])
	}

	st := decodeForTest(t, out)
	if st.Classification == nil || st.Classification.PipelineID != "STANDARD" {
		t.Error("pipeline id lost across migration")
	}
	// Settled statuses must survive migration byte-for-byte in meaning.
	if st.Stages["DEV"].Status != model.StageStatusCompleted {
		t.Errorf("DEV = %s, want completed", st.Stages["DEV"].Status)
	}
	if st.Stages["DOCS"].Status != model.StageStatusSkipped {
		t.Errorf("DOCS = %s, want skipped", st.Stages["DOCS"].Status)
	}
	if st.Stages["REVIEW"].Status != model.StageStatusActive {
		t.Errorf("REVIEW = %s, want active", st.Stages["REVIEW"].Status)
	}
	if !st.PipelineActive {
		t.Error("unsettled legacy stages must leave the pipeline active")
	}
}

func TestEnsureCurrent_V2WorkflowBecomesDag(t *testing.T) {
	doc := map[string]any{
		"sessionId":      "s2",
		"classification": map[string]any{"pipelineId": "FULL"},
		"stages": map[string]any{
			"DEV":    map[string]any{"status": "completed"},
			"REVIEW": map[string]any{"status": "pending"},
		},
		"workflow": []any{
			map[string]any{"id": "DEV", "deps": []any{}},
			map[string]any{"id": "REVIEW", "deps": []any{"DEV"}, "onFail": "DEV", "maxRetries": float64(3)},
		},
		"active": true,
	}

	out, changed := EnsureCurrent(doc)
	if out == nil || !changed {
		t.Fatalf("migration failed: (%v, %v)", out, changed)
	}
	st := decodeForTest(t, out)
	review, ok := st.Dag["REVIEW"]
	if !ok {
		t.Fatal("REVIEW missing from migrated dag")
	}
	if review.OnFail != "DEV" || review.MaxRetries != 3 {
		t.Errorf("REVIEW node = %+v", review)
	}
	if !st.PipelineActive {
		t.Error("active flag must carry into pipelineActive")
	}
	if st.Stages["DEV"].Status != model.StageStatusCompleted {
		t.Error("completed stage lost")
	}
}

func TestEnsureCurrent_V3GainsV4Fields(t *testing.T) {
	doc := map[string]any{
		"sessionId":      "s3",
		"dag":            map[string]any{"DEV": map[string]any{"deps": []any{}}},
		"stages":         map[string]any{"DEV": map[string]any{"status": "completed"}},
		"pipelineActive": false,
		"retries":        map[string]any{"DEV": float64(1)},
	}

	out, changed := EnsureCurrent(doc)
	if out == nil || !changed {
		t.Fatalf("migration failed: (%v, %v)", out, changed)
	}
	st := decodeForTest(t, out)
	if st.Retries["DEV"] != 1 {
		t.Error("retry counter lost")
	}
	if st.RetryHistory == nil || st.Crashes == nil {
		t.Error("v4 maps not initialized")
	}
	if !st.Meta.Initialized {
		t.Error("meta not initialized")
	}
}

// Each migration step is idempotent: running the chain on its own output
// changes nothing.
func TestEnsureCurrent_Idempotent(t *testing.T) {
	doc := map[string]any{
		"pipeline": "STANDARD",
		"statuses": map[string]any{"DEV": "done"},
	}
	out, _ := EnsureCurrent(doc)
	if out == nil {
		t.Fatal("first migration failed")
	}
	again, changed := EnsureCurrent(out)
	if changed {
		t.Error("second pass must be a no-op")
	}
	if again == nil {
		t.Fatal("second pass rejected its own output")
	}
}

func decodeForTest(t *testing.T, doc map[string]any) *model.SessionState {
	t.Helper()
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	var st model.SessionState
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("migrated document does not decode: %v", err)
	}
	return &st
}
