package store

import (
	"github.com/ryu111/stagehand/internal/model"
)

// Schema history:
//
//	v1: flat document: "pipeline" (string id) plus "statuses" (stage to status
//	    string). No DAG, no classification object.
//	v2: "classification" object, "stages" map of objects, "workflow" array of
//	    {id, deps, onFail, maxRetries}, "active" boolean.
//	v3: "workflow" folded into a "dag" map keyed by stage id, "active" renamed
//	    to "pipelineActive".
//	v4 (current): adds "retryHistory", "pendingRetry", "crashes", "meta".
//
// Version is detected from structural fingerprints, not from the version
// field alone: legacy documents predate the field. Each step upgrades exactly
// one version and is idempotent. Migration never drops stage statuses or
// classification history.

// EnsureCurrent upgrades doc to the current schema. It returns the upgraded
// document and whether anything changed (callers persist back only when it
// did). An unrecognized structure returns (nil, false): unsupported, treat
// as absent.
func EnsureCurrent(doc map[string]any) (map[string]any, bool) {
	if doc == nil {
		return nil, false
	}
	v := detectVersion(doc)
	if v == 0 {
		return nil, false
	}

	changed := false
	for v < model.CurrentSchemaVersion {
		switch v {
		case 1:
			doc = migrateV1toV2(doc)
		case 2:
			doc = migrateV2toV3(doc)
		case 3:
			doc = migrateV3toV4(doc)
		}
		v++
		changed = true
	}

	if declaredVersion(doc) != model.CurrentSchemaVersion {
		doc["version"] = model.CurrentSchemaVersion
		changed = true
	}
	return doc, changed
}

// declaredVersion reads the version field, which is float64 from JSON
// decoding but int after an in-memory migration step.
func declaredVersion(doc map[string]any) int {
	switch v := doc["version"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func detectVersion(doc map[string]any) int {
	_, hasDag := doc["dag"]
	_, hasRetryHistory := doc["retryHistory"]
	_, hasWorkflow := doc["workflow"]
	_, hasStages := doc["stages"]
	_, hasStatuses := doc["statuses"]

	switch {
	case hasDag && hasRetryHistory:
		return 4
	case hasDag:
		return 3
	case hasWorkflow && hasStages:
		return 2
	case hasStatuses && !hasStages:
		return 1
	default:
		return 0
	}
}

func migrateV1toV2(doc map[string]any) map[string]any {
	stages := map[string]any{}
	if statuses, ok := doc["statuses"].(map[string]any); ok {
		for id, raw := range statuses {
			status, _ := raw.(string)
			stages[id] = map[string]any{"status": normalizeLegacyStatus(status)}
		}
	}
	doc["stages"] = stages
	delete(doc, "statuses")

	if _, ok := doc["classification"]; !ok {
		if pipeline, ok := doc["pipeline"].(string); ok && pipeline != "" {
			doc["classification"] = map[string]any{"pipelineId": pipeline}
		} else {
			doc["classification"] = nil
		}
	}
	delete(doc, "pipeline")

	if _, ok := doc["workflow"]; !ok {
		doc["workflow"] = []any{}
	}
	if _, ok := doc["active"]; !ok {
		doc["active"] = anyUnsettled(stages)
	}
	doc["version"] = 2
	return doc
}

func migrateV2toV3(doc map[string]any) map[string]any {
	dag := map[string]any{}
	if workflow, ok := doc["workflow"].([]any); ok {
		for _, raw := range workflow {
			entry, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			id, _ := entry["id"].(string)
			if id == "" {
				continue
			}
			node := map[string]any{"deps": []any{}}
			if deps, ok := entry["deps"]; ok {
				node["deps"] = deps
			}
			if onFail, ok := entry["onFail"]; ok {
				node["onFail"] = onFail
			}
			if maxRetries, ok := entry["maxRetries"]; ok {
				node["maxRetries"] = maxRetries
			}
			dag[id] = node
		}
	}
	doc["dag"] = dag
	delete(doc, "workflow")

	if active, ok := doc["active"]; ok {
		doc["pipelineActive"] = active
		delete(doc, "active")
	}
	if _, ok := doc["retries"]; !ok {
		doc["retries"] = map[string]any{}
	}
	doc["version"] = 3
	return doc
}

func migrateV3toV4(doc map[string]any) map[string]any {
	if _, ok := doc["retryHistory"]; !ok {
		doc["retryHistory"] = map[string]any{}
	}
	if _, ok := doc["crashes"]; !ok {
		doc["crashes"] = map[string]any{}
	}
	if _, ok := doc["pendingRetry"]; !ok {
		doc["pendingRetry"] = nil
	}
	if _, ok := doc["meta"]; !ok {
		doc["meta"] = map[string]any{"initialized": true}
	}
	doc["version"] = 4
	return doc
}

// normalizeLegacyStatus maps v1 status spellings onto the current vocabulary.
// Completed and skipped stages must survive migration unchanged.
func normalizeLegacyStatus(s string) string {
	switch s {
	case "in_progress", "running":
		return string(model.StageStatusActive)
	case "done":
		return string(model.StageStatusCompleted)
	case "":
		return string(model.StageStatusPending)
	default:
		return s
	}
}

func anyUnsettled(stages map[string]any) bool {
	for _, raw := range stages {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		status, _ := entry["status"].(string)
		if !model.IsSettled(model.StageStatus(status)) {
			return true
		}
	}
	return false
}
