package dag

import (
	"fmt"
	"sort"

	"github.com/ryu111/stagehand/internal/model"
)

// RepairOutcome is a structurally sound graph plus the list of defects that
// were fixed to get there.
type RepairOutcome struct {
	Dag   model.Dag
	Fixes []string
}

// Repair accepts raw planner output (decoded JSON) and fixes structural
// defects where safe:
//   - non-object input is rejected outright (returns nil)
//   - a missing/null per-stage config becomes an empty-dependency stub
//   - a string deps value is wrapped as a single-element list
//   - a deps reference outside the stage vocabulary, or to a stage absent
//     from the graph, is dropped individually
//   - a stage whose id is outside the vocabulary is dropped entirely
//
// Every fix is recorded. If the repaired graph is empty or still cyclic, the
// planning attempt is unrepairable and Repair returns nil; callers must
// surface that as a hard failure, not retry with different heuristics.
func Repair(raw any) *RepairOutcome {
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil
	}

	out := &RepairOutcome{Dag: model.Dag{}}

	ids := make([]string, 0, len(obj))
	for id := range obj {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if !model.IsKnownStage(id) {
			out.record("dropped unknown stage %q", id)
			continue
		}
		out.Dag[id] = repairNode(id, obj[id], out)
	}

	// Drop deps that survived the vocabulary check but reference stages
	// missing from the repaired graph.
	for _, id := range sortedKeys(out.Dag) {
		node := out.Dag[id]
		kept := node.Deps[:0]
		for _, dep := range node.Deps {
			if _, ok := out.Dag[dep]; !ok {
				out.record("%s: dropped dep on absent stage %q", id, dep)
				continue
			}
			if dep == id {
				out.record("%s: dropped self-dependency", id)
				continue
			}
			kept = append(kept, dep)
		}
		node.Deps = kept
		if node.OnFail != "" {
			if _, ok := out.Dag[node.OnFail]; !ok {
				out.record("%s: dropped onFail to absent stage %q", id, node.OnFail)
				node.OnFail = ""
			}
		}
	}

	if len(out.Dag) == 0 {
		return nil
	}
	if _, err := TopologicalOrder(out.Dag); err != nil {
		return nil
	}
	return out
}

func repairNode(id string, raw any, out *RepairOutcome) *model.NodeSpec {
	cfg, ok := raw.(map[string]any)
	if !ok {
		out.record("%s: replaced missing config with empty-dependency stub", id)
		return &model.NodeSpec{Deps: []string{}}
	}

	node := &model.NodeSpec{Deps: []string{}}

	switch deps := cfg["deps"].(type) {
	case nil:
	case string:
		out.record("%s: wrapped string deps as list", id)
		node.Deps = appendKnownDep(node.Deps, id, deps, out)
	case []any:
		for _, d := range deps {
			s, ok := d.(string)
			if !ok {
				out.record("%s: dropped non-string dep %v", id, d)
				continue
			}
			node.Deps = appendKnownDep(node.Deps, id, s, out)
		}
	default:
		out.record("%s: dropped unusable deps value %v", id, deps)
	}

	if onFail, ok := cfg["onFail"].(string); ok && onFail != "" {
		if model.IsKnownStage(onFail) {
			node.OnFail = onFail
		} else {
			out.record("%s: dropped onFail to unknown stage %q", id, onFail)
		}
	}
	if maxRetries, ok := cfg["maxRetries"].(float64); ok && maxRetries > 0 {
		node.MaxRetries = int(maxRetries)
	}

	return node
}

func appendKnownDep(deps []string, id, dep string, out *RepairOutcome) []string {
	if !model.IsKnownStage(dep) {
		out.record("%s: dropped dep on unknown stage %q", id, dep)
		return deps
	}
	return append(deps, dep)
}

func (r *RepairOutcome) record(format string, args ...any) {
	r.Fixes = append(r.Fixes, fmt.Sprintf(format, args...))
}
