package dag

import (
	"sort"
	"strings"

	"github.com/ryu111/stagehand/internal/model"
)

// Enrich injects derived scheduling metadata into a syntactically valid
// graph:
//
//   - quality stages whose immediate dependency sets are identical are
//     grouped into one barrier (group name derived from the shared dep set,
//     next = the single common downstream consumer when one exists)
//   - every quality stage gets onFail routed to the nearest preceding
//     implementation stage and maxRetries from the policy default
//   - non-barrier stages get a next pointer when exactly one topological
//     successor exists
//
// A nil input passes through unchanged; it is not an error. The input graph
// is not mutated.
func Enrich(d model.Dag, defaultMaxRetries int) model.Dag {
	if d == nil {
		return nil
	}

	out := make(model.Dag, len(d))
	for id, node := range d {
		clone := *node
		clone.Deps = append([]string(nil), node.Deps...)
		out[id] = &clone
	}

	consumers := consumerIndex(out)

	// Barrier grouping: quality stages keyed by canonical dep set.
	groups := map[string][]string{}
	for _, id := range sortedKeys(out) {
		if !model.IsQualityStage(id) {
			continue
		}
		groups[depSetKey(out[id].Deps)] = append(groups[depSetKey(out[id].Deps)], id)
	}

	inBarrier := map[string]bool{}
	for key, members := range groups {
		if len(members) < 2 {
			continue
		}
		sort.Strings(members)
		next := commonConsumer(consumers, members)
		spec := model.BarrierSpec{
			Group:    "barrier_" + key,
			Total:    len(members),
			Next:     next,
			Siblings: members,
		}
		for _, id := range members {
			barrier := spec
			barrier.Siblings = append([]string(nil), members...)
			out[id].Barrier = &barrier
			inBarrier[id] = true
		}
	}

	for _, id := range sortedKeys(out) {
		node := out[id]
		if model.IsQualityStage(id) {
			if node.OnFail == "" {
				node.OnFail = nearestImplementationStage(out, id)
			}
			if node.MaxRetries == 0 {
				node.MaxRetries = defaultMaxRetries
			}
		}
		if !inBarrier[id] && node.Next == "" {
			if succ := consumers[id]; len(succ) == 1 {
				node.Next = succ[0]
			}
		}
	}

	return out
}

// consumerIndex maps each stage to the sorted list of stages that depend on it.
func consumerIndex(d model.Dag) map[string][]string {
	idx := map[string][]string{}
	for _, id := range sortedKeys(d) {
		for _, dep := range d[id].Deps {
			idx[dep] = append(idx[dep], id)
		}
	}
	return idx
}

// commonConsumer returns the single stage that consumes every member of the
// group, or "" when zero or several exist. The several-consumers tie-break is
// deliberately unresolved: routing falls back to ready-stage derivation.
func commonConsumer(consumers map[string][]string, members []string) string {
	counts := map[string]int{}
	for _, m := range members {
		seen := map[string]bool{}
		for _, c := range consumers[m] {
			if !seen[c] {
				counts[c]++
				seen[c] = true
			}
		}
	}
	var common []string
	for c, n := range counts {
		if n == len(members) {
			common = append(common, c)
		}
	}
	if len(common) == 1 {
		return common[0]
	}
	return ""
}

// nearestImplementationStage walks dependencies backward breadth-first and
// returns the closest implementation stage, "" when none is reachable.
func nearestImplementationStage(d model.Dag, from string) string {
	visited := map[string]bool{from: true}
	frontier := append([]string(nil), d[from].Deps...)
	sort.Strings(frontier)

	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			if visited[id] {
				continue
			}
			visited[id] = true
			if model.IsImplementationStage(id) {
				return id
			}
			if node, ok := d[id]; ok {
				next = append(next, node.Deps...)
			}
		}
		sort.Strings(next)
		frontier = next
	}
	return ""
}

func depSetKey(deps []string) string {
	sorted := append([]string(nil), deps...)
	sort.Strings(sorted)
	return strings.Join(sorted, "_")
}
