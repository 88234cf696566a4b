// Package dag repairs, validates, and enriches pipeline graphs received from
// the upstream planner. Planner output comes from a non-deterministic
// generation process and may be malformed; repair fixes what is safe to fix
// and rejects the rest.
package dag

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ryu111/stagehand/internal/model"
)

type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Validate checks that every deps/onFail/barrier.next reference resolves and
// that the graph is acyclic.
func Validate(d model.Dag) ValidationResult {
	res := ValidationResult{Valid: true}
	if len(d) == 0 {
		res.Valid = false
		res.Errors = append(res.Errors, "dag is empty")
		return res
	}

	for _, id := range sortedKeys(d) {
		node := d[id]
		if node == nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: nil node config", id))
			continue
		}
		for _, dep := range node.Deps {
			if _, ok := d[dep]; !ok {
				res.Errors = append(res.Errors, fmt.Sprintf("%s: deps references unknown stage %q", id, dep))
			}
			if dep == id {
				res.Errors = append(res.Errors, fmt.Sprintf("%s: self-reference is not allowed", id))
			}
		}
		if node.OnFail != "" {
			if _, ok := d[node.OnFail]; !ok {
				res.Errors = append(res.Errors, fmt.Sprintf("%s: onFail references unknown stage %q", id, node.OnFail))
			}
		}
		if node.Barrier != nil && node.Barrier.Next != "" {
			if _, ok := d[node.Barrier.Next]; !ok {
				res.Errors = append(res.Errors, fmt.Sprintf("%s: barrier.next references unknown stage %q", id, node.Barrier.Next))
			}
		}
	}

	if _, err := TopologicalOrder(d); err != nil {
		res.Errors = append(res.Errors, err.Error())
	}

	res.Valid = len(res.Errors) == 0
	return res
}

// TopologicalOrder sorts the graph with Kahn's algorithm. On cycle detection
// it uses DFS to find and report the cycle path. Unknown dep references are
// skipped here; Validate reports them separately.
func TopologicalOrder(d model.Dag) ([]string, error) {
	if len(d) == 0 {
		return nil, nil
	}

	nodes := sortedKeys(d)
	inDegree := make(map[string]int, len(nodes))
	forward := make(map[string][]string)
	for _, n := range nodes {
		inDegree[n] = 0
	}

	for _, n := range nodes {
		node := d[n]
		if node == nil {
			continue
		}
		for _, dep := range node.Deps {
			if _, ok := d[dep]; !ok {
				continue
			}
			inDegree[n]++
			forward[dep] = append(forward[dep], n)
		}
	}

	var queue []string
	for _, n := range nodes {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}

	var sorted []string
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		sorted = append(sorted, n)

		for _, dependent := range forward[n] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(sorted) == len(nodes) {
		return sorted, nil
	}

	cyclePath := findCyclePath(nodes, d, inDegree)
	return nil, fmt.Errorf("circular dependency detected: %s", strings.Join(cyclePath, " -> "))
}

// findCyclePath finds a cycle among nodes with non-zero residual in-degree.
func findCyclePath(nodes []string, d model.Dag, inDegree map[string]int) []string {
	const (
		white = 0 // unvisited
		gray  = 1 // in current path
		black = 2 // finished
	)

	color := make(map[string]int)
	parent := make(map[string]string)

	var cyclePath []string

	var dfs func(node string) bool
	dfs = func(node string) bool {
		color[node] = gray
		spec := d[node]
		if spec == nil {
			color[node] = black
			return false
		}
		for _, dep := range spec.Deps {
			if _, ok := d[dep]; !ok {
				continue
			}
			if color[dep] == gray {
				cyclePath = []string{dep}
				current := node
				for current != dep {
					cyclePath = append(cyclePath, current)
					current = parent[current]
				}
				cyclePath = append(cyclePath, dep)
				for i, j := 0, len(cyclePath)-1; i < j; i, j = i+1, j-1 {
					cyclePath[i], cyclePath[j] = cyclePath[j], cyclePath[i]
				}
				return true
			}
			if color[dep] == white {
				parent[dep] = node
				if dfs(dep) {
					return true
				}
			}
		}
		color[node] = black
		return false
	}

	for _, n := range nodes {
		if inDegree[n] > 0 && color[n] == white {
			if dfs(n) {
				return cyclePath
			}
		}
	}
	return []string{"(cycle detected)"}
}

func sortedKeys(d model.Dag) []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
