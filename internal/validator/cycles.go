package validator

import "sort"

// findCycle returns one deterministic cycle in the directed graph described
// by edges (node -> nodes it depends on), or nil when the graph is acyclic.
//
// Detection is Kahn's algorithm; when nodes remain after peeling, a DFS over
// the residue extracts a single stable witness. Node order is sorted so the
// same graph always yields the same cycle, which keeps validation idempotent.
func findCycle(edges map[string][]string) []string {
	remaining := make(map[string]int, len(edges))
	for n := range edges {
		remaining[n] = 0
	}
	for n := range edges {
		for _, dep := range edges[n] {
			// Unknown references are reported separately; skip them here.
			if _, ok := remaining[dep]; ok {
				remaining[n]++
			}
		}
	}

	queue := make([]string, 0, len(remaining))
	for n, d := range remaining {
		if d == 0 {
			queue = append(queue, n)
		}
	}
	sort.Strings(queue)

	// Reverse adjacency: dep -> dependents.
	dependents := make(map[string][]string, len(edges))
	for n := range edges {
		for _, dep := range edges[n] {
			if _, ok := remaining[dep]; ok {
				dependents[dep] = append(dependents[dep], n)
			}
		}
	}

	processed := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		processed++
		next := append([]string(nil), dependents[n]...)
		sort.Strings(next)
		for _, m := range next {
			remaining[m]--
			if remaining[m] == 0 {
				queue = insertSorted(queue, m)
			}
		}
	}

	if processed == len(remaining) {
		return nil
	}

	return extractCycle(edges, remaining)
}

// extractCycle walks the residual (cyclic) subgraph and returns one cycle.
func extractCycle(edges map[string][]string, remaining map[string]int) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	residual := make([]string, 0, len(remaining))
	for n, d := range remaining {
		if d > 0 {
			residual = append(residual, n)
		}
	}
	sort.Strings(residual)

	color := make(map[string]int, len(residual))
	parent := make(map[string]string, len(residual))

	var cycle []string
	var dfs func(n string) bool
	dfs = func(n string) bool {
		color[n] = gray
		deps := append([]string(nil), edges[n]...)
		sort.Strings(deps)
		for _, dep := range deps {
			if remaining[dep] == 0 {
				continue
			}
			switch color[dep] {
			case white:
				parent[dep] = n
				if dfs(dep) {
					return true
				}
			case gray:
				// Found a back edge; unwind n -> ... -> dep.
				cycle = []string{dep}
				for cur := n; cur != dep; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				// Reverse into dependency order.
				for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
					cycle[i], cycle[j] = cycle[j], cycle[i]
				}
				return true
			}
		}
		color[n] = black
		return false
	}

	for _, n := range residual {
		if color[n] == white && dfs(n) {
			return cycle
		}
	}
	return nil
}

func insertSorted(queue []string, s string) []string {
	i := sort.SearchStrings(queue, s)
	queue = append(queue, "")
	copy(queue[i+1:], queue[i:])
	queue[i] = s
	return queue
}
