package dependency

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bankcore/dayops/pkg/models"
)

// ValidationResult is the annotated outcome of validating a graph. The graph
// itself is never mutated beyond its HasCircularDependencies flag.
type ValidationResult struct {
	IsValid  bool
	Errors   []string
	Warnings []string
	Details  map[string]interface{}
}

// Validate inspects a built graph for cycles and unresolved references.
// Cycles containing at least one Hard edge are errors and mark the graph as
// circular; Soft/Optional-only cycles are downgraded to warnings since they do
// not block execution ordering. Dangling references are always errors.
func Validate(g *Graph) ValidationResult {
	result := ValidationResult{
		IsValid: true,
		Details: make(map[string]interface{}),
	}

	for _, e := range g.Edges {
		if _, ok := g.Nodes[e.FromID]; !ok {
			result.Errors = append(result.Errors, fmt.Sprintf(
				"service %s declares a dependency on unknown service id %d",
				g.nodeName(e.ToID), e.FromID))
		}
		if _, ok := g.Nodes[e.ToID]; !ok {
			// The builder only emits edges from known descriptors, but a
			// hand-assembled graph may still carry one.
			result.Errors = append(result.Errors, fmt.Sprintf(
				"dependency edge targets unknown service id %d", e.ToID))
		}
	}

	cycles := findCycles(g)
	hardCycle := false
	for _, c := range cycles {
		names := make([]string, 0, len(c.nodeIDs))
		for _, id := range c.nodeIDs {
			names = append(names, g.nodeName(id))
		}
		msg := fmt.Sprintf("circular dependency detected: %s", strings.Join(names, " -> "))
		if c.hard {
			hardCycle = true
			result.Errors = append(result.Errors, msg)
		} else {
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s (no hard edges, ordering is advisory)", msg))
		}
	}

	g.HasCircularDependencies = hardCycle
	result.IsValid = len(result.Errors) == 0
	result.Details["node_count"] = len(g.Nodes)
	result.Details["edge_count"] = len(g.Edges)
	result.Details["max_depth"] = g.MaxDepth
	result.Details["cycles"] = len(cycles)
	return result
}

type cycle struct {
	nodeIDs []int64
	hard    bool
}

// findCycles runs a depth-first traversal tracking an in-progress set per
// path; any edge closing back into the set marks a cycle. Duplicate cycles
// reached from different roots are reported once.
func findCycles(g *Graph) []cycle {
	adj := make(map[int64][]Edge, len(g.Nodes))
	for _, e := range g.Edges {
		if _, ok := g.Nodes[e.FromID]; !ok {
			continue
		}
		if _, ok := g.Nodes[e.ToID]; !ok {
			continue
		}
		adj[e.FromID] = append(adj[e.FromID], e)
	}
	for id := range adj {
		sort.Slice(adj[id], func(i, j int) bool { return adj[id][i].ToID < adj[id][j].ToID })
	}

	var (
		cycles    []cycle
		seen      = make(map[string]bool)
		visited   = make(map[int64]bool)
		inStack   = make(map[int64]bool)
		stack     []int64
		edgeStack []Edge
	)

	var visit func(id int64)
	visit = func(id int64) {
		visited[id] = true
		inStack[id] = true
		stack = append(stack, id)

		for _, e := range adj[id] {
			if inStack[e.ToID] {
				c := extractCycle(stack, edgeStack, e)
				key := cycleKey(c.nodeIDs)
				if !seen[key] {
					seen[key] = true
					cycles = append(cycles, c)
				}
				continue
			}
			if !visited[e.ToID] {
				edgeStack = append(edgeStack, e)
				visit(e.ToID)
				edgeStack = edgeStack[:len(edgeStack)-1]
			}
		}

		inStack[id] = false
		stack = stack[:len(stack)-1]
	}

	for _, id := range g.NodeIDs() {
		if !visited[id] {
			visit(id)
		}
	}
	return cycles
}

// extractCycle slices the participating nodes out of the traversal stack and
// classifies the cycle by its strongest edge kind.
func extractCycle(stack []int64, edgeStack []Edge, closing Edge) cycle {
	start := 0
	for i, id := range stack {
		if id == closing.ToID {
			start = i
			break
		}
	}
	ids := append([]int64{}, stack[start:]...)
	ids = append(ids, closing.ToID) // close the loop for readability

	hard := closing.Kind == models.DependencyHard
	for _, e := range edgeStack[start:] {
		if e.Kind == models.DependencyHard {
			hard = true
		}
	}
	return cycle{nodeIDs: ids, hard: hard}
}

func cycleKey(ids []int64) string {
	sorted := append([]int64{}, ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	parts := make([]string, len(sorted))
	for i, id := range sorted {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, ",")
}

func (g *Graph) nodeName(id int64) string {
	if n, ok := g.Nodes[id]; ok {
		return n.Descriptor.Name
	}
	return fmt.Sprintf("service-%d", id)
}
