// Package dependency builds and validates the inter-service dependency graph
// that drives SOD/EOD execution planning.
package dependency

import (
	"sort"

	"github.com/bankcore/dayops/pkg/models"
)

// LevelUnresolved marks nodes whose dependency level could not be computed
// because they participate in a cycle.
const LevelUnresolved = -1

// Node is the graph-internal representation of a service descriptor plus its
// computed dependency level. Immutable after construction.
type Node struct {
	Descriptor models.ServiceDescriptor
	Level      int
	Critical   bool
}

// Edge is a directed dependency: From must be handled before To.
type Edge struct {
	FromID    int64
	ToID      int64
	Kind      models.DependencyKind
	Condition string
}

// Graph is the node set plus edge set for one environment and operation type.
type Graph struct {
	OperationType           models.OperationType
	Nodes                   map[int64]*Node
	Edges                   []Edge
	MaxDepth                int
	HasCircularDependencies bool
}

// NodeIDs returns all node ids in ascending order, for deterministic iteration.
func (g *Graph) NodeIDs() []int64 {
	ids := make([]int64, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// orderingEdges returns the edges that constrain execution order (Hard and
// Soft). Optional edges are advisory only.
func (g *Graph) orderingEdges() []Edge {
	edges := make([]Edge, 0, len(g.Edges))
	for _, e := range g.Edges {
		if e.Kind == models.DependencyHard || e.Kind == models.DependencySoft {
			edges = append(edges, e)
		}
	}
	return edges
}

// BuildGraph turns descriptors scoped to one environment and operation type
// into a dependency graph. The builder is permissive: a reference to an
// unknown service is recorded as a dangling edge for the validator to report,
// never rejected here.
func BuildGraph(descriptors []models.ServiceDescriptor, opType models.OperationType) *Graph {
	g := &Graph{
		OperationType: opType,
		Nodes:         make(map[int64]*Node, len(descriptors)),
	}

	for _, d := range descriptors {
		g.Nodes[d.ID] = &Node{
			Descriptor: d,
			Level:      LevelUnresolved,
			Critical:   d.CriticalFor(opType),
		}
		for _, ref := range d.Dependencies {
			g.Edges = append(g.Edges, Edge{
				FromID:    ref.ServiceID,
				ToID:      d.ID,
				Kind:      ref.Kind,
				Condition: ref.Condition,
			})
		}
	}

	g.computeLevels()
	return g
}

// computeLevels assigns each node its dependency level: 0 for nodes with no
// Hard/Soft predecessors, otherwise 1 + max(level of predecessors). Nodes
// inside a cycle never become assignable and keep the sentinel level.
// Dangling predecessors are ignored; the validator reports them.
func (g *Graph) computeLevels() {
	preds := make(map[int64][]int64, len(g.Nodes))
	for _, e := range g.orderingEdges() {
		if _, ok := g.Nodes[e.FromID]; !ok {
			continue
		}
		if _, ok := g.Nodes[e.ToID]; !ok {
			continue
		}
		preds[e.ToID] = append(preds[e.ToID], e.FromID)
	}

	for {
		progressed := false
		for _, id := range g.NodeIDs() {
			node := g.Nodes[id]
			if node.Level != LevelUnresolved {
				continue
			}
			level := 0
			resolved := true
			for _, p := range preds[id] {
				pn := g.Nodes[p]
				if pn.Level == LevelUnresolved {
					resolved = false
					break
				}
				if pn.Level+1 > level {
					level = pn.Level + 1
				}
			}
			if resolved {
				node.Level = level
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}

	g.MaxDepth = 0
	for _, node := range g.Nodes {
		if node.Level > g.MaxDepth {
			g.MaxDepth = node.Level
		}
	}
}
