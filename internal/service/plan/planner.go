// Package plan compiles a validated dependency graph into an ordered set of
// parallel-safe execution phases.
package plan

import (
	"fmt"
	"sort"
	"time"

	"github.com/bankcore/dayops/internal/service/dependency"
	"github.com/bankcore/dayops/pkg/errors"
	"github.com/bankcore/dayops/pkg/models"
)

// PhaseService is one service scheduled inside a phase, in execution order.
type PhaseService struct {
	ServiceID         int64
	Name              string
	Critical          bool
	EstimatedDuration time.Duration
}

// Phase is a set of services judged safe to act on together. If Parallel is
// false the services run strictly in the listed order.
type Phase struct {
	Index             int
	Name              string
	Services          []PhaseService
	Parallel          bool
	EstimatedDuration time.Duration
}

// ExecutionPlan is the compiled, ordered sequence of phases for one operation
// type. Construction via Build is the only way to obtain one, so a plan in
// hand is already known to respect hard-dependency ordering.
type ExecutionPlan struct {
	OperationType          models.OperationType
	Phases                 []Phase
	TotalEstimatedDuration time.Duration
	TotalServices          int
	CriticalServices       int
	Warnings               []string
}

// ServiceIDs returns every service in the plan in phase order.
func (p *ExecutionPlan) ServiceIDs() []int64 {
	ids := make([]int64, 0, p.TotalServices)
	for _, phase := range p.Phases {
		for _, svc := range phase.Services {
			ids = append(ids, svc.ServiceID)
		}
	}
	return ids
}

// Build compiles a validated graph into an execution plan. Graphs flagged with
// hard circular dependencies are refused; run the validator first. Soft-only
// cycle members carry an unresolved level and are scheduled in a trailing
// phase, recorded as a warning.
func Build(g *dependency.Graph, opType models.OperationType) (*ExecutionPlan, error) {
	if g.HasCircularDependencies {
		return nil, errors.ErrCircularDependency
	}

	p := &ExecutionPlan{OperationType: opType}
	if len(g.Nodes) == 0 {
		return p, nil
	}

	trailingLevels := resolveTrailing(g)
	byPhase := make(map[int][]int64)
	for _, id := range g.NodeIDs() {
		level := g.Nodes[id].Level
		if level == dependency.LevelUnresolved {
			level = trailingLevels[id]
			p.Warnings = append(p.Warnings, fmt.Sprintf(
				"service %s has no resolvable dependency level (advisory cycle); scheduled in trailing phase %d",
				g.Nodes[id].Descriptor.Name, level))
		}
		byPhase[level] = append(byPhase[level], id)
	}

	softEdges := softEdgeSet(g)

	levels := make([]int, 0, len(byPhase))
	for level := range byPhase {
		levels = append(levels, level)
	}
	sort.Ints(levels)

	for idx, level := range levels {
		members := byPhase[level]
		parallel, ordered := orderPhase(members, softEdges)

		phase := Phase{
			Index:    idx,
			Name:     fmt.Sprintf("Phase %d", idx+1),
			Parallel: parallel,
		}
		for _, id := range ordered {
			node := g.Nodes[id]
			phase.Services = append(phase.Services, PhaseService{
				ServiceID:         id,
				Name:              node.Descriptor.Name,
				Critical:          node.Critical,
				EstimatedDuration: node.Descriptor.EstimatedDuration,
			})
			p.TotalServices++
			if node.Critical {
				p.CriticalServices++
			}
			if parallel {
				if node.Descriptor.EstimatedDuration > phase.EstimatedDuration {
					phase.EstimatedDuration = node.Descriptor.EstimatedDuration
				}
			} else {
				phase.EstimatedDuration += node.Descriptor.EstimatedDuration
			}
		}
		p.TotalEstimatedDuration += phase.EstimatedDuration
		p.Phases = append(p.Phases, phase)
	}

	if err := p.checkHardOrdering(g); err != nil {
		return nil, err
	}
	p.recordSoftOrderingWarnings(g)
	return p, nil
}

// resolveTrailing places nodes whose level never resolved (advisory-cycle
// members and their dependents) into phases after every resolved level. Hard
// edges among them still order their phases; hard cycles cannot reach this
// point because Build refuses flagged graphs.
func resolveTrailing(g *dependency.Graph) map[int64]int {
	unresolved := make(map[int64]bool)
	for id, n := range g.Nodes {
		if n.Level == dependency.LevelUnresolved {
			unresolved[id] = true
		}
	}
	preds := make(map[int64][]int64)
	for _, e := range g.Edges {
		if e.Kind == models.DependencyHard && unresolved[e.FromID] && unresolved[e.ToID] {
			preds[e.ToID] = append(preds[e.ToID], e.FromID)
		}
	}

	trailing := g.MaxDepth + 1
	levels := make(map[int64]int, len(unresolved))
	for id := range unresolved {
		levels[id] = trailing
	}
	for changed := true; changed; {
		changed = false
		for id := range unresolved {
			for _, pred := range preds[id] {
				if levels[pred]+1 > levels[id] {
					levels[id] = levels[pred] + 1
					changed = true
				}
			}
		}
	}
	return levels
}

// softEdgeSet collects Soft edges keyed by (from, to) for intra-phase checks.
func softEdgeSet(g *dependency.Graph) map[[2]int64]bool {
	set := make(map[[2]int64]bool)
	for _, e := range g.Edges {
		if e.Kind == models.DependencySoft {
			set[[2]int64{e.FromID, e.ToID}] = true
		}
	}
	return set
}

// orderPhase decides whether a phase may run in parallel and computes the
// intra-phase order. A phase with a soft dependency between any pair of
// members is serialized: dependency order first, ascending service id as the
// tie-break.
func orderPhase(members []int64, softEdges map[[2]int64]bool) (parallel bool, ordered []int64) {
	ordered = append([]int64{}, members...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	parallel = true
	inPhase := make(map[int64]bool, len(ordered))
	for _, id := range ordered {
		inPhase[id] = true
	}
	deps := make(map[int64][]int64)
	for pair := range softEdges {
		if inPhase[pair[0]] && inPhase[pair[1]] {
			parallel = false
			deps[pair[1]] = append(deps[pair[1]], pair[0])
		}
	}
	if parallel {
		return true, ordered
	}

	// Kahn's algorithm over the intra-phase soft edges, ascending id tie-break.
	indegree := make(map[int64]int, len(ordered))
	for _, id := range ordered {
		indegree[id] = len(deps[id])
	}
	var result []int64
	remaining := append([]int64{}, ordered...)
	for len(remaining) > 0 {
		picked := -1
		for i, id := range remaining {
			if indegree[id] == 0 {
				picked = i
				break
			}
		}
		if picked == -1 {
			// Advisory cycle inside the phase: fall back to id order for the rest.
			result = append(result, remaining...)
			break
		}
		id := remaining[picked]
		result = append(result, id)
		remaining = append(remaining[:picked], remaining[picked+1:]...)
		for pair := range softEdges {
			if pair[0] == id && inPhase[pair[1]] {
				indegree[pair[1]]--
			}
		}
	}
	return false, result
}

// checkHardOrdering asserts the plan invariant: every hard edge crosses phases
// in ascending order. Level assignment guarantees this for built graphs, so a
// violation means the graph was constructed by hand and skipped validation.
func (p *ExecutionPlan) checkHardOrdering(g *dependency.Graph) error {
	phaseOf := p.phaseIndex()
	for _, e := range g.Edges {
		if e.Kind != models.DependencyHard {
			continue
		}
		from, okFrom := phaseOf[e.FromID]
		to, okTo := phaseOf[e.ToID]
		if !okFrom || !okTo {
			continue
		}
		if from >= to {
			return fmt.Errorf("hard dependency %d -> %d not satisfied by phase ordering: %w",
				e.FromID, e.ToID, errors.ErrValidationFailed)
		}
	}
	return nil
}

// recordSoftOrderingWarnings notes soft edges whose ordering the plan could
// not honor across phases.
func (p *ExecutionPlan) recordSoftOrderingWarnings(g *dependency.Graph) {
	phaseOf := p.phaseIndex()
	for _, e := range g.Edges {
		if e.Kind != models.DependencySoft {
			continue
		}
		from, okFrom := phaseOf[e.FromID]
		to, okTo := phaseOf[e.ToID]
		if !okFrom || !okTo {
			continue
		}
		if from > to {
			p.Warnings = append(p.Warnings, fmt.Sprintf(
				"soft dependency %s -> %s runs out of order (phase %d after %d)",
				g.Nodes[e.FromID].Descriptor.Name, g.Nodes[e.ToID].Descriptor.Name, from+1, to+1))
		}
	}
}

func (p *ExecutionPlan) phaseIndex() map[int64]int {
	phaseOf := make(map[int64]int, p.TotalServices)
	for _, phase := range p.Phases {
		for _, svc := range phase.Services {
			phaseOf[svc.ServiceID] = phase.Index
		}
	}
	return phaseOf
}
