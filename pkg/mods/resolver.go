package mods

import (
	"container/heap"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tessera/modrt/pkg/engine"
)

// Resolver computes the order in which mods must be initialized.
type Resolver struct {
	logger zerolog.Logger
}

// NewResolver creates a new dependency resolver.
func NewResolver(logger zerolog.Logger) *Resolver {
	return &Resolver{
		logger: logger.With().Str("component", "dependency-resolver").Logger(),
	}
}

// ResolveLoadOrder returns mods ordered so that every dependency precedes its
// dependents. Independent mods are ordered by load priority (high first) and
// then by id. Resolution is all-or-nothing: any missing required dependency,
// version mismatch or cycle fails the whole call with a dependency error.
func (r *Resolver) ResolveLoadOrder(mods []Mod) ([]Mod, error) {
	byID := make(map[string]Mod, len(mods))
	for _, m := range mods {
		if m.Metadata == nil || m.Metadata.ID == "" {
			return nil, engine.NewDependencyError("mod has empty id", nil).
				WithCode(engine.ErrCodeValidation).
				WithDetail("path", m.Path)
		}
		if existing, ok := byID[m.ID()]; ok {
			return nil, engine.NewDependencyError(
				fmt.Sprintf("duplicate mod id %s (%s and %s)", m.ID(), existing.Path, m.Path),
				nil,
			).WithCode(engine.ErrCodeDuplicateMod).WithMod(m.ID())
		}
		byID[m.ID()] = m
	}

	if err := r.checkDependencies(mods, byID); err != nil {
		return nil, err
	}

	// Edges run dependency -> dependent.
	dependents := make(map[string]map[string]struct{}, len(mods))
	inDegree := make(map[string]int, len(mods))
	for _, m := range mods {
		for _, dep := range m.Metadata.Dependencies {
			if _, present := byID[dep.ModID]; !present {
				continue
			}
			if dependents[dep.ModID] == nil {
				dependents[dep.ModID] = make(map[string]struct{})
			}
			if _, seen := dependents[dep.ModID][m.ID()]; seen {
				continue
			}
			dependents[dep.ModID][m.ID()] = struct{}{}
			inDegree[m.ID()]++
		}
	}

	queue := &modQueue{}
	for _, m := range mods {
		if inDegree[m.ID()] == 0 {
			heap.Push(queue, m)
		}
	}

	order := make([]Mod, 0, len(mods))
	for queue.Len() > 0 {
		next := heap.Pop(queue).(Mod)
		order = append(order, next)

		for id := range dependents[next.ID()] {
			inDegree[id]--
			if inDegree[id] == 0 {
				heap.Push(queue, byID[id])
			}
		}
	}

	if len(order) < len(mods) {
		remaining := make([]string, 0, len(mods)-len(order))
		for id, degree := range inDegree {
			if degree > 0 {
				remaining = append(remaining, id)
			}
		}
		sort.Strings(remaining)
		return nil, engine.NewDependencyError(
			fmt.Sprintf("cyclic dependency detected among mods: %s", strings.Join(remaining, ", ")),
			nil,
		).WithCode(engine.ErrCodeCyclicDependency).WithDetail("mods", remaining)
	}

	r.logger.Debug().Strs("order", modIDs(order)).Msg("Resolved load order")
	return order, nil
}

// checkDependencies verifies that required dependencies are present and that
// every present dependency satisfies the declared constraint.
func (r *Resolver) checkDependencies(mods []Mod, byID map[string]Mod) error {
	for _, m := range mods {
		for _, dep := range m.Metadata.Dependencies {
			target, present := byID[dep.ModID]
			if !present {
				if dep.Optional {
					r.logger.Debug().
						Str("mod", m.ID()).
						Str("dependency", dep.ModID).
						Msg("Optional dependency not installed")
					continue
				}
				return engine.NewDependencyError(
					fmt.Sprintf("missing required dependency: mod %s requires %s", m.ID(), dep.ModID),
					nil,
				).WithCode(engine.ErrCodeMissingDependency).
					WithMod(m.ID()).
					WithDetail("dependency", dep.ModID)
			}

			if dep.Constraint == nil || dep.Constraint.Matches(target.Metadata.Version) {
				continue
			}
			return engine.NewDependencyError(
				fmt.Sprintf("version mismatch: mod %s@%s requires %s %s, found %s@%s",
					m.ID(), m.Metadata.Version, dep.ModID, dep.Constraint, target.ID(), target.Metadata.Version),
				nil,
			).WithCode(engine.ErrCodeVersionMismatch).
				WithMod(m.ID()).
				WithDetail("dependency", dep.ModID).
				WithDetail("expected", dep.Constraint.String()).
				WithDetail("actual", target.Metadata.Version.String())
		}
	}
	return nil
}

// modQueue is a min-heap over mods: highest load priority first, then id.
type modQueue []Mod

func (q modQueue) Len() int { return len(q) }

func (q modQueue) Less(i, j int) bool {
	pi, pj := q[i].Metadata.LoadPriority.Weight(), q[j].Metadata.LoadPriority.Weight()
	if pi != pj {
		return pi > pj
	}
	return q[i].ID() < q[j].ID()
}

func (q modQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *modQueue) Push(x any) { *q = append(*q, x.(Mod)) }

func (q *modQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

func modIDs(mods []Mod) []string {
	ids := make([]string, len(mods))
	for i, m := range mods {
		ids[i] = m.ID()
	}
	return ids
}

// ToDOT generates a DOT format representation of a resolved load order.
// Nodes are numbered by load position; edges point from dependency to dependent.
func ToDOT(order []Mod) string {
	var sb strings.Builder

	sb.WriteString("digraph LoadOrder {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	present := make(map[string]bool, len(order))
	for i, m := range order {
		present[m.ID()] = true
		sb.WriteString(fmt.Sprintf("  \"%s\" [label=\"%d. %s\\n%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
			m.ID(), i+1, m.ID(), m.Metadata.Version, getPriorityColor(m.Metadata.LoadPriority)))
	}
	sb.WriteString("\n")

	for _, m := range order {
		for _, dep := range m.Metadata.Dependencies {
			if !present[dep.ModID] {
				continue
			}
			style := "style=solid"
			if dep.Optional {
				style = "style=dashed"
			}
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [%s, label=\"%s\"];\n",
				dep.ModID, m.ID(), style, constraintLabel(dep)))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func constraintLabel(dep ModDependency) string {
	if dep.Constraint == nil {
		return "*"
	}
	return dep.Constraint.String()
}

// getPriorityColor returns a color for visualizing load priorities.
func getPriorityColor(p LoadPriority) string {
	switch p {
	case PriorityHigh:
		return "lightsalmon"
	case PriorityLow:
		return "lightgray"
	default:
		return "lightblue"
	}
}
