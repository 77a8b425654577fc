package engine

import (
	"fmt"
	"strings"
	"sync"
)

// PhaseGraph is a DAG of abstract phases. An edge phase -> dependsOn means
// dependsOn must run before phase. Every mutation is validated eagerly: an
// edge that would close a cycle is rolled back and the graph is left exactly
// as it was before the call.
type PhaseGraph[P comparable] struct {
	mu sync.RWMutex

	// phases keeps insertion order so execution order is deterministic
	phases []P

	// dependencies maps a phase to the phases that must run first
	dependencies map[P][]P
}

// NewPhaseGraph creates an empty phase graph.
func NewPhaseGraph[P comparable]() *PhaseGraph[P] {
	return &PhaseGraph[P]{
		phases:       make([]P, 0),
		dependencies: make(map[P][]P),
	}
}

// AddPhase inserts a phase. Adding an existing phase is a no-op.
func (g *PhaseGraph[P]) AddPhase(phase P) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addPhaseLocked(phase)
}

func (g *PhaseGraph[P]) addPhaseLocked(phase P) bool {
	if _, exists := g.dependencies[phase]; exists {
		return false
	}
	g.phases = append(g.phases, phase)
	g.dependencies[phase] = make([]P, 0)
	return true
}

// AddDependency records that phase depends on dependsOn, adding either
// phase if it is not yet known. If the edge would create a cycle the call
// fails and neither the edge nor any implicitly added phase is kept.
func (g *PhaseGraph[P]) AddDependency(phase, dependsOn P) error {
	return g.AddDependencies(phase, dependsOn)
}

// AddDependencies records that phase depends on every phase in dependsOn.
// The edges are added as one step: if any of them fails, every edge and
// phase the call added is removed again.
func (g *PhaseGraph[P]) AddDependencies(phase P, dependsOn ...P) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	addedPhase := g.addPhaseLocked(phase)
	edges := len(g.dependencies[phase])
	var addedDeps []P

	for _, dep := range dependsOn {
		if dep != phase && g.addPhaseLocked(dep) {
			addedDeps = append(addedDeps, dep)
		}
		if err := g.addEdgeLocked(phase, dep); err != nil {
			g.dependencies[phase] = g.dependencies[phase][:edges]
			for i := len(addedDeps) - 1; i >= 0; i-- {
				g.removePhaseLocked(addedDeps[i])
			}
			if addedPhase {
				g.removePhaseLocked(phase)
			}
			return err
		}
	}
	return nil
}

// addEdgeLocked appends phase -> dependsOn unless it exists. An edge that
// closes a cycle is popped again and reported.
func (g *PhaseGraph[P]) addEdgeLocked(phase, dependsOn P) error {
	if phase == dependsOn {
		return NewDependencyError(fmt.Sprintf("phase %v cannot depend on itself", phase), nil).
			WithCode(ErrCodeCyclicDependency).
			WithOperation("add_dependency")
	}

	for _, existing := range g.dependencies[phase] {
		if existing == dependsOn {
			return nil
		}
	}
	g.dependencies[phase] = append(g.dependencies[phase], dependsOn)

	if cycle := g.findCycleLocked(); cycle != nil {
		deps := g.dependencies[phase]
		g.dependencies[phase] = deps[:len(deps)-1]
		return NewDependencyError(
			fmt.Sprintf("dependency %v -> %v would create a cycle: %s", phase, dependsOn, formatPath(cycle)),
			nil,
		).WithCode(ErrCodeCyclicDependency).WithOperation("add_dependency")
	}
	return nil
}

// RemovePhase removes the phase and every edge referencing it.
// It reports whether the phase existed.
func (g *PhaseGraph[P]) RemovePhase(phase P) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.removePhaseLocked(phase)
}

func (g *PhaseGraph[P]) removePhaseLocked(phase P) bool {
	if _, exists := g.dependencies[phase]; !exists {
		return false
	}
	delete(g.dependencies, phase)

	for i, p := range g.phases {
		if p == phase {
			g.phases = append(g.phases[:i:i], g.phases[i+1:]...)
			break
		}
	}

	for p, deps := range g.dependencies {
		filtered := deps[:0:0]
		for _, d := range deps {
			if d != phase {
				filtered = append(filtered, d)
			}
		}
		g.dependencies[p] = filtered
	}
	return true
}

// ExecutionOrder returns every phase with dependencies before dependents.
// Ties are broken by insertion order. A cycle is reported as an error even
// though AddDependency never admits one.
func (g *PhaseGraph[P]) ExecutionOrder() ([]P, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	const (
		unvisited = iota
		visiting
		done
	)

	state := make(map[P]int, len(g.phases))
	order := make([]P, 0, len(g.phases))
	path := make([]P, 0)

	var visit func(p P) error
	visit = func(p P) error {
		switch state[p] {
		case done:
			return nil
		case visiting:
			cycle := append(cyclePath(path, p), p)
			return NewDependencyError(
				fmt.Sprintf("cyclic phase dependency detected: %s", formatPath(cycle)),
				nil,
			).WithCode(ErrCodeCyclicDependency).WithOperation("execution_order")
		}

		state[p] = visiting
		path = append(path, p)
		for _, dep := range g.dependencies[p] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[p] = done
		order = append(order, p)
		return nil
	}

	for _, p := range g.phases {
		if err := visit(p); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// HasCycle reports whether the graph currently contains a cycle.
func (g *PhaseGraph[P]) HasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.findCycleLocked() != nil
}

// findCycleLocked runs a depth-first search and returns the first cycle found.
func (g *PhaseGraph[P]) findCycleLocked() []P {
	visited := make(map[P]bool, len(g.phases))
	recStack := make(map[P]bool, len(g.phases))

	var walk func(p P, path []P) []P
	walk = func(p P, path []P) []P {
		visited[p] = true
		recStack[p] = true
		path = append(path, p)

		for _, dep := range g.dependencies[p] {
			if !visited[dep] {
				if cycle := walk(dep, path); cycle != nil {
					return cycle
				}
			} else if recStack[dep] {
				return append(cyclePath(path, dep), dep)
			}
		}

		recStack[p] = false
		return nil
	}

	for _, p := range g.phases {
		if !visited[p] {
			if cycle := walk(p, nil); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// DependenciesOf returns the phases that must run before phase.
func (g *PhaseGraph[P]) DependenciesOf(phase P) []P {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]P(nil), g.dependencies[phase]...)
}

// Phases returns all phases in insertion order.
func (g *PhaseGraph[P]) Phases() []P {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]P(nil), g.phases...)
}

// Contains reports whether the phase is part of the graph.
func (g *PhaseGraph[P]) Contains(phase P) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.dependencies[phase]
	return ok
}

// Len returns the number of phases.
func (g *PhaseGraph[P]) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.phases)
}

// ToDOT generates a DOT format representation of the graph for visualization.
// Edges point from a dependency to the phase that waits on it.
func (g *PhaseGraph[P]) ToDOT() string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var sb strings.Builder
	sb.WriteString("digraph Phases {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for _, p := range g.phases {
		sb.WriteString(fmt.Sprintf("  \"%v\";\n", p))
	}
	for _, p := range g.phases {
		for _, dep := range g.dependencies[p] {
			sb.WriteString(fmt.Sprintf("  \"%v\" -> \"%v\";\n", dep, p))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// cyclePath returns the suffix of path starting at start.
func cyclePath[P comparable](path []P, start P) []P {
	for i, p := range path {
		if p == start {
			return append([]P(nil), path[i:]...)
		}
	}
	return append([]P(nil), path...)
}

// formatPath formats a cycle path for error messages.
func formatPath[P comparable](path []P) string {
	parts := make([]string, len(path))
	for i, p := range path {
		parts[i] = fmt.Sprint(p)
	}
	return strings.Join(parts, " -> ")
}
