// Package depgraph builds and validates the dependency graph between the work
// packages of one feature.
//
// The graph is rebuilt from metadata whenever it is needed and never persisted.
// A valid graph references only known ids, has no self-dependencies and is
// acyclic.
package depgraph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Iron-Ham/wpflow/internal/errors"
	"github.com/Iron-Ham/wpflow/internal/wp"
)

// Graph maps a work package id to the ids it depends on, in declaration order.
type Graph map[string][]string

// Build creates a graph from work package metadata.
func Build(wps []wp.WorkPackage) Graph {
	g := make(Graph, len(wps))
	for _, w := range wps {
		g[w.ID] = slices.Clone(w.Dependencies)
	}
	return g
}

// IDs returns the graph's nodes in ascending numeric order.
func (g Graph) IDs() []string {
	ids := make([]string, 0, len(g))
	for id := range g {
		ids = append(ids, id)
	}
	return wp.SortIDs(ids)
}

// Clone returns a deep copy of g.
func (g Graph) Clone() Graph {
	out := make(Graph, len(g))
	for id, deps := range g {
		out[id] = slices.Clone(deps)
	}
	return out
}

// Restrict returns the subgraph induced by ids. Edges to ids outside the set
// are dropped, so out-of-batch dependencies count as satisfied.
func (g Graph) Restrict(ids []string) Graph {
	in := make(map[string]bool, len(ids))
	for _, id := range ids {
		in[id] = true
	}
	out := make(Graph, len(ids))
	for _, id := range ids {
		deps, ok := g[id]
		if !ok {
			continue
		}
		kept := make([]string, 0, len(deps))
		for _, d := range deps {
			if in[d] {
				kept = append(kept, d)
			}
		}
		out[id] = kept
	}
	return out
}

// DetectCycles returns every cycle found by a depth-first search over g, or
// nil when g is acyclic. Each cycle lists the ids on the cyclic path in
// traversal order without repeating the first id; a self-dependency is a
// one-element cycle. Traversal starts from ids in ascending numeric order and
// follows dependencies in declaration order, so results are deterministic.
func DetectCycles(g Graph) [][]string {
	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[string]int, len(g))
	var stack []string
	var cycles [][]string

	var visit func(id string)
	visit = func(id string) {
		state[id] = onStack
		stack = append(stack, id)

		for _, dep := range g[id] {
			if _, known := g[dep]; !known {
				continue
			}
			switch state[dep] {
			case unvisited:
				visit(dep)
			case onStack:
				start := slices.Index(stack, dep)
				cycles = append(cycles, slices.Clone(stack[start:]))
			}
		}

		stack = stack[:len(stack)-1]
		state[id] = done
	}

	for _, id := range g.IDs() {
		if state[id] == unvisited {
			visit(id)
		}
	}
	return cycles
}

// Validate checks a proposed dependency list for wpID against g: every id is
// well formed, exists, is not wpID itself, is not repeated, and adding the
// edges leaves the graph acyclic. It returns false with one message per
// problem.
func Validate(wpID string, proposed []string, g Graph) (bool, []string) {
	var problems []string

	if !wp.ValidID(wpID) {
		problems = append(problems, fmt.Sprintf("invalid work package id %q (expected WPnn)", wpID))
	}

	seen := make(map[string]bool, len(proposed))
	var accepted []string
	for _, dep := range proposed {
		switch {
		case !wp.ValidID(dep):
			problems = append(problems, fmt.Sprintf("invalid dependency id %q (expected WPnn)", dep))
		case dep == wpID:
			problems = append(problems, fmt.Sprintf("%s cannot depend on itself", wpID))
		case seen[dep]:
			problems = append(problems, fmt.Sprintf("duplicate dependency %s", dep))
		case !hasNode(g, dep):
			problems = append(problems, fmt.Sprintf("dependency %s does not exist", dep))
		default:
			accepted = append(accepted, dep)
		}
		seen[dep] = true
	}

	if len(accepted) > 0 {
		trial := g.Clone()
		for _, dep := range accepted {
			if !slices.Contains(trial[wpID], dep) {
				trial[wpID] = append(trial[wpID], dep)
			}
		}
		for _, cycle := range DetectCycles(trial) {
			problems = append(problems, "circular dependency: "+formatCycle(cycle))
		}
	}

	return len(problems) == 0, problems
}

func hasNode(g Graph, id string) bool {
	_, ok := g[id]
	return ok
}

// Dependents returns the ids that list wpID as a direct dependency, ascending.
func Dependents(wpID string, g Graph) []string {
	var out []string
	for id, deps := range g {
		if slices.Contains(deps, wpID) {
			out = append(out, id)
		}
	}
	return wp.SortIDs(out)
}

// Check validates the whole graph. Structural problems (malformed ids,
// unknown or self dependencies) are reported as a *errors.ValidationError;
// otherwise cycles are reported as a *errors.CycleError.
func Check(g Graph) error {
	var problems []string
	var cause error
	for _, id := range g.IDs() {
		if !wp.ValidID(id) {
			problems = append(problems, fmt.Sprintf("invalid work package id %q", id))
			cause = errors.ErrInvalidWPID
		}
		for _, dep := range g[id] {
			switch {
			case dep == id:
				problems = append(problems, fmt.Sprintf("%s depends on itself", id))
				cause = errors.ErrSelfDependency
			case !hasNode(g, dep):
				problems = append(problems, fmt.Sprintf("%s depends on unknown %s", id, dep))
				cause = errors.ErrUnknownDependency
			}
		}
	}
	if len(problems) > 0 {
		return errors.NewValidationError(strings.Join(problems, "; ")).
			WithField("dependencies").
			WithCause(cause)
	}

	if cycles := DetectCycles(g); len(cycles) > 0 {
		return errors.NewCycleError(cycles)
	}
	return nil
}

func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(append(slices.Clone(cycle), cycle[0]), " -> ")
}
