package rules

import (
	"fmt"

	"github.com/liamcoop/dqrules/internal/dag"
)

// buildGraph turns rule dependency lists into a dag.Graph. Ids that do not
// resolve to a rule in the set are skipped, as are self edges.
func buildGraph(rules []*Rule) *dag.Graph[int64] {
	g := dag.NewGraph[int64]()
	for _, r := range rules {
		g.AddNode(r.ID)
	}
	for _, r := range rules {
		for _, dep := range r.DependencyIDs {
			if g.HasNode(dep) && dep != r.ID {
				_ = g.AddEdge(dep, r.ID)
			}
		}
	}
	return g
}

// checkAcyclic returns an ErrDependencyCycle error if giving rule id the
// dependency list deps would close a cycle among edges. edges maps each
// existing rule id to its current dependency list.
func checkAcyclic(edges map[int64][]int64, id int64, deps []int64) error {
	g := dag.NewGraph[int64]()
	g.AddNode(id)
	for rid := range edges {
		g.AddNode(rid)
	}
	add := func(child int64, list []int64) {
		for _, dep := range list {
			if dep == child {
				continue
			}
			// dangling ids stay as nodes; a later Create may resolve them
			g.AddNode(dep)
			_ = g.AddEdge(dep, child)
		}
	}
	for rid, list := range edges {
		if rid == id {
			continue
		}
		add(rid, list)
	}
	add(id, deps)

	if path, ok := g.FindCycle(); ok {
		return fmt.Errorf("%w: %v", ErrDependencyCycle, path)
	}
	return nil
}
