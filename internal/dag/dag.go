// Package dag provides directed graph operations for rule dependencies.
// It supports cycle detection, execution levels and transitive traversal.
package dag

import (
	"cmp"
	"fmt"
	"slices"
)

// Graph is a directed graph where an edge parent -> child means the child
// depends on the parent. Graph is not safe for concurrent mutation.
type Graph[K cmp.Ordered] struct {
	nodes   map[K]struct{}
	edges   map[K][]K // parent -> children (dependents)
	parents map[K][]K // child -> parents (dependencies)
}

// NewGraph creates a new empty graph.
func NewGraph[K cmp.Ordered]() *Graph[K] {
	return &Graph[K]{
		nodes:   make(map[K]struct{}),
		edges:   make(map[K][]K),
		parents: make(map[K][]K),
	}
}

// AddNode adds a node. Adding an existing node is a no-op.
func (g *Graph[K]) AddNode(id K) {
	if _, exists := g.nodes[id]; exists {
		return
	}
	g.nodes[id] = struct{}{}
	g.edges[id] = []K{}
	g.parents[id] = []K{}
}

// HasNode reports whether id is in the graph.
func (g *Graph[K]) HasNode(id K) bool {
	_, ok := g.nodes[id]
	return ok
}

// AddEdge adds a directed edge from parent to child (child depends on parent).
func (g *Graph[K]) AddEdge(parentID, childID K) error {
	if !g.HasNode(parentID) {
		return fmt.Errorf("parent node %v does not exist", parentID)
	}
	if !g.HasNode(childID) {
		return fmt.Errorf("child node %v does not exist", childID)
	}
	if parentID == childID {
		return fmt.Errorf("self-loop detected: %v", parentID)
	}

	if !slices.Contains(g.edges[parentID], childID) {
		g.edges[parentID] = append(g.edges[parentID], childID)
	}
	if !slices.Contains(g.parents[childID], parentID) {
		g.parents[childID] = append(g.parents[childID], parentID)
	}
	return nil
}

// Parents returns the direct dependencies of a node.
func (g *Graph[K]) Parents(id K) []K {
	return slices.Clone(g.parents[id])
}

// Children returns the direct dependents of a node.
func (g *Graph[K]) Children(id K) []K {
	return slices.Clone(g.edges[id])
}

// Nodes returns all node ids in ascending order.
func (g *Graph[K]) Nodes() []K {
	ids := make([]K, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// NodeCount returns the number of nodes in the graph.
func (g *Graph[K]) NodeCount() int {
	return len(g.nodes)
}

// EdgeCount returns the number of edges in the graph.
func (g *Graph[K]) EdgeCount() int {
	count := 0
	for _, children := range g.edges {
		count += len(children)
	}
	return count
}

// FindCycle returns a cycle path if the graph has one. The path starts and
// ends with the same node, e.g. [a b c a]. Nodes are visited in ascending
// order so the result is deterministic.
func (g *Graph[K]) FindCycle() ([]K, bool) {
	const (
		unvisited = iota
		inStack
		done
	)
	state := make(map[K]int, len(g.nodes))
	var stack []K
	var cycle []K

	var dfs func(id K) bool
	dfs = func(id K) bool {
		state[id] = inStack
		stack = append(stack, id)

		children := slices.Clone(g.edges[id])
		slices.Sort(children)
		for _, childID := range children {
			switch state[childID] {
			case unvisited:
				if dfs(childID) {
					return true
				}
			case inStack:
				start := slices.Index(stack, childID)
				cycle = append(slices.Clone(stack[start:]), childID)
				return true
			}
		}

		stack = stack[:len(stack)-1]
		state[id] = done
		return false
	}

	for _, id := range g.Nodes() {
		if state[id] == unvisited && dfs(id) {
			return cycle, true
		}
	}
	return nil, false
}

// CycleError reports a dependency cycle found in the graph.
type CycleError[K cmp.Ordered] struct {
	Path []K
}

func (e *CycleError[K]) Error() string {
	return fmt.Sprintf("cycle detected: %v", e.Path)
}

// ExecutionLevels returns nodes grouped by execution level.
// Nodes at level N can run once every node in levels < N has completed.
// Level 0 contains nodes with no dependencies. Returns a *CycleError if the
// graph is cyclic.
func (g *Graph[K]) ExecutionLevels() ([][]K, error) {
	if path, ok := g.FindCycle(); ok {
		return nil, &CycleError[K]{Path: path}
	}

	assigned := make(map[K]int, len(g.nodes))
	var level func(id K) int
	level = func(id K) int {
		if l, ok := assigned[id]; ok {
			return l
		}
		l := 0
		for _, parentID := range g.parents[id] {
			if pl := level(parentID) + 1; pl > l {
				l = pl
			}
		}
		assigned[id] = l
		return l
	}

	maxLevel := -1
	for id := range g.nodes {
		if l := level(id); l > maxLevel {
			maxLevel = l
		}
	}

	levels := make([][]K, maxLevel+1)
	for id, l := range assigned {
		levels[l] = append(levels[l], id)
	}
	for i := range levels {
		slices.Sort(levels[i])
	}
	return levels, nil
}

// Downstream returns every node reachable from id through dependents,
// excluding id itself unless it sits on a cycle.
func (g *Graph[K]) Downstream(id K) []K {
	return g.walk(id, g.edges)
}

// Upstream returns every node id transitively depends on.
func (g *Graph[K]) Upstream(id K) []K {
	return g.walk(id, g.parents)
}

func (g *Graph[K]) walk(id K, next map[K][]K) []K {
	seen := make(map[K]bool)
	queue := slices.Clone(next[id])
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		queue = append(queue, next[cur]...)
	}

	result := make([]K, 0, len(seen))
	for n := range seen {
		result = append(result, n)
	}
	slices.Sort(result)
	return result
}

// Roots returns nodes with no dependencies.
func (g *Graph[K]) Roots() []K {
	var roots []K
	for _, id := range g.Nodes() {
		if len(g.parents[id]) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// Leaves returns nodes with no dependents.
func (g *Graph[K]) Leaves() []K {
	var leaves []K
	for _, id := range g.Nodes() {
		if len(g.edges[id]) == 0 {
			leaves = append(leaves, id)
		}
	}
	return leaves
}
