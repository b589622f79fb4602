// ABOUTME: Execution planning: groups graph nodes into dependency layers with Kahn's algorithm.
// ABOUTME: Nodes in the same layer have no dependencies among each other and may run concurrently.
package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrCyclicGraph is returned by Plan when the graph contains a cycle.
var ErrCyclicGraph = errors.New("pipeline graph contains a cycle")

// ExecutionPlan is an ordered list of layers. Every node in layer i depends
// only on nodes in layers before i.
type ExecutionPlan struct {
	Layers [][]string
	layer  map[string]int
}

// LayerOf returns the index of the layer containing id.
func (p *ExecutionPlan) LayerOf(id string) (int, bool) {
	l, ok := p.layer[id]
	return l, ok
}

// Len returns the total number of planned nodes.
func (p *ExecutionPlan) Len() int {
	return len(p.layer)
}

// String renders the plan one layer per line.
func (p *ExecutionPlan) String() string {
	var b strings.Builder
	for i, l := range p.Layers {
		fmt.Fprintf(&b, "layer %d: %s\n", i, strings.Join(l, ", "))
	}
	return b.String()
}

// Plan computes an execution plan for g. Connections whose endpoints do not
// exist are ignored; the validator reports them.
func Plan(g *Graph) (*ExecutionPlan, error) {
	ids := g.NodeIDs()
	indegree := make(map[string]int, len(ids))
	for _, id := range ids {
		indegree[id] = 0
	}
	for _, id := range ids {
		for _, pred := range g.Predecessors(id) {
			if g.HasNode(pred) {
				indegree[id]++
			}
		}
	}

	plan := &ExecutionPlan{layer: make(map[string]int, len(ids))}
	var frontier []string
	for _, id := range ids {
		if indegree[id] == 0 {
			frontier = append(frontier, id)
		}
	}

	for len(frontier) > 0 {
		sort.Strings(frontier)
		idx := len(plan.Layers)
		plan.Layers = append(plan.Layers, frontier)

		var next []string
		for _, id := range frontier {
			plan.layer[id] = idx
			for _, succ := range g.Successors(id) {
				if _, ok := indegree[succ]; !ok {
					continue
				}
				indegree[succ]--
				if indegree[succ] == 0 {
					next = append(next, succ)
				}
			}
		}
		frontier = next
	}

	if len(plan.layer) != len(ids) {
		var stuck []string
		for _, id := range ids {
			if _, ok := plan.layer[id]; !ok {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w: unplaceable nodes %s", ErrCyclicGraph, strings.Join(stuck, ", "))
	}

	return plan, nil
}
