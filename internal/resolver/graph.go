// Package resolver orders build definitions by their dependencies and
// decides whether a run may start given the outcome of its upstream runs.
package resolver

import (
	"ciengine/internal/apperrors"
	"ciengine/internal/definition"
	"fmt"
	"sort"
)

// Graph is the dependency graph of a set of definitions. An edge points
// from a definition to the upstream definitions it depends on.
type Graph struct {
	deps       map[string][]string
	dependents map[string][]string
	ids        []string
}

// NewGraph builds the graph. Every dependency must name a definition of the
// set.
func NewGraph(defs []*definition.BuildDefinition) (*Graph, error) {
	g := &Graph{
		deps:       make(map[string][]string, len(defs)),
		dependents: make(map[string][]string, len(defs)),
	}
	for _, d := range defs {
		g.deps[d.ID] = nil
		g.ids = append(g.ids, d.ID)
	}
	sort.Strings(g.ids)

	for _, d := range defs {
		for i, dep := range d.Dependencies {
			if _, ok := g.deps[dep.On]; !ok {
				return nil, apperrors.Validation(fmt.Sprintf("%s.dependencies[%d].on", d.ID, i), fmt.Sprintf("unknown definition %s", dep.On))
			}
			g.deps[d.ID] = append(g.deps[d.ID], dep.On)
			g.dependents[dep.On] = append(g.dependents[dep.On], d.ID)
		}
	}
	for id := range g.deps {
		sort.Strings(g.deps[id])
		sort.Strings(g.dependents[id])
	}
	return g, nil
}

// Dependencies returns the direct upstream ids of id.
func (g *Graph) Dependencies(id string) []string { return g.deps[id] }

// Dependents returns the ids that depend directly on id.
func (g *Graph) Dependents(id string) []string { return g.dependents[id] }

const (
	white = iota // unvisited
	gray         // on the current DFS path
	black        // finished, not on a cycle
)

// DetectCycles fails with CyclicDependency naming the first cycle found,
// in id order so the report is stable.
func (g *Graph) DetectCycles() error {
	color := make(map[string]int, len(g.ids))
	for _, id := range g.ids {
		if color[id] == white {
			if cycle := g.visit(id, color, nil, nil); cycle != nil {
				return apperrors.CyclicDependency(cycle)
			}
		}
	}
	return nil
}

// visit colors the upstream closure of id. order, when non-nil, collects
// finished nodes in post-order, upstream first. A back edge returns the
// cycle path with its first node repeated at the end.
func (g *Graph) visit(id string, color map[string]int, stack []string, order *[]string) []string {
	color[id] = gray
	stack = append(stack, id)

	for _, up := range g.deps[id] {
		switch color[up] {
		case gray:
			for i, s := range stack {
				if s == up {
					cycle := append([]string{}, stack[i:]...)
					return append(cycle, up)
				}
			}
		case white:
			if cycle := g.visit(up, color, stack, order); cycle != nil {
				return cycle
			}
		}
	}

	color[id] = black
	if order != nil {
		*order = append(*order, id)
	}
	return nil
}

// Chain returns id's upstream closure in topological order, upstream first
// and id last. A cycle in the closure fails the whole call.
func (g *Graph) Chain(id string) ([]string, error) {
	if _, ok := g.deps[id]; !ok {
		return nil, apperrors.NotFound("definition", id)
	}
	var order []string
	if cycle := g.visit(id, make(map[string]int), nil, &order); cycle != nil {
		return nil, apperrors.CyclicDependency(cycle)
	}
	return order, nil
}

// Order returns every definition in topological order.
func (g *Graph) Order() ([]string, error) {
	color := make(map[string]int, len(g.ids))
	order := make([]string, 0, len(g.ids))
	for _, id := range g.ids {
		if color[id] == white {
			if cycle := g.visit(id, color, nil, &order); cycle != nil {
				return nil, apperrors.CyclicDependency(cycle)
			}
		}
	}
	return order, nil
}
