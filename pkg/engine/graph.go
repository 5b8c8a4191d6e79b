package engine

import (
	"fmt"
	"strings"
)

// GraphBuilder builds a TaskGraph from operations in declaration order.
// The resulting topological order is deterministic: ties are broken by
// declaration order, so identical input always yields identical execution
// order.
type GraphBuilder struct {
	ops          []*Operation
	nodes        map[string]*Operation
	dependents   map[string][]string
	dependencies map[string][]string
	inDegree     map[string]int
}

// NewGraphBuilder creates a graph builder.
func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{
		nodes:        make(map[string]*Operation),
		dependents:   make(map[string][]string),
		dependencies: make(map[string][]string),
		inDegree:     make(map[string]int),
	}
}

// Add appends operations in declaration order.
func (b *GraphBuilder) Add(ops ...*Operation) *GraphBuilder {
	b.ops = append(b.ops, ops...)
	return b
}

// Build validates the operations and produces the task graph.
// It fails with CYCLE_DETECTED naming the offending cycle, with
// UNKNOWN_DEPENDENCY for dangling references, and with INVALID_SPEC for
// duplicate or empty identifiers.
func (b *GraphBuilder) Build() (*TaskGraph, error) {
	if err := b.index(); err != nil {
		return nil, err
	}
	if err := b.link(); err != nil {
		return nil, err
	}
	if cycle := b.findCycle(); cycle != nil {
		return nil, NewPermanentError(
			fmt.Sprintf("dependency cycle: %s", strings.Join(cycle, " -> ")), nil,
		).WithCode(ErrCodeCycleDetected)
	}

	order := b.topoOrder()

	return &TaskGraph{
		nodes:        b.nodes,
		order:        order,
		dependents:   b.dependents,
		dependencies: b.dependencies,
	}, nil
}

// index registers operations and assigns declaration sequence numbers.
func (b *GraphBuilder) index() error {
	for i, op := range b.ops {
		if op.ID == "" {
			return NewPermanentError("operation has empty ID", nil).
				WithCode(ErrCodeInvalidSpec)
		}
		if _, exists := b.nodes[op.ID]; exists {
			return NewPermanentError(
				fmt.Sprintf("duplicate operation ID: %s", op.ID), nil,
			).WithCode(ErrCodeInvalidSpec)
		}
		op.seq = i
		b.nodes[op.ID] = op
		b.inDegree[op.ID] = 0
	}
	return nil
}

// link builds the adjacency lists, validating every dependency reference.
func (b *GraphBuilder) link() error {
	for _, op := range b.ops {
		for _, dep := range op.DependsOn {
			if _, exists := b.nodes[dep]; !exists {
				return NewPermanentError(
					fmt.Sprintf("operation %s depends on unknown operation %s", op.ID, dep), nil,
				).WithCode(ErrCodeUnknownDependency).WithOperation(op.ID)
			}
			b.dependents[dep] = append(b.dependents[dep], op.ID)
			b.dependencies[op.ID] = append(b.dependencies[op.ID], dep)
			b.inDegree[op.ID]++
		}
	}
	return nil
}

// findCycle runs a DFS over dependency edges and returns the first cycle path
// found, or nil if the graph is acyclic. Iteration follows declaration order
// so the reported cycle is stable.
func (b *GraphBuilder) findCycle() []string {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(b.ops))
	var path []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		path = append(path, id)

		for _, next := range b.dependents[id] {
			switch color[next] {
			case white:
				if visit(next) {
					return true
				}
			case gray:
				for i, p := range path {
					if p == next {
						cycle = append(append([]string{}, path[i:]...), next)
						return true
					}
				}
			}
		}

		path = path[:len(path)-1]
		color[id] = black
		return false
	}

	for _, op := range b.ops {
		if color[op.ID] == white && visit(op.ID) {
			return cycle
		}
	}
	return nil
}

// topoOrder computes a Kahn topological order, always draining the ready
// operation with the smallest declaration sequence first.
func (b *GraphBuilder) topoOrder() []string {
	inDegree := make(map[string]int, len(b.inDegree))
	for id, d := range b.inDegree {
		inDegree[id] = d
	}

	ready := make([]*Operation, 0, len(b.ops))
	for _, op := range b.ops {
		if inDegree[op.ID] == 0 {
			ready = append(ready, op)
		}
	}

	order := make([]string, 0, len(b.ops))
	for len(ready) > 0 {
		// Pick the ready operation declared earliest.
		minIdx := 0
		for i := 1; i < len(ready); i++ {
			if ready[i].seq < ready[minIdx].seq {
				minIdx = i
			}
		}
		op := ready[minIdx]
		ready = append(ready[:minIdx], ready[minIdx+1:]...)
		order = append(order, op.ID)

		for _, dep := range b.dependents[op.ID] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				ready = append(ready, b.nodes[dep])
			}
		}
	}

	return order
}
