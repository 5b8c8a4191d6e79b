package commands

import (
	"fmt"

	"github.com/bollardhq/bollard/pkg/engine"
	"github.com/bollardhq/bollard/pkg/inventory"
	"github.com/bollardhq/bollard/pkg/spec"
)

// loadInputs loads and validates the spec and inventory, compiles the spec,
// and builds the task graph. Every failure here is an input error (exit 2):
// nothing touched a host yet.
func loadInputs(specPath string) (*spec.Spec, *inventory.Inventory, *engine.TaskGraph, error) {
	s, err := spec.Load(specPath)
	if err != nil {
		return nil, nil, nil, exitWith(exitInvalid, err)
	}

	inv, err := inventory.Load(inventoryPath)
	if err != nil {
		return nil, nil, nil, exitWith(exitInvalid, err)
	}

	graph, err := spec.BuildGraph(s, inv)
	if err != nil {
		return nil, nil, nil, exitWith(exitInvalid, fmt.Errorf("failed to build task graph: %w", err))
	}

	return s, inv, graph, nil
}

// destructiveOperations returns the IDs of operations that stop or remove
// remote state, in topological order.
func destructiveOperations(graph *engine.TaskGraph) []string {
	var ids []string
	for _, opID := range graph.Order() {
		op, _ := graph.Get(opID)
		if op.Action.IsDestructive() {
			ids = append(ids, opID)
		}
	}
	return ids
}
