package spec

import (
	"fmt"
	"strings"
	"time"

	"github.com/bollardhq/bollard/pkg/engine"
	"github.com/bollardhq/bollard/pkg/inventory"
)

// Compile expands the spec against an inventory into engine operations, one
// per (operation, host) pair, in declaration order.
//
// Declaration order within a role becomes an explicit dependency edge between
// consecutive operations on the same host. A depends_on reference expands to
// edges against every host instance of the referenced operation, which is how
// cross-host ordering is expressed.
func Compile(s *Spec, inv *inventory.Inventory) ([]*engine.Operation, error) {
	// First pass: resolve host groups and index operation instances so
	// depends_on references can be expanded.
	type roleHosts struct {
		role  *Role
		hosts []string
	}
	resolved := make([]roleHosts, 0, len(s.Roles))
	instances := make(map[string][]string) // "role.op" -> operation IDs

	for i := range s.Roles {
		role := &s.Roles[i]
		hosts, err := inv.Group(role.Hosts)
		if err != nil {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("role %q: %v", role.Name, err), nil,
			).WithCode(engine.ErrCodeInvalidSpec)
		}
		if len(hosts) == 0 {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("role %q selects no hosts", role.Name), nil,
			).WithCode(engine.ErrCodeInvalidSpec)
		}
		resolved = append(resolved, roleHosts{role: role, hosts: hosts})

		for _, def := range role.Operations {
			ref := role.Name + "." + def.Name
			for _, hostID := range hosts {
				instances[ref] = append(instances[ref], operationID(role.Name, def.Name, hostID))
			}
		}
	}

	// Second pass: emit operations with implicit and explicit edges.
	var ops []*engine.Operation
	for _, rh := range resolved {
		for _, hostID := range rh.hosts {
			var prev string
			for i := range rh.role.Operations {
				def := &rh.role.Operations[i]
				op, err := buildOperation(s, rh.role, def, hostID)
				if err != nil {
					return nil, err
				}

				if prev != "" {
					op.DependsOn = append(op.DependsOn, prev)
				}
				for _, ref := range def.DependsOn {
					targets, err := expandRef(ref, rh.role.Name, instances)
					if err != nil {
						return nil, err
					}
					for _, target := range targets {
						if target != op.ID && !contains(op.DependsOn, target) {
							op.DependsOn = append(op.DependsOn, target)
						}
					}
				}

				ops = append(ops, op)
				prev = op.ID
			}
		}
	}

	return ops, nil
}

// BuildGraph is a convenience wrapper: compile the spec and build the task
// graph in one step.
func BuildGraph(s *Spec, inv *inventory.Inventory) (*engine.TaskGraph, error) {
	ops, err := Compile(s, inv)
	if err != nil {
		return nil, err
	}
	return engine.NewGraphBuilder().Add(ops...).Build()
}

// operationID forms the canonical per-host operation ID.
func operationID(role, op, host string) string {
	return fmt.Sprintf("%s.%s@%s", role, op, host)
}

// expandRef resolves a depends_on reference to concrete operation IDs.
// Bare names refer to an operation in the same role.
func expandRef(ref, currentRole string, instances map[string][]string) ([]string, error) {
	full := ref
	if !strings.Contains(ref, ".") {
		full = currentRole + "." + ref
	}
	targets, ok := instances[full]
	if !ok {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("depends_on references unknown operation %q", ref), nil,
		).WithCode(engine.ErrCodeUnknownDependency)
	}
	return targets, nil
}

// buildOperation converts one declared operation for one host.
func buildOperation(s *Spec, role *Role, def *OperationDef, hostID string) (*engine.Operation, error) {
	op := &engine.Operation{
		ID:             operationID(role.Name, def.Name, hostID),
		Role:           role.Name,
		Name:           def.Name,
		Host:           hostID,
		Action:         def.Action,
		IdempotencyKey: def.IdempotencyKey,
		Timeout:        time.Duration(def.Timeout),
		MaxAttempts:    def.MaxAttempts,
	}

	if op.Timeout <= 0 {
		op.Timeout = time.Duration(s.Defaults.Timeout)
	}
	if op.MaxAttempts <= 0 {
		op.MaxAttempts = s.Defaults.MaxAttempts
	}

	if len(def.State) > 0 {
		op.Assert = make(map[string]string, len(def.State))
		for k, v := range def.State {
			op.Assert[k] = v
		}
	}

	switch def.Action {
	case engine.ActionInstall:
		op.Params.Install = &engine.InstallParams{Packages: def.Packages}

	case engine.ActionConfigure:
		files := make([]engine.FileSpec, 0, len(def.Files))
		for _, f := range def.Files {
			mode, err := parseMode(f.Mode, 0644)
			if err != nil {
				return nil, invalidf("role %q, operation %q: %v", role.Name, def.Name, err)
			}
			files = append(files, engine.FileSpec{Source: f.Source, Dest: f.Dest, Mode: mode})
		}
		op.Params.Configure = &engine.ConfigureParams{Files: files}

	case engine.ActionDeploy:
		mode, err := parseMode(def.Mode, 0755)
		if err != nil {
			return nil, invalidf("role %q, operation %q: %v", role.Name, def.Name, err)
		}
		op.Params.Deploy = &engine.DeployParams{
			Artifact: def.Artifact,
			Dest:     def.Dest,
			Mode:     mode,
			Service:  def.Service,
		}

	case engine.ActionRestart, engine.ActionStop:
		op.Params.Service = &engine.ServiceParams{Service: def.Service}

	case engine.ActionTeardown:
		op.Params.Teardown = &engine.TeardownParams{
			Services: def.Remove.Services,
			Paths:    def.Remove.Paths,
			Packages: def.Remove.Packages,
		}
	}

	return op, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
