// Package spec loads and validates declarative deployment specs and compiles
// them into engine operations. A spec is a YAML document of ordered roles;
// each role targets a host group and declares an ordered operation list.
package spec

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/bollardhq/bollard/pkg/engine"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}

// Spec is a parsed deployment spec document.
type Spec struct {
	// Version is the spec schema version.
	Version int `yaml:"version" validate:"required,eq=1"`

	// Name identifies the deployment.
	Name string `yaml:"name" validate:"required"`

	// Defaults apply to operations that do not declare their own.
	Defaults Defaults `yaml:"defaults,omitempty"`

	// Roles are applied in declaration order.
	Roles []Role `yaml:"roles" validate:"required,min=1,dive"`
}

// Defaults holds spec-wide operation defaults.
type Defaults struct {
	// Timeout is the default per-attempt timeout.
	Timeout Duration `yaml:"timeout,omitempty"`

	// MaxAttempts is the default attempt budget.
	MaxAttempts int `yaml:"max_attempts,omitempty" validate:"omitempty,min=1"`
}

// Role groups an ordered operation list against one host group.
type Role struct {
	// Name is the role identifier, unique within the spec.
	Name string `yaml:"name" validate:"required,excludesall= ."`

	// Hosts selects the target host group ("all", a group name, or a host ID).
	Hosts string `yaml:"hosts" validate:"required"`

	// Operations are declared in execution order; declaration order implies a
	// dependency on the preceding operation for the same host.
	Operations []OperationDef `yaml:"operations" validate:"required,min=1,dive"`
}

// OperationDef is a single declared operation, before host expansion.
type OperationDef struct {
	// Name is the operation identifier, unique within its role. Dots are
	// reserved for cross-role depends_on references.
	Name string `yaml:"name" validate:"required,excludesall= ."`

	// Action is the action kind.
	Action engine.ActionKind `yaml:"action" validate:"required,oneof=install configure deploy restart stop teardown"`

	// IdempotencyKey makes reapplication safe under the retry policy.
	IdempotencyKey string `yaml:"idempotency_key" validate:"required"`

	// State asserts the desired remote state (resource key -> expected value).
	// Operations with no assertions always execute.
	State map[string]string `yaml:"state,omitempty"`

	// DependsOn lists operation references ("op" within the role, "role.op"
	// across roles) beyond the implicit declaration-order dependency.
	DependsOn []string `yaml:"depends_on,omitempty"`

	// Timeout overrides the default per-attempt timeout.
	Timeout Duration `yaml:"timeout,omitempty"`

	// MaxAttempts overrides the default attempt budget.
	MaxAttempts int `yaml:"max_attempts,omitempty" validate:"omitempty,min=1"`

	// Per-action parameters. Exactly the block matching Action must be set.

	// Packages for install.
	Packages []string `yaml:"packages,omitempty"`

	// Files for configure.
	Files []FileDef `yaml:"files,omitempty"`

	// Artifact, Dest, Mode, Service for deploy.
	Artifact string `yaml:"artifact,omitempty"`
	Dest     string `yaml:"dest,omitempty"`
	Mode     string `yaml:"mode,omitempty"`

	// Service for restart, stop, and deploy post-activation.
	Service string `yaml:"service,omitempty"`

	// Teardown targets.
	Remove *RemoveDef `yaml:"remove,omitempty"`
}

// FileDef declares one configuration file.
type FileDef struct {
	Source string `yaml:"source" validate:"required"`
	Dest   string `yaml:"dest" validate:"required"`
	Mode   string `yaml:"mode,omitempty"`
}

// RemoveDef declares teardown targets.
type RemoveDef struct {
	Services []string `yaml:"services,omitempty"`
	Paths    []string `yaml:"paths,omitempty"`
	Packages []string `yaml:"packages,omitempty"`
}

// Load reads, parses, and validates a spec file.
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewPermanentError("failed to read spec", err).
			WithCode(engine.ErrCodeInvalidSpec)
	}
	return Parse(data)
}

// Parse parses and validates spec YAML content. All schema violations are
// reported as INVALID_SPEC; no run starts from an invalid spec.
func Parse(data []byte) (*Spec, error) {
	var s Spec
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, engine.NewPermanentError("failed to parse spec", err).
			WithCode(engine.ErrCodeInvalidSpec)
	}

	if err := validator.New().Struct(&s); err != nil {
		return nil, engine.NewPermanentError("spec failed schema validation", err).
			WithCode(engine.ErrCodeInvalidSpec)
	}

	if err := s.validate(); err != nil {
		return nil, err
	}

	return &s, nil
}

// validate applies the cross-field rules the struct tags cannot express.
func (s *Spec) validate() error {
	roleNames := make(map[string]bool, len(s.Roles))
	for _, role := range s.Roles {
		if roleNames[role.Name] {
			return invalidf("duplicate role name %q", role.Name)
		}
		roleNames[role.Name] = true

		opNames := make(map[string]bool, len(role.Operations))
		for _, op := range role.Operations {
			if opNames[op.Name] {
				return invalidf("role %q: duplicate operation name %q", role.Name, op.Name)
			}
			opNames[op.Name] = true

			if err := op.validateParams(); err != nil {
				return invalidf("role %q, operation %q: %v", role.Name, op.Name, err)
			}
		}
	}
	return nil
}

// validateParams checks that the parameter block matching the action kind is
// present and well formed.
func (d *OperationDef) validateParams() error {
	switch d.Action {
	case engine.ActionInstall:
		if len(d.Packages) == 0 {
			return fmt.Errorf("install requires packages")
		}
	case engine.ActionConfigure:
		if len(d.Files) == 0 {
			return fmt.Errorf("configure requires files")
		}
		for _, f := range d.Files {
			if _, err := parseMode(f.Mode, 0644); err != nil {
				return fmt.Errorf("file %s: %w", f.Dest, err)
			}
		}
	case engine.ActionDeploy:
		if d.Artifact == "" || d.Dest == "" {
			return fmt.Errorf("deploy requires artifact and dest")
		}
		if _, err := parseMode(d.Mode, 0755); err != nil {
			return err
		}
	case engine.ActionRestart, engine.ActionStop:
		if d.Service == "" {
			return fmt.Errorf("%s requires service", d.Action)
		}
	case engine.ActionTeardown:
		if d.Remove == nil ||
			(len(d.Remove.Services) == 0 && len(d.Remove.Paths) == 0 && len(d.Remove.Packages) == 0) {
			return fmt.Errorf("teardown requires at least one remove target")
		}
	default:
		return fmt.Errorf("invalid action %q", d.Action)
	}
	return nil
}

// parseMode parses an octal file mode string, falling back to a default when
// empty.
func parseMode(s string, def uint32) (uint32, error) {
	if s == "" {
		return def, nil
	}
	mode, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid file mode %q", s)
	}
	return uint32(mode), nil
}

func invalidf(format string, args ...interface{}) error {
	return engine.NewPermanentError(fmt.Sprintf(format, args...), nil).
		WithCode(engine.ErrCodeInvalidSpec)
}
