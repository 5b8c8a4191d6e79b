// Package inventory provides the typed host inventory consumed by the
// orchestration engine. An Inventory is an immutable snapshot loaded once per
// run; only the per-host probe cache is mutated afterwards.
package inventory

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Host represents a single target host and its reachability credentials.
type Host struct {
	// ID is the unique host identifier.
	ID string `yaml:"id" json:"id" validate:"required"`

	// Address is the host address, with an optional port (host or host:port).
	Address string `yaml:"address" json:"address" validate:"required"`

	// User is the remote user operations run as.
	User string `yaml:"user" json:"user" validate:"required"`

	// Credential is an opaque reference resolved by the transport layer.
	// Raw secret material never appears in the inventory.
	Credential CredentialRef `yaml:"credential" json:"credential" validate:"required"`

	// Labels are key-value pairs for organizing hosts.
	Labels map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`

	mu            sync.Mutex
	lastProbed    map[string]string
	lastProbeTime time.Time
}

// RecordProbe stores the observed values from a probe against this host.
func (h *Host) RecordProbe(observed map[string]string, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastProbed == nil {
		h.lastProbed = make(map[string]string, len(observed))
	}
	for k, v := range observed {
		h.lastProbed[k] = v
	}
	h.lastProbeTime = at
}

// LastProbed returns a copy of the last observed state and its timestamp.
// The bool is false if the host has never been probed.
func (h *Host) LastProbed() (map[string]string, time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastProbed == nil {
		return nil, time.Time{}, false
	}
	out := make(map[string]string, len(h.lastProbed))
	for k, v := range h.lastProbed {
		out[k] = v
	}
	return out, h.lastProbeTime, true
}

// Inventory is an immutable snapshot of target hosts and their groups.
type Inventory struct {
	hosts  map[string]*Host
	order  []string
	groups map[string][]string
}

// document is the on-disk YAML shape of an inventory file.
type document struct {
	Hosts  []*Host             `yaml:"hosts" validate:"required,min=1,dive"`
	Groups map[string][]string `yaml:"groups,omitempty"`
}

// Load reads and validates an inventory YAML file.
func Load(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates inventory YAML content.
func Parse(data []byte) (*Inventory, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse inventory: %w", err)
	}

	if err := validator.New().Struct(&doc); err != nil {
		return nil, fmt.Errorf("invalid inventory: %w", err)
	}

	inv := &Inventory{
		hosts:  make(map[string]*Host, len(doc.Hosts)),
		order:  make([]string, 0, len(doc.Hosts)),
		groups: make(map[string][]string, len(doc.Groups)+1),
	}

	for _, h := range doc.Hosts {
		if _, exists := inv.hosts[h.ID]; exists {
			return nil, fmt.Errorf("invalid inventory: duplicate host id %q", h.ID)
		}
		if _, err := h.Credential.Parse(); err != nil {
			return nil, fmt.Errorf("invalid inventory: host %q: %w", h.ID, err)
		}
		inv.hosts[h.ID] = h
		inv.order = append(inv.order, h.ID)
	}

	for name, members := range doc.Groups {
		for _, id := range members {
			if _, ok := inv.hosts[id]; !ok {
				return nil, fmt.Errorf("invalid inventory: group %q references unknown host %q", name, id)
			}
		}
		group := make([]string, len(members))
		copy(group, members)
		inv.groups[name] = group
	}

	return inv, nil
}

// Host returns the host with the given ID.
func (inv *Inventory) Host(id string) (*Host, bool) {
	h, ok := inv.hosts[id]
	return h, ok
}

// Hosts returns all hosts in declaration order.
func (inv *Inventory) Hosts() []*Host {
	out := make([]*Host, 0, len(inv.order))
	for _, id := range inv.order {
		out = append(out, inv.hosts[id])
	}
	return out
}

// Len returns the number of hosts in the inventory.
func (inv *Inventory) Len() int {
	return len(inv.order)
}

// Group resolves a group name (or single host ID, or "all") to host IDs in
// declaration order.
func (inv *Inventory) Group(name string) ([]string, error) {
	if name == "" || name == "all" {
		ids := make([]string, len(inv.order))
		copy(ids, inv.order)
		return ids, nil
	}

	if members, ok := inv.groups[name]; ok {
		ids := make([]string, len(members))
		copy(ids, members)
		return ids, nil
	}

	// A bare host ID selects just that host.
	if _, ok := inv.hosts[name]; ok {
		return []string{name}, nil
	}

	return nil, fmt.Errorf("unknown host group %q", name)
}

// GroupNames returns all group names, sorted.
func (inv *Inventory) GroupNames() []string {
	names := make([]string, 0, len(inv.groups))
	for name := range inv.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
