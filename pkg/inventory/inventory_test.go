package inventory

import (
	"testing"
	"time"
)

const validInventory = `
hosts:
  - id: web-1
    address: 10.0.0.1
    user: deploy
    credential: "agent:"
    labels:
      env: prod
  - id: web-2
    address: 10.0.0.2:2222
    user: deploy
    credential: "file:~/.ssh/id_ed25519"
  - id: db-1
    address: db.internal
    user: postgres
    credential: "env:DEPLOY_SSH_KEY"
groups:
  webservers: [web-1, web-2]
  databases: [db-1]
`

func TestParse_Valid(t *testing.T) {
	inv, err := Parse([]byte(validInventory))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if inv.Len() != 3 {
		t.Fatalf("expected 3 hosts, got %d", inv.Len())
	}

	h, ok := inv.Host("web-2")
	if !ok {
		t.Fatal("missing host web-2")
	}
	if h.Address != "10.0.0.2:2222" || h.User != "deploy" {
		t.Errorf("unexpected host %+v", h)
	}

	// Declaration order is preserved.
	hosts := inv.Hosts()
	if hosts[0].ID != "web-1" || hosts[2].ID != "db-1" {
		t.Errorf("unexpected host order")
	}

	if names := inv.GroupNames(); len(names) != 2 || names[0] != "databases" {
		t.Errorf("unexpected group names %v", names)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not yaml", "hosts: [unclosed"},
		{"no hosts", "hosts: []\n"},
		{
			"missing address",
			"hosts:\n  - {id: web-1, user: deploy, credential: \"agent:\"}\n",
		},
		{
			"duplicate host id",
			"hosts:\n" +
				"  - {id: web-1, address: 10.0.0.1, user: deploy, credential: \"agent:\"}\n" +
				"  - {id: web-1, address: 10.0.0.2, user: deploy, credential: \"agent:\"}\n",
		},
		{
			"malformed credential",
			"hosts:\n  - {id: web-1, address: 10.0.0.1, user: deploy, credential: \"no-scheme\"}\n",
		},
		{
			"unknown credential scheme",
			"hosts:\n  - {id: web-1, address: 10.0.0.1, user: deploy, credential: \"vault:secret/ssh\"}\n",
		},
		{
			"group references unknown host",
			"hosts:\n  - {id: web-1, address: 10.0.0.1, user: deploy, credential: \"agent:\"}\n" +
				"groups:\n  webservers: [web-1, ghost]\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestInventory_Group(t *testing.T) {
	inv, err := Parse([]byte(validInventory))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name string
		want []string
	}{
		{"", []string{"web-1", "web-2", "db-1"}},
		{"all", []string{"web-1", "web-2", "db-1"}},
		{"webservers", []string{"web-1", "web-2"}},
		{"db-1", []string{"db-1"}}, // bare host ID
	}

	for _, tt := range tests {
		got, err := inv.Group(tt.name)
		if err != nil {
			t.Errorf("Group(%q) failed: %v", tt.name, err)
			continue
		}
		if len(got) != len(tt.want) {
			t.Errorf("Group(%q) = %v, want %v", tt.name, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("Group(%q) = %v, want %v", tt.name, got, tt.want)
				break
			}
		}
	}

	if _, err := inv.Group("no-such-group"); err == nil {
		t.Error("expected unknown group rejected")
	}
}

func TestHost_ProbeCache(t *testing.T) {
	inv, err := Parse([]byte(validInventory))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h, _ := inv.Host("web-1")

	if _, _, ok := h.LastProbed(); ok {
		t.Error("expected no probe recorded yet")
	}

	at := time.Now()
	h.RecordProbe(map[string]string{"pkg:nginx:version": "1.24.0"}, at)
	h.RecordProbe(map[string]string{"service:nginx:state": "active"}, at.Add(time.Second))

	observed, when, ok := h.LastProbed()
	if !ok {
		t.Fatal("expected probe recorded")
	}
	// Probes merge; later observations win the timestamp.
	if observed["pkg:nginx:version"] != "1.24.0" || observed["service:nginx:state"] != "active" {
		t.Errorf("unexpected observed state %v", observed)
	}
	if !when.Equal(at.Add(time.Second)) {
		t.Errorf("unexpected probe time %v", when)
	}

	// The returned map is a copy.
	observed["pkg:nginx:version"] = "tampered"
	fresh, _, _ := h.LastProbed()
	if fresh["pkg:nginx:version"] != "1.24.0" {
		t.Error("expected cached state isolated from callers")
	}
}
