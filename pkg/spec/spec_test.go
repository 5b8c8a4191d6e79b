package spec

import (
	"testing"
	"time"

	"github.com/bollardhq/bollard/pkg/engine"
)

const validSpec = `
version: 1
name: web-stack
defaults:
  timeout: 2m
  max_attempts: 3
roles:
  - name: web
    hosts: webservers
    operations:
      - name: install
        action: install
        idempotency_key: web-install-v1
        packages: [nginx]
        state:
          pkg:nginx:version: "1.24.0-1"
      - name: configure
        action: configure
        idempotency_key: web-configure-v1
        files:
          - source: ./conf/nginx.conf
            dest: /etc/nginx/nginx.conf
            mode: "0644"
      - name: deploy
        action: deploy
        idempotency_key: web-deploy-v3
        artifact: ./build/app.tar.gz
        dest: /opt/app/app.tar.gz
        mode: "0755"
        service: app
        timeout: 10m
`

func TestParse_ValidSpec(t *testing.T) {
	s, err := Parse([]byte(validSpec))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if s.Name != "web-stack" {
		t.Errorf("unexpected name %q", s.Name)
	}
	if s.Defaults.Timeout != Duration(2*time.Minute) || s.Defaults.MaxAttempts != 3 {
		t.Errorf("unexpected defaults %+v", s.Defaults)
	}
	if len(s.Roles) != 1 || len(s.Roles[0].Operations) != 3 {
		t.Fatalf("unexpected shape: %d roles", len(s.Roles))
	}

	deploy := s.Roles[0].Operations[2]
	if deploy.Action != engine.ActionDeploy {
		t.Errorf("unexpected action %s", deploy.Action)
	}
	if deploy.Timeout != Duration(10*time.Minute) {
		t.Errorf("expected per-operation timeout, got %v", deploy.Timeout)
	}
	if deploy.Service != "app" {
		t.Errorf("unexpected service %q", deploy.Service)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("version: [not closed"))
	if !engine.IsInvalidSpec(err) {
		t.Errorf("expected INVALID_SPEC, got %v", err)
	}
}

func TestParse_SchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{
			name: "wrong version",
			doc: `
version: 2
name: x
roles:
  - name: web
    hosts: all
    operations:
      - {name: a, action: restart, idempotency_key: k, service: app}
`,
		},
		{
			name: "missing name",
			doc: `
version: 1
roles:
  - name: web
    hosts: all
    operations:
      - {name: a, action: restart, idempotency_key: k, service: app}
`,
		},
		{
			name: "no roles",
			doc:  "version: 1\nname: x\nroles: []\n",
		},
		{
			name: "unknown action",
			doc: `
version: 1
name: x
roles:
  - name: web
    hosts: all
    operations:
      - {name: a, action: reboot, idempotency_key: k}
`,
		},
		{
			name: "dotted operation name",
			doc: `
version: 1
name: x
roles:
  - name: web
    hosts: all
    operations:
      - {name: a.b, action: restart, idempotency_key: k, service: app}
`,
		},
		{
			name: "dotted role name",
			doc: `
version: 1
name: x
roles:
  - name: web.prod
    hosts: all
    operations:
      - {name: a, action: restart, idempotency_key: k, service: app}
`,
		},
		{
			name: "bad duration",
			doc: `
version: 1
name: x
defaults:
  timeout: "2 minutes"
roles:
  - name: web
    hosts: all
    operations:
      - {name: a, action: restart, idempotency_key: k, service: app}
`,
		},
		{
			name: "missing idempotency key",
			doc: `
version: 1
name: x
roles:
  - name: web
    hosts: all
    operations:
      - {name: a, action: restart, service: app}
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.doc)); !engine.IsInvalidSpec(err) {
				t.Errorf("expected INVALID_SPEC, got %v", err)
			}
		})
	}
}

func TestParse_DuplicateNames(t *testing.T) {
	dupRole := `
version: 1
name: x
roles:
  - name: web
    hosts: all
    operations:
      - {name: a, action: restart, idempotency_key: k, service: app}
  - name: web
    hosts: all
    operations:
      - {name: b, action: restart, idempotency_key: k, service: app}
`
	if _, err := Parse([]byte(dupRole)); !engine.IsInvalidSpec(err) {
		t.Errorf("expected duplicate role rejected, got %v", err)
	}

	dupOp := `
version: 1
name: x
roles:
  - name: web
    hosts: all
    operations:
      - {name: a, action: restart, idempotency_key: k, service: app}
      - {name: a, action: stop, idempotency_key: k2, service: app}
`
	if _, err := Parse([]byte(dupOp)); !engine.IsInvalidSpec(err) {
		t.Errorf("expected duplicate operation rejected, got %v", err)
	}
}

func TestParse_ActionParameterRules(t *testing.T) {
	tests := []struct {
		name string
		op   string
	}{
		{"install without packages", `{name: a, action: install, idempotency_key: k}`},
		{"configure without files", `{name: a, action: configure, idempotency_key: k}`},
		{"deploy without artifact", `{name: a, action: deploy, idempotency_key: k, dest: /opt/x}`},
		{"restart without service", `{name: a, action: restart, idempotency_key: k}`},
		{"teardown without targets", `{name: a, action: teardown, idempotency_key: k, remove: {}}`},
		{"bad file mode", `{name: a, action: deploy, idempotency_key: k, artifact: ./x, dest: /opt/x, mode: "rw-r--r--"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := "version: 1\nname: x\nroles:\n  - name: web\n    hosts: all\n    operations:\n      - " + tt.op + "\n"
			if _, err := Parse([]byte(doc)); !engine.IsInvalidSpec(err) {
				t.Errorf("expected INVALID_SPEC, got %v", err)
			}
		})
	}
}

func TestParseMode(t *testing.T) {
	if mode, err := parseMode("", 0644); err != nil || mode != 0644 {
		t.Errorf("expected default mode, got %o (%v)", mode, err)
	}
	if mode, err := parseMode("0755", 0644); err != nil || mode != 0o755 {
		t.Errorf("expected parsed octal, got %o (%v)", mode, err)
	}
	if _, err := parseMode("999", 0644); err == nil {
		t.Error("expected invalid octal rejected")
	}
}
