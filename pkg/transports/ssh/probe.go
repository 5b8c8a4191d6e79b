package ssh

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bollardhq/bollard/pkg/engine"
	"github.com/bollardhq/bollard/pkg/inventory"
)

// Resource keys are "kind:name:attr" triples. The probe batches every
// requested key into a single remote shell invocation that prints one
// "key=value" line per key; keys whose resource is absent print an empty
// value.
//
// Supported kinds:
//
//	pkg:<name>:version     installed package version (dpkg)
//	service:<name>:state   systemd unit state (active, inactive, ...)
//	service:<name>:enabled systemd unit enablement (enabled, disabled, ...)
//	file:<path>:sha256     content digest
//	file:<path>:exists     "true" or "false"

// Probe implements engine.Transport.
func (t *Transport) Probe(ctx context.Context, host *inventory.Host, keys []string) (map[string]string, error) {
	if len(keys) == 0 {
		return map[string]string{}, nil
	}

	conn, err := t.conn(ctx, host)
	if err != nil {
		return nil, err
	}

	script, err := buildProbeScript(keys)
	if err != nil {
		return nil, engine.NewPermanentError("failed to build probe", err).
			WithCode(engine.ErrCodeInvalidSpec).WithHost(host.ID)
	}

	start := time.Now()
	output, err := t.run(ctx, conn, host, script)
	if err != nil {
		return nil, err
	}

	observed := parseProbeOutput(output, keys)
	t.log.Debug().
		Str("host", host.ID).
		Int("keys", len(keys)).
		Dur("duration", time.Since(start)).
		Msg("probe completed")
	return observed, nil
}

// buildProbeScript emits one shell command per key. Keys are sorted so the
// script, and therefore remote logs, are stable across runs.
func buildProbeScript(keys []string) (string, error) {
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)

	var sb strings.Builder
	sb.WriteString("set -u\n")
	for _, key := range sorted {
		kind, name, attr, err := splitKey(key)
		if err != nil {
			return "", err
		}

		var expr string
		switch {
		case kind == "pkg" && attr == "version":
			expr = fmt.Sprintf("dpkg-query -W -f='${Version}' %s 2>/dev/null || true", shellQuote(name))
		case kind == "service" && attr == "state":
			expr = fmt.Sprintf("systemctl is-active %s 2>/dev/null || true", shellQuote(name))
		case kind == "service" && attr == "enabled":
			expr = fmt.Sprintf("systemctl is-enabled %s 2>/dev/null || true", shellQuote(name))
		case kind == "file" && attr == "sha256":
			expr = fmt.Sprintf("sha256sum %s 2>/dev/null | cut -d' ' -f1 || true", shellQuote(name))
		case kind == "file" && attr == "exists":
			expr = fmt.Sprintf("test -e %s && echo true || echo false", shellQuote(name))
		default:
			return "", fmt.Errorf("unsupported resource key %q", key)
		}

		fmt.Fprintf(&sb, "printf '%%s=%%s\\n' %s \"$(%s)\"\n", shellQuote(key), expr)
	}
	return sb.String(), nil
}

// parseProbeOutput extracts key=value lines for the requested keys, ignoring
// any other output the remote shell produced. Requested keys missing from the
// output are reported with an empty value.
func parseProbeOutput(output string, keys []string) map[string]string {
	wanted := make(map[string]bool, len(keys))
	for _, k := range keys {
		wanted[k] = true
	}

	observed := make(map[string]string, len(keys))
	for _, line := range strings.Split(output, "\n") {
		key, value, found := strings.Cut(line, "=")
		if found && wanted[key] {
			observed[key] = strings.TrimSpace(value)
		}
	}
	for _, k := range keys {
		if _, ok := observed[k]; !ok {
			observed[k] = ""
		}
	}
	return observed
}

// splitKey decomposes "kind:name:attr". The name may itself contain colons
// only for file paths, which never do on the supported platforms; the attr is
// always the final segment.
func splitKey(key string) (kind, name, attr string, err error) {
	first := strings.Index(key, ":")
	last := strings.LastIndex(key, ":")
	if first < 0 || first == last {
		return "", "", "", fmt.Errorf("malformed resource key %q: want kind:name:attr", key)
	}
	kind = key[:first]
	name = key[first+1 : last]
	attr = key[last+1:]
	if name == "" || attr == "" {
		return "", "", "", fmt.Errorf("malformed resource key %q: want kind:name:attr", key)
	}
	return kind, name, attr, nil
}

// shellQuote single-quotes a string for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
