package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"

	"github.com/bollardhq/bollard/pkg/engine"
	"github.com/bollardhq/bollard/pkg/inventory"
)

// Execute implements engine.Transport. Each action kind maps onto a fixed
// remote command sequence; file and artifact content travels over SFTP.
func (t *Transport) Execute(ctx context.Context, host *inventory.Host, op *engine.Operation) (string, error) {
	conn, err := t.conn(ctx, host)
	if err != nil {
		return "", err
	}

	start := time.Now()
	t.log.Debug().
		Str("host", host.ID).
		Str("operation", op.ID).
		Str("action", string(op.Action)).
		Msg("executing")

	var output string
	switch op.Action {
	case engine.ActionInstall:
		output, err = t.install(ctx, conn, host, op.Params.Install)
	case engine.ActionConfigure:
		output, err = t.configure(conn, host, op.Params.Configure)
	case engine.ActionDeploy:
		output, err = t.deploy(ctx, conn, host, op.Params.Deploy)
	case engine.ActionRestart:
		output, err = t.run(ctx, conn, host, "systemctl restart "+shellQuote(op.Params.Service.Service))
	case engine.ActionStop:
		output, err = t.run(ctx, conn, host, "systemctl stop "+shellQuote(op.Params.Service.Service))
	case engine.ActionTeardown:
		output, err = t.teardown(ctx, conn, host, op.Params.Teardown)
	default:
		return "", engine.NewPermanentError(
			fmt.Sprintf("unsupported action %q", op.Action), nil).
			WithCode(engine.ErrCodeInvalidSpec).WithHost(host.ID).WithOperation(op.ID)
	}

	evt := t.log.Debug()
	if err != nil {
		evt = t.log.Warn().Err(err)
	}
	evt.Str("host", host.ID).
		Str("operation", op.ID).
		Dur("duration", time.Since(start)).
		Msg("execution finished")

	return output, err
}

func (t *Transport) install(ctx context.Context, conn *hostConn, host *inventory.Host, p *engine.InstallParams) (string, error) {
	quoted := make([]string, len(p.Packages))
	for i, pkg := range p.Packages {
		quoted[i] = shellQuote(pkg)
	}
	cmd := "DEBIAN_FRONTEND=noninteractive apt-get install -y " + strings.Join(quoted, " ")
	return t.run(ctx, conn, host, cmd)
}

func (t *Transport) configure(conn *hostConn, host *inventory.Host, p *engine.ConfigureParams) (string, error) {
	client, err := t.sftpClient(conn, host)
	if err != nil {
		return "", err
	}
	defer client.Close()

	var sb strings.Builder
	for _, f := range p.Files {
		if err := t.upload(client, host, f.Source, f.Dest, f.Mode); err != nil {
			return sb.String(), err
		}
		fmt.Fprintf(&sb, "placed %s (mode %o)\n", f.Dest, f.Mode)
	}
	return sb.String(), nil
}

func (t *Transport) deploy(ctx context.Context, conn *hostConn, host *inventory.Host, p *engine.DeployParams) (string, error) {
	client, err := t.sftpClient(conn, host)
	if err != nil {
		return "", err
	}

	// Upload beside the destination, then rename so the swap is atomic from
	// the service's point of view.
	staging := p.Dest + ".staging"
	if err := t.upload(client, host, p.Artifact, staging, p.Mode); err != nil {
		client.Close()
		return "", err
	}
	if err := client.PosixRename(staging, p.Dest); err != nil {
		client.Close()
		return "", engine.NewTransientError("failed to activate artifact", err).
			WithCode(engine.ErrCodeTransport).WithHost(host.ID)
	}
	client.Close()

	output := fmt.Sprintf("deployed %s (mode %o)\n", p.Dest, p.Mode)
	if p.Service != "" {
		out, err := t.run(ctx, conn, host, "systemctl restart "+shellQuote(p.Service))
		output += out
		if err != nil {
			return output, err
		}
	}
	return output, nil
}

func (t *Transport) teardown(ctx context.Context, conn *hostConn, host *inventory.Host, p *engine.TeardownParams) (string, error) {
	var cmds []string
	for _, svc := range p.Services {
		q := shellQuote(svc)
		cmds = append(cmds,
			"systemctl stop "+q+" 2>/dev/null || true",
			"systemctl disable "+q+" 2>/dev/null || true",
		)
	}
	for _, pth := range p.Paths {
		cmds = append(cmds, "rm -rf "+shellQuote(pth))
	}
	if len(p.Packages) > 0 {
		quoted := make([]string, len(p.Packages))
		for i, pkg := range p.Packages {
			quoted[i] = shellQuote(pkg)
		}
		cmds = append(cmds, "DEBIAN_FRONTEND=noninteractive apt-get remove -y "+strings.Join(quoted, " "))
	}
	return t.run(ctx, conn, host, strings.Join(cmds, " && "))
}

// upload copies a local file to the host, creating parent directories and
// applying the requested mode.
func (t *Transport) upload(client *sftp.Client, host *inventory.Host, source, dest string, mode uint32) error {
	local, err := os.Open(source)
	if err != nil {
		return engine.NewPermanentError(
			fmt.Sprintf("failed to open local file %s", source), err).
			WithCode(engine.ErrCodeInvalidSpec).WithHost(host.ID)
	}
	defer local.Close()

	if dir := path.Dir(dest); dir != "/" && dir != "." {
		if err := client.MkdirAll(dir); err != nil {
			return engine.NewTransientError(
				fmt.Sprintf("failed to create remote directory %s", dir), err).
				WithCode(engine.ErrCodeTransport).WithHost(host.ID)
		}
	}

	remote, err := client.Create(dest)
	if err != nil {
		return engine.NewTransientError(
			fmt.Sprintf("failed to create remote file %s", dest), err).
			WithCode(engine.ErrCodeTransport).WithHost(host.ID)
	}

	if _, err := io.Copy(remote, local); err != nil {
		_ = remote.Close()
		return engine.NewTransientError(
			fmt.Sprintf("failed to write remote file %s", dest), err).
			WithCode(engine.ErrCodeTransport).WithHost(host.ID)
	}
	if err := remote.Close(); err != nil {
		return engine.NewTransientError(
			fmt.Sprintf("failed to finalize remote file %s", dest), err).
			WithCode(engine.ErrCodeTransport).WithHost(host.ID)
	}

	if err := client.Chmod(dest, os.FileMode(mode)); err != nil {
		return engine.NewTransientError(
			fmt.Sprintf("failed to set mode on %s", dest), err).
			WithCode(engine.ErrCodeTransport).WithHost(host.ID)
	}
	return nil
}
