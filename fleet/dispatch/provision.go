package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/SiriusScan/go-fleet/fleet"
	"github.com/SiriusScan/go-fleet/fleet/remote"
)

const (
	// GoTarball is the toolchain installed on hosts that have no go binary.
	GoTarball = "https://go.dev/dl/go1.21.0.linux-amd64.tar.gz"
	// EngineModule is what go install builds the engine from.
	EngineModule = "github.com/projectdiscovery/nuclei/v3/cmd/nuclei@latest"
)

// InstallSteps installs the Go toolchain when missing, builds the engine,
// links it onto PATH, fetches its templates and prints its version.
func InstallSteps(cfg ScanConfig) []remote.Step {
	name := path.Base(cfg.Binary)
	return []remote.Step{
		{Name: "update packages", Command: "sudo apt-get update -y"},
		{Name: "install go", Command: "command -v go || test -x /usr/local/go/bin/go || " +
			"(cd /tmp && wget -q " + Quote(GoTarball) + " -O go.tar.gz && sudo tar -C /usr/local -xzf go.tar.gz && rm -f go.tar.gz)"},
		{Name: "add go to PATH", Command: `grep -qs /usr/local/go/bin ~/.bashrc || echo 'export PATH=$PATH:/usr/local/go/bin' >> ~/.bashrc`},
		{Name: "build engine", Command: "PATH=$PATH:/usr/local/go/bin go install -v " + Quote(EngineModule)},
		{Name: "link engine", Command: `sudo ln -sf "$HOME/go/bin/` + name + `" ` + Quote("/usr/local/bin/"+name)},
		{Name: "update templates", Command: Quote(cfg.Binary) + " -update-templates"},
		{Name: "verify", Command: VersionCommand(cfg)},
	}
}

// VersionCommand prints the engine version; the engine writes it to stderr.
func VersionCommand(cfg ScanConfig) string {
	return Quote(cfg.Binary) + " -version 2>&1"
}

// UpdateTemplatesCommand refreshes the engine's public templates.
func UpdateTemplatesCommand(cfg ScanConfig) string {
	return Quote(cfg.Binary) + " -update-templates"
}

// DeploySteps uploads a local templates archive to a staging file on the
// host, unpacks it into the templates directory and hands the directory to
// the login user.
func DeploySteps(cfg ScanConfig, archive string) []remote.Step {
	dir := Quote(cfg.Templates)
	staged := fmt.Sprintf("%s/fleet-templates-%s.tar.gz", strings.TrimRight(cfg.WorkDir, "/"), uuid.NewString()[:8])
	return []remote.Step{
		{Name: "create directory", Command: "sudo mkdir -p " + dir},
		{Name: "upload archive", Upload: &remote.Upload{LocalPath: archive, RemotePath: staged}},
		{Name: "extract archive", Command: "cd " + dir + " && sudo tar -xzf " + Quote(staged)},
		{Name: "remove archive", Command: "rm -f " + Quote(staged)},
		{Name: "fix ownership", Command: "sudo chown -R $(whoami):$(whoami) " + dir},
	}
}

// Install installs the engine on every host. A successful result carries
// the installed version in Stdout.
func (d *Dispatcher) Install(ctx context.Context, hosts []fleet.Host, cfg ScanConfig, progress ProgressFunc) map[uint]remote.Result {
	steps := InstallSteps(cfg)
	return d.steps(ctx, hosts, func(fleet.Host) []remote.Step { return steps }, progress)
}

// UpdateTemplates refreshes the engine templates on every host.
func (d *Dispatcher) UpdateTemplates(ctx context.Context, hosts []fleet.Host, cfg ScanConfig, progress ProgressFunc) map[uint]remote.Result {
	return d.RunAll(ctx, hosts, UpdateTemplatesCommand(cfg), progress)
}

// DeployTemplates unpacks the local archive into cfg.Templates on every
// host. Each host stages the upload under its own file name.
func (d *Dispatcher) DeployTemplates(ctx context.Context, hosts []fleet.Host, cfg ScanConfig, archive string, progress ProgressFunc) (map[uint]remote.Result, error) {
	fi, err := os.Stat(archive)
	if err != nil {
		return nil, fmt.Errorf("templates archive: %w", err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("templates archive %s is a directory", archive)
	}
	return d.steps(ctx, hosts, func(fleet.Host) []remote.Step { return DeploySteps(cfg, archive) }, progress), nil
}

// CollectMetrics gathers the detailed metric set from every host.
func (d *Dispatcher) CollectMetrics(ctx context.Context, hosts []fleet.Host) map[uint]remote.ProbeResult {
	p, ok := d.runner.(remote.Provisioner)
	if !ok {
		out := make(map[uint]remote.ProbeResult, len(hosts))
		for _, h := range hosts {
			out[h.ID] = remote.ProbeResult{Kind: remote.KindConfig, Err: errNoProvisioner.Error(), CheckedAt: time.Now().UTC()}
		}
		return out
	}
	return fanOut(ctx, d.maxWorkers, hosts, p.Metrics, remote.ProbeResult{Kind: remote.KindConnection, Err: "worker panic"}, nil)
}

var errNoProvisioner = errors.New("executor cannot run provisioning steps")

func (d *Dispatcher) steps(ctx context.Context, hosts []fleet.Host, plan func(fleet.Host) []remote.Step, progress ProgressFunc) map[uint]remote.Result {
	p, ok := d.runner.(remote.Provisioner)
	return d.each(ctx, hosts, func(ctx context.Context, h fleet.Host) remote.Result {
		if !ok {
			return remote.Result{ExitStatus: -1, Kind: remote.KindConfig, Err: errNoProvisioner.Error()}
		}
		res := p.RunSteps(ctx, h, plan(h), d.timeout)
		if res.Success {
			res.Stdout = strings.TrimSpace(res.Stdout)
		}
		return res
	}, progress)
}
