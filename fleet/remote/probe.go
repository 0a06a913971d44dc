package remote

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/SiriusScan/go-fleet/fleet"
)

// ProbeCommand is one diagnostic command run during a health probe.
type ProbeCommand struct {
	Key     string
	Command string
}

// DefaultProbeCommands is the fixed diagnostic set run against every host.
var DefaultProbeCommands = []ProbeCommand{
	{Key: "uptime", Command: "uptime"},
	{Key: "cpu_usage", Command: "top -bn1 | grep 'Cpu(s)' | awk '{print $2}' | cut -d'%' -f1"},
	{Key: "memory_usage", Command: `free | grep Mem | awk '{printf "%.1f", $3/$2 * 100.0}'`},
	{Key: "disk_usage", Command: "df -h / | tail -1 | awk '{print $5}' | cut -d'%' -f1"},
	{Key: "engine_version", Command: "nuclei -version 2>&1 | tail -1 || echo 'not installed'"},
}

// MetricCommands is the detailed metric set collected on demand.
var MetricCommands = []ProbeCommand{
	{Key: "system_info", Command: "uname -a"},
	{Key: "uptime", Command: "uptime -p"},
	{Key: "cpu_count", Command: "nproc"},
	{Key: "cpu_usage", Command: "top -bn1 | grep 'Cpu(s)' | awk '{print $2}' | cut -d'%' -f1"},
	{Key: "memory_total", Command: "free -m | grep Mem | awk '{print $2}'"},
	{Key: "memory_used", Command: "free -m | grep Mem | awk '{print $3}'"},
	{Key: "memory_percent", Command: `free | grep Mem | awk '{printf "%.1f", $3/$2 * 100.0}'`},
	{Key: "disk_usage", Command: "df -h / | tail -1 | awk '{print $5}' | cut -d'%' -f1"},
	{Key: "disk_total", Command: "df -h / | tail -1 | awk '{print $2}'"},
	{Key: "disk_available", Command: "df -h / | tail -1 | awk '{print $4}'"},
	{Key: "network_connections", Command: "ss -tuln | wc -l"},
	{Key: "processes", Command: "ps aux | wc -l"},
	{Key: "load_average", Command: "uptime | awk -F'load average:' '{print $2}'"},
	{Key: "engine_version", Command: "nuclei -version 2>&1 | tail -1 || echo 'not installed'"},
	{Key: "python_version", Command: "python3 --version 2>/dev/null || echo 'not installed'"},
	{Key: "go_version", Command: "go version 2>/dev/null || echo 'not installed'"},
}

// ProbeResult reports whether a host accepted a connection and what the
// diagnostic commands printed.
type ProbeResult struct {
	Online    bool              `json:"online"`
	Kind      Kind              `json:"kind,omitempty"`
	Err       string            `json:"error,omitempty"`
	Info      map[string]string `json:"info,omitempty"`
	CheckedAt time.Time         `json:"checked_at"`
}

// Prober is what the health monitor needs from an executor.
type Prober interface {
	Probe(ctx context.Context, host fleet.Host) ProbeResult
}

// Probe connects once and runs DefaultProbeCommands sequentially on that
// connection, each bounded by the probe timeout. A host is online when the
// connection and authentication succeed; individual command failures are
// recorded in Info.
func (e *Executor) Probe(ctx context.Context, host fleet.Host) ProbeResult {
	return e.collect(ctx, host, DefaultProbeCommands)
}

// Metrics is Probe with MetricCommands.
func (e *Executor) Metrics(ctx context.Context, host fleet.Host) ProbeResult {
	return e.collect(ctx, host, MetricCommands)
}

func (e *Executor) collect(ctx context.Context, host fleet.Host, commands []ProbeCommand) (res ProbeResult) {
	res.CheckedAt = time.Now().UTC()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Health probe panicked", "host", host.Name, "panic", r)
			res.Online, res.Kind = false, KindConfig
		}
	}()

	client, fail := e.connect(ctx, host)
	if client == nil {
		res.Kind, res.Err = fail.Kind, fail.Err
		return res
	}
	defer client.Close()

	res.Online = true
	res.Info = make(map[string]string, len(commands))
	for _, pc := range commands {
		out := runSession(ctx, client, pc.Command, e.cfg.ProbeTimeout)
		if out.Kind == KindTimeout {
			// runSession tore the connection down; the rest cannot run.
			res.Info[pc.Key] = "error: " + out.Err
			break
		}
		if out.Success {
			res.Info[pc.Key] = strings.TrimSpace(out.Stdout)
		} else {
			res.Info[pc.Key] = "error: " + out.Err
		}
	}
	return res
}
