package dispatch

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/SiriusScan/go-fleet/fleet"
)

// ScanConfig describes how the scanning engine is invoked on a host.
type ScanConfig struct {
	Binary      string
	Templates   string
	RateLimit   int
	Timeout     int
	Retries     int
	Concurrency int
	WorkDir     string
}

// DefaultScanConfig mirrors the engine settings the fleet has always used.
func DefaultScanConfig() ScanConfig {
	return ScanConfig{
		Binary:      "nuclei",
		Templates:   "/opt/custom-templates",
		RateLimit:   100,
		Timeout:     30,
		Retries:     2,
		Concurrency: 50,
		WorkDir:     "/tmp",
	}
}

// ScanCommand returns a CommandBuilder for one task. Each host writes its
// targets to its own file so concurrent tasks on one host do not collide.
func ScanCommand(cfg ScanConfig, taskID uint) CommandBuilder {
	return func(host fleet.Host, targets []string) string {
		file := fmt.Sprintf("%s/fleet-targets-%d-%d-%s.txt", strings.TrimRight(cfg.WorkDir, "/"), taskID, host.ID, uuid.NewString()[:8])
		return BuildScanCommand(cfg, file, targets)
	}
}

// BuildScanCommand renders the shell pipeline that writes targets to file,
// runs the engine with JSON-lines output and removes the file. The engine's
// exit status is preserved.
func BuildScanCommand(cfg ScanConfig, file string, targets []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "printf '%%s\\n' %s > %s && ", quoteAll(targets), Quote(file))
	fmt.Fprintf(&b, "%s -l %s -t %s -rate-limit %d -timeout %d -retries %d -c %d -jsonl -silent -no-color",
		Quote(cfg.Binary), Quote(file), Quote(cfg.Templates), cfg.RateLimit, cfg.Timeout, cfg.Retries, cfg.Concurrency)
	fmt.Fprintf(&b, "; rc=$?; rm -f %s; exit $rc", Quote(file))
	return b.String()
}

// Quote wraps s in single quotes for a POSIX shell.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func quoteAll(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = Quote(s)
	}
	return strings.Join(quoted, " ")
}
