package remote

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/SiriusScan/go-fleet/fleet"
)

// Step is one stage of a multi-step operation. It either runs Command or,
// when Upload is set, copies a local file to the host.
type Step struct {
	Name    string
	Command string
	Upload  *Upload
}

// Upload copies LocalPath to RemotePath over SFTP.
type Upload struct {
	LocalPath  string
	RemotePath string
}

// Provisioner runs multi-step operations and detailed metric collection.
type Provisioner interface {
	RunSteps(ctx context.Context, host fleet.Host, steps []Step, timeout time.Duration) Result
	Metrics(ctx context.Context, host fleet.Host) ProbeResult
}

// RunSteps runs steps in order on one connection and stops at the first
// failing one, whose number is reported in Result.Step. A step whose
// stderr says something already exists counts as done. The returned
// Result of a successful run is that of the last step. Each step is
// bounded by timeout; a non-positive timeout uses the command timeout.
func (e *Executor) RunSteps(ctx context.Context, host fleet.Host, steps []Step, timeout time.Duration) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Remote steps panicked", "host", host.Name, "panic", r)
			res = failure(KindConnection, "%s: unexpected failure: %v", host.Name, r)
		}
	}()

	if timeout <= 0 {
		timeout = e.cfg.CommandTimeout
	}

	client, fail := e.connect(ctx, host)
	if client == nil {
		slog.Warn("Remote connection failed", "host", host.Name, "kind", fail.Kind, "error", fail.Err)
		return fail
	}
	defer client.Close()

	res = Result{Success: true}
	for i, st := range steps {
		slog.Info("Running step", "host", host.Name, "step", i+1, "of", len(steps), "name", st.Name)
		if st.Upload != nil {
			res = upload(ctx, client, *st.Upload, timeout)
		} else {
			res = runSession(ctx, client, st.Command, timeout)
		}
		if res.Success || alreadyExists(res) {
			continue
		}
		res.Step = i + 1
		res.Err = fmt.Sprintf("step %d (%s): %s", i+1, st.Name, strings.TrimSpace(res.Err))
		slog.Warn("Step failed", "host", host.Name, "step", res.Step, "kind", res.Kind, "error", res.Err)
		return res
	}
	res.Success, res.Kind, res.Err = true, KindNone, ""
	return res
}

func alreadyExists(res Result) bool {
	return res.Kind == KindCommand && strings.Contains(strings.ToLower(res.Stderr), "already exists")
}

// upload copies one file over the client's SFTP subsystem. Cancelling ctx
// or exceeding timeout closes the SFTP session mid-transfer.
func upload(ctx context.Context, client *ssh.Client, u Upload, timeout time.Duration) Result {
	src, err := os.Open(u.LocalPath)
	if err != nil {
		return failure(KindConfig, "open %s: %v", u.LocalPath, err)
	}
	defer src.Close()

	sc, err := sftp.NewClient(client)
	if err != nil {
		return failure(KindConnection, "start sftp: %v", err)
	}
	defer sc.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = sc.Close() })
	defer stop()

	dst, err := sc.OpenFile(u.RemotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return failure(KindCommand, "create %s: %v", u.RemotePath, err)
	}
	n, err := dst.ReadFrom(src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if ctx.Err() != nil {
			return failure(KindTimeout, "upload %s: %v", u.RemotePath, ctx.Err())
		}
		return failure(KindCommand, "upload %s: %v", u.RemotePath, err)
	}
	return Result{Success: true, Stdout: fmt.Sprintf("uploaded %d bytes to %s\n", n, u.RemotePath)}
}
