// Package remote runs commands on fleet hosts over SSH. Every failure is
// folded into a Result value; nothing above this package handles
// connection errors as Go errors.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/SiriusScan/go-fleet/fleet"
)

const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultCommandTimeout = 300 * time.Second
	DefaultProbeTimeout   = 10 * time.Second
)

// Kind classifies why a remote call failed.
type Kind string

const (
	KindNone       Kind = ""
	KindConfig     Kind = "config"
	KindConnection Kind = "connection"
	KindAuth       Kind = "auth"
	KindTimeout    Kind = "timeout"
	KindCommand    Kind = "command"
)

// Result is the outcome of one command on one host.
type Result struct {
	Success    bool   `json:"success"`
	ExitStatus int    `json:"exit_status"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	Kind       Kind   `json:"kind,omitempty"`
	Err        string `json:"error,omitempty"`
	// Step is the 1-based step a RunSteps call stopped at.
	Step int `json:"step,omitempty"`
}

func failure(kind Kind, format string, args ...any) Result {
	return Result{ExitStatus: -1, Kind: kind, Err: fmt.Sprintf(format, args...)}
}

// Runner is what the dispatcher and the task manager need from an executor.
type Runner interface {
	Run(ctx context.Context, host fleet.Host, command string, timeout time.Duration) Result
}

// Config holds the fleet-wide SSH defaults. Hosts may override the username
// and credential.
type Config struct {
	Username       string
	KeyPath        string
	Password       string
	KnownHostsFile string
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	ProbeTimeout   time.Duration
}

type Executor struct {
	cfg      Config
	hostKeys ssh.HostKeyCallback
}

// NewExecutor validates cfg and loads the known_hosts file if one is set.
func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.KeyPath != "" && cfg.Password != "" {
		return nil, errors.New("ssh: configure either a key path or a password, not both")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("ssh: load known hosts: %w", err)
		}
		hostKeys = cb
	}

	return &Executor{cfg: cfg, hostKeys: hostKeys}, nil
}

// CommandTimeout is the default budget for scan commands.
func (e *Executor) CommandTimeout() time.Duration {
	return e.cfg.CommandTimeout
}

// clientConfig picks exactly one auth method: the host's own credential when
// set, otherwise the configured default; a key path wins over a password.
func (e *Executor) clientConfig(host fleet.Host) (*ssh.ClientConfig, error) {
	user := host.Username
	if user == "" {
		user = e.cfg.Username
	}
	if user == "" {
		return nil, errors.New("no ssh username configured")
	}

	cred := host.Credential
	if cred.Empty() {
		cred = fleet.Credential{KeyPath: e.cfg.KeyPath, Password: e.cfg.Password}
	}

	var auth ssh.AuthMethod
	switch {
	case cred.KeyPath != "":
		pem, err := os.ReadFile(cred.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parse private key %s: %w", cred.KeyPath, err)
		}
		auth = ssh.PublicKeys(signer)
	case cred.Password != "":
		auth = ssh.Password(cred.Password)
	default:
		return nil, errors.New("neither a key nor a password is configured")
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: e.hostKeys,
		Timeout:         e.cfg.ConnectTimeout,
	}, nil
}

// connect dials and authenticates. The returned Result is only meaningful
// when the client is nil.
func (e *Executor) connect(ctx context.Context, host fleet.Host) (*ssh.Client, Result) {
	cfg, err := e.clientConfig(host)
	if err != nil {
		return nil, failure(KindConfig, "%s: %v", host.Name, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, e.cfg.ConnectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", host.Endpoint())
	if err != nil {
		return nil, failure(KindConnection, "%v: %s: %v", fleet.ErrConnection, host.Endpoint(), err)
	}

	// The handshake has no context of its own; bound it with a deadline.
	_ = conn.SetDeadline(time.Now().Add(e.cfg.ConnectTimeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, host.Endpoint(), cfg)
	if err != nil {
		conn.Close()
		kind := KindConnection
		if isAuthError(err) {
			kind = KindAuth
		}
		return nil, failure(kind, "%v: %s: %v", fleet.ErrConnection, host.Endpoint(), err)
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(c, chans, reqs), Result{}
}

// x/crypto reports exhausted auth methods as a plain error.
func isAuthError(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

// Run executes command on host. A non-positive timeout uses the configured
// command timeout. The connection is closed before Run returns.
func (e *Executor) Run(ctx context.Context, host fleet.Host, command string, timeout time.Duration) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Remote command panicked", "host", host.Name, "panic", r)
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

	slog.Debug("Executing remote command", "host", host.Name, "command", command)
	res = runSession(ctx, client, command, timeout)
	if res.Success {
		slog.Debug("Remote command succeeded", "host", host.Name)
	} else {
		slog.Warn("Remote command failed", "host", host.Name, "exit_status", res.ExitStatus, "kind", res.Kind, "error", res.Err)
	}
	return res
}

// runSession runs one command on an established client. A client runs at
// most one session at a time; callers issue commands sequentially.
func runSession(ctx context.Context, client *ssh.Client, command string, timeout time.Duration) Result {
	session, err := client.NewSession()
	if err != nil {
		return failure(KindConnection, "open session: %v", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Start(command); err != nil {
		return failure(KindCommand, "start command: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err = <-done:
	case <-timer.C:
		return abort(client, session, done, &stdout, &stderr, fmt.Sprintf("command timed out after %s", timeout))
	case <-ctx.Done():
		return abort(client, session, done, &stdout, &stderr, fmt.Sprintf("command cancelled: %v", ctx.Err()))
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		res.Success = true
		return res
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitStatus = exitErr.ExitStatus()
		res.Kind = KindCommand
		res.Err = res.Stderr
		if res.Err == "" {
			res.Err = fmt.Sprintf("exit status %d", res.ExitStatus)
		}
		return res
	}

	res.ExitStatus = -1
	res.Kind = KindConnection
	res.Err = err.Error()
	return res
}

// abort kills a running command and tears the connection down. Output
// captured so far is returned once the session has drained.
func abort(client *ssh.Client, session *ssh.Session, done <-chan error, stdout, stderr *bytes.Buffer, msg string) Result {
	_ = session.Signal(ssh.SIGKILL)
	client.Close()

	res := failure(KindTimeout, "%s", msg)
	select {
	case <-done:
		res.Stdout, res.Stderr = stdout.String(), stderr.String()
	case <-time.After(5 * time.Second):
	}
	return res
}
