package remote

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/SiriusScan/go-fleet/fleet"
)

type reply struct {
	stdout, stderr string
	status         uint32
	delay          time.Duration
}

// sshServer is a minimal in-process SSH server answering exec requests
// from a fixed table of commands.
type sshServer struct {
	t        *testing.T
	ln       net.Listener
	cfg      *ssh.ServerConfig
	replies  map[string]reply
	open     atomic.Int32
	commands atomic.Int32
}

const testPassword = "s3cret"

func newSSHServer(t *testing.T, authorized ssh.PublicKey, replies map[string]reply) *sshServer {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(_ ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if string(pass) == testPassword {
				return nil, nil
			}
			return nil, assert.AnError
		},
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if authorized != nil && string(key.Marshal()) == string(authorized.Marshal()) {
				return nil, nil
			}
			return nil, assert.AnError
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &sshServer{t: t, ln: ln, cfg: cfg, replies: replies}
	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *sshServer) host() fleet.Host {
	addr := s.ln.Addr().(*net.TCPAddr)
	return fleet.Host{ID: 1, Name: "test-host", Address: "127.0.0.1", Port: addr.Port, Status: fleet.HostUnknown}
}

func (s *sshServer) serve() {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handleConn(nc)
	}
}

func (s *sshServer) handleConn(nc net.Conn) {
	_, chans, reqs, err := ssh.NewServerConn(nc, s.cfg)
	if err != nil {
		nc.Close()
		return
	}
	s.open.Add(1)
	defer s.open.Add(-1)

	go ssh.DiscardRequests(reqs)
	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, chReqs)
	}
}

func (s *sshServer) handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	for req := range reqs {
		var sub struct{ Name string }
		if req.Type == "subsystem" && ssh.Unmarshal(req.Payload, &sub) == nil && sub.Name == "sftp" {
			_ = req.Reply(true, nil)
			srv, err := sftp.NewServer(ch)
			if err != nil {
				ch.Close()
				continue
			}
			go func() {
				_ = srv.Serve()
				srv.Close()
			}()
			continue
		}
		if req.Type != "exec" {
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
			continue
		}
		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			_ = req.Reply(false, nil)
			continue
		}
		_ = req.Reply(true, nil)
		s.commands.Add(1)

		r, ok := s.replies[payload.Command]
		if !ok {
			r = reply{stderr: "command not found\n", status: 127}
		}
		go func() {
			if r.delay > 0 {
				time.Sleep(r.delay)
			}
			_, _ = ch.Write([]byte(r.stdout))
			_, _ = ch.Stderr().Write([]byte(r.stderr))
			_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{r.status}))
			ch.Close()
		}()
	}
}

func passwordExecutor(t *testing.T) *Executor {
	t.Helper()
	e, err := NewExecutor(Config{
		Username:       "scanner",
		Password:       testPassword,
		ConnectTimeout: 2 * time.Second,
		CommandTimeout: 2 * time.Second,
		ProbeTimeout:   time.Second,
	})
	require.NoError(t, err)
	return e
}

func TestRunSuccess(t *testing.T) {
	srv := newSSHServer(t, nil, map[string]reply{"echo hi": {stdout: "hi\n"}})
	e := passwordExecutor(t)

	res := e.Run(context.Background(), srv.host(), "echo hi", 0)
	require.True(t, res.Success, res.Err)
	assert.Equal(t, 0, res.ExitStatus)
	assert.Equal(t, "hi\n", res.Stdout)
	assert.Equal(t, KindNone, res.Kind)

	// Run always releases its connection.
	require.Eventually(t, func() bool { return srv.open.Load() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRunNonZeroExit(t *testing.T) {
	srv := newSSHServer(t, nil, map[string]reply{"false": {stderr: "boom\n", status: 3}})
	e := passwordExecutor(t)

	res := e.Run(context.Background(), srv.host(), "false", 0)
	assert.False(t, res.Success)
	assert.Equal(t, 3, res.ExitStatus)
	assert.Equal(t, KindCommand, res.Kind)
	assert.Equal(t, "boom\n", res.Err)
}

func TestRunAuthFailure(t *testing.T) {
	srv := newSSHServer(t, nil, nil)
	e, err := NewExecutor(Config{Username: "scanner", Password: "wrong", ConnectTimeout: 2 * time.Second})
	require.NoError(t, err)

	res := e.Run(context.Background(), srv.host(), "uptime", 0)
	assert.False(t, res.Success)
	assert.Equal(t, KindAuth, res.Kind)
	assert.Contains(t, res.Err, fleet.ErrConnection.Error())
	assert.Zero(t, srv.commands.Load())
}

func TestRunConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	e := passwordExecutor(t)
	res := e.Run(context.Background(), fleet.Host{Name: "gone", Address: "127.0.0.1", Port: port}, "uptime", 0)
	assert.False(t, res.Success)
	assert.Equal(t, KindConnection, res.Kind)
	assert.Equal(t, -1, res.ExitStatus)
}

func TestRunTimeout(t *testing.T) {
	srv := newSSHServer(t, nil, map[string]reply{"sleep 10": {stdout: "late", delay: 3 * time.Second}})
	e := passwordExecutor(t)

	start := time.Now()
	res := e.Run(context.Background(), srv.host(), "sleep 10", 150*time.Millisecond)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, res.Success)
	assert.Equal(t, KindTimeout, res.Kind)
	assert.Contains(t, res.Err, "timed out")

	require.Eventually(t, func() bool { return srv.open.Load() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRunWithKey(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)

	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600))

	srv := newSSHServer(t, sshPub, map[string]reply{"id -un": {stdout: "scanner\n"}})

	// the host's own credential overrides the executor's password
	e := passwordExecutor(t)
	host := srv.host()
	host.Credential = fleet.Credential{KeyPath: keyPath}

	res := e.Run(context.Background(), host, "id -un", 0)
	require.True(t, res.Success, res.Err)
	assert.Equal(t, "scanner\n", res.Stdout)
}

func TestConfigErrors(t *testing.T) {
	_, err := NewExecutor(Config{Username: "u", KeyPath: "/k", Password: "p"})
	require.Error(t, err)

	e, err := NewExecutor(Config{Username: "u"})
	require.NoError(t, err)
	res := e.Run(context.Background(), fleet.Host{Name: "h", Address: "127.0.0.1", Port: 22}, "uptime", 0)
	assert.Equal(t, KindConfig, res.Kind)

	e, err = NewExecutor(Config{Username: "u", KeyPath: filepath.Join(t.TempDir(), "missing")})
	require.NoError(t, err)
	res = e.Run(context.Background(), fleet.Host{Name: "h", Address: "127.0.0.1", Port: 22}, "uptime", 0)
	assert.Equal(t, KindConfig, res.Kind)
	assert.True(t, strings.Contains(res.Err, "read private key"))
}

func TestProbe(t *testing.T) {
	replies := map[string]reply{}
	for _, pc := range DefaultProbeCommands {
		replies[pc.Command] = reply{stdout: pc.Key + "-ok\n"}
	}
	replies[DefaultProbeCommands[1].Command] = reply{stderr: "no top", status: 1}
	srv := newSSHServer(t, nil, replies)
	e := passwordExecutor(t)

	res := e.Probe(context.Background(), srv.host())
	require.True(t, res.Online, res.Err)
	assert.Equal(t, "uptime-ok", res.Info["uptime"])
	assert.Equal(t, "error: no top", res.Info["cpu_usage"])
	assert.Len(t, res.Info, len(DefaultProbeCommands))
	assert.EqualValues(t, len(DefaultProbeCommands), srv.commands.Load())

	require.Eventually(t, func() bool { return srv.open.Load() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestProbeOffline(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	res := passwordExecutor(t).Probe(context.Background(), fleet.Host{Name: "gone", Address: "127.0.0.1", Port: port})
	assert.False(t, res.Online)
	assert.Equal(t, KindConnection, res.Kind)
	assert.False(t, res.CheckedAt.IsZero())
}

func TestRunStepsStopsAtFailure(t *testing.T) {
	srv := newSSHServer(t, nil, map[string]reply{
		"mkdir -p /opt/t": {},
		"ln -s a b":       {stderr: "ln: b: File already exists\n", status: 1},
		"tar -xzf x":      {stderr: "tar: bad archive\n", status: 2},
		"echo never":      {stdout: "never\n"},
	})
	e := passwordExecutor(t)

	res := e.RunSteps(context.Background(), srv.host(), []Step{
		{Name: "mkdir", Command: "mkdir -p /opt/t"},
		{Name: "link", Command: "ln -s a b"},
		{Name: "extract", Command: "tar -xzf x"},
		{Name: "after", Command: "echo never"},
	}, 0)
	assert.False(t, res.Success)
	assert.Equal(t, 3, res.Step)
	assert.Equal(t, 2, res.ExitStatus)
	assert.Equal(t, "step 3 (extract): tar: bad archive", res.Err)
	assert.EqualValues(t, 3, srv.commands.Load())

	require.Eventually(t, func() bool { return srv.open.Load() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRunStepsUpload(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "templates.tar.gz")
	require.NoError(t, os.WriteFile(local, []byte("archive-bytes"), 0o600))
	remotePath := filepath.Join(dir, "uploaded.tar.gz")

	srv := newSSHServer(t, nil, map[string]reply{"nuclei -version 2>&1": {stdout: "Nuclei Engine Version: v3.3.0\n"}})
	e := passwordExecutor(t)

	res := e.RunSteps(context.Background(), srv.host(), []Step{
		{Name: "upload", Upload: &Upload{LocalPath: local, RemotePath: remotePath}},
		{Name: "verify", Command: "nuclei -version 2>&1"},
	}, 0)
	require.True(t, res.Success, res.Err)
	assert.Zero(t, res.Step)
	assert.Equal(t, "Nuclei Engine Version: v3.3.0\n", res.Stdout)

	got, err := os.ReadFile(remotePath)
	require.NoError(t, err)
	assert.Equal(t, "archive-bytes", string(got))
}

func TestRunStepsMissingArchive(t *testing.T) {
	srv := newSSHServer(t, nil, nil)
	res := passwordExecutor(t).RunSteps(context.Background(), srv.host(), []Step{
		{Name: "upload", Upload: &Upload{LocalPath: filepath.Join(t.TempDir(), "missing.tar.gz"), RemotePath: "/tmp/x"}},
	}, 0)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Step)
	assert.Equal(t, KindConfig, res.Kind)
	assert.Zero(t, srv.commands.Load())
}

func TestMetrics(t *testing.T) {
	replies := map[string]reply{}
	for _, mc := range MetricCommands {
		replies[mc.Command] = reply{stdout: " " + mc.Key + "\n"}
	}
	srv := newSSHServer(t, nil, replies)

	res := passwordExecutor(t).Metrics(context.Background(), srv.host())
	require.True(t, res.Online, res.Err)
	assert.Len(t, res.Info, len(MetricCommands))
	assert.Equal(t, "cpu_count", res.Info["cpu_count"])
	assert.Equal(t, "go_version", res.Info["go_version"])
}
