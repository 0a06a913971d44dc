package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SiriusScan/go-fleet/fleet"
	"github.com/SiriusScan/go-fleet/fleet/remote"
)

type fakeProvisioner struct {
	fakeRunner
	failStep map[uint]int

	stepsMu sync.Mutex
	steps   map[uint][]remote.Step
}

func (f *fakeProvisioner) RunSteps(_ context.Context, host fleet.Host, steps []remote.Step, _ time.Duration) remote.Result {
	f.stepsMu.Lock()
	if f.steps == nil {
		f.steps = map[uint][]remote.Step{}
	}
	f.steps[host.ID] = steps
	f.stepsMu.Unlock()

	if n := f.failStep[host.ID]; n > 0 {
		return remote.Result{ExitStatus: 1, Kind: remote.KindCommand, Step: n, Err: "step failed"}
	}
	return remote.Result{Success: true, Stdout: "  Nuclei Engine Version: v3.3.0\n"}
}

func (f *fakeProvisioner) Metrics(_ context.Context, host fleet.Host) remote.ProbeResult {
	return remote.ProbeResult{Online: true, Info: map[string]string{"cpu_count": "4", "host": host.Name}}
}

func TestInstallSteps(t *testing.T) {
	cfg := DefaultScanConfig()
	cfg.Binary = "/usr/local/bin/nuclei"
	steps := InstallSteps(cfg)

	require.NotEmpty(t, steps)
	last := steps[len(steps)-1]
	assert.Equal(t, "verify", last.Name)
	assert.Equal(t, "'/usr/local/bin/nuclei' -version 2>&1", last.Command)
	for _, s := range steps {
		assert.Nil(t, s.Upload, s.Name)
		assert.NotEmpty(t, s.Command, s.Name)
	}
	assert.Contains(t, steps[4].Command, `"$HOME/go/bin/nuclei"`)
}

func TestInstall(t *testing.T) {
	p := &fakeProvisioner{failStep: map[uint]int{2: 5}}
	d := New(p, 4, 0)

	var reported sync.Map
	res := d.Install(context.Background(), hosts(3), DefaultScanConfig(), func(h fleet.Host, r remote.Result) {
		reported.Store(h.ID, r.Success)
	})

	require.Len(t, res, 3)
	assert.True(t, res[1].Success)
	assert.Equal(t, "Nuclei Engine Version: v3.3.0", res[1].Stdout)
	assert.False(t, res[2].Success)
	assert.Equal(t, 5, res[2].Step)
	v, _ := reported.Load(uint(2))
	assert.Equal(t, false, v)
	assert.Len(t, p.steps[3], len(InstallSteps(DefaultScanConfig())))
}

func TestDeployTemplates(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "custom.tar.gz")
	require.NoError(t, os.WriteFile(archive, []byte("x"), 0o600))

	p := &fakeProvisioner{}
	d := New(p, 2, 0)
	res, err := d.DeployTemplates(context.Background(), hosts(2), DefaultScanConfig(), archive, nil)
	require.NoError(t, err)
	require.Len(t, res, 2)

	staged := map[string]bool{}
	for id, steps := range p.steps {
		require.Len(t, steps, 5, id)
		up := steps[1].Upload
		require.NotNil(t, up)
		assert.Equal(t, archive, up.LocalPath)
		assert.True(t, strings.HasPrefix(up.RemotePath, "/tmp/fleet-templates-"))
		assert.Contains(t, steps[2].Command, "'/opt/custom-templates'")
		assert.Contains(t, steps[2].Command, up.RemotePath)
		staged[up.RemotePath] = true
	}
	assert.Len(t, staged, 2)
}

func TestDeployTemplatesMissingArchive(t *testing.T) {
	p := &fakeProvisioner{}
	_, err := New(p, 2, 0).DeployTemplates(context.Background(), hosts(2), DefaultScanConfig(), filepath.Join(t.TempDir(), "none.tar.gz"), nil)
	require.ErrorIs(t, err, os.ErrNotExist)
	assert.Empty(t, p.steps)

	_, err = New(p, 2, 0).DeployTemplates(context.Background(), hosts(1), DefaultScanConfig(), t.TempDir(), nil)
	assert.Error(t, err)
}

func TestUpdateTemplates(t *testing.T) {
	r := &fakeRunner{}
	res := New(r, 2, 0).UpdateTemplates(context.Background(), hosts(2), DefaultScanConfig(), nil)
	assert.Len(t, res, 2)
	assert.Equal(t, "'nuclei' -update-templates", r.commands[1])
}

func TestProvisioningNeedsStepRunner(t *testing.T) {
	d := New(&fakeRunner{}, 2, 0)
	res := d.Install(context.Background(), hosts(2), DefaultScanConfig(), nil)
	require.Len(t, res, 2)
	for _, r := range res {
		assert.Equal(t, remote.KindConfig, r.Kind)
	}
	metrics := d.CollectMetrics(context.Background(), hosts(1))
	assert.Equal(t, remote.KindConfig, metrics[1].Kind)
}

func TestCollectMetrics(t *testing.T) {
	metrics := New(&fakeProvisioner{}, 2, 0).CollectMetrics(context.Background(), hosts(3))
	require.Len(t, metrics, 3)
	assert.True(t, metrics[2].Online)
	assert.Equal(t, "hb", metrics[2].Info["host"])
}
