package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SiriusScan/go-fleet/fleet/dispatch"
	"github.com/SiriusScan/go-fleet/fleet/postgres"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, postgres.DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, "default", cfg.DefaultRegion)
	assert.Equal(t, 300*time.Second, cfg.Health.Interval)
	assert.Equal(t, 10, cfg.Dispatch.MaxWorkers)
	assert.Equal(t, dispatch.DefaultScanConfig(), cfg.ScanConfig())
	assert.Equal(t, map[string]postgres.Config{"default": cfg.Database}, cfg.RegionConfigs())
	assert.Empty(t, cfg.Valkey.Addr)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: sqlite
  dsn: file:control.db
default_region: eu
regions:
  eu:
    driver: postgres
    dsn: host=eu-db
  us:
    driver: postgres
    dsn: host=us-db
ssh:
  username: scanner
  key_path: /keys/id_ed25519
health:
  interval: 30s
`), 0o600))
	t.Setenv("FLEET_DISPATCH_MAX_WORKERS", "4")
	t.Setenv("FLEET_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "eu", cfg.DefaultRegion)
	assert.Len(t, cfg.RegionConfigs(), 2)
	assert.Equal(t, "host=us-db", cfg.Regions["us"].DSN)
	assert.Equal(t, 30*time.Second, cfg.HealthConfig().Interval)
	assert.Equal(t, 4, cfg.Dispatch.MaxWorkers)
	assert.Equal(t, "debug", cfg.Log.Level)

	rc := cfg.Remote()
	assert.Equal(t, "scanner", rc.Username)
	assert.Equal(t, "/keys/id_ed25519", rc.KeyPath)
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.SSH.KeyPath, cfg.SSH.Password = "/k", "p"
	cfg.Dispatch.MaxWorkers = 0
	cfg.Regions = map[string]postgres.Config{"eu": {Driver: "postgres"}}
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not both")
	assert.Contains(t, err.Error(), "dispatch.max_workers")
	assert.Contains(t, err.Error(), "regions.eu.dsn")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
