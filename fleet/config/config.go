// Package config loads the coordinator settings from an optional YAML file
// and FLEET_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/SiriusScan/go-fleet/fleet/dispatch"
	"github.com/SiriusScan/go-fleet/fleet/health"
	"github.com/SiriusScan/go-fleet/fleet/postgres"
	"github.com/SiriusScan/go-fleet/fleet/remote"
	"github.com/SiriusScan/go-fleet/fleet/targets"
)

const EnvPrefix = "FLEET"

type Config struct {
	Database      postgres.Config            `mapstructure:"database"`
	Regions       map[string]postgres.Config `mapstructure:"regions"`
	DefaultRegion string                     `mapstructure:"default_region"`
	SSH           SSH                        `mapstructure:"ssh"`
	Dispatch      Dispatch                   `mapstructure:"dispatch"`
	Scan          Scan                       `mapstructure:"scan"`
	Health        Health                     `mapstructure:"health"`
	Ingest        Ingest                     `mapstructure:"ingest"`
	Valkey        Valkey                     `mapstructure:"valkey"`
	RabbitMQ      RabbitMQ                   `mapstructure:"rabbitmq"`
	API           API                        `mapstructure:"api"`
	Log           Log                        `mapstructure:"log"`
}

type SSH struct {
	Username       string        `mapstructure:"username"`
	KeyPath        string        `mapstructure:"key_path"`
	Password       string        `mapstructure:"password"`
	KnownHostsFile string        `mapstructure:"known_hosts"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
}

type Dispatch struct {
	MaxWorkers   int `mapstructure:"max_workers"`
	MaxAddresses int `mapstructure:"max_addresses"`
}

type Scan struct {
	Binary      string `mapstructure:"binary"`
	Templates   string `mapstructure:"templates"`
	RateLimit   int    `mapstructure:"rate_limit"`
	Timeout     int    `mapstructure:"timeout"`
	Retries     int    `mapstructure:"retries"`
	Concurrency int    `mapstructure:"concurrency"`
	WorkDir     string `mapstructure:"work_dir"`
}

type Health struct {
	Interval     time.Duration `mapstructure:"interval"`
	ErrorBackoff time.Duration `mapstructure:"error_backoff"`
	MaxWorkers   int           `mapstructure:"max_workers"`
}

type Ingest struct {
	ResolverCacheSize int           `mapstructure:"resolver_cache_size"`
	ResolverCacheTTL  time.Duration `mapstructure:"resolver_cache_ttl"`
}

// Valkey is optional: an empty address keeps progress and snapshots in
// process memory.
type Valkey struct {
	Addr        string        `mapstructure:"addr"`
	ProgressTTL time.Duration `mapstructure:"progress_ttl"`
}

// RabbitMQ is optional: an empty URL disables broker notifications and
// queued worker pushes.
type RabbitMQ struct {
	URL               string `mapstructure:"url"`
	NotificationQueue string `mapstructure:"notification_queue"`
	WorkerQueue       string `mapstructure:"worker_queue"`
}

type API struct {
	Addr string `mapstructure:"addr"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// New returns a viper instance with every default registered and the
// environment bound.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	scan := dispatch.DefaultScanConfig()
	defaults := map[string]any{
		"database.driver":             postgres.DriverPostgres,
		"database.dsn":                "host=localhost user=postgres password=postgres dbname=fleet port=5432 sslmode=disable",
		"default_region":              "default",
		"ssh.username":                "root",
		"ssh.key_path":                "",
		"ssh.password":                "",
		"ssh.known_hosts":             "",
		"ssh.connect_timeout":         remote.DefaultConnectTimeout,
		"ssh.command_timeout":         remote.DefaultCommandTimeout,
		"ssh.probe_timeout":           remote.DefaultProbeTimeout,
		"dispatch.max_workers":        dispatch.DefaultMaxWorkers,
		"dispatch.max_addresses":      targets.DefaultMaxAddresses,
		"scan.binary":                 scan.Binary,
		"scan.templates":              scan.Templates,
		"scan.rate_limit":             scan.RateLimit,
		"scan.timeout":                scan.Timeout,
		"scan.retries":                scan.Retries,
		"scan.concurrency":            scan.Concurrency,
		"scan.work_dir":               scan.WorkDir,
		"health.interval":             health.DefaultInterval,
		"health.error_backoff":        health.DefaultErrorBackoff,
		"health.max_workers":          health.DefaultMaxWorkers,
		"ingest.resolver_cache_size":  1024,
		"ingest.resolver_cache_ttl":   10 * time.Minute,
		"valkey.addr":                 "",
		"valkey.progress_ttl":         24 * time.Hour,
		"rabbitmq.url":                "",
		"rabbitmq.notification_queue": "fleet-notifications",
		"rabbitmq.worker_queue":       "fleet-workers",
		"api.addr":                    ":8080",
		"log.level":                   "info",
		"log.format":                  "text",
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	return v
}

// Load reads path (when non-empty) on top of the defaults and environment,
// then validates the result.
func Load(path string) (Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return Decode(v)
}

func Decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.DefaultRegion == "" {
		errs = append(errs, errors.New("default_region is required"))
	}
	if c.SSH.KeyPath != "" && c.SSH.Password != "" {
		errs = append(errs, errors.New("ssh: set key_path or password, not both"))
	}
	if c.Dispatch.MaxWorkers <= 0 {
		errs = append(errs, fmt.Errorf("dispatch.max_workers must be positive, got %d", c.Dispatch.MaxWorkers))
	}
	if c.Health.Interval <= 0 {
		errs = append(errs, fmt.Errorf("health.interval must be positive, got %s", c.Health.Interval))
	}
	for name, r := range c.Regions {
		if r.DSN == "" {
			errs = append(errs, fmt.Errorf("regions.%s.dsn is required", name))
		}
	}
	return errors.Join(errs...)
}

// RegionConfigs returns the finding stores to open. Without explicit
// regions the control database doubles as the default region.
func (c Config) RegionConfigs() map[string]postgres.Config {
	if len(c.Regions) > 0 {
		return c.Regions
	}
	return map[string]postgres.Config{c.DefaultRegion: c.Database}
}

func (c Config) Remote() remote.Config {
	return remote.Config{
		Username:       c.SSH.Username,
		KeyPath:        c.SSH.KeyPath,
		Password:       c.SSH.Password,
		KnownHostsFile: c.SSH.KnownHostsFile,
		ConnectTimeout: c.SSH.ConnectTimeout,
		CommandTimeout: c.SSH.CommandTimeout,
		ProbeTimeout:   c.SSH.ProbeTimeout,
	}
}

func (c Config) ScanConfig() dispatch.ScanConfig {
	return dispatch.ScanConfig(c.Scan)
}

func (c Config) HealthConfig() health.Config {
	return health.Config(c.Health)
}
