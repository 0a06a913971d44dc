// File: connection.go
package postgres

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/SiriusScan/go-fleet/fleet/postgres/models"
)

// Supported values for Config.Driver.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverLibSQL   = "libsql"
)

// Config names one database.
type Config struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// Open connects to the database described by cfg.
func Open(cfg Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "", DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	case DriverSQLite:
		dialector = sqlite.Open(cfg.DSN)
	case DriverLibSQL:
		dialector = sqlite.New(sqlite.Config{DSN: cfg.DSN, DriverName: "libsql"})
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("error connecting to %s database: %w", driverName(cfg.Driver), err)
	}
	return db, nil
}

// MigrateControl creates the coordinator's own tables.
func MigrateControl(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.Host{}, &models.ScanTask{}, &models.Event{}); err != nil {
		return fmt.Errorf("error migrating control schema: %w", err)
	}
	return nil
}

// MigrateRegion creates the tables held by a region store.
func MigrateRegion(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.Finding{}); err != nil {
		return fmt.Errorf("error migrating region schema: %w", err)
	}
	return nil
}

// Regions holds one finding store per region.
type Regions struct {
	mu    sync.RWMutex
	dbs   map[string]*gorm.DB
	deflt string
}

// OpenRegions connects to and migrates every configured region. The
// default region must be among them.
func OpenRegions(cfgs map[string]Config, defaultRegion string) (*Regions, error) {
	if _, ok := cfgs[defaultRegion]; !ok {
		return nil, fmt.Errorf("default region %q is not configured", defaultRegion)
	}
	r := &Regions{dbs: make(map[string]*gorm.DB, len(cfgs)), deflt: defaultRegion}
	for name, cfg := range cfgs {
		db, err := Open(cfg)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("region %s: %w", name, err)
		}
		if err := MigrateRegion(db); err != nil {
			r.Close()
			return nil, fmt.Errorf("region %s: %w", name, err)
		}
		r.dbs[name] = db
		slog.Info("Region store ready", "region", name, "driver", driverName(cfg.Driver))
	}
	return r, nil
}

// NewRegions wraps already-open stores.
func NewRegions(dbs map[string]*gorm.DB, defaultRegion string) *Regions {
	cp := make(map[string]*gorm.DB, len(dbs))
	for k, v := range dbs {
		cp[k] = v
	}
	return &Regions{dbs: cp, deflt: defaultRegion}
}

// Get returns the store for region, or the default store for "".
func (r *Regions) Get(region string) (*gorm.DB, error) {
	if region == "" {
		region = r.deflt
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	db, ok := r.dbs[region]
	if !ok {
		return nil, fmt.Errorf("unknown region %q", region)
	}
	return db, nil
}

func (r *Regions) Default() string {
	return r.deflt
}

// Names returns the configured region names in sorted order.
func (r *Regions) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.dbs))
	for name := range r.dbs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every region connection.
func (r *Regions) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for name, db := range r.dbs {
		if err := Close(db); err != nil {
			errs = append(errs, fmt.Errorf("region %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Close releases the pool behind db.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks that the database answers.
func Ping(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func driverName(d string) string {
	if d == "" {
		return DriverPostgres
	}
	return d
}
