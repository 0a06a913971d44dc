package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"gorm.io/gorm"

	"github.com/SiriusScan/go-fleet/fleet/config"
	"github.com/SiriusScan/go-fleet/fleet/postgres"
)

// Raw postgres DDL for deployments that manage schema outside the
// coordinator. `fleetd db migrate` covers sqlite and libsql.

var controlTables = []string{
	`CREATE TABLE IF NOT EXISTS hosts (
		id BIGSERIAL PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		address VARCHAR(64) NOT NULL,
		port INTEGER NOT NULL DEFAULT 22,
		username VARCHAR(100),
		key_path VARCHAR(1024),
		password VARCHAR(255),
		status VARCHAR(20) NOT NULL DEFAULT 'unknown',
		last_seen TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
	`CREATE TABLE IF NOT EXISTS scan_tasks (
		id BIGSERIAL PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		targets JSONB NOT NULL,
		host_ids JSONB NOT NULL,
		region VARCHAR(100) NOT NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'pending',
		error TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
	`CREATE TABLE IF NOT EXISTS events (
		id BIGSERIAL PRIMARY KEY,
		event_id VARCHAR(255) UNIQUE NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		service VARCHAR(100) NOT NULL,
		event_type VARCHAR(50) NOT NULL,
		severity VARCHAR(20) NOT NULL,
		title VARCHAR(255) NOT NULL,
		description TEXT,
		metadata JSONB,
		entity_type VARCHAR(50),
		entity_id VARCHAR(255),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
}

var controlIndexes = []string{
	"CREATE UNIQUE INDEX IF NOT EXISTS idx_hosts_address ON hosts(address);",
	"CREATE INDEX IF NOT EXISTS idx_hosts_status ON hosts(status);",
	"CREATE INDEX IF NOT EXISTS idx_scan_tasks_status ON scan_tasks(status);",
	"CREATE INDEX IF NOT EXISTS idx_scan_tasks_created ON scan_tasks(created_at DESC);",
	"CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp DESC);",
	"CREATE INDEX IF NOT EXISTS idx_events_service ON events(service);",
	"CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);",
	"CREATE INDEX IF NOT EXISTS idx_events_severity ON events(severity);",
	"CREATE INDEX IF NOT EXISTS idx_events_entity ON events(entity_type, entity_id);",
}

var regionTables = []string{
	`CREATE TABLE IF NOT EXISTS findings (
		id BIGSERIAL PRIMARY KEY,
		address VARCHAR(255) NOT NULL,
		template_id VARCHAR(255) NOT NULL,
		method VARCHAR(50),
		matcher_name VARCHAR(255),
		severity VARCHAR(20) NOT NULL,
		url TEXT,
		metadata JSONB,
		host_id BIGINT NOT NULL,
		task_id BIGINT,
		discovered_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
}

var regionIndexes = []string{
	"CREATE INDEX IF NOT EXISTS idx_findings_address ON findings(address);",
	"CREATE INDEX IF NOT EXISTS idx_findings_template ON findings(template_id);",
	"CREATE INDEX IF NOT EXISTS idx_findings_severity ON findings(severity);",
	"CREATE INDEX IF NOT EXISTS idx_findings_host ON findings(host_id);",
	"CREATE INDEX IF NOT EXISTS idx_findings_task ON findings(task_id);",
	"CREATE INDEX IF NOT EXISTS idx_findings_discovered ON findings(discovered_at DESC);",
}

func main() {
	configPath := flag.String("config", os.Getenv("FLEET_CONFIG"), "config file")
	rollback := flag.Bool("rollback", false, "drop the fleet schema")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Println("Starting migration 001: fleet schema")

	control, err := postgres.Open(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to control database: %v", err)
	}
	defer postgres.Close(control)

	apply := migrateUp
	if *rollback {
		apply = migrateDown
	}

	if err := apply(control, controlTables, controlIndexes, "hosts", "scan_tasks", "events"); err != nil {
		log.Fatalf("Control schema migration failed: %v", err)
	}
	for name, rc := range cfg.RegionConfigs() {
		db, err := postgres.Open(rc)
		if err != nil {
			log.Fatalf("Failed to connect to region %s: %v", name, err)
		}
		err = apply(db, regionTables, regionIndexes, "findings")
		postgres.Close(db)
		if err != nil {
			log.Fatalf("Region %s migration failed: %v", name, err)
		}
		log.Printf("Region %s migrated", name)
	}

	log.Println("Migration 001 completed successfully")
}

func migrateUp(db *gorm.DB, tables, indexes []string, _ ...string) error {
	for _, sql := range tables {
		if err := db.Exec(sql).Error; err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	for _, sql := range indexes {
		if err := db.Exec(sql).Error; err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// migrateDown drops the named tables; their indexes go with them.
func migrateDown(db *gorm.DB, _, _ []string, names ...string) error {
	for _, name := range names {
		if err := db.Exec("DROP TABLE IF EXISTS " + name + ";").Error; err != nil {
			return fmt.Errorf("failed to drop %s: %w", name, err)
		}
	}
	return nil
}
