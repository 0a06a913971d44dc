package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/SiriusScan/go-fleet/fleet/postgres/models"
	"github.com/SiriusScan/go-fleet/fleet/store"
)

const severityColumns = `
	COUNT(*) as total,
	SUM(CASE WHEN severity = 'critical' THEN 1 ELSE 0 END) as critical,
	SUM(CASE WHEN severity = 'high' THEN 1 ELSE 0 END) as high,
	SUM(CASE WHEN severity = 'medium' THEN 1 ELSE 0 END) as medium,
	SUM(CASE WHEN severity = 'low' THEN 1 ELSE 0 END) as low,
	SUM(CASE WHEN severity = 'info' THEN 1 ELSE 0 END) as info`

// Calculator builds finding snapshots from a region store.
type Calculator struct {
	kvStore store.KVStore
}

func NewCalculator(kvStore store.KVStore) *Calculator {
	return &Calculator{kvStore: kvStore}
}

// Calculate summarises the findings held by db. An empty snapshotID
// generates a timestamp-based one.
func (c *Calculator) Calculate(ctx context.Context, db *gorm.DB, region, snapshotID string) (*store.FindingSnapshot, error) {
	start := time.Now()
	now := start.UTC()
	if snapshotID == "" {
		snapshotID = now.Format("2006-01-02-150405")
	}
	snap := &store.FindingSnapshot{SnapshotID: snapshotID, Region: region, Timestamp: now}
	q := db.WithContext(ctx).Model(&models.Finding{})

	var counts nullableCounts
	if err := q.Session(&gorm.Session{}).Select(severityColumns).Scan(&counts).Error; err != nil {
		return nil, fmt.Errorf("failed to calculate severity counts: %w", err)
	}
	snap.Counts = counts.value()

	var hostRows []struct {
		HostID   uint
		Total    int
		Critical *int
		High     *int
		Medium   *int
		Low      *int
		Info     *int
	}
	err := q.Session(&gorm.Session{}).
		Select("host_id, " + severityColumns).
		Group("host_id").
		Order("host_id").
		Scan(&hostRows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to calculate per-host counts: %w", err)
	}
	snap.ByHost = make([]store.HostFindingStat, len(hostRows))
	for i, row := range hostRows {
		nc := nullableCounts{row.Total, row.Critical, row.High, row.Medium, row.Low, row.Info}
		snap.ByHost[i] = store.HostFindingStat{HostID: row.HostID, SeverityCounts: nc.value()}
	}

	var tasks, addresses int64
	if err := q.Session(&gorm.Session{}).Distinct("task_id").Count(&tasks).Error; err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	if err := q.Session(&gorm.Session{}).Distinct("address").Count(&addresses).Error; err != nil {
		return nil, fmt.Errorf("failed to count addresses: %w", err)
	}
	snap.Metadata = store.SnapshotMetadata{
		Tasks:              int(tasks),
		Addresses:          int(addresses),
		SnapshotDurationMs: time.Since(start).Milliseconds(),
	}
	return snap, nil
}

// Save stores snap under its region.
func (c *Calculator) Save(ctx context.Context, snap *store.FindingSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return c.kvStore.SetValue(ctx, snapshotKey(snap.Region, snap.SnapshotID), string(data))
}

// SUM over zero rows is NULL.
type nullableCounts struct {
	Total    int
	Critical *int
	High     *int
	Medium   *int
	Low      *int
	Info     *int
}

func (n nullableCounts) value() store.SeverityCounts {
	deref := func(p *int) int {
		if p == nil {
			return 0
		}
		return *p
	}
	return store.SeverityCounts{
		Total:    n.Total,
		Critical: deref(n.Critical),
		High:     deref(n.High),
		Medium:   deref(n.Medium),
		Low:      deref(n.Low),
		Info:     deref(n.Info),
	}
}
