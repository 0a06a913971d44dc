package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"gorm.io/gorm"

	"github.com/SiriusScan/go-fleet/fleet/store"
)

// MaxSnapshots is how many snapshots are kept per region.
const MaxSnapshots = 10

// RegionSource resolves a region name to its finding store.
type RegionSource interface {
	Get(region string) (*gorm.DB, error)
}

// Manager handles snapshot creation, lookup and retention per region.
type Manager struct {
	kvStore    store.KVStore
	regions    RegionSource
	calculator *Calculator
}

func NewManager(kvStore store.KVStore, regions RegionSource) *Manager {
	return &Manager{
		kvStore:    kvStore,
		regions:    regions,
		calculator: NewCalculator(kvStore),
	}
}

func snapshotKey(region, snapshotID string) string {
	return fmt.Sprintf("fleet:snapshot:%s:%s", region, snapshotID)
}

// CreateSnapshot calculates and stores a snapshot of region, then prunes
// the oldest snapshots beyond MaxSnapshots.
func (m *Manager) CreateSnapshot(ctx context.Context, region, snapshotID string) (*store.FindingSnapshot, error) {
	db, err := m.regions.Get(region)
	if err != nil {
		return nil, err
	}
	snap, err := m.calculator.Calculate(ctx, db, region, snapshotID)
	if err != nil {
		return nil, err
	}
	if err := m.calculator.Save(ctx, snap); err != nil {
		return nil, err
	}
	if err := m.CleanupOldSnapshots(ctx, region); err != nil {
		slog.Warn("Failed to cleanup old snapshots", "region", region, "error", err)
	}
	return snap, nil
}

func (m *Manager) GetSnapshot(ctx context.Context, region, snapshotID string) (*store.FindingSnapshot, error) {
	raw, err := m.kvStore.GetValue(ctx, snapshotKey(region, snapshotID))
	if err != nil {
		return nil, fmt.Errorf("snapshot not found for %s/%s: %w", region, snapshotID, err)
	}
	var snap store.FindingSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// ListSnapshots returns the snapshot IDs of region, most recent first.
func (m *Manager) ListSnapshots(ctx context.Context, region string) ([]string, error) {
	prefix := snapshotKey(region, "")
	keys, err := m.kvStore.ListKeys(ctx, prefix+"*")
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		if id, ok := strings.CutPrefix(key, prefix); ok && id != "" {
			ids = append(ids, id)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return ids, nil
}

// GetLatestSnapshot returns the most recent snapshot of region.
func (m *Manager) GetLatestSnapshot(ctx context.Context, region string) (*store.FindingSnapshot, error) {
	ids, err := m.ListSnapshots(ctx, region)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no snapshots available for region %s", region)
	}
	return m.GetSnapshot(ctx, region, ids[0])
}

// GetTrendData returns up to limit of the most recent snapshots.
func (m *Manager) GetTrendData(ctx context.Context, region string, limit int) ([]*store.FindingSnapshot, error) {
	limit = min(limit, MaxSnapshots)
	ids, err := m.ListSnapshots(ctx, region)
	if err != nil {
		return nil, err
	}
	if len(ids) > limit {
		ids = ids[:limit]
	}
	snaps := make([]*store.FindingSnapshot, 0, len(ids))
	for _, id := range ids {
		snap, err := m.GetSnapshot(ctx, region, id)
		if err != nil {
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// CleanupOldSnapshots keeps only the MaxSnapshots most recent snapshots.
func (m *Manager) CleanupOldSnapshots(ctx context.Context, region string) error {
	ids, err := m.ListSnapshots(ctx, region)
	if err != nil {
		return err
	}
	if len(ids) <= MaxSnapshots {
		return nil
	}
	for _, id := range ids[MaxSnapshots:] {
		key := snapshotKey(region, id)
		if err := m.kvStore.DeleteValue(ctx, key); err != nil {
			slog.Warn("Failed to delete old snapshot", "key", key, "error", err)
		}
	}
	return nil
}
