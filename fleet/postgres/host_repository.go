package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/SiriusScan/go-fleet/fleet"
	"github.com/SiriusScan/go-fleet/fleet/postgres/models"
)

// ErrHostBusy is returned when deleting a host that a pending or running
// task still references.
var ErrHostBusy = errors.New("host is assigned to an active task")

// HostRepository provides database operations for fleet hosts.
type HostRepository struct {
	db *gorm.DB
}

func NewHostRepository(db *gorm.DB) *HostRepository {
	return &HostRepository{db: db}
}

// AddHost validates and stores h, returning it with its assigned ID.
func (r *HostRepository) AddHost(ctx context.Context, h fleet.Host) (fleet.Host, error) {
	if err := h.Validate(); err != nil {
		return fleet.Host{}, err
	}
	row := models.HostFromDomain(h)
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fleet.Host{}, fmt.Errorf("failed to add host %s: %w", h.Address, err)
	}
	slog.Info("Added host to database", "host_id", row.ID, "address", row.Address)
	return row.ToDomain(), nil
}

func (r *HostRepository) GetHost(ctx context.Context, id uint) (fleet.Host, error) {
	var row models.Host
	err := r.db.WithContext(ctx).First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fleet.Host{}, fmt.Errorf("%w: %d", fleet.ErrHostNotFound, id)
	}
	if err != nil {
		return fleet.Host{}, fmt.Errorf("failed to get host %d: %w", id, err)
	}
	return row.ToDomain(), nil
}

// ListHosts returns every host ordered by ID.
func (r *HostRepository) ListHosts(ctx context.Context) ([]fleet.Host, error) {
	var rows []models.Host
	if err := r.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list hosts: %w", err)
	}
	return toHosts(rows), nil
}

// GetHosts returns the hosts with the given IDs in the order requested.
// Unknown IDs are omitted.
func (r *HostRepository) GetHosts(ctx context.Context, ids []uint) ([]fleet.Host, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []models.Host
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to get hosts: %w", err)
	}
	byID := make(map[uint]models.Host, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}
	out := make([]fleet.Host, 0, len(rows))
	for _, id := range ids {
		if row, ok := byID[id]; ok {
			out = append(out, row.ToDomain())
		}
	}
	return out, nil
}

// UpdateHostStatus records the status and last-seen time of a host.
func (r *HostRepository) UpdateHostStatus(ctx context.Context, id uint, status fleet.HostStatus, seen time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("%w: host status %q", fleet.ErrInvalidRecord, status)
	}
	res := r.db.WithContext(ctx).Model(&models.Host{}).Where("id = ?", id).
		Updates(map[string]any{"status": string(status), "last_seen": seen})
	if res.Error != nil {
		return fmt.Errorf("failed to update host %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %d", fleet.ErrHostNotFound, id)
	}
	return nil
}

// DeleteHost removes a host unless an active task still references it.
func (r *HostRepository) DeleteHost(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active []models.ScanTask
		err := tx.Where("status IN ?", []string{string(fleet.TaskPending), string(fleet.TaskRunning)}).
			Find(&active).Error
		if err != nil {
			return fmt.Errorf("failed to check active tasks: %w", err)
		}
		for _, t := range active {
			for _, hid := range t.HostIDs {
				if hid == id {
					return fmt.Errorf("%w: host %d, task %d", ErrHostBusy, id, t.ID)
				}
			}
		}
		res := tx.Delete(&models.Host{}, id)
		if res.Error != nil {
			return fmt.Errorf("failed to delete host %d: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %d", fleet.ErrHostNotFound, id)
		}
		return nil
	})
}

func toHosts(rows []models.Host) []fleet.Host {
	out := make([]fleet.Host, len(rows))
	for i, row := range rows {
		out[i] = row.ToDomain()
	}
	return out
}
