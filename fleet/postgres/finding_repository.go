package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/SiriusScan/go-fleet/fleet"
	"github.com/SiriusScan/go-fleet/fleet/postgres/models"
)

// FindingRepository stores findings in one region store.
type FindingRepository struct {
	db *gorm.DB
}

func NewFindingRepository(db *gorm.DB) *FindingRepository {
	return &FindingRepository{db: db}
}

// SaveFinding inserts f. Findings are never updated.
func (r *FindingRepository) SaveFinding(ctx context.Context, f fleet.Finding) error {
	row := models.FindingFromDomain(f)
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to save finding %s for %s: %w", f.TemplateID, f.Address, err)
	}
	return nil
}

// FindingFilters narrows ListFindings. Zero values match everything.
type FindingFilters struct {
	TaskID   uint
	HostID   uint
	Severity fleet.Severity
	Limit    int
	Offset   int
}

// ListFindings returns findings newest first.
func (r *FindingRepository) ListFindings(ctx context.Context, f FindingFilters) ([]fleet.Finding, error) {
	q := r.db.WithContext(ctx).Model(&models.Finding{})
	if f.TaskID != 0 {
		q = q.Where("task_id = ?", f.TaskID)
	}
	if f.HostID != 0 {
		q = q.Where("host_id = ?", f.HostID)
	}
	if f.Severity != "" {
		q = q.Where("severity = ?", string(f.Severity))
	}
	if f.Limit <= 0 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	var rows []models.Finding
	err := q.Order("discovered_at DESC").Order("id DESC").Limit(f.Limit).Offset(f.Offset).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list findings: %w", err)
	}
	out := make([]fleet.Finding, len(rows))
	for i, row := range rows {
		out[i] = row.ToDomain()
	}
	return out, nil
}

// CountBySeverity returns the number of stored findings per severity.
func (r *FindingRepository) CountBySeverity(ctx context.Context) (map[fleet.Severity]int, error) {
	var rows []struct {
		Severity string
		Count    int
	}
	err := r.db.WithContext(ctx).Model(&models.Finding{}).
		Select("severity, count(*) as count").
		Group("severity").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count findings: %w", err)
	}
	counts := make(map[fleet.Severity]int, len(rows))
	for _, row := range rows {
		counts[fleet.Severity(row.Severity)] = row.Count
	}
	return counts, nil
}
