// File: task.go
package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/SiriusScan/go-fleet/fleet"
)

// ScanTask is one unit of scan work: target specifications plus the hosts
// that execute them.
type ScanTask struct {
	ID          uint                        `gorm:"primaryKey"`
	Name        string                      `gorm:"not null;size:255"`
	Targets     datatypes.JSONSlice[string] `gorm:"not null"`
	HostIDs     datatypes.JSONSlice[uint]   `gorm:"not null"`
	Region      string                      `gorm:"not null;size:100"`
	Status      string                      `gorm:"not null;size:20;index:idx_scan_tasks_status"`
	Error       string                      `gorm:"type:text"`
	CreatedAt   time.Time                   `gorm:"index:idx_scan_tasks_created,sort:desc"`
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

func (ScanTask) TableName() string {
	return "scan_tasks"
}

func ScanTaskFromDomain(t fleet.ScanTask) ScanTask {
	return ScanTask{
		ID:          t.ID,
		Name:        t.Name,
		Targets:     datatypes.NewJSONSlice(t.Targets),
		HostIDs:     datatypes.NewJSONSlice(t.HostIDs),
		Region:      t.Region,
		Status:      string(t.Status),
		Error:       t.Error,
		CreatedAt:   t.CreatedAt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
	}
}

func (t ScanTask) ToDomain() fleet.ScanTask {
	return fleet.ScanTask{
		ID:          t.ID,
		Name:        t.Name,
		Targets:     []string(t.Targets),
		HostIDs:     []uint(t.HostIDs),
		Region:      t.Region,
		Status:      fleet.TaskStatus(t.Status),
		Error:       t.Error,
		CreatedAt:   t.CreatedAt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
	}
}
