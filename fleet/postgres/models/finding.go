// File: finding.go
package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"github.com/SiriusScan/go-fleet/fleet"
)

// Finding is one scanner observation. Rows are insert-only.
type Finding struct {
	ID           uint64         `gorm:"primaryKey;autoIncrement"`
	Address      string         `gorm:"not null;size:255;index:idx_findings_address"`
	TemplateID   string         `gorm:"not null;size:255;index:idx_findings_template"`
	Method       string         `gorm:"size:50"`
	MatcherName  string         `gorm:"size:255"`
	Severity     string         `gorm:"not null;size:20;index:idx_findings_severity"`
	URL          string         `gorm:"type:text"`
	Metadata     datatypes.JSON ``
	HostID       uint           `gorm:"not null;index:idx_findings_host"`
	TaskID       uint           `gorm:"index:idx_findings_task"`
	DiscoveredAt time.Time      `gorm:"not null;index:idx_findings_discovered,sort:desc"`
}

func (Finding) TableName() string {
	return "findings"
}

func FindingFromDomain(f fleet.Finding) Finding {
	return Finding{
		Address:      f.Address,
		TemplateID:   f.TemplateID,
		Method:       f.Method,
		MatcherName:  f.MatcherName,
		Severity:     string(f.Severity),
		URL:          f.URL,
		Metadata:     datatypes.JSON(f.Metadata),
		HostID:       f.HostID,
		TaskID:       f.TaskID,
		DiscoveredAt: f.DiscoveredAt,
	}
}

func (f Finding) ToDomain() fleet.Finding {
	return fleet.Finding{
		Address:      f.Address,
		TemplateID:   f.TemplateID,
		Method:       f.Method,
		MatcherName:  f.MatcherName,
		Severity:     fleet.Severity(f.Severity),
		URL:          f.URL,
		Metadata:     json.RawMessage(f.Metadata),
		HostID:       f.HostID,
		TaskID:       f.TaskID,
		DiscoveredAt: f.DiscoveredAt,
	}
}
