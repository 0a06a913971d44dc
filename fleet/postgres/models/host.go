// File: host.go
package models

import (
	"time"

	"github.com/SiriusScan/go-fleet/fleet"
)

// Host is a fleet machine reachable over SSH.
type Host struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"not null;size:255"`
	Address   string `gorm:"not null;size:64;uniqueIndex"`
	Port      int    `gorm:"not null;default:22"`
	Username  string `gorm:"size:100"`
	KeyPath   string `gorm:"size:1024"`
	Password  string `gorm:"size:255"`
	Status    string `gorm:"not null;size:20;index:idx_hosts_status"`
	LastSeen  *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Host) TableName() string {
	return "hosts"
}

func HostFromDomain(h fleet.Host) Host {
	return Host{
		ID:        h.ID,
		Name:      h.Name,
		Address:   h.Address,
		Port:      h.Port,
		Username:  h.Username,
		KeyPath:   h.Credential.KeyPath,
		Password:  h.Credential.Password,
		Status:    string(h.Status),
		LastSeen:  h.LastSeen,
		CreatedAt: h.CreatedAt,
	}
}

func (h Host) ToDomain() fleet.Host {
	return fleet.Host{
		ID:         h.ID,
		Name:       h.Name,
		Address:    h.Address,
		Port:       h.Port,
		Username:   h.Username,
		Credential: fleet.Credential{KeyPath: h.KeyPath, Password: h.Password},
		Status:     fleet.HostStatus(h.Status),
		LastSeen:   h.LastSeen,
		CreatedAt:  h.CreatedAt,
	}
}
