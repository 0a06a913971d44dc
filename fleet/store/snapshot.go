package store

import "time"

// FindingSnapshot is a point-in-time summary of one region's findings.
type FindingSnapshot struct {
	SnapshotID string            `json:"snapshot_id"` // YYYY-MM-DD-HHMMSS
	Region     string            `json:"region"`
	Timestamp  time.Time         `json:"timestamp"`
	Counts     SeverityCounts    `json:"counts"`
	ByHost     []HostFindingStat `json:"by_host"`
	Metadata   SnapshotMetadata  `json:"metadata"`
}

// SeverityCounts counts findings by severity.
type SeverityCounts struct {
	Total    int `json:"total"`
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Info     int `json:"info"`
}

// HostFindingStat counts findings reported by one fleet host.
type HostFindingStat struct {
	HostID uint `json:"host_id"`
	SeverityCounts
}

type SnapshotMetadata struct {
	Tasks              int   `json:"tasks"`
	Addresses          int   `json:"addresses"`
	SnapshotDurationMs int64 `json:"snapshot_duration_ms"`
}
