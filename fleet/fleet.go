// Package fleet holds the records shared by the coordinator's components:
// hosts, scan tasks and findings, plus the error taxonomy every layer
// reports through.
package fleet

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// ========================= ERRORS =========================

var (
	ErrConnection           = errors.New("remote connection failed")
	ErrRangeTooLarge        = errors.New("address range too large")
	ErrInvalidSpecification = errors.New("invalid target specification")
	ErrParse                = errors.New("malformed scanner output")
	ErrPartialFailure       = errors.New("scan failed on some hosts")
	ErrNoAvailableHosts     = errors.New("no available hosts")
	ErrEmptyTargetSet       = errors.New("targets resolve to no addresses")
	ErrInvalidTransition    = errors.New("invalid task status transition")
	ErrTaskNotFound         = errors.New("task not found")
	ErrHostNotFound         = errors.New("host not found")
	ErrInvalidRecord        = errors.New("invalid record")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRecord, fmt.Sprintf(format, args...))
}

// ========================= HOST =========================

type HostStatus string

const (
	HostUnknown HostStatus = "unknown"
	HostOnline  HostStatus = "online"
	HostOffline HostStatus = "offline"
	HostError   HostStatus = "error"
)

func (s HostStatus) Valid() bool {
	switch s {
	case HostUnknown, HostOnline, HostOffline, HostError:
		return true
	}
	return false
}

// Credential references how to authenticate against a host. At most one of
// KeyPath and Password is set; an empty Credential defers to the
// executor's configured default.
type Credential struct {
	KeyPath  string `json:"key_path,omitempty"`
	Password string `json:"-"`
}

func (c Credential) Empty() bool {
	return c.KeyPath == "" && c.Password == ""
}

type Host struct {
	ID         uint       `json:"id"`
	Name       string     `json:"name"`
	Address    string     `json:"address"`
	Port       int        `json:"port"`
	Username   string     `json:"username,omitempty"`
	Credential Credential `json:"credential"`
	Status     HostStatus `json:"status"`
	LastSeen   *time.Time `json:"last_seen,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// NewHost validates and builds a host that has not been probed yet.
func NewHost(name, address string, port int, cred Credential) (Host, error) {
	h := Host{
		Name:       strings.TrimSpace(name),
		Address:    strings.TrimSpace(address),
		Port:       port,
		Credential: cred,
		Status:     HostUnknown,
	}
	if h.Port == 0 {
		h.Port = 22
	}
	return h, h.Validate()
}

func (h Host) Validate() error {
	if h.Name == "" {
		return invalid("host name is empty")
	}
	if _, err := netip.ParseAddr(h.Address); err != nil {
		return invalid("host address %q is not an IP address", h.Address)
	}
	if h.Port < 1 || h.Port > 65535 {
		return invalid("host port %d out of range", h.Port)
	}
	if h.Credential.KeyPath != "" && h.Credential.Password != "" {
		return invalid("host %s has both a key path and a password", h.Name)
	}
	if !h.Status.Valid() {
		return invalid("host status %q", h.Status)
	}
	return nil
}

// Endpoint returns the host:port dial address.
func (h Host) Endpoint() string {
	return net.JoinHostPort(h.Address, strconv.Itoa(h.Port))
}

// ========================= TASK =========================

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskRunning, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// CanTransition reports whether the state machine allows moving from s to next.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case TaskPending:
		return next == TaskRunning
	case TaskRunning:
		return next.Terminal()
	}
	return false
}

type ScanTask struct {
	ID          uint       `json:"id"`
	Name        string     `json:"name"`
	Targets     []string   `json:"targets"`
	HostIDs     []uint     `json:"host_ids"`
	Region      string     `json:"region"`
	Status      TaskStatus `json:"status"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewScanTask builds a pending task. Target strings are kept verbatim; they
// are resolved by the targets package.
func NewScanTask(name string, targets []string, hostIDs []uint, region string) (ScanTask, error) {
	t := ScanTask{
		Name:    strings.TrimSpace(name),
		Region:  strings.TrimSpace(region),
		Status:  TaskPending,
		Targets: make([]string, 0, len(targets)),
	}
	for _, target := range targets {
		if target = strings.TrimSpace(target); target != "" {
			t.Targets = append(t.Targets, target)
		}
	}
	seen := make(map[uint]bool, len(hostIDs))
	for _, id := range hostIDs {
		if !seen[id] {
			seen[id] = true
			t.HostIDs = append(t.HostIDs, id)
		}
	}
	return t, t.Validate()
}

func (t ScanTask) Validate() error {
	if t.Name == "" {
		return invalid("task name is empty")
	}
	if len(t.Targets) == 0 {
		return invalid("task %q has no targets", t.Name)
	}
	if len(t.HostIDs) == 0 {
		return invalid("task %q has no assigned hosts", t.Name)
	}
	if t.Region == "" {
		return invalid("task %q has no region", t.Name)
	}
	if !t.Status.Valid() {
		return invalid("task status %q", t.Status)
	}
	return nil
}

// ========================= FINDING =========================

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity maps engine severities onto the known set, defaulting to info.
func ParseSeverity(s string) Severity {
	switch sev := Severity(strings.ToLower(strings.TrimSpace(s))); sev {
	case SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return sev
	}
	return SeverityInfo
}

// Alerting reports whether a finding of this severity warrants a notification.
func (s Severity) Alerting() bool {
	return s == SeverityHigh || s == SeverityCritical
}

type Finding struct {
	Address      string          `json:"address"`
	TemplateID   string          `json:"template_id"`
	Method       string          `json:"method"`
	MatcherName  string          `json:"matcher_name,omitempty"`
	Severity     Severity        `json:"severity"`
	URL          string          `json:"url"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	HostID       uint            `json:"host_id"`
	TaskID       uint            `json:"task_id,omitempty"`
	DiscoveredAt time.Time       `json:"discovered_at"`
}

// NewFinding validates f, normalising its severity and timestamp.
func NewFinding(f Finding) (Finding, error) {
	f.Address = strings.TrimSpace(f.Address)
	f.TemplateID = strings.TrimSpace(f.TemplateID)
	f.Severity = ParseSeverity(string(f.Severity))
	if f.DiscoveredAt.IsZero() {
		f.DiscoveredAt = time.Now().UTC()
	}
	if f.Address == "" {
		return Finding{}, invalid("finding has no address")
	}
	if f.TemplateID == "" {
		return Finding{}, invalid("finding for %s has no template id", f.Address)
	}
	if f.HostID == 0 {
		return Finding{}, invalid("finding %s has no originating host", f.TemplateID)
	}
	if len(f.Metadata) > 0 && !json.Valid(f.Metadata) {
		return Finding{}, invalid("finding %s metadata is not JSON", f.TemplateID)
	}
	return f, nil
}
