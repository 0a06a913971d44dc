package notify

import (
	"fmt"
	"strconv"

	"github.com/SiriusScan/go-fleet/fleet"
	"github.com/SiriusScan/go-fleet/fleet/postgres/models"
)

func TaskCreated(t fleet.ScanTask) Notification {
	return Notification{
		Type:       models.EventTypeTaskCreated,
		Severity:   models.SeverityInfo,
		Title:      "Task created: " + t.Name,
		Message:    fmt.Sprintf("%d target specs on %d hosts, region %s", len(t.Targets), len(t.HostIDs), t.Region),
		EntityType: models.EntityTypeTask,
		EntityID:   strconv.FormatUint(uint64(t.ID), 10),
		Metadata:   map[string]any{"targets": t.Targets, "host_ids": t.HostIDs, "region": t.Region},
	}
}

func TaskStarted(t fleet.ScanTask, hosts, addresses int) Notification {
	return Notification{
		Type:       models.EventTypeTaskStarted,
		Severity:   models.SeverityInfo,
		Title:      "Task started: " + t.Name,
		Message:    fmt.Sprintf("%d addresses across %d hosts", addresses, hosts),
		EntityType: models.EntityTypeTask,
		EntityID:   strconv.FormatUint(uint64(t.ID), 10),
		Metadata:   map[string]any{"hosts": hosts, "addresses": addresses},
	}
}

// TaskFinished reports a task that reached a terminal status.
func TaskFinished(t fleet.ScanTask) Notification {
	n := Notification{
		Type:       models.EventTypeTaskCompleted,
		Severity:   models.SeverityInfo,
		Title:      "Task completed: " + t.Name,
		Message:    "scan finished",
		EntityType: models.EntityTypeTask,
		EntityID:   strconv.FormatUint(uint64(t.ID), 10),
	}
	if t.Status == fleet.TaskFailed {
		n.Type = models.EventTypeTaskFailed
		n.Severity = models.SeverityError
		n.Title = "Task failed: " + t.Name
		n.Message = t.Error
	}
	if t.StartedAt != nil && t.CompletedAt != nil {
		n.Metadata = map[string]any{"duration_seconds": t.CompletedAt.Sub(*t.StartedAt).Seconds()}
	}
	return n
}

func HostStatusChanged(h fleet.Host, prev, next fleet.HostStatus) Notification {
	sev := models.SeverityInfo
	switch next {
	case fleet.HostOffline:
		sev = models.SeverityWarning
	case fleet.HostError:
		sev = models.SeverityError
	}
	return Notification{
		Type:       models.EventTypeHostStatusChanged,
		Severity:   sev,
		Title:      fmt.Sprintf("Host %s is %s", h.Name, next),
		Message:    fmt.Sprintf("%s (%s) changed from %s to %s", h.Name, h.Address, prev, next),
		EntityType: models.EntityTypeHost,
		EntityID:   strconv.FormatUint(uint64(h.ID), 10),
		Metadata:   map[string]any{"previous": string(prev), "current": string(next), "address": h.Address},
	}
}

// FindingAlert reports a high or critical finding.
func FindingAlert(f fleet.Finding, region string) Notification {
	sev := models.SeverityError
	if f.Severity == fleet.SeverityCritical {
		sev = models.SeverityCritical
	}
	return Notification{
		Type:       models.EventTypeFindingAlert,
		Severity:   sev,
		Title:      fmt.Sprintf("%s finding %s on %s", f.Severity, f.TemplateID, f.Address),
		Message:    f.URL,
		EntityType: models.EntityTypeFinding,
		EntityID:   f.TemplateID + "@" + f.Address,
		Metadata: map[string]any{
			"host_id":  f.HostID,
			"task_id":  f.TaskID,
			"region":   region,
			"severity": string(f.Severity),
		},
	}
}
