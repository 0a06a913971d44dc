package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"

	"github.com/SiriusScan/go-fleet/fleet"
	"github.com/SiriusScan/go-fleet/fleet/ingest"
	"github.com/SiriusScan/go-fleet/fleet/queue"
)

// Message types carried on the worker queue.
const (
	TypeHeartbeat    = "heartbeat"
	TypeFinding      = "finding"
	TypeTaskComplete = "task_complete"
)

// HostGetter looks up one host.
type HostGetter interface {
	GetHost(ctx context.Context, id uint) (fleet.Host, error)
}

// Heartbeater records that a host reported in.
type Heartbeater interface {
	Heartbeat(ctx context.Context, h fleet.Host, at time.Time) error
}

// Completer finishes running tasks.
type Completer interface {
	Complete(ctx context.Context, id uint, at time.Time) (fleet.ScanTask, error)
}

// Pipelines hands out the ingestion pipeline of a region.
type Pipelines interface {
	Pipeline(region string) (*ingest.Pipeline, error)
}

type HeartbeatRequest struct {
	HostID    uint      `json:"host_id"`
	Timestamp time.Time `json:"timestamp"`
}

// FindingRequest is a finding pushed by a worker. Region selects the
// store; empty means the default region.
type FindingRequest struct {
	fleet.Finding
	Region string `json:"region,omitempty"`
}

type TaskCompleteRequest struct {
	TaskID    uint      `json:"task_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Service applies worker push messages. Every operation is safe to repeat.
type Service struct {
	hosts     HostGetter
	monitor   Heartbeater
	tasks     Completer
	pipelines Pipelines
	now       func() time.Time
}

func NewService(hosts HostGetter, monitor Heartbeater, tasks Completer, pipelines Pipelines) *Service {
	return &Service{hosts: hosts, monitor: monitor, tasks: tasks, pipelines: pipelines, now: time.Now}
}

// Heartbeat marks the host online and refreshes its last-seen time.
func (s *Service) Heartbeat(ctx context.Context, req HeartbeatRequest) error {
	h, err := s.hosts.GetHost(ctx, req.HostID)
	if err != nil {
		return err
	}
	at := req.Timestamp
	if at.IsZero() {
		at = s.now()
	}
	return s.monitor.Heartbeat(ctx, h, at.UTC())
}

// SubmitFinding validates and stores one finding. Duplicates are stored
// again.
func (s *Service) SubmitFinding(ctx context.Context, req FindingRequest) error {
	f, err := fleet.NewFinding(req.Finding)
	if err != nil {
		return err
	}
	p, err := s.pipelines.Pipeline(req.Region)
	if err != nil {
		return fmt.Errorf("%w: %w", fleet.ErrInvalidRecord, err)
	}
	return p.Save(ctx, f)
}

// TaskComplete marks a running task completed. A report for a task that
// was never started is rejected and logged, since the worker skipped start.
func (s *Service) TaskComplete(ctx context.Context, req TaskCompleteRequest) (fleet.ScanTask, error) {
	t, err := s.tasks.Complete(ctx, req.TaskID, req.Timestamp)
	if errors.Is(err, fleet.ErrInvalidTransition) {
		slog.Warn("Rejected task completion from worker", "task_id", req.TaskID, "error", err)
	}
	return t, err
}

// HandleMessage applies one {"type": ..., "payload": ...} envelope from
// the worker queue.
func (s *Service) HandleMessage(ctx context.Context, msg string) error {
	if !gjson.Valid(msg) {
		return fmt.Errorf("%w: message is not JSON", fleet.ErrParse)
	}
	env := gjson.Parse(msg)
	payload := []byte(env.Get("payload").Raw)

	switch typ := env.Get("type").String(); typ {
	case TypeHeartbeat:
		var req HeartbeatRequest
		if err := decode(payload, &req); err != nil {
			return err
		}
		return s.Heartbeat(ctx, req)
	case TypeFinding:
		var req FindingRequest
		if err := decode(payload, &req); err != nil {
			return err
		}
		return s.SubmitFinding(ctx, req)
	case TypeTaskComplete:
		var req TaskCompleteRequest
		if err := decode(payload, &req); err != nil {
			return err
		}
		_, err := s.TaskComplete(ctx, req)
		return err
	default:
		return fmt.Errorf("%w: unknown message type %q", fleet.ErrParse, typ)
	}
}

// Listener consumes a broker queue until ctx is cancelled.
type Listener interface {
	ListenWithRetry(ctx context.Context, qName string, process queue.MessageProcessor)
}

// Consume applies worker messages from qName until ctx is cancelled.
func (s *Service) Consume(ctx context.Context, l Listener, qName string) {
	l.ListenWithRetry(ctx, qName, func(msg string) {
		if err := s.HandleMessage(ctx, msg); err != nil {
			slog.Warn("Rejected worker message", "queue", qName, "error", err)
		}
	})
}

func decode(payload []byte, v any) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: message has no payload", fleet.ErrParse)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %w", fleet.ErrParse, err)
	}
	return nil
}
