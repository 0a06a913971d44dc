package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

const progressPrefix = "fleet:task:"

// DefaultProgressTTL bounds how long a finished task's progress stays readable.
const DefaultProgressTTL = 24 * time.Hour

// TaskProgress is the live view of a running task.
type TaskProgress struct {
	TaskID      uint      `json:"task_id"`
	Status      string    `json:"status"`
	HostsTotal  int       `json:"hosts_total"`
	HostsDone   int       `json:"hosts_done"`
	HostsFailed int       `json:"hosts_failed"`
	Findings    int       `json:"findings"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ProgressTracker keeps TaskProgress records in a KVStore. Updates for one
// tracker are serialized so concurrent host completions do not lose counts.
type ProgressTracker struct {
	kv  KVStore
	ttl time.Duration
	mu  sync.Mutex
}

func NewProgressTracker(kv KVStore, ttl time.Duration) *ProgressTracker {
	if ttl <= 0 {
		ttl = DefaultProgressTTL
	}
	return &ProgressTracker{kv: kv, ttl: ttl}
}

func progressKey(taskID uint) string {
	return fmt.Sprintf("%s%d:progress", progressPrefix, taskID)
}

// Begin records a task that has just started on hosts hosts.
func (p *ProgressTracker) Begin(ctx context.Context, taskID uint, hosts int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.save(ctx, TaskProgress{TaskID: taskID, Status: "running", HostsTotal: hosts})
}

// HostDone counts one finished host and the findings it produced.
func (p *ProgressTracker) HostDone(ctx context.Context, taskID uint, success bool, findings int) error {
	return p.update(ctx, taskID, func(tp *TaskProgress) {
		tp.HostsDone++
		if !success {
			tp.HostsFailed++
		}
		tp.Findings += findings
	})
}

// Finish records the task's terminal status.
func (p *ProgressTracker) Finish(ctx context.Context, taskID uint, status string) error {
	return p.update(ctx, taskID, func(tp *TaskProgress) { tp.Status = status })
}

// Get returns the recorded progress for taskID.
func (p *ProgressTracker) Get(ctx context.Context, taskID uint) (TaskProgress, error) {
	raw, err := p.kv.GetValue(ctx, progressKey(taskID))
	if err != nil {
		return TaskProgress{}, err
	}
	var tp TaskProgress
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return TaskProgress{}, fmt.Errorf("failed to unmarshal progress for task %d: %w", taskID, err)
	}
	return tp, nil
}

func (p *ProgressTracker) update(ctx context.Context, taskID uint, fn func(*TaskProgress)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	tp, err := p.Get(ctx, taskID)
	if err != nil {
		return err
	}
	fn(&tp)
	return p.save(ctx, tp)
}

func (p *ProgressTracker) save(ctx context.Context, tp TaskProgress) error {
	tp.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(tp)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}
	return p.kv.SetValueWithTTL(ctx, progressKey(tp.TaskID), string(data), p.ttl)
}
