package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/SiriusScan/go-fleet/fleet"
	"github.com/SiriusScan/go-fleet/fleet/postgres/models"
)

// TaskRepository persists scan tasks. Status changes go through
// TransitionTask, which only applies when the row still holds the expected
// status.
type TaskRepository struct {
	db *gorm.DB
}

func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

func (r *TaskRepository) CreateTask(ctx context.Context, t fleet.ScanTask) (fleet.ScanTask, error) {
	if err := t.Validate(); err != nil {
		return fleet.ScanTask{}, err
	}
	row := models.ScanTaskFromDomain(t)
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fleet.ScanTask{}, fmt.Errorf("failed to create task %q: %w", t.Name, err)
	}
	return row.ToDomain(), nil
}

func (r *TaskRepository) GetTask(ctx context.Context, id uint) (fleet.ScanTask, error) {
	var row models.ScanTask
	err := r.db.WithContext(ctx).First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fleet.ScanTask{}, fmt.Errorf("%w: %d", fleet.ErrTaskNotFound, id)
	}
	if err != nil {
		return fleet.ScanTask{}, fmt.Errorf("failed to get task %d: %w", id, err)
	}
	return row.ToDomain(), nil
}

// ListTasks returns tasks newest first, optionally filtered by status.
func (r *TaskRepository) ListTasks(ctx context.Context, status fleet.TaskStatus) ([]fleet.ScanTask, error) {
	q := r.db.WithContext(ctx).Order("created_at DESC").Order("id DESC")
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	var rows []models.ScanTask
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	out := make([]fleet.ScanTask, len(rows))
	for i, row := range rows {
		out[i] = row.ToDomain()
	}
	return out, nil
}

// TransitionTask moves task id from one status to another and stamps the
// matching timestamp. It reports false, without error, when the row no
// longer holds from.
func (r *TaskRepository) TransitionTask(ctx context.Context, id uint, from, to fleet.TaskStatus, at time.Time, errMsg string) (bool, error) {
	if !from.CanTransition(to) {
		return false, fmt.Errorf("%w: %s -> %s", fleet.ErrInvalidTransition, from, to)
	}
	updates := map[string]any{"status": string(to)}
	switch {
	case to == fleet.TaskRunning:
		updates["started_at"] = at
	case to.Terminal():
		updates["completed_at"] = at
		updates["error"] = errMsg
	}
	res := r.db.WithContext(ctx).Model(&models.ScanTask{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to transition task %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}
