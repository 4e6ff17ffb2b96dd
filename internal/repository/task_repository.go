package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/Ramazan2220/warmq/internal/consts"
	"github.com/Ramazan2220/warmq/internal/model"
	"github.com/Ramazan2220/warmq/internal/store"
)

// ErrNotFound covers both a missing row and a row owned by someone else.
// Callers cannot distinguish the two, which is the point.
var ErrNotFound = errors.New("repository: not found")

// TaskRepository is the only path to warmup_tasks. Every tenant-facing
// query carries owner_id in the WHERE clause; ownership is never checked
// by filtering rows after the fetch.
type TaskRepository struct {
	store *store.Store
}

func NewTaskRepository(s *store.Store) *TaskRepository {
	return &TaskRepository{store: s}
}

// Create inserts a task for the owner. The owner on the task itself is
// overwritten with the caller's identity so a forged body cannot plant a
// task in another tenant.
func (r *TaskRepository) Create(ctx context.Context, ownerID int64, task *model.Task) error {
	task.OwnerID = ownerID
	if task.Status == "" {
		task.Status = consts.Pending
	}
	return r.store.Write(ctx, func(db *gorm.DB) error {
		return db.Create(task).Error
	})
}

func (r *TaskRepository) Get(ctx context.Context, ownerID, taskID int64) (*model.Task, error) {
	var task model.Task
	err := r.store.Read(ctx, func(db *gorm.DB) error {
		return db.Where("id = ? AND owner_id = ?", taskID, ownerID).First(&task).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &task, nil
}

func (r *TaskRepository) ListByOwner(ctx context.Context, ownerID int64) ([]model.Task, error) {
	var tasks []model.Task
	err := r.store.Read(ctx, func(db *gorm.DB) error {
		return db.Where("owner_id = ?", ownerID).Order("id").Find(&tasks).Error
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// Delete removes the task if and only if the owner holds it. Deleting a
// foreign task reports ErrNotFound, never a permission error.
func (r *TaskRepository) Delete(ctx context.Context, ownerID, taskID int64) error {
	return r.store.Write(ctx, func(db *gorm.DB) error {
		res := db.Where("id = ? AND owner_id = ?", taskID, ownerID).Delete(&model.Task{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ListRunnable returns tasks the scheduler should consider: PENDING ones,
// FAILED ones whose backoff window has elapsed, and RUNNING ones whose
// updated_at is older than staleAfter. A stale RUNNING row means the
// process that owned the session died before recording an outcome; the
// grace window keeps live sessions of the current process out of the set.
// The backoff timestamp lives inside the progress JSON, so the time
// comparison happens here rather than in SQL.
func (r *TaskRepository) ListRunnable(ctx context.Context, now time.Time, staleAfter time.Duration) ([]model.Task, error) {
	var candidates []model.Task
	err := r.store.Read(ctx, func(db *gorm.DB) error {
		return db.Where("status IN ?",
			[]consts.TaskStatus{consts.Pending, consts.Failed, consts.Running}).
			Order("id").Find(&candidates).Error
	})
	if err != nil {
		return nil, err
	}
	runnable := candidates[:0]
	for _, t := range candidates {
		switch t.Status {
		case consts.Failed:
			if t.InBackoff(now) {
				continue
			}
		case consts.Running:
			if staleAfter <= 0 || now.Sub(t.UpdatedAt) < staleAfter {
				continue
			}
		}
		runnable = append(runnable, t)
	}
	return runnable, nil
}

// MarkRunning flips the task to RUNNING and stamps started_at.
func (r *TaskRepository) MarkRunning(ctx context.Context, taskID int64, now time.Time) error {
	return r.updateByID(ctx, taskID, map[string]interface{}{
		"status":     consts.Running,
		"started_at": now,
		"error":      "",
		"updated_at": now,
	})
}

// SaveSuccess records a completed session: COMPLETED status, cleared
// backoff, and the session's results folded into progress.
func (r *TaskRepository) SaveSuccess(ctx context.Context, task *model.Task, result *model.SessionResult, now time.Time) error {
	task.Progress.SessionsCount++
	task.Progress.LastSession = &now
	task.Progress.LastSessionResults = result
	task.Progress.NextAttemptAt = nil
	if result != nil && result.SessionMetadata != nil {
		if phase := result.SessionMetadata["phase"]; phase != "" {
			task.Progress.CurrentPhase = phase
		}
	}
	return r.updateByID(ctx, task.ID, map[string]interface{}{
		"status":       consts.Completed,
		"progress":     task.Progress,
		"error":        "",
		"completed_at": now,
		"updated_at":   now,
	})
}

// SaveFailure records a failed session: FAILED status, the error text, and
// the next_attempt_at backoff stamp inside progress.
func (r *TaskRepository) SaveFailure(ctx context.Context, task *model.Task, cause error, nextAttempt time.Time, now time.Time) error {
	task.Progress.NextAttemptAt = &nextAttempt
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return r.updateByID(ctx, task.ID, map[string]interface{}{
		"status":     consts.Failed,
		"progress":   task.Progress,
		"error":      msg,
		"updated_at": now,
	})
}

// SaveSettings persists settings mutated by the health gate (force_passive).
func (r *TaskRepository) SaveSettings(ctx context.Context, task *model.Task) error {
	return r.updateByID(ctx, task.ID, map[string]interface{}{
		"settings":   task.Settings,
		"updated_at": time.Now(),
	})
}

// updateByID is scheduler-internal: the scheduler already holds a task it
// loaded through an owner-scoped or loader query, so these updates key on
// the primary key alone.
func (r *TaskRepository) updateByID(ctx context.Context, taskID int64, fields map[string]interface{}) error {
	return r.store.Write(ctx, func(db *gorm.DB) error {
		res := db.Model(&model.Task{}).Where("id = ?", taskID).Updates(fields)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: task %d", ErrNotFound, taskID)
		}
		return nil
	})
}
