// Package queue implements task submission, FIFO leasing, cancellation, and
// duplicate suppression over the persisted task table (spec §4.9).
package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pallet-run/palletd/internal/apperr"
	"github.com/pallet-run/palletd/internal/audit"
	"github.com/pallet-run/palletd/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DuplicateWindow bounds how long an identical (user, chat, kind, payload)
// submission is treated as idempotent.
const DuplicateWindow = 2 * time.Minute

// Queue mediates task submission and leasing against the store.
type Queue struct {
	db         *gorm.DB
	queueLimit int
	userRPM    int
}

// New builds a Queue. queueLimit and userRPM are profile/config derived.
func New(db *gorm.DB, queueLimit, userRPM int) *Queue {
	return &Queue{db: db, queueLimit: queueLimit, userRPM: userRPM}
}

// SubmitOpts carries a task submission request.
type SubmitOpts struct {
	UserID      int64
	ChatID      int64
	MessageID   *int64
	Kind        string
	PayloadJSON string
	Allowed     bool
}

// PayloadHash computes the canonical hash used for duplicate suppression.
func PayloadHash(userID, chatID int64, kind, payload string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%d:%s:%s", userID, chatID, kind, payload)))
	return hex.EncodeToString(sum[:])
}

// Submit validates allow-listing and RPM, checks for an in-flight duplicate,
// enforces queue depth, and inserts a new queued task. Returns the task
// (existing or newly created) and whether it was a duplicate.
func (q *Queue) Submit(ctx context.Context, opts SubmitOpts) (*models.Task, bool, error) {
	if !opts.Allowed {
		_ = audit.Record(q.db, &opts.UserID, audit.ActionAuthFail, map[string]string{"kind": opts.Kind}, nil)
		return nil, false, apperr.ErrNotAllowed
	}

	hash := PayloadHash(opts.UserID, opts.ChatID, opts.Kind, opts.PayloadJSON)

	var existing models.Task
	cutoff := time.Now().Add(-DuplicateWindow)
	err := q.db.WithContext(ctx).
		Where("user_id = ? AND chat_id = ? AND kind = ? AND payload_hash = ? AND status IN ? AND created_at >= ?",
			opts.UserID, opts.ChatID, opts.Kind, hash,
			[]string{models.TaskQueued, models.TaskRunning}, cutoff).
		Order("created_at DESC").
		First(&existing).Error
	if err == nil {
		return &existing, true, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, false, fmt.Errorf("queue: check duplicate: %w", err)
	}

	if err := q.checkRPM(opts.UserID); err != nil {
		_ = audit.Record(q.db, &opts.UserID, audit.ActionLimitHit, map[string]string{"reason": "rpm"}, nil)
		return nil, false, err
	}

	var depth int64
	if err := q.db.WithContext(ctx).Model(&models.Task{}).Where("status = ?", models.TaskQueued).Count(&depth).Error; err != nil {
		return nil, false, fmt.Errorf("queue: count depth: %w", err)
	}
	if q.queueLimit > 0 && depth >= int64(q.queueLimit) {
		_ = audit.Record(q.db, &opts.UserID, audit.ActionLimitHit, map[string]string{"reason": "queue_full"}, nil)
		return nil, false, apperr.ErrQueueFull
	}

	task := models.Task{
		ID:          uuid.NewString(),
		UserID:      opts.UserID,
		ChatID:      opts.ChatID,
		MessageID:   opts.MessageID,
		Kind:        opts.Kind,
		PayloadJSON: opts.PayloadJSON,
		PayloadHash: hash,
		Status:      models.TaskQueued,
	}
	if err := q.db.WithContext(ctx).Create(&task).Error; err != nil {
		return nil, false, fmt.Errorf("queue: insert task: %w", err)
	}

	_ = audit.Record(q.db, &opts.UserID, audit.ActionSubmitTask, map[string]interface{}{"task_id": task.ID, "kind": task.Kind}, nil)

	return &task, false, nil
}

// checkRPM enforces a simple per-user rolling-minute submission budget based
// on rows already in the store, avoiding an additional in-memory structure.
func (q *Queue) checkRPM(userID int64) error {
	if q.userRPM <= 0 {
		return nil
	}
	var count int64
	cutoff := time.Now().Add(-time.Minute)
	if err := q.db.Model(&models.Task{}).
		Where("user_id = ? AND created_at >= ?", userID, cutoff).
		Count(&count).Error; err != nil {
		return fmt.Errorf("queue: check rpm: %w", err)
	}
	if count >= int64(q.userRPM) {
		return apperr.ErrRateLimited
	}
	return nil
}

// Lease atomically claims the oldest queued task, transitioning it to
// running. It attaches a FOR UPDATE SKIP LOCKED locking clause, which the
// sqlite dialect does not emit; on sqlite, the transaction on the store's
// single connection is what keeps two workers from leasing the same task.
func (q *Queue) Lease(ctx context.Context) (*models.Task, error) {
	var leased models.Task
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("status = ?", models.TaskQueued).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Order("created_at ASC").
			Limit(1).
			Find(&leased)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Model(&models.Task{}).Where("id = ?", leased.ID).Updates(map[string]interface{}{
			"status":     models.TaskRunning,
			"updated_at": time.Now(),
		}).Error
	})
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: lease: %w", err)
	}
	leased.Status = models.TaskRunning
	return &leased, nil
}

// Complete transitions a task to a terminal state and persists its result
// or error text.
func (q *Queue) Complete(ctx context.Context, taskID, status string, result, errText *string) error {
	updates := map[string]interface{}{"status": status, "updated_at": time.Now()}
	if result != nil {
		updates["result_json"] = *result
	}
	if errText != nil {
		updates["error_text"] = *errText
	}
	return q.db.WithContext(ctx).Model(&models.Task{}).Where("id = ?", taskID).Updates(updates).Error
}

// Cancel transitions matching queued tasks directly to canceled, and returns
// the IDs of matching running tasks so the caller can signal in-flight
// cancellation.
func (q *Queue) Cancel(ctx context.Context, userID, chatID int64) ([]string, error) {
	if err := q.db.WithContext(ctx).Model(&models.Task{}).
		Where("user_id = ? AND chat_id = ? AND status = ?", userID, chatID, models.TaskQueued).
		Updates(map[string]interface{}{"status": models.TaskCanceled, "updated_at": time.Now()}).Error; err != nil {
		return nil, fmt.Errorf("queue: cancel queued: %w", err)
	}

	var running []models.Task
	if err := q.db.WithContext(ctx).
		Where("user_id = ? AND chat_id = ? AND status = ?", userID, chatID, models.TaskRunning).
		Find(&running).Error; err != nil {
		return nil, fmt.Errorf("queue: find running: %w", err)
	}
	ids := make([]string, len(running))
	for i, t := range running {
		ids[i] = t.ID
	}
	_ = audit.Record(q.db, &userID, audit.ActionCancel, map[string]interface{}{"chat_id": chatID, "running": ids}, nil)
	return ids, nil
}

// Get fetches a task by ID.
func (q *Queue) Get(ctx context.Context, taskID string) (*models.Task, error) {
	var t models.Task
	if err := q.db.WithContext(ctx).Where("id = ?", taskID).First(&t).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperr.ErrNotFound
		}
		return nil, fmt.Errorf("queue: get %s: %w", taskID, err)
	}
	return &t, nil
}
