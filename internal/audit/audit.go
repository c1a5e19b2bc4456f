// Package audit provides the append-only audit log every component writes
// classified events to, plus its retention sweep.
package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pallet-run/palletd/internal/models"
	"github.com/pallet-run/palletd/internal/store"
	"gorm.io/gorm"
)

// Action tags, matching the set named in spec §3/§4.12.
const (
	ActionSubmitTask   = "submit_task"
	ActionRunLLM       = "run_llm"
	ActionRunSkill     = "run_skill"
	ActionRunTool      = "run_tool"
	ActionAuthFail     = "auth_fail"
	ActionLimitHit     = "limit_hit"
	ActionTimeout      = "timeout"
	ActionCancel       = "cancel"
	ActionSchedulerFire = "scheduler_fire"
	ActionFallback     = "fallback"
)

// Record appends one audit event. detail, if non-nil, is marshaled to JSON.
func Record(db *gorm.DB, userID *int64, action string, detail interface{}, errText *string) error {
	var detailJSON *string
	if detail != nil {
		data, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("audit: marshal detail for %s: %w", action, err)
		}
		s := string(data)
		detailJSON = &s
	}

	event := models.AuditEvent{
		CreatedAt:  time.Now(),
		UserID:     userID,
		Action:     action,
		DetailJSON: detailJSON,
		ErrorText:  errText,
	}
	if err := db.Create(&event).Error; err != nil {
		return fmt.Errorf("audit: record %s: %w", action, err)
	}
	return nil
}

// Recent returns the most recent audit events, newest first, for
// diagnostics and the testable-property suite.
func Recent(db *gorm.DB, limit int) ([]models.AuditEvent, error) {
	var events []models.AuditEvent
	if err := db.Order("created_at DESC").Limit(limit).Find(&events).Error; err != nil {
		return nil, fmt.Errorf("audit: recent: %w", err)
	}
	return events, nil
}

// Sweep enforces the audit event retention policy.
func Sweep(db *gorm.DB, policy store.RetentionPolicy) error {
	return store.Sweep(db, store.RetentionPolicy{}, policy, store.RetentionPolicy{})
}
