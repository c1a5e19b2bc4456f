// Package models holds the GORM entities persisted in the engine's store.
package models

import "time"

// Role values for User.Role.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// User is the external identity submitting tasks.
type User struct {
	ID          int64     `gorm:"primaryKey;autoIncrement:false"`
	Role        string    `gorm:"size:16;default:user"`
	AllowListed bool      `gorm:"default:false"`
	CreatedAt   time.Time
	LastSeenAt  time.Time
}

// Task status values. Terminal: Succeeded, Failed, Canceled, TimedOut.
const (
	TaskQueued    = "queued"
	TaskRunning   = "running"
	TaskSucceeded = "succeeded"
	TaskFailed    = "failed"
	TaskCanceled  = "canceled"
	TaskTimedOut  = "timeout"
)

// Task kind values.
const (
	TaskKindAsk      = "ask"
	TaskKindRunSkill = "run_skill"
	TaskKindAdmin    = "admin"
)

// Task is the unit of work leased by the worker pool.
type Task struct {
	ID          string `gorm:"primaryKey;size:36"`
	UserID      int64  `gorm:"index:idx_tasks_user_created"`
	ChatID      int64  `gorm:"index:idx_tasks_user_created"`
	MessageID   *int64
	Kind        string `gorm:"size:16;index"`
	PayloadJSON string `gorm:"type:text"`
	PayloadHash string `gorm:"size:64;index"`
	Status      string `gorm:"size:16;default:queued;index:idx_tasks_status_created"`
	ResultJSON  *string `gorm:"type:text"`
	ErrorText   *string `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"index:idx_tasks_status_created;index:idx_tasks_user_created"`
	UpdatedAt   time.Time
}

// AuditEvent is an append-only record of a classified event.
type AuditEvent struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	CreatedAt  time.Time
	UserID     *int64
	Action     string `gorm:"size:32;index"`
	DetailJSON *string `gorm:"type:text"`
	ErrorText  *string `gorm:"type:text"`
}

// Memory roles.
const (
	MemoryRoleUser      = "user"
	MemoryRoleAssistant = "assistant"
)

// MemoryRecord is one short-term conversational turn.
type MemoryRecord struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	UserID    int64  `gorm:"index:idx_memories_user_chat_created"`
	ChatID    int64  `gorm:"index:idx_memories_user_chat_created"`
	Role      string `gorm:"size:16"`
	Content   string `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index:idx_memories_user_chat_created"`
}

// LongTermMemory is the rolling summary for a (user, chat) pair.
type LongTermMemory struct {
	UserID    int64  `gorm:"primaryKey"`
	ChatID    int64  `gorm:"primaryKey"`
	Summary   string `gorm:"type:text"`
	UpdatedAt time.Time
}

// UserPreference is a stable fact extracted from dialog.
type UserPreference struct {
	UserID     int64   `gorm:"primaryKey;size:32"`
	ChatID     int64   `gorm:"primaryKey"`
	Key        string  `gorm:"primaryKey;size:64"`
	Value      string  `gorm:"type:text"`
	Confidence float64 `gorm:"default:0"`
	Source     string  `gorm:"size:32"`
	UpdatedAt  time.Time
}

// ScheduledJob schedule kinds.
const (
	ScheduleOnce     = "once"
	ScheduleDaily    = "daily"
	ScheduleWeekly   = "weekly"
	ScheduleInterval = "interval"
	ScheduleCron     = "cron"
)

// ScheduledJob is a recurring or one-shot job that submits a task on fire.
type ScheduledJob struct {
	ID         string `gorm:"primaryKey;size:36"`
	UserID     int64  `gorm:"index:idx_jobs_user_chat"`
	ChatID     int64  `gorm:"index:idx_jobs_user_chat"`
	Kind       string `gorm:"size:16"`

	RunAt        *int64
	TimeOfDay    *string `gorm:"size:8"`
	Weekday      *int
	EveryMinutes *int
	CronExpr     *string `gorm:"size:64"`
	Timezone     string  `gorm:"size:64;default:UTC"`

	TaskKind        string `gorm:"size:16"`
	TaskPayloadJSON string `gorm:"type:text"`

	NotifyOnSuccess bool `gorm:"default:false"`
	NotifyOnFailure bool `gorm:"default:true"`

	Enabled    bool  `gorm:"default:true;index:idx_jobs_enabled_next"`
	LastRunAt  *int64
	NextRunAt  int64 `gorm:"index:idx_jobs_enabled_next"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// All returns every model pointer, for AutoMigrate.
func All() []interface{} {
	return []interface{}{
		&User{},
		&Task{},
		&AuditEvent{},
		&MemoryRecord{},
		&LongTermMemory{},
		&UserPreference{},
		&ScheduledJob{},
	}
}
