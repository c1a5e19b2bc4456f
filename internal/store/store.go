// Package store opens and migrates the engine's embedded relational store
// and runs the periodic retention sweep.
package store

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pallet-run/palletd/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// DSN builds a modernc sqlite DSN with WAL journaling and a busy timeout,
// matching the single-writer embedded store required by the data model.
func DSN(path string, busyTimeoutMS int) string {
	return fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(ON)", path, busyTimeoutMS)
}

// Open connects to the embedded store at path.
func Open(path string, busyTimeoutMS int) (*gorm.DB, error) {
	dsn := DSN(path, busyTimeoutMS)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("store: underlying db handle: %w", err)
	}
	// Single-writer store: one connection avoids SQLITE_BUSY under the
	// worker pool's short transactions.
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("store: auto-migrate: %w", err)
	}
	return nil
}

// SeedUsers upserts the configured admin and allow-listed user IDs so the
// authorization gate (queue.Submit's Allowed check) always has at least its
// configured admins able to submit on a fresh store. Admins win if an ID
// appears in both lists.
func SeedUsers(db *gorm.DB, admins, allowlist []int64) error {
	now := time.Now()
	for _, id := range allowlist {
		u := models.User{ID: id, Role: models.RoleUser, AllowListed: true, CreatedAt: now, LastSeenAt: now}
		if err := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"allow_listed", "last_seen_at"}),
		}).Create(&u).Error; err != nil {
			return fmt.Errorf("store: seed allowlisted user %d: %w", id, err)
		}
	}
	for _, id := range admins {
		u := models.User{ID: id, Role: models.RoleAdmin, AllowListed: true, CreatedAt: now, LastSeenAt: now}
		if err := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"role", "allow_listed", "last_seen_at"}),
		}).Create(&u).Error; err != nil {
			return fmt.Errorf("store: seed admin user %d: %w", id, err)
		}
	}
	return nil
}

// RetentionPolicy bounds how much history the store keeps for a table
// governed by age and/or row count, oldest rows first.
type RetentionPolicy struct {
	MaxAge  time.Duration
	MaxRows int64
}

// Sweep deletes tasks, audit events, and short-term memory rows beyond their
// independent retention policies. It runs periodically from the engine's
// background loop, never inside a request path.
func Sweep(db *gorm.DB, tasks, audit, memory RetentionPolicy) error {
	if err := sweepTable(db, &models.Task{}, "tasks", "created_at", tasks); err != nil {
		return err
	}
	if err := sweepTable(db, &models.AuditEvent{}, "audit_events", "created_at", audit); err != nil {
		return err
	}
	if err := sweepTable(db, &models.MemoryRecord{}, "memory_records", "created_at", memory); err != nil {
		return err
	}
	return nil
}

func sweepTable(db *gorm.DB, model interface{}, label, timeCol string, policy RetentionPolicy) error {
	if policy.MaxAge > 0 {
		cutoff := time.Now().Add(-policy.MaxAge)
		if err := db.Where(timeCol+" < ?", cutoff).Delete(model).Error; err != nil {
			return fmt.Errorf("store: sweep %s by age: %w", label, err)
		}
	}
	if policy.MaxRows > 0 {
		var count int64
		if err := db.Model(model).Count(&count).Error; err != nil {
			return fmt.Errorf("store: count %s: %w", label, err)
		}
		if count > policy.MaxRows {
			excess := count - policy.MaxRows
			sub := db.Model(model).Order(timeCol + " ASC").Limit(int(excess))
			if err := db.Where("id IN (?)", sub.Select("id")).Delete(model).Error; err != nil {
				return fmt.Errorf("store: sweep %s by count: %w", label, err)
			}
		}
	}
	return nil
}
