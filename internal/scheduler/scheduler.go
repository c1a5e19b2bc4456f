// Package scheduler runs the single cooperative tick loop that fires due
// scheduled jobs, submitting a task from each job's template (spec §4.10).
package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/pallet-run/palletd/internal/audit"
	"github.com/pallet-run/palletd/internal/models"
	"github.com/pallet-run/palletd/internal/queue"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom,
// month, dow), matching the teacher's telegraph package.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// DefaultPollInterval is used when New is given a non-positive interval
// (config itself defaults an unset poll_interval_ms to 1000).
const DefaultPollInterval = 15 * time.Second

// Scheduler ticks over due jobs and submits their task templates.
type Scheduler struct {
	db           *gorm.DB
	q            *queue.Queue
	pollInterval time.Duration
}

// New builds a Scheduler.
func New(db *gorm.DB, q *queue.Queue, pollInterval time.Duration) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Scheduler{db: db, q: q, pollInterval: pollInterval}
}

// Run loops tick() at pollInterval until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every due job in next_run_at order. A job whose task
// submission fails (e.g. queue_full) is left untouched for the next tick
// and the failure is audited, rather than advancing next_run_at.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()

	var due []models.ScheduledJob
	if err := s.db.WithContext(ctx).
		Where("enabled = ? AND next_run_at <= ?", true, now.Unix()).
		Order("next_run_at ASC").
		Find(&due).Error; err != nil {
		log.Printf("scheduler: query due jobs: %v", err)
		return
	}

	for _, job := range due {
		s.fire(ctx, job, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, job models.ScheduledJob, now time.Time) {
	_, _, err := s.q.Submit(ctx, queue.SubmitOpts{
		UserID:      job.UserID,
		ChatID:      job.ChatID,
		Kind:        job.TaskKind,
		PayloadJSON: job.TaskPayloadJSON,
		Allowed:     true,
	})
	if err != nil {
		_ = audit.Record(s.db, &job.UserID, audit.ActionSchedulerFire, map[string]interface{}{
			"job_id": job.ID, "ok": false, "reason": err.Error(),
		}, nil)
		return
	}

	nowUnix := now.Unix()
	next, err := NextRunAt(job, nowUnix)
	if err != nil {
		log.Printf("scheduler: compute next_run_at for job %s: %v", job.ID, err)
	}

	updates := map[string]interface{}{
		"last_run_at": nowUnix,
		"updated_at":  now,
	}
	if job.Kind == models.ScheduleOnce {
		updates["enabled"] = false
	} else if err == nil {
		updates["next_run_at"] = next
	}
	if err := s.db.WithContext(ctx).Model(&models.ScheduledJob{}).Where("id = ?", job.ID).Updates(updates).Error; err != nil {
		log.Printf("scheduler: update job %s: %v", job.ID, err)
	}

	_ = audit.Record(s.db, &job.UserID, audit.ActionSchedulerFire, map[string]interface{}{
		"job_id": job.ID, "ok": true,
	}, nil)
}

// NextRunAt computes the job's next fire time per its schedule kind,
// matching the original implementation's semantics exactly: once never
// recurs, interval adds every_minutes to now, daily/weekly resolve in the
// job's timezone and roll forward across DST gaps/overlaps (Go's time.Date
// normalizes a local wall-clock time that falls in a DST gap to the next
// valid instant, achieving the same "earliest valid instant" behavior as
// the original's chrono_tz::earliest()).
func NextRunAt(job models.ScheduledJob, nowUnix int64) (int64, error) {
	switch job.Kind {
	case models.ScheduleOnce:
		return job.NextRunAt, nil

	case models.ScheduleInterval:
		mins := int64(1)
		if job.EveryMinutes != nil && *job.EveryMinutes > 0 {
			mins = int64(*job.EveryMinutes)
		}
		return nowUnix + mins*60, nil

	case models.ScheduleDaily:
		loc, err := loadLocation(job.Timezone)
		if err != nil {
			return 0, err
		}
		if job.TimeOfDay == nil {
			return 0, fmt.Errorf("scheduler: daily job %s missing time_of_day", job.ID)
		}
		h, m, err := parseHHMM(*job.TimeOfDay)
		if err != nil {
			return 0, err
		}
		nowLocal := time.Unix(nowUnix, 0).In(loc)
		candidate := time.Date(nowLocal.Year(), nowLocal.Month(), nowLocal.Day(), h, m, 0, 0, loc)
		if !candidate.After(nowLocal) {
			candidate = candidate.AddDate(0, 0, 1)
		}
		return candidate.Unix(), nil

	case models.ScheduleWeekly:
		loc, err := loadLocation(job.Timezone)
		if err != nil {
			return 0, err
		}
		if job.TimeOfDay == nil || job.Weekday == nil {
			return 0, fmt.Errorf("scheduler: weekly job %s missing time_of_day/weekday", job.ID)
		}
		h, m, err := parseHHMM(*job.TimeOfDay)
		if err != nil {
			return 0, err
		}
		target := time.Weekday(*job.Weekday % 7)
		nowLocal := time.Unix(nowUnix, 0).In(loc)
		days := (int(target) - int(nowLocal.Weekday()) + 7) % 7
		candidate := time.Date(nowLocal.Year(), nowLocal.Month(), nowLocal.Day(), h, m, 0, 0, loc).AddDate(0, 0, days)
		if days == 0 && !candidate.After(nowLocal) {
			candidate = candidate.AddDate(0, 0, 7)
		}
		return candidate.Unix(), nil

	case models.ScheduleCron:
		if job.CronExpr == nil {
			return 0, fmt.Errorf("scheduler: cron job %s missing cron_expr", job.ID)
		}
		loc, err := loadLocation(job.Timezone)
		if err != nil {
			return 0, err
		}
		sched, err := cronParser.Parse(*job.CronExpr)
		if err != nil {
			return 0, fmt.Errorf("scheduler: parse cron %q: %w", *job.CronExpr, err)
		}
		nowLocal := time.Unix(nowUnix, 0).In(loc)
		return sched.Next(nowLocal).Unix(), nil

	default:
		return 0, fmt.Errorf("scheduler: unknown schedule kind %q", job.Kind)
	}
}

func loadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler: load timezone %q: %w", tz, err)
	}
	return loc, nil
}

func parseHHMM(s string) (int, int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, 0, fmt.Errorf("scheduler: parse time_of_day %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("scheduler: time_of_day %q out of range", s)
	}
	return h, m, nil
}
