package scheduler

import (
	"testing"
	"time"

	"github.com/pallet-run/palletd/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func TestNextRunAtOnceNeverAdvances(t *testing.T) {
	job := models.ScheduledJob{Kind: models.ScheduleOnce, NextRunAt: 1000}
	next, err := NextRunAt(job, 5000)
	require.NoError(t, err)
	assert.Equal(t, job.NextRunAt, next)
}

func TestNextRunAtIntervalAddsMinutes(t *testing.T) {
	mins := 15
	job := models.ScheduledJob{Kind: models.ScheduleInterval, EveryMinutes: &mins}
	now := int64(1_700_000_000)
	next, err := NextRunAt(job, now)
	require.NoError(t, err)
	assert.Equal(t, now+15*60, next)
}

func TestNextRunAtIntervalDefaultsToOneMinute(t *testing.T) {
	job := models.ScheduledJob{Kind: models.ScheduleInterval}
	now := int64(1_700_000_000)
	next, err := NextRunAt(job, now)
	require.NoError(t, err)
	assert.Equal(t, now+60, next)
}

func TestNextRunAtDailyRollsToNextDayWhenPassed(t *testing.T) {
	loc := mustLoc(t, "UTC")
	tod := "09:00"
	job := models.ScheduledJob{Kind: models.ScheduleDaily, TimeOfDay: &tod, Timezone: "UTC"}

	now := time.Date(2026, 8, 2, 10, 0, 0, 0, loc)
	next, err := NextRunAt(job, now.Unix())
	require.NoError(t, err)

	got := time.Unix(next, 0).In(loc)
	assert.Equal(t, 3, got.Day())
	assert.Equal(t, 9, got.Hour())
}

func TestNextRunAtDailySameDayWhenNotYetPassed(t *testing.T) {
	loc := mustLoc(t, "UTC")
	tod := "18:00"
	job := models.ScheduledJob{Kind: models.ScheduleDaily, TimeOfDay: &tod, Timezone: "UTC"}

	now := time.Date(2026, 8, 2, 10, 0, 0, 0, loc)
	next, err := NextRunAt(job, now.Unix())
	require.NoError(t, err)

	got := time.Unix(next, 0).In(loc)
	assert.Equal(t, 2, got.Day())
	assert.Equal(t, 18, got.Hour())
}

func TestNextRunAtDailyMissingTimeOfDay(t *testing.T) {
	job := models.ScheduledJob{Kind: models.ScheduleDaily, Timezone: "UTC"}
	_, err := NextRunAt(job, time.Now().Unix())
	assert.Error(t, err)
}

func TestNextRunAtWeeklySameWeekdayNotYetPassed(t *testing.T) {
	loc := mustLoc(t, "UTC")
	tod := "12:00"
	weekday := int(time.Sunday)
	job := models.ScheduledJob{Kind: models.ScheduleWeekly, TimeOfDay: &tod, Weekday: &weekday, Timezone: "UTC"}

	// 2026-08-02 is a Sunday.
	now := time.Date(2026, 8, 2, 8, 0, 0, 0, loc)
	require.Equal(t, time.Sunday, now.Weekday())

	next, err := NextRunAt(job, now.Unix())
	require.NoError(t, err)
	got := time.Unix(next, 0).In(loc)
	assert.Equal(t, 2, got.Day())
	assert.Equal(t, 12, got.Hour())
}

func TestNextRunAtWeeklySameWeekdayAlreadyPassedRollsAWeek(t *testing.T) {
	loc := mustLoc(t, "UTC")
	tod := "07:00"
	weekday := int(time.Sunday)
	job := models.ScheduledJob{Kind: models.ScheduleWeekly, TimeOfDay: &tod, Weekday: &weekday, Timezone: "UTC"}

	now := time.Date(2026, 8, 2, 8, 0, 0, 0, loc)
	next, err := NextRunAt(job, now.Unix())
	require.NoError(t, err)
	got := time.Unix(next, 0).In(loc)
	assert.Equal(t, 9, got.Day())
	assert.Equal(t, time.Sunday, got.Weekday())
}

func TestNextRunAtWeeklyLaterInWeek(t *testing.T) {
	loc := mustLoc(t, "UTC")
	tod := "12:00"
	weekday := int(time.Wednesday)
	job := models.ScheduledJob{Kind: models.ScheduleWeekly, TimeOfDay: &tod, Weekday: &weekday, Timezone: "UTC"}

	now := time.Date(2026, 8, 2, 8, 0, 0, 0, loc) // Sunday
	next, err := NextRunAt(job, now.Unix())
	require.NoError(t, err)
	got := time.Unix(next, 0).In(loc)
	assert.Equal(t, time.Wednesday, got.Weekday())
	assert.Equal(t, 5, got.Day())
}

func TestNextRunAtWeeklyMissingFields(t *testing.T) {
	job := models.ScheduledJob{Kind: models.ScheduleWeekly, Timezone: "UTC"}
	_, err := NextRunAt(job, time.Now().Unix())
	assert.Error(t, err)
}

func TestNextRunAtCron(t *testing.T) {
	expr := "0 9 * * *"
	job := models.ScheduledJob{Kind: models.ScheduleCron, CronExpr: &expr, Timezone: "UTC"}

	now := time.Date(2026, 8, 2, 10, 0, 0, 0, time.UTC)
	next, err := NextRunAt(job, now.Unix())
	require.NoError(t, err)

	got := time.Unix(next, 0).UTC()
	assert.Equal(t, 3, got.Day())
	assert.Equal(t, 9, got.Hour())
}

func TestNextRunAtCronMissingExpr(t *testing.T) {
	job := models.ScheduledJob{Kind: models.ScheduleCron, Timezone: "UTC"}
	_, err := NextRunAt(job, time.Now().Unix())
	assert.Error(t, err)
}

func TestNextRunAtCronInvalidExpr(t *testing.T) {
	expr := "not a cron expr"
	job := models.ScheduledJob{Kind: models.ScheduleCron, CronExpr: &expr, Timezone: "UTC"}
	_, err := NextRunAt(job, time.Now().Unix())
	assert.Error(t, err)
}

func TestNextRunAtUnknownKind(t *testing.T) {
	job := models.ScheduledJob{Kind: "carrier_pigeon"}
	_, err := NextRunAt(job, time.Now().Unix())
	assert.Error(t, err)
}

func TestLoadLocationEmptyIsUTC(t *testing.T) {
	loc, err := loadLocation("")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}

func TestLoadLocationValid(t *testing.T) {
	loc, err := loadLocation("America/New_York")
	require.NoError(t, err)
	assert.Equal(t, "America/New_York", loc.String())
}

func TestLoadLocationInvalid(t *testing.T) {
	_, err := loadLocation("Not/A_Zone")
	assert.Error(t, err)
}

func TestParseHHMMValid(t *testing.T) {
	h, m, err := parseHHMM("09:30")
	require.NoError(t, err)
	assert.Equal(t, 9, h)
	assert.Equal(t, 30, m)
}

func TestParseHHMMOutOfRange(t *testing.T) {
	_, _, err := parseHHMM("25:00")
	assert.Error(t, err)

	_, _, err = parseHHMM("10:75")
	assert.Error(t, err)
}

func TestParseHHMMMalformed(t *testing.T) {
	_, _, err := parseHHMM("not-a-time")
	assert.Error(t, err)
}

func TestDefaultPollIntervalUsedWhenNonPositive(t *testing.T) {
	s := New(nil, nil, 0)
	assert.Equal(t, DefaultPollInterval, s.pollInterval)

	s = New(nil, nil, -5*time.Second)
	assert.Equal(t, DefaultPollInterval, s.pollInterval)

	s = New(nil, nil, 5*time.Second)
	assert.Equal(t, 5*time.Second, s.pollInterval)
}
