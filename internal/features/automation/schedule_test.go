package automation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsDue_IntervalWithMaxExecutions(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryAutomationRepository()
	t0 := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

	rule := &AutomationRule{
		Name:      "hourly digest",
		Active:    true,
		Priority:  5,
		CreatedAt: t0,
		Trigger: Trigger{
			Type:     TriggerTimeBased,
			Schedule: &Schedule{Type: ScheduleInterval, IntervalHours: 1, MaxExecutions: 3},
		},
	}
	require.NoError(t, repo.Create(ctx, rule))
	id := rule.ID.Hex()

	tick := func(at time.Time) bool {
		current, err := repo.GetByID(ctx, id)
		require.NoError(t, err)
		due, err := IsDue(current, at, "UTC")
		require.NoError(t, err)
		if due {
			claimed, err := repo.ClaimScheduledRun(ctx, id, current.ScheduleRuns, at)
			require.NoError(t, err)
			require.True(t, claimed)
		}
		return due
	}

	assert.True(t, tick(t0), "first tick fires immediately")
	assert.False(t, tick(t0.Add(30*time.Minute)))
	assert.True(t, tick(t0.Add(time.Hour)))
	assert.True(t, tick(t0.Add(2*time.Hour)))
	assert.False(t, tick(t0.Add(3*time.Hour)), "maxExecutions reached")
	assert.False(t, tick(t0.Add(10*time.Hour)))

	// reactivation starts a fresh run budget
	require.NoError(t, repo.SetActive(ctx, id, false, false))
	require.NoError(t, repo.SetActive(ctx, id, true, true))
	assert.True(t, tick(t0.Add(11*time.Hour)))
}

func TestIsDue_ClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryAutomationRepository()
	rule := &AutomationRule{Name: "r", Active: true, Trigger: Trigger{Type: TriggerTimeBased, Schedule: &Schedule{Type: ScheduleInterval, IntervalMinutes: 5}}}
	require.NoError(t, repo.Create(ctx, rule))

	now := time.Now()
	first, err := repo.ClaimScheduledRun(ctx, rule.ID.Hex(), 0, now)
	require.NoError(t, err)
	second, err := repo.ClaimScheduledRun(ctx, rule.ID.Hex(), 0, now)
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)
}

func TestIsDue_Cron(t *testing.T) {
	created := time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC)
	rule := &AutomationRule{
		Active:    true,
		CreatedAt: created,
		Trigger: Trigger{
			Type:     TriggerTimeBased,
			Schedule: &Schedule{Type: ScheduleCron, Expression: "0 9 * * *", Timezone: "Europe/Madrid"},
		},
	}

	tests := []struct {
		name     string
		last     *time.Time
		now      time.Time
		expected bool
	}{
		{"before first boundary", nil, time.Date(2026, 3, 10, 7, 59, 0, 0, time.UTC), false},
		{"at 09:00 madrid", nil, time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC), true},
		{"already ran today", timePtr(time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)), time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC), false},
		{"next day", timePtr(time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)), time.Date(2026, 3, 11, 8, 0, 30, 0, time.UTC), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := *rule
			r.LastScheduledAt = tt.last
			due, err := IsDue(&r, tt.now, "UTC")
			require.NoError(t, err)
			assert.Equal(t, tt.expected, due)
		})
	}
}

func TestIsDue_NotPolled(t *testing.T) {
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	ended := now.Add(-time.Hour)

	tests := []struct {
		name string
		rule AutomationRule
	}{
		{"delay schedules", AutomationRule{Active: true, Trigger: Trigger{Type: TriggerTimeBased, Schedule: &Schedule{Type: ScheduleDelay, DelayDays: 1}}}},
		{"inactive", AutomationRule{Active: false, Trigger: Trigger{Type: TriggerTimeBased, Schedule: &Schedule{Type: ScheduleInterval, IntervalHours: 1}}}},
		{"past end date", AutomationRule{Active: true, Trigger: Trigger{Type: TriggerTimeBased, Schedule: &Schedule{Type: ScheduleInterval, IntervalHours: 1, EndDate: &ended}}}},
		{"event trigger", AutomationRule{Active: true, Trigger: Trigger{Type: TriggerStageChange}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			due, err := IsDue(&tt.rule, now, "UTC")
			require.NoError(t, err)
			assert.False(t, due)
		})
	}
}

func TestParseCron_SecondsAndDescriptors(t *testing.T) {
	base := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

	s, err := ParseCron("*/30 * * * * *", "")
	require.NoError(t, err)
	assert.Equal(t, base.Add(30*time.Second), s.Next(base))

	s, err = ParseCron("@hourly", "UTC")
	require.NoError(t, err)
	assert.Equal(t, base.Add(time.Hour), s.Next(base))

	_, err = ParseCron("61 * * * *", "")
	assert.Error(t, err)
}

func timePtr(t time.Time) *time.Time { return &t }
