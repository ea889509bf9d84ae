package cron_feature

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go-crm-pipeline/internal/config"
	"go-crm-pipeline/internal/features/audit"
	"go-crm-pipeline/internal/features/automation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeAutomation struct {
	automation.AutomationService

	mu        sync.Mutex
	order     []string
	failExec  string
	resumed   []string
	delayed   []string
	scheduled []string
}

func (f *fakeAutomation) record(kind string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.order) == 0 || f.order[len(f.order)-1] != kind {
		f.order = append(f.order, kind)
	}
}

func (f *fakeAutomation) ResumeContinuation(_ context.Context, c automation.Continuation) error {
	f.record("resume")
	if c.ExecutionID == f.failExec {
		return errors.New("boom")
	}
	f.mu.Lock()
	f.resumed = append(f.resumed, c.ExecutionID)
	f.mu.Unlock()
	return nil
}

func (f *fakeAutomation) FireDelayed(_ context.Context, d automation.DelayedTrigger) (*automation.Execution, error) {
	f.record("delayed")
	f.mu.Lock()
	f.delayed = append(f.delayed, d.LeadID)
	f.mu.Unlock()
	return &automation.Execution{RuleID: d.RuleID, LeadID: d.LeadID}, nil
}

func (f *fakeAutomation) FireScheduled(_ context.Context, rule *automation.AutomationRule, _ time.Time) ([]*automation.Execution, error) {
	f.record("scheduled")
	f.mu.Lock()
	f.scheduled = append(f.scheduled, rule.Name)
	f.mu.Unlock()
	return []*automation.Execution{{RuleID: rule.ID.Hex()}, {RuleID: rule.ID.Hex()}}, nil
}

type schedulerHarness struct {
	svc           *SchedulerServiceImpl
	fake          *fakeAutomation
	rules         *automation.MemoryAutomationRepository
	continuations *automation.MemoryContinuationStore
	delayed       *automation.MemoryDelayedTriggerStore
	audit         audit.AuditService
	now           time.Time
}

func newSchedulerHarness(t *testing.T) *schedulerHarness {
	t.Helper()
	h := &schedulerHarness{
		fake:          &fakeAutomation{},
		rules:         automation.NewMemoryAutomationRepository(),
		continuations: automation.NewMemoryContinuationStore(),
		delayed:       automation.NewMemoryDelayedTriggerStore(),
		audit:         audit.NewAuditService(audit.NewMemoryAuditRepository(), zap.NewNop()),
		now:           time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC),
	}
	cfg := &config.Config{
		SchedulerEnabled:     true,
		SchedulerTick:        "@every 1m",
		SchedulerConcurrency: 4,
		DefaultTimezone:      "UTC",
	}
	svc := NewSchedulerService(h.fake, h.rules, h.continuations, h.delayed, NewMemoryTickLogRepository(), h.audit, cfg, zap.NewNop())
	h.svc = svc.(*SchedulerServiceImpl).WithClock(func() time.Time { return h.now })
	return h
}

func (h *schedulerHarness) addRule(t *testing.T, name string, trigger automation.Trigger) *automation.AutomationRule {
	t.Helper()
	rule := &automation.AutomationRule{Name: name, Active: true, Trigger: trigger, CreatedAt: h.now.Add(-time.Hour)}
	require.NoError(t, h.rules.Create(context.Background(), rule))
	return rule
}

func intervalTrigger(minutes int) automation.Trigger {
	return automation.Trigger{
		Type:     automation.TriggerTimeBased,
		Schedule: &automation.Schedule{Type: automation.ScheduleInterval, IntervalMinutes: minutes},
	}
}

func TestTick_RunsPhasesInOrder(t *testing.T) {
	h := newSchedulerHarness(t)
	ctx := context.Background()

	require.NoError(t, h.continuations.Enqueue(ctx, &automation.Continuation{ExecutionID: "exec-1", ResumeAt: h.now.Add(-time.Minute)}))
	require.NoError(t, h.continuations.Enqueue(ctx, &automation.Continuation{ExecutionID: "exec-2", ResumeAt: h.now}))
	require.NoError(t, h.continuations.Enqueue(ctx, &automation.Continuation{ExecutionID: "exec-later", ResumeAt: h.now.Add(time.Hour)}))
	require.NoError(t, h.delayed.Schedule(ctx, &automation.DelayedTrigger{RuleID: "r", LeadID: "lead-1", EventID: "ev-1", DueAt: h.now.Add(-time.Second)}))
	h.addRule(t, "every 30m", intervalTrigger(30))
	h.addRule(t, "manual", automation.Trigger{Type: automation.TriggerManual})

	tick, err := h.svc.Tick(ctx, false)
	require.NoError(t, err)

	assert.Equal(t, []string{"resume", "delayed", "scheduled"}, h.fake.order)
	assert.ElementsMatch(t, []string{"exec-1", "exec-2"}, h.fake.resumed)
	assert.Equal(t, []string{"lead-1"}, h.fake.delayed)
	assert.Equal(t, []string{"every 30m"}, h.fake.scheduled)

	assert.Equal(t, TickSuccess, tick.Status)
	assert.Equal(t, 2, tick.ContinuationsResumed)
	assert.Equal(t, 1, tick.DelayedFired)
	assert.Equal(t, 1, tick.RulesFired)
	assert.Equal(t, 3, tick.ExecutionsStarted)
	require.NotNil(t, tick.EndTime)

	ticks, err := h.svc.ListTicks(ctx, 0)
	require.NoError(t, err)
	require.Len(t, ticks, 1)
	assert.Equal(t, TickSuccess, ticks[0].Status)

	logs, err := h.audit.ListLogs(ctx, map[string]interface{}{"module": "scheduler"}, 1, 10)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestTick_Status(t *testing.T) {
	tests := []struct {
		name     string
		failExec string
		execs    []string
		want     TickStatus
		failures int
	}{
		{name: "idle tick succeeds", want: TickSuccess},
		{name: "one failure among successes", failExec: "bad", execs: []string{"ok", "bad"}, want: TickPartial, failures: 1},
		{name: "only failures", failExec: "bad", execs: []string{"bad"}, want: TickFailed, failures: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newSchedulerHarness(t)
			h.fake.failExec = tt.failExec
			for _, id := range tt.execs {
				require.NoError(t, h.continuations.Enqueue(context.Background(), &automation.Continuation{ExecutionID: id, ResumeAt: h.now}))
			}

			tick, err := h.svc.Tick(context.Background(), true)
			require.NoError(t, err)
			assert.Equal(t, tt.want, tick.Status)
			assert.Equal(t, tt.failures, tick.Failures)
			assert.Len(t, tick.Errors, tt.failures)
			assert.True(t, tick.Manual)
		})
	}
}

func TestTick_SkipsWhenAlreadyRunning(t *testing.T) {
	h := newSchedulerHarness(t)
	h.svc.ticking.Lock()
	defer h.svc.ticking.Unlock()

	_, err := h.svc.Tick(context.Background(), true)
	assert.ErrorIs(t, err, ErrTickInProgress)
}

func TestTick_IntervalRuleNotDueTwice(t *testing.T) {
	h := newSchedulerHarness(t)
	last := h.now.Add(-10 * time.Minute)
	rule := &automation.AutomationRule{Name: "hourly", Active: true, Trigger: intervalTrigger(60), LastScheduledAt: &last, ScheduleRuns: 1}
	require.NoError(t, h.rules.Create(context.Background(), rule))

	tick, err := h.svc.Tick(context.Background(), false)
	require.NoError(t, err)
	assert.Zero(t, tick.RulesFired)
	assert.Empty(t, h.fake.scheduled)
}

func TestStatus_ListsTimeBasedRules(t *testing.T) {
	h := newSchedulerHarness(t)
	ctx := context.Background()

	interval := h.addRule(t, "interval", intervalTrigger(15))
	delay := h.addRule(t, "delay", automation.Trigger{
		Type:     automation.TriggerTimeBased,
		Schedule: &automation.Schedule{Type: automation.ScheduleDelay, DelayDays: 3},
	})
	h.addRule(t, "manual", automation.Trigger{Type: automation.TriggerManual})
	require.NoError(t, h.delayed.Schedule(ctx, &automation.DelayedTrigger{RuleID: delay.ID.Hex(), LeadID: "lead-1", EventID: "ev-1", DueAt: h.now.Add(72 * time.Hour)}))

	status, err := h.svc.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Enabled)
	assert.False(t, status.Running)
	assert.Nil(t, status.LastTick)
	require.Len(t, status.Rules, 2)

	byID := map[string]ScheduledRule{}
	for _, r := range status.Rules {
		byID[r.RuleID] = r
	}
	require.NotNil(t, byID[interval.ID.Hex()].NextRun)
	assert.Equal(t, h.now, *byID[interval.ID.Hex()].NextRun)
	assert.Equal(t, int64(1), byID[delay.ID.Hex()].PendingDelayed)
	assert.Nil(t, byID[delay.ID.Hex()].NextRun)
}

func TestStartStop(t *testing.T) {
	t.Run("invalid tick spec", func(t *testing.T) {
		h := newSchedulerHarness(t)
		h.svc.spec = "every now and then"
		assert.Error(t, h.svc.Start())
	})

	t.Run("running scheduler reports next tick", func(t *testing.T) {
		h := newSchedulerHarness(t)
		h.svc.spec = "@every 1h"
		require.NoError(t, h.svc.Start())
		defer h.svc.Stop()

		status, err := h.svc.Status(context.Background())
		require.NoError(t, err)
		assert.True(t, status.Running)
		assert.NotNil(t, status.NextTick)
	})
}
