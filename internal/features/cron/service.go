package cron_feature

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	common_models "go-crm-pipeline/internal/common/models"
	"go-crm-pipeline/internal/config"
	"go-crm-pipeline/internal/features/audit"
	"go-crm-pipeline/internal/features/automation"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	claimLease = 5 * time.Minute
	claimBatch = 100
	maxErrors  = 20
)

var ErrTickInProgress = errors.New("a scheduler tick is already running")

type SchedulerService interface {
	Start() error
	Stop()
	// Tick resumes due continuations, fires due delayed triggers and then polls time_based rules.
	Tick(ctx context.Context, manual bool) (*TickLog, error)
	Status(ctx context.Context) (*SchedulerStatus, error)
	ListTicks(ctx context.Context, limit int) ([]TickLog, error)
}

type SchedulerServiceImpl struct {
	Automation    automation.AutomationService
	Rules         automation.AutomationRepository
	Continuations automation.ContinuationStore
	Delayed       automation.DelayedTriggerStore
	Repo          TickLogRepository
	AuditService  audit.AuditService
	Logger        *zap.Logger

	spec        string
	timezone    string
	concurrency int
	enabled     bool
	now         func() time.Time

	mu        sync.Mutex
	scheduler *cron.Cron
	entryID   cron.EntryID
	ticking   sync.Mutex
}

func NewSchedulerService(
	automationService automation.AutomationService,
	rules automation.AutomationRepository,
	continuations automation.ContinuationStore,
	delayed automation.DelayedTriggerStore,
	repo TickLogRepository,
	auditService audit.AuditService,
	cfg *config.Config,
	logger *zap.Logger,
) SchedulerService {
	s := &SchedulerServiceImpl{
		Automation:    automationService,
		Rules:         rules,
		Continuations: continuations,
		Delayed:       delayed,
		Repo:          repo,
		AuditService:  auditService,
		Logger:        logger,
		spec:          cfg.SchedulerTick,
		timezone:      cfg.DefaultTimezone,
		concurrency:   cfg.SchedulerConcurrency,
		enabled:       cfg.SchedulerEnabled,
		now:           time.Now,
	}
	if s.concurrency <= 0 {
		s.concurrency = 1
	}
	return s
}

// WithClock overrides the time a tick considers "now".
func (s *SchedulerServiceImpl) WithClock(now func() time.Time) *SchedulerServiceImpl {
	s.now = now
	return s
}

func (s *SchedulerServiceImpl) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scheduler != nil {
		return nil
	}
	logger := zapCronLogger{s.Logger.Sugar()}
	scheduler := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	entryID, err := scheduler.AddFunc(s.spec, func() {
		if _, err := s.Tick(context.Background(), false); err != nil && !errors.Is(err, ErrTickInProgress) {
			s.Logger.Error("Scheduler tick failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid scheduler tick %q: %w", s.spec, err)
	}

	s.scheduler = scheduler
	s.entryID = entryID
	scheduler.Start()
	s.Logger.Info("Automation scheduler started", zap.String("tick", s.spec))
	return nil
}

func (s *SchedulerServiceImpl) Stop() {
	s.mu.Lock()
	scheduler := s.scheduler
	s.scheduler = nil
	s.mu.Unlock()

	if scheduler != nil {
		ctx := scheduler.Stop()
		<-ctx.Done()
		s.Logger.Info("Automation scheduler stopped")
	}
}

func (s *SchedulerServiceImpl) Tick(ctx context.Context, manual bool) (*TickLog, error) {
	if !s.ticking.TryLock() {
		return nil, ErrTickInProgress
	}
	defer s.ticking.Unlock()

	now := s.now()
	tick := &TickLog{Manual: manual, StartTime: now, Status: TickRunning}
	if err := s.Repo.Create(ctx, tick); err != nil {
		s.Logger.Warn("Failed to record scheduler tick", zap.Error(err))
	}

	var mu sync.Mutex
	fail := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		tick.Failures++
		if len(tick.Errors) < maxErrors {
			tick.Errors = append(tick.Errors, err.Error())
		}
	}

	s.resumeContinuations(ctx, now, tick, &mu, fail)
	s.fireDelayed(ctx, now, tick, &mu, fail)
	s.pollRules(ctx, now, tick, fail)

	end := s.now()
	tick.EndTime = &end
	switch {
	case tick.Failures == 0:
		tick.Status = TickSuccess
	case tick.ContinuationsResumed+tick.DelayedFired+tick.RulesFired > 0:
		tick.Status = TickPartial
	default:
		tick.Status = TickFailed
	}
	if err := s.Repo.Update(ctx, tick); err != nil {
		s.Logger.Warn("Failed to update scheduler tick", zap.Error(err))
	}

	if tick.Worked() {
		s.AuditService.LogChange(ctx, common_models.AuditActionAutomation, "scheduler", tick.ID.Hex(), map[string]common_models.Change{
			"status":        {New: string(tick.Status)},
			"continuations": {New: tick.ContinuationsResumed},
			"delayed":       {New: tick.DelayedFired},
			"rules":         {New: tick.RulesFired},
			"failures":      {New: tick.Failures},
		})
		s.Logger.Info("Scheduler tick finished",
			zap.String("status", string(tick.Status)),
			zap.Int("continuations", tick.ContinuationsResumed),
			zap.Int("delayed", tick.DelayedFired),
			zap.Int("rules", tick.RulesFired),
			zap.Int("executions", tick.ExecutionsStarted),
			zap.Int("failures", tick.Failures),
		)
	}
	return tick, nil
}

func (s *SchedulerServiceImpl) resumeContinuations(ctx context.Context, now time.Time, tick *TickLog, mu *sync.Mutex, fail func(error)) {
	due, err := s.Continuations.ClaimDue(ctx, now, claimLease, claimBatch)
	if err != nil {
		fail(fmt.Errorf("claim continuations: %w", err))
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, c := range due {
		c := c
		g.Go(func() error {
			if err := s.Automation.ResumeContinuation(gctx, c); err != nil {
				fail(fmt.Errorf("resume execution %s: %w", c.ExecutionID, err))
				return nil
			}
			mu.Lock()
			tick.ContinuationsResumed++
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
}

func (s *SchedulerServiceImpl) fireDelayed(ctx context.Context, now time.Time, tick *TickLog, mu *sync.Mutex, fail func(error)) {
	due, err := s.Delayed.ClaimDue(ctx, now, claimLease, claimBatch)
	if err != nil {
		fail(fmt.Errorf("claim delayed triggers: %w", err))
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, d := range due {
		d := d
		g.Go(func() error {
			exec, err := s.Automation.FireDelayed(gctx, d)
			if err != nil {
				fail(fmt.Errorf("fire rule %s for lead %s: %w", d.RuleID, d.LeadID, err))
				return nil
			}
			mu.Lock()
			tick.DelayedFired++
			if exec != nil {
				tick.ExecutionsStarted++
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
}

// pollRules fires rules one at a time; FireScheduled already fans out across leads.
func (s *SchedulerServiceImpl) pollRules(ctx context.Context, now time.Time, tick *TickLog, fail func(error)) {
	rules, err := s.Rules.ListActive(ctx)
	if err != nil {
		fail(fmt.Errorf("list active rules: %w", err))
		return
	}
	for i := range rules {
		rule := &rules[i]
		due, err := automation.IsDue(rule, now, s.timezone)
		if err != nil {
			fail(fmt.Errorf("rule %s: %w", rule.ID.Hex(), err))
			continue
		}
		if !due {
			continue
		}
		execs, err := s.Automation.FireScheduled(ctx, rule, now)
		if err != nil {
			fail(fmt.Errorf("fire rule %s: %w", rule.ID.Hex(), err))
			continue
		}
		tick.RulesFired++
		tick.ExecutionsStarted += len(execs)
	}
}

func (s *SchedulerServiceImpl) Status(ctx context.Context) (*SchedulerStatus, error) {
	status := &SchedulerStatus{Enabled: s.enabled, Tick: s.spec, Rules: []ScheduledRule{}}

	s.mu.Lock()
	if s.scheduler != nil {
		status.Running = true
		if next := s.scheduler.Entry(s.entryID).Next; !next.IsZero() {
			status.NextTick = &next
		}
	}
	s.mu.Unlock()

	last, err := s.Repo.Latest(ctx)
	if err != nil {
		return nil, err
	}
	status.LastTick = last

	rules, err := s.Rules.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for _, rule := range rules {
		sched := rule.Trigger.Schedule
		if rule.Trigger.Type != automation.TriggerTimeBased || sched == nil {
			continue
		}
		entry := ScheduledRule{
			RuleID:        rule.ID.Hex(),
			Name:          rule.Name,
			ScheduleType:  string(sched.Type),
			Runs:          rule.ScheduleRuns,
			MaxExecutions: sched.MaxExecutions,
			LastRun:       rule.LastScheduledAt,
		}
		if next := automation.NextRun(&rule, now, s.timezone); !next.IsZero() {
			entry.NextRun = &next
		}
		if sched.Type == automation.ScheduleDelay {
			pending, err := s.Delayed.Pending(ctx, entry.RuleID)
			if err != nil {
				return nil, err
			}
			entry.PendingDelayed = pending
		}
		status.Rules = append(status.Rules, entry)
	}
	return status, nil
}

func (s *SchedulerServiceImpl) ListTicks(ctx context.Context, limit int) ([]TickLog, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.Repo.List(ctx, limit)
}

// zapCronLogger adapts zap to the cron.Logger interface.
type zapCronLogger struct {
	s *zap.SugaredLogger
}

func (l zapCronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l zapCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
