package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go-crm-pipeline/internal/config"
	common_models "go-crm-pipeline/internal/common/models"
	"go-crm-pipeline/internal/features/audit"
	"go-crm-pipeline/internal/features/lead"
	"go-crm-pipeline/internal/features/stage"
	"go-crm-pipeline/pkg/utils"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type AutomationService interface {
	CreateRule(ctx context.Context, rule *AutomationRule) error
	GetRule(ctx context.Context, id string) (*AutomationRule, error)
	ListRules(ctx context.Context) ([]AutomationRule, error)
	UpdateRule(ctx context.Context, id string, rule *AutomationRule) error
	DeleteRule(ctx context.Context, id string) error
	SetActive(ctx context.Context, id string, active bool) error

	// HandleEvent matches an event against active rules and starts the resulting executions.
	HandleEvent(ctx context.Context, ev Event) ([]*Execution, error)
	FireManualTrigger(ctx context.Context, ruleID, leadID string) (*Execution, error)
	FireScheduled(ctx context.Context, rule *AutomationRule, now time.Time) ([]*Execution, error)
	FireDelayed(ctx context.Context, d DelayedTrigger) (*Execution, error)
	ResumeContinuation(ctx context.Context, c Continuation) error

	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error)
	GetExecution(ctx context.Context, id string) (*Execution, error)
	CancelExecution(ctx context.Context, id, reason string) error
	ExportExecutions(ctx context.Context, filter ExecutionFilter) ([]byte, string, error)
	GetRuleMetrics(ctx context.Context) ([]RuleMetrics, error)
	ListFunctions() []FunctionInfo

	// Wait blocks until every execution started by this process has stopped running.
	Wait()
}

type AutomationServiceImpl struct {
	Repo          AutomationRepository
	Executions    ExecutionRepository
	Engine        *Engine
	Matcher       *TriggerMatcher
	Delayed       DelayedTriggerStore
	Continuations ContinuationStore
	Stages        stage.StageService
	Leads         lead.LeadRepository
	Functions     *FunctionRegistry
	AuditService  audit.AuditService
	Logger        *zap.Logger

	maxChainDepth int
	concurrency   int
	now           func() time.Time
	wg            sync.WaitGroup
}

func NewAutomationService(
	repo AutomationRepository,
	executions ExecutionRepository,
	engine *Engine,
	matcher *TriggerMatcher,
	delayed DelayedTriggerStore,
	continuations ContinuationStore,
	stages stage.StageService,
	leads lead.LeadRepository,
	functions *FunctionRegistry,
	auditService audit.AuditService,
	cfg *config.Config,
	logger *zap.Logger,
) AutomationService {
	s := &AutomationServiceImpl{
		Repo:          repo,
		Executions:    executions,
		Engine:        engine,
		Matcher:       matcher,
		Delayed:       delayed,
		Continuations: continuations,
		Stages:        stages,
		Leads:         leads,
		Functions:     functions,
		AuditService:  auditService,
		Logger:        logger,
		maxChainDepth: cfg.MaxChainDepth,
		concurrency:   cfg.SchedulerConcurrency,
		now:           time.Now,
	}
	if s.concurrency <= 0 {
		s.concurrency = 1
	}
	engine.SetChainHandler(s.onChainedEvent)
	if stages != nil {
		stages.AddTransitionListener(s.onTransition)
	}
	return s
}

// WithClock overrides the service's time source. The engine keeps its own.
func (s *AutomationServiceImpl) WithClock(now func() time.Time) *AutomationServiceImpl {
	s.now = now
	return s
}

func (s *AutomationServiceImpl) CreateRule(ctx context.Context, rule *AutomationRule) error {
	if rule.Priority == 0 {
		rule.Priority = defaultPriority
	}
	normalizeRule(rule)
	if err := s.validate(ctx, rule); err != nil {
		return err
	}

	rule.ExecutionCount, rule.SuccessCount, rule.ErrorCount, rule.TotalDurationMs = 0, 0, 0, 0
	rule.LastExecuted, rule.LastScheduledAt, rule.ScheduleRuns = nil, nil, 0
	rule.CreatedBy = utils.UserIDFromContext(ctx)
	rule.CreatedAt = s.now()
	if err := s.Repo.Create(ctx, rule); err != nil {
		return err
	}

	_ = s.AuditService.LogChange(ctx, common_models.AuditActionCreate, "automation_rules", rule.ID.Hex(), map[string]common_models.Change{
		"rule": {New: rule},
	})
	return nil
}

func (s *AutomationServiceImpl) GetRule(ctx context.Context, id string) (*AutomationRule, error) {
	return s.Repo.GetByID(ctx, id)
}

func (s *AutomationServiceImpl) ListRules(ctx context.Context) ([]AutomationRule, error) {
	return s.Repo.List(ctx)
}

func (s *AutomationServiceImpl) UpdateRule(ctx context.Context, id string, rule *AutomationRule) error {
	existing, err := s.Repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if rule.Priority == 0 {
		rule.Priority = existing.Priority
	}
	normalizeRule(rule)
	if err := s.validate(ctx, rule); err != nil {
		return err
	}

	rule.ID = existing.ID
	rule.CreatedAt = existing.CreatedAt
	rule.CreatedBy = existing.CreatedBy
	if err := s.Repo.Update(ctx, rule); err != nil {
		return err
	}

	now := s.now()
	wasDormant := existing.Trigger.Schedule != nil && existing.Trigger.Schedule.Dormant(existing.ScheduleRuns, now)
	nowDormant := rule.Trigger.Schedule != nil && rule.Trigger.Schedule.Dormant(existing.ScheduleRuns, now)
	if wasDormant && !nowDormant {
		if err := s.Repo.ReviveSchedule(ctx, id); err != nil {
			return err
		}
	}
	if existing.Active && !rule.Active {
		s.stopRule(ctx, id, "rule deactivated")
	}

	_ = s.AuditService.LogChange(ctx, common_models.AuditActionUpdate, "automation_rules", id, map[string]common_models.Change{
		"rule": {Old: existing, New: rule},
	})
	return nil
}

func (s *AutomationServiceImpl) DeleteRule(ctx context.Context, id string) error {
	if err := s.Repo.Delete(ctx, id); err != nil {
		return err
	}
	s.stopRule(ctx, id, "rule deleted")
	_ = s.AuditService.LogChange(ctx, common_models.AuditActionDelete, "automation_rules", id, nil)
	return nil
}

// SetActive toggles a rule. Activation resets the scheduler run count; deactivation
// cancels the rule's in-flight executions and pending delayed triggers.
func (s *AutomationServiceImpl) SetActive(ctx context.Context, id string, active bool) error {
	existing, err := s.Repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.Repo.SetActive(ctx, id, active, active && !existing.Active); err != nil {
		return err
	}
	if !active && existing.Active {
		s.stopRule(ctx, id, "rule deactivated")
	}
	_ = s.AuditService.LogChange(ctx, common_models.AuditActionUpdate, "automation_rules", id, map[string]common_models.Change{
		"active": {Old: existing.Active, New: active},
	})
	return nil
}

func (s *AutomationServiceImpl) stopRule(ctx context.Context, ruleID, reason string) {
	n, err := s.Executions.CancelByRule(ctx, ruleID, reason)
	if err != nil {
		s.Logger.Error("Failed to cancel rule executions", zap.String("rule_id", ruleID), zap.Error(err))
	}
	if n > 0 {
		for _, status := range []ExecutionStatus{ExecutionPending, ExecutionRunning} {
			execs, err := s.Executions.List(ctx, ExecutionFilter{RuleID: ruleID, Status: status})
			if err != nil {
				continue
			}
			for i := range execs {
				s.cancelSuspended(ctx, &execs[i], reason)
			}
		}
	}
	if err := s.Delayed.DeleteByRule(ctx, ruleID); err != nil {
		s.Logger.Error("Failed to drop delayed triggers", zap.String("rule_id", ruleID), zap.Error(err))
	}
}

// cancelSuspended closes an execution that is parked on a continuation.
func (s *AutomationServiceImpl) cancelSuspended(ctx context.Context, exec *Execution, reason string) {
	dropped, err := s.Continuations.DeleteByExecution(ctx, exec.ID.Hex(), s.now())
	if err != nil {
		s.Logger.Error("Failed to drop continuations", zap.String("execution_id", exec.ID.Hex()), zap.Error(err))
		return
	}
	if dropped > 0 {
		s.Engine.Cancel(ctx, exec, reason)
	}
}

func (s *AutomationServiceImpl) validate(ctx context.Context, rule *AutomationRule) error {
	errs := []error{}
	if err := ValidateRule(rule, s.Functions); err != nil {
		errs = append(errs, err)
	}
	if s.Stages != nil {
		check := func(field, id string) {
			if id == "" {
				return
			}
			if _, err := s.Stages.GetStage(ctx, id); err != nil {
				errs = append(errs, &ValidationError{Field: field, Reason: fmt.Sprintf("unknown stage %q", id)})
			}
		}
		check("trigger.fromStageId", rule.Trigger.FromStageID)
		check("trigger.toStageId", rule.Trigger.ToStageID)
		check("trigger.stageId", rule.Trigger.StageID)
		for i, a := range rule.Actions {
			if a.Type == ActionMoveStage {
				target := cfgString(a.Config, "targetStageId")
				if target == "" {
					target = cfgString(a.Config, "stageId")
				}
				check(fmt.Sprintf("actions[%d].config.targetStageId", i), target)
			}
		}
	}
	return errors.Join(errs...)
}

func normalizeRule(rule *AutomationRule) {
	if rule.Conditions == nil {
		rule.Conditions = []Condition{}
	}
	if rule.Actions == nil {
		rule.Actions = []Action{}
	}
	for i := range rule.Actions {
		if rule.Actions[i].Config == nil {
			rule.Actions[i].Config = map[string]interface{}{}
		}
	}
}

func (s *AutomationServiceImpl) HandleEvent(ctx context.Context, ev Event) ([]*Execution, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now()
	}
	if ev.UserID == "" {
		ev.UserID = utils.UserIDFromContext(ctx)
	}
	if ev.Type == TriggerTimeBased || !ev.Type.IsValid() {
		return nil, &ValidationError{Field: "type", Reason: fmt.Sprintf("cannot handle %q events", ev.Type)}
	}
	if ev.LeadID == "" {
		return nil, &ValidationError{Field: "leadId", Reason: "is required"}
	}
	if ev.Depth > s.maxChainDepth {
		s.Logger.Warn("Dropping chained event",
			zap.String("event_id", ev.ID),
			zap.String("lead_id", ev.LeadID),
			zap.String("type", string(ev.Type)),
			zap.Int("depth", ev.Depth))
		return nil, nil
	}

	s.scheduleDelayed(ctx, ev)

	rules, err := s.Matcher.Match(ctx, ev)
	if err != nil {
		return nil, err
	}

	var (
		accepted []*Execution
		runnable []runnableExecution
	)
	for i := range rules {
		rule := &rules[i]
		exec, ok, err := s.Engine.Prepare(ctx, rule, ev)
		if err != nil {
			s.Logger.Error("Failed to prepare execution",
				zap.String("rule_id", rule.ID.Hex()),
				zap.String("lead_id", ev.LeadID),
				zap.Error(err))
			if errors.Is(err, lead.ErrLeadNotFound) {
				return nil, err
			}
			continue
		}
		accepted = append(accepted, exec)
		if ok {
			runnable = append(runnable, runnableExecution{rule: rule, exec: exec})
		}
	}
	s.runInOrder(ctx, runnable)
	return accepted, nil
}

type runnableExecution struct {
	rule *AutomationRule
	exec *Execution
}

// runInOrder runs one event's executions sequentially, in priority order, off the caller's goroutine.
func (s *AutomationServiceImpl) runInOrder(ctx context.Context, runs []runnableExecution) {
	if len(runs) == 0 {
		return
	}
	bg := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for _, r := range runs {
			s.Engine.Execute(bg, r.rule, r.exec)
		}
	}()
}

func (s *AutomationServiceImpl) scheduleDelayed(ctx context.Context, ev Event) {
	rules, err := s.Matcher.MatchDelayed(ctx, ev)
	if err != nil {
		s.Logger.Error("Failed to match delayed rules", zap.String("event_id", ev.ID), zap.Error(err))
		return
	}
	for _, rule := range rules {
		if rule.Trigger.Schedule.Dormant(rule.ScheduleRuns, ev.Timestamp) {
			continue
		}
		d := &DelayedTrigger{
			RuleID:    rule.ID.Hex(),
			LeadID:    ev.LeadID,
			EventID:   ev.ID,
			UserID:    ev.UserID,
			Depth:     ev.Depth,
			DueAt:     ev.Timestamp.Add(rule.Trigger.Schedule.Delay()),
			CreatedAt: s.now(),
		}
		if err := s.Delayed.Schedule(ctx, d); err != nil {
			s.Logger.Error("Failed to schedule delayed trigger", zap.String("rule_id", d.RuleID), zap.Error(err))
			continue
		}
		s.Logger.Debug("Delayed trigger scheduled",
			zap.String("rule_id", d.RuleID),
			zap.String("lead_id", d.LeadID),
			zap.Time("due_at", d.DueAt))
	}
}

func (s *AutomationServiceImpl) onChainedEvent(ctx context.Context, ev Event) {
	if _, err := s.HandleEvent(ctx, ev); err != nil {
		s.Logger.Warn("Chained event failed", zap.String("event_id", ev.ID), zap.Error(err))
	}
}

func (s *AutomationServiceImpl) onTransition(ctx context.Context, leadID, from, to string, at time.Time) {
	ev := Event{
		Type:        TriggerStageChange,
		LeadID:      leadID,
		FromStageID: from,
		ToStageID:   to,
		Timestamp:   at,
		UserID:      utils.UserIDFromContext(ctx),
	}
	if _, err := s.HandleEvent(context.WithoutCancel(ctx), ev); err != nil {
		s.Logger.Warn("Stage change automation failed", zap.String("lead_id", leadID), zap.Error(err))
	}
}

// FireManualTrigger runs any active rule against one lead, regardless of its trigger type.
func (s *AutomationServiceImpl) FireManualTrigger(ctx context.Context, ruleID, leadID string) (*Execution, error) {
	rule, err := s.Repo.GetByID(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if !rule.Active {
		return nil, ErrRuleInactive
	}
	ev := Event{
		ID:        uuid.NewString(),
		Type:      TriggerManual,
		LeadID:    leadID,
		UserID:    utils.UserIDFromContext(ctx),
		Timestamp: s.now(),
	}
	exec, ok, err := s.Engine.Prepare(ctx, rule, ev)
	if err != nil {
		return nil, err
	}
	if ok {
		s.runInOrder(ctx, []runnableExecution{{rule: rule, exec: exec}})
	}
	return exec, nil
}

// FireScheduled claims one scheduler run of rule and fires it for every lead in scope.
// A lost claim means another tick already took this run.
func (s *AutomationServiceImpl) FireScheduled(ctx context.Context, rule *AutomationRule, now time.Time) ([]*Execution, error) {
	claimed, err := s.Repo.ClaimScheduledRun(ctx, rule.ID.Hex(), rule.ScheduleRuns, now)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, nil
	}

	leads, err := s.Leads.List(ctx, lead.Filter{StageID: rule.Trigger.StageID})
	if err != nil {
		return nil, fmt.Errorf("list leads for rule %s: %w", rule.ID.Hex(), err)
	}

	var (
		mu    sync.Mutex
		execs []*Execution
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, l := range leads {
		leadID := l.ID
		g.Go(func() error {
			ev := Event{
				ID:        uuid.NewString(),
				Type:      TriggerTimeBased,
				LeadID:    leadID,
				UserID:    utils.UserIDFromContext(ctx),
				Timestamp: now,
			}
			exec, ok, err := s.Engine.Prepare(gctx, rule, ev)
			if err != nil {
				s.Logger.Warn("Scheduled firing skipped", zap.String("rule_id", rule.ID.Hex()), zap.String("lead_id", leadID), zap.Error(err))
				return nil
			}
			if ok {
				s.Engine.Execute(context.WithoutCancel(gctx), rule, exec)
			}
			mu.Lock()
			execs = append(execs, exec)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return execs, err
	}
	return execs, nil
}

// maxClaimAttempts bounds how often a delayed firing re-reads a rule after losing
// the scheduleRuns claim to a concurrent firing.
const maxClaimAttempts = 5

// FireDelayed runs a due delayed trigger. The firing only happens once it wins the
// scheduleRuns claim, so concurrent triggers never exceed maxExecutions.
func (s *AutomationServiceImpl) FireDelayed(ctx context.Context, d DelayedTrigger) (*Execution, error) {
	rule, err := s.Repo.GetByID(ctx, d.RuleID)
	if err != nil {
		if errors.Is(err, ErrRuleNotFound) {
			return nil, s.Delayed.Complete(ctx, d.ID)
		}
		return nil, err
	}
	for attempt := 1; ; attempt++ {
		if !rule.Active || rule.Trigger.Schedule == nil || rule.Trigger.Schedule.Dormant(rule.ScheduleRuns, s.now()) {
			return nil, s.Delayed.Complete(ctx, d.ID)
		}
		claimed, err := s.Repo.ClaimScheduledRun(ctx, d.RuleID, rule.ScheduleRuns, s.now())
		if err != nil {
			return nil, err
		}
		if claimed {
			break
		}
		// another firing moved scheduleRuns; the lease brings the trigger back later
		if attempt == maxClaimAttempts {
			return nil, fmt.Errorf("claim delayed run for rule %s: %w", d.RuleID, ErrClaimContended)
		}
		if rule, err = s.Repo.GetByID(ctx, d.RuleID); err != nil {
			if errors.Is(err, ErrRuleNotFound) {
				return nil, s.Delayed.Complete(ctx, d.ID)
			}
			return nil, err
		}
	}
	if err := s.Delayed.Complete(ctx, d.ID); err != nil {
		return nil, err
	}

	ev := Event{
		ID:        d.EventID,
		Type:      TriggerTimeBased,
		LeadID:    d.LeadID,
		UserID:    d.UserID,
		Depth:     d.Depth,
		Timestamp: d.DueAt,
	}
	exec, ok, err := s.Engine.Prepare(ctx, rule, ev)
	if err != nil {
		return nil, err
	}
	if ok {
		s.Engine.Execute(context.WithoutCancel(ctx), rule, exec)
	}
	return exec, nil
}

func (s *AutomationServiceImpl) ResumeContinuation(ctx context.Context, c Continuation) error {
	return s.Engine.Resume(context.WithoutCancel(ctx), c)
}

func (s *AutomationServiceImpl) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return s.Executions.List(ctx, filter)
}

func (s *AutomationServiceImpl) GetExecution(ctx context.Context, id string) (*Execution, error) {
	return s.Executions.GetByID(ctx, id)
}

// CancelExecution flags an execution. A suspended one is closed immediately;
// a running one stops before its next action.
func (s *AutomationServiceImpl) CancelExecution(ctx context.Context, id, reason string) error {
	if reason == "" {
		reason = "cancelled by " + utils.UserIDFromContext(ctx)
	}
	ok, err := s.Executions.RequestCancel(ctx, id, reason)
	if err != nil {
		return err
	}
	if !ok {
		return ErrExecutionFinished
	}
	exec, err := s.Executions.GetByID(ctx, id)
	if err != nil {
		return err
	}
	s.cancelSuspended(ctx, exec, reason)
	return nil
}

func (s *AutomationServiceImpl) ExportExecutions(ctx context.Context, filter ExecutionFilter) ([]byte, string, error) {
	if filter.Limit <= 0 {
		filter.Limit = 10000
	}
	execs, err := s.Executions.List(ctx, filter)
	if err != nil {
		return nil, "", err
	}
	data, err := executionsWorkbook(execs)
	if err != nil {
		return nil, "", err
	}
	return data, exportFilename(s.now()), nil
}

func (s *AutomationServiceImpl) GetRuleMetrics(ctx context.Context) ([]RuleMetrics, error) {
	rules, err := s.Repo.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]RuleMetrics, 0, len(rules))
	for _, r := range rules {
		m := RuleMetrics{
			RuleID:         r.ID.Hex(),
			Name:           r.Name,
			Active:         r.Active,
			ExecutionCount: r.ExecutionCount,
			SuccessCount:   r.SuccessCount,
			ErrorCount:     r.ErrorCount,
			LastExecuted:   r.LastExecuted,
		}
		if r.ExecutionCount > 0 {
			m.SuccessRate = float64(r.SuccessCount) / float64(r.ExecutionCount)
			m.AverageDurationMs = float64(r.TotalDurationMs) / float64(r.ExecutionCount)
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *AutomationServiceImpl) ListFunctions() []FunctionInfo {
	return s.Functions.List()
}

func (s *AutomationServiceImpl) Wait() {
	s.wg.Wait()
}
