package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go-crm-pipeline/internal/features/lead"
	"go-crm-pipeline/internal/features/notification"
	"go-crm-pipeline/internal/features/stage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultActionTimeout = 60 * time.Second

// LeadReader loads the snapshot an execution starts from.
type LeadReader interface {
	GetByID(ctx context.Context, id string) (*lead.Lead, error)
}

// ExecutionPublisher receives every execution state change.
type ExecutionPublisher interface {
	Publish(exec *Execution)
}

// ChainHandler receives events caused by an execution's own actions.
type ChainHandler func(ctx context.Context, ev Event)

// Engine runs one rule firing end to end: gating, the condition gate and the action loop.
// Wait actions and delayed retries are persisted as continuations instead of sleeping.
type Engine struct {
	rules         AutomationRepository
	execs         ExecutionRepository
	leads         LeadReader
	stages        StageLookup
	evaluator     *ConditionEvaluator
	executor      ActionExecutor
	gate          *Gate
	continuations ContinuationStore
	notifier      Notifier
	publisher     ExecutionPublisher
	chain         ChainHandler
	logger        *zap.Logger

	now           func() time.Time
	actionTimeout time.Duration
}

func NewEngine(
	rules AutomationRepository,
	execs ExecutionRepository,
	leads LeadReader,
	stages StageLookup,
	evaluator *ConditionEvaluator,
	executor ActionExecutor,
	gate *Gate,
	continuations ContinuationStore,
	notifier Notifier,
	publisher ExecutionPublisher,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		rules:         rules,
		execs:         execs,
		leads:         leads,
		stages:        stages,
		evaluator:     evaluator,
		executor:      executor,
		gate:          gate,
		continuations: continuations,
		notifier:      notifier,
		publisher:     publisher,
		logger:        logger,
		now:           time.Now,
		actionTimeout: defaultActionTimeout,
	}
}

// WithClock overrides the engine's time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) SetChainHandler(h ChainHandler) {
	e.chain = h
}

// Prepare records a new execution for rule and ev and runs gating and the rule's conditions.
// It returns runnable=true when the action loop should follow. Rejected and no-op firings
// come back already terminal.
func (e *Engine) Prepare(ctx context.Context, rule *AutomationRule, ev Event) (*Execution, bool, error) {
	if !rule.Active {
		return nil, false, ErrRuleInactive
	}
	l, err := e.leads.GetByID(ctx, ev.LeadID)
	if err != nil {
		return nil, false, fmt.Errorf("load lead %s: %w", ev.LeadID, err)
	}

	now := e.now()
	exec := &Execution{
		RuleID:      rule.ID.Hex(),
		RuleName:    rule.Name,
		LeadID:      l.ID,
		TriggerType: ev.Type,
		EventID:     ev.ID,
		Depth:       ev.Depth,
		UserID:      ev.UserID,
		Status:      ExecutionPending,
		Results:     make([]ActionResult, len(rule.Actions)),
		Logs:        []ExecutionLog{},
		Snapshot:    l.Clone(),
		CreatedAt:   now,
	}
	for i, a := range rule.Actions {
		exec.Results[i] = ActionResult{Index: i, Type: a.Type, Status: ActionPending}
	}
	if exec.EventID == "" {
		exec.EventID = uuid.NewString()
	}
	if err := e.execs.Create(ctx, exec); err != nil {
		return nil, false, fmt.Errorf("create execution: %w", err)
	}
	e.appendLog(exec, rule, "info", fmt.Sprintf("triggered by %s", ev.Type))

	slots, err := e.gate.Check(ctx, rule, l.ID, now)
	if err != nil {
		var rejected *GatingRejected
		if errors.As(err, &rejected) {
			e.appendLog(exec, rule, "info", rejected.Error())
			e.logger.Info("Execution gated",
				zap.String("rule_id", exec.RuleID),
				zap.String("lead_id", exec.LeadID),
				zap.String("execution_id", exec.ID.Hex()),
				zap.String("reason", rejected.Reason))
			e.close(ctx, rule, exec, ExecutionCancelled, rejected.Error(), false)
			return exec, false, nil
		}
		e.close(ctx, rule, exec, ExecutionFailed, err.Error(), true)
		return exec, false, nil
	}

	ok, err := e.evaluator.Evaluate(rule.Conditions, e.evalContext(ctx, exec.Snapshot, ev.UserID, now))
	if err != nil {
		e.appendLog(exec, rule, "warn", "condition evaluation failed: "+err.Error())
		e.logger.Warn("Condition evaluation failed", zap.String("rule_id", exec.RuleID), zap.Error(err))
	}
	if !ok {
		e.gate.Release(ctx, slots)
		for i := range exec.Results {
			exec.Results[i].Status = ActionSkipped
		}
		e.appendLog(exec, rule, "info", "conditions not met, nothing to do")
		e.close(ctx, rule, exec, ExecutionCompleted, "", true)
		return exec, false, nil
	}

	e.persist(ctx, exec)
	return exec, true, nil
}

// Execute runs a prepared execution from its next action.
func (e *Engine) Execute(ctx context.Context, rule *AutomationRule, exec *Execution) {
	e.run(ctx, rule, exec, exec.NextAction, 0)
}

// Resume continues an execution suspended by a wait or a delayed retry.
func (e *Engine) Resume(ctx context.Context, cont Continuation) error {
	exec, err := e.execs.GetByID(ctx, cont.ExecutionID)
	if err != nil {
		if errors.Is(err, ErrExecutionNotFound) {
			return e.continuations.Complete(ctx, cont.ID)
		}
		return err
	}
	if exec.Status.IsTerminal() {
		return e.continuations.Complete(ctx, cont.ID)
	}
	rule, err := e.rules.GetByID(ctx, exec.RuleID)
	if err != nil {
		if !errors.Is(err, ErrRuleNotFound) {
			return err
		}
		e.close(ctx, &AutomationRule{}, exec, ExecutionFailed, ErrRuleNotFound.Error(), false)
		return e.continuations.Complete(ctx, cont.ID)
	}
	e.appendLog(exec, rule, "debug", fmt.Sprintf("resumed after %s at action %d", cont.Reason, cont.ActionIndex))
	e.run(ctx, rule, exec, cont.ActionIndex, cont.Attempt)
	// completed after the run; a crash mid-run leaves it leased for a later claim
	return e.continuations.Complete(ctx, cont.ID)
}

// Cancel closes a suspended execution right away. Running executions stop at their next
// action boundary through the cancel flag instead.
func (e *Engine) Cancel(ctx context.Context, exec *Execution, reason string) {
	rule, err := e.rules.GetByID(ctx, exec.RuleID)
	if err != nil {
		rule = &AutomationRule{}
	}
	e.appendLog(exec, rule, "warn", "cancelled: "+reason)
	e.close(ctx, rule, exec, ExecutionCancelled, reason, false)
}

func (e *Engine) run(ctx context.Context, rule *AutomationRule, exec *Execution, start, attemptsMade int) {
	now := e.now()
	exec.Status = ExecutionRunning
	if exec.StartedAt == nil {
		exec.StartedAt = &now
	}
	e.persist(ctx, exec)

	if len(exec.Results) < len(rule.Actions) {
		for i := len(exec.Results); i < len(rule.Actions); i++ {
			exec.Results = append(exec.Results, ActionResult{Index: i, Type: rule.Actions[i].Type, Status: ActionPending})
		}
	}

	ac := &ActionContext{Rule: rule, Execution: exec, Lead: exec.Snapshot, UserID: exec.UserID}
	if ac.Lead == nil {
		ac.Lead = &lead.Lead{ID: exec.LeadID}
		exec.Snapshot = ac.Lead
	}

	for i := start; i < len(rule.Actions); i++ {
		if cancelled, reason := e.cancelRequested(ctx, exec); cancelled {
			e.appendLog(exec, rule, "warn", "cancelled: "+reason)
			e.close(ctx, rule, exec, ExecutionCancelled, reason, false)
			return
		}

		action := rule.Actions[i]
		res := &exec.Results[i]
		made := 0
		if i == start {
			made = attemptsMade
		}
		exec.NextAction = i
		ac.Now = e.now()
		ac.Stage = e.stageOf(ctx, ac.Lead)

		if made == 0 && len(action.ExecuteIf) > 0 {
			ok, err := e.evaluator.Evaluate(action.ExecuteIf, ac.evalContext())
			if err != nil {
				e.appendLog(exec, rule, "warn", fmt.Sprintf("action %d executeIf failed: %v", i, err))
			}
			if !ok {
				res.Status = ActionSkipped
				e.appendLog(exec, rule, "debug", fmt.Sprintf("action %d (%s) skipped", i, action.Type))
				continue
			}
		}

		for {
			started := e.now()
			ac.Now = started
			res.Status = ActionRunning
			res.StartedAt = &started
			res.Attempts++
			made++

			result, err := e.invoke(ctx, action, ac)
			finished := e.now()
			res.CompletedAt = &finished
			res.DurationMs += finished.Sub(started).Milliseconds()

			if err == nil {
				res.Status = ActionCompleted
				res.Result = result
				res.Error = ""
				res.ErrorKind = ""
				e.appendLog(exec, rule, "info", fmt.Sprintf("action %d (%s) completed", i, action.Type))
				e.afterSuccess(ctx, exec, result)

				if w, ok := result.(*WaitResult); ok && w.Duration > 0 {
					e.suspend(ctx, rule, exec, Continuation{
						ExecutionID: exec.ID.Hex(),
						ActionIndex: i + 1,
						Reason:      ContinuationWait,
						ResumeAt:    w.ResumeAt,
					})
					return
				}
				break
			}

			res.Error = err.Error()
			res.ErrorKind = errorKind(err)
			e.logger.Warn("Action attempt failed",
				zap.String("rule_id", exec.RuleID),
				zap.String("lead_id", exec.LeadID),
				zap.String("execution_id", exec.ID.Hex()),
				zap.Int("action_index", i),
				zap.String("action_type", string(action.Type)),
				zap.Int("attempt", made),
				zap.Error(err))

			if !IsPermanent(err) && made <= action.RetryCount {
				res.RetryCount = made
				e.appendLog(exec, rule, "warn", fmt.Sprintf("action %d (%s) attempt %d failed: %v", i, action.Type, made, err))
				if delay := action.RetryDelay(); delay > 0 {
					res.Status = ActionPending
					e.suspend(ctx, rule, exec, Continuation{
						ExecutionID: exec.ID.Hex(),
						ActionIndex: i,
						Attempt:     made,
						Reason:      ContinuationRetry,
						ResumeAt:    finished.Add(delay),
					})
					return
				}
				continue
			}

			failure := &ActionError{ActionType: action.Type, Index: i, Attempts: made, Cause: err}
			res.Status = ActionFailed
			res.Error = failure.Error()
			e.appendLog(exec, rule, "error", failure.Error())

			if action.ContinueOnError && !rule.Settings.StopOnError {
				break
			}
			for j := i + 1; j < len(exec.Results); j++ {
				exec.Results[j].Status = ActionSkipped
			}
			e.close(ctx, rule, exec, ExecutionFailed, failure.Error(), true)
			return
		}
	}

	exec.NextAction = len(rule.Actions)
	e.close(ctx, rule, exec, ExecutionCompleted, "", true)
}

// invoke bounds one attempt by the action's timeout.
func (e *Engine) invoke(ctx context.Context, action Action, ac *ActionContext) (interface{}, error) {
	timeout := e.actionTimeout
	if action.TimeoutSeconds > 0 {
		timeout = time.Duration(action.TimeoutSeconds) * time.Second
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return e.executor.Execute(actx, action, ac)
}

// afterSuccess emits the events an action caused, one level deeper than the execution.
func (e *Engine) afterSuccess(ctx context.Context, exec *Execution, result interface{}) {
	if e.chain == nil {
		return
	}
	base := Event{
		ID:        uuid.NewString(),
		LeadID:    exec.LeadID,
		UserID:    exec.UserID,
		Timestamp: e.now(),
		Depth:     exec.Depth + 1,
	}
	switch r := result.(type) {
	case *StageMoved:
		ev := base
		ev.Type = TriggerStageChange
		ev.FromStageID = r.FromStageID
		ev.ToStageID = r.ToStageID
		e.chain(ctx, ev)
	case map[string]interface{}:
		if field, ok := r["field"].(string); ok {
			if _, isUpdate := r["value"]; isUpdate {
				ev := base
				ev.Type = TriggerFieldUpdate
				ev.Field = field
				e.chain(ctx, ev)
			}
		}
	}
}

func (e *Engine) suspend(ctx context.Context, rule *AutomationRule, exec *Execution, cont Continuation) {
	cont.CreatedAt = e.now()
	exec.NextAction = cont.ActionIndex
	if err := e.continuations.Enqueue(ctx, &cont); err != nil {
		e.close(ctx, rule, exec, ExecutionFailed, fmt.Sprintf("persist continuation: %v", err), true)
		return
	}
	e.appendLog(exec, rule, "info", fmt.Sprintf("suspended (%s) until %s", cont.Reason, cont.ResumeAt.Format(time.RFC3339)))
	e.persist(ctx, exec)
}

// close makes an execution terminal. count controls whether rule counters move.
func (e *Engine) close(ctx context.Context, rule *AutomationRule, exec *Execution, status ExecutionStatus, msg string, count bool) {
	now := e.now()
	exec.Status = status
	exec.Error = msg
	exec.CompletedAt = &now
	start := exec.CreatedAt
	if exec.StartedAt != nil {
		start = *exec.StartedAt
	}
	exec.DurationMs = now.Sub(start).Milliseconds()
	exec.ExpiresAt = retentionExpiry(now, rule.Settings.RetentionDays)
	e.persist(ctx, exec)

	if count && status != ExecutionCancelled && !rule.ID.IsZero() {
		if err := e.rules.RecordExecution(ctx, rule.ID.Hex(), status == ExecutionCompleted, exec.DurationMs, now); err != nil {
			e.logger.Error("Failed to record rule counters", zap.String("rule_id", exec.RuleID), zap.Error(err))
		}
	}

	fields := []zap.Field{
		zap.String("rule_id", exec.RuleID),
		zap.String("lead_id", exec.LeadID),
		zap.String("execution_id", exec.ID.Hex()),
		zap.String("status", string(status)),
		zap.Int64("duration_ms", exec.DurationMs),
	}
	if status == ExecutionFailed {
		e.logger.Error("Execution failed", append(fields, zap.String("error", msg))...)
		e.notifyFailure(ctx, rule, exec)
	} else {
		e.logger.Info("Execution finished", fields...)
	}
}

func (e *Engine) notifyFailure(ctx context.Context, rule *AutomationRule, exec *Execution) {
	s := rule.Settings
	if !s.NotifyOnError || len(s.ErrorNotificationRecipients) == 0 || e.notifier == nil {
		return
	}
	channels := s.ErrorNotificationChannels
	if len(channels) == 0 {
		channels = []string{notification.ChannelInApp}
	}
	title := fmt.Sprintf("Automation failed: %s", rule.Name)
	message := fmt.Sprintf("Execution %s for lead %s failed: %s", exec.ID.Hex(), exec.LeadID, exec.Error)
	if err := e.notifier.Notify(ctx, s.ErrorNotificationRecipients, channels, title, message); err != nil {
		e.logger.Warn("Failed to send error notification", zap.String("rule_id", exec.RuleID), zap.Error(err))
	}
}

func (e *Engine) persist(ctx context.Context, exec *Execution) {
	if err := e.execs.Update(ctx, exec); err != nil {
		e.logger.Error("Failed to save execution", zap.String("execution_id", exec.ID.Hex()), zap.Error(err))
	}
	if e.publisher != nil {
		e.publisher.Publish(exec)
	}
}

func (e *Engine) cancelRequested(ctx context.Context, exec *Execution) (bool, string) {
	cancelled, reason, err := e.execs.CancelRequested(ctx, exec.ID.Hex())
	if err != nil {
		e.logger.Warn("Failed to read cancel flag", zap.String("execution_id", exec.ID.Hex()), zap.Error(err))
		return false, ""
	}
	if reason == "" {
		reason = "cancelled"
	}
	return cancelled, reason
}

func (e *Engine) stageOf(ctx context.Context, l *lead.Lead) *stage.Stage {
	if e.stages == nil || l == nil || l.StageID == "" {
		return nil
	}
	st, err := e.stages.GetByID(ctx, l.StageID)
	if err != nil {
		return nil
	}
	return st
}

func (e *Engine) evalContext(ctx context.Context, l *lead.Lead, userID string, now time.Time) EvalContext {
	return EvalContext{Lead: l, Stage: e.stageOf(ctx, l), UserID: userID, Now: now}
}

var logLevels = map[string]int{"debug": 0, "info": 1, "warn": 2, "error": 3}

// appendLog adds to the execution's own trail when level passes the rule's logLevel.
func (e *Engine) appendLog(exec *Execution, rule *AutomationRule, level, msg string) {
	threshold, ok := logLevels[rule.Settings.LogLevel]
	if !ok {
		threshold = logLevels["info"]
	}
	if logLevels[level] < threshold {
		return
	}
	exec.Logs = append(exec.Logs, ExecutionLog{At: e.now(), Level: level, Message: msg})
}
