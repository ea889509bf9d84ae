package automation

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type MemoryAutomationRepository struct {
	mu    sync.RWMutex
	rules map[primitive.ObjectID]*AutomationRule
}

func NewMemoryAutomationRepository() *MemoryAutomationRepository {
	return &MemoryAutomationRepository{rules: make(map[primitive.ObjectID]*AutomationRule)}
}

func (r *MemoryAutomationRepository) Create(_ context.Context, rule *AutomationRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rule.ID = primitive.NewObjectID()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now()
	}
	rule.UpdatedAt = rule.CreatedAt
	c := *rule
	r.rules[rule.ID] = &c
	return nil
}

func (r *MemoryAutomationRepository) GetByID(_ context.Context, id string) (*AutomationRule, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrRuleNotFound
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[oid]
	if !ok {
		return nil, ErrRuleNotFound
	}
	c := *rule
	return &c, nil
}

func (r *MemoryAutomationRepository) list(active bool) []AutomationRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []AutomationRule{}
	for _, rule := range r.rules {
		if active && !rule.Active {
			continue
		}
		out = append(out, *rule)
	}
	sortRules(out)
	return out
}

func (r *MemoryAutomationRepository) List(_ context.Context) ([]AutomationRule, error) {
	return r.list(false), nil
}

func (r *MemoryAutomationRepository) ListActive(_ context.Context) ([]AutomationRule, error) {
	return r.list(true), nil
}

func (r *MemoryAutomationRepository) Update(_ context.Context, rule *AutomationRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.rules[rule.ID]
	if !ok {
		return ErrRuleNotFound
	}
	rule.UpdatedAt = time.Now()
	existing.Name = rule.Name
	existing.Description = rule.Description
	existing.Active = rule.Active
	existing.Priority = rule.Priority
	existing.Trigger = rule.Trigger
	existing.Conditions = rule.Conditions
	existing.Actions = rule.Actions
	existing.Settings = rule.Settings
	existing.UpdatedAt = rule.UpdatedAt
	return nil
}

func (r *MemoryAutomationRepository) Delete(_ context.Context, id string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return ErrRuleNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rules[oid]; !ok {
		return ErrRuleNotFound
	}
	delete(r.rules, oid)
	return nil
}

func (r *MemoryAutomationRepository) withRule(id string, fn func(rule *AutomationRule)) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return ErrRuleNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rule, ok := r.rules[oid]
	if !ok {
		return ErrRuleNotFound
	}
	fn(rule)
	return nil
}

func (r *MemoryAutomationRepository) SetActive(_ context.Context, id string, active, resetSchedule bool) error {
	return r.withRule(id, func(rule *AutomationRule) {
		rule.Active = active
		rule.UpdatedAt = time.Now()
		if resetSchedule {
			rule.ScheduleRuns = 0
			rule.LastScheduledAt = nil
		}
	})
}

func (r *MemoryAutomationRepository) ReviveSchedule(_ context.Context, id string) error {
	return r.withRule(id, func(rule *AutomationRule) {
		rule.LastScheduledAt = nil
	})
}

func (r *MemoryAutomationRepository) RecordExecution(_ context.Context, id string, success bool, durationMs int64, at time.Time) error {
	return r.withRule(id, func(rule *AutomationRule) {
		rule.ExecutionCount++
		rule.TotalDurationMs += durationMs
		if success {
			rule.SuccessCount++
		} else {
			rule.ErrorCount++
		}
		if rule.LastExecuted == nil || at.After(*rule.LastExecuted) {
			t := at
			rule.LastExecuted = &t
		}
	})
}

func (r *MemoryAutomationRepository) ClaimScheduledRun(_ context.Context, id string, expectedRuns int, at time.Time) (bool, error) {
	claimed := false
	err := r.withRule(id, func(rule *AutomationRule) {
		if !rule.Active || rule.ScheduleRuns != expectedRuns {
			return
		}
		rule.ScheduleRuns++
		t := at
		rule.LastScheduledAt = &t
		claimed = true
	})
	return claimed, err
}

type MemoryExecutionRepository struct {
	mu    sync.RWMutex
	execs map[primitive.ObjectID]*Execution
}

func NewMemoryExecutionRepository() *MemoryExecutionRepository {
	return &MemoryExecutionRepository{execs: make(map[primitive.ObjectID]*Execution)}
}

func cloneExecution(e *Execution) *Execution {
	c := *e
	c.Results = append([]ActionResult(nil), e.Results...)
	c.Logs = append([]ExecutionLog(nil), e.Logs...)
	c.Snapshot = e.Snapshot.Clone()
	return &c
}

func (r *MemoryExecutionRepository) Create(_ context.Context, exec *Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec.ID = primitive.NewObjectID()
	r.execs[exec.ID] = cloneExecution(exec)
	return nil
}

func (r *MemoryExecutionRepository) GetByID(_ context.Context, id string) (*Execution, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrExecutionNotFound
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.execs[oid]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return cloneExecution(exec), nil
}

func (r *MemoryExecutionRepository) Update(_ context.Context, exec *Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.execs[exec.ID]
	if !ok {
		return ErrExecutionNotFound
	}
	c := cloneExecution(exec)
	c.CancelRequested = existing.CancelRequested
	c.CancelReason = existing.CancelReason
	r.execs[exec.ID] = c
	return nil
}

func (r *MemoryExecutionRepository) List(_ context.Context, filter ExecutionFilter) ([]Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []Execution{}
	for _, e := range r.execs {
		if filter.RuleID != "" && e.RuleID != filter.RuleID {
			continue
		}
		if filter.LeadID != "" && e.LeadID != filter.LeadID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.From != nil && e.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && e.CreatedAt.After(*filter.To) {
			continue
		}
		out = append(out, *cloneExecution(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.Hex() > out[j].ID.Hex()
	})
	if filter.Offset > 0 {
		if filter.Offset >= int64(len(out)) {
			return []Execution{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && int64(len(out)) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *MemoryExecutionRepository) RequestCancel(_ context.Context, id, reason string) (bool, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return false, ErrExecutionNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.execs[oid]
	if !ok {
		return false, ErrExecutionNotFound
	}
	if exec.Status.IsTerminal() {
		return false, nil
	}
	exec.CancelRequested = true
	exec.CancelReason = reason
	return true, nil
}

func (r *MemoryExecutionRepository) CancelByRule(_ context.Context, ruleID, reason string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, exec := range r.execs {
		if exec.RuleID == ruleID && !exec.Status.IsTerminal() {
			exec.CancelRequested = true
			exec.CancelReason = reason
			n++
		}
	}
	return n, nil
}

func (r *MemoryExecutionRepository) CancelRequested(_ context.Context, id string) (bool, string, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return false, "", ErrExecutionNotFound
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.execs[oid]
	if !ok {
		return false, "", ErrExecutionNotFound
	}
	return exec.CancelRequested, exec.CancelReason, nil
}

func (r *MemoryExecutionRepository) EnsureIndexes(context.Context) error {
	return nil
}
