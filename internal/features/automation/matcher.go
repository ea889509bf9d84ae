package automation

import (
	"context"
	"errors"
	"sort"

	"go-crm-pipeline/internal/features/stage"
)

// RuleSource lists the rules a matcher can consider.
type RuleSource interface {
	ListActive(ctx context.Context) ([]AutomationRule, error)
}

// StageLookup resolves the stage an event enters, for stage-attached automations.
type StageLookup interface {
	GetByID(ctx context.Context, id string) (*stage.Stage, error)
}

type TriggerMatcher struct {
	rules  RuleSource
	stages StageLookup
}

func NewTriggerMatcher(rules RuleSource, stages StageLookup) *TriggerMatcher {
	return &TriggerMatcher{rules: rules, stages: stages}
}

// Match returns the active rules an event fires, highest priority first.
// Stage changes also fire the automations attached to the destination stage.
func (m *TriggerMatcher) Match(ctx context.Context, ev Event) ([]AutomationRule, error) {
	rules, err := m.rules.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	attached := map[string]bool{}
	if ev.Type == TriggerStageChange && ev.ToStageID != "" && m.stages != nil {
		st, err := m.stages.GetByID(ctx, ev.ToStageID)
		if err != nil && !errors.Is(err, stage.ErrStageNotFound) {
			return nil, err
		}
		if st != nil {
			for _, id := range st.Automations {
				attached[id] = true
			}
		}
	}

	var out []AutomationRule
	for _, rule := range rules {
		if !rule.Active || rule.Trigger.Type == TriggerTimeBased {
			continue
		}
		if triggerMatches(rule.Trigger, ev) || attached[rule.ID.Hex()] {
			out = append(out, rule)
		}
	}
	sortRules(out)
	return out, nil
}

// MatchDelayed returns the active delay rules whose anchor event is ev.
func (m *TriggerMatcher) MatchDelayed(ctx context.Context, ev Event) ([]AutomationRule, error) {
	rules, err := m.rules.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	var out []AutomationRule
	for _, rule := range rules {
		t := rule.Trigger
		if !rule.Active || t.Type != TriggerTimeBased || t.Schedule == nil || t.Schedule.Type != ScheduleDelay {
			continue
		}
		anchor := t
		anchor.Type = t.Anchor()
		if triggerMatches(anchor, ev) {
			out = append(out, rule)
		}
	}
	sortRules(out)
	return out, nil
}

func triggerMatches(t Trigger, ev Event) bool {
	if t.Type != ev.Type {
		return false
	}
	switch t.Type {
	case TriggerStageChange:
		return (t.FromStageID == "" || t.FromStageID == ev.FromStageID) &&
			(t.ToStageID == "" || t.ToStageID == ev.ToStageID)
	case TriggerFieldUpdate:
		return t.Field == "" || t.Field == ev.Field
	case TriggerEvent:
		return t.EventType == "" || t.EventType == ev.EventType
	}
	return true
}

// sortRules orders by priority descending, then creation order.
func sortRules(rules []AutomationRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.Hex() < b.ID.Hex()
	})
}
