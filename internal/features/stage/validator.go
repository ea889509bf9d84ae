package stage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go-crm-pipeline/internal/features/lead"
)

// LeadReader is the slice of the lead store the validator needs.
type LeadReader interface {
	GetByID(ctx context.Context, id string) (*lead.Lead, error)
}

// ApprovalChecker reports whether a transition into a gated stage was approved.
type ApprovalChecker interface {
	IsTransitionApproved(ctx context.Context, leadID, stageID string) (bool, error)
}

type Validator struct {
	Stages    StageRepository
	Leads     LeadReader
	Approvals ApprovalChecker
	now       func() time.Time
}

func NewValidator(stages StageRepository, leads LeadReader, approvals ApprovalChecker) *Validator {
	return &Validator{
		Stages:    stages,
		Leads:     leads,
		Approvals: approvals,
		now:       time.Now,
	}
}

// WithClock overrides the time source used for min_time rules.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// Validate loads the lead and checks the move from one stage to another.
// An empty from defaults to the lead's current stage.
func (v *Validator) Validate(ctx context.Context, leadID, from, to string) (*ValidationResult, error) {
	l, err := v.Leads.GetByID(ctx, leadID)
	if err != nil {
		if errors.Is(err, lead.ErrLeadNotFound) {
			return invalid(fmt.Sprintf("lead %q not found", leadID)), nil
		}
		return nil, err
	}
	return v.ValidateLead(ctx, l, from, to)
}

// ValidateLead checks a transition against a snapshot the caller already holds.
func (v *Validator) ValidateLead(ctx context.Context, l *lead.Lead, from, to string) (*ValidationResult, error) {
	if l == nil {
		return invalid("lead not found"), nil
	}
	if from == "" {
		from = l.StageID
	}

	stages, err := v.Stages.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("load stages: %w", err)
	}
	graph := NewGraph(stages)

	fromStage, ok := graph.Stage(from)
	if !ok {
		return invalid(fmt.Sprintf("unknown stage %q", from)), nil
	}
	toStage, ok := graph.Stage(to)
	if !ok {
		return invalid(fmt.Sprintf("unknown stage %q", to)), nil
	}

	result := &ValidationResult{IsValid: true, Errors: []string{}, Warnings: []string{}}

	if !toStage.Active {
		result.addWarning(fmt.Sprintf("stage %q is inactive", toStage.Name))
	}

	for _, rule := range toStage.ActiveRules() {
		switch rule.Type {
		case RuleRequiredField:
			if !l.HasValue(rule.Field) {
				result.addError(ruleMessage(rule, fmt.Sprintf("field %q is required to enter %s", rule.Field, toStage.Name)))
			}
		case RuleMinTime:
			days := l.DaysInStage(v.now())
			if days < rule.MinDays {
				result.addWarning(ruleMessage(rule, fmt.Sprintf(
					"lead has spent %.1f of the %.0f days required in %s", days, rule.MinDays, fromStage.Name)))
			}
		case RuleApprovalRequired:
			approved, err := v.transitionApproved(ctx, l.ID, toStage.ID)
			if err != nil {
				return nil, err
			}
			if !approved {
				result.addWarning(ruleMessage(rule, fmt.Sprintf("entering %s requires an approval that is still pending", toStage.Name)))
			}
		}
	}

	if diff := toStage.Order - fromStage.Order; math.Abs(float64(diff)) > 1 {
		result.addWarning(skipWarning(graph, fromStage, toStage, diff))
	}

	return result, nil
}

func (v *Validator) transitionApproved(ctx context.Context, leadID, stageID string) (bool, error) {
	if v.Approvals == nil {
		return false, nil
	}
	ok, err := v.Approvals.IsTransitionApproved(ctx, leadID, stageID)
	if err != nil {
		return false, fmt.Errorf("check approval: %w", err)
	}
	return ok, nil
}

func skipWarning(g *Graph, from, to *Stage, diff int) string {
	skipped := g.Between(from.ID, to.ID)
	if len(skipped) == 0 {
		return fmt.Sprintf("stage order jumps by %d from %s to %s", diff, from.Name, to.Name)
	}
	names := make([]string, len(skipped))
	for i, s := range skipped {
		names[i] = s.Name
	}
	return fmt.Sprintf("%d stage(s) skipped: %s", len(skipped), strings.Join(names, ", "))
}

func ruleMessage(rule StageRule, fallback string) string {
	if rule.Message != "" {
		return rule.Message
	}
	return fallback
}
