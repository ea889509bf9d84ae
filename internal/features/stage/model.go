package stage

import (
	"errors"
	"time"
)

var (
	ErrStageNotFound     = errors.New("stage not found")
	ErrStageExists       = errors.New("stage already exists")
	ErrInvalidStage      = errors.New("invalid stage")
	ErrTransitionInvalid = errors.New("stage transition is not valid")
)

type RuleType string

const (
	RuleRequiredField    RuleType = "required_field"
	RuleMinTime          RuleType = "min_time"
	RuleApprovalRequired RuleType = "approval_required"
)

func (t RuleType) IsValid() bool {
	switch t {
	case RuleRequiredField, RuleMinTime, RuleApprovalRequired:
		return true
	}
	return false
}

// StageRule guards entry into the stage that owns it.
type StageRule struct {
	ID      string   `json:"id" bson:"id"`
	Type    RuleType `json:"type" bson:"type"`
	Field   string   `json:"field,omitempty" bson:"field,omitempty"`
	MinDays float64  `json:"minDays,omitempty" bson:"min_days,omitempty"`
	Message string   `json:"message,omitempty" bson:"message,omitempty"`
	Active  bool     `json:"active" bson:"active"`
}

// Metrics are rolling board counters maintained with atomic increments.
type Metrics struct {
	Entered           int64   `json:"entered" bson:"entered"`
	Exited            int64   `json:"exited" bson:"exited"`
	Advanced          int64   `json:"advanced" bson:"advanced"`
	Current           int64   `json:"current" bson:"current"`
	TotalDwellSeconds float64 `json:"totalDwellSeconds" bson:"total_dwell_seconds"`

	AvgDwellHours  float64 `json:"avgDwellHours" bson:"-"`
	ConversionRate float64 `json:"conversionRate" bson:"-"`
}

// Compute fills the derived fields. Conversion counts exits to a later stage.
func (m *Metrics) Compute() {
	m.AvgDwellHours = 0
	m.ConversionRate = 0
	if m.Exited > 0 {
		m.AvgDwellHours = m.TotalDwellSeconds / float64(m.Exited) / 3600
		m.ConversionRate = float64(m.Advanced) / float64(m.Exited)
	}
}

type Stage struct {
	ID          string      `json:"id" bson:"_id"`
	Name        string      `json:"name" bson:"name"`
	Description string      `json:"description,omitempty" bson:"description,omitempty"`
	Order       int         `json:"order" bson:"order"`
	Color       string      `json:"color,omitempty" bson:"color,omitempty"`
	Active      bool        `json:"active" bson:"active"`
	Rules       []StageRule `json:"rules" bson:"rules"`
	// Automations lists rule ids that fire when a lead enters this stage.
	Automations []string  `json:"automations" bson:"automations"`
	Metrics     Metrics   `json:"metrics" bson:"metrics"`
	CreatedAt   time.Time `json:"createdAt" bson:"created_at"`
	UpdatedAt   time.Time `json:"updatedAt" bson:"updated_at"`
}

// ActiveRules returns the rules that can block or warn.
func (s *Stage) ActiveRules() []StageRule {
	out := make([]StageRule, 0, len(s.Rules))
	for _, r := range s.Rules {
		if r.Active {
			out = append(out, r)
		}
	}
	return out
}

// ValidationResult is the outcome of a transition check. Warnings never block.
type ValidationResult struct {
	IsValid  bool     `json:"isValid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

func (r *ValidationResult) addError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.IsValid = false
}

func (r *ValidationResult) addWarning(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

func invalid(msg string) *ValidationResult {
	return &ValidationResult{IsValid: false, Errors: []string{msg}, Warnings: []string{}}
}
