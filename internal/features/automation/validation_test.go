package automation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func validRule() *AutomationRule {
	return &AutomationRule{
		Name:     "Bienvenida",
		Priority: 5,
		Trigger:  Trigger{Type: TriggerStageChange, ToStageID: "contactado"},
		Conditions: []Condition{
			{Field: "email", Operator: OperatorExists},
		},
		Actions: []Action{
			{Type: ActionSendEmail, Config: map[string]interface{}{"subject": "Hola {{name}}", "body": "..."}},
		},
	}
}

func fieldsOf(err error) []string {
	var out []string
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		for _, e := range joined.Unwrap() {
			var v *ValidationError
			if errors.As(e, &v) {
				out = append(out, v.Field)
			}
		}
	}
	return out
}

func TestValidateRule(t *testing.T) {
	functions := NewFunctionRegistry()

	tests := []struct {
		name   string
		mutate func(r *AutomationRule)
		fields []string
	}{
		{"valid", func(r *AutomationRule) {}, nil},
		{"missing name and bad priority", func(r *AutomationRule) { r.Name = " "; r.Priority = 11 }, []string{"name", "priority"}},
		{"field update without field", func(r *AutomationRule) { r.Trigger = Trigger{Type: TriggerFieldUpdate} }, []string{"trigger.field"}},
		{"time based without schedule", func(r *AutomationRule) { r.Trigger = Trigger{Type: TriggerTimeBased} }, []string{"trigger.schedule"}},
		{"bad cron", func(r *AutomationRule) {
			r.Trigger = Trigger{Type: TriggerTimeBased, Schedule: &Schedule{Type: ScheduleCron, Expression: "every day"}}
		}, []string{"trigger.schedule.expression"}},
		{"delay anchored on manual", func(r *AutomationRule) {
			r.Trigger = Trigger{Type: TriggerTimeBased, AnchorEvent: TriggerManual, Schedule: &Schedule{Type: ScheduleDelay, DelayHours: 1}}
		}, []string{"trigger.anchorEvent"}},
		{"unknown operator", func(r *AutomationRule) { r.Conditions[0].Operator = "like" }, []string{"conditions[0].operator"}},
		{"bad logical operator", func(r *AutomationRule) { r.Conditions[0].LogicalOperator = "XOR" }, []string{"conditions[0].logicalOperator"}},
		{"unknown function", func(r *AutomationRule) {
			r.Conditions[0] = Condition{Field: "x", Operator: OperatorEquals, Value: ConditionValue{Source: ValueCustomFunction, Function: "nope"}}
		}, []string{"conditions[0].value.function"}},
		{"invalid regex", func(r *AutomationRule) {
			r.Conditions[0] = Condition{Field: "email", Operator: OperatorRegex, Value: Static("([")}
		}, []string{"conditions[0].value"}},
		{"no actions", func(r *AutomationRule) { r.Actions = nil }, []string{"actions"}},
		{"retry count too high", func(r *AutomationRule) { r.Actions[0].RetryCount = 11 }, []string{"actions[0].retryCount"}},
		{"missing subject", func(r *AutomationRule) { r.Actions[0].Config = map[string]interface{}{} }, []string{"actions[0].config.subject"}},
		{"move stage without target", func(r *AutomationRule) {
			r.Actions = []Action{{Type: ActionMoveStage, Config: map[string]interface{}{}}}
		}, []string{"actions[0].config.targetStageId"}},
		{"notification with empty recipients", func(r *AutomationRule) {
			r.Actions = []Action{{Type: ActionSendNotification, Config: map[string]interface{}{"recipients": []interface{}{}, "title": "t"}}}
		}, []string{"actions[0].config.recipients"}},
		{"wait without duration", func(r *AutomationRule) {
			r.Actions = []Action{{Type: ActionWait, Config: map[string]interface{}{}}}
		}, []string{"actions[0].config"}},
		{"unknown action type", func(r *AutomationRule) { r.Actions[0].Type = "send_fax" }, []string{"actions[0].type"}},
		{"bad settings", func(r *AutomationRule) {
			r.Settings = Settings{
				Timezone:      "Mars/Olympus",
				AllowedHours:  &AllowedHours{Start: "9am", End: "18:00"},
				AllowedDays:   []string{"funday"},
				LogLevel:      "trace",
				NotifyOnError: true,
			}
		}, []string{
			"settings.timezone",
			"settings.allowedHours.start",
			"settings.allowedDays",
			"settings.logLevel",
			"settings.errorNotificationRecipients",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := validRule()
			tt.mutate(rule)
			err := ValidateRule(rule, functions)
			if tt.fields == nil {
				assert.NoError(t, err)
				return
			}
			var invalid *ValidationError
			assert.ErrorAs(t, err, &invalid)
			assert.Equal(t, tt.fields, fieldsOf(err))
			assert.True(t, IsPermanent(err))
		})
	}
}
