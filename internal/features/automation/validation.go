package automation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	minPriority     = 1
	maxPriority     = 10
	defaultPriority = 5
	maxRetryCount   = 10
)

// ruleValidator collects every problem in a rule instead of stopping at the first.
type ruleValidator struct {
	functions *FunctionRegistry
	errs      []error
}

func (v *ruleValidator) fail(field, format string, args ...interface{}) {
	v.errs = append(v.errs, &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)})
}

// ValidateRule checks a rule's configuration. The result joins one *ValidationError per issue.
func ValidateRule(rule *AutomationRule, functions *FunctionRegistry) error {
	v := &ruleValidator{functions: functions}

	if strings.TrimSpace(rule.Name) == "" {
		v.fail("name", "is required")
	}
	if rule.Priority < minPriority || rule.Priority > maxPriority {
		v.fail("priority", "must be between %d and %d", minPriority, maxPriority)
	}
	v.trigger(rule.Trigger)
	v.conditions("conditions", rule.Conditions)
	if len(rule.Actions) == 0 {
		v.fail("actions", "at least one action is required")
	}
	for i, a := range rule.Actions {
		v.action(fmt.Sprintf("actions[%d]", i), a)
	}
	v.settings(rule.Settings)

	return errors.Join(v.errs...)
}

func (v *ruleValidator) trigger(t Trigger) {
	if !t.Type.IsValid() {
		v.fail("trigger.type", "unknown trigger type %q", t.Type)
		return
	}
	if t.Type == TriggerFieldUpdate && t.Field == "" {
		v.fail("trigger.field", "is required for field_update")
	}
	if t.Type != TriggerTimeBased {
		return
	}
	s := t.Schedule
	if s == nil {
		v.fail("trigger.schedule", "is required for time_based")
		return
	}
	if s.MaxExecutions < 0 {
		v.fail("trigger.schedule.maxExecutions", "must not be negative")
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			v.fail("trigger.schedule.timezone", "unknown timezone %q", s.Timezone)
		}
	}
	switch s.Type {
	case ScheduleInterval:
		if s.Interval() <= 0 {
			v.fail("trigger.schedule", "interval must be positive")
		}
	case ScheduleCron:
		if _, err := ParseCron(s.Expression, ""); err != nil {
			v.fail("trigger.schedule.expression", "invalid cron expression: %v", err)
		}
	case ScheduleDelay:
		if s.Delay() <= 0 {
			v.fail("trigger.schedule", "delay must be positive")
		}
		anchor := t.Anchor()
		if !anchor.IsValid() || anchor == TriggerTimeBased || anchor == TriggerManual {
			v.fail("trigger.anchorEvent", "cannot anchor a delay on %q", anchor)
		}
	default:
		v.fail("trigger.schedule.type", "unknown schedule type %q", s.Type)
	}
}

func (v *ruleValidator) conditions(path string, conditions []Condition) {
	for i, c := range conditions {
		p := fmt.Sprintf("%s[%d]", path, i)
		if strings.TrimSpace(c.Field) == "" {
			v.fail(p+".field", "is required")
		}
		if !c.Operator.IsValid() {
			v.fail(p+".operator", "unknown operator %q", c.Operator)
		}
		if c.LogicalOperator != "" && !isOr(c.LogicalOperator) && !strings.EqualFold(string(c.LogicalOperator), string(LogicalAnd)) {
			v.fail(p+".logicalOperator", "must be AND or OR")
		}
		if !c.Value.Source.IsValid() {
			v.fail(p+".value.source", "unknown source %q", c.Value.Source)
		}
		switch c.Value.Source {
		case ValueCustomFunction:
			if v.functions == nil || !v.functions.Has(c.Value.Function) {
				v.fail(p+".value.function", "unknown function %q", c.Value.Function)
			}
		case ValueLeadField, ValueStageField:
			if c.Value.Field == "" && stringify(c.Value.Value) == "" {
				v.fail(p+".value.field", "is required for %s", c.Value.Source)
			}
		}
		if c.Operator == OperatorRegex && (c.Value.Source == "" || c.Value.Source == ValueStatic) {
			if _, err := regexp.Compile(stringify(c.Value.Value)); err != nil {
				v.fail(p+".value", "invalid regex: %v", err)
			}
		}
	}
}

func (v *ruleValidator) action(p string, a Action) {
	if !a.Type.IsValid() {
		v.fail(p+".type", "unknown action type %q", a.Type)
		return
	}
	if a.RetryCount < 0 || a.RetryCount > maxRetryCount {
		v.fail(p+".retryCount", "must be between 0 and %d", maxRetryCount)
	}
	if a.RetryDelayMinutes < 0 {
		v.fail(p+".retryDelayMinutes", "must not be negative")
	}
	if a.TimeoutSeconds < 0 {
		v.fail(p+".timeoutSeconds", "must not be negative")
	}
	v.conditions(p+".executeIf", a.ExecuteIf)

	cfg := a.Config
	require := func(keys ...string) {
		for _, k := range keys {
			if cfgString(cfg, k) != "" {
				return
			}
		}
		v.fail(p+".config."+keys[0], "is required for %s", a.Type)
	}
	switch a.Type {
	case ActionSendEmail:
		require("subject")
	case ActionSendWhatsApp:
		require("message", "template")
	case ActionCreateTask:
		require("title")
	case ActionUpdateField:
		require("field")
	case ActionMoveStage:
		require("targetStageId", "stageId")
	case ActionCreateNote:
		require("content")
	case ActionSendNotification:
		if len(cfgStrings(cfg, "recipients")) == 0 {
			v.fail(p+".config.recipients", "at least one recipient is required")
		}
		require("title", "message")
	case ActionCallWebhook:
		require("url")
	case ActionWait:
		if waitDuration(cfg) <= 0 {
			v.fail(p+".config", "wait needs minutes, hours or days")
		}
	case ActionCustomFunction:
		name := cfgString(cfg, "function")
		if name == "" {
			v.fail(p+".config.function", "is required for custom_function")
		} else if v.functions == nil || !v.functions.Has(name) {
			v.fail(p+".config.function", "unknown function %q", name)
		}
	}
}

func (v *ruleValidator) settings(s Settings) {
	if s.MaxExecutionsPerDay < 0 || s.MaxExecutionsPerHour < 0 || s.MaxExecutionsPerLead < 0 {
		v.fail("settings", "execution caps must not be negative")
	}
	if s.RetentionDays < 0 {
		v.fail("settings.retentionDays", "must not be negative")
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			v.fail("settings.timezone", "unknown timezone %q", s.Timezone)
		}
	}
	if s.AllowedHours != nil {
		if _, err := parseClock(s.AllowedHours.Start); err != nil {
			v.fail("settings.allowedHours.start", "%v", err)
		}
		if _, err := parseClock(s.AllowedHours.End); err != nil {
			v.fail("settings.allowedHours.end", "%v", err)
		}
	}
	for _, d := range s.AllowedDays {
		if _, ok := parseWeekday(d); !ok {
			v.fail("settings.allowedDays", "unknown day %q", d)
		}
	}
	if s.LogLevel != "" {
		if _, ok := logLevels[s.LogLevel]; !ok {
			v.fail("settings.logLevel", "must be one of debug, info, warn, error")
		}
	}
	if s.NotifyOnError && len(s.ErrorNotificationRecipients) == 0 {
		v.fail("settings.errorNotificationRecipients", "required when notifyOnError is set")
	}
}
