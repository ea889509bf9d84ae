package automation

import (
	"time"

	"github.com/robfig/cron/v3"
)

// ParseCron tries 6-field (with seconds) then 5-field parsing.
// A non-UTC timezone is applied through the CRON_TZ= prefix.
func ParseCron(expr string, timezone string) (cron.Schedule, error) {
	if timezone != "" && timezone != "UTC" {
		expr = "CRON_TZ=" + timezone + " " + expr
	}
	parser6 := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser6.Parse(expr)
	if err == nil {
		return sched, nil
	}
	parser5 := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return parser5.Parse(expr)
}

// Dormant reports whether the schedule can no longer fire.
func (s *Schedule) Dormant(runs int, now time.Time) bool {
	if s.MaxExecutions > 0 && runs >= s.MaxExecutions {
		return true
	}
	return s.EndDate != nil && now.After(*s.EndDate)
}

// Timezone is the zone a rule's schedule and windows are read in.
func (r *AutomationRule) Timezone(fallback string) string {
	if r.Trigger.Schedule != nil && r.Trigger.Schedule.Timezone != "" {
		return r.Trigger.Schedule.Timezone
	}
	if r.Settings.Timezone != "" {
		return r.Settings.Timezone
	}
	return fallback
}

// IsDue reports whether a polled time_based rule should fire at now.
// Delay schedules are never polled; they fire from their delayed triggers.
func IsDue(rule *AutomationRule, now time.Time, defaultTZ string) (bool, error) {
	s := rule.Trigger.Schedule
	if !rule.Active || rule.Trigger.Type != TriggerTimeBased || s == nil {
		return false, nil
	}
	if s.Dormant(rule.ScheduleRuns, now) {
		return false, nil
	}

	switch s.Type {
	case ScheduleInterval:
		if rule.LastScheduledAt == nil {
			return true, nil
		}
		every := s.Interval()
		if every <= 0 {
			return false, nil
		}
		return now.Sub(*rule.LastScheduledAt) >= every, nil
	case ScheduleCron:
		sched, err := ParseCron(s.Expression, rule.Timezone(defaultTZ))
		if err != nil {
			return false, err
		}
		ref := rule.CreatedAt
		if rule.LastScheduledAt != nil {
			ref = *rule.LastScheduledAt
		}
		next := sched.Next(ref)
		return !next.IsZero() && !next.After(now), nil
	}
	return false, nil
}

// NextRun estimates the next firing for status displays. Zero means none.
func NextRun(rule *AutomationRule, now time.Time, defaultTZ string) time.Time {
	s := rule.Trigger.Schedule
	if s == nil || !rule.Active || s.Dormant(rule.ScheduleRuns, now) {
		return time.Time{}
	}
	switch s.Type {
	case ScheduleInterval:
		if rule.LastScheduledAt == nil {
			return now
		}
		return rule.LastScheduledAt.Add(s.Interval())
	case ScheduleCron:
		sched, err := ParseCron(s.Expression, rule.Timezone(defaultTZ))
		if err != nil {
			return time.Time{}
		}
		return sched.Next(now)
	}
	return time.Time{}
}
