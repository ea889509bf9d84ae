package automation

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go-crm-pipeline/internal/features/approval"
)

// ApprovalGate is what gating needs from the approval service.
type ApprovalGate interface {
	IsRuleApproved(ctx context.Context, ruleID, leadID string) (bool, error)
	Request(ctx context.Context, req approval.Approval) (*approval.Approval, error)
}

// Slot is one acquired rate-limit entry.
type Slot struct {
	Key   string
	Token string
}

// Gate decides whether a rule may run now for a lead.
type Gate struct {
	limiter   RateLimiter
	approvals ApprovalGate
	defaultTZ string
}

func NewGate(limiter RateLimiter, approvals ApprovalGate, defaultTZ string) *Gate {
	if defaultTZ == "" {
		defaultTZ = "UTC"
	}
	return &Gate{limiter: limiter, approvals: approvals, defaultTZ: defaultTZ}
}

// Check runs the window, approval and cap checks in that order. A rejection is a
// *GatingRejected. On success the returned slots hold the rule's cap entries.
func (g *Gate) Check(ctx context.Context, rule *AutomationRule, leadID string, now time.Time) ([]Slot, error) {
	s := rule.Settings

	loc, err := loadLocation(s.Timezone, g.defaultTZ)
	if err != nil {
		return nil, &ValidationError{Field: "settings.timezone", Reason: err.Error()}
	}
	local := now.In(loc)

	if len(s.AllowedDays) > 0 && !dayAllowed(s.AllowedDays, local.Weekday()) {
		return nil, &GatingRejected{Reason: fmt.Sprintf("%s is not an allowed day", strings.ToLower(local.Weekday().String()))}
	}
	if s.AllowedHours != nil {
		inside, err := withinHours(*s.AllowedHours, local)
		if err != nil {
			return nil, &ValidationError{Field: "settings.allowedHours", Reason: err.Error()}
		}
		if !inside {
			return nil, &GatingRejected{Reason: fmt.Sprintf("%s is outside allowed hours %s-%s", local.Format("15:04"), s.AllowedHours.Start, s.AllowedHours.End)}
		}
	}

	if s.RequireApproval {
		if g.approvals == nil {
			return nil, &GatingRejected{Reason: "approval required but no approval service is configured"}
		}
		ok, err := g.approvals.IsRuleApproved(ctx, rule.ID.Hex(), leadID)
		if err != nil {
			return nil, err
		}
		if !ok {
			if _, err := g.approvals.Request(ctx, approval.Approval{
				Kind:   approval.KindRule,
				RuleID: rule.ID.Hex(),
				LeadID: leadID,
				Reason: fmt.Sprintf("rule %q requires approval", rule.Name),
			}); err != nil {
				return nil, err
			}
			return nil, &GatingRejected{Reason: "approval pending"}
		}
	}

	caps := []struct {
		key    string
		limit  int
		window time.Duration
		name   string
	}{
		{"rule:" + rule.ID.Hex() + ":hour", s.MaxExecutionsPerHour, time.Hour, "maxExecutionsPerHour"},
		{"rule:" + rule.ID.Hex() + ":day", s.MaxExecutionsPerDay, 24 * time.Hour, "maxExecutionsPerDay"},
		{"rule:" + rule.ID.Hex() + ":lead:" + leadID, s.MaxExecutionsPerLead, 0, "maxExecutionsPerLead"},
	}
	var slots []Slot
	for _, c := range caps {
		if c.limit <= 0 {
			continue
		}
		token, ok, err := g.limiter.Acquire(ctx, c.key, c.limit, c.window, now)
		if err != nil {
			g.Release(ctx, slots)
			return nil, err
		}
		if !ok {
			g.Release(ctx, slots)
			return nil, &GatingRejected{Reason: fmt.Sprintf("%s (%d) reached", c.name, c.limit)}
		}
		slots = append(slots, Slot{Key: c.key, Token: token})
	}
	return slots, nil
}

// Release gives slots back, used when a gated firing turns out to be a no-op.
func (g *Gate) Release(ctx context.Context, slots []Slot) {
	for _, s := range slots {
		_ = g.limiter.Release(ctx, s.Key, s.Token)
	}
}

func loadLocation(name, fallback string) (*time.Location, error) {
	if name == "" {
		name = fallback
	}
	return time.LoadLocation(name)
}

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday, "domingo": time.Sunday,
	"monday": time.Monday, "mon": time.Monday, "lunes": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday, "martes": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday, "miercoles": time.Wednesday, "miércoles": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday, "jueves": time.Thursday,
	"friday": time.Friday, "fri": time.Friday, "viernes": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday, "sabado": time.Saturday, "sábado": time.Saturday,
}

func parseWeekday(s string) (time.Weekday, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if d, ok := weekdayNames[s]; ok {
		return d, true
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 && n <= 6 {
		return time.Weekday(n), true
	}
	return 0, false
}

func dayAllowed(days []string, day time.Weekday) bool {
	for _, d := range days {
		if wd, ok := parseWeekday(d); ok && wd == day {
			return true
		}
	}
	return false
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// withinHours treats the window as [start, end). End before start wraps past midnight.
func withinHours(h AllowedHours, local time.Time) (bool, error) {
	start, err := parseClock(h.Start)
	if err != nil {
		return false, err
	}
	end, err := parseClock(h.End)
	if err != nil {
		return false, err
	}
	m := local.Hour()*60 + local.Minute()
	if start == end {
		return true, nil
	}
	if start < end {
		return m >= start && m < end, nil
	}
	return m >= start || m < end, nil
}
