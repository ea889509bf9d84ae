package automation

import (
	"context"
	"testing"
	"time"

	"go-crm-pipeline/internal/features/approval"
	"go-crm-pipeline/internal/features/audit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

func TestGate_Windows(t *testing.T) {
	ctx := context.Background()
	// Tuesday 2026-03-10 14:30 in Madrid (UTC+1)
	now := time.Date(2026, 3, 10, 13, 30, 0, 0, time.UTC)

	tests := []struct {
		name     string
		settings Settings
		rejected bool
	}{
		{"no restrictions", Settings{}, false},
		{"allowed weekday by name", Settings{AllowedDays: []string{"martes", "jueves"}}, false},
		{"allowed weekday by number", Settings{AllowedDays: []string{"2"}}, false},
		{"weekday not allowed", Settings{AllowedDays: []string{"monday", "friday"}}, true},
		{"inside hours in rule timezone", Settings{Timezone: "Europe/Madrid", AllowedHours: &AllowedHours{Start: "14:00", End: "15:00"}}, false},
		{"end is exclusive", Settings{Timezone: "Europe/Madrid", AllowedHours: &AllowedHours{Start: "09:00", End: "14:30"}}, true},
		{"outside hours in utc", Settings{AllowedHours: &AllowedHours{Start: "14:00", End: "15:00"}}, true},
		{"window wrapping midnight", Settings{AllowedHours: &AllowedHours{Start: "22:00", End: "06:00"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGate(NewMemoryRateLimiter(), nil, "UTC")
			rule := &AutomationRule{ID: primitive.NewObjectID(), Name: "r", Settings: tt.settings}
			_, err := g.Check(ctx, rule, "lead-1", now)
			var rejected *GatingRejected
			if tt.rejected {
				assert.ErrorAs(t, err, &rejected)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGate_Caps(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	g := NewGate(NewMemoryRateLimiter(), nil, "UTC")
	rule := &AutomationRule{ID: primitive.NewObjectID(), Settings: Settings{MaxExecutionsPerHour: 2, MaxExecutionsPerLead: 1}}

	_, err := g.Check(ctx, rule, "lead-1", now)
	require.NoError(t, err)

	var rejected *GatingRejected
	_, err = g.Check(ctx, rule, "lead-1", now)
	require.ErrorAs(t, err, &rejected)
	assert.Contains(t, rejected.Reason, "maxExecutionsPerLead")

	// the failed lead check gave its hour slot back
	slots, err := g.Check(ctx, rule, "lead-2", now)
	require.NoError(t, err)
	_, err = g.Check(ctx, rule, "lead-3", now)
	require.ErrorAs(t, err, &rejected)
	assert.Contains(t, rejected.Reason, "maxExecutionsPerHour")

	g.Release(ctx, slots)
	_, err = g.Check(ctx, rule, "lead-3", now)
	assert.NoError(t, err)
}

func TestGate_RequireApproval(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()
	approvals := approval.NewApprovalService(
		approval.NewMemoryApprovalRepository(),
		audit.NewAuditService(audit.NewMemoryAuditRepository(), logger),
		logger,
	)
	g := NewGate(NewMemoryRateLimiter(), approvals, "UTC")
	rule := &AutomationRule{ID: primitive.NewObjectID(), Name: "big discount", Settings: Settings{RequireApproval: true}}
	now := time.Now()

	var rejected *GatingRejected
	_, err := g.Check(ctx, rule, "lead-1", now)
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "approval pending", rejected.Reason)

	pending, err := approvals.List(ctx, approval.Query{Kind: approval.KindRule, RuleID: rule.ID.Hex(), Status: approval.StatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// asking again does not open a second request
	_, err = g.Check(ctx, rule, "lead-1", now)
	require.ErrorAs(t, err, &rejected)
	pending, _ = approvals.List(ctx, approval.Query{Kind: approval.KindRule, RuleID: rule.ID.Hex(), Status: approval.StatusPending})
	assert.Len(t, pending, 1)

	require.NoError(t, approvals.Approve(ctx, pending[0].ID.Hex(), "ok"))
	_, err = g.Check(ctx, rule, "lead-1", now)
	assert.NoError(t, err)
}

func TestGate_RequireApprovalWithoutService(t *testing.T) {
	ctx := context.Background()
	g := NewGate(NewMemoryRateLimiter(), nil, "UTC")
	rule := &AutomationRule{
		ID:       primitive.NewObjectID(),
		Name:     "big discount",
		Settings: Settings{RequireApproval: true, MaxExecutionsPerHour: 1},
	}
	now := time.Now()

	var rejected *GatingRejected
	slots, err := g.Check(ctx, rule, "lead-1", now)
	require.ErrorAs(t, err, &rejected)
	assert.Contains(t, rejected.Reason, "approval required")
	assert.Empty(t, slots)

	// the rejection took no hour slot
	rule.Settings.RequireApproval = false
	_, err = g.Check(ctx, rule, "lead-1", now)
	assert.NoError(t, err)
}
