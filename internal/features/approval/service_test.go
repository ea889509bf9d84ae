package approval

import (
	"context"
	"testing"

	"go-crm-pipeline/internal/features/audit"
	"go-crm-pipeline/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService() ApprovalService {
	logger := zap.NewNop()
	return NewApprovalService(
		NewMemoryApprovalRepository(),
		audit.NewAuditService(audit.NewMemoryAuditRepository(), logger),
		logger,
	)
}

func TestApprovalService_RequestIsIdempotent(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	first, err := svc.Request(ctx, Approval{Kind: KindStageTransition, LeadID: "l1", StageID: "propuesta"})
	require.NoError(t, err)
	second, err := svc.Request(ctx, Approval{Kind: KindStageTransition, LeadID: "l1", StageID: "propuesta"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, StatusPending, second.Status)
}

func TestApprovalService_RequestValidation(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	tests := []struct {
		name string
		req  Approval
	}{
		{name: "unknown kind", req: Approval{Kind: "other"}},
		{name: "rule without id", req: Approval{Kind: KindRule}},
		{name: "stage without lead", req: Approval{Kind: KindStageTransition, StageID: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Request(ctx, tt.req)
			assert.Error(t, err)
		})
	}
}

func TestApprovalService_RuleApproval(t *testing.T) {
	svc := newTestService()
	ctx := utils.WithUserID(context.Background(), "manager")

	ok, err := svc.IsRuleApproved(ctx, "r1", "l1")
	require.NoError(t, err)
	assert.False(t, ok)

	a, err := svc.Request(ctx, Approval{Kind: KindRule, RuleID: "r1"})
	require.NoError(t, err)
	require.NoError(t, svc.Approve(ctx, a.ID.Hex(), "ok"))

	ok, err = svc.IsRuleApproved(ctx, "r1", "any-lead")
	require.NoError(t, err)
	assert.True(t, ok, "blanket rule approval covers every lead")

	assert.ErrorIs(t, svc.Reject(ctx, a.ID.Hex(), "late"), ErrAlreadyDecided)

	got, err := svc.Get(ctx, a.ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, "manager", got.DecidedBy)
}

func TestApprovalService_TransitionApproval(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	a, err := svc.Request(ctx, Approval{Kind: KindStageTransition, LeadID: "l1", StageID: "cierre_ganado"})
	require.NoError(t, err)
	require.NoError(t, svc.Reject(ctx, a.ID.Hex(), "no"))

	ok, err := svc.IsTransitionApproved(ctx, "l1", "cierre_ganado")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, svc.Approve(ctx, "000000000000000000000000", ""), ErrApprovalNotFound)
}
