package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	common_models "go-crm-pipeline/internal/common/models"
	"go-crm-pipeline/internal/features/audit"
	"go-crm-pipeline/pkg/utils"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

type ApprovalService interface {
	// Request records a pending approval. An existing pending request for the same subject is returned instead.
	Request(ctx context.Context, req Approval) (*Approval, error)
	Approve(ctx context.Context, id, comment string) error
	Reject(ctx context.Context, id, comment string) error
	Get(ctx context.Context, id string) (*Approval, error)
	List(ctx context.Context, q Query) ([]Approval, error)

	IsRuleApproved(ctx context.Context, ruleID, leadID string) (bool, error)
	IsTransitionApproved(ctx context.Context, leadID, stageID string) (bool, error)
}

type ApprovalServiceImpl struct {
	Repo         ApprovalRepository
	AuditService audit.AuditService
	Logger       *zap.Logger
	now          func() time.Time
}

func NewApprovalService(repo ApprovalRepository, auditService audit.AuditService, logger *zap.Logger) ApprovalService {
	return &ApprovalServiceImpl{
		Repo:         repo,
		AuditService: auditService,
		Logger:       logger,
		now:          time.Now,
	}
}

func (s *ApprovalServiceImpl) Request(ctx context.Context, req Approval) (*Approval, error) {
	switch req.Kind {
	case KindRule:
		if req.RuleID == "" {
			return nil, errors.New("rule approval requires ruleId")
		}
	case KindStageTransition:
		if req.LeadID == "" || req.StageID == "" {
			return nil, errors.New("stage approval requires leadId and stageId")
		}
	default:
		return nil, fmt.Errorf("unknown approval kind %q", req.Kind)
	}

	pending, err := s.Repo.Find(ctx, Query{
		Kind:    req.Kind,
		RuleID:  req.RuleID,
		LeadID:  req.LeadID,
		StageID: req.StageID,
		Status:  StatusPending,
	})
	if err != nil {
		return nil, err
	}
	for i := range pending {
		if pending[i].LeadID == req.LeadID {
			return &pending[i], nil
		}
	}

	req.ID = primitive.NilObjectID
	req.Status = StatusPending
	req.RequestedBy = utils.UserIDFromContext(ctx)
	req.CreatedAt = s.now()
	req.DecidedAt = nil
	req.DecidedBy = ""
	if err := s.Repo.Create(ctx, &req); err != nil {
		return nil, err
	}

	s.Logger.Info("Approval requested",
		zap.String("kind", string(req.Kind)),
		zap.String("rule_id", req.RuleID),
		zap.String("lead_id", req.LeadID),
		zap.String("stage_id", req.StageID))
	return &req, nil
}

func (s *ApprovalServiceImpl) Approve(ctx context.Context, id, comment string) error {
	return s.decide(ctx, id, StatusApproved, comment)
}

func (s *ApprovalServiceImpl) Reject(ctx context.Context, id, comment string) error {
	return s.decide(ctx, id, StatusRejected, comment)
}

func (s *ApprovalServiceImpl) decide(ctx context.Context, id string, status Status, comment string) error {
	actor := utils.UserIDFromContext(ctx)
	if err := s.Repo.Decide(ctx, id, status, actor, comment, s.now()); err != nil {
		return err
	}

	_ = s.AuditService.LogChange(ctx, common_models.AuditActionApproval, "approvals", id, map[string]common_models.Change{
		"status": {Old: StatusPending, New: status},
	})
	return nil
}

func (s *ApprovalServiceImpl) Get(ctx context.Context, id string) (*Approval, error) {
	return s.Repo.GetByID(ctx, id)
}

func (s *ApprovalServiceImpl) List(ctx context.Context, q Query) ([]Approval, error) {
	return s.Repo.Find(ctx, q)
}

// IsRuleApproved accepts an approval for this lead or a blanket one for the rule.
func (s *ApprovalServiceImpl) IsRuleApproved(ctx context.Context, ruleID, leadID string) (bool, error) {
	approvals, err := s.Repo.Find(ctx, Query{Kind: KindRule, RuleID: ruleID, Status: StatusApproved})
	if err != nil {
		return false, err
	}
	for _, a := range approvals {
		if a.LeadID == "" || a.LeadID == leadID {
			return true, nil
		}
	}
	return false, nil
}

func (s *ApprovalServiceImpl) IsTransitionApproved(ctx context.Context, leadID, stageID string) (bool, error) {
	approvals, err := s.Repo.Find(ctx, Query{
		Kind:    KindStageTransition,
		LeadID:  leadID,
		StageID: stageID,
		Status:  StatusApproved,
	})
	if err != nil {
		return false, err
	}
	return len(approvals) > 0, nil
}
