package approval

import (
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

var (
	ErrApprovalNotFound = errors.New("approval not found")
	ErrAlreadyDecided   = errors.New("approval already decided")
)

type Kind string

const (
	// KindRule gates a rule that has requireApproval set.
	KindRule Kind = "rule"
	// KindStageTransition gates entry into a stage with an approval_required rule.
	KindStageTransition Kind = "stage_transition"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// Approval is a human decision recorded against a rule or a lead's stage transition.
// An empty LeadID on a rule approval covers every lead.
type Approval struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Kind        Kind               `bson:"kind" json:"kind"`
	RuleID      string             `bson:"rule_id,omitempty" json:"ruleId,omitempty"`
	LeadID      string             `bson:"lead_id,omitempty" json:"leadId,omitempty"`
	FromStageID string             `bson:"from_stage_id,omitempty" json:"fromStageId,omitempty"`
	StageID     string             `bson:"stage_id,omitempty" json:"stageId,omitempty"`
	Status      Status             `bson:"status" json:"status"`
	Reason      string             `bson:"reason,omitempty" json:"reason,omitempty"`
	RequestedBy string             `bson:"requested_by" json:"requestedBy"`
	DecidedBy   string             `bson:"decided_by,omitempty" json:"decidedBy,omitempty"`
	Comment     string             `bson:"comment,omitempty" json:"comment,omitempty"`
	CreatedAt   time.Time          `bson:"created_at" json:"createdAt"`
	DecidedAt   *time.Time         `bson:"decided_at,omitempty" json:"decidedAt,omitempty"`
}

// Query selects approvals for one subject.
type Query struct {
	Kind    Kind
	RuleID  string
	LeadID  string
	StageID string
	Status  Status
}
