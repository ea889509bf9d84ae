package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type AuditAction string

const (
	AuditActionCreate     AuditAction = "CREATE"
	AuditActionUpdate     AuditAction = "UPDATE"
	AuditActionDelete     AuditAction = "DELETE"
	AuditActionAutomation AuditAction = "AUTOMATION"
	AuditActionApproval   AuditAction = "APPROVAL"
	AuditActionStage      AuditAction = "STAGE"
)

type Change struct {
	Old interface{} `bson:"old" json:"old"`
	New interface{} `bson:"new" json:"new"`
}

type AuditLog struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Action    AuditAction        `bson:"action" json:"action"`
	Module    string             `bson:"module" json:"module"`       // The collection the change applies to
	RecordID  string             `bson:"record_id" json:"record_id"` // The ID of the record being modified
	ActorID   string             `bson:"actor_id" json:"actor_id"`
	Changes   map[string]Change  `bson:"changes" json:"changes"`
	Timestamp time.Time          `bson:"timestamp" json:"timestamp"`
}

// Log is one persisted application log line written by the zap DB core.
type Log struct {
	Message      string                 `bson:"message" json:"message"`
	LogLevelId   int                    `bson:"log_level_id" json:"log_level_id"`
	Caller       string                 `bson:"caller,omitempty" json:"caller,omitempty"`
	ExecutionID  string                 `bson:"execution_id,omitempty" json:"execution_id,omitempty"`
	RuleID       string                 `bson:"rule_id,omitempty" json:"rule_id,omitempty"`
	LeadID       string                 `bson:"lead_id,omitempty" json:"lead_id,omitempty"`
	Fields       map[string]interface{} `bson:"fields,omitempty" json:"fields,omitempty"`
	AppId        string                 `bson:"app_id" json:"app_id"`
	CreatedOnUtc time.Time              `bson:"created_on_utc" json:"created_on_utc"`
}
