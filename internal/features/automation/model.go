package automation

import (
	"bytes"
	"encoding/json"
	"time"

	"go-crm-pipeline/internal/features/lead"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type TriggerType string

const (
	TriggerStageChange   TriggerType = "stage_change"
	TriggerFieldUpdate   TriggerType = "field_update"
	TriggerTimeBased     TriggerType = "time_based"
	TriggerLeadCreated   TriggerType = "lead_created"
	TriggerTaskCompleted TriggerType = "task_completed"
	TriggerEvent         TriggerType = "event"
	TriggerManual        TriggerType = "manual"
)

func (t TriggerType) IsValid() bool {
	switch t {
	case TriggerStageChange, TriggerFieldUpdate, TriggerTimeBased, TriggerLeadCreated,
		TriggerTaskCompleted, TriggerEvent, TriggerManual:
		return true
	}
	return false
}

type Trigger struct {
	Type        TriggerType `json:"type" bson:"type"`
	FromStageID string      `json:"fromStageId,omitempty" bson:"from_stage_id,omitempty"`
	ToStageID   string      `json:"toStageId,omitempty" bson:"to_stage_id,omitempty"`
	Field       string      `json:"field,omitempty" bson:"field,omitempty"`
	EventType   string      `json:"eventType,omitempty" bson:"event_type,omitempty"`
	Schedule    *Schedule   `json:"schedule,omitempty" bson:"schedule,omitempty"`

	// AnchorEvent is the event a delay schedule counts from. Defaults to lead_created.
	// The from/to/field/eventType filters above apply to it.
	AnchorEvent TriggerType `json:"anchorEvent,omitempty" bson:"anchor_event,omitempty"`

	// StageID limits interval and cron rules to leads currently in that stage.
	StageID string `json:"stageId,omitempty" bson:"stage_id,omitempty"`
}

// Anchor returns the event type that starts a delay countdown.
func (t Trigger) Anchor() TriggerType {
	if t.AnchorEvent == "" {
		return TriggerLeadCreated
	}
	return t.AnchorEvent
}

type ScheduleType string

const (
	ScheduleInterval ScheduleType = "interval"
	ScheduleCron     ScheduleType = "cron"
	ScheduleDelay    ScheduleType = "delay"
)

type Schedule struct {
	Type            ScheduleType `json:"type" bson:"type"`
	IntervalMinutes int          `json:"intervalMinutes,omitempty" bson:"interval_minutes,omitempty"`
	IntervalHours   int          `json:"intervalHours,omitempty" bson:"interval_hours,omitempty"`
	IntervalDays    int          `json:"intervalDays,omitempty" bson:"interval_days,omitempty"`
	Expression      string       `json:"expression,omitempty" bson:"expression,omitempty"`
	Timezone        string       `json:"timezone,omitempty" bson:"timezone,omitempty"`
	DelayMinutes    int          `json:"delayMinutes,omitempty" bson:"delay_minutes,omitempty"`
	DelayHours      int          `json:"delayHours,omitempty" bson:"delay_hours,omitempty"`
	DelayDays       int          `json:"delayDays,omitempty" bson:"delay_days,omitempty"`
	MaxExecutions   int          `json:"maxExecutions,omitempty" bson:"max_executions,omitempty"`
	EndDate         *time.Time   `json:"endDate,omitempty" bson:"end_date,omitempty"`
}

func (s *Schedule) Interval() time.Duration {
	return time.Duration(s.IntervalMinutes)*time.Minute +
		time.Duration(s.IntervalHours)*time.Hour +
		time.Duration(s.IntervalDays)*24*time.Hour
}

func (s *Schedule) Delay() time.Duration {
	return time.Duration(s.DelayMinutes)*time.Minute +
		time.Duration(s.DelayHours)*time.Hour +
		time.Duration(s.DelayDays)*24*time.Hour
}

type Operator string

const (
	OperatorEquals      Operator = "equals"
	OperatorNotEquals   Operator = "not_equals"
	OperatorGreaterThan Operator = "greater_than"
	OperatorLessThan    Operator = "less_than"
	OperatorContains    Operator = "contains"
	OperatorNotContains Operator = "not_contains"
	OperatorExists      Operator = "exists"
	OperatorNotExists   Operator = "not_exists"
	OperatorIn          Operator = "in"
	OperatorNotIn       Operator = "not_in"
	OperatorRegex       Operator = "regex"
)

func (o Operator) IsValid() bool {
	switch o {
	case OperatorEquals, OperatorNotEquals, OperatorGreaterThan, OperatorLessThan, OperatorContains,
		OperatorNotContains, OperatorExists, OperatorNotExists, OperatorIn, OperatorNotIn, OperatorRegex:
		return true
	}
	return false
}

type LogicalOperator string

const (
	LogicalAnd LogicalOperator = "AND"
	LogicalOr  LogicalOperator = "OR"
)

type ValueSource string

const (
	ValueStatic         ValueSource = "static"
	ValueCurrentUser    ValueSource = "current_user"
	ValueCurrentDate    ValueSource = "current_date"
	ValueLeadField      ValueSource = "lead_field"
	ValueStageField     ValueSource = "stage_field"
	ValueCustomFunction ValueSource = "custom_function"
)

func (s ValueSource) IsValid() bool {
	switch s {
	case "", ValueStatic, ValueCurrentUser, ValueCurrentDate, ValueLeadField, ValueStageField, ValueCustomFunction:
		return true
	}
	return false
}

// ConditionValue is either a literal or a reference resolved at evaluation time.
// In JSON a bare literal is accepted as a static value.
type ConditionValue struct {
	Source   ValueSource `json:"source,omitempty" bson:"source,omitempty"`
	Value    interface{} `json:"value,omitempty" bson:"value,omitempty"`
	Field    string      `json:"field,omitempty" bson:"field,omitempty"`
	Function string      `json:"function,omitempty" bson:"function,omitempty"`
}

// Static wraps a literal.
func Static(v interface{}) ConditionValue {
	return ConditionValue{Source: ValueStatic, Value: v}
}

func (v *ConditionValue) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &probe); err != nil {
			return err
		}
		if _, ok := probe["source"]; ok {
			type plain ConditionValue
			var p plain
			if err := json.Unmarshal(trimmed, &p); err != nil {
				return err
			}
			*v = ConditionValue(p)
			return nil
		}
	}
	var raw interface{}
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return err
	}
	*v = ConditionValue{Source: ValueStatic, Value: raw}
	return nil
}

type Condition struct {
	Field           string          `json:"field" bson:"field"`
	Operator        Operator        `json:"operator" bson:"operator"`
	Value           ConditionValue  `json:"value" bson:"value"`
	LogicalOperator LogicalOperator `json:"logicalOperator,omitempty" bson:"logical_operator,omitempty"`
	Group           string          `json:"group,omitempty" bson:"group,omitempty"`
}

type ActionType string

const (
	ActionSendEmail        ActionType = "send_email"
	ActionSendWhatsApp     ActionType = "send_whatsapp"
	ActionCreateTask       ActionType = "create_task"
	ActionUpdateField      ActionType = "update_field"
	ActionMoveStage        ActionType = "move_stage"
	ActionCreateNote       ActionType = "create_note"
	ActionSendNotification ActionType = "send_notification"
	ActionCallWebhook      ActionType = "call_webhook"
	ActionWait             ActionType = "wait"
	ActionCustomFunction   ActionType = "custom_function"
)

func (t ActionType) IsValid() bool {
	switch t {
	case ActionSendEmail, ActionSendWhatsApp, ActionCreateTask, ActionUpdateField, ActionMoveStage,
		ActionCreateNote, ActionSendNotification, ActionCallWebhook, ActionWait, ActionCustomFunction:
		return true
	}
	return false
}

type Action struct {
	Type              ActionType             `json:"type" bson:"type"`
	Config            map[string]interface{} `json:"config" bson:"config"`
	ContinueOnError   bool                   `json:"continueOnError" bson:"continue_on_error"`
	RetryCount        int                    `json:"retryCount" bson:"retry_count"`
	RetryDelayMinutes int                    `json:"retryDelayMinutes" bson:"retry_delay_minutes"`

	// TimeoutSeconds bounds one attempt. Zero uses the engine default.
	TimeoutSeconds int         `json:"timeoutSeconds,omitempty" bson:"timeout_seconds,omitempty"`
	ExecuteIf      []Condition `json:"executeIf,omitempty" bson:"execute_if,omitempty"`
}

func (a Action) RetryDelay() time.Duration {
	return time.Duration(a.RetryDelayMinutes) * time.Minute
}

// AllowedHours is a local HH:MM window. End before Start wraps past midnight.
type AllowedHours struct {
	Start string `json:"start" bson:"start"`
	End   string `json:"end" bson:"end"`
}

type Settings struct {
	MaxExecutionsPerDay         int           `json:"maxExecutionsPerDay,omitempty" bson:"max_executions_per_day,omitempty"`
	MaxExecutionsPerHour        int           `json:"maxExecutionsPerHour,omitempty" bson:"max_executions_per_hour,omitempty"`
	MaxExecutionsPerLead        int           `json:"maxExecutionsPerLead,omitempty" bson:"max_executions_per_lead,omitempty"`
	AllowedHours                *AllowedHours `json:"allowedHours,omitempty" bson:"allowed_hours,omitempty"`
	AllowedDays                 []string      `json:"allowedDays,omitempty" bson:"allowed_days,omitempty"`
	Timezone                    string        `json:"timezone,omitempty" bson:"timezone,omitempty"`
	StopOnError                 bool          `json:"stopOnError" bson:"stop_on_error"`
	NotifyOnError               bool          `json:"notifyOnError" bson:"notify_on_error"`
	ErrorNotificationRecipients []string      `json:"errorNotificationRecipients,omitempty" bson:"error_notification_recipients,omitempty"`
	ErrorNotificationChannels   []string      `json:"errorNotificationChannels,omitempty" bson:"error_notification_channels,omitempty"`
	LogLevel                    string        `json:"logLevel,omitempty" bson:"log_level,omitempty"`
	RetentionDays               int           `json:"retentionDays,omitempty" bson:"retention_days,omitempty"`
	RequireApproval             bool          `json:"requireApproval" bson:"require_approval"`
}

type AutomationRule struct {
	ID          primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	Name        string             `json:"name" bson:"name"`
	Description string             `json:"description,omitempty" bson:"description,omitempty"`
	Active      bool               `json:"active" bson:"active"`
	Priority    int                `json:"priority" bson:"priority"`
	Trigger     Trigger            `json:"trigger" bson:"trigger"`
	Conditions  []Condition        `json:"conditions" bson:"conditions"`
	Actions     []Action           `json:"actions" bson:"actions"`
	Settings    Settings           `json:"settings" bson:"settings"`

	ExecutionCount  int64      `json:"executionCount" bson:"execution_count"`
	SuccessCount    int64      `json:"successCount" bson:"success_count"`
	ErrorCount      int64      `json:"errorCount" bson:"error_count"`
	TotalDurationMs int64      `json:"totalDurationMs" bson:"total_duration_ms"`
	LastExecuted    *time.Time `json:"lastExecuted,omitempty" bson:"last_executed,omitempty"`
	// ScheduleRuns counts scheduler firings against Schedule.MaxExecutions.
	ScheduleRuns    int        `json:"scheduleRuns" bson:"schedule_runs"`
	LastScheduledAt *time.Time `json:"lastScheduledAt,omitempty" bson:"last_scheduled_at,omitempty"`

	CreatedBy string    `json:"createdBy,omitempty" bson:"created_by,omitempty"`
	CreatedAt time.Time `json:"createdAt" bson:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updated_at"`
}

type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionRunning   ActionStatus = "running"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
	ActionSkipped   ActionStatus = "skipped"
)

type ActionResult struct {
	Index       int          `json:"index" bson:"index"`
	Type        ActionType   `json:"type" bson:"type"`
	Status      ActionStatus `json:"status" bson:"status"`
	Result      interface{}  `json:"result,omitempty" bson:"result,omitempty"`
	Error       string       `json:"error,omitempty" bson:"error,omitempty"`
	ErrorKind   string       `json:"errorKind,omitempty" bson:"error_kind,omitempty"`
	Attempts    int          `json:"attempts" bson:"attempts"`
	RetryCount  int          `json:"retryCount" bson:"retry_count"`
	StartedAt   *time.Time   `json:"startedAt,omitempty" bson:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completedAt,omitempty" bson:"completed_at,omitempty"`
	DurationMs  int64        `json:"durationMs" bson:"duration_ms"`
}

type ExecutionLog struct {
	At      time.Time `json:"at" bson:"at"`
	Level   string    `json:"level" bson:"level"`
	Message string    `json:"message" bson:"message"`
}

type Execution struct {
	ID          primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	RuleID      string             `json:"ruleId" bson:"rule_id"`
	RuleName    string             `json:"ruleName" bson:"rule_name"`
	LeadID      string             `json:"leadId" bson:"lead_id"`
	TriggerType TriggerType        `json:"triggerType" bson:"trigger_type"`
	EventID     string             `json:"eventId,omitempty" bson:"event_id,omitempty"`
	Depth       int                `json:"depth" bson:"depth"`
	UserID      string             `json:"userId,omitempty" bson:"user_id,omitempty"`

	Status  ExecutionStatus `json:"status" bson:"status"`
	Results []ActionResult  `json:"results" bson:"results"`
	Logs    []ExecutionLog  `json:"logs" bson:"logs"`
	Error   string          `json:"error,omitempty" bson:"error,omitempty"`

	// Snapshot is this execution's private copy of the lead.
	Snapshot *lead.Lead `json:"snapshot,omitempty" bson:"snapshot,omitempty"`

	// NextAction is where a resumed execution picks up.
	NextAction int `json:"nextAction" bson:"next_action"`

	CancelRequested bool   `json:"cancelRequested" bson:"cancel_requested"`
	CancelReason    string `json:"cancelReason,omitempty" bson:"cancel_reason,omitempty"`

	CreatedAt   time.Time  `json:"createdAt" bson:"created_at"`
	StartedAt   *time.Time `json:"startedAt,omitempty" bson:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty" bson:"completed_at,omitempty"`
	DurationMs  int64      `json:"durationMs" bson:"duration_ms"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty" bson:"expires_at,omitempty"`
}

// Event is something that happened to a lead and may fire rules.
type Event struct {
	ID          string                 `json:"id"`
	Type        TriggerType            `json:"type"`
	LeadID      string                 `json:"leadId"`
	FromStageID string                 `json:"fromStageId,omitempty"`
	ToStageID   string                 `json:"toStageId,omitempty"`
	Field       string                 `json:"field,omitempty"`
	EventType   string                 `json:"eventType,omitempty"`
	TaskID      string                 `json:"taskId,omitempty"`
	UserID      string                 `json:"userId,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	// Depth counts how many automation-caused events preceded this one.
	Depth       int                    `json:"depth"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
}

// ExecutionFilter narrows listExecutions.
type ExecutionFilter struct {
	RuleID string
	LeadID string
	Status ExecutionStatus
	From   *time.Time
	To     *time.Time
	Limit  int64
	Offset int64
}

// RuleMetrics is the per-rule summary returned by getRuleMetrics.
type RuleMetrics struct {
	RuleID            string     `json:"ruleId"`
	Name              string     `json:"name"`
	Active            bool       `json:"active"`
	ExecutionCount    int64      `json:"executionCount"`
	SuccessCount      int64      `json:"successCount"`
	ErrorCount        int64      `json:"errorCount"`
	SuccessRate       float64    `json:"successRate"`
	AverageDurationMs float64    `json:"averageDurationMs"`
	LastExecuted      *time.Time `json:"lastExecuted,omitempty"`
}
