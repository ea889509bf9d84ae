package cron_feature

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type TickStatus string

const (
	TickRunning TickStatus = "running"
	TickSuccess TickStatus = "success"
	TickPartial TickStatus = "partial"
	TickFailed  TickStatus = "failed"
)

// TickLog records one pass of the automation scheduler
type TickLog struct {
	ID        primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	Manual    bool               `json:"manual" bson:"manual"`
	StartTime time.Time          `json:"start_time" bson:"start_time"`
	EndTime   *time.Time         `json:"end_time,omitempty" bson:"end_time,omitempty"`
	Status    TickStatus         `json:"status" bson:"status"`

	ContinuationsResumed int `json:"continuations_resumed" bson:"continuations_resumed"`
	DelayedFired         int `json:"delayed_fired" bson:"delayed_fired"`
	RulesFired           int `json:"rules_fired" bson:"rules_fired"`
	ExecutionsStarted    int `json:"executions_started" bson:"executions_started"`
	Failures             int `json:"failures" bson:"failures"`

	Errors    []string  `json:"errors,omitempty" bson:"errors,omitempty"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// Worked reports whether the tick did anything worth auditing.
func (t *TickLog) Worked() bool {
	return t.ContinuationsResumed+t.DelayedFired+t.RulesFired+t.Failures > 0
}

type ScheduledRule struct {
	RuleID         string     `json:"rule_id"`
	Name           string     `json:"name"`
	ScheduleType   string     `json:"schedule_type"`
	Runs           int        `json:"runs"`
	MaxExecutions  int        `json:"max_executions,omitempty"`
	LastRun        *time.Time `json:"last_run,omitempty"`
	NextRun        *time.Time `json:"next_run,omitempty"`
	PendingDelayed int64      `json:"pending_delayed"`
}

type SchedulerStatus struct {
	Enabled  bool            `json:"enabled"`
	Running  bool            `json:"running"`
	Tick     string          `json:"tick"`
	NextTick *time.Time      `json:"next_tick,omitempty"`
	LastTick *TickLog        `json:"last_tick,omitempty"`
	Rules    []ScheduledRule `json:"rules"`
}
