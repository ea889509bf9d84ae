package lead

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

var ErrLeadNotFound = errors.New("lead not found")

// Lead is the read-only snapshot the pipeline engine works against.
// The CRUD layer owns it; the engine only mutates it through the stores below.
type Lead struct {
	ID             string                 `json:"id" bson:"_id"`
	Name           string                 `json:"name" bson:"name"`
	StageID        string                 `json:"stageId" bson:"stage_id"`
	StageEnteredAt time.Time              `json:"stageEnteredAt" bson:"stage_entered_at"`
	Fields         map[string]interface{} `json:"fields" bson:"fields"`
	Priority       string                 `json:"priority" bson:"priority"`
	Tags           []string               `json:"tags" bson:"tags"`
	AssignedTo     string                 `json:"assignedTo,omitempty" bson:"assigned_to,omitempty"`
	CreatedAt      time.Time              `json:"createdAt" bson:"created_at"`
	UpdatedAt      time.Time              `json:"updatedAt" bson:"updated_at"`
}

// Clone returns a deep copy so concurrent executions never share the field map.
func (l *Lead) Clone() *Lead {
	if l == nil {
		return nil
	}
	c := *l
	c.Fields = make(map[string]interface{}, len(l.Fields))
	for k, v := range l.Fields {
		c.Fields[k] = v
	}
	c.Tags = append([]string(nil), l.Tags...)
	return &c
}

// Field resolves a named field. Custom fields win over the built-in attributes.
func (l *Lead) Field(name string) (interface{}, bool) {
	if l == nil {
		return nil, false
	}
	if v, ok := l.Fields[name]; ok {
		return v, true
	}
	switch name {
	case "id", "_id":
		return l.ID, true
	case "name":
		return l.Name, l.Name != ""
	case "stage_id", "stageId":
		return l.StageID, true
	case "stage_entered_at", "stageEnteredAt":
		return l.StageEnteredAt, !l.StageEnteredAt.IsZero()
	case "priority":
		return l.Priority, l.Priority != ""
	case "tags":
		return l.Tags, len(l.Tags) > 0
	case "assigned_to", "assignedTo":
		return l.AssignedTo, l.AssignedTo != ""
	case "created_at", "createdAt":
		return l.CreatedAt, !l.CreatedAt.IsZero()
	}
	return nil, false
}

// HasValue reports whether the field is present and non-empty.
func (l *Lead) HasValue(name string) bool {
	v, ok := l.Field(name)
	return ok && !IsEmpty(v)
}

// SetField writes a custom field on the snapshot copy.
func (l *Lead) SetField(name string, value interface{}) {
	if l.Fields == nil {
		l.Fields = make(map[string]interface{})
	}
	l.Fields[name] = value
}

// DaysInStage is the whole-day dwell time in the current stage.
func (l *Lead) DaysInStage(now time.Time) float64 {
	if l.StageEnteredAt.IsZero() {
		return 0
	}
	return now.Sub(l.StageEnteredAt).Hours() / 24
}

// IsEmpty treats nil, blank strings and empty collections as missing.
func IsEmpty(v interface{}) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	case reflect.Ptr, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// Filter narrows lead listings used by scheduled rules.
type Filter struct {
	StageID string
	Limit   int64
}

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusCompleted TaskStatus = "completed"
)

// Task is a follow-up created by the create_task action.
type Task struct {
	ID          primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	LeadID      string             `json:"leadId" bson:"lead_id"`
	Title       string             `json:"title" bson:"title"`
	Description string             `json:"description,omitempty" bson:"description,omitempty"`
	AssignedTo  string             `json:"assignedTo,omitempty" bson:"assigned_to,omitempty"`
	Priority    string             `json:"priority,omitempty" bson:"priority,omitempty"`
	Status      TaskStatus         `json:"status" bson:"status"`
	DueDate     time.Time          `json:"dueDate" bson:"due_date"`
	CreatedBy   string             `json:"createdBy,omitempty" bson:"created_by,omitempty"`
	CreatedAt   time.Time          `json:"createdAt" bson:"created_at"`
}

// Note is an activity entry appended to the lead timeline.
type Note struct {
	ID        primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	LeadID    string             `json:"leadId" bson:"lead_id"`
	Content   string             `json:"content" bson:"content"`
	Author    string             `json:"author" bson:"author"`
	CreatedAt time.Time          `json:"createdAt" bson:"created_at"`
}
