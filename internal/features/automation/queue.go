package automation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go-crm-pipeline/internal/database"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type ContinuationReason string

const (
	ContinuationWait  ContinuationReason = "wait"
	ContinuationRetry ContinuationReason = "retry"
)

// Continuation resumes a suspended execution at ActionIndex once ResumeAt passes.
// For retries, Attempt is the number of attempts already made.
type Continuation struct {
	ID          primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	ExecutionID string             `json:"executionId" bson:"execution_id"`
	ActionIndex int                `json:"actionIndex" bson:"action_index"`
	Attempt     int                `json:"attempt" bson:"attempt"`
	Reason      ContinuationReason `json:"reason" bson:"reason"`
	ResumeAt    time.Time          `json:"resumeAt" bson:"resume_at"`
	LeasedUntil *time.Time         `json:"leasedUntil,omitempty" bson:"leased_until,omitempty"`
	CreatedAt   time.Time          `json:"createdAt" bson:"created_at"`
}

func (c Continuation) queueID() primitive.ObjectID { return c.ID }
func (c Continuation) dueAt() time.Time            { return c.ResumeAt }

// DelayedTrigger fires a delay-scheduled rule for one lead at DueAt.
type DelayedTrigger struct {
	ID          primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	RuleID      string             `json:"ruleId" bson:"rule_id"`
	LeadID      string             `json:"leadId" bson:"lead_id"`
	EventID     string             `json:"eventId" bson:"event_id"`
	UserID      string             `json:"userId,omitempty" bson:"user_id,omitempty"`
	Depth       int                `json:"depth" bson:"depth"`
	DueAt       time.Time          `json:"dueAt" bson:"due_at"`
	LeasedUntil *time.Time         `json:"leasedUntil,omitempty" bson:"leased_until,omitempty"`
	CreatedAt   time.Time          `json:"createdAt" bson:"created_at"`
}

func (d DelayedTrigger) queueID() primitive.ObjectID { return d.ID }
func (d DelayedTrigger) dueAt() time.Time            { return d.DueAt }

type ContinuationStore interface {
	Enqueue(ctx context.Context, c *Continuation) error
	// ClaimDue leases up to limit due entries so no other instance picks them up.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Continuation, error)
	Complete(ctx context.Context, id primitive.ObjectID) error
	// DeleteByExecution drops an execution's continuations and reports how many were
	// idle. A continuation leased at now belongs to a resume still in progress.
	DeleteByExecution(ctx context.Context, executionID string, now time.Time) (int64, error)
}

type DelayedTriggerStore interface {
	Schedule(ctx context.Context, d *DelayedTrigger) error
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]DelayedTrigger, error)
	Complete(ctx context.Context, id primitive.ObjectID) error
	DeleteByRule(ctx context.Context, ruleID string) error
	Pending(ctx context.Context, ruleID string) (int64, error)
}

func NewContinuationStore(mongodb *database.MongodbDB) ContinuationStore {
	if !mongodb.Enabled() {
		return NewMemoryContinuationStore()
	}
	return &MongoContinuationStore{Collection: mongodb.DB.Collection("automation_continuations")}
}

func NewDelayedTriggerStore(mongodb *database.MongodbDB) DelayedTriggerStore {
	if !mongodb.Enabled() {
		return NewMemoryDelayedTriggerStore()
	}
	return &MongoDelayedTriggerStore{Collection: mongodb.DB.Collection("automation_delayed_triggers")}
}

// claimDue leases due documents one at a time with FindOneAndUpdate.
func claimDue[T any](ctx context.Context, coll *mongo.Collection, dueField string, now time.Time, lease time.Duration, limit int) ([]T, error) {
	filter := bson.M{
		dueField: bson.M{"$lte": now},
		"$or": bson.A{
			bson.M{"leased_until": nil},
			bson.M{"leased_until": bson.M{"$lt": now}},
		},
	}
	update := bson.M{"$set": bson.M{"leased_until": now.Add(lease)}}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: dueField, Value: 1}}).
		SetReturnDocument(options.After)

	var out []T
	for len(out) < limit {
		var item T
		err := coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&item)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			return out, err
		}
		out = append(out, item)
	}
	return out, nil
}

type MongoContinuationStore struct {
	Collection *mongo.Collection
}

func (s *MongoContinuationStore) Enqueue(ctx context.Context, c *Continuation) error {
	c.ID = primitive.NewObjectID()
	_, err := s.Collection.InsertOne(ctx, c)
	return err
}

func (s *MongoContinuationStore) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Continuation, error) {
	return claimDue[Continuation](ctx, s.Collection, "resume_at", now, lease, limit)
}

func (s *MongoContinuationStore) Complete(ctx context.Context, id primitive.ObjectID) error {
	_, err := s.Collection.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

func (s *MongoContinuationStore) DeleteByExecution(ctx context.Context, executionID string, now time.Time) (int64, error) {
	idle, err := s.Collection.CountDocuments(ctx, bson.M{
		"execution_id": executionID,
		"$or": bson.A{
			bson.M{"leased_until": nil},
			bson.M{"leased_until": bson.M{"$lt": now}},
		},
	})
	if err != nil {
		return 0, err
	}
	if _, err := s.Collection.DeleteMany(ctx, bson.M{"execution_id": executionID}); err != nil {
		return 0, err
	}
	return idle, nil
}

type MongoDelayedTriggerStore struct {
	Collection *mongo.Collection
}

// Schedule is idempotent per rule, lead and anchor event.
func (s *MongoDelayedTriggerStore) Schedule(ctx context.Context, d *DelayedTrigger) error {
	d.ID = primitive.NewObjectID()
	filter := bson.M{"rule_id": d.RuleID, "lead_id": d.LeadID, "event_id": d.EventID}
	_, err := s.Collection.UpdateOne(ctx, filter, bson.M{"$setOnInsert": d}, options.Update().SetUpsert(true))
	return err
}

func (s *MongoDelayedTriggerStore) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]DelayedTrigger, error) {
	return claimDue[DelayedTrigger](ctx, s.Collection, "due_at", now, lease, limit)
}

func (s *MongoDelayedTriggerStore) Complete(ctx context.Context, id primitive.ObjectID) error {
	_, err := s.Collection.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

func (s *MongoDelayedTriggerStore) DeleteByRule(ctx context.Context, ruleID string) error {
	_, err := s.Collection.DeleteMany(ctx, bson.M{"rule_id": ruleID})
	return err
}

func (s *MongoDelayedTriggerStore) Pending(ctx context.Context, ruleID string) (int64, error) {
	return s.Collection.CountDocuments(ctx, bson.M{"rule_id": ruleID})
}

type queued interface {
	queueID() primitive.ObjectID
	dueAt() time.Time
}

type queueEntry[T queued] struct {
	item        T
	leasedUntil time.Time
}

type memoryQueue[T queued] struct {
	mu    sync.Mutex
	items map[primitive.ObjectID]*queueEntry[T]
}

func newMemoryQueue[T queued]() memoryQueue[T] {
	return memoryQueue[T]{items: make(map[primitive.ObjectID]*queueEntry[T])}
}

func (q *memoryQueue[T]) claimDue(now time.Time, lease time.Duration, limit int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []*queueEntry[T]
	for _, e := range q.items {
		if !e.item.dueAt().After(now) && !e.leasedUntil.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].item.dueAt().Before(due[j].item.dueAt()) })
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]T, 0, len(due))
	for _, e := range due {
		e.leasedUntil = now.Add(lease)
		out = append(out, e.item)
	}
	return out
}

func (q *memoryQueue[T]) remove(match func(T) bool) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int64
	for id, e := range q.items {
		if match(e.item) {
			delete(q.items, id)
			n++
		}
	}
	return n
}

type MemoryContinuationStore struct {
	queue memoryQueue[Continuation]
}

func NewMemoryContinuationStore() *MemoryContinuationStore {
	return &MemoryContinuationStore{queue: newMemoryQueue[Continuation]()}
}

func (s *MemoryContinuationStore) Enqueue(_ context.Context, c *Continuation) error {
	c.ID = primitive.NewObjectID()
	s.queue.mu.Lock()
	s.queue.items[c.ID] = &queueEntry[Continuation]{item: *c}
	s.queue.mu.Unlock()
	return nil
}

func (s *MemoryContinuationStore) ClaimDue(_ context.Context, now time.Time, lease time.Duration, limit int) ([]Continuation, error) {
	return s.queue.claimDue(now, lease, limit), nil
}

func (s *MemoryContinuationStore) Complete(_ context.Context, id primitive.ObjectID) error {
	s.queue.remove(func(c Continuation) bool { return c.ID == id })
	return nil
}

func (s *MemoryContinuationStore) DeleteByExecution(_ context.Context, executionID string, now time.Time) (int64, error) {
	s.queue.mu.Lock()
	defer s.queue.mu.Unlock()
	var idle int64
	for id, e := range s.queue.items {
		if e.item.ExecutionID != executionID {
			continue
		}
		if !e.leasedUntil.After(now) {
			idle++
		}
		delete(s.queue.items, id)
	}
	return idle, nil
}

// Len is the number of queued continuations, leased or not.
func (s *MemoryContinuationStore) Len() int {
	s.queue.mu.Lock()
	defer s.queue.mu.Unlock()
	return len(s.queue.items)
}

type MemoryDelayedTriggerStore struct {
	queue memoryQueue[DelayedTrigger]
}

func NewMemoryDelayedTriggerStore() *MemoryDelayedTriggerStore {
	return &MemoryDelayedTriggerStore{queue: newMemoryQueue[DelayedTrigger]()}
}

func (s *MemoryDelayedTriggerStore) Schedule(_ context.Context, d *DelayedTrigger) error {
	s.queue.mu.Lock()
	defer s.queue.mu.Unlock()
	for _, e := range s.queue.items {
		if e.item.RuleID == d.RuleID && e.item.LeadID == d.LeadID && e.item.EventID == d.EventID {
			return nil
		}
	}
	d.ID = primitive.NewObjectID()
	s.queue.items[d.ID] = &queueEntry[DelayedTrigger]{item: *d}
	return nil
}

func (s *MemoryDelayedTriggerStore) ClaimDue(_ context.Context, now time.Time, lease time.Duration, limit int) ([]DelayedTrigger, error) {
	return s.queue.claimDue(now, lease, limit), nil
}

func (s *MemoryDelayedTriggerStore) Complete(_ context.Context, id primitive.ObjectID) error {
	s.queue.remove(func(d DelayedTrigger) bool { return d.ID == id })
	return nil
}

func (s *MemoryDelayedTriggerStore) DeleteByRule(_ context.Context, ruleID string) error {
	s.queue.remove(func(d DelayedTrigger) bool { return d.RuleID == ruleID })
	return nil
}

func (s *MemoryDelayedTriggerStore) Pending(_ context.Context, ruleID string) (int64, error) {
	s.queue.mu.Lock()
	defer s.queue.mu.Unlock()
	var n int64
	for _, e := range s.queue.items {
		if e.item.RuleID == ruleID {
			n++
		}
	}
	return n, nil
}
