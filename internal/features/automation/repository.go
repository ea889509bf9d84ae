package automation

import (
	"context"
	"errors"
	"time"

	"go-crm-pipeline/internal/database"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type AutomationRepository interface {
	Create(ctx context.Context, rule *AutomationRule) error
	GetByID(ctx context.Context, id string) (*AutomationRule, error)
	List(ctx context.Context) ([]AutomationRule, error)
	ListActive(ctx context.Context) ([]AutomationRule, error)
	Update(ctx context.Context, rule *AutomationRule) error
	Delete(ctx context.Context, id string) error
	// SetActive toggles the rule. resetSchedule clears the scheduler run count and last run.
	SetActive(ctx context.Context, id string, active, resetSchedule bool) error
	// ReviveSchedule clears the last scheduled run so the next tick fires the rule.
	ReviveSchedule(ctx context.Context, id string) error
	// RecordExecution bumps the counters of a finished execution atomically.
	RecordExecution(ctx context.Context, id string, success bool, durationMs int64, at time.Time) error
	// ClaimScheduledRun increments scheduleRuns only if it still equals expectedRuns.
	ClaimScheduledRun(ctx context.Context, id string, expectedRuns int, at time.Time) (bool, error)
}

type AutomationRepositoryImpl struct {
	Collection *mongo.Collection
}

func NewAutomationRepository(mongodb *database.MongodbDB) AutomationRepository {
	if !mongodb.Enabled() {
		return NewMemoryAutomationRepository()
	}
	return &AutomationRepositoryImpl{
		Collection: mongodb.DB.Collection("automation_rules"),
	}
}

func (r *AutomationRepositoryImpl) Create(ctx context.Context, rule *AutomationRule) error {
	rule.ID = primitive.NewObjectID()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now()
	}
	rule.UpdatedAt = rule.CreatedAt
	_, err := r.Collection.InsertOne(ctx, rule)
	return err
}

func (r *AutomationRepositoryImpl) GetByID(ctx context.Context, id string) (*AutomationRule, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrRuleNotFound
	}
	var rule AutomationRule
	err = r.Collection.FindOne(ctx, bson.M{"_id": oid}).Decode(&rule)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrRuleNotFound
		}
		return nil, err
	}
	return &rule, nil
}

func (r *AutomationRepositoryImpl) find(ctx context.Context, filter bson.M) ([]AutomationRule, error) {
	opts := options.Find().SetSort(bson.D{{Key: "priority", Value: -1}, {Key: "created_at", Value: 1}})
	cursor, err := r.Collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	rules := []AutomationRule{}
	if err = cursor.All(ctx, &rules); err != nil {
		return nil, err
	}
	return rules, nil
}

func (r *AutomationRepositoryImpl) List(ctx context.Context) ([]AutomationRule, error) {
	return r.find(ctx, bson.M{})
}

func (r *AutomationRepositoryImpl) ListActive(ctx context.Context) ([]AutomationRule, error) {
	return r.find(ctx, bson.M{"active": true})
}

func (r *AutomationRepositoryImpl) Update(ctx context.Context, rule *AutomationRule) error {
	rule.UpdatedAt = time.Now()
	update := bson.M{"$set": bson.M{
		"name":        rule.Name,
		"description": rule.Description,
		"active":      rule.Active,
		"priority":    rule.Priority,
		"trigger":     rule.Trigger,
		"conditions":  rule.Conditions,
		"actions":     rule.Actions,
		"settings":    rule.Settings,
		"updated_at":  rule.UpdatedAt,
	}}
	res, err := r.Collection.UpdateOne(ctx, bson.M{"_id": rule.ID}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (r *AutomationRepositoryImpl) Delete(ctx context.Context, id string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return ErrRuleNotFound
	}
	res, err := r.Collection.DeleteOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (r *AutomationRepositoryImpl) SetActive(ctx context.Context, id string, active, resetSchedule bool) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return ErrRuleNotFound
	}
	update := bson.M{"$set": bson.M{"active": active, "updated_at": time.Now()}}
	if resetSchedule {
		update["$set"].(bson.M)["schedule_runs"] = 0
		update["$unset"] = bson.M{"last_scheduled_at": ""}
	}
	res, err := r.Collection.UpdateOne(ctx, bson.M{"_id": oid}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (r *AutomationRepositoryImpl) ReviveSchedule(ctx context.Context, id string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return ErrRuleNotFound
	}
	_, err = r.Collection.UpdateOne(ctx, bson.M{"_id": oid}, bson.M{"$unset": bson.M{"last_scheduled_at": ""}})
	return err
}

func (r *AutomationRepositoryImpl) RecordExecution(ctx context.Context, id string, success bool, durationMs int64, at time.Time) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return ErrRuleNotFound
	}
	inc := bson.M{"execution_count": 1, "total_duration_ms": durationMs}
	if success {
		inc["success_count"] = 1
	} else {
		inc["error_count"] = 1
	}
	_, err = r.Collection.UpdateOne(ctx, bson.M{"_id": oid}, bson.M{
		"$inc": inc,
		"$max": bson.M{"last_executed": at},
	})
	return err
}

func (r *AutomationRepositoryImpl) ClaimScheduledRun(ctx context.Context, id string, expectedRuns int, at time.Time) (bool, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return false, ErrRuleNotFound
	}
	filter := bson.M{"_id": oid, "active": true, "schedule_runs": expectedRuns}
	if expectedRuns == 0 {
		filter["schedule_runs"] = bson.M{"$in": bson.A{0, nil}}
	}
	res, err := r.Collection.UpdateOne(ctx, filter, bson.M{
		"$inc": bson.M{"schedule_runs": 1},
		"$set": bson.M{"last_scheduled_at": at},
	})
	if err != nil {
		return false, err
	}
	return res.ModifiedCount == 1, nil
}
