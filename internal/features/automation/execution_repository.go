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

type ExecutionRepository interface {
	Create(ctx context.Context, exec *Execution) error
	GetByID(ctx context.Context, id string) (*Execution, error)
	// Update writes the engine-owned fields. Cancellation fields are left alone.
	Update(ctx context.Context, exec *Execution) error
	List(ctx context.Context, filter ExecutionFilter) ([]Execution, error)
	// RequestCancel flags a non-terminal execution. It reports false if it had already finished.
	RequestCancel(ctx context.Context, id, reason string) (bool, error)
	CancelByRule(ctx context.Context, ruleID, reason string) (int64, error)
	CancelRequested(ctx context.Context, id string) (bool, string, error)
	EnsureIndexes(ctx context.Context) error
}

type ExecutionRepositoryImpl struct {
	Collection *mongo.Collection
}

func NewExecutionRepository(mongodb *database.MongodbDB) ExecutionRepository {
	if !mongodb.Enabled() {
		return NewMemoryExecutionRepository()
	}
	return &ExecutionRepositoryImpl{
		Collection: mongodb.DB.Collection("automation_executions"),
	}
}

var terminalStatuses = bson.A{ExecutionCompleted, ExecutionFailed, ExecutionCancelled}

func (r *ExecutionRepositoryImpl) Create(ctx context.Context, exec *Execution) error {
	exec.ID = primitive.NewObjectID()
	_, err := r.Collection.InsertOne(ctx, exec)
	return err
}

func (r *ExecutionRepositoryImpl) GetByID(ctx context.Context, id string) (*Execution, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrExecutionNotFound
	}
	var exec Execution
	if err := r.Collection.FindOne(ctx, bson.M{"_id": oid}).Decode(&exec); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrExecutionNotFound
		}
		return nil, err
	}
	return &exec, nil
}

func (r *ExecutionRepositoryImpl) Update(ctx context.Context, exec *Execution) error {
	set := bson.M{
		"status":       exec.Status,
		"results":      exec.Results,
		"logs":         exec.Logs,
		"error":        exec.Error,
		"snapshot":     exec.Snapshot,
		"next_action":  exec.NextAction,
		"started_at":   exec.StartedAt,
		"completed_at": exec.CompletedAt,
		"duration_ms":  exec.DurationMs,
		"expires_at":   exec.ExpiresAt,
	}
	res, err := r.Collection.UpdateOne(ctx, bson.M{"_id": exec.ID}, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrExecutionNotFound
	}
	return nil
}

func (r *ExecutionRepositoryImpl) List(ctx context.Context, filter ExecutionFilter) ([]Execution, error) {
	query := bson.M{}
	if filter.RuleID != "" {
		query["rule_id"] = filter.RuleID
	}
	if filter.LeadID != "" {
		query["lead_id"] = filter.LeadID
	}
	if filter.Status != "" {
		query["status"] = filter.Status
	}
	if filter.From != nil || filter.To != nil {
		created := bson.M{}
		if filter.From != nil {
			created["$gte"] = *filter.From
		}
		if filter.To != nil {
			created["$lte"] = *filter.To
		}
		query["created_at"] = created
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if filter.Limit > 0 {
		opts.SetLimit(filter.Limit)
	}
	if filter.Offset > 0 {
		opts.SetSkip(filter.Offset)
	}
	cursor, err := r.Collection.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	execs := []Execution{}
	if err := cursor.All(ctx, &execs); err != nil {
		return nil, err
	}
	return execs, nil
}

func (r *ExecutionRepositoryImpl) RequestCancel(ctx context.Context, id, reason string) (bool, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return false, ErrExecutionNotFound
	}
	res, err := r.Collection.UpdateOne(ctx,
		bson.M{"_id": oid, "status": bson.M{"$nin": terminalStatuses}},
		bson.M{"$set": bson.M{"cancel_requested": true, "cancel_reason": reason}},
	)
	if err != nil {
		return false, err
	}
	if res.MatchedCount == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (r *ExecutionRepositoryImpl) CancelByRule(ctx context.Context, ruleID, reason string) (int64, error) {
	res, err := r.Collection.UpdateMany(ctx,
		bson.M{"rule_id": ruleID, "status": bson.M{"$nin": terminalStatuses}},
		bson.M{"$set": bson.M{"cancel_requested": true, "cancel_reason": reason}},
	)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

func (r *ExecutionRepositoryImpl) CancelRequested(ctx context.Context, id string) (bool, string, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return false, "", ErrExecutionNotFound
	}
	var doc struct {
		CancelRequested bool   `bson:"cancel_requested"`
		CancelReason    string `bson:"cancel_reason"`
	}
	opts := options.FindOne().SetProjection(bson.M{"cancel_requested": 1, "cancel_reason": 1})
	if err := r.Collection.FindOne(ctx, bson.M{"_id": oid}, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return false, "", ErrExecutionNotFound
		}
		return false, "", err
	}
	return doc.CancelRequested, doc.CancelReason, nil
}

// EnsureIndexes adds the retention TTL and the listing indexes.
func (r *ExecutionRepositoryImpl) EnsureIndexes(ctx context.Context) error {
	_, err := r.Collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "expires_at", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(0)},
		{Keys: bson.D{{Key: "rule_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "lead_id", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	return err
}

func retentionExpiry(completed time.Time, days int) *time.Time {
	if days <= 0 {
		return nil
	}
	t := completed.Add(time.Duration(days) * 24 * time.Hour)
	return &t
}
