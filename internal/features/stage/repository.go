package stage

import (
	"context"
	"errors"
	"time"

	"go-crm-pipeline/internal/database"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type StageRepository interface {
	Create(ctx context.Context, stage *Stage) error
	GetByID(ctx context.Context, id string) (*Stage, error)
	List(ctx context.Context) ([]Stage, error)
	Update(ctx context.Context, stage *Stage) error
	Delete(ctx context.Context, id string) error
	RecordEntry(ctx context.Context, id string) error
	RecordExit(ctx context.Context, id string, dwell time.Duration, advanced bool) error
}

type StageRepositoryImpl struct {
	Collection *mongo.Collection
}

func NewStageRepository(mongodb *database.MongodbDB) StageRepository {
	if !mongodb.Enabled() {
		return NewMemoryStageRepository()
	}
	return &StageRepositoryImpl{
		Collection: mongodb.DB.Collection("pipeline_stages"),
	}
}

func (r *StageRepositoryImpl) Create(ctx context.Context, stage *Stage) error {
	_, err := r.Collection.InsertOne(ctx, stage)
	if mongo.IsDuplicateKeyError(err) {
		return ErrStageExists
	}
	return err
}

func (r *StageRepositoryImpl) GetByID(ctx context.Context, id string) (*Stage, error) {
	var stage Stage
	err := r.Collection.FindOne(ctx, bson.M{"_id": id}).Decode(&stage)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrStageNotFound
		}
		return nil, err
	}
	stage.Metrics.Compute()
	return &stage, nil
}

func (r *StageRepositoryImpl) List(ctx context.Context) ([]Stage, error) {
	opts := options.Find().SetSort(bson.D{{Key: "order", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := r.Collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var stages []Stage
	if err = cursor.All(ctx, &stages); err != nil {
		return nil, err
	}
	for i := range stages {
		stages[i].Metrics.Compute()
	}
	return stages, nil
}

// Update replaces the definition and leaves the metric counters alone.
func (r *StageRepositoryImpl) Update(ctx context.Context, stage *Stage) error {
	res, err := r.Collection.UpdateOne(ctx, bson.M{"_id": stage.ID}, bson.M{"$set": bson.M{
		"name":        stage.Name,
		"description": stage.Description,
		"order":       stage.Order,
		"color":       stage.Color,
		"active":      stage.Active,
		"rules":       stage.Rules,
		"automations": stage.Automations,
		"updated_at":  stage.UpdatedAt,
	}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrStageNotFound
	}
	return nil
}

func (r *StageRepositoryImpl) Delete(ctx context.Context, id string) error {
	res, err := r.Collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrStageNotFound
	}
	return nil
}

func (r *StageRepositoryImpl) RecordEntry(ctx context.Context, id string) error {
	_, err := r.Collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$inc": bson.M{
		"metrics.entered": 1,
		"metrics.current": 1,
	}})
	return err
}

func (r *StageRepositoryImpl) RecordExit(ctx context.Context, id string, dwell time.Duration, advanced bool) error {
	inc := bson.M{
		"metrics.exited":              1,
		"metrics.current":             -1,
		"metrics.total_dwell_seconds": dwell.Seconds(),
	}
	if advanced {
		inc["metrics.advanced"] = 1
	}
	_, err := r.Collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$inc": inc})
	return err
}
