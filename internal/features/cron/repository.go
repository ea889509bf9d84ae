package cron_feature

import (
	"context"
	"sort"
	"sync"
	"time"

	"go-crm-pipeline/internal/database"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type TickLogRepository interface {
	Create(ctx context.Context, log *TickLog) error
	Update(ctx context.Context, log *TickLog) error
	List(ctx context.Context, limit int) ([]TickLog, error)
	Latest(ctx context.Context) (*TickLog, error)
}

type TickLogRepositoryImpl struct {
	collection *mongo.Collection
}

func NewTickLogRepository(db *database.MongodbDB) TickLogRepository {
	if !db.Enabled() {
		return NewMemoryTickLogRepository()
	}
	return &TickLogRepositoryImpl{
		collection: db.DB.Collection("scheduler_ticks"),
	}
}

// EnsureIndexes expires tick logs after a week.
func (r *TickLogRepositoryImpl) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "created_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(int32((7 * 24 * time.Hour).Seconds())),
	})
	return err
}

func (r *TickLogRepositoryImpl) Create(ctx context.Context, log *TickLog) error {
	log.ID = primitive.NewObjectID()
	log.CreatedAt = time.Now()
	_, err := r.collection.InsertOne(ctx, log)
	return err
}

func (r *TickLogRepositoryImpl) Update(ctx context.Context, log *TickLog) error {
	_, err := r.collection.ReplaceOne(ctx, bson.M{"_id": log.ID}, log)
	return err
}

func (r *TickLogRepositoryImpl) List(ctx context.Context, limit int) ([]TickLog, error) {
	opts := options.Find().SetSort(bson.D{{Key: "start_time", Value: -1}}).SetLimit(int64(limit))
	cursor, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	logs := []TickLog{}
	if err := cursor.All(ctx, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

func (r *TickLogRepositoryImpl) Latest(ctx context.Context) (*TickLog, error) {
	var log TickLog
	opts := options.FindOne().SetSort(bson.D{{Key: "start_time", Value: -1}})
	err := r.collection.FindOne(ctx, bson.M{}, opts).Decode(&log)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, err
	}
	return &log, nil
}

type MemoryTickLogRepository struct {
	mu   sync.Mutex
	logs []TickLog
}

func NewMemoryTickLogRepository() *MemoryTickLogRepository {
	return &MemoryTickLogRepository{}
}

func (r *MemoryTickLogRepository) Create(_ context.Context, log *TickLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	log.ID = primitive.NewObjectID()
	log.CreatedAt = time.Now()
	r.logs = append(r.logs, *log)
	return nil
}

func (r *MemoryTickLogRepository) Update(_ context.Context, log *TickLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.logs {
		if r.logs[i].ID == log.ID {
			r.logs[i] = *log
			return nil
		}
	}
	r.logs = append(r.logs, *log)
	return nil
}

func (r *MemoryTickLogRepository) List(_ context.Context, limit int) ([]TickLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TickLog, len(r.logs))
	copy(out, r.logs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryTickLogRepository) Latest(ctx context.Context) (*TickLog, error) {
	logs, _ := r.List(ctx, 1)
	if len(logs) == 0 {
		return nil, nil
	}
	return &logs[0], nil
}
