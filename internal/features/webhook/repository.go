package webhook

import (
	"context"
	"sort"
	"sync"

	"go-crm-pipeline/internal/database"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type WebhookLogRepository interface {
	Create(ctx context.Context, log *WebhookLog) error
	List(ctx context.Context, url string, limit int64) ([]WebhookLog, error)
}

type WebhookLogRepositoryImpl struct {
	collection *mongo.Collection
}

func NewWebhookLogRepository(db *database.MongodbDB) WebhookLogRepository {
	if !db.Enabled() {
		return NewMemoryWebhookLogRepository()
	}
	return &WebhookLogRepositoryImpl{
		collection: db.DB.Collection("webhook_logs"),
	}
}

func (r *WebhookLogRepositoryImpl) Create(ctx context.Context, log *WebhookLog) error {
	if log.ID.IsZero() {
		log.ID = primitive.NewObjectID()
	}
	_, err := r.collection.InsertOne(ctx, log)
	return err
}

func (r *WebhookLogRepositoryImpl) List(ctx context.Context, url string, limit int64) ([]WebhookLog, error) {
	filter := bson.M{}
	if url != "" {
		filter["url"] = url
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var logs []WebhookLog
	if err := cursor.All(ctx, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

type MemoryWebhookLogRepository struct {
	mu   sync.Mutex
	logs []WebhookLog
}

func NewMemoryWebhookLogRepository() *MemoryWebhookLogRepository {
	return &MemoryWebhookLogRepository{}
}

func (r *MemoryWebhookLogRepository) Create(_ context.Context, log *WebhookLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if log.ID.IsZero() {
		log.ID = primitive.NewObjectID()
	}
	r.logs = append(r.logs, *log)
	return nil
}

func (r *MemoryWebhookLogRepository) List(_ context.Context, url string, limit int64) ([]WebhookLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []WebhookLog
	for _, l := range r.logs {
		if url == "" || l.URL == url {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}
