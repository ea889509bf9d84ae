package automation

import (
	"context"
	"sync"
	"time"

	"go-crm-pipeline/internal/database"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// RateLimiter hands out slots from a sliding log. Acquire checks and records in one step.
// A zero window never expires entries.
type RateLimiter interface {
	Acquire(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

func NewRateLimiter(mongodb *database.MongodbDB) RateLimiter {
	if !mongodb.Enabled() {
		return NewMemoryRateLimiter()
	}
	return &MongoRateLimiter{Collection: mongodb.DB.Collection("automation_rate_limits")}
}

type hit struct {
	token string
	at    time.Time
}

type MemoryRateLimiter struct {
	mu   sync.Mutex
	logs map[string][]hit
}

func NewMemoryRateLimiter() *MemoryRateLimiter {
	return &MemoryRateLimiter{logs: make(map[string][]hit)}
}

func (l *MemoryRateLimiter) Acquire(_ context.Context, key string, limit int, window time.Duration, now time.Time) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	hits := l.logs[key]
	if window > 0 {
		since := now.Add(-window)
		kept := hits[:0]
		for _, h := range hits {
			if h.at.After(since) {
				kept = append(kept, h)
			}
		}
		hits = kept
	}
	if len(hits) >= limit {
		l.logs[key] = hits
		return "", false, nil
	}
	token := uuid.NewString()
	l.logs[key] = append(hits, hit{token: token, at: now})
	return token, true, nil
}

func (l *MemoryRateLimiter) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	hits := l.logs[key]
	for i, h := range hits {
		if h.token == token {
			l.logs[key] = append(hits[:i], hits[i+1:]...)
			break
		}
	}
	return nil
}

// MongoRateLimiter keeps one document per key. The acquire update only matches while the
// live hit count is under the limit, so concurrent instances cannot both take the last slot.
type MongoRateLimiter struct {
	Collection *mongo.Collection
}

func (l *MongoRateLimiter) Acquire(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (string, bool, error) {
	since := time.Time{}
	if window > 0 {
		since = now.Add(-window)
	}
	live := bson.M{"$filter": bson.M{
		"input": bson.M{"$ifNull": bson.A{"$hits", bson.A{}}},
		"cond":  bson.M{"$gt": bson.A{"$$this.at", since}},
	}}
	token := uuid.NewString()

	filter := bson.M{
		"_id":   key,
		"$expr": bson.M{"$lt": bson.A{bson.M{"$size": live}, limit}},
	}
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"hits": bson.M{"$concatArrays": bson.A{live, bson.A{bson.M{"token": token, "at": now}}}},
		}}},
	}
	_, err := l.Collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		// The key exists but the filter did not match: the log is full.
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return token, true, nil
}

func (l *MongoRateLimiter) Release(ctx context.Context, key, token string) error {
	_, err := l.Collection.UpdateOne(ctx, bson.M{"_id": key}, bson.M{"$pull": bson.M{"hits": bson.M{"token": token}}})
	return err
}
