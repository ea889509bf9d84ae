package messaging

import (
	"context"
	"sync"
	"time"

	"go-crm-pipeline/internal/database"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

type DeliveryRepository interface {
	Create(ctx context.Context, d *Delivery) error
	UpdateStatus(ctx context.Context, id primitive.ObjectID, status DeliveryStatus, providerID, errMsg string) error
}

type DeliveryRepositoryImpl struct {
	Collection *mongo.Collection
}

func NewDeliveryRepository(mongodb *database.MongodbDB) DeliveryRepository {
	if !mongodb.Enabled() {
		return NewMemoryDeliveryRepository()
	}
	return &DeliveryRepositoryImpl{
		Collection: mongodb.DB.Collection("message_deliveries"),
	}
}

func (r *DeliveryRepositoryImpl) Create(ctx context.Context, d *Delivery) error {
	if d.ID.IsZero() {
		d.ID = primitive.NewObjectID()
	}
	now := time.Now()
	d.CreatedAt = now
	d.UpdatedAt = now
	_, err := r.Collection.InsertOne(ctx, d)
	return err
}

func (r *DeliveryRepositoryImpl) UpdateStatus(ctx context.Context, id primitive.ObjectID, status DeliveryStatus, providerID, errMsg string) error {
	_, err := r.Collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"status":      status,
		"provider_id": providerID,
		"error":       errMsg,
		"updated_at":  time.Now(),
	}})
	return err
}

type MemoryDeliveryRepository struct {
	mu         sync.Mutex
	deliveries map[primitive.ObjectID]*Delivery
}

func NewMemoryDeliveryRepository() *MemoryDeliveryRepository {
	return &MemoryDeliveryRepository{deliveries: make(map[primitive.ObjectID]*Delivery)}
}

func (r *MemoryDeliveryRepository) Create(_ context.Context, d *Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.ID.IsZero() {
		d.ID = primitive.NewObjectID()
	}
	d.CreatedAt = time.Now()
	d.UpdatedAt = d.CreatedAt
	cp := *d
	r.deliveries[d.ID] = &cp
	return nil
}

func (r *MemoryDeliveryRepository) UpdateStatus(_ context.Context, id primitive.ObjectID, status DeliveryStatus, providerID, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.deliveries[id]; ok {
		d.Status = status
		d.ProviderID = providerID
		d.Error = errMsg
		d.UpdatedAt = time.Now()
	}
	return nil
}

// Get returns a copy of a stored delivery.
func (r *MemoryDeliveryRepository) Get(id primitive.ObjectID) (Delivery, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deliveries[id]
	if !ok {
		return Delivery{}, false
	}
	return *d, true
}
