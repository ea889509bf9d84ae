package lead

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go-crm-pipeline/internal/database"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type LeadRepository interface {
	Create(ctx context.Context, lead *Lead) error
	GetByID(ctx context.Context, id string) (*Lead, error)
	List(ctx context.Context, filter Filter) ([]Lead, error)
	SetStage(ctx context.Context, id, stageID string, enteredAt time.Time) error
	UpdateFields(ctx context.Context, id string, fields map[string]interface{}) error
}

type TaskRepository interface {
	Create(ctx context.Context, task *Task) error
	ListByLead(ctx context.Context, leadID string) ([]Task, error)
}

type NoteRepository interface {
	Create(ctx context.Context, note *Note) error
	ListByLead(ctx context.Context, leadID string) ([]Note, error)
}

type LeadRepositoryImpl struct {
	Collection *mongo.Collection
}

func NewLeadRepository(mongodb *database.MongodbDB) LeadRepository {
	if !mongodb.Enabled() {
		return NewMemoryLeadRepository()
	}
	return &LeadRepositoryImpl{
		Collection: mongodb.DB.Collection("leads"),
	}
}

func (r *LeadRepositoryImpl) Create(ctx context.Context, lead *Lead) error {
	if lead.ID == "" {
		lead.ID = primitive.NewObjectID().Hex()
	}
	now := time.Now()
	lead.CreatedAt = now
	lead.UpdatedAt = now
	if lead.StageEnteredAt.IsZero() {
		lead.StageEnteredAt = now
	}
	_, err := r.Collection.InsertOne(ctx, lead)
	return err
}

func (r *LeadRepositoryImpl) GetByID(ctx context.Context, id string) (*Lead, error) {
	var lead Lead
	err := r.Collection.FindOne(ctx, bson.M{"_id": id}).Decode(&lead)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrLeadNotFound
		}
		return nil, err
	}
	return &lead, nil
}

func (r *LeadRepositoryImpl) List(ctx context.Context, filter Filter) ([]Lead, error) {
	query := bson.M{}
	if filter.StageID != "" {
		query["stage_id"] = filter.StageID
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(filter.Limit)
	}

	cursor, err := r.Collection.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var leads []Lead
	if err = cursor.All(ctx, &leads); err != nil {
		return nil, err
	}
	return leads, nil
}

func (r *LeadRepositoryImpl) SetStage(ctx context.Context, id, stageID string, enteredAt time.Time) error {
	res, err := r.Collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"stage_id":         stageID,
		"stage_entered_at": enteredAt,
		"updated_at":       time.Now(),
	}})
	if err != nil {
		return fmt.Errorf("set stage: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrLeadNotFound
	}
	return nil
}

func (r *LeadRepositoryImpl) UpdateFields(ctx context.Context, id string, fields map[string]interface{}) error {
	set := bson.M{"updated_at": time.Now()}
	for k, v := range fields {
		set["fields."+k] = v
	}
	res, err := r.Collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("update fields: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrLeadNotFound
	}
	return nil
}

type TaskRepositoryImpl struct {
	Collection *mongo.Collection
}

func NewTaskRepository(mongodb *database.MongodbDB) TaskRepository {
	if !mongodb.Enabled() {
		return NewMemoryTaskRepository()
	}
	return &TaskRepositoryImpl{
		Collection: mongodb.DB.Collection("tasks"),
	}
}

func (r *TaskRepositoryImpl) Create(ctx context.Context, task *Task) error {
	task.ID = primitive.NewObjectID()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	_, err := r.Collection.InsertOne(ctx, task)
	return err
}

func (r *TaskRepositoryImpl) ListByLead(ctx context.Context, leadID string) ([]Task, error) {
	opts := options.Find().SetSort(bson.D{{Key: "due_date", Value: 1}})
	cursor, err := r.Collection.Find(ctx, bson.M{"lead_id": leadID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var tasks []Task
	if err = cursor.All(ctx, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

type NoteRepositoryImpl struct {
	Collection *mongo.Collection
}

func NewNoteRepository(mongodb *database.MongodbDB) NoteRepository {
	if !mongodb.Enabled() {
		return NewMemoryNoteRepository()
	}
	return &NoteRepositoryImpl{
		Collection: mongodb.DB.Collection("lead_notes"),
	}
}

func (r *NoteRepositoryImpl) Create(ctx context.Context, note *Note) error {
	note.ID = primitive.NewObjectID()
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now()
	}
	_, err := r.Collection.InsertOne(ctx, note)
	return err
}

func (r *NoteRepositoryImpl) ListByLead(ctx context.Context, leadID string) ([]Note, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cursor, err := r.Collection.Find(ctx, bson.M{"lead_id": leadID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var notes []Note
	if err = cursor.All(ctx, &notes); err != nil {
		return nil, err
	}
	return notes, nil
}
