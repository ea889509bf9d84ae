package approval

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

type ApprovalRepository interface {
	Create(ctx context.Context, approval *Approval) error
	GetByID(ctx context.Context, id string) (*Approval, error)
	Find(ctx context.Context, q Query) ([]Approval, error)
	Decide(ctx context.Context, id string, status Status, actorID, comment string, at time.Time) error
}

type ApprovalRepositoryImpl struct {
	Collection *mongo.Collection
}

func NewApprovalRepository(mongodb *database.MongodbDB) ApprovalRepository {
	if !mongodb.Enabled() {
		return NewMemoryApprovalRepository()
	}
	return &ApprovalRepositoryImpl{
		Collection: mongodb.DB.Collection("approvals"),
	}
}

func (r *ApprovalRepositoryImpl) Create(ctx context.Context, approval *Approval) error {
	if approval.ID.IsZero() {
		approval.ID = primitive.NewObjectID()
	}
	_, err := r.Collection.InsertOne(ctx, approval)
	return err
}

func (r *ApprovalRepositoryImpl) GetByID(ctx context.Context, id string) (*Approval, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrApprovalNotFound
	}
	var approval Approval
	err = r.Collection.FindOne(ctx, bson.M{"_id": oid}).Decode(&approval)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrApprovalNotFound
		}
		return nil, err
	}
	return &approval, nil
}

func (r *ApprovalRepositoryImpl) Find(ctx context.Context, q Query) ([]Approval, error) {
	filter := bson.M{}
	if q.Kind != "" {
		filter["kind"] = q.Kind
	}
	if q.RuleID != "" {
		filter["rule_id"] = q.RuleID
	}
	if q.LeadID != "" {
		filter["lead_id"] = q.LeadID
	}
	if q.StageID != "" {
		filter["stage_id"] = q.StageID
	}
	if q.Status != "" {
		filter["status"] = q.Status
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cursor, err := r.Collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var approvals []Approval
	if err = cursor.All(ctx, &approvals); err != nil {
		return nil, err
	}
	return approvals, nil
}

// Decide only moves pending approvals, so two reviewers cannot both decide.
func (r *ApprovalRepositoryImpl) Decide(ctx context.Context, id string, status Status, actorID, comment string, at time.Time) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return ErrApprovalNotFound
	}
	res, err := r.Collection.UpdateOne(ctx,
		bson.M{"_id": oid, "status": StatusPending},
		bson.M{"$set": bson.M{
			"status":     status,
			"decided_by": actorID,
			"comment":    comment,
			"decided_at": at,
		}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyDecided
	}
	return nil
}

type MemoryApprovalRepository struct {
	mu        sync.Mutex
	approvals map[primitive.ObjectID]*Approval
}

func NewMemoryApprovalRepository() *MemoryApprovalRepository {
	return &MemoryApprovalRepository{approvals: make(map[primitive.ObjectID]*Approval)}
}

func (r *MemoryApprovalRepository) Create(_ context.Context, approval *Approval) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if approval.ID.IsZero() {
		approval.ID = primitive.NewObjectID()
	}
	cp := *approval
	r.approvals[approval.ID] = &cp
	return nil
}

func (r *MemoryApprovalRepository) GetByID(_ context.Context, id string) (*Approval, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrApprovalNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.approvals[oid]
	if !ok {
		return nil, ErrApprovalNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *MemoryApprovalRepository) Find(_ context.Context, q Query) ([]Approval, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Approval
	for _, a := range r.approvals {
		if q.Kind != "" && a.Kind != q.Kind {
			continue
		}
		if q.RuleID != "" && a.RuleID != q.RuleID {
			continue
		}
		if q.LeadID != "" && a.LeadID != q.LeadID {
			continue
		}
		if q.StageID != "" && a.StageID != q.StageID {
			continue
		}
		if q.Status != "" && a.Status != q.Status {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryApprovalRepository) Decide(_ context.Context, id string, status Status, actorID, comment string, at time.Time) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return ErrApprovalNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.approvals[oid]
	if !ok {
		return ErrApprovalNotFound
	}
	if a.Status != StatusPending {
		return ErrAlreadyDecided
	}
	a.Status = status
	a.DecidedBy = actorID
	a.Comment = comment
	a.DecidedAt = &at
	return nil
}
