package lead

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MemoryLeadRepository keeps leads in process memory. Used with STORAGE_DRIVER=memory and in tests.
type MemoryLeadRepository struct {
	mu    sync.RWMutex
	leads map[string]*Lead
}

func NewMemoryLeadRepository() *MemoryLeadRepository {
	return &MemoryLeadRepository{leads: make(map[string]*Lead)}
}

func (r *MemoryLeadRepository) Create(_ context.Context, lead *Lead) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lead.ID == "" {
		lead.ID = primitive.NewObjectID().Hex()
	}
	now := time.Now()
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = now
	}
	lead.UpdatedAt = now
	if lead.StageEnteredAt.IsZero() {
		lead.StageEnteredAt = now
	}
	r.leads[lead.ID] = lead.Clone()
	return nil
}

func (r *MemoryLeadRepository) GetByID(_ context.Context, id string) (*Lead, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.leads[id]
	if !ok {
		return nil, ErrLeadNotFound
	}
	return l.Clone(), nil
}

func (r *MemoryLeadRepository) List(_ context.Context, filter Filter) ([]Lead, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Lead, 0, len(r.leads))
	for _, l := range r.leads {
		if filter.StageID != "" && l.StageID != filter.StageID {
			continue
		}
		out = append(out, *l.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && int64(len(out)) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *MemoryLeadRepository) SetStage(_ context.Context, id, stageID string, enteredAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.leads[id]
	if !ok {
		return ErrLeadNotFound
	}
	l.StageID = stageID
	l.StageEnteredAt = enteredAt
	l.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryLeadRepository) UpdateFields(_ context.Context, id string, fields map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.leads[id]
	if !ok {
		return ErrLeadNotFound
	}
	for k, v := range fields {
		l.SetField(k, v)
	}
	l.UpdatedAt = time.Now()
	return nil
}

type MemoryTaskRepository struct {
	mu    sync.RWMutex
	tasks []Task
}

func NewMemoryTaskRepository() *MemoryTaskRepository {
	return &MemoryTaskRepository{}
}

func (r *MemoryTaskRepository) Create(_ context.Context, task *Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	task.ID = primitive.NewObjectID()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	r.tasks = append(r.tasks, *task)
	return nil
}

func (r *MemoryTaskRepository) ListByLead(_ context.Context, leadID string) ([]Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Task
	for _, t := range r.tasks {
		if t.LeadID == leadID {
			out = append(out, t)
		}
	}
	return out, nil
}

type MemoryNoteRepository struct {
	mu    sync.RWMutex
	notes []Note
}

func NewMemoryNoteRepository() *MemoryNoteRepository {
	return &MemoryNoteRepository{}
}

func (r *MemoryNoteRepository) Create(_ context.Context, note *Note) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	note.ID = primitive.NewObjectID()
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now()
	}
	r.notes = append(r.notes, *note)
	return nil
}

func (r *MemoryNoteRepository) ListByLead(_ context.Context, leadID string) ([]Note, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Note
	for _, n := range r.notes {
		if n.LeadID == leadID {
			out = append(out, n)
		}
	}
	return out, nil
}
