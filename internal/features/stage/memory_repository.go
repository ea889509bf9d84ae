package stage

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemoryStageRepository struct {
	mu     sync.RWMutex
	stages map[string]*Stage
}

func NewMemoryStageRepository() *MemoryStageRepository {
	return &MemoryStageRepository{stages: make(map[string]*Stage)}
}

func cloneStage(s *Stage) *Stage {
	c := *s
	c.Rules = append([]StageRule(nil), s.Rules...)
	c.Automations = append([]string(nil), s.Automations...)
	c.Metrics.Compute()
	return &c
}

func (r *MemoryStageRepository) Create(_ context.Context, stage *Stage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stages[stage.ID]; ok {
		return ErrStageExists
	}
	r.stages[stage.ID] = cloneStage(stage)
	return nil
}

func (r *MemoryStageRepository) GetByID(_ context.Context, id string) (*Stage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stages[id]
	if !ok {
		return nil, ErrStageNotFound
	}
	return cloneStage(s), nil
}

func (r *MemoryStageRepository) List(_ context.Context) ([]Stage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Stage, 0, len(r.stages))
	for _, s := range r.stages {
		out = append(out, *cloneStage(s))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *MemoryStageRepository) Update(_ context.Context, stage *Stage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.stages[stage.ID]
	if !ok {
		return ErrStageNotFound
	}
	updated := cloneStage(stage)
	updated.Metrics = existing.Metrics
	updated.CreatedAt = existing.CreatedAt
	r.stages[stage.ID] = updated
	return nil
}

func (r *MemoryStageRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stages[id]; !ok {
		return ErrStageNotFound
	}
	delete(r.stages, id)
	return nil
}

func (r *MemoryStageRepository) RecordEntry(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stages[id]; ok {
		s.Metrics.Entered++
		s.Metrics.Current++
	}
	return nil
}

func (r *MemoryStageRepository) RecordExit(_ context.Context, id string, dwell time.Duration, advanced bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stages[id]; ok {
		s.Metrics.Exited++
		s.Metrics.Current--
		s.Metrics.TotalDwellSeconds += dwell.Seconds()
		if advanced {
			s.Metrics.Advanced++
		}
	}
	return nil
}
