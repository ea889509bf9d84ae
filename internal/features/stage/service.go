package stage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	common_models "go-crm-pipeline/internal/common/models"
	"go-crm-pipeline/internal/features/audit"
	"go-crm-pipeline/internal/features/lead"
	"go-crm-pipeline/pkg/utils"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TransitionListener is told about stage moves made through MoveLead.
type TransitionListener func(ctx context.Context, leadID, fromStageID, toStageID string, at time.Time)

type StageService interface {
	CreateStage(ctx context.Context, stage *Stage) error
	GetStage(ctx context.Context, id string) (*Stage, error)
	ListStages(ctx context.Context, includeInactive bool) ([]Stage, error)
	UpdateStage(ctx context.Context, id string, stage *Stage) error
	DeleteStage(ctx context.Context, id string) error
	Graph(ctx context.Context) (*Graph, error)

	ValidateTransition(ctx context.Context, leadID, fromStageID, toStageID string) (*ValidationResult, error)
	ValidateLead(ctx context.Context, l *lead.Lead, fromStageID, toStageID string) (*ValidationResult, error)
	// ApplyTransition writes the stage assignment and updates board metrics. It does not validate.
	ApplyTransition(ctx context.Context, leadID, fromStageID, toStageID string, at time.Time) error
	// MoveLead validates, applies and notifies listeners.
	MoveLead(ctx context.Context, leadID, toStageID string) (*ValidationResult, error)
	AddTransitionListener(l TransitionListener)
}

type StageServiceImpl struct {
	Repo         StageRepository
	Leads        lead.LeadRepository
	Validator    *Validator
	AuditService audit.AuditService
	Logger       *zap.Logger

	mu        sync.RWMutex
	listeners []TransitionListener
	now       func() time.Time
}

func NewStageService(repo StageRepository, leads lead.LeadRepository, validator *Validator, auditService audit.AuditService, logger *zap.Logger) StageService {
	return &StageServiceImpl{
		Repo:         repo,
		Leads:        leads,
		Validator:    validator,
		AuditService: auditService,
		Logger:       logger,
		now:          time.Now,
	}
}

func (s *StageServiceImpl) CreateStage(ctx context.Context, stage *Stage) error {
	if stage.ID == "" {
		stage.ID = utils.StageKey(stage.Name)
	}
	if err := validateStage(stage); err != nil {
		return err
	}
	normalizeRules(stage)

	now := s.now()
	stage.CreatedAt = now
	stage.UpdatedAt = now
	stage.Metrics = Metrics{}
	if err := s.Repo.Create(ctx, stage); err != nil {
		return err
	}

	_ = s.AuditService.LogChange(ctx, common_models.AuditActionCreate, "stages", stage.ID, map[string]common_models.Change{
		"name": {New: stage.Name},
	})
	return nil
}

func (s *StageServiceImpl) GetStage(ctx context.Context, id string) (*Stage, error) {
	return s.Repo.GetByID(ctx, id)
}

func (s *StageServiceImpl) ListStages(ctx context.Context, includeInactive bool) ([]Stage, error) {
	stages, err := s.Repo.List(ctx)
	if err != nil {
		return nil, err
	}
	if includeInactive {
		return stages, nil
	}
	active := stages[:0]
	for _, st := range stages {
		if st.Active {
			active = append(active, st)
		}
	}
	return active, nil
}

func (s *StageServiceImpl) UpdateStage(ctx context.Context, id string, stage *Stage) error {
	old, err := s.Repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	stage.ID = id
	if err := validateStage(stage); err != nil {
		return err
	}
	normalizeRules(stage)
	stage.UpdatedAt = s.now()
	if err := s.Repo.Update(ctx, stage); err != nil {
		return err
	}

	changes := map[string]common_models.Change{}
	if old.Name != stage.Name {
		changes["name"] = common_models.Change{Old: old.Name, New: stage.Name}
	}
	if old.Order != stage.Order {
		changes["order"] = common_models.Change{Old: old.Order, New: stage.Order}
	}
	if old.Active != stage.Active {
		changes["active"] = common_models.Change{Old: old.Active, New: stage.Active}
	}
	if len(old.Rules) != len(stage.Rules) {
		changes["rules"] = common_models.Change{Old: len(old.Rules), New: len(stage.Rules)}
	}
	_ = s.AuditService.LogChange(ctx, common_models.AuditActionUpdate, "stages", id, changes)
	return nil
}

func (s *StageServiceImpl) DeleteStage(ctx context.Context, id string) error {
	if err := s.Repo.Delete(ctx, id); err != nil {
		return err
	}
	_ = s.AuditService.LogChange(ctx, common_models.AuditActionDelete, "stages", id, nil)
	return nil
}

func (s *StageServiceImpl) Graph(ctx context.Context) (*Graph, error) {
	stages, err := s.Repo.List(ctx)
	if err != nil {
		return nil, err
	}
	return NewGraph(stages), nil
}

func (s *StageServiceImpl) ValidateTransition(ctx context.Context, leadID, fromStageID, toStageID string) (*ValidationResult, error) {
	return s.Validator.Validate(ctx, leadID, fromStageID, toStageID)
}

func (s *StageServiceImpl) ValidateLead(ctx context.Context, l *lead.Lead, fromStageID, toStageID string) (*ValidationResult, error) {
	return s.Validator.ValidateLead(ctx, l, fromStageID, toStageID)
}

func (s *StageServiceImpl) ApplyTransition(ctx context.Context, leadID, fromStageID, toStageID string, at time.Time) error {
	current, err := s.Leads.GetByID(ctx, leadID)
	if err != nil {
		return err
	}
	if fromStageID == "" {
		fromStageID = current.StageID
	}

	if err := s.Leads.SetStage(ctx, leadID, toStageID, at); err != nil {
		return fmt.Errorf("move lead %s to %s: %w", leadID, toStageID, err)
	}

	s.recordTransition(ctx, current, fromStageID, toStageID, at)

	_ = s.AuditService.LogChange(ctx, common_models.AuditActionStage, "leads", leadID, map[string]common_models.Change{
		"stage_id": {Old: fromStageID, New: toStageID},
	})
	return nil
}

// recordTransition keeps board metrics. Failures are logged; the move already happened.
func (s *StageServiceImpl) recordTransition(ctx context.Context, l *lead.Lead, from, to string, at time.Time) {
	if from == to {
		return
	}
	graph, err := s.Graph(ctx)
	if err != nil {
		s.Logger.Warn("Failed to load stage graph for metrics", zap.Error(err))
		return
	}

	var dwell time.Duration
	if !l.StageEnteredAt.IsZero() && at.After(l.StageEnteredAt) {
		dwell = at.Sub(l.StageEnteredAt)
	}
	if from != "" {
		if err := s.Repo.RecordExit(ctx, from, dwell, graph.IsForward(from, to)); err != nil {
			s.Logger.Warn("Failed to record stage exit", zap.String("stage_id", from), zap.Error(err))
		}
	}
	if err := s.Repo.RecordEntry(ctx, to); err != nil {
		s.Logger.Warn("Failed to record stage entry", zap.String("stage_id", to), zap.Error(err))
	}
}

func (s *StageServiceImpl) MoveLead(ctx context.Context, leadID, toStageID string) (*ValidationResult, error) {
	current, err := s.Leads.GetByID(ctx, leadID)
	if err != nil {
		return nil, err
	}
	from := current.StageID

	result, err := s.Validator.ValidateLead(ctx, current, from, toStageID)
	if err != nil {
		return nil, err
	}
	if !result.IsValid {
		return result, ErrTransitionInvalid
	}

	at := s.now()
	if err := s.ApplyTransition(ctx, leadID, from, toStageID, at); err != nil {
		return nil, err
	}

	s.Logger.Info("Lead moved",
		zap.String("lead_id", leadID),
		zap.String("from_stage_id", from),
		zap.String("to_stage_id", toStageID),
		zap.Strings("warnings", result.Warnings))

	s.mu.RLock()
	listeners := append([]TransitionListener(nil), s.listeners...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(ctx, leadID, from, toStageID, at)
	}
	return result, nil
}

func (s *StageServiceImpl) AddTransitionListener(l TransitionListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func validateStage(stage *Stage) error {
	var errs []error
	if strings.TrimSpace(stage.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if stage.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	for i, r := range stage.Rules {
		if !r.Type.IsValid() {
			errs = append(errs, fmt.Errorf("rules[%d]: unknown type %q", i, r.Type))
			continue
		}
		if r.Type == RuleRequiredField && r.Field == "" {
			errs = append(errs, fmt.Errorf("rules[%d]: required_field needs a field", i))
		}
		if r.Type == RuleMinTime && r.MinDays <= 0 {
			errs = append(errs, fmt.Errorf("rules[%d]: min_time needs minDays > 0", i))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidStage, errors.Join(errs...))
}

func normalizeRules(stage *Stage) {
	for i := range stage.Rules {
		if stage.Rules[i].ID == "" {
			stage.Rules[i].ID = uuid.NewString()
		}
	}
	if stage.Rules == nil {
		stage.Rules = []StageRule{}
	}
	if stage.Automations == nil {
		stage.Automations = []string{}
	}
}
