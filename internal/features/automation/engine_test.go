package automation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go-crm-pipeline/internal/config"
	"go-crm-pipeline/internal/features/audit"
	"go-crm-pipeline/internal/features/lead"
	"go-crm-pipeline/internal/features/messaging"
	"go-crm-pipeline/internal/features/stage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeEmail struct {
	mu       sync.Mutex
	failures int
	calls    int
	sent     [][]string
	onSend   func()
}

func (f *fakeEmail) SendEmail(_ context.Context, to []string, subject, body string, _ []messaging.Attachment) (string, error) {
	if f.onSend != nil {
		f.onSend()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return "", errors.New("smtp: connection refused")
	}
	f.sent = append(f.sent, to)
	return "msg", nil
}

func (f *fakeEmail) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	clock     *fakeClock
	rules     *MemoryAutomationRepository
	execs     *MemoryExecutionRepository
	leads     *lead.MemoryLeadRepository
	tasks     *lead.MemoryTaskRepository
	notes     *lead.MemoryNoteRepository
	stages    stage.StageService
	conts     *MemoryContinuationStore
	delayed   *MemoryDelayedTriggerStore
	email     *fakeEmail
	hub       *ExecutionHub
	engine    *Engine
	service   *AutomationServiceImpl
	startedAt time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	logger := zap.NewNop()
	// Tuesday mid-morning
	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	h := &harness{
		clock:     &fakeClock{t: start},
		rules:     NewMemoryAutomationRepository(),
		execs:     NewMemoryExecutionRepository(),
		leads:     lead.NewMemoryLeadRepository(),
		tasks:     lead.NewMemoryTaskRepository(),
		notes:     lead.NewMemoryNoteRepository(),
		conts:     NewMemoryContinuationStore(),
		delayed:   NewMemoryDelayedTriggerStore(),
		email:     &fakeEmail{},
		hub:       NewExecutionHub(),
		startedAt: start,
	}

	auditService := audit.NewAuditService(audit.NewMemoryAuditRepository(), logger)
	stageRepo := stage.NewMemoryStageRepository()
	h.stages = stage.NewStageService(stageRepo, h.leads, stage.NewValidator(stageRepo, h.leads, nil), auditService, logger)
	for _, s := range stage.DefaultStages() {
		s := s
		require.NoError(t, h.stages.CreateStage(ctx, &s))
	}

	functions := NewFunctionRegistry()
	executor := NewActionExecutor(h.email, nil, nil, nil, h.stages, h.leads, h.tasks, h.notes, functions, logger)
	h.engine = NewEngine(
		h.rules, h.execs, h.leads, stageRepo,
		NewConditionEvaluator(functions), executor,
		NewGate(NewMemoryRateLimiter(), nil, "UTC"),
		h.conts, nil, h.hub, logger,
	).WithClock(h.clock.Now)

	cfg := &config.Config{MaxChainDepth: 1, SchedulerConcurrency: 4}
	h.service = NewAutomationService(
		h.rules, h.execs, h.engine, NewTriggerMatcher(h.rules, stageRepo),
		h.delayed, h.conts, h.stages, h.leads, functions, auditService, cfg, logger,
	).(*AutomationServiceImpl).WithClock(h.clock.Now)

	require.NoError(t, h.leads.Create(ctx, &lead.Lead{
		ID:             "lead-1",
		Name:           "Ana Torres",
		StageID:        "propuesta",
		StageEnteredAt: start.Add(-48 * time.Hour),
		AssignedTo:     "user-7",
		Fields: map[string]interface{}{
			"email":       "ana@example.com",
			"telefono":    "600111222",
			"presupuesto": 15000.0,
		},
	}))
	return h
}

func (h *harness) addRule(t *testing.T, rule AutomationRule) *AutomationRule {
	t.Helper()
	rule.Active = true
	if rule.Trigger.Type == "" {
		rule.Trigger.Type = TriggerManual
	}
	if rule.Name == "" {
		rule.Name = "rule"
	}
	require.NoError(t, h.service.CreateRule(context.Background(), &rule))
	return &rule
}

// run prepares and executes synchronously.
func (h *harness) run(t *testing.T, rule *AutomationRule, leadID string) *Execution {
	t.Helper()
	ctx := context.Background()
	exec, runnable, err := h.engine.Prepare(ctx, rule, Event{ID: "ev", Type: TriggerManual, LeadID: leadID})
	require.NoError(t, err)
	if runnable {
		h.engine.Execute(ctx, rule, exec)
	}
	return h.reload(t, exec.ID.Hex())
}

func (h *harness) reload(t *testing.T, id string) *Execution {
	t.Helper()
	exec, err := h.execs.GetByID(context.Background(), id)
	require.NoError(t, err)
	return exec
}

func emailAction(retries int) Action {
	return Action{Type: ActionSendEmail, RetryCount: retries, Config: map[string]interface{}{"subject": "Propuesta para {{name}}"}}
}

func noteAction(content string) Action {
	return Action{Type: ActionCreateNote, Config: map[string]interface{}{"content": content}}
}

func TestEngine_Retries(t *testing.T) {
	tests := []struct {
		name       string
		failures   int
		wantStatus ExecutionStatus
	}{
		{"recovers on last attempt", 2, ExecutionCompleted},
		{"exhausts retries", 5, ExecutionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.email.failures = tt.failures
			rule := h.addRule(t, AutomationRule{Actions: []Action{emailAction(2)}})

			exec := h.run(t, rule, "lead-1")

			assert.Equal(t, tt.wantStatus, exec.Status)
			assert.Equal(t, 3, h.email.Calls(), "retryCount=2 allows three attempts")
			assert.Equal(t, 3, exec.Results[0].Attempts)
			if tt.wantStatus == ExecutionFailed {
				assert.Equal(t, ActionFailed, exec.Results[0].Status)
				assert.Equal(t, "transient", exec.Results[0].ErrorKind)
				assert.Contains(t, exec.Error, "send_email")
			}

			stored, err := h.rules.GetByID(context.Background(), rule.ID.Hex())
			require.NoError(t, err)
			assert.Equal(t, int64(1), stored.ExecutionCount)
		})
	}
}

func TestEngine_ContinueOnError(t *testing.T) {
	tests := []struct {
		name            string
		continueOnError bool
		stopOnError     bool
		wantStatus      ExecutionStatus
		wantSecond      ActionStatus
		wantNotes       int
	}{
		{"stops by default", false, false, ExecutionFailed, ActionSkipped, 0},
		{"continues past the failure", true, false, ExecutionCompleted, ActionCompleted, 1},
		{"stopOnError wins", true, true, ExecutionFailed, ActionSkipped, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.email.failures = 100
			failing := emailAction(0)
			failing.ContinueOnError = tt.continueOnError
			rule := h.addRule(t, AutomationRule{
				Actions:  []Action{failing, noteAction("Seguimiento manual")},
				Settings: Settings{StopOnError: tt.stopOnError},
			})

			exec := h.run(t, rule, "lead-1")

			assert.Equal(t, tt.wantStatus, exec.Status)
			assert.Equal(t, ActionFailed, exec.Results[0].Status)
			assert.Equal(t, tt.wantSecond, exec.Results[1].Status)
			notes, err := h.notes.ListByLead(context.Background(), "lead-1")
			require.NoError(t, err)
			assert.Len(t, notes, tt.wantNotes)
		})
	}
}

func TestEngine_ConditionsGateActions(t *testing.T) {
	h := newHarness(t)
	rule := h.addRule(t, AutomationRule{
		Conditions: []Condition{{Field: "presupuesto", Operator: OperatorGreaterThan, Value: Static(50000)}},
		Actions:    []Action{noteAction("VIP")},
		Settings:   Settings{MaxExecutionsPerLead: 1},
	})

	exec := h.run(t, rule, "lead-1")
	assert.Equal(t, ExecutionCompleted, exec.Status)
	assert.Equal(t, ActionSkipped, exec.Results[0].Status)

	// a no-op gives its cap slot back
	require.NoError(t, h.leads.UpdateFields(context.Background(), "lead-1", map[string]interface{}{"presupuesto": 90000.0}))
	exec = h.run(t, rule, "lead-1")
	assert.Equal(t, ExecutionCompleted, exec.Status)
	assert.Equal(t, ActionCompleted, exec.Results[0].Status)

	exec = h.run(t, rule, "lead-1")
	assert.Equal(t, ExecutionCancelled, exec.Status)
	assert.Contains(t, exec.Error, "maxExecutionsPerLead")
}

func TestEngine_ExecuteIf(t *testing.T) {
	h := newHarness(t)
	skipped := noteAction("sin teléfono")
	skipped.ExecuteIf = []Condition{{Field: "telefono", Operator: OperatorNotExists}}
	rule := h.addRule(t, AutomationRule{Actions: []Action{skipped, noteAction("siempre")}})

	exec := h.run(t, rule, "lead-1")

	assert.Equal(t, ExecutionCompleted, exec.Status)
	assert.Equal(t, ActionSkipped, exec.Results[0].Status)
	assert.Equal(t, ActionCompleted, exec.Results[1].Status)
}

func TestEngine_WaitSuspendsAndResumes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rule := h.addRule(t, AutomationRule{Actions: []Action{
		noteAction("primero"),
		{Type: ActionWait, Config: map[string]interface{}{"minutes": 30}},
		noteAction("segundo"),
	}})

	exec := h.run(t, rule, "lead-1")
	assert.False(t, exec.Status.IsTerminal())
	assert.Equal(t, 2, exec.NextAction)
	assert.Equal(t, 1, h.conts.Len())

	due, err := h.conts.ClaimDue(ctx, h.clock.Now(), time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, due, "not due before the wait elapses")

	h.clock.Advance(31 * time.Minute)
	due, err = h.conts.ClaimDue(ctx, h.clock.Now(), time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.NoError(t, h.service.ResumeContinuation(ctx, due[0]))

	exec = h.reload(t, exec.ID.Hex())
	assert.Equal(t, ExecutionCompleted, exec.Status)
	assert.Equal(t, 0, h.conts.Len())
	notes, _ := h.notes.ListByLead(ctx, "lead-1")
	assert.Len(t, notes, 2)
}

func TestEngine_DelayedRetryIsDurable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.email.failures = 1
	action := emailAction(1)
	action.RetryDelayMinutes = 5
	rule := h.addRule(t, AutomationRule{Actions: []Action{action}})

	exec := h.run(t, rule, "lead-1")
	assert.Equal(t, ExecutionRunning, exec.Status)
	assert.Equal(t, ActionPending, exec.Results[0].Status)
	assert.Equal(t, 1, h.email.Calls())

	h.clock.Advance(5 * time.Minute)
	due, err := h.conts.ClaimDue(ctx, h.clock.Now(), time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, ContinuationRetry, due[0].Reason)
	require.NoError(t, h.service.ResumeContinuation(ctx, due[0]))

	exec = h.reload(t, exec.ID.Hex())
	assert.Equal(t, ExecutionCompleted, exec.Status)
	assert.Equal(t, 2, exec.Results[0].Attempts)
}

func TestEngine_ContinuationHeldUntilResumeFinishes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rule := h.addRule(t, AutomationRule{Actions: []Action{
		{Type: ActionWait, Config: map[string]interface{}{"minutes": 30}},
		emailAction(0),
		noteAction("después del correo"),
	}})
	exec := h.run(t, rule, "lead-1")
	require.Equal(t, 1, h.conts.Len())

	var queuedDuringRun int
	var cancelErr error
	h.email.onSend = func() {
		queuedDuringRun = h.conts.Len()
		cancelErr = h.service.CancelExecution(ctx, exec.ID.Hex(), "cliente respondió")
	}

	h.clock.Advance(31 * time.Minute)
	due, err := h.conts.ClaimDue(ctx, h.clock.Now(), time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.NoError(t, h.service.ResumeContinuation(ctx, due[0]))

	assert.Equal(t, 1, queuedDuringRun, "continuation stays queued while the resumed run is in flight")
	require.NoError(t, cancelErr)
	assert.Equal(t, 0, h.conts.Len())

	// the in-flight run was not closed underneath; it stopped at the next action
	exec = h.reload(t, exec.ID.Hex())
	assert.Equal(t, ExecutionCancelled, exec.Status)
	assert.Equal(t, ActionCompleted, exec.Results[1].Status)
	notes, _ := h.notes.ListByLead(ctx, "lead-1")
	assert.Empty(t, notes)
}

func TestEngine_InterruptedResumeIsClaimedAgain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rule := h.addRule(t, AutomationRule{Actions: []Action{
		{Type: ActionWait, Config: map[string]interface{}{"minutes": 30}},
		noteAction("tras la espera"),
	}})
	exec := h.run(t, rule, "lead-1")

	h.clock.Advance(31 * time.Minute)
	due, err := h.conts.ClaimDue(ctx, h.clock.Now(), 5*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	// the claiming process dies before resuming; nothing is due while the lease holds
	again, err := h.conts.ClaimDue(ctx, h.clock.Now().Add(time.Minute), 5*time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	h.clock.Advance(6 * time.Minute)
	again, err = h.conts.ClaimDue(ctx, h.clock.Now(), 5*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, again, 1)
	require.NoError(t, h.service.ResumeContinuation(ctx, again[0]))

	assert.Equal(t, ExecutionCompleted, h.reload(t, exec.ID.Hex()).Status)
	assert.Equal(t, 0, h.conts.Len())
}

func TestService_CancelExecution(t *testing.T) {
	ctx := context.Background()

	t.Run("suspended execution closes at once", func(t *testing.T) {
		h := newHarness(t)
		rule := h.addRule(t, AutomationRule{Actions: []Action{
			{Type: ActionWait, Config: map[string]interface{}{"hours": 1}},
			noteAction("nunca"),
		}})
		exec := h.run(t, rule, "lead-1")
		require.Equal(t, 1, h.conts.Len())

		require.NoError(t, h.service.CancelExecution(ctx, exec.ID.Hex(), "cliente respondió"))

		exec = h.reload(t, exec.ID.Hex())
		assert.Equal(t, ExecutionCancelled, exec.Status)
		assert.Equal(t, "cliente respondió", exec.Error)
		assert.Equal(t, 0, h.conts.Len())

		err := h.service.CancelExecution(ctx, exec.ID.Hex(), "")
		assert.ErrorIs(t, err, ErrExecutionFinished)
	})

	t.Run("pending execution stops before its first action", func(t *testing.T) {
		h := newHarness(t)
		rule := h.addRule(t, AutomationRule{Actions: []Action{noteAction("nunca")}})
		exec, runnable, err := h.engine.Prepare(ctx, rule, Event{Type: TriggerManual, LeadID: "lead-1"})
		require.NoError(t, err)
		require.True(t, runnable)

		require.NoError(t, h.service.CancelExecution(ctx, exec.ID.Hex(), "manual"))
		h.engine.Execute(ctx, rule, exec)

		exec = h.reload(t, exec.ID.Hex())
		assert.Equal(t, ExecutionCancelled, exec.Status)
		notes, _ := h.notes.ListByLead(ctx, "lead-1")
		assert.Empty(t, notes)

		stored, _ := h.rules.GetByID(ctx, rule.ID.Hex())
		assert.Equal(t, int64(0), stored.ExecutionCount, "cancellations do not count")
	})

	t.Run("unknown execution", func(t *testing.T) {
		h := newHarness(t)
		err := h.service.CancelExecution(ctx, "000000000000000000000000", "")
		assert.ErrorIs(t, err, ErrExecutionNotFound)
	})
}

func TestEngine_ConcurrentHourlyCap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rule := h.addRule(t, AutomationRule{
		Actions:  []Action{noteAction("hola")},
		Settings: Settings{MaxExecutionsPerHour: 3},
	})

	var runnable atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := h.engine.Prepare(ctx, rule, Event{Type: TriggerManual, LeadID: "lead-1"})
			if err == nil && ok {
				runnable.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), runnable.Load())
	cancelled, err := h.execs.List(ctx, ExecutionFilter{RuleID: rule.ID.Hex(), Status: ExecutionCancelled})
	require.NoError(t, err)
	assert.Len(t, cancelled, 17)
}

func TestEngine_MoveStageDenied(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rule := h.addRule(t, AutomationRule{Actions: []Action{{
		Type:       ActionMoveStage,
		RetryCount: 3,
		Config:     map[string]interface{}{"targetStageId": "cierre_perdido"},
	}}})

	exec := h.run(t, rule, "lead-1")

	assert.Equal(t, ExecutionFailed, exec.Status)
	assert.Equal(t, "transition_denied", exec.Results[0].ErrorKind)
	assert.Equal(t, 1, exec.Results[0].Attempts, "denied transitions are not retried")
	assert.Contains(t, exec.Error, "razon_perdida")

	l, err := h.leads.GetByID(ctx, "lead-1")
	require.NoError(t, err)
	assert.Equal(t, "propuesta", l.StageID)
}

func TestEngine_MoveStageChainsOneLevel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.leads.UpdateFields(ctx, "lead-1", map[string]interface{}{"razon_perdida": "precio"}))

	h.addRule(t, AutomationRule{Name: "cerrar", Actions: []Action{{
		Type:   ActionMoveStage,
		Config: map[string]interface{}{"targetStageId": "cierre_perdido"},
	}}})
	h.addRule(t, AutomationRule{
		Name:    "al perder",
		Trigger: Trigger{Type: TriggerStageChange, ToStageID: "cierre_perdido"},
		Actions: []Action{{Type: ActionUpdateField, Config: map[string]interface{}{"field": "archivado", "value": true}}},
	})
	h.addRule(t, AutomationRule{
		Name:    "demasiado profundo",
		Trigger: Trigger{Type: TriggerFieldUpdate, Field: "archivado"},
		Actions: []Action{noteAction("no debería ejecutarse")},
	})

	closer, err := h.rules.List(ctx)
	require.NoError(t, err)
	var first *AutomationRule
	for i := range closer {
		if closer[i].Name == "cerrar" {
			first = &closer[i]
		}
	}
	require.NotNil(t, first)

	exec := h.run(t, first, "lead-1")
	h.service.Wait()

	assert.Equal(t, ExecutionCompleted, exec.Status)
	l, _ := h.leads.GetByID(ctx, "lead-1")
	assert.Equal(t, "cierre_perdido", l.StageID)
	assert.Equal(t, true, l.Fields["archivado"], "depth 1 chain runs")
	notes, _ := h.notes.ListByLead(ctx, "lead-1")
	assert.Empty(t, notes, "depth 2 chain is dropped")
}

func TestEngine_StoredFunctionResultChainsFieldUpdate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addRule(t, AutomationRule{
		Name:    "al calcular",
		Trigger: Trigger{Type: TriggerFieldUpdate, Field: "dias_en_etapa"},
		Actions: []Action{noteAction("Días en etapa actualizados")},
	})
	rule := h.addRule(t, AutomationRule{Name: "calcular", Actions: []Action{{
		Type:   ActionCustomFunction,
		Config: map[string]interface{}{"function": "days_in_stage", "storeAs": "dias_en_etapa"},
	}}})

	exec := h.run(t, rule, "lead-1")
	h.service.Wait()

	assert.Equal(t, ExecutionCompleted, exec.Status)
	l, _ := h.leads.GetByID(ctx, "lead-1")
	assert.InDelta(t, 2.0, l.Fields["dias_en_etapa"], 1e-9)
	notes, err := h.notes.ListByLead(ctx, "lead-1")
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "Días en etapa actualizados", notes[0].Content)
}

func TestService_CreateTaskOnEnteringPropuesta(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addRule(t, AutomationRule{
		Name:    "preparar propuesta",
		Trigger: Trigger{Type: TriggerStageChange, ToStageID: "propuesta"},
		Actions: []Action{{
			Type:   ActionCreateTask,
			Config: map[string]interface{}{"title": "Enviar propuesta a {{name}}", "dueInDays": 3},
		}},
	})

	execs, err := h.service.HandleEvent(ctx, Event{
		Type:        TriggerStageChange,
		LeadID:      "lead-1",
		FromStageID: "calificado",
		ToStageID:   "propuesta",
	})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	h.service.Wait()

	tasks, err := h.tasks.ListByLead(ctx, "lead-1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Enviar propuesta a Ana Torres", tasks[0].Title)
	assert.Equal(t, h.startedAt.Add(72*time.Hour), tasks[0].DueDate)
	assert.Equal(t, "user-7", tasks[0].AssignedTo)

	exec := h.reload(t, execs[0].ID.Hex())
	assert.Equal(t, ExecutionCompleted, exec.Status)
}

func TestService_MoveLeadFiresStageAutomations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.leads.Create(ctx, &lead.Lead{
		ID:             "lead-2",
		Name:           "Luis",
		StageID:        "lead_nuevo",
		StageEnteredAt: h.startedAt.Add(-time.Hour),
		Fields:         map[string]interface{}{"telefono": "600"},
	}))
	h.addRule(t, AutomationRule{
		Trigger: Trigger{Type: TriggerStageChange, FromStageID: "lead_nuevo", ToStageID: "contactado"},
		Actions: []Action{noteAction("Primer contacto")},
	})

	result, err := h.stages.MoveLead(ctx, "lead-2", "contactado")
	require.NoError(t, err)
	require.True(t, result.IsValid)
	h.service.Wait()

	notes, err := h.notes.ListByLead(ctx, "lead-2")
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "Primer contacto", notes[0].Content)
}

func TestService_DelayedTrigger(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rule := h.addRule(t, AutomationRule{
		Trigger: Trigger{Type: TriggerTimeBased, Schedule: &Schedule{Type: ScheduleDelay, DelayDays: 2}},
		Actions: []Action{noteAction("Dos días desde el alta")},
	})

	ev := Event{ID: "created-1", Type: TriggerLeadCreated, LeadID: "lead-1"}
	_, err := h.service.HandleEvent(ctx, ev)
	require.NoError(t, err)
	_, err = h.service.HandleEvent(ctx, ev)
	require.NoError(t, err)

	pending, err := h.delayed.Pending(ctx, rule.ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending, "one delayed trigger per event")

	due, _ := h.delayed.ClaimDue(ctx, h.clock.Now().Add(47*time.Hour), time.Minute, 10)
	assert.Empty(t, due)

	h.clock.Advance(48 * time.Hour)
	due, err = h.delayed.ClaimDue(ctx, h.clock.Now(), time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	exec, err := h.service.FireDelayed(ctx, due[0])
	require.NoError(t, err)
	require.NotNil(t, exec)
	assert.Equal(t, ExecutionCompleted, h.reload(t, exec.ID.Hex()).Status)

	pending, _ = h.delayed.Pending(ctx, rule.ID.Hex())
	assert.Equal(t, int64(0), pending)
}

func TestService_DeactivateCancelsPendingWork(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rule := h.addRule(t, AutomationRule{Actions: []Action{
		{Type: ActionWait, Config: map[string]interface{}{"days": 1}},
		noteAction("tarde"),
	}})
	exec := h.run(t, rule, "lead-1")
	require.Equal(t, 1, h.conts.Len())

	require.NoError(t, h.service.SetActive(ctx, rule.ID.Hex(), false))

	exec = h.reload(t, exec.ID.Hex())
	assert.Equal(t, ExecutionCancelled, exec.Status)
	assert.Equal(t, 0, h.conts.Len())

	_, err := h.service.FireManualTrigger(ctx, rule.ID.Hex(), "lead-1")
	assert.ErrorIs(t, err, ErrRuleInactive)
}

func TestService_FireScheduled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.leads.Create(ctx, &lead.Lead{ID: "lead-2", StageID: "propuesta", StageEnteredAt: h.startedAt}))
	require.NoError(t, h.leads.Create(ctx, &lead.Lead{ID: "lead-3", StageID: "contactado", StageEnteredAt: h.startedAt}))

	rule := h.addRule(t, AutomationRule{
		Trigger: Trigger{
			Type:     TriggerTimeBased,
			StageID:  "propuesta",
			Schedule: &Schedule{Type: ScheduleInterval, IntervalHours: 1, MaxExecutions: 1},
		},
		Actions: []Action{noteAction("Recordatorio")},
	})

	execs, err := h.service.FireScheduled(ctx, rule, h.clock.Now())
	require.NoError(t, err)
	assert.Len(t, execs, 2, "only leads in propuesta")

	// the same run cannot be claimed twice
	execs, err = h.service.FireScheduled(ctx, rule, h.clock.Now())
	require.NoError(t, err)
	assert.Empty(t, execs)

	stored, _ := h.rules.GetByID(ctx, rule.ID.Hex())
	assert.Equal(t, 1, stored.ScheduleRuns)
	due, err := IsDue(stored, h.clock.Now().Add(2*time.Hour), "UTC")
	require.NoError(t, err)
	assert.False(t, due)
}

func TestService_CreateRuleRejectsUnknownStage(t *testing.T) {
	h := newHarness(t)
	err := h.service.CreateRule(context.Background(), &AutomationRule{
		Name:    "x",
		Trigger: Trigger{Type: TriggerStageChange, ToStageID: "inexistente"},
		Actions: []Action{noteAction("x")},
	})
	var invalid *ValidationError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "trigger.toStageId", invalid.Field)
}

func TestService_Metrics(t *testing.T) {
	h := newHarness(t)
	h.email.failures = 1
	rule := h.addRule(t, AutomationRule{Name: "correo", Actions: []Action{emailAction(0)}})
	h.run(t, rule, "lead-1")
	h.run(t, rule, "lead-1")

	metrics, err := h.service.GetRuleMetrics(context.Background())
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.Equal(t, int64(2), metrics[0].ExecutionCount)
	assert.Equal(t, int64(1), metrics[0].SuccessCount)
	assert.Equal(t, int64(1), metrics[0].ErrorCount)
	assert.InDelta(t, 0.5, metrics[0].SuccessRate, 1e-9)

	data, filename, err := h.service.ExportExecutions(context.Background(), ExecutionFilter{RuleID: rule.ID.Hex()})
	require.NoError(t, err)
	assert.NotEmpty(t, data)
	assert.Contains(t, filename, ".xlsx")
}

// rendezvousRepo holds the first n GetByID callers until all of them have read the rule,
// so each acts on the same snapshot.
type rendezvousRepo struct {
	*MemoryAutomationRepository
	mu      sync.Mutex
	waiting int
	ready   chan struct{}
}

func newRendezvousRepo(repo *MemoryAutomationRepository, n int) *rendezvousRepo {
	return &rendezvousRepo{MemoryAutomationRepository: repo, waiting: n, ready: make(chan struct{})}
}

func (r *rendezvousRepo) GetByID(ctx context.Context, id string) (*AutomationRule, error) {
	rule, err := r.MemoryAutomationRepository.GetByID(ctx, id)
	r.mu.Lock()
	if r.waiting == 0 {
		r.mu.Unlock()
		return rule, err
	}
	r.waiting--
	if r.waiting == 0 {
		close(r.ready)
	}
	r.mu.Unlock()
	<-r.ready
	return rule, err
}

func TestService_ConcurrentDelayedFiringsRespectMaxExecutions(t *testing.T) {
	tests := []struct {
		name          string
		maxExecutions int
		wantFired     int
	}{
		{"budget of one", 1, 1},
		{"budget of two", 2, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			require.NoError(t, h.leads.Create(ctx, &lead.Lead{ID: "lead-2", StageID: "propuesta", StageEnteredAt: h.startedAt}))
			rule := h.addRule(t, AutomationRule{
				Trigger: Trigger{Type: TriggerTimeBased, Schedule: &Schedule{Type: ScheduleDelay, DelayDays: 2, MaxExecutions: tt.maxExecutions}},
				Actions: []Action{noteAction("Dos días desde el alta")},
			})
			for _, id := range []string{"lead-1", "lead-2"} {
				_, err := h.service.HandleEvent(ctx, Event{ID: "created-" + id, Type: TriggerLeadCreated, LeadID: id})
				require.NoError(t, err)
			}

			h.clock.Advance(48 * time.Hour)
			due, err := h.delayed.ClaimDue(ctx, h.clock.Now(), time.Minute, 10)
			require.NoError(t, err)
			require.Len(t, due, 2)

			h.service.Repo = newRendezvousRepo(h.rules, len(due))
			var fired atomic.Int32
			var wg sync.WaitGroup
			errs := make([]error, len(due))
			for i, d := range due {
				wg.Add(1)
				go func(i int, d DelayedTrigger) {
					defer wg.Done()
					exec, err := h.service.FireDelayed(ctx, d)
					errs[i] = err
					if exec != nil {
						fired.Add(1)
					}
				}(i, d)
			}
			wg.Wait()

			for _, err := range errs {
				require.NoError(t, err)
			}
			assert.Equal(t, int32(tt.wantFired), fired.Load())
			stored, _ := h.rules.GetByID(ctx, rule.ID.Hex())
			assert.Equal(t, tt.wantFired, stored.ScheduleRuns)
			pending, _ := h.delayed.Pending(ctx, rule.ID.Hex())
			assert.Equal(t, int64(0), pending, "losing trigger is completed, not left behind")
		})
	}
}

func TestService_RaisingMaxExecutionsRevivesSchedule(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rule := h.addRule(t, AutomationRule{
		Name: "recordatorio",
		Trigger: Trigger{
			Type:     TriggerTimeBased,
			StageID:  "propuesta",
			Schedule: &Schedule{Type: ScheduleInterval, IntervalHours: 1, MaxExecutions: 1},
		},
		Actions: []Action{noteAction("Recordatorio")},
	})

	execs, err := h.service.FireScheduled(ctx, rule, h.clock.Now())
	require.NoError(t, err)
	require.Len(t, execs, 1)

	h.clock.Advance(2 * time.Hour)
	stored, _ := h.rules.GetByID(ctx, rule.ID.Hex())
	due, err := IsDue(stored, h.clock.Now(), "UTC")
	require.NoError(t, err)
	assert.False(t, due, "exhausted")

	update := *stored
	update.Trigger.Schedule = &Schedule{Type: ScheduleInterval, IntervalHours: 1, MaxExecutions: 3}
	require.NoError(t, h.service.UpdateRule(ctx, rule.ID.Hex(), &update))

	stored, _ = h.rules.GetByID(ctx, rule.ID.Hex())
	due, err = IsDue(stored, h.clock.Now(), "UTC")
	require.NoError(t, err)
	assert.True(t, due, "revived on the next tick")

	execs, err = h.service.FireScheduled(ctx, stored, h.clock.Now())
	require.NoError(t, err)
	assert.Len(t, execs, 1)
	stored, _ = h.rules.GetByID(ctx, rule.ID.Hex())
	assert.Equal(t, 2, stored.ScheduleRuns)
}
