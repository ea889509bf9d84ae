package automation

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go-crm-pipeline/internal/features/lead"
	"go-crm-pipeline/internal/features/messaging"
	"go-crm-pipeline/internal/features/stage"
	"go-crm-pipeline/internal/features/webhook"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

type EmailSender interface {
	SendEmail(ctx context.Context, to []string, subject, body string, attachments []messaging.Attachment) (string, error)
}

type WhatsAppSender interface {
	SendWhatsApp(ctx context.Context, to, templateOrText string) (string, error)
}

type Notifier interface {
	Notify(ctx context.Context, recipients []string, channels []string, title, message string) error
}

type WebhookCaller interface {
	Call(ctx context.Context, url, method string, headers map[string]string, body interface{}) (*webhook.Response, error)
}

// StageMover validates and applies stage moves requested by move_stage.
type StageMover interface {
	ValidateLead(ctx context.Context, l *lead.Lead, fromStageID, toStageID string) (*stage.ValidationResult, error)
	ApplyTransition(ctx context.Context, leadID, fromStageID, toStageID string, at time.Time) error
}

// ActionContext is the per-execution state an action runs against.
// Lead is the execution's own snapshot and is updated by update_field and move_stage.
type ActionContext struct {
	Rule      *AutomationRule
	Execution *Execution
	Lead      *lead.Lead
	Stage     *stage.Stage
	UserID    string
	Now       time.Time
}

func (ac *ActionContext) evalContext() EvalContext {
	return EvalContext{Lead: ac.Lead, Stage: ac.Stage, UserID: ac.UserID, Now: ac.Now}
}

// WaitResult asks the engine to suspend the remaining actions.
type WaitResult struct {
	Duration time.Duration `json:"duration"`
	ResumeAt time.Time     `json:"resumeAt"`
}

// StageMoved is the result of a successful move_stage.
type StageMoved struct {
	FromStageID string   `json:"fromStageId"`
	ToStageID   string   `json:"toStageId"`
	Warnings    []string `json:"warnings,omitempty"`
}

// ActionExecutor runs a single action and reports its result.
type ActionExecutor interface {
	Execute(ctx context.Context, action Action, ac *ActionContext) (interface{}, error)
}

type ActionExecutorImpl struct {
	email     EmailSender
	whatsapp  WhatsAppSender
	notifier  Notifier
	webhooks  WebhookCaller
	stages    StageMover
	leads     lead.LeadRepository
	tasks     lead.TaskRepository
	notes     lead.NoteRepository
	functions *FunctionRegistry
	logger    *zap.Logger
}

func NewActionExecutor(
	email EmailSender,
	whatsapp WhatsAppSender,
	notifier Notifier,
	webhooks WebhookCaller,
	stages StageMover,
	leads lead.LeadRepository,
	tasks lead.TaskRepository,
	notes lead.NoteRepository,
	functions *FunctionRegistry,
	logger *zap.Logger,
) ActionExecutor {
	return &ActionExecutorImpl{
		email:     email,
		whatsapp:  whatsapp,
		notifier:  notifier,
		webhooks:  webhooks,
		stages:    stages,
		leads:     leads,
		tasks:     tasks,
		notes:     notes,
		functions: functions,
		logger:    logger,
	}
}

// Execute dispatches on the action type. A panic inside an action is returned as an error.
func (e *ActionExecutorImpl) Execute(ctx context.Context, action Action, ac *ActionContext) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Action panicked", zap.String("action_type", string(action.Type)), zap.Any("panic", r))
			result, err = nil, fmt.Errorf("action panicked: %v", r)
		}
	}()

	cfg := action.Config
	switch action.Type {
	case ActionSendEmail:
		return e.sendEmail(ctx, cfg, ac)
	case ActionSendWhatsApp:
		return e.sendWhatsApp(ctx, cfg, ac)
	case ActionCreateTask:
		return e.createTask(ctx, cfg, ac)
	case ActionUpdateField:
		return e.updateField(ctx, cfg, ac)
	case ActionMoveStage:
		return e.moveStage(ctx, cfg, ac)
	case ActionCreateNote:
		return e.createNote(ctx, cfg, ac)
	case ActionSendNotification:
		return e.sendNotification(ctx, cfg, ac)
	case ActionCallWebhook:
		return e.callWebhook(ctx, cfg, ac)
	case ActionWait:
		d := waitDuration(cfg)
		return &WaitResult{Duration: d, ResumeAt: ac.Now.Add(d)}, nil
	case ActionCustomFunction:
		return e.customFunction(ctx, cfg, ac)
	}
	return nil, &UnknownActionError{Type: action.Type}
}

func (e *ActionExecutorImpl) sendEmail(ctx context.Context, cfg map[string]interface{}, ac *ActionContext) (interface{}, error) {
	to := renderAll(cfgStrings(cfg, "to"), ac.Lead)
	if len(to) == 0 {
		if email, ok := ac.Lead.Field("email"); ok && !lead.IsEmpty(email) {
			to = []string{stringify(email)}
		}
	}
	if len(to) == 0 {
		return nil, &ValidationError{Field: "config.to", Reason: "email recipient is required"}
	}
	subject := replacePlaceholders(cfgString(cfg, "subject"), ac.Lead)
	body := replacePlaceholders(cfgString(cfg, "body"), ac.Lead)

	var attachments []messaging.Attachment
	for _, raw := range cfgList(cfg, "attachments") {
		m, ok := asMap(raw)
		if !ok {
			continue
		}
		attachments = append(attachments, messaging.Attachment{
			Name:        cfgString(m, "name"),
			ContentType: cfgString(m, "contentType"),
			Data:        []byte(replacePlaceholders(cfgString(m, "content"), ac.Lead)),
		})
	}

	id, err := e.email.SendEmail(ctx, to, subject, body, attachments)
	if err != nil {
		return nil, fmt.Errorf("send email: %w", err)
	}
	return map[string]interface{}{"deliveryId": id, "to": to}, nil
}

func (e *ActionExecutorImpl) sendWhatsApp(ctx context.Context, cfg map[string]interface{}, ac *ActionContext) (interface{}, error) {
	to := replacePlaceholders(cfgString(cfg, "to"), ac.Lead)
	if to == "" {
		if phone, ok := ac.Lead.Field("telefono"); ok && !lead.IsEmpty(phone) {
			to = stringify(phone)
		}
	}
	if to == "" {
		return nil, &ValidationError{Field: "config.to", Reason: "whatsapp recipient is required"}
	}
	text := cfgString(cfg, "message")
	if tpl := cfgString(cfg, "template"); tpl != "" {
		text = "template:" + tpl
		if lang := cfgString(cfg, "language"); lang != "" {
			text += ":" + lang
		}
	}
	if text == "" {
		return nil, &ValidationError{Field: "config.message", Reason: "message or template is required"}
	}

	id, err := e.whatsapp.SendWhatsApp(ctx, to, replacePlaceholders(text, ac.Lead))
	if err != nil {
		return nil, fmt.Errorf("send whatsapp: %w", err)
	}
	return map[string]interface{}{"deliveryId": id, "to": to}, nil
}

func (e *ActionExecutorImpl) createTask(ctx context.Context, cfg map[string]interface{}, ac *ActionContext) (interface{}, error) {
	title := replacePlaceholders(cfgString(cfg, "title"), ac.Lead)
	if title == "" {
		return nil, &ValidationError{Field: "config.title", Reason: "task title is required"}
	}
	due := ac.Now
	if days, ok := cfgFloat(cfg, "dueInDays"); ok {
		due = due.Add(time.Duration(days * float64(24*time.Hour)))
	}
	if hours, ok := cfgFloat(cfg, "dueInHours"); ok {
		due = due.Add(time.Duration(hours * float64(time.Hour)))
	}
	assignee := cfgString(cfg, "assignedTo")
	if assignee == "" {
		assignee = ac.Lead.AssignedTo
	}

	task := &lead.Task{
		LeadID:      ac.Lead.ID,
		Title:       title,
		Description: replacePlaceholders(cfgString(cfg, "description"), ac.Lead),
		AssignedTo:  assignee,
		Priority:    cfgString(cfg, "priority"),
		Status:      lead.TaskStatusPending,
		DueDate:     due,
		CreatedBy:   ac.UserID,
		CreatedAt:   ac.Now,
	}
	if err := e.tasks.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return map[string]interface{}{"taskId": task.ID.Hex(), "dueDate": task.DueDate}, nil
}

func (e *ActionExecutorImpl) updateField(ctx context.Context, cfg map[string]interface{}, ac *ActionContext) (interface{}, error) {
	field := cfgString(cfg, "field")
	if field == "" {
		return nil, &ValidationError{Field: "config.field", Reason: "field name is required"}
	}
	value := cfg["value"]
	if s, ok := value.(string); ok {
		value = replacePlaceholders(s, ac.Lead)
	}

	if err := e.leads.UpdateFields(ctx, ac.Lead.ID, map[string]interface{}{field: value}); err != nil {
		return nil, fmt.Errorf("update field %s: %w", field, err)
	}
	ac.Lead.SetField(field, value)
	return map[string]interface{}{"field": field, "value": value}, nil
}

func (e *ActionExecutorImpl) moveStage(ctx context.Context, cfg map[string]interface{}, ac *ActionContext) (interface{}, error) {
	target := cfgString(cfg, "targetStageId")
	if target == "" {
		target = cfgString(cfg, "stageId")
	}
	if target == "" {
		return nil, &ValidationError{Field: "config.targetStageId", Reason: "target stage is required"}
	}
	from := ac.Lead.StageID

	result, err := e.stages.ValidateLead(ctx, ac.Lead, from, target)
	if err != nil {
		return nil, fmt.Errorf("validate transition: %w", err)
	}
	if !result.IsValid {
		return nil, &TransitionDenied{From: from, To: target, Errors: result.Errors}
	}
	if err := e.stages.ApplyTransition(ctx, ac.Lead.ID, from, target, ac.Now); err != nil {
		return nil, fmt.Errorf("move stage: %w", err)
	}
	ac.Lead.StageID = target
	ac.Lead.StageEnteredAt = ac.Now
	return &StageMoved{FromStageID: from, ToStageID: target, Warnings: result.Warnings}, nil
}

func (e *ActionExecutorImpl) createNote(ctx context.Context, cfg map[string]interface{}, ac *ActionContext) (interface{}, error) {
	content := replacePlaceholders(cfgString(cfg, "content"), ac.Lead)
	if content == "" {
		return nil, &ValidationError{Field: "config.content", Reason: "note content is required"}
	}
	author := cfgString(cfg, "author")
	if author == "" {
		author = "automation:" + ac.Rule.Name
	}
	note := &lead.Note{LeadID: ac.Lead.ID, Content: content, Author: author, CreatedAt: ac.Now}
	if err := e.notes.Create(ctx, note); err != nil {
		return nil, fmt.Errorf("create note: %w", err)
	}
	return map[string]interface{}{"noteId": note.ID.Hex()}, nil
}

func (e *ActionExecutorImpl) sendNotification(ctx context.Context, cfg map[string]interface{}, ac *ActionContext) (interface{}, error) {
	var recipients []string
	for _, r := range cfgStrings(cfg, "recipients") {
		switch r {
		case "assigned_to", "owner":
			if ac.Lead.AssignedTo != "" {
				recipients = append(recipients, ac.Lead.AssignedTo)
			}
		case "current_user":
			if ac.UserID != "" {
				recipients = append(recipients, ac.UserID)
			}
		default:
			recipients = append(recipients, replacePlaceholders(r, ac.Lead))
		}
	}
	if len(recipients) == 0 {
		return nil, &ValidationError{Field: "config.recipients", Reason: "at least one recipient is required"}
	}
	channels := cfgStrings(cfg, "channels")
	title := replacePlaceholders(cfgString(cfg, "title"), ac.Lead)
	message := replacePlaceholders(cfgString(cfg, "message"), ac.Lead)

	if err := e.notifier.Notify(ctx, recipients, channels, title, message); err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}
	return map[string]interface{}{"recipients": recipients}, nil
}

func (e *ActionExecutorImpl) callWebhook(ctx context.Context, cfg map[string]interface{}, ac *ActionContext) (interface{}, error) {
	url := replacePlaceholders(cfgString(cfg, "url"), ac.Lead)
	if url == "" {
		return nil, &ValidationError{Field: "config.url", Reason: "webhook URL is required"}
	}
	method := strings.ToUpper(cfgString(cfg, "method"))
	if method == "" {
		method = "POST"
	}
	headers := map[string]string{}
	for k, v := range cfgMap(cfg, "headers") {
		headers[k] = replacePlaceholders(stringify(v), ac.Lead)
	}

	var body interface{} = map[string]interface{}{
		"rule":      map[string]interface{}{"id": ac.Rule.ID.Hex(), "name": ac.Rule.Name},
		"execution": ac.Execution.ID.Hex(),
		"lead":      ac.Lead,
		"timestamp": ac.Now.Format(time.RFC3339),
	}
	if custom := cfgMap(cfg, "body"); custom != nil {
		rendered := make(map[string]interface{}, len(custom))
		for k, v := range custom {
			if s, ok := v.(string); ok {
				v = replacePlaceholders(s, ac.Lead)
			}
			rendered[k] = v
		}
		body = rendered
	}

	resp, err := e.webhooks.Call(ctx, url, method, headers, body)
	if err != nil {
		return nil, fmt.Errorf("call webhook: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return map[string]interface{}{"status": resp.StatusCode, "body": resp.Body}, nil
}

func (e *ActionExecutorImpl) customFunction(ctx context.Context, cfg map[string]interface{}, ac *ActionContext) (interface{}, error) {
	name := cfgString(cfg, "function")
	if name == "" {
		return nil, &ValidationError{Field: "config.function", Reason: "function name is required"}
	}
	out, err := e.functions.Call(name, ac.evalContext(), cfg["arg"])
	if err != nil {
		return nil, err
	}
	result := map[string]interface{}{"function": name, "value": out}
	if field := cfgString(cfg, "storeAs"); field != "" {
		if err := e.leads.UpdateFields(ctx, ac.Lead.ID, map[string]interface{}{field: out}); err != nil {
			return nil, fmt.Errorf("store function result: %w", err)
		}
		ac.Lead.SetField(field, out)
		// a stored result is a field update like update_field
		result["field"] = field
	}
	return result, nil
}

func waitDuration(cfg map[string]interface{}) time.Duration {
	var d time.Duration
	if v, ok := cfgFloat(cfg, "minutes"); ok {
		d += time.Duration(v * float64(time.Minute))
	}
	if v, ok := cfgFloat(cfg, "hours"); ok {
		d += time.Duration(v * float64(time.Hour))
	}
	if v, ok := cfgFloat(cfg, "days"); ok {
		d += time.Duration(v * float64(24*time.Hour))
	}
	return d
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([\w.]+)\s*\}\}`)

// replacePlaceholders fills {{field}} from the lead. Unknown fields render empty.
func replacePlaceholders(text string, l *lead.Lead) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	return placeholderPattern.ReplaceAllStringFunc(text, func(m string) string {
		name := placeholderPattern.FindStringSubmatch(m)[1]
		v, ok := l.Field(name)
		if !ok {
			return ""
		}
		return stringify(v)
	})
}

func renderAll(values []string, l *lead.Lead) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if r := strings.TrimSpace(replacePlaceholders(v, l)); r != "" {
			out = append(out, r)
		}
	}
	return out
}

func cfgString(cfg map[string]interface{}, key string) string {
	v, ok := cfg[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return stringify(v)
}

func cfgFloat(cfg map[string]interface{}, key string) (float64, bool) {
	v, ok := cfg[key]
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

func cfgMap(cfg map[string]interface{}, key string) map[string]interface{} {
	m, _ := asMap(cfg[key])
	return m
}

// asMap accepts the map shapes produced by JSON and BSON decoding.
func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case primitive.M:
		return m, true
	case primitive.D:
		return m.Map(), true
	case map[string]string:
		out := make(map[string]interface{}, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out, true
	}
	return nil, false
}

func cfgList(cfg map[string]interface{}, key string) []interface{} {
	items, _ := asSlice(cfg[key])
	return items
}

// cfgStrings accepts a list or a comma separated string.
func cfgStrings(cfg map[string]interface{}, key string) []string {
	v, ok := cfg[key]
	if !ok || v == nil {
		return nil
	}
	if s, ok := v.(string); ok {
		var out []string
		for _, part := range strings.Split(s, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	items, ok := asSlice(v)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, stringify(item))
	}
	return out
}
