package automation

import (
	"errors"
	"fmt"
	"time"

	"go-crm-pipeline/internal/features/lead"

	"github.com/gofiber/fiber/v2"
)

type AutomationController struct {
	Service AutomationService
}

func NewAutomationController(service AutomationService) *AutomationController {
	return &AutomationController{
		Service: service,
	}
}

type fireRequest struct {
	LeadID string `json:"leadId"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CreateRule godoc
// @Summary Create automation rule
// @Description Validates and stores a new automation rule
// @Tags automation
// @Accept json
// @Produce json
// @Param rule body AutomationRule true "Automation Rule"
// @Success 201 {object} AutomationRule
// @Failure 400 {object} map[string]interface{}
// @Failure 500 {object} map[string]interface{}
// @Router /api/automation/rules [post]
func (ctrl *AutomationController) CreateRule(c *fiber.Ctx) error {
	var rule AutomationRule
	if err := c.BodyParser(&rule); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	if err := ctrl.Service.CreateRule(c.UserContext(), &rule); err != nil {
		return automationError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(rule)
}

// GetRule godoc
// @Summary Get automation rule
// @Tags automation
// @Produce json
// @Param id path string true "Rule ID"
// @Success 200 {object} AutomationRule
// @Failure 404 {object} map[string]interface{}
// @Router /api/automation/rules/{id} [get]
func (ctrl *AutomationController) GetRule(c *fiber.Ctx) error {
	rule, err := ctrl.Service.GetRule(c.UserContext(), c.Params("id"))
	if err != nil {
		return automationError(c, err)
	}
	return c.JSON(rule)
}

// ListRules godoc
// @Summary List automation rules
// @Tags automation
// @Produce json
// @Success 200 {array} AutomationRule
// @Failure 500 {object} map[string]interface{}
// @Router /api/automation/rules [get]
func (ctrl *AutomationController) ListRules(c *fiber.Ctx) error {
	rules, err := ctrl.Service.ListRules(c.UserContext())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(rules)
}

// UpdateRule godoc
// @Summary Update automation rule
// @Description Replaces a rule's configuration. Execution counters are kept.
// @Tags automation
// @Accept json
// @Produce json
// @Param id path string true "Rule ID"
// @Param rule body AutomationRule true "Automation Rule"
// @Success 200 {object} AutomationRule
// @Failure 400 {object} map[string]interface{}
// @Failure 404 {object} map[string]interface{}
// @Router /api/automation/rules/{id} [put]
func (ctrl *AutomationController) UpdateRule(c *fiber.Ctx) error {
	var rule AutomationRule
	if err := c.BodyParser(&rule); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	if err := ctrl.Service.UpdateRule(c.UserContext(), c.Params("id"), &rule); err != nil {
		return automationError(c, err)
	}

	return c.JSON(rule)
}

// DeleteRule godoc
// @Summary Delete automation rule
// @Description Deletes a rule and cancels its pending work
// @Tags automation
// @Param id path string true "Rule ID"
// @Success 204
// @Failure 404 {object} map[string]interface{}
// @Router /api/automation/rules/{id} [delete]
func (ctrl *AutomationController) DeleteRule(c *fiber.Ctx) error {
	if err := ctrl.Service.DeleteRule(c.UserContext(), c.Params("id")); err != nil {
		return automationError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// ActivateRule godoc
// @Summary Activate automation rule
// @Tags automation
// @Param id path string true "Rule ID"
// @Success 204
// @Failure 404 {object} map[string]interface{}
// @Router /api/automation/rules/{id}/activate [post]
func (ctrl *AutomationController) ActivateRule(c *fiber.Ctx) error {
	return ctrl.setActive(c, true)
}

// DeactivateRule godoc
// @Summary Deactivate automation rule
// @Description Cancels in-flight executions and pending delayed triggers of the rule
// @Tags automation
// @Param id path string true "Rule ID"
// @Success 204
// @Failure 404 {object} map[string]interface{}
// @Router /api/automation/rules/{id}/deactivate [post]
func (ctrl *AutomationController) DeactivateRule(c *fiber.Ctx) error {
	return ctrl.setActive(c, false)
}

func (ctrl *AutomationController) setActive(c *fiber.Ctx, active bool) error {
	if err := ctrl.Service.SetActive(c.UserContext(), c.Params("id"), active); err != nil {
		return automationError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// FireRule godoc
// @Summary Fire a rule manually
// @Description Runs an active rule against one lead. Gating still applies.
// @Tags automation
// @Accept json
// @Produce json
// @Param id path string true "Rule ID"
// @Param request body fireRequest true "Lead"
// @Success 202 {object} Execution
// @Failure 400 {object} map[string]interface{}
// @Failure 404 {object} map[string]interface{}
// @Failure 409 {object} map[string]interface{}
// @Router /api/automation/rules/{id}/fire [post]
func (ctrl *AutomationController) FireRule(c *fiber.Ctx) error {
	var req fireRequest
	if err := c.BodyParser(&req); err != nil || req.LeadID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "leadId is required"})
	}
	exec, err := ctrl.Service.FireManualTrigger(c.UserContext(), c.Params("id"), req.LeadID)
	if err != nil {
		return automationError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(exec)
}

// PublishEvent godoc
// @Summary Publish a CRM event
// @Description Matches the event against active rules. Executions run asynchronously.
// @Tags automation
// @Accept json
// @Produce json
// @Param event body Event true "Event"
// @Success 202 {array} Execution
// @Failure 400 {object} map[string]interface{}
// @Router /api/automation/events [post]
func (ctrl *AutomationController) PublishEvent(c *fiber.Ctx) error {
	var ev Event
	if err := c.BodyParser(&ev); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	// chain depth is internal
	ev.Depth = 0
	execs, err := ctrl.Service.HandleEvent(c.UserContext(), ev)
	if err != nil {
		return automationError(c, err)
	}
	if execs == nil {
		execs = []*Execution{}
	}
	return c.Status(fiber.StatusAccepted).JSON(execs)
}

// ListExecutions godoc
// @Summary List executions
// @Tags automation
// @Produce json
// @Param rule_id query string false "Rule ID"
// @Param lead_id query string false "Lead ID"
// @Param status query string false "Execution status"
// @Param from query string false "Created after (RFC3339)"
// @Param to query string false "Created before (RFC3339)"
// @Param limit query int false "Limit"
// @Param offset query int false "Offset"
// @Success 200 {array} Execution
// @Failure 400 {object} map[string]interface{}
// @Router /api/automation/executions [get]
func (ctrl *AutomationController) ListExecutions(c *fiber.Ctx) error {
	filter, err := parseExecutionFilter(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	execs, err := ctrl.Service.ListExecutions(c.UserContext(), filter)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(execs)
}

// GetExecution godoc
// @Summary Get execution
// @Tags automation
// @Produce json
// @Param id path string true "Execution ID"
// @Success 200 {object} Execution
// @Failure 404 {object} map[string]interface{}
// @Router /api/automation/executions/{id} [get]
func (ctrl *AutomationController) GetExecution(c *fiber.Ctx) error {
	exec, err := ctrl.Service.GetExecution(c.UserContext(), c.Params("id"))
	if err != nil {
		return automationError(c, err)
	}
	return c.JSON(exec)
}

// CancelExecution godoc
// @Summary Cancel execution
// @Description Suspended executions close immediately, running ones stop before their next action
// @Tags automation
// @Accept json
// @Param id path string true "Execution ID"
// @Param request body cancelRequest false "Reason"
// @Success 202
// @Failure 404 {object} map[string]interface{}
// @Failure 409 {object} map[string]interface{}
// @Router /api/automation/executions/{id}/cancel [post]
func (ctrl *AutomationController) CancelExecution(c *fiber.Ctx) error {
	var req cancelRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
		}
	}
	if err := ctrl.Service.CancelExecution(c.UserContext(), c.Params("id"), req.Reason); err != nil {
		return automationError(c, err)
	}
	return c.SendStatus(fiber.StatusAccepted)
}

// ExportExecutions godoc
// @Summary Export executions to Excel
// @Tags automation
// @Produce application/vnd.openxmlformats-officedocument.spreadsheetml.sheet
// @Param rule_id query string false "Rule ID"
// @Param lead_id query string false "Lead ID"
// @Param status query string false "Execution status"
// @Success 200 {file} file
// @Failure 400 {object} map[string]interface{}
// @Router /api/automation/executions/export [get]
func (ctrl *AutomationController) ExportExecutions(c *fiber.Ctx) error {
	filter, err := parseExecutionFilter(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	data, filename, err := ctrl.Service.ExportExecutions(c.UserContext(), filter)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	c.Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	return c.Send(data)
}

// GetMetrics godoc
// @Summary Rule metrics
// @Description Execution counts, success rate and average duration per rule
// @Tags automation
// @Produce json
// @Success 200 {array} RuleMetrics
// @Router /api/automation/metrics [get]
func (ctrl *AutomationController) GetMetrics(c *fiber.Ctx) error {
	metrics, err := ctrl.Service.GetRuleMetrics(c.UserContext())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(metrics)
}

// ListFunctions godoc
// @Summary List custom functions
// @Tags automation
// @Produce json
// @Success 200 {array} FunctionInfo
// @Router /api/automation/functions [get]
func (ctrl *AutomationController) ListFunctions(c *fiber.Ctx) error {
	return c.JSON(ctrl.Service.ListFunctions())
}

func parseExecutionFilter(c *fiber.Ctx) (ExecutionFilter, error) {
	filter := ExecutionFilter{
		RuleID: c.Query("rule_id"),
		LeadID: c.Query("lead_id"),
		Status: ExecutionStatus(c.Query("status")),
		Limit:  int64(c.QueryInt("limit", 100)),
		Offset: int64(c.QueryInt("offset", 0)),
	}
	for key, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		raw := c.Query(key)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = &t
	}
	return filter, nil
}

func automationError(c *fiber.Ctx, err error) error {
	var (
		invalid  *ValidationError
		rejected *GatingRejected
	)
	switch {
	case errors.As(err, &invalid):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, ErrRuleNotFound), errors.Is(err, ErrExecutionNotFound), errors.Is(err, lead.ErrLeadNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.As(err, &rejected), errors.Is(err, ErrRuleInactive), errors.Is(err, ErrExecutionFinished):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
}
