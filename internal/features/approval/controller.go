package approval

import (
	"errors"

	"github.com/gofiber/fiber/v2"
)

type ApprovalController struct {
	Service ApprovalService
}

func NewApprovalController(service ApprovalService) *ApprovalController {
	return &ApprovalController{Service: service}
}

type decisionRequest struct {
	Comment string `json:"comment"`
}

// RequestApproval godoc
// @Summary Request approval
// @Description Request approval for a rule or a stage transition
// @Tags approvals
// @Accept json
// @Produce json
// @Param approval body Approval true "Approval request"
// @Success 201 {object} Approval
// @Failure 400 {object} map[string]interface{}
// @Router /api/approvals [post]
func (ctrl *ApprovalController) RequestApproval(c *fiber.Ctx) error {
	var req Approval
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	approval, err := ctrl.Service.Request(c.UserContext(), req)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	return c.Status(fiber.StatusCreated).JSON(approval)
}

// ListApprovals godoc
// @Summary List approvals
// @Tags approvals
// @Produce json
// @Param status query string false "pending, approved or rejected"
// @Param kind query string false "rule or stage_transition"
// @Param lead_id query string false "Lead ID"
// @Param rule_id query string false "Rule ID"
// @Success 200 {array} Approval
// @Router /api/approvals [get]
func (ctrl *ApprovalController) ListApprovals(c *fiber.Ctx) error {
	q := Query{
		Kind:   Kind(c.Query("kind")),
		Status: Status(c.Query("status")),
		LeadID: c.Query("lead_id"),
		RuleID: c.Query("rule_id"),
	}
	if q.Status != "" && !q.Status.IsValid() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid status"})
	}
	approvals, err := ctrl.Service.List(c.UserContext(), q)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(approvals)
}

// Approve godoc
// @Summary Approve a pending request
// @Tags approvals
// @Accept json
// @Param id path string true "Approval ID"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} map[string]interface{}
// @Failure 409 {object} map[string]interface{}
// @Router /api/approvals/{id}/approve [post]
func (ctrl *ApprovalController) Approve(c *fiber.Ctx) error {
	var req decisionRequest
	_ = c.BodyParser(&req)
	if err := ctrl.Service.Approve(c.UserContext(), c.Params("id"), req.Comment); err != nil {
		return decisionError(c, err)
	}
	return c.JSON(fiber.Map{"message": "Approved"})
}

// Reject godoc
// @Summary Reject a pending request
// @Tags approvals
// @Accept json
// @Param id path string true "Approval ID"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} map[string]interface{}
// @Failure 409 {object} map[string]interface{}
// @Router /api/approvals/{id}/reject [post]
func (ctrl *ApprovalController) Reject(c *fiber.Ctx) error {
	var req decisionRequest
	_ = c.BodyParser(&req)
	if err := ctrl.Service.Reject(c.UserContext(), c.Params("id"), req.Comment); err != nil {
		return decisionError(c, err)
	}
	return c.JSON(fiber.Map{"message": "Rejected"})
}

func decisionError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, ErrApprovalNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, ErrAlreadyDecided):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
}
