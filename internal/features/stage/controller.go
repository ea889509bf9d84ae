package stage

import (
	"errors"

	"go-crm-pipeline/internal/features/lead"

	"github.com/gofiber/fiber/v2"
)

type StageController struct {
	Service StageService
}

func NewStageController(service StageService) *StageController {
	return &StageController{Service: service}
}

type validateRequest struct {
	LeadID      string `json:"leadId"`
	FromStageID string `json:"fromStageId"`
	ToStageID   string `json:"toStageId"`
}

type moveRequest struct {
	ToStageID string `json:"toStageId"`
}

// ListStages godoc
// @Summary List pipeline stages
// @Description Stages ordered by position, with board metrics
// @Tags pipeline
// @Produce json
// @Param include_inactive query bool false "Include inactive stages"
// @Success 200 {array} Stage
// @Failure 500 {object} map[string]interface{}
// @Router /api/pipeline/stages [get]
func (ctrl *StageController) ListStages(c *fiber.Ctx) error {
	stages, err := ctrl.Service.ListStages(c.UserContext(), c.QueryBool("include_inactive"))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(stages)
}

// GetStage godoc
// @Summary Get pipeline stage
// @Tags pipeline
// @Produce json
// @Param id path string true "Stage ID"
// @Success 200 {object} Stage
// @Failure 404 {object} map[string]interface{}
// @Router /api/pipeline/stages/{id} [get]
func (ctrl *StageController) GetStage(c *fiber.Ctx) error {
	stage, err := ctrl.Service.GetStage(c.UserContext(), c.Params("id"))
	if err != nil {
		return stageError(c, err)
	}
	return c.JSON(stage)
}

// CreateStage godoc
// @Summary Create pipeline stage
// @Tags pipeline
// @Accept json
// @Produce json
// @Param stage body Stage true "Stage"
// @Success 201 {object} Stage
// @Failure 400 {object} map[string]interface{}
// @Failure 409 {object} map[string]interface{}
// @Router /api/pipeline/stages [post]
func (ctrl *StageController) CreateStage(c *fiber.Ctx) error {
	var stage Stage
	if err := c.BodyParser(&stage); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if err := ctrl.Service.CreateStage(c.UserContext(), &stage); err != nil {
		return stageError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(stage)
}

// UpdateStage godoc
// @Summary Update pipeline stage
// @Tags pipeline
// @Accept json
// @Produce json
// @Param id path string true "Stage ID"
// @Param stage body Stage true "Stage"
// @Success 200 {object} Stage
// @Failure 400 {object} map[string]interface{}
// @Failure 404 {object} map[string]interface{}
// @Router /api/pipeline/stages/{id} [put]
func (ctrl *StageController) UpdateStage(c *fiber.Ctx) error {
	var stage Stage
	if err := c.BodyParser(&stage); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if err := ctrl.Service.UpdateStage(c.UserContext(), c.Params("id"), &stage); err != nil {
		return stageError(c, err)
	}
	return c.JSON(stage)
}

// DeleteStage godoc
// @Summary Delete pipeline stage
// @Tags pipeline
// @Param id path string true "Stage ID"
// @Success 204
// @Failure 404 {object} map[string]interface{}
// @Router /api/pipeline/stages/{id} [delete]
func (ctrl *StageController) DeleteStage(c *fiber.Ctx) error {
	if err := ctrl.Service.DeleteStage(c.UserContext(), c.Params("id")); err != nil {
		return stageError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// ValidateTransition godoc
// @Summary Validate a stage transition
// @Description Checks the destination stage's entry rules for a lead. Warnings never block.
// @Tags pipeline
// @Accept json
// @Produce json
// @Param request body validateRequest true "Transition"
// @Success 200 {object} ValidationResult
// @Failure 400 {object} map[string]interface{}
// @Router /api/pipeline/validate [post]
func (ctrl *StageController) ValidateTransition(c *fiber.Ctx) error {
	var req validateRequest
	if err := c.BodyParser(&req); err != nil || req.LeadID == "" || req.ToStageID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "leadId and toStageId are required"})
	}
	result, err := ctrl.Service.ValidateTransition(c.UserContext(), req.LeadID, req.FromStageID, req.ToStageID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(result)
}

// MoveLead godoc
// @Summary Move a lead to another stage
// @Description Validates, applies and publishes a stage_change event
// @Tags pipeline
// @Accept json
// @Produce json
// @Param id path string true "Lead ID"
// @Param request body moveRequest true "Target stage"
// @Success 200 {object} ValidationResult
// @Failure 404 {object} map[string]interface{}
// @Failure 422 {object} ValidationResult
// @Router /api/pipeline/leads/{id}/move [post]
func (ctrl *StageController) MoveLead(c *fiber.Ctx) error {
	var req moveRequest
	if err := c.BodyParser(&req); err != nil || req.ToStageID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "toStageId is required"})
	}
	result, err := ctrl.Service.MoveLead(c.UserContext(), c.Params("id"), req.ToStageID)
	if errors.Is(err, ErrTransitionInvalid) {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(result)
	}
	if err != nil {
		return stageError(c, err)
	}
	return c.JSON(result)
}

func stageError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, ErrStageNotFound), errors.Is(err, lead.ErrLeadNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, ErrStageExists):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, ErrInvalidStage):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
}
