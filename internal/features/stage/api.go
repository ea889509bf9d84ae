package stage

import (
	"go-crm-pipeline/internal/common/api"
	"go-crm-pipeline/internal/config"
	"go-crm-pipeline/internal/middleware"

	"github.com/gofiber/fiber/v2"
)

type StageApi struct {
	controller *StageController
	config     *config.Config
}

func NewStageApi(controller *StageController, config *config.Config) api.Route {
	return &StageApi{
		controller: controller,
		config:     config,
	}
}

func (h *StageApi) Setup(app *fiber.App) {
	group := app.Group("/api/pipeline", middleware.AuthMiddleware(h.config.SkipAuth))

	group.Get("/stages", h.controller.ListStages)
	group.Get("/stages/:id", h.controller.GetStage)
	group.Post("/stages", h.controller.CreateStage)
	group.Put("/stages/:id", h.controller.UpdateStage)
	group.Delete("/stages/:id", h.controller.DeleteStage)

	group.Post("/validate", h.controller.ValidateTransition)
	group.Post("/leads/:id/move", h.controller.MoveLead)
}
