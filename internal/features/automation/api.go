package automation

import (
	"go-crm-pipeline/internal/common/api"
	"go-crm-pipeline/internal/config"
	"go-crm-pipeline/internal/middleware"

	"github.com/gofiber/fiber/v2"
)

type AutomationApi struct {
	controller *AutomationController
	config     *config.Config
}

func NewAutomationApi(controller *AutomationController, config *config.Config) api.Route {
	return &AutomationApi{
		controller: controller,
		config:     config,
	}
}

func (h *AutomationApi) Setup(app *fiber.App) {
	group := app.Group("/api/automation", middleware.AuthMiddleware(h.config.SkipAuth))

	group.Get("/rules", h.controller.ListRules)
	group.Get("/rules/:id", h.controller.GetRule)
	group.Post("/rules", h.controller.CreateRule)
	group.Put("/rules/:id", h.controller.UpdateRule)
	group.Delete("/rules/:id", h.controller.DeleteRule)
	group.Post("/rules/:id/activate", h.controller.ActivateRule)
	group.Post("/rules/:id/deactivate", h.controller.DeactivateRule)
	group.Post("/rules/:id/fire", h.controller.FireRule)

	group.Post("/events", h.controller.PublishEvent)

	group.Get("/executions", h.controller.ListExecutions)
	group.Get("/executions/export", h.controller.ExportExecutions)
	group.Get("/executions/:id", h.controller.GetExecution)
	group.Post("/executions/:id/cancel", h.controller.CancelExecution)

	group.Get("/metrics", h.controller.GetMetrics)
	group.Get("/functions", h.controller.ListFunctions)
}
