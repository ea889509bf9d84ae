package cron_feature

import (
	"go-crm-pipeline/internal/common/api"
	"go-crm-pipeline/internal/config"
	"go-crm-pipeline/internal/middleware"

	"github.com/gofiber/fiber/v2"
)

type SchedulerApi struct {
	controller *SchedulerController
	config     *config.Config
}

func NewSchedulerApi(controller *SchedulerController, config *config.Config) api.Route {
	return &SchedulerApi{
		controller: controller,
		config:     config,
	}
}

func (h *SchedulerApi) Setup(app *fiber.App) {
	group := app.Group("/api/scheduler", middleware.AuthMiddleware(h.config.SkipAuth))

	group.Get("/status", h.controller.GetStatus)
	group.Get("/ticks", h.controller.ListTicks)
	group.Post("/tick", middleware.AdminMiddleware(), h.controller.RunTick)
}
