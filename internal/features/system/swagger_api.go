package system

import (
	"go-crm-pipeline/internal/common/api"
	"go-crm-pipeline/internal/config"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/swagger"
)

type SwaggerApi struct {
	config *config.Config
}

func NewSwaggerApi(cfg *config.Config) api.Route {
	return &SwaggerApi{config: cfg}
}

// Setup serves the rule engine's API docs unless SWAGGER_ENABLED is off.
func (h *SwaggerApi) Setup(app *fiber.App) {
	if !h.config.SwaggerEnabled {
		return
	}
	app.Get("/swagger", func(c *fiber.Ctx) error {
		return c.Redirect("/swagger/index.html", fiber.StatusFound)
	})
	app.Get("/swagger/*", swagger.New(swagger.Config{
		Title:                "CRM Pipeline Automation API",
		DocExpansion:         "list",
		PersistAuthorization: true,
	}))
}
