package system

import (
	"go-crm-pipeline/internal/common/api"
	"go-crm-pipeline/internal/config"
	"go-crm-pipeline/internal/database"

	"github.com/gofiber/fiber/v2"
)

type HealthApi struct {
	config *config.Config
	db     *database.MongodbDB
}

func NewHealthApi(cfg *config.Config, db *database.MongodbDB) api.Route {
	return &HealthApi{config: cfg, db: db}
}

// Setup registers health check route
func (h *HealthApi) Setup(app *fiber.App) {
	app.Get("/health", h.HealthCheck)
	app.Get("/health/ready", h.Ready)
}

// HealthCheck godoc
// @Summary      Health Check
// @Description  Check if the server is up
// @Tags         health
// @Produce      plain
// @Success      200  {string}  string  "OK"
// @Router       /health [get]
func (h *HealthApi) HealthCheck(c *fiber.Ctx) error {
	return c.SendString("OK")
}

// Ready godoc
// @Summary      Readiness Check
// @Description  Report the storage backend and whether the database answers
// @Tags         health
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Failure      503  {object}  map[string]interface{}
// @Router       /health/ready [get]
func (h *HealthApi) Ready(c *fiber.Ctx) error {
	storage := "memory"
	if h.db.Enabled() {
		storage = "mongo"
		if err := h.db.DB.Client().Ping(c.UserContext(), nil); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"storage": storage,
				"error":   err.Error(),
			})
		}
	}
	return c.JSON(fiber.Map{
		"storage":   storage,
		"scheduler": h.config.SchedulerEnabled,
	})
}
