package webhook

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
)

type WebhookController struct {
	Service WebhookService
}

func NewWebhookController(service WebhookService) *WebhookController {
	return &WebhookController{Service: service}
}

// ListLogs godoc
// @Summary List webhook deliveries
// @Description Outbound call_webhook deliveries, newest first
// @Tags webhooks
// @Produce json
// @Param url query string false "Filter by URL"
// @Param limit query int false "Max items"
// @Success 200 {array} WebhookLog
// @Router /api/webhooks/logs [get]
func (ctrl *WebhookController) ListLogs(c *fiber.Ctx) error {
	limit, _ := strconv.ParseInt(c.Query("limit", "50"), 10, 64)
	logs, err := ctrl.Service.ListLogs(c.UserContext(), c.Query("url"), limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(logs)
}
