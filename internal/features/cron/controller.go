package cron_feature

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
)

type SchedulerController struct {
	Service SchedulerService
}

func NewSchedulerController(service SchedulerService) *SchedulerController {
	return &SchedulerController{
		Service: service,
	}
}

// GetStatus godoc
// @Summary Scheduler status
// @Description Show the scheduler tick, the last tick result and the next run of every time-based rule
// @Tags scheduler
// @Produce json
// @Success 200 {object} SchedulerStatus
// @Failure 500 {object} map[string]interface{}
// @Router /api/scheduler/status [get]
func (c *SchedulerController) GetStatus(ctx *fiber.Ctx) error {
	ctxt, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status, err := c.Service.Status(ctxt)
	if err != nil {
		return ctx.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return ctx.JSON(status)
}

// ListTicks godoc
// @Summary List scheduler ticks
// @Description List the most recent scheduler ticks
// @Tags scheduler
// @Produce json
// @Param limit query int false "Limit" default(50)
// @Success 200 {array} TickLog
// @Failure 500 {object} map[string]interface{}
// @Router /api/scheduler/ticks [get]
func (c *SchedulerController) ListTicks(ctx *fiber.Ctx) error {
	ctxt, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ticks, err := c.Service.ListTicks(ctxt, ctx.QueryInt("limit", 50))
	if err != nil {
		return ctx.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return ctx.JSON(ticks)
}

// RunTick godoc
// @Summary Run scheduler tick
// @Description Run one scheduler pass immediately
// @Tags scheduler
// @Produce json
// @Success 200 {object} TickLog
// @Failure 409 {object} map[string]interface{}
// @Failure 500 {object} map[string]interface{}
// @Router /api/scheduler/tick [post]
func (c *SchedulerController) RunTick(ctx *fiber.Ctx) error {
	ctxt, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	tick, err := c.Service.Tick(ctxt, true)
	if err != nil {
		if errors.Is(err, ErrTickInProgress) {
			return ctx.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
		}
		return ctx.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return ctx.JSON(tick)
}
