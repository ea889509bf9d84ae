package main

import (
	"context"
	"fmt"
	"log"
	"time"

	common_api "go-crm-pipeline/internal/common/api"
	"go-crm-pipeline/internal/config"
	"go-crm-pipeline/internal/database"
	"go-crm-pipeline/internal/features/approval"
	"go-crm-pipeline/internal/features/audit"
	"go-crm-pipeline/internal/features/automation"
	cron_feature "go-crm-pipeline/internal/features/cron"
	"go-crm-pipeline/internal/features/lead"
	"go-crm-pipeline/internal/features/messaging"
	"go-crm-pipeline/internal/features/notification"
	"go-crm-pipeline/internal/features/stage"
	"go-crm-pipeline/internal/features/system"
	"go-crm-pipeline/internal/features/webhook"
	"go-crm-pipeline/internal/logger"
	"go-crm-pipeline/internal/middleware"
	"go-crm-pipeline/pkg/utils"

	_ "go-crm-pipeline/docs" // Import swagger docs

	"github.com/gofiber/fiber/v2"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// NewFiberServer creates a new Fiber app instance
func NewFiberServer() *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error": err.Error(),
			})
		},
	})

	app.Use(middleware.CORSMiddleware())

	return app
}

// AsRoute is a helper function to reduce boilerplate.
// It tags the constructor so Fx knows to add it to the "routes" group.
func AsRoute(f any) any {
	return fx.Annotate(
		f,
		fx.As(new(common_api.Route)),
		fx.ResultTags(`group:"routes"`),
	)
}

// RegisterAllRoutes takes the group "routes" (slice of interfaces)
// and calls Setup() on each one.
func RegisterAllRoutes(app *fiber.App, routes []common_api.Route) {
	log.Printf("Registering %d routes...\n", len(routes))
	for i, route := range routes {
		log.Printf("Setting up route %d: %T\n", i+1, route)
		route.Setup(app)
	}
	log.Println("All routes registered successfully")
}

// RegisterAllRoutesWithAnnotation wraps RegisterAllRoutes with fx annotations
var RegisterAllRoutesWithAnnotation = fx.Annotate(
	RegisterAllRoutes,
	fx.ParamTags(``, `group:"routes"`),
)

// StartServer creates a lifecycle hook to start Fiber in a goroutine
// and shut it down when the app exits.
func StartServer(lc fx.Lifecycle, app *fiber.App, cfg *config.Config) {
	utils.SetSecret(cfg.JWTSecret)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				port := fmt.Sprintf(":%s", cfg.Port)
				if err := app.Listen(port); err != nil {
					log.Fatalf("Server failed to start: %v", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return app.Shutdown()
		},
	})
}

// StartScheduler runs the automation scheduler for the app's lifetime. On stop it also
// waits for in-flight executions so none is cut off mid-action.
func StartScheduler(lc fx.Lifecycle, scheduler cron_feature.SchedulerService, automationService automation.AutomationService, cfg *config.Config, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if !cfg.SchedulerEnabled {
				logger.Info("Automation scheduler disabled")
				return nil
			}
			return scheduler.Start()
		},
		OnStop: func(ctx context.Context) error {
			scheduler.Stop()
			done := make(chan struct{})
			go func() {
				automationService.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

// InitializeIndexes ensures that necessary database indexes are created
func InitializeIndexes(lc fx.Lifecycle, executions automation.ExecutionRepository, ticks cron_feature.TickLogRepository) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()

				if err := executions.EnsureIndexes(ctx); err != nil {
					log.Printf("Failed to ensure execution indexes: %v", err)
				}
				if r, ok := ticks.(interface{ EnsureIndexes(context.Context) error }); ok {
					if err := r.EnsureIndexes(ctx); err != nil {
						log.Printf("Failed to ensure scheduler tick indexes: %v", err)
					}
				}
			}()
			return nil
		},
	})
}

// NewFunctionRegistry builds the built-in functions plus any declared in FUNCTIONS_FILE.
func NewFunctionRegistry(cfg *config.Config, logger *zap.Logger) (*automation.FunctionRegistry, error) {
	registry := automation.NewFunctionRegistry()
	if cfg.FunctionsFile == "" {
		return registry, nil
	}
	n, err := registry.LoadExpressions(cfg.FunctionsFile)
	if err != nil {
		return nil, fmt.Errorf("load functions from %s: %w", cfg.FunctionsFile, err)
	}
	logger.Info("Loaded expression functions", zap.Int("count", n), zap.String("file", cfg.FunctionsFile))
	return registry, nil
}

func NewGate(limiter automation.RateLimiter, approvals automation.ApprovalGate, cfg *config.Config) *automation.Gate {
	return automation.NewGate(limiter, approvals, cfg.DefaultTimezone)
}

// @title           CRM Pipeline Automation API
// @version         1.0
// @description     Pipeline stage machine and automation rule engine for leads.

// @contact.name    API Support

// @host            localhost:8080
// @BasePath        /

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	app := fx.New(
		fx.Provide(
			// Load Config
			config.LoadConfig,

			// Initialize Logger
			logger.NewLogger,

			// Initialize Fiber Server
			NewFiberServer,

			// Initialize Database
			database.NewDatabase,

			// Initialize Repository
			audit.NewAuditRepository,
			approval.NewApprovalRepository,
			lead.NewLeadRepository,
			lead.NewTaskRepository,
			lead.NewNoteRepository,
			stage.NewStageRepository,
			automation.NewAutomationRepository,
			automation.NewExecutionRepository,
			automation.NewContinuationStore,
			automation.NewDelayedTriggerStore,
			automation.NewRateLimiter,
			notification.NewNotificationRepository,
			messaging.NewDeliveryRepository,
			webhook.NewWebhookLogRepository,
			cron_feature.NewTickLogRepository,

			audit.NewAuditService,
			approval.NewApprovalService,
			stage.NewValidator,
			stage.NewStageService,
			messaging.NewEmailService,
			messaging.NewWhatsAppClient,
			notification.NewNotificationService,
			webhook.NewWebhookService,
			NewFunctionRegistry,
			NewGate,
			automation.NewConditionEvaluator,
			automation.NewActionExecutor,
			automation.NewExecutionHub,
			automation.NewEngine,
			automation.NewTriggerMatcher,
			automation.NewAutomationService,
			cron_feature.NewSchedulerService,

			// Interface Adapters to break circular dependencies and satisfy Fx
			func(r lead.LeadRepository) stage.LeadReader { return r },
			func(r lead.LeadRepository) automation.LeadReader { return r },
			func(s approval.ApprovalService) stage.ApprovalChecker { return s },
			func(s approval.ApprovalService) automation.ApprovalGate { return s },
			func(r stage.StageRepository) automation.StageLookup { return r },
			func(s stage.StageService) automation.StageMover { return s },
			func(r automation.AutomationRepository) automation.RuleSource { return r },
			func(h *automation.ExecutionHub) automation.ExecutionPublisher { return h },
			func(s messaging.EmailService) automation.EmailSender { return s },
			func(s messaging.WhatsAppService) automation.WhatsAppSender { return s },
			func(s notification.NotificationService) automation.Notifier { return s },
			func(s webhook.WebhookService) automation.WebhookCaller { return s },

			// Initialize Controller
			audit.NewAuditController,
			approval.NewApprovalController,
			stage.NewStageController,
			automation.NewAutomationController,
			cron_feature.NewSchedulerController,
			notification.NewNotificationController,
			webhook.NewWebhookController,
			system.NewDebugController,
			system.NewWebSocketController,

			// Initialize API Routes
			AsRoute(audit.NewAuditApi),
			AsRoute(approval.NewApprovalApi),
			AsRoute(stage.NewStageApi),
			AsRoute(automation.NewAutomationApi),
			AsRoute(cron_feature.NewSchedulerApi),
			AsRoute(notification.NewNotificationApi),
			AsRoute(webhook.NewWebhookApi),
			AsRoute(system.NewHealthApi),
			AsRoute(system.NewDebugApi),
			AsRoute(system.NewSwaggerApi),
			AsRoute(system.NewWebSocketApi),
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
		fx.Invoke(
			// Register Routes & Start
			RegisterAllRoutesWithAnnotation,
			StartServer,
			StartScheduler,
			InitializeIndexes,
		),
	)

	app.Run()
}
