package main

import (
	"context"
	"errors"

	"go-crm-pipeline/internal/config"
	"go-crm-pipeline/internal/database"
	"go-crm-pipeline/internal/features/automation"
	"go-crm-pipeline/internal/features/stage"
	"go-crm-pipeline/internal/logger"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// Seed installs the default pipeline and the sample automation rules. Existing stages and
// rules with the same name are left alone, so running it twice is harmless.
func Seed(
	lc fx.Lifecycle,
	cfg *config.Config,
	stageRepo stage.StageRepository,
	ruleRepo automation.AutomationRepository,
	logger *zap.Logger,
	shutdowner fx.Shutdowner,
) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				defer func() {
					if err := shutdowner.Shutdown(); err != nil {
						logger.Error("Failed to shutdown", zap.Error(err))
					}
				}()

				if cfg.UseMemoryStorage() {
					logger.Warn("STORAGE_DRIVER=memory, nothing would persist. Skipping seed")
					return
				}

				ctx := context.Background()
				logger.Info("Seeding pipeline stages...")
				for _, s := range stage.DefaultStages() {
					s := s
					_, err := stageRepo.GetByID(ctx, s.ID)
					if err == nil {
						logger.Info("Stage exists, skipping", zap.String("stage", s.ID))
						continue
					}
					if !errors.Is(err, stage.ErrStageNotFound) {
						logger.Fatal("Failed to look up stage", zap.String("stage", s.ID), zap.Error(err))
					}
					if s.Automations == nil {
						s.Automations = []string{}
					}
					if err := stageRepo.Create(ctx, &s); err != nil {
						logger.Fatal("Failed to create stage", zap.String("stage", s.ID), zap.Error(err))
					}
					logger.Info("Stage created", zap.String("stage", s.ID))
				}

				logger.Info("Seeding automation rules...")
				existing, err := ruleRepo.List(ctx)
				if err != nil {
					logger.Fatal("Failed to list rules", zap.Error(err))
				}
				names := make(map[string]bool, len(existing))
				for _, r := range existing {
					names[r.Name] = true
				}

				functions := automation.NewFunctionRegistry()
				created := 0
				for _, rule := range sampleRules() {
					rule := rule
					if names[rule.Name] {
						logger.Info("Rule exists, skipping", zap.String("rule", rule.Name))
						continue
					}
					if err := automation.ValidateRule(&rule, functions); err != nil {
						logger.Error("Sample rule is invalid", zap.String("rule", rule.Name), zap.Error(err))
						continue
					}
					rule.CreatedBy = "seed"
					if err := ruleRepo.Create(ctx, &rule); err != nil {
						logger.Error("Failed to create rule", zap.String("rule", rule.Name), zap.Error(err))
						continue
					}
					created++
				}
				logger.Info("✅ Seeding complete", zap.Int("rules_created", created))
			}()
			return nil
		},
	})
}

func main() {
	app := fx.New(
		fx.Provide(
			config.LoadConfig,
			logger.NewLogger,
			database.NewDatabase,
			stage.NewStageRepository,
			automation.NewAutomationRepository,
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
		fx.Invoke(Seed),
	)

	app.Run()
}
