// Command taskcore runs the durable task/workflow-step execution core.
// Grounded on the teacher's cmd/engine/main.go wiring shape (logger,
// config, tracing, metrics, repository, then services), restructured
// around github.com/spf13/cobra subcommands since the teacher's go.mod
// carries cobra but its retrieved sources never call it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/n8n-work/taskcore/internal/analysis"
	"github.com/n8n-work/taskcore/internal/backoff"
	"github.com/n8n-work/taskcore/internal/cache"
	"github.com/n8n-work/taskcore/internal/config"
	"github.com/n8n-work/taskcore/internal/coordinator"
	"github.com/n8n-work/taskcore/internal/events"
	"github.com/n8n-work/taskcore/internal/executor"
	"github.com/n8n-work/taskcore/internal/handlers"
	"github.com/n8n-work/taskcore/internal/observability"
	"github.com/n8n-work/taskcore/internal/queue"
	"github.com/n8n-work/taskcore/internal/readiness"
	"github.com/n8n-work/taskcore/internal/reenqueue"
	"github.com/n8n-work/taskcore/internal/repo"
	"github.com/n8n-work/taskcore/internal/resilience"
	"github.com/n8n-work/taskcore/internal/statemachine"
)

const (
	serviceName    = "taskcore"
	serviceVersion = "0.1.0"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	root := &cobra.Command{
		Use:   serviceName,
		Short: "Durable task/workflow-step execution core",
	}
	root.AddCommand(newServeCmd(logger))
	root.AddCommand(newMigrateCmd(logger))
	root.AddCommand(newHealthCmd(logger))

	if err := root.Execute(); err != nil {
		logger.Fatal("command failed", zap.Error(err))
	}
}

func newMigrateCmd(logger *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := repo.Migrate(cfg.Database.URL); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}

func newHealthCmd(logger *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Print SystemHealth once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			repository, err := repo.New(cfg.Database.URL, repo.Options{
				MaxOpenConns:    cfg.Database.MaxOpenConns,
				MaxIdleConns:    cfg.Database.MaxIdleConns,
				ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			}, logger)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer repository.Close()

			rd := readiness.NewPostgres(repository.DB(), cfg.Database.MaxOpenConns)

			health, err := rd.SystemHealth(cmd.Context())
			if err != nil {
				return fmt.Errorf("load system health: %w", err)
			}

			out, err := json.MarshalIndent(health, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal system health: %w", err)
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func newServeCmd(logger *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator driver loop against the task queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), logger)
		},
	}
}

func serve(ctx context.Context, logger *zap.Logger) error {
	logger.Info("starting taskcore", zap.String("version", serviceVersion))

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	shutdownTracing, err := observability.InitTracing(serviceName, serviceVersion, cfg.Observability.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing()

	metrics := observability.NewMetrics()

	repository, err := repo.New(cfg.Database.URL, repo.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer repository.Close()

	redisCache, err := cache.NewRedis(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	defer redisCache.Close()

	driver, err := queue.NewRabbitMQDriver(cfg.MessageQueue.URL, queue.DriverOptions{
		TaskExchange:  cfg.MessageQueue.Topology.TaskExchange,
		TaskQueue:     cfg.MessageQueue.Topology.TaskQueue,
		DelayExchange: cfg.MessageQueue.Topology.DelayExchange,
		DelayQueue:    cfg.MessageQueue.Topology.DelayQueue,
	}, logger)
	if err != nil {
		return fmt.Errorf("connect to rabbitmq: %w", err)
	}
	defer driver.Close()

	publisher := events.NewPublisher(logger,
		events.NewZapAdapter(logger),
		events.NewPrometheusAdapter(metrics),
		events.NewQueueAdapter(driver, cfg.MessageQueue.Topology.EventExchange),
		events.NewOTelAdapter(),
	)

	taskSM := statemachine.NewTaskStateMachine(repository, publisher, logger)
	stepSM := statemachine.NewStepStateMachine(repository, publisher, logger)

	rawReadiness := readiness.NewPostgres(repository.DB(), cfg.Database.MaxOpenConns)
	rd := readiness.NewCached(rawReadiness, redisCache, logger, cfg.Cache.ActiveTTL, cfg.Cache.IdleTTL)

	backoffPolicy := backoff.NewPolicy()
	backoffPolicy.Multiplier = cfg.Backoff.Multiplier
	backoffPolicy.MaxBackoff = cfg.Backoff.MaxBackoff
	backoffPolicy.Jitter = cfg.Backoff.Jitter

	breakers := resilience.NewCircuitBreakerManager(logger)

	registry := handlers.NewRegistry().
		Register("http", handlers.NewHTTPStepHandler(30*time.Second))

	stepBreakerCfg := resilience.NewStepBreakerConfig(
		cfg.Resilience.StepBreakerMaxRequests,
		cfg.Resilience.StepBreakerInterval,
		cfg.Resilience.StepBreakerTimeout,
		cfg.Resilience.StepBreakerConsecutiveFailureThreshold,
		cfg.Resilience.StepBreakerFailureRateThreshold,
		cfg.Resilience.StepBreakerMinThroughput,
	)

	stepExecutor := executor.New(
		registry,
		stepSM,
		repository,
		rawReadiness,
		breakers,
		backoffPolicy,
		metrics,
		logger,
		executor.Config{
			MinConcurrency:           cfg.Execution.MinConcurrency,
			MaxConcurrency:           cfg.Execution.MaxConcurrency,
			ConcurrencyCacheDuration: cfg.Execution.ConcurrencyCacheDuration,
			BatchTimeoutBase:         cfg.Execution.BatchTimeoutBase,
			BatchTimeoutPerStep:      cfg.Execution.BatchTimeoutPerStep,
			MaxBatchTimeout:          cfg.Execution.MaxBatchTimeout,
			FutureCleanupWait:        cfg.Execution.FutureCleanupWait,
			GCHookEnabled:            cfg.Execution.GCHookEnabled,
			GCTriggerBatchSize:       cfg.Execution.GCTriggerBatchSize,
			GCTriggerDuration:        cfg.Execution.GCTriggerDuration,
			StepBreaker:              stepBreakerCfg,
		},
	)

	reenqueuer := reenqueue.NewReenqueuer(driver, rd, logger)

	coordOpts := []coordinator.Option{
		coordinator.WithInvalidator(rd),
		coordinator.WithMaxPassesPerInvoke(cfg.Coordinator.MaxPassesPerInvoke),
	}
	if cfg.Coordinator.UseAdvisoryLock {
		coordOpts = append(coordOpts, coordinator.WithAdvisoryLock(repository))
	}

	coord := coordinator.New(taskSM, stepSM, rd, repository, stepExecutor, reenqueuer, metrics, logger, coordOpts...)

	analyzer := analysis.New(rawReadiness, cfg.Analysis, logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = driver.Subscribe(ctx, cfg.MessageQueue.Topology.TaskQueue, func(body []byte) error {
		var envelope queue.TaskEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			return fmt.Errorf("unmarshal task envelope: %w", err)
		}

		if err := coord.Handle(ctx, envelope.TaskID); err != nil {
			logger.Error("coordinator pass failed", zap.String("task_id", envelope.TaskID), zap.Error(err))
			return err
		}

		if report, err := analyzer.Analyze(ctx, envelope.TaskID); err == nil && report.AtRisk {
			logger.Warn("task flagged at-risk", zap.String("task_id", envelope.TaskID), zap.Float64("score", report.Score))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribe to task queue: %w", err)
	}

	logger.Info("taskcore serving", zap.String("queue", cfg.MessageQueue.Topology.TaskQueue))
	<-ctx.Done()
	logger.Info("shutdown signal received, stopping")
	return nil
}
