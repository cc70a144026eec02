// Command server runs the SOD/EOD orchestration engine: it wires the state
// store, the orchestrators, the monitor, and the metrics endpoint, then runs
// until it receives a termination signal.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/bankcore/dayops/internal/config"
	"github.com/bankcore/dayops/internal/repository"
	"github.com/bankcore/dayops/internal/service/engine"
	"github.com/bankcore/dayops/internal/service/monitor"
	"github.com/bankcore/dayops/internal/service/operation"
	"github.com/bankcore/dayops/pkg/health"
	"github.com/bankcore/dayops/pkg/lifecycle"
	"github.com/bankcore/dayops/pkg/logger"
	"github.com/bankcore/dayops/pkg/metrics"
	"github.com/bankcore/dayops/pkg/redis"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(logger.Config{
		Environment: cfg.AppEnv,
		LogLevel:    cfg.LogLevel,
		ServiceName: cfg.AppName,
	})
	defer func() { _ = log.Sync() }()

	db, err := sql.Open("postgres", cfg.DatabaseDSN())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to reach database: %w", err)
	}

	redisClient, err := redis.NewClient(redis.Config{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, log)
	if err != nil {
		// The engine degrades to uncached reads without redis.
		log.Warn("Redis unavailable, caching disabled", zap.Error(err))
		redisClient = nil
	}

	descriptorRepo := repository.NewDescriptorRepository(db, log)
	operationRepo := repository.NewOperationRepository(db, log)
	stepRepo := repository.NewStepRepository(db, log)

	checker := health.NewHealthChecker()
	checker.Register(health.NewDatabaseHealthCheck("postgres", db))
	if redisClient != nil {
		checker.Register(health.NewRedisHealthCheck("redis", redisClient.Client))
	}

	mon := monitor.New(operationRepo, stepRepo, monitor.NewRuntimeSampler(), checker.Check,
		monitor.Config{
			SampleInterval: cfg.SampleInterval,
			RecentWindow:   cfg.RecentWindow,
		}, log)

	notifier := engine.NewMonitorNotifier(mon, nil, log)
	executor := operation.NewBreakerExecutor(newLoggingExecutor(log), log)
	opCfg := operation.Config{
		StepTimeout:     cfg.StepTimeout,
		StepRetryBudget: cfg.StepRetryBudget,
		RetryInterval:   cfg.RetryInterval,
	}

	sod := operation.NewSODOrchestrator(descriptorRepo, operationRepo, stepRepo, executor, notifier, opCfg, log)
	eod := operation.NewEODOrchestrator(descriptorRepo, operationRepo, stepRepo, executor, notifier, opCfg, log)

	var cache *redis.Cache
	if redisClient != nil {
		cache = redis.NewCache(redisClient, cfg.AppName, "engine")
	}
	eng := engine.New(descriptorRepo, sod, eod, mon, cache, log)

	manager := lifecycle.NewManager(log)
	if err := manager.Register(metrics.NewServer(":"+cfg.MetricsPort, checker.Check, log)); err != nil {
		return fmt.Errorf("failed to register metrics server: %w", err)
	}
	if err := manager.Register(monitor.NewSampler(mon, log), "metrics-server"); err != nil {
		return fmt.Errorf("failed to register sampler: %w", err)
	}
	if err := manager.Register(newAPIServer(":"+cfg.AppPort, eng, log), "monitor-sampler"); err != nil {
		return fmt.Errorf("failed to register api server: %w", err)
	}
	// Keeps the cached dashboard warm between sampler passes.
	warmer := lifecycle.NewBackgroundWorker("dashboard-warmer", func(ctx context.Context) error {
		_, err := eng.GetDashboard(ctx)
		return err
	}, cfg.SampleInterval, log)
	if err := manager.Register(warmer, "api-server"); err != nil {
		return fmt.Errorf("failed to register dashboard warmer: %w", err)
	}
	manager.ScheduleCleanup("postgres", db.Close)
	if redisClient != nil {
		manager.ScheduleCleanup("redis", redisClient.Close)
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	err = manager.Start(startCtx)
	cancelStart()
	if err != nil {
		return fmt.Errorf("failed to start resources: %w", err)
	}
	log.Info("Orchestration engine running",
		zap.String("app_port", cfg.AppPort),
		zap.String("metrics_port", cfg.MetricsPort),
		zap.String("environment", cfg.AppEnv))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("Shutting down", zap.String("signal", sig.String()))

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStop()
	if err := manager.Stop(stopCtx); err != nil {
		log.Error("Shutdown incomplete", zap.Error(err))
		return err
	}
	return nil
}

// loggingExecutor is the default action executor: it records intents without
// reaching any host. Deployments replace it with a transport-backed executor.
type loggingExecutor struct {
	log *zap.Logger
}

func newLoggingExecutor(log *zap.Logger) *loggingExecutor {
	return &loggingExecutor{log: log.With(zap.String("component", "logging-executor"))}
}

func (e *loggingExecutor) Execute(_ context.Context, serviceID int64, action operation.Action) (operation.ActionResult, error) {
	e.log.Info("Action requested",
		zap.Int64("service_id", serviceID),
		zap.String("action", string(action)))
	return operation.ActionResult{Succeeded: true, Detail: fmt.Sprintf("%s acknowledged", action)}, nil
}
