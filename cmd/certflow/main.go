// Package main is the entry point of the certflow daemon. It wires the
// workflow and assignment engines, runs the SLA breach sweep and serves
// health, readiness and metrics endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/certflow/internal/assignment"
	"github.com/pitabwire/certflow/internal/config"
	"github.com/pitabwire/certflow/internal/definition"
	"github.com/pitabwire/certflow/internal/observability"
	"github.com/pitabwire/certflow/internal/rules"
	"github.com/pitabwire/certflow/internal/sla"
	"github.com/pitabwire/certflow/internal/strategy"
	"github.com/pitabwire/certflow/internal/transport"
	"github.com/pitabwire/certflow/internal/workflow"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	checkOnly := flag.Bool("check", false, "validate configuration and definitions, then exit")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "certflow", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	var metrics *observability.Metrics
	if cfg.Observability.Metrics.Enabled {
		metrics = observability.InitMetrics(prometheus.DefaultRegisterer)
	}

	// Step 4: Load definitions, validate, build registry.
	defs, err := definition.NewLoader().LoadAll(cfg.Definitions.Directories)
	if err != nil {
		metrics.RecordDefinitionLoad("error")
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}
	ruleRegistry := rules.NewDefaultRegistry()
	defRegistry, err := definition.Build(defs, ruleRegistry)
	if err != nil {
		metrics.RecordDefinitionLoad("error")
		logger.Error("definition validation failed", zap.Error(err))
		return 1
	}
	metrics.RecordDefinitionLoad("ok")
	metrics.SetWorkflowsLoaded(len(defRegistry.IDs()))
	metrics.SetRulesRegistered(len(ruleRegistry.Names()))

	// Step 5: Build workflow engines.
	engines, err := buildWorkflowEngines(cfg, defRegistry, ruleRegistry, logger, metrics)
	if err != nil {
		logger.Error("workflow engine initialization failed", zap.Error(err))
		return 1
	}

	// Step 6: Initialize the assignment store.
	repo, storeCheck, storeCloser, err := buildRepository(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("assignment store initialization failed", zap.Error(err))
		return 1
	}
	if storeCloser != nil {
		defer storeCloser()
	}
	repo = assignment.Instrument(repo, metrics)

	// Step 7: Connect Redis (optional).
	redisClient, err := buildRedisClient(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Error("redis initialization failed", zap.Error(err))
		return 1
	}
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	// Step 8: Build the assignment engine.
	deps := strategy.Deps{
		Workload: assignment.NewRepositoryWorkload(repo),
		Metrics:  assignment.NewRepositoryMetrics(repo),
	}
	publisher := assignment.EventPublisher(assignment.NopPublisher{})
	if redisClient != nil {
		deps.Counter = strategy.NewRedisCounter(redisClient, cfg.Redis.KeyPrefix)
		publisher = assignment.NewBreakerPublisher(
			assignment.NewRedisPublisher(redisClient, cfg.Redis.EventsChannel), 5, 30*time.Second)
	}
	strategies, err := strategy.NewRegistry(cfg.Assignment.DefaultStrategy, deps,
		strategy.WithLogger(logger), strategy.WithMetrics(metrics))
	if err != nil {
		logger.Error("strategy registry initialization failed", zap.Error(err))
		return 1
	}
	calculator, err := sla.NewCalculator(cfg.Assignment.SLAHours)
	if err != nil {
		logger.Error("sla calculator initialization failed", zap.Error(err))
		return 1
	}
	pool := assignment.NewStaticCandidatePool(cfg.Assignment)
	assigner, err := assignment.NewEngine(repo, pool, strategies,
		assignment.WithLogger(logger),
		assignment.WithMetrics(metrics),
		assignment.WithPublisher(publisher),
		assignment.WithSLACalculator(calculator),
		assignment.WithNearDeadlineWindow(cfg.Assignment.NearDeadlineWindow),
	)
	if err != nil {
		logger.Error("assignment engine initialization failed", zap.Error(err))
		return 1
	}

	checkStageAssignments(ctx, engines, pool, strategies, logger)

	if *checkOnly {
		logger.Info("configuration check passed",
			zap.Strings("workflows", defRegistry.IDs()),
			zap.String("checksum", defRegistry.Checksum()),
			zap.Int("rules", len(ruleRegistry.Names())),
		)
		return 0
	}

	// Step 9: Build HTTP router.
	readiness := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return len(defRegistry.IDs()) > 0 },
		Dependencies:      map[string]observability.HealthChecker{},
	}
	if storeCheck != nil {
		readiness.Dependencies["assignment_store"] = storeCheck
	}
	if redisClient != nil {
		readiness.Dependencies["redis"] = observability.HealthCheckFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}

	routerDeps := transport.Dependencies{
		Logger:        logger,
		HealthHandler: observability.HandleHealth(),
		ReadyHandler:  observability.HandleReady(readiness),
		MetricsPath:   cfg.Observability.Metrics.Path,
	}
	if metrics != nil {
		routerDeps.MetricsHandler = observability.Handler()
	}
	handler := metrics.MetricsMiddleware(transport.NewRouter(routerDeps))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 10: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	if cfg.Assignment.SLACheckInterval > 0 {
		go runSLASweep(bgCtx, assigner, cfg.Assignment.SLACheckInterval, logger)
	}

	// Step 11: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Strings("workflows", defRegistry.IDs()),
		zap.String("store", cfg.Store.Driver),
		zap.Bool("redis", redisClient != nil),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	bgCancel()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildWorkflowEngines creates one engine per loaded workflow, or only the
// configured one when definitions.workflow is set.
func buildWorkflowEngines(
	cfg *config.Config,
	reg *definition.Registry,
	rr *rules.Registry,
	logger *zap.Logger,
	metrics *observability.Metrics,
) ([]*workflow.Engine, error) {
	ids := reg.IDs()
	if cfg.Definitions.Workflow != "" {
		ids = []string{cfg.Definitions.Workflow}
	}
	engines := make([]*workflow.Engine, 0, len(ids))
	for _, id := range ids {
		e, err := workflow.ForWorkflow(reg, id, rr,
			workflow.WithLogger(logger.With(zap.String("workflow_id", id))),
			workflow.WithMetrics(metrics),
			workflow.WithStrictTimeLimits(cfg.Workflow.StrictTimeLimits),
		)
		if err != nil {
			return nil, fmt.Errorf("workflow %q: %w", id, err)
		}
		engines = append(engines, e)
	}
	return engines, nil
}

// checkStageAssignments warns about stage assignment blocks that could
// never be satisfied: an unknown strategy or a role without candidates.
func checkStageAssignments(
	ctx context.Context,
	engines []*workflow.Engine,
	pool assignment.CandidatePool,
	strategies *strategy.Registry,
	logger *zap.Logger,
) {
	for _, e := range engines {
		for _, stage := range e.Stages() {
			req, err := e.StateRequirements(stage)
			if err != nil || req.Assignment == nil {
				continue
			}
			fields := []zap.Field{
				zap.String("workflow_id", e.WorkflowID()),
				zap.String("stage", stage),
				zap.String("role", req.Assignment.Role),
			}
			if _, err := strategies.Resolve(req.Assignment.Strategy); err != nil {
				logger.Warn("stage assignment names an unknown strategy",
					append(fields, zap.String("strategy", req.Assignment.Strategy))...)
			}
			candidates, err := pool.FindCandidatesByRole(ctx, req.Assignment.Role)
			if err == nil && len(candidates) == 0 {
				logger.Warn("stage assignment role has no candidates", fields...)
			}
		}
	}
}

// buildRepository creates the assignment store based on config. The
// returned health checker and closer are nil for the memory store.
func buildRepository(
	ctx context.Context,
	cfg config.StoreConfig,
	logger *zap.Logger,
) (assignment.Repository, observability.HealthChecker, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory assignment store")
		return assignment.NewMemoryRepository(), nil, nil, nil
	case "postgres":
		dsn := cfg.DSN()
		if dsn == "" {
			return nil, nil, nil, fmt.Errorf("assignment store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("assignment store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("assignment store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("assignment store: ping: %w", err)
		}

		store := assignment.NewPgRepository(pool)
		if cfg.ApplySchema {
			if err := store.ApplySchema(ctx); err != nil {
				pool.Close()
				return nil, nil, nil, fmt.Errorf("assignment store: %w", err)
			}
			logger.Info("assignment schema applied")
		}
		return store, store, pool.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported assignment store driver: %q", cfg.Driver)
	}
}

// buildRedisClient connects to Redis when an address is configured.
// Without one the daemon uses in-process round-robin counters and drops
// assignment events.
func buildRedisClient(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	addr := cfg.Addr()
	if addr == "" {
		logger.Info("redis not configured, using in-process counters and no event publishing")
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

// runSLASweep periodically refreshes the breached-assignment gauge and
// logs the breached jobs.
func runSLASweep(ctx context.Context, engine *assignment.Engine, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			breached, err := engine.GetSLABreachedJobs(ctx)
			if err != nil {
				logger.Error("sla sweep failed", zap.Error(err))
				continue
			}
			if len(breached) > 0 {
				ids := make([]string, 0, len(breached))
				for _, a := range breached {
					ids = append(ids, a.ID)
				}
				logger.Warn("assignments past their SLA",
					zap.Int("count", len(breached)),
					zap.Strings("assignment_ids", ids),
				)
			}
		}
	}
}
