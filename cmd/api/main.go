package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/launchbay/engine/internal/api"
	"github.com/launchbay/engine/internal/api/handlers"
	"github.com/launchbay/engine/internal/cluster"
	"github.com/launchbay/engine/internal/collab"
	"github.com/launchbay/engine/internal/events"
	"github.com/launchbay/engine/internal/hub"
	"github.com/launchbay/engine/internal/pipeline"
	"github.com/launchbay/engine/internal/reconcile"
	"github.com/launchbay/engine/internal/repair"
	"github.com/launchbay/engine/internal/repository"
	"github.com/launchbay/engine/pkg/config"
	"github.com/launchbay/engine/pkg/database"
	"github.com/launchbay/engine/pkg/logger"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func main() {
	cfg := config.MustLoad()

	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	log.Info("starting launchbay engine api",
		zap.String("env", cfg.AppEnv),
		zap.String("addr", cfg.HTTPAddr),
	)

	ctx := context.Background()
	db, err := database.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}

	gw, err := cluster.NewGateway(cfg.Kubeconfig)
	if err != nil {
		log.Fatal("failed to build cluster gateway", zap.Error(err))
	}

	projectRepo := repository.NewProjectRepository(db)
	serviceRepo := repository.NewServiceRepository(db)
	deploymentRepo := repository.NewDeploymentRepository(db)
	sessionRepo := repository.NewDebugSessionRepository(db)
	attemptRepo := repository.NewDebugAttemptRepository(db)

	// Events published by the worker process arrive through the relay and
	// fan out to websocket subscribers here.
	bus := events.NewBus()
	defer bus.Close()
	relay := events.NewRelay(rdb, bus)
	relay.Start(ctx)
	defer relay.Stop()

	// Audit trail: every deployment status movement gets one log line,
	// whichever process produced it.
	bus.SubscribeCategory("deployment", func(e events.Event) {
		log.Info("deployment event", zap.String("channel", e.Channel))
	})

	eventHub := hub.NewHub()
	detachHub := hub.AttachBus(bus, eventHub)
	defer detachHub()

	authorizer := hub.NewAuthorizer(projectRepo, serviceRepo, deploymentRepo, sessionRepo)

	pipe := pipeline.NewPipeline(gw, deploymentRepo, bus, collab.NewLogNotifier(), pipeline.Options{
		Registry:      cfg.RegistryURL,
		BuilderImage:  cfg.BuilderImage,
		CloneImage:    cfg.CloneImage,
		IngressDomain: cfg.IngressDomain,
		PollInterval:  cfg.BuildPollInterval,
		BuildTimeout:  cfg.BuildTimeout,
	})
	model := collab.NewOpenAIModel(cfg.OpenAIAPIKey, cfg.OpenAIModel)
	source := collab.NewGitHubSource(ctx, cfg.GitHubToken)
	repairer := repair.NewRepairer(gw, sessionRepo, attemptRepo, serviceRepo, deploymentRepo, model, source, pipe, bus)
	reconciler := reconcile.NewReconciler(gw, projectRepo, deploymentRepo, bus)

	queue := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer queue.Close()

	jwtSecret := []byte(cfg.JWTSecret)
	if len(jwtSecret) == 0 {
		log.Warn("JWT_SECRET not set, using default (INSECURE for production)")
		jwtSecret = []byte("change-me-in-production-please")
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Fatal("failed to unwrap sql db", zap.Error(err))
	}
	pingers := map[string]handlers.Pinger{
		"database": pingerFunc(sqlDB.PingContext),
		"redis":    pingerFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
	}

	router := api.NewRouter(api.Dependencies{
		Health:        handlers.NewHealthHandler(pingers),
		Deploy:        handlers.NewDeployHandler(gw, projectRepo, serviceRepo, deploymentRepo, queue),
		Repair:        handlers.NewRepairHandler(repairer, projectRepo, serviceRepo, deploymentRepo, sessionRepo, attemptRepo, queue),
		Ops:           handlers.NewOpsHandler(reconciler, eventHub),
		WS:            handlers.NewWSHandler(eventHub, authorizer, jwtSecret),
		HMACSecret:    jwtSecret,
		AllowedOrigin: cfg.CORSAllowedOrigin,
	})

	// Periodic dry-run drift sweep. Repairs stay manual through the ops
	// endpoint; the sweep only reports.
	sweeper := cron.New()
	_, err = sweeper.AddFunc(cfg.ReconcileSchedule, func() {
		sweepCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		status, err := reconciler.GetHealthStatus(sweepCtx)
		if err != nil {
			log.Error("reconcile sweep failed", zap.Error(err))
			return
		}
		if status.Healthy {
			log.Info("reconcile sweep clean",
				zap.Int("projects", status.ProjectCount),
				zap.Int("namespaces", status.NamespaceCount),
			)
			return
		}
		log.Warn("reconcile sweep found drift",
			zap.Strings("orphaned_namespaces", status.OrphanedNamespaces),
			zap.Strings("ghost_projects", status.GhostProjects),
			zap.String("cluster_error", status.ClusterError),
		)
	})
	if err != nil {
		log.Fatal("invalid reconcile schedule", zap.Error(err))
	}
	sweeper.Start()
	defer sweeper.Stop()

	// Read/write timeouts stay unset: /ws connections are long-lived and
	// per-message deadlines are handled inside the hub.
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server starting", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	} else {
		log.Info("server exited gracefully")
	}
}
