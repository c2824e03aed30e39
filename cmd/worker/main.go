package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/launchbay/engine/internal/cluster"
	"github.com/launchbay/engine/internal/collab"
	"github.com/launchbay/engine/internal/events"
	"github.com/launchbay/engine/internal/pipeline"
	"github.com/launchbay/engine/internal/queue/tasks"
	"github.com/launchbay/engine/internal/repair"
	"github.com/launchbay/engine/internal/repository"
	"github.com/launchbay/engine/pkg/config"
	"github.com/launchbay/engine/pkg/database"
	"github.com/launchbay/engine/pkg/logger"
)

func main() {
	cfg := config.MustLoad()

	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	log.Info("starting launchbay engine worker",
		zap.String("env", cfg.AppEnv),
		zap.Int("concurrency", cfg.AsynqConcurrency),
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

	// Status events published here must reach websocket subscribers in the
	// api process; the relay carries them over redis.
	bus := events.NewBus()
	defer bus.Close()
	relay := events.NewRelay(rdb, bus)
	relay.Start(ctx)
	defer relay.Stop()

	credStore, err := collab.NewAESCredentialStore(cfg.CredentialsKey)
	if err != nil {
		log.Fatal("invalid credentials key", zap.Error(err))
	}
	defaultCreds := collab.BuildCredentials{GitToken: cfg.GitHubToken}

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

	deployHandler := tasks.NewDeployTaskHandler(gw, pipe, projectRepo, serviceRepo, deploymentRepo, credStore, defaultCreds)
	repairHandler := tasks.NewRepairTaskHandler(repairer, sessionRepo, serviceRepo, projectRepo, deploymentRepo, credStore, defaultCreds)

	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword},
		asynq.Config{
			Concurrency: cfg.AsynqConcurrency,
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeDeploymentRun, deployHandler.HandleDeploy)
	mux.HandleFunc(tasks.TypeDebugRun, repairHandler.HandleRepair)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(mux); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("worker error", zap.Error(err))
	}

	srv.Shutdown()
	log.Info("worker exited gracefully")
}
