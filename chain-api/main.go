package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sourcegraph/conc"

	"github.com/chainops/chain-go/internal/jobs"
	"github.com/chainops/chain-go/internal/platform/auth"
	"github.com/chainops/chain-go/internal/platform/httpserver"
	"github.com/chainops/chain-go/internal/platform/objectstore"
	"github.com/chainops/chain-go/internal/platform/postgres"
	"github.com/chainops/chain-go/internal/platform/redis"
	"github.com/chainops/chain-go/internal/plugins"
	repopg "github.com/chainops/chain-go/internal/repo/postgres"
	"github.com/chainops/chain-go/internal/service/chain"
	"github.com/chainops/chain-go/internal/service/lifecycle"
	"github.com/chainops/chain-go/internal/service/reports"
)

const readinessTimeout = 750 * time.Millisecond

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := configFromEnv()
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if dbCfg.Migrate {
		applied, err := postgres.Migrate(db)
		if err != nil {
			logger.Error("database migration failed", "error", err)
			os.Exit(1)
		}
		logger.Info("database migrated", "applied", applied)
	}

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}

	readiness := []httpserver.ReadinessCheck{
		{Name: "postgres", Check: httpserver.CheckWithTimeout(readinessTimeout, db.PingContext)},
	}

	var redisClient *goredis.Client
	var redisCfg redis.Config
	if cfg.usesRedis() {
		redisCfg, err = redis.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid redis config", "error", err)
			os.Exit(2)
		}
		redisClient, err = redis.Open(ctx, redisCfg)
		if err != nil {
			logger.Error("redis unavailable", "error", err)
			os.Exit(1)
		}
		defer func() { _ = redisClient.Close() }()
		readiness = append(readiness, httpserver.ReadinessCheck{
			Name:  "redis",
			Check: httpserver.CheckWithTimeout(readinessTimeout, redis.Ping(redisClient)),
		})
	}

	operationStore := repopg.NewOperationStore(db)
	adversaryStore := repopg.NewAdversaryStore(db)
	abilityStore := repopg.NewAbilityStore(db)
	agentStore := repopg.NewAgentStore(db)
	factStore := repopg.NewFactStore(db)
	resultStore := repopg.NewResultStore(db)
	catalogStore := repopg.NewCatalogStore(db)

	var locker lifecycle.Locker = lifecycle.NewLocalLocker()
	if cfg.LockBackend == backendRedis {
		redisLocker, err := redis.NewLocker(redisClient, redisCfg)
		if err != nil {
			logger.Error("redis locker init failed", "error", err)
			os.Exit(2)
		}
		locker = redisLocker
	}
	guard := lifecycle.New(operationStore, lifecycle.WithLocker(locker), lifecycle.WithLogger(logger))

	runner, err := jobs.NewPhaseRunner(operationStore, adversaryStore, guard, cfg.Runner, logger)
	if err != nil {
		logger.Error("operation runner init failed", "error", err)
		os.Exit(2)
	}

	var workers conc.WaitGroup
	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	var queue jobs.Queue
	var localQueue *jobs.LocalQueue
	switch cfg.JobBackend {
	case backendRedis:
		streamQueue, err := jobs.NewStreamQueue(redisClient, cfg.Stream)
		if err != nil {
			logger.Error("job stream init failed", "error", err)
			os.Exit(2)
		}
		consumer, err := jobs.NewStreamConsumer(redisClient, cfg.Stream, runner, logger)
		if err != nil {
			logger.Error("job consumer init failed", "error", err)
			os.Exit(2)
		}
		workers.Go(func() {
			if err := consumer.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("job consumer stopped", "error", err)
			}
		})
		queue = streamQueue
	default:
		localQueue, err = jobs.NewLocalQueue(workerCtx, jobs.LocalConfig{Workers: cfg.JobWorkers, Buffer: cfg.JobBuffer}, runner, logger)
		if err != nil {
			logger.Error("job queue init failed", "error", err)
			os.Exit(2)
		}
		queue = localQueue
	}

	registry, err := plugins.LoadFile(cfg.PluginsFile)
	if err != nil {
		logger.Error("invalid plugins file", "path", cfg.PluginsFile, "error", err)
		os.Exit(2)
	}

	var archive *reports.Archive
	if cfg.ReportsEnabled {
		storeCfg, err := objectstore.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid object store config", "error", err)
			os.Exit(2)
		}
		storeClient, err := objectstore.NewMinIOClient(storeCfg)
		if err != nil {
			logger.Error("object store client init failed", "error", err)
			os.Exit(2)
		}
		startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := objectstore.EnsureReportsBucket(startupCtx, storeClient, storeCfg); err != nil {
			cancel()
			logger.Error("object store unavailable", "error", err)
			os.Exit(1)
		}
		cancel()
		archive, err = reports.NewArchive(storeClient, storeCfg.BucketReports)
		if err != nil {
			logger.Error("report archive init failed", "error", err)
			os.Exit(2)
		}
		readiness = append(readiness, httpserver.ReadinessCheck{
			Name:  "minio",
			Check: httpserver.CheckWithTimeout(readinessTimeout, objectstore.CheckReportsBucket(storeClient, storeCfg)),
		})
	}
	generator, err := reports.NewGenerator(reports.Sources{
		Operations:  operationStore,
		Adversaries: adversaryStore,
		Facts:       factStore,
		Results:     resultStore,
	}, archive)
	if err != nil {
		logger.Error("report generator init failed", "error", err)
		os.Exit(2)
	}

	service, err := chain.New(chain.Stores{
		Operations:  operationStore,
		Adversaries: adversaryStore,
		Abilities:   abilityStore,
		Agents:      agentStore,
		Facts:       factStore,
		Results:     resultStore,
		Sources:     catalogStore,
		Planners:    catalogStore,
	}, queue, registry, logger)
	if err != nil {
		logger.Error("chain service init failed", "error", err)
		os.Exit(2)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(serviceName))
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks(serviceName, readiness...))

	api := newChainAPI(logger, db, service, guard, generator)
	api.register(mux)

	var handler http.Handler = mux
	switch authCfg.Mode {
	case auth.ModeDisabled:
		logger.Warn("authentication disabled", "service", serviceName)
	default:
		var authenticator auth.Authenticator
		if authCfg.Mode == auth.ModeOIDC {
			oidcService, err := auth.NewOIDCService(ctx, authCfg)
			if err != nil {
				logger.Error("oidc init failed", "error", err)
				os.Exit(1)
			}
			oidcService.Routes(mux)
			authenticator = oidcService
		} else {
			authenticator = auth.NewDevAuthenticator(authCfg)
		}
		handler = auth.Middleware{
			Logger:        logger,
			Authenticator: authenticator,
			Authorize:     auth.MethodRoleAuthorizer(),
			Audit:         auth.AuditDenials(db, serviceName),
			SkipPrefixes:  []string{"/healthz", "/readyz", "/auth/"},
		}.Wrap(mux)
	}

	if err := httpserver.Run(ctx, logger, cfg.HTTP, httpserver.Wrap(logger, serviceName, handler)); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}

	if localQueue != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		if err := localQueue.Close(drainCtx); err != nil {
			logger.Warn("job queue drain incomplete", "error", err)
		}
		cancel()
	}
	stopWorkers()
	workers.Wait()
}
