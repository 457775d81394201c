// Package bootstrap assembles the qsign process from configuration: storage, the signing
// server and CA clients, the key-pool services, the scheduler and the ops HTTP API.
package bootstrap

import (
	"context"
	stderrors "errors"
	"os/signal"
	"syscall"
	"time"

	vaultapi "github.com/hashicorp/vault/api"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"github.com/turtacn/qsign/internal/application/scheduler"
	appservice "github.com/turtacn/qsign/internal/application/service"
	"github.com/turtacn/qsign/internal/config"
	"github.com/turtacn/qsign/internal/domain/service"
	"github.com/turtacn/qsign/internal/infrastructure/audit"
	"github.com/turtacn/qsign/internal/infrastructure/ca"
	"github.com/turtacn/qsign/internal/infrastructure/limiter"
	"github.com/turtacn/qsign/internal/infrastructure/monitoring"
	"github.com/turtacn/qsign/internal/infrastructure/persistence/postgres"
	"github.com/turtacn/qsign/internal/infrastructure/persistence/redis"
	"github.com/turtacn/qsign/internal/infrastructure/retry"
	"github.com/turtacn/qsign/internal/infrastructure/signserver"
	"github.com/turtacn/qsign/internal/infrastructure/vault"
	httpapi "github.com/turtacn/qsign/internal/interfaces/http"
	"github.com/turtacn/qsign/internal/interfaces/http/handlers"
	"github.com/turtacn/qsign/pkg/constants"
	"github.com/turtacn/qsign/pkg/errors"
	"github.com/turtacn/qsign/pkg/logger"
)

// LeaderLockKey is the Redis key replicas compete for before running scheduled jobs.
const LeaderLockKey = "qsign:scheduler:leader"

// Options tune how the App is built.
type Options struct {
	// Registerer receives the service metrics; nil uses the default registry.
	Registerer prometheus.Registerer
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	// Logger overrides the logger built from cfg.Log.
	Logger logger.Logger
}

// App is the assembled process. The key-pool services are exported so a CSC front end
// embedding qsign can call them directly.
type App struct {
	Config  *config.Config
	Logger  logger.Logger
	Catalog *config.Catalog

	Replenisher *appservice.ReplenishService
	SessionKeys *appservice.SessionKeyService
	OneTimeKeys *appservice.OneTimeKeyService
	Signing     *appservice.SigningService
	Credentials *appservice.CredentialService
	Cleanup     *appservice.CleanupService
	Validity    *appservice.ValidityService
	Scheduler   *scheduler.Scheduler
	Router      *httpapi.Router

	closers []func(ctx context.Context) error
}

// New builds every component. On failure the components created so far are closed.
func New(ctx context.Context, cfg *config.Config, opts Options) (app *App, err error) {
	log := opts.Logger
	if log == nil {
		if log, err = monitoring.NewZapLogger(cfg.Log); err != nil {
			return nil, errors.ErrConfiguration("failed to create logger").WithCause(err)
		}
	}
	logger.SetGlobalLogger(log)
	built := &App{Config: cfg, Logger: log}
	defer func() {
		if err != nil {
			_ = built.close(context.Background())
		}
	}()
	app = built

	tracing, err := monitoring.NewTracingManager(ctx, cfg.Tracing, log)
	if err != nil {
		return nil, errors.ErrConfiguration("failed to initialize tracing").WithCause(err)
	}
	app.onClose(tracing.Shutdown)

	catalog, err := config.NewCatalog(cfg.CryptoTokens)
	if err != nil {
		return nil, err
	}
	app.Catalog = catalog

	db, err := postgres.NewDBConnection(ctx, &cfg.Database, log)
	if err != nil {
		return nil, err
	}
	app.onClose(func(context.Context) error { return db.Close() })

	keys := postgres.NewKeyRepository(db.DB(), log)
	sessions := postgres.NewSessionRepository(db.DB())
	credentials := postgres.NewCredentialRepository(db.DB())
	keyEvents := postgres.NewKeyEventRepository(db.DB())
	tx := postgres.NewTransactor(db.DB())

	var redisClient goredis.UniversalClient
	if cfg.Redis.Enabled {
		if redisClient, err = redis.NewClient(ctx, cfg.Redis, log); err != nil {
			return nil, err
		}
		app.onClose(func(context.Context) error { return redisClient.Close() })
	}

	vaultClient, err := vault.NewClient(cfg.Vault)
	if err != nil {
		return nil, err
	}

	signer, err := newSigningServer(cfg, vaultClient, catalog, log, app)
	if err != nil {
		return nil, err
	}
	caClient := ca.NewCachedRevocation(
		ca.NewVaultPKIClient(vaultClient, cfg.CA, log),
		cfg.CA.RevocationCacheTTL,
		redisClient,
		log,
	)

	sinks := audit.MultiSink{audit.NewStoreSink(keyEvents)}
	if cfg.Kafka.Enabled {
		kafkaSink := audit.NewKafkaSink(cfg.Kafka, log)
		app.onClose(func(context.Context) error { return kafkaSink.Close() })
		sinks = append(sinks, kafkaSink)
	}

	metrics := monitoring.NewMetrics(opts.Registerer)
	retrier := retry.New(retry.Policy{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialInterval: cfg.Retry.InitialInterval,
		Multiplier:      cfg.Retry.Multiplier,
		MaxInterval:     cfg.Retry.MaxInterval,
	}, log, retry.WithMetrics(metrics))
	genGate := limiter.NewGate("key-generation", cfg.KeyPool.MaxKeyGeneration)
	delGate := limiter.NewGate("key-deletion", cfg.KeyPool.MaxKeyDeletion)

	app.Replenisher = appservice.NewReplenishService(catalog, keys, signer, caClient, sinks, metrics, retrier,
		genGate, delGate, appservice.ReplenishSettings{
			ProvisioningTimeout: cfg.KeyPool.ProvisioningTimeout,
			SweepBatchSize:      cfg.Cleanup.BatchSize,
		}, log)
	app.SessionKeys = appservice.NewSessionKeyService(catalog, keys, sessions, tx, sinks, metrics, retrier,
		cfg.Cleanup.SigningSessionTTL, log)
	app.OneTimeKeys = appservice.NewOneTimeKeyService(catalog, keys, sinks, metrics, retrier, log)
	app.Signing = appservice.NewSigningService(catalog, app.OneTimeKeys, keys, sessions, signer, retrier, log)
	app.Credentials = appservice.NewCredentialService(catalog, credentials, keys, log)
	app.Cleanup = appservice.NewCleanupService(keys, sessions, tx, signer, sinks, metrics, retrier, delGate,
		appservice.CleanupSettings{
			UsedUpKeyKeepTime:       cfg.Cleanup.UsedUpKeyKeepTime,
			StaleReservationTimeout: cfg.Cleanup.StaleReservationTimeout,
			BatchSize:               cfg.Cleanup.BatchSize,
		}, log)
	app.Validity = appservice.NewValidityService(caClient, retrier, log)

	var leader scheduler.Leader
	if redisClient != nil {
		leader = redis.NewLeaderLock(redisClient, LeaderLockKey, cfg.Redis.LockTTL)
	}
	app.Scheduler = scheduler.New(app.Replenisher, app.Cleanup, leader, scheduler.SettingsFromConfig(cfg), log)

	checks := map[string]handlers.Pinger{
		"database": db,
		"vault":    handlers.PingFunc(vaultHealth(vaultClient)),
	}
	if redisClient != nil {
		checks["redis"] = handlers.PingFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}
	app.Router = httpapi.NewRouter(cfg, httpapi.Dependencies{
		Health:   handlers.NewHealthHandler(checks),
		Admin:    handlers.NewAdminHandler(app.Replenisher, app.Scheduler, log),
		Observer: metrics,
		Gatherer: opts.Gatherer,
	}, log)

	log.Info(ctx, "qsign assembled",
		logger.String("signserver_backend", cfg.SignServer.Backend),
		logger.Int("crypto_tokens", len(catalog.Tokens())),
		logger.Bool("redis", redisClient != nil),
		logger.Bool("kafka", cfg.Kafka.Enabled),
	)
	return app, nil
}

func newSigningServer(cfg *config.Config, client *vaultapi.Client, catalog service.TokenCatalog, log logger.Logger, app *App) (service.SigningServerClient, error) {
	switch cfg.SignServer.Backend {
	case "pkcs11":
		token, err := signserver.NewPKCS11Token(cfg.PKCS11, catalog, log)
		if err != nil {
			return nil, err
		}
		app.onClose(func(context.Context) error { return token.Close() })
		return token, nil
	case "vault", "":
		return signserver.NewVaultToken(client, cfg.SignServer, catalog, log), nil
	default:
		return nil, errors.ErrConfiguration("unsupported signserver backend " + cfg.SignServer.Backend)
	}
}

func vaultHealth(client *vaultapi.Client) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		health, err := client.Sys().HealthWithContext(ctx)
		if err != nil {
			return err
		}
		if health.Sealed {
			return stderrors.New("vault is sealed")
		}
		return nil
	}
}

// Run starts the scheduler and the HTTP server and blocks until SIGINT/SIGTERM or a server failure.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.Config.KeyPool.SchedulerEnabled {
		if err := a.Scheduler.Start(ctx); err != nil {
			return err
		}
	} else {
		a.Logger.Warn(ctx, "Scheduler disabled, pools are only replenished through the admin API")
	}

	serverErr := make(chan error, 1)
	go func() { serverErr <- a.Router.Start() }()

	var runErr error
	select {
	case <-ctx.Done():
		a.Logger.Info(context.Background(), "Shutdown signal received")
	case runErr = <-serverErr:
		if runErr != nil {
			a.Logger.Error(context.Background(), "HTTP server failed", runErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.DefaultShutdownTimeout)
	defer cancel()
	return stderrors.Join(runErr, a.Shutdown(shutdownCtx))
}

// Shutdown stops the HTTP server and the scheduler, then releases every resource.
func (a *App) Shutdown(ctx context.Context) error {
	start := time.Now()
	errs := []error{
		a.Router.Stop(ctx),
		a.Scheduler.Stop(ctx),
		a.close(ctx),
	}
	a.Logger.Info(ctx, "qsign stopped", logger.Duration("elapsed", time.Since(start)))
	return stderrors.Join(errs...)
}

func (a *App) onClose(fn func(ctx context.Context) error) {
	a.closers = append(a.closers, fn)
}

// close runs the closers in reverse creation order.
func (a *App) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return stderrors.Join(errs...)
}
