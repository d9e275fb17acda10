package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hanko-field/commerce/internal/handlers"
	"github.com/hanko-field/commerce/internal/platform/auth"
	"github.com/hanko-field/commerce/internal/platform/config"
	"github.com/hanko-field/commerce/internal/platform/events"
	pfirestore "github.com/hanko-field/commerce/internal/platform/firestore"
	"github.com/hanko-field/commerce/internal/platform/idempotency"
	"github.com/hanko-field/commerce/internal/platform/observability"
	"github.com/hanko-field/commerce/internal/platform/secrets"
	"github.com/hanko-field/commerce/internal/platform/sqldb"
	"github.com/hanko-field/commerce/internal/repositories/sqlstore"
	"github.com/hanko-field/commerce/internal/services"
)

// Set at build time with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "unknown"
)

const gatewaySecretName = "gateway"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "commerce api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	startedAt := time.Now().UTC()

	fetcher, err := secrets.NewFetcher(ctx, secrets.WithProject(os.Getenv("API_SECURITY_PROJECT_ID")))
	if err != nil {
		return fmt.Errorf("initialise secret fetcher: %w", err)
	}
	defer fetcher.Close()

	cfg, err := config.Load(ctx, config.WithSecretResolver(fetcher))
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			return fmt.Errorf("missing required secrets %v", missing.RedactedNames())
		}
		return fmt.Errorf("load configuration: %w", err)
	}

	baseLogger, err := observability.NewLogger(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("initialise logger: %w", err)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	db, err := sqldb.Open(ctx, sqldb.Config{
		Driver:       cfg.Database.Driver,
		URL:          cfg.Database.URL,
		MaxOpenConns: cfg.Database.MaxOpenConns,
	}, sqldb.WithTxAttempts(cfg.Database.TxAttempts))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer closeWithTimeout(logger, "database", db.Close)

	if err := sqlstore.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	store, err := sqlstore.New(db)
	if err != nil {
		return fmt.Errorf("initialise store: %w", err)
	}

	var redisClient redis.UniversalClient
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
	}

	var firestoreProvider *pfirestore.Provider
	if cfg.Idempotency.Backend == "firestore" {
		firestoreProvider = pfirestore.NewProvider(cfg.Firestore)
		defer closeWithTimeout(logger, "firestore", firestoreProvider.Close)
	}

	metrics := observability.NewMetrics()
	eventLog := observability.EventLogger(logger.Named("commerce"))

	codes := services.NewOrderCodeGenerator(
		services.WithMaxAttempts(cfg.Checkout.CodeAttempts),
		services.WithCodeLogger(eventLog),
	)
	ledger, err := services.NewStockLedgerService(services.StockLedgerServiceDeps{
		Ledger:     store.Ledger(),
		Orders:     store.Orders(),
		Outbox:     store.Outbox(),
		UnitOfWork: store,
		Logger:     eventLog,
	})
	if err != nil {
		return fmt.Errorf("initialise stock ledger: %w", err)
	}
	carts, err := services.NewCartService(services.CartServiceDeps{
		Carts:  store.Carts(),
		Ledger: ledger,
		Logger: eventLog,
	})
	if err != nil {
		return fmt.Errorf("initialise cart service: %w", err)
	}
	checkout, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		UnitOfWork: store,
		Ledger:     ledger,
		Carts:      store.Carts(),
		Orders:     store.Orders(),
		Outbox:     store.Outbox(),
		Codes:      codes,
		Metrics:    metrics,
		Logger:     eventLog,
	})
	if err != nil {
		return fmt.Errorf("initialise checkout service: %w", err)
	}
	lifecycle, err := services.NewOrderLifecycleService(services.OrderLifecycleServiceDeps{
		UnitOfWork: store,
		Orders:     store.Orders(),
		Ledger:     ledger,
		Outbox:     store.Outbox(),
		Metrics:    metrics,
		Logger:     eventLog,
	})
	if err != nil {
		return fmt.Errorf("initialise order lifecycle service: %w", err)
	}

	authenticator := auth.NewAuthenticator(buildAuthOptions(logger.Named("auth"), cfg, redisClient, metrics)...)

	idempotencyStore, err := buildIdempotencyStore(ctx, cfg, redisClient, firestoreProvider)
	if err != nil {
		return err
	}

	publisher, closePublisher, err := buildEventPublisher(ctx, cfg.Events)
	if err != nil {
		return err
	}
	defer closePublisher()

	var background sync.WaitGroup
	runCtx, cancelBackground := context.WithCancel(ctx)
	defer func() {
		cancelBackground()
		background.Wait()
	}()

	if cfg.Idempotency.CleanupInterval > 0 {
		background.Add(1)
		go func() {
			defer background.Done()
			runIdempotencyCleanup(runCtx, logger.Named("idempotency"), idempotencyStore, cfg.Idempotency)
		}()
	}

	if publisher != nil {
		relay, err := services.NewOutboxRelay(services.OutboxRelayDeps{
			Outbox:    store.Outbox(),
			Publisher: publisher,
			Interval:  cfg.Events.OutboxInterval,
			BatchSize: cfg.Events.OutboxBatch,
			Logger:    eventLog,
		})
		if err != nil {
			return fmt.Errorf("initialise outbox relay: %w", err)
		}
		background.Add(1)
		go func() {
			defer background.Done()
			_ = relay.Run(runCtx)
		}()
		logger.Info("outbox relay started", zap.String("backend", cfg.Events.Backend))
	}

	healthOpts := []handlers.HealthOption{
		handlers.WithHealthBuildInfo(handlers.BuildInfo{
			Version:     version,
			CommitSHA:   commit,
			Environment: cfg.Security.Environment,
			StartedAt:   startedAt,
		}),
		handlers.WithHealthProbe("database", store.Ping),
	}
	if redisClient != nil {
		healthOpts = append(healthOpts, handlers.WithHealthProbe("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}))
	}
	if firestoreProvider != nil {
		healthOpts = append(healthOpts, handlers.WithHealthProbe("firestore", firestoreProvider.Ping))
	}

	limiter := buildCheckoutLimiter(cfg.Checkout.CheckoutPerMinute, redisClient)
	cartHandlers := handlers.NewCartHandlers(authenticator, carts, checkout,
		handlers.WithCartCheckoutLimiter(limiter))
	orderHandlers := handlers.NewOrderHandlers(authenticator, checkout, lifecycle,
		handlers.WithBuyNowLimiter(limiter))
	adminHandlers := handlers.NewAdminStockHandlers(authenticator, ledger, lifecycle)
	productHandlers := handlers.NewProductHandlers(ledger)

	projectID := cfg.Security.ProjectID
	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.TraceMiddleware(projectID),
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(
				observability.WithLogProjectID(projectID),
				observability.WithLogSkipPaths("/healthz", "/readyz", "/metrics"),
			),
			observability.RecoveryMiddleware(logger.Named("http")),
			metrics.Middleware,
		),
		handlers.WithMutationMiddlewares(
			authenticator.RequireIdentity(),
			observability.CallerMiddleware,
			idempotency.Middleware(idempotencyStore,
				idempotency.WithHeader(cfg.Idempotency.Header),
				idempotency.WithTTL(cfg.Idempotency.TTL),
				idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
			),
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(healthOpts...)),
		handlers.WithMetricsHandler(metrics.Handler()),
		handlers.WithCartRoutes(cartHandlers.Routes),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
		handlers.WithProductRoutes(productHandlers.Routes),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("commerce api listening", zap.String("addr", server.Addr), zap.String("database", cfg.Database.Driver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received; draining requests")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	return nil
}

// buildCheckoutLimiter shares one budget store across routes. Redis makes the budget cluster-wide.
func buildCheckoutLimiter(perMinute int, redisClient redis.UniversalClient) handlers.CheckoutLimiter {
	if perMinute <= 0 {
		return nil
	}
	if redisClient != nil {
		return handlers.NewRedisCheckoutLimiter(redisClient, "commerce:ratelimit:", perMinute, time.Minute)
	}
	return handlers.NewMemoryCheckoutLimiter(perMinute, time.Minute)
}

func buildAuthOptions(logger *zap.Logger, cfg config.Config, redisClient redis.UniversalClient, metrics *observability.Metrics) []auth.Option {
	secret := strings.TrimSpace(cfg.Security.HMAC.Secret)
	if secret == "" {
		logger.Warn("gateway signature verification disabled; trusting identity headers as-is")
		return nil
	}

	var nonces auth.NonceStore = auth.NewInMemoryNonceStore()
	if redisClient != nil {
		nonces = auth.NewRedisNonceStore(redisClient, "commerce:nonce:")
	}
	verifier := auth.NewSignatureVerifier(auth.StaticSecret(secret), gatewaySecretName, nonces,
		auth.WithSignatureLogger(observability.NewPrintfAdapter(logger)),
		auth.WithSignatureMetrics(metrics),
		auth.WithSignatureClockSkew(cfg.Security.HMAC.ClockSkew),
		auth.WithSignatureNonceTTL(cfg.Security.HMAC.NonceTTL),
	)
	return []auth.Option{auth.WithSignatureVerifier(verifier)}
}

func buildIdempotencyStore(ctx context.Context, cfg config.Config, redisClient redis.UniversalClient, provider *pfirestore.Provider) (idempotency.Store, error) {
	switch cfg.Idempotency.Backend {
	case "redis":
		if redisClient == nil {
			return nil, errors.New("idempotency: redis backend requires API_REDIS_ADDR")
		}
		return idempotency.NewRedisStore(redisClient, "commerce:idem:"), nil
	case "firestore":
		client, err := provider.Client(ctx)
		if err != nil {
			return nil, fmt.Errorf("idempotency: %w", err)
		}
		return idempotency.NewFirestoreStore(client), nil
	default:
		return idempotency.NewMemoryStore(), nil
	}
}

func buildEventPublisher(ctx context.Context, cfg config.EventsConfig) (services.EventPublisher, func(), error) {
	switch cfg.Backend {
	case "pubsub":
		client, err := pubsub.NewClient(ctx, cfg.PubSubProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("events: create pubsub client: %w", err)
		}
		publisher, err := events.NewPubSubPublisher(client.Topic(cfg.PubSubTopic))
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return publisher, func() {
			publisher.Stop()
			_ = client.Close()
		}, nil
	case "kafka":
		publisher, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, nil, err
		}
		return publisher, func() { _ = publisher.Close() }, nil
	default:
		return nil, func() {}, nil
	}
}

func runIdempotencyCleanup(ctx context.Context, logger *zap.Logger, store idempotency.Store, cfg config.IdempotencyConfig) {
	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, time.Minute)
			removed, err := store.CleanupExpired(runCtx, time.Now().UTC(), cfg.CleanupBatchSize)
			cancel()
			if err != nil {
				logger.Error("idempotency cleanup error", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("idempotency cleanup removed records", zap.Int("count", removed))
			}
		}
	}
}

func closeWithTimeout(logger *zap.Logger, name string, closeFn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := closeFn(ctx); err != nil {
		logger.Warn(name+" close error", zap.Error(err))
	}
}
