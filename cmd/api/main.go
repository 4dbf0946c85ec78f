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
	cloudstorage "cloud.google.com/go/storage"
	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/marketlane/storefront-api/internal/di"
	"github.com/marketlane/storefront-api/internal/handlers"
	"github.com/marketlane/storefront-api/internal/payments/mpesa"
	"github.com/marketlane/storefront-api/internal/platform/config"
	pfirestore "github.com/marketlane/storefront-api/internal/platform/firestore"
	"github.com/marketlane/storefront-api/internal/platform/idempotency"
	"github.com/marketlane/storefront-api/internal/platform/observability"
	"github.com/marketlane/storefront-api/internal/platform/secrets"
	"github.com/marketlane/storefront-api/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(envValues["API_LOG_LEVEL"])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("api")

	resolver, err := newSecretResolver(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret resolver", zap.Error(err))
	}
	defer func() {
		if err := resolver.Close(); err != nil {
			logger.Warn("secret resolver close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(resolver),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	if _, err := firestoreProvider.Client(ctx); err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		if err := firestoreProvider.Close(); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	infra := di.Infrastructure{
		Firestore: firestoreProvider,
		Logger:    baseLogger,
		Build:     buildInfoFromEnv(envValues, startedAt),
		Clock:     time.Now,
	}

	if topicName := strings.TrimSpace(cfg.PubSub.OrderTopic); topicName != "" {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		topic := client.Topic(topicName)
		topic.EnableMessageOrdering = true
		topic.PublishSettings.Timeout = cfg.PubSub.PublishWait
		defer func() {
			topic.Stop()
			if err := client.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		infra.Topic = topic
	}

	if strings.TrimSpace(cfg.Storage.ArchiveBucket) != "" {
		storageClient, err := cloudstorage.NewClient(ctx)
		if err != nil {
			logger.Fatal("failed to initialise storage client", zap.Error(err))
		}
		defer func() {
			if err := storageClient.Close(); err != nil {
				logger.Warn("storage close error", zap.Error(err))
			}
		}()
		infra.Storage = storageClient
	}

	if cfg.Pending.Backend == config.PendingBackendBadger {
		db, err := mpesa.OpenBadger(cfg.Pending.BadgerDir)
		if err != nil {
			logger.Fatal("failed to open pending transaction store", zap.Error(err), zap.String("dir", cfg.Pending.BadgerDir))
		}
		defer func() {
			if err := db.Close(); err != nil {
				logger.Warn("badger close error", zap.Error(err))
			}
		}()
		infra.Badger = db
		go runBadgerGC(ctx, db, logger.Named("badger"))
	}

	container, err := di.NewContainer(ctx, cfg, infra)
	if err != nil {
		logger.Fatal("failed to build dependency container", zap.Error(err))
	}

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	if cfg.Pending.CleanupInterval > 0 {
		cleanupWG.Add(1)
		go func() {
			defer cleanupWG.Done()
			runCleanup(cleanupCtx, container, cfg.Pending, logger.Named("cleanup"))
		}()
	}

	router := handlers.NewRouter(routerOptions(cfg, container, baseLogger, infra.Build)...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("storefront api listening",
			zap.Bool("stripe", container.Services.Intents != nil),
			zap.Bool("mpesa", container.Services.Mpesa != nil),
			zap.String("pendingBackend", cfg.Pending.Backend),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func routerOptions(cfg config.Config, c *di.Container, logger *zap.Logger, build services.BuildInfo) []handlers.Option {
	idempotent := idempotency.Middleware(c.Idempotency,
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)
	createLimit := handlers.RateLimitPerMinute(cfg.RateLimits.CreatePerMinute)
	callbackLimit := handlers.RateLimitPerMinute(cfg.RateLimits.CallbackPerMinute)

	opts := []handlers.Option{
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger),
			observability.TraceMiddleware(cfg.Firestore.ProjectID),
			observability.RequestLoggerMiddleware(),
			observability.RecoveryMiddleware(logger),
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(
			handlers.WithHealthBuildInfo(build),
			handlers.WithHealthSystemService(c.Services.System),
		)),
	}

	orders := handlers.NewOrderHandlers(c.Authenticator, c.Services.Orders,
		handlers.WithOrderCreateMiddlewares(createLimit),
	)
	opts = append(opts, handlers.WithOrderRoutes(orders.Routes))

	if c.Services.Intents != nil && c.Services.Webhooks != nil {
		stripe := handlers.NewStripeHandlers(c.Authenticator, c.Services.Intents, c.Services.Webhooks,
			handlers.WithIntentMiddlewares(createLimit, idempotent),
			handlers.WithWebhookMiddlewares(callbackLimit),
		)
		opts = append(opts, handlers.WithStripeRoutes(stripe.Routes))
	}

	if c.Services.Mpesa != nil {
		mpesaRoutes := handlers.NewMpesaHandlers(c.Authenticator, c.Services.Mpesa,
			handlers.WithMpesaCallbackToken(cfg.Mpesa.CallbackToken),
			handlers.WithMpesaInitiateMiddlewares(createLimit, idempotent),
			handlers.WithMpesaCallbackMiddlewares(callbackLimit),
		)
		opts = append(opts, handlers.WithPaymentRoutes(mpesaRoutes.Routes))
	}
	return opts
}

func runCleanup(ctx context.Context, c *di.Container, cfg config.PendingConfig, logger *zap.Logger) {
	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, time.Minute)
			pending, replays, err := c.CleanupExpired(runCtx, time.Now().UTC(), cfg.CleanupBatchSize)
			cancel()
			if err != nil {
				logger.Error("expired record cleanup failed", zap.Error(err))
				continue
			}
			if pending > 0 || replays > 0 {
				logger.Info("expired records removed", zap.Int("pending", pending), zap.Int("idempotency", replays))
			}
		case <-ctx.Done():
			return
		}
	}
}

func runBadgerGC(ctx context.Context, db *badger.DB, logger *zap.Logger) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if db.IsClosed() {
				return
			}
			if err := db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				logger.Warn("value log gc failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func buildInfoFromEnv(env map[string]string, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(env["API_ENVIRONMENT"])
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func newSecretResolver(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Resolver, error) {
	lookup := func(key string) string { return strings.TrimSpace(env[key]) }

	project := lookup("API_SECRET_PROJECT_ID")
	if project == "" {
		project = lookup("API_FIRESTORE_PROJECT_ID")
	}
	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithProject(project),
		secrets.WithEnvironmentProjects(lookup("API_ENVIRONMENT"), parseKeyValueList(lookup("API_SECRET_PROJECT_IDS"))),
	}
	if path := lookup("API_SECRET_FALLBACK_FILE"); path != "" {
		opts = append(opts, secrets.WithFallbackFile(path))
	}
	if raw := lookup("API_SECRET_CACHE_TTL"); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("API_SECRET_CACHE_TTL: %w", err)
		}
		opts = append(opts, secrets.WithCacheTTL(ttl))
	}
	return secrets.NewResolver(ctx, opts...)
}

// requiredSecretNames lists the secret fields that must resolve for the gateways configured in env.
func requiredSecretNames(env map[string]string) []string {
	var required []string
	if strings.TrimSpace(env["API_PSP_STRIPE_API_KEY"]) != "" {
		required = append(required, "PSP.StripeAPIKey", "PSP.StripeWebhookSecret")
	}
	if strings.TrimSpace(env["API_MPESA_CONSUMER_KEY"]) != "" {
		required = append(required, "Mpesa.ConsumerSecret", "Mpesa.PassKey")
	}
	return required
}

func parseKeyValueList(raw string) map[string]string {
	result := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if !ok || key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	return result
}
