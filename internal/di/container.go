package di

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	"github.com/marketlane/storefront-api/internal/payments"
	"github.com/marketlane/storefront-api/internal/payments/mpesa"
	"github.com/marketlane/storefront-api/internal/platform/auth"
	"github.com/marketlane/storefront-api/internal/platform/config"
	pfirestore "github.com/marketlane/storefront-api/internal/platform/firestore"
	"github.com/marketlane/storefront-api/internal/platform/idempotency"
	"github.com/marketlane/storefront-api/internal/platform/jobs"
	"github.com/marketlane/storefront-api/internal/platform/observability"
	"github.com/marketlane/storefront-api/internal/platform/storage"
	"github.com/marketlane/storefront-api/internal/repositories"
	firestoreRepo "github.com/marketlane/storefront-api/internal/repositories/firestore"
	"github.com/marketlane/storefront-api/internal/services"
)

const idempotencyCollection = "idempotency_keys"

// Infrastructure carries the external clients opened by main. Topic, Storage and Badger are
// optional; a nil value switches the dependent feature off.
type Infrastructure struct {
	Firestore *pfirestore.Provider
	Topic     *pubsub.Topic
	Storage   *gcs.Client
	Badger    *badger.DB
	Meter     metric.Meter
	Logger    *zap.Logger
	Build     services.BuildInfo
	Clock     func() time.Time
}

// Services bundles the service contracts handlers rely upon. Intents, Webhooks and Mpesa are nil
// when the matching gateway is not configured.
type Services struct {
	Orders   services.OrderService
	Intents  services.PaymentIntentService
	Webhooks services.StripeWebhookService
	Mpesa    services.MpesaService
	System   services.SystemService
}

// Container wires repositories, gateways and services for runtime use.
type Container struct {
	Config        config.Config
	Services      Services
	Authenticator *auth.Authenticator
	Idempotency   idempotency.Store
	Pending       mpesa.Store
	Metrics       *observability.PaymentMetrics
}

// NewContainer constructs the runtime dependency graph.
func NewContainer(ctx context.Context, cfg config.Config, infra Infrastructure) (*Container, error) {
	if infra.Firestore == nil {
		return nil, errors.New("di: firestore provider is required")
	}
	if infra.Logger == nil {
		infra.Logger = zap.NewNop()
	}
	if infra.Clock == nil {
		infra.Clock = time.Now
	}

	c := &Container{Config: cfg}

	authenticator, err := buildAuthenticator(cfg.Auth, infra.Logger)
	if err != nil {
		return nil, err
	}
	c.Authenticator = authenticator

	metrics, err := observability.NewPaymentMetrics(infra.Meter)
	if err != nil {
		return nil, fmt.Errorf("di: payment metrics: %w", err)
	}
	c.Metrics = metrics

	pending, err := buildPendingStore(cfg.Pending, infra)
	if err != nil {
		return nil, err
	}
	c.Pending = pending

	if cfg.Pending.Backend == config.PendingBackendMemory {
		c.Idempotency = idempotency.NewMemoryStore()
	} else {
		c.Idempotency = idempotency.NewFirestoreStore(infra.Firestore, idempotencyCollection)
	}

	var events services.OrderEventPublisher
	if infra.Topic != nil {
		publisher, err := jobs.NewPubSubOrderEventPublisher(infra.Topic)
		if err != nil {
			return nil, fmt.Errorf("di: order event publisher: %w", err)
		}
		events = publisher
	}

	var archiver services.PayloadArchiver
	if bucket := strings.TrimSpace(cfg.Storage.ArchiveBucket); bucket != "" && infra.Storage != nil {
		writer, err := storage.NewGCSWriter(infra.Storage)
		if err != nil {
			return nil, fmt.Errorf("di: archive writer: %w", err)
		}
		a, err := storage.NewArchiver(writer, bucket)
		if err != nil {
			return nil, fmt.Errorf("di: archiver: %w", err)
		}
		archiver = a
	}

	orders, err := firestoreRepo.NewOrderRepository(infra.Firestore)
	if err != nil {
		return nil, fmt.Errorf("di: order repository: %w", err)
	}
	resolver, err := buildResolver(cfg.Orders, infra)
	if err != nil {
		return nil, err
	}
	counters, err := firestoreRepo.NewCounterRepository(infra.Firestore, infra.Clock)
	if err != nil {
		return nil, fmt.Errorf("di: counter repository: %w", err)
	}
	numbers, err := services.NewCounterService(services.CounterServiceDeps{Repository: counters, Clock: infra.Clock})
	if err != nil {
		return nil, fmt.Errorf("di: order numbers: %w", err)
	}

	var stripe *payments.StripeProvider
	providers := map[string]payments.Provider{payments.ProviderMpesa: mpesa.NewProvider(pending)}
	if strings.TrimSpace(cfg.PSP.StripeAPIKey) != "" {
		stripe, err = payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey:        cfg.PSP.StripeAPIKey,
			WebhookSecret: cfg.PSP.StripeWebhookSecret,
			Breaker:       breakerConfig(cfg.PSP, infra.Logger),
			Logger:        observability.EventLogger(infra.Logger, "stripe"),
			Clock:         infra.Clock,
		})
		if err != nil {
			return nil, fmt.Errorf("di: stripe provider: %w", err)
		}
		providers[payments.ProviderStripe] = stripe
	}
	lookup, err := payments.NewManager(providers)
	if err != nil {
		return nil, fmt.Errorf("di: payment manager: %w", err)
	}

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:              orders,
		Resolver:            resolver,
		Numbers:             numbers,
		Payments:            lookup,
		Events:              events,
		Metrics:             metrics,
		RaceHeuristicWindow: cfg.Orders.RaceHeuristicWindow,
		Clock:               infra.Clock,
		Logger:              observability.EventLogger(infra.Logger, "orders"),
	})
	if err != nil {
		return nil, fmt.Errorf("di: order service: %w", err)
	}
	c.Services.Orders = orderSvc

	if stripe != nil {
		intents, err := services.NewPaymentIntentService(services.PaymentIntentServiceDeps{
			Orders:          orderSvc,
			Repository:      orders,
			Stripe:          stripe,
			Events:          events,
			DefaultCurrency: cfg.PSP.DefaultCurrency,
			Clock:           infra.Clock,
			Logger:          observability.EventLogger(infra.Logger, "payment_intents"),
		})
		if err != nil {
			return nil, fmt.Errorf("di: payment intent service: %w", err)
		}
		webhooks, err := services.NewStripeWebhookService(services.StripeWebhookServiceDeps{
			Orders:      orders,
			Stripe:      stripe,
			Archiver:    archiver,
			Metrics:     metrics,
			Events:      events,
			MatchWindow: cfg.Orders.WebhookMatchWindow,
			Clock:       infra.Clock,
			Logger:      observability.EventLogger(infra.Logger, "stripe_webhooks"),
		})
		if err != nil {
			return nil, fmt.Errorf("di: stripe webhook service: %w", err)
		}
		c.Services.Intents = intents
		c.Services.Webhooks = webhooks
	}

	if cfg.Mpesa.Enabled() {
		client, err := mpesa.NewClient(mpesa.Config{
			BaseURL:        cfg.Mpesa.BaseURL,
			ConsumerKey:    cfg.Mpesa.ConsumerKey,
			ConsumerSecret: cfg.Mpesa.ConsumerSecret,
			ShortCode:      cfg.Mpesa.ShortCode,
			PassKey:        cfg.Mpesa.PassKey,
			CallbackURL:    cfg.Mpesa.CallbackURL,
			Timeout:        cfg.Mpesa.RequestTimeout,
			Breaker:        breakerConfig(cfg.PSP, infra.Logger),
			Clock:          infra.Clock,
		})
		if err != nil {
			return nil, fmt.Errorf("di: mpesa client: %w", err)
		}
		mpesaSvc, err := services.NewMpesaService(services.MpesaServiceDeps{
			Client:      client,
			Store:       pending,
			Orders:      orders,
			Archiver:    archiver,
			Metrics:     metrics,
			Events:      events,
			CountryCode: cfg.Mpesa.CountryCode,
			PendingTTL:  cfg.Pending.TTL,
			Clock:       infra.Clock,
			Logger:      observability.EventLogger(infra.Logger, "mpesa"),
		})
		if err != nil {
			return nil, fmt.Errorf("di: mpesa service: %w", err)
		}
		c.Services.Mpesa = mpesaSvc
	}

	health, err := repositories.NewDependencyHealthRepository(healthChecks(cfg, infra), infra.Clock)
	if err != nil {
		return nil, fmt.Errorf("di: health repository: %w", err)
	}
	system, err := services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: health,
		OptionalChecks:   []string{"pubsub", "archive"},
		Clock:            infra.Clock,
		Build:            infra.Build,
	})
	if err != nil {
		return nil, fmt.Errorf("di: system service: %w", err)
	}
	c.Services.System = system

	return c, nil
}

// CleanupExpired purges expired pending transactions and idempotency records, up to limit each.
func (c *Container) CleanupExpired(ctx context.Context, now time.Time, limit int) (pending, replays int, err error) {
	if c.Pending != nil {
		if pending, err = c.Pending.Cleanup(ctx, now, limit); err != nil {
			return pending, 0, fmt.Errorf("pending cleanup: %w", err)
		}
	}
	if c.Idempotency != nil {
		if replays, err = c.Idempotency.CleanupExpired(ctx, now, limit); err != nil {
			return pending, replays, fmt.Errorf("idempotency cleanup: %w", err)
		}
	}
	return pending, replays, nil
}

func buildAuthenticator(cfg config.AuthConfig, logger *zap.Logger) (*auth.Authenticator, error) {
	var jwks *auth.JWKSCache
	if url := strings.TrimSpace(cfg.JWKSURL); url != "" {
		jwks = auth.NewJWKSCache(url,
			auth.WithJWKSLogger(observability.NewPrintfAdapter(logger.Named("jwks"))),
			auth.WithJWKSRefreshInterval(cfg.JWKSRefresh),
		)
	}
	verifier, err := auth.NewJWTVerifier(auth.VerifierConfig{
		Secret:     cfg.JWTSecret,
		JWKS:       jwks,
		Issuer:     cfg.Issuer,
		Audience:   cfg.Audience,
		AdminRoles: cfg.AdminRoleClaims,
		Leeway:     30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("di: jwt verifier: %w", err)
	}
	return auth.NewAuthenticator(verifier), nil
}

func buildPendingStore(cfg config.PendingConfig, infra Infrastructure) (mpesa.Store, error) {
	switch cfg.Backend {
	case config.PendingBackendMemory:
		return mpesa.NewMemoryStore(infra.Clock), nil
	case config.PendingBackendBadger:
		if infra.Badger == nil {
			return nil, errors.New("di: badger backend selected but no database was opened")
		}
		return mpesa.NewBadgerStore(infra.Badger, infra.Clock), nil
	default:
		store, err := mpesa.NewFirestoreStore(infra.Firestore, infra.Clock)
		if err != nil {
			return nil, fmt.Errorf("di: pending store: %w", err)
		}
		return store, nil
	}
}

func buildResolver(cfg config.OrdersConfig, infra Infrastructure) (*services.IdentifierResolver, error) {
	products, err := firestoreRepo.NewProductRepository(infra.Firestore)
	if err != nil {
		return nil, fmt.Errorf("di: product repository: %w", err)
	}
	vendorProducts, err := firestoreRepo.NewVendorProductRepository(infra.Firestore)
	if err != nil {
		return nil, fmt.Errorf("di: vendor product repository: %w", err)
	}
	provisioner, err := firestoreRepo.NewVendorProfileProvisioner(infra.Firestore)
	if err != nil {
		return nil, fmt.Errorf("di: vendor provisioner: %w", err)
	}
	resolver, err := services.NewIdentifierResolver(services.IdentifierResolverDeps{
		Products:              products,
		VendorProducts:        vendorProducts,
		Vendors:               firestoreRepo.NewLegacyVendorDirectory(infra.Firestore),
		Provisioner:           provisioner,
		AdminFallbackVendorID: cfg.AdminFallbackVendorID,
		ProbeParallelism:      cfg.VendorProbeParallel,
		Logger:                observability.EventLogger(infra.Logger, "identifiers"),
	})
	if err != nil {
		return nil, fmt.Errorf("di: identifier resolver: %w", err)
	}
	return resolver, nil
}

func breakerConfig(cfg config.PSPConfig, logger *zap.Logger) payments.BreakerConfig {
	named := logger.Named("breaker")
	return payments.BreakerConfig{
		Failures: cfg.BreakerFailures,
		Timeout:  cfg.BreakerTimeout,
		OnStateChange: func(name, from, to string) {
			named.Warn("gateway breaker state changed",
				zap.String("gateway", name), zap.String("from", from), zap.String("to", to))
		},
	}
}

func healthChecks(cfg config.Config, infra Infrastructure) []repositories.DependencyCheck {
	checks := []repositories.DependencyCheck{{
		Name: "firestore",
		Check: func(ctx context.Context) error {
			client, err := infra.Firestore.Client(ctx)
			if err != nil {
				return err
			}
			_, err = client.Collections(ctx).Next()
			if errors.Is(err, iterator.Done) {
				return nil
			}
			return err
		},
	}}
	if infra.Topic != nil {
		topic := infra.Topic
		checks = append(checks, repositories.DependencyCheck{
			Name: "pubsub",
			Check: func(ctx context.Context) error {
				ok, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("topic %s does not exist", topic.ID())
				}
				return nil
			},
		})
	}
	if bucket := strings.TrimSpace(cfg.Storage.ArchiveBucket); bucket != "" && infra.Storage != nil {
		client := infra.Storage
		checks = append(checks, repositories.DependencyCheck{
			Name: "archive",
			Check: func(ctx context.Context) error {
				_, err := client.Bucket(bucket).Attrs(ctx)
				return err
			},
		})
	}
	if infra.Badger != nil {
		db := infra.Badger
		checks = append(checks, repositories.DependencyCheck{
			Name: "pending_store",
			Check: func(context.Context) error {
				if db.IsClosed() {
					return errors.New("badger database is closed")
				}
				return nil
			},
		})
	}
	return checks
}
