package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

const (
	envPrefix      = "API_"
	defaultEnvFile = ".env"

	// PendingBackendMemory keeps pending M-Pesa transactions in process memory.
	PendingBackendMemory = "memory"
	// PendingBackendFirestore shares pending transactions across instances.
	PendingBackendFirestore = "firestore"
	// PendingBackendBadger persists pending transactions on local disk.
	PendingBackendBadger = "badger"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	LogLevel   string          `env:"LOG_LEVEL" envDefault:"info"`
	Server     ServerConfig    `envPrefix:"SERVER_"`
	Firestore  FirestoreConfig `envPrefix:"FIRESTORE_"`
	Storage    StorageConfig   `envPrefix:"STORAGE_"`
	PubSub     PubSubConfig    `envPrefix:"PUBSUB_"`
	Auth       AuthConfig      `envPrefix:"AUTH_"`
	PSP        PSPConfig       `envPrefix:"PSP_"`
	Mpesa      MpesaConfig     `envPrefix:"MPESA_"`
	Orders     OrdersConfig    `envPrefix:"ORDERS_"`
	Pending    PendingConfig   `envPrefix:"PENDING_"`
	RateLimits RateLimitConfig `envPrefix:"RATELIMIT_"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port            string        `env:"PORT" envDefault:"8080"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT" envDefault:"120s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string `env:"PROJECT_ID"`
	EmulatorHost string `env:"EMULATOR_HOST"`
}

// StorageConfig names the bucket receiving raw gateway payloads. Empty disables archiving.
type StorageConfig struct {
	ArchiveBucket string `env:"ARCHIVE_BUCKET"`
}

// PubSubConfig names the order events topic. Empty disables publishing.
type PubSubConfig struct {
	ProjectID   string        `env:"PROJECT_ID"`
	OrderTopic  string        `env:"ORDER_TOPIC"`
	PublishWait time.Duration `env:"PUBLISH_TIMEOUT" envDefault:"5s"`
}

// AuthConfig controls bearer token verification. At least one of JWTSecret or JWKSURL is required.
type AuthConfig struct {
	JWTSecret       string        `env:"JWT_SECRET"`
	JWKSURL         string        `env:"JWKS_URL"`
	Issuer          string        `env:"ISSUER"`
	Audience        string        `env:"AUDIENCE" envDefault:"authenticated"`
	JWKSRefresh     time.Duration `env:"JWKS_REFRESH" envDefault:"15m"`
	AdminRoleClaims []string      `env:"ADMIN_ROLES" envSeparator:"," envDefault:"admin,super_admin"`
}

// PSPConfig holds Stripe credentials.
type PSPConfig struct {
	StripeAPIKey        string        `env:"STRIPE_API_KEY"`
	StripeWebhookSecret string        `env:"STRIPE_WEBHOOK_SECRET"`
	DefaultCurrency     string        `env:"DEFAULT_CURRENCY" envDefault:"usd"`
	BreakerTimeout      time.Duration `env:"BREAKER_TIMEOUT" envDefault:"30s"`
	BreakerFailures     uint32        `env:"BREAKER_FAILURES" envDefault:"5"`
}

// MpesaConfig holds Daraja credentials and callback settings. ConsumerKey empty disables M-Pesa.
type MpesaConfig struct {
	BaseURL        string        `env:"BASE_URL" envDefault:"https://sandbox.safaricom.co.ke"`
	ConsumerKey    string        `env:"CONSUMER_KEY"`
	ConsumerSecret string        `env:"CONSUMER_SECRET"`
	ShortCode      string        `env:"SHORTCODE"`
	PassKey        string        `env:"PASSKEY"`
	CallbackURL    string        `env:"CALLBACK_URL"`
	CallbackToken  string        `env:"CALLBACK_TOKEN"`
	CountryCode    string        `env:"COUNTRY_CODE" envDefault:"254"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"20s"`
}

// Enabled reports whether M-Pesa routes should be mounted.
func (c MpesaConfig) Enabled() bool {
	return strings.TrimSpace(c.ConsumerKey) != ""
}

// OrdersConfig tunes order creation and reconciliation.
type OrdersConfig struct {
	AdminFallbackVendorID string        `env:"ADMIN_FALLBACK_VENDOR_ID"`
	RaceHeuristicWindow   time.Duration `env:"RACE_HEURISTIC_WINDOW" envDefault:"15m"`
	WebhookMatchWindow    time.Duration `env:"WEBHOOK_MATCH_WINDOW" envDefault:"1h"`
	VendorProbeParallel   int           `env:"VENDOR_PROBE_PARALLEL" envDefault:"4"`
}

// PendingConfig selects the pending M-Pesa transaction store.
type PendingConfig struct {
	Backend          string        `env:"BACKEND" envDefault:"firestore"`
	BadgerDir        string        `env:"BADGER_DIR" envDefault:"./data/pending"`
	TTL              time.Duration `env:"TTL" envDefault:"24h"`
	CleanupInterval  time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1h"`
	CleanupBatchSize int           `env:"CLEANUP_BATCH" envDefault:"200"`
}

// RateLimitConfig controls request throttling per client IP.
type RateLimitConfig struct {
	CreatePerMinute   int `env:"CREATE_PER_MIN" envDefault:"30"`
	CallbackPerMinute int `env:"CALLBACK_PER_MIN" envDefault:"120"`
}

// SecretResolver resolves secret:// references (Secret Manager).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret calls f.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError lists missing or invalid configuration fields.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the offending field names.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

// SecretError describes a failed secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError names required secrets that resolved empty. Names are hashed in Error.
type MissingSecretsError struct {
	names []string
}

// Error implements the error interface.
func (e *MissingSecretsError) Error() string {
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// RedactedNames returns hashed identifiers safe for logs.
func (e *MissingSecretsError) RedactedNames() []string {
	out := make([]string, 0, len(e.names))
	for _, name := range e.names {
		sum := sha256.Sum256([]byte(name))
		out = append(out, hex.EncodeToString(sum[:8]))
	}
	sort.Strings(out)
	return out
}

// Names returns the field names of the missing secrets.
func (e *MissingSecretsError) Names() []string {
	out := append([]string(nil), e.names...)
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the .env path. An empty path disables .env reading.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap injects explicit values that take precedence over the OS environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv ignores the OS environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver sets the resolver used for secret:// and sm:// values.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets marks secret fields (e.g. "PSP.StripeWebhookSecret") as mandatory.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// EnvironmentValues returns the merged environment (.env < OS < explicit map) Load would see.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	return mergedEnvironment(newLoaderOptions(opts))
}

func mergedEnvironment(options loaderOptions) (map[string]string, error) {
	values := make(map[string]string)
	if options.envFile != "" {
		dotenv, err := godotenv.Read(options.envFile)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", options.envFile, err)
		default:
			for k, v := range dotenv {
				values[k] = v
			}
		}
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			if key, value, ok := strings.Cut(entry, "="); ok && strings.TrimSpace(key) != "" {
				values[key] = value
			}
		}
	}
	for k, v := range options.envMap {
		values[k] = v
	}
	return values, nil
}

// Load parses the API_ prefixed environment into Config, resolves secret references and validates.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	values, err := mergedEnvironment(options)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: values, Prefix: envPrefix}); err != nil {
		return Config{}, fmt.Errorf("config: parse environment: %w", err)
	}
	normalize(&cfg)

	resolved := make(map[string]string)
	for _, target := range secretFields(&cfg) {
		value, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = strings.TrimSpace(value)
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}

	var missing []string
	seen := make(map[string]struct{})
	for _, name := range options.requiredSecrets {
		name = strings.TrimSpace(name)
		if _, dup := seen[name]; name == "" || dup {
			continue
		}
		seen[name] = struct{}{}
		if resolved[name] == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return Config{}, &MissingSecretsError{names: missing}
	}
	return cfg, nil
}

type secretField struct {
	name  string
	field *string
}

func secretFields(cfg *Config) []secretField {
	return []secretField{
		{"Auth.JWTSecret", &cfg.Auth.JWTSecret},
		{"PSP.StripeAPIKey", &cfg.PSP.StripeAPIKey},
		{"PSP.StripeWebhookSecret", &cfg.PSP.StripeWebhookSecret},
		{"Mpesa.ConsumerSecret", &cfg.Mpesa.ConsumerSecret},
		{"Mpesa.PassKey", &cfg.Mpesa.PassKey},
		{"Mpesa.CallbackToken", &cfg.Mpesa.CallbackToken},
	}
}

func normalize(cfg *Config) {
	cfg.Pending.Backend = strings.ToLower(strings.TrimSpace(cfg.Pending.Backend))
	cfg.PSP.DefaultCurrency = strings.ToLower(strings.TrimSpace(cfg.PSP.DefaultCurrency))
	cfg.Mpesa.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Mpesa.BaseURL), "/")
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	trimmed := strings.TrimSpace(value)
	var ref string
	switch {
	case strings.HasPrefix(trimmed, "secret://"):
		ref = trimmed
	case strings.HasPrefix(trimmed, "sm://"):
		ref = "secret://" + strings.TrimPrefix(trimmed, "sm://")
	default:
		return value, nil
	}
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func validate(cfg Config) error {
	var fields []string
	require := func(ok bool, name string) {
		if !ok {
			fields = append(fields, name)
		}
	}

	require(strings.TrimSpace(cfg.Server.Port) != "", "Server.Port")
	require(cfg.Firestore.ProjectID != "", "Firestore.ProjectID")
	require(cfg.Auth.JWTSecret != "" || cfg.Auth.JWKSURL != "", "Auth.JWTSecret|Auth.JWKSURL")
	if cfg.PSP.StripeAPIKey != "" {
		require(cfg.PSP.StripeWebhookSecret != "", "PSP.StripeWebhookSecret")
	}
	if cfg.Mpesa.Enabled() {
		require(cfg.Mpesa.ConsumerSecret != "", "Mpesa.ConsumerSecret")
		require(cfg.Mpesa.ShortCode != "", "Mpesa.ShortCode")
		require(cfg.Mpesa.PassKey != "", "Mpesa.PassKey")
		require(cfg.Mpesa.CallbackURL != "", "Mpesa.CallbackURL")
	}
	switch cfg.Pending.Backend {
	case PendingBackendMemory, PendingBackendFirestore:
	case PendingBackendBadger:
		require(strings.TrimSpace(cfg.Pending.BadgerDir) != "", "Pending.BadgerDir")
	default:
		fields = append(fields, "Pending.Backend")
	}
	require(cfg.Pending.TTL > 0, "Pending.TTL")
	require(cfg.Pending.CleanupBatchSize > 0, "Pending.CleanupBatchSize")
	require(cfg.Orders.RaceHeuristicWindow > 0, "Orders.RaceHeuristicWindow")
	require(cfg.Orders.WebhookMatchWindow > 0, "Orders.WebhookMatchWindow")

	if len(fields) > 0 {
		return &ValidationError{fields: fields}
	}
	return nil
}
