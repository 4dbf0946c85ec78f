package secrets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultFallbackPath = ".secrets.local"
	defaultCacheTTL     = 10 * time.Minute
	meterName           = "github.com/marketlane/storefront-api/internal/platform/secrets"
)

var (
	// ErrNotFound reports a reference that neither Secret Manager nor the fallback file could supply.
	ErrNotFound = errors.New("secrets: secret not found")

	newSecretManagerClient = func(ctx context.Context, opts ...option.ClientOption) (accessClient, error) {
		return secretmanager.NewClient(ctx, opts...)
	}
)

var accessRetry = gax.WithRetry(func() gax.Retryer {
	return gax.OnCodes([]codes.Code{codes.Unavailable, codes.DeadlineExceeded}, gax.Backoff{
		Initial:    100 * time.Millisecond,
		Max:        2 * time.Second,
		Multiplier: 2,
	})
})

type accessClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Resolver turns secret:// references into payment credentials. Values are cached for a TTL and an
// expired entry keeps being served while Secret Manager is unreachable.
type Resolver struct {
	client     accessClient
	ownsClient bool
	logger     *zap.Logger

	project      string
	ttl          time.Duration
	now          func() time.Time
	fallbackPath string

	fallbackOnce sync.Once
	fallback     map[string]string

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]cachedSecret

	latency   metric.Float64Histogram
	cacheHits metric.Int64Counter
}

type cachedSecret struct {
	value     string
	fetchedAt time.Time
}

type settings struct {
	logger       *zap.Logger
	project      string
	projectByEnv map[string]string
	env          string
	ttl          time.Duration
	fallbackPath string
	meter        metric.Meter
	client       accessClient
	clientOpts   []option.ClientOption
	now          func() time.Time
}

// Option customises a Resolver.
type Option func(*settings)

// WithLogger sets the diagnostic logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithProject sets the project used when a reference carries no ?project= override.
func WithProject(projectID string) Option {
	return func(s *settings) { s.project = strings.TrimSpace(projectID) }
}

// WithEnvironmentProjects maps deployment environments (staging, production) to projects.
// The entry matching env wins over WithProject.
func WithEnvironmentProjects(env string, projects map[string]string) Option {
	return func(s *settings) {
		s.env = strings.ToLower(strings.TrimSpace(env))
		s.projectByEnv = make(map[string]string, len(projects))
		for k, v := range projects {
			s.projectByEnv[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
}

// WithCacheTTL bounds how long a fetched value is reused. Zero keeps the default.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *settings) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithFallbackFile points at a dotenv file used in local development. Keys are secret names,
// optionally suffixed with @version.
func WithFallbackFile(path string) Option {
	return func(s *settings) { s.fallbackPath = strings.TrimSpace(path) }
}

// WithMeter injects the OpenTelemetry meter.
func WithMeter(m metric.Meter) Option {
	return func(s *settings) { s.meter = m }
}

// WithClientOptions forwards options to the Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(s *settings) { s.clientOpts = append(s.clientOpts, opts...) }
}

func withClient(client accessClient) Option {
	return func(s *settings) { s.client = client }
}

func withNow(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

// NewResolver builds a Resolver. A missing Secret Manager client is not fatal; resolution then relies
// on the fallback file only.
func NewResolver(ctx context.Context, opts ...Option) (*Resolver, error) {
	s := settings{
		logger:       zap.NewNop(),
		ttl:          defaultCacheTTL,
		fallbackPath: defaultFallbackPath,
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.meter == nil {
		s.meter = otel.GetMeterProvider().Meter(meterName)
	}

	project := s.project
	if p := s.projectByEnv[s.env]; p != "" {
		project = p
	}

	r := &Resolver{
		logger:       s.logger,
		project:      project,
		ttl:          s.ttl,
		now:          s.now,
		fallbackPath: s.fallbackPath,
		cache:        make(map[string]cachedSecret),
	}

	var err error
	if r.latency, err = s.meter.Float64Histogram("secrets.resolve.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Secret resolution latency by source"),
	); err != nil {
		return nil, fmt.Errorf("secrets: register latency histogram: %w", err)
	}
	if r.cacheHits, err = s.meter.Int64Counter("secrets.resolve.cache_hits",
		metric.WithDescription("Secret resolutions served from the in-process cache"),
	); err != nil {
		return nil, fmt.Errorf("secrets: register cache counter: %w", err)
	}

	switch {
	case s.client != nil:
		r.client = s.client
	case project != "":
		client, err := newSecretManagerClient(ctx, s.clientOpts...)
		if err != nil {
			r.logger.Warn("secret manager unavailable, using fallback file only", zap.Error(err))
		} else {
			r.client = client
			r.ownsClient = true
		}
	}
	return r, nil
}

// Close releases the Secret Manager client when the resolver created it.
func (r *Resolver) Close() error {
	if r == nil || !r.ownsClient || r.client == nil {
		return nil
	}
	return r.client.Close()
}

// ResolveSecret returns the value behind ref (secret://name?version=N&project=P; sm:// is accepted).
func (r *Resolver) ResolveSecret(ctx context.Context, ref string) (string, error) {
	start := r.now()
	parsed, err := parseReference(ref)
	if err != nil {
		return "", err
	}

	entry, cached := r.cached(parsed.key)
	if cached && r.now().Sub(entry.fetchedAt) < r.ttl {
		r.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("secret", fingerprint(parsed.key))))
		r.observe(ctx, start, "cache")
		return entry.value, nil
	}

	value, err, _ := r.group.Do(parsed.key, func() (any, error) {
		return r.fetch(ctx, parsed)
	})
	if err == nil {
		r.observe(ctx, start, "remote")
		return value.(string), nil
	}
	if cached && isTransient(err) {
		r.logger.Warn("serving expired secret while secret manager is unavailable",
			zap.String("secret", fingerprint(parsed.key)), zap.Error(err))
		r.observe(ctx, start, "stale")
		return entry.value, nil
	}
	if fallback, ok := r.lookupFallback(parsed); ok && (r.client == nil || isTransient(err)) {
		r.store(parsed.key, fallback)
		r.observe(ctx, start, "fallback")
		return fallback, nil
	}
	r.observe(ctx, start, "error")
	return "", err
}

// Invalidate drops the cached value for ref so the next resolution reaches Secret Manager.
func (r *Resolver) Invalidate(ref string) {
	parsed, err := parseReference(ref)
	if err != nil {
		return
	}
	r.mu.Lock()
	delete(r.cache, parsed.key)
	r.mu.Unlock()
}

func (r *Resolver) fetch(ctx context.Context, ref reference) (string, error) {
	project := ref.project
	if project == "" {
		project = r.project
	}
	if r.client == nil || project == "" {
		return "", fmt.Errorf("%w: %s (secret manager not configured)", ErrNotFound, ref.name)
	}
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, ref.name, ref.version)
	resp, err := r.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name}, accessRetry)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", fmt.Errorf("%w: %s", ErrNotFound, ref.name)
		}
		return "", fmt.Errorf("secrets: access %s: %w", ref.name, err)
	}
	value := string(resp.GetPayload().GetData())
	r.store(ref.key, value)
	return value, nil
}

func (r *Resolver) cached(key string) (cachedSecret, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.cache[key]
	return entry, ok
}

func (r *Resolver) store(key, value string) {
	r.mu.Lock()
	r.cache[key] = cachedSecret{value: value, fetchedAt: r.now()}
	r.mu.Unlock()
}

func (r *Resolver) lookupFallback(ref reference) (string, bool) {
	r.fallbackOnce.Do(func() {
		r.fallback = map[string]string{}
		if r.fallbackPath == "" {
			return
		}
		values, err := godotenv.Read(r.fallbackPath)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				r.logger.Warn("unable to read secrets fallback file", zap.String("path", r.fallbackPath), zap.Error(err))
			}
			return
		}
		for k, v := range values {
			r.fallback[strings.TrimSpace(k)] = v
		}
	})
	if v, ok := r.fallback[ref.name+"@"+ref.version]; ok {
		return v, true
	}
	v, ok := r.fallback[ref.name]
	return v, ok
}

func (r *Resolver) observe(ctx context.Context, start time.Time, source string) {
	elapsed := float64(r.now().Sub(start)) / float64(time.Millisecond)
	r.latency.Record(ctx, elapsed, metric.WithAttributes(attribute.String("source", source)))
}

type reference struct {
	name    string
	version string
	project string
	key     string
}

func parseReference(raw string) (reference, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "sm://") {
		trimmed = "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme != "secret" {
		return reference{}, fmt.Errorf("secrets: invalid reference %q", raw)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" || strings.Contains(name, "/") {
		return reference{}, fmt.Errorf("secrets: invalid secret name in %q", raw)
	}
	q := u.Query()
	version := strings.TrimSpace(q.Get("version"))
	if version == "" {
		version = "latest"
	}
	project := strings.TrimSpace(q.Get("project"))
	key := name + "@" + version
	if project != "" {
		key = project + "/" + key
	}
	return reference{name: name, version: version, project: project, key: key}, nil
}

// isTransient reports Secret Manager failures where a previous or local value is acceptable.
func isTransient(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return false
	}
	switch status.Code(errors.Unwrap(err)) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.PermissionDenied, codes.Unauthenticated, codes.ResourceExhausted:
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:6])
}
