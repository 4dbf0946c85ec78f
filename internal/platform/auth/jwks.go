package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrJWKSKeyNotFound is returned when the token's kid is not in the published key set.
	ErrJWKSKeyNotFound = errors.New("auth: jwks key not found")
	// ErrJWKSFetchFailed wraps transport or decoding errors while loading the key set.
	ErrJWKSFetchFailed = errors.New("auth: jwks fetch failed")
)

// Logger is the printf style sink used for key set refresh diagnostics.
type Logger interface {
	Printf(format string, args ...any)
}

const (
	defaultJWKSRefreshInterval = 15 * time.Minute
	defaultJWKSFetchTimeout    = 5 * time.Second
	jwksFlightKey              = "jwks"
)

// asymmetricMethods are the algorithms accepted for keys served from a JWKS endpoint.
var asymmetricMethods = []string{jwt.SigningMethodRS256.Alg(), jwt.SigningMethodES256.Alg()}

// keySnapshot is an immutable view of one fetched key set.
type keySnapshot struct {
	keys       map[string]any
	fetchedAt  time.Time
	validUntil time.Time
}

func (s *keySnapshot) stale(now time.Time) bool {
	return s == nil || !now.Before(s.validUntil)
}

// halfLife reports whether at least half of the validity window has elapsed.
func (s *keySnapshot) halfLife(now time.Time) bool {
	if s == nil {
		return false
	}
	return now.Sub(s.fetchedAt) >= s.validUntil.Sub(s.fetchedAt)/2
}

// JWKSCache resolves identity provider signing keys by kid. The key set is loaded lazily,
// reloaded when it expires or misses a kid, and prefetched in the background past half life.
// Concurrent reloads collapse into a single HTTP request.
type JWKSCache struct {
	url      string
	client   *http.Client
	logger   Logger
	now      func() time.Time
	interval time.Duration
	timeout  time.Duration
	prefetch bool

	snapshot atomic.Pointer[keySnapshot]
	flight   singleflight.Group
}

// JWKSOption customises a JWKSCache.
type JWKSOption func(*JWKSCache)

// NewJWKSCache builds a cache for the key set published at url.
func NewJWKSCache(url string, opts ...JWKSOption) *JWKSCache {
	c := &JWKSCache{
		url:      strings.TrimSpace(url),
		client:   &http.Client{Timeout: 10 * time.Second},
		now:      time.Now,
		interval: defaultJWKSRefreshInterval,
		timeout:  defaultJWKSFetchTimeout,
		prefetch: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// WithJWKSHTTPClient overrides the HTTP client.
func WithJWKSHTTPClient(client *http.Client) JWKSOption {
	return func(c *JWKSCache) {
		if client != nil {
			c.client = client
		}
	}
}

// WithJWKSLogger sets the diagnostic logger.
func WithJWKSLogger(logger Logger) JWKSOption {
	return func(c *JWKSCache) { c.logger = logger }
}

// WithJWKSRefreshInterval sets the validity used when the response has no max-age.
func WithJWKSRefreshInterval(d time.Duration) JWKSOption {
	return func(c *JWKSCache) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithJWKSClock injects a time source.
func WithJWKSClock(now func() time.Time) JWKSOption {
	return func(c *JWKSCache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithoutJWKSBackgroundRefresh disables half life prefetching.
func WithoutJWKSBackgroundRefresh() JWKSOption {
	return func(c *JWKSCache) { c.prefetch = false }
}

// Key returns the public key for kid.
func (c *JWKSCache) Key(ctx context.Context, kid string) (any, error) {
	now := c.now()
	snap := c.snapshot.Load()
	if snap.stale(now) {
		var err error
		if snap, err = c.reload(ctx); err != nil {
			return nil, err
		}
	}
	if key, ok := snap.keys[kid]; ok {
		if c.prefetch && snap.halfLife(now) {
			c.reloadAsync()
		}
		return key, nil
	}

	// Unknown kid usually means the provider rotated keys.
	snap, err := c.reload(ctx)
	if err != nil {
		return nil, err
	}
	if key, ok := snap.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrJWKSKeyNotFound, kid)
}

func (c *JWKSCache) reload(ctx context.Context) (*keySnapshot, error) {
	v, err, _ := c.flight.Do(jwksFlightKey, func() (any, error) {
		return c.fetch(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*keySnapshot), nil
}

func (c *JWKSCache) reloadAsync() {
	ch := c.flight.DoChan(jwksFlightKey, func() (any, error) {
		return c.fetch(context.Background())
	})
	go func() {
		if res := <-ch; res.Err != nil {
			c.logf("auth: background jwks refresh failed: %v", res.Err)
		}
	}()
}

func (c *JWKSCache) fetch(ctx context.Context) (*keySnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrJWKSFetchFailed, resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrJWKSFetchFailed, err)
	}
	keys := make(map[string]any, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.KeyID == "" || !jwk.Valid() || !jwk.IsPublic() {
			continue
		}
		keys[jwk.KeyID] = jwk.Key
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no usable public keys", ErrJWKSFetchFailed)
	}

	validity := c.interval
	if maxAge := parseMaxAge(resp.Header.Get("Cache-Control")); maxAge > 0 {
		validity = maxAge
	}
	now := c.now()
	snap := &keySnapshot{keys: keys, fetchedAt: now, validUntil: now.Add(validity)}
	c.snapshot.Store(snap)
	c.logf("auth: loaded %d signing keys, valid for %s", len(keys), validity)
	return snap, nil
}

func (c *JWKSCache) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

func parseMaxAge(header string) time.Duration {
	for _, directive := range strings.Split(header, ",") {
		name, value, found := strings.Cut(strings.TrimSpace(directive), "=")
		if !found || !strings.EqualFold(name, "max-age") {
			continue
		}
		if seconds, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}
