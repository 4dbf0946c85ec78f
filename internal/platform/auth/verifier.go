package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
)

var (
	// ErrTokenExpired signals that the bearer token has expired.
	ErrTokenExpired = errors.New("auth: token expired")
	// ErrTokenInvalid signals that the bearer token failed verification.
	ErrTokenInvalid = errors.New("auth: token invalid")
)

// VerifierConfig configures a JWT verifier. Secret enables HS256 tokens and JWKS enables RS256 and
// ES256 tokens; at least one is required.
type VerifierConfig struct {
	Secret     string
	JWKS       *JWKSCache
	Issuer     string
	Audience   string
	AdminRoles []string
	Clock      func() time.Time
	Leeway     time.Duration
}

// JWTVerifier validates bearer tokens and maps their claims to an Identity.
type JWTVerifier struct {
	secret     []byte
	jwks       *JWKSCache
	issuer     string
	audience   string
	adminRoles map[string]struct{}
	now        func() time.Time
	leeway     time.Duration
}

var _ TokenVerifier = (*JWTVerifier)(nil)

// NewJWTVerifier constructs a verifier.
func NewJWTVerifier(cfg VerifierConfig) (*JWTVerifier, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" && cfg.JWKS == nil {
		return nil, errors.New("auth: jwt secret or jwks url is required")
	}
	v := &JWTVerifier{
		jwks:       cfg.JWKS,
		issuer:     strings.TrimSpace(cfg.Issuer),
		audience:   strings.TrimSpace(cfg.Audience),
		adminRoles: map[string]struct{}{RoleAdmin: {}},
		now:        cfg.Clock,
		leeway:     cfg.Leeway,
	}
	if secret != "" {
		v.secret = []byte(secret)
	}
	if v.now == nil {
		v.now = time.Now
	}
	for _, role := range cfg.AdminRoles {
		if role = normaliseRole(role); role != "" {
			v.adminRoles[role] = struct{}{}
		}
	}
	return v, nil
}

// Verify parses and validates token.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	methods := make([]string, 0, 3)
	if v.secret != nil {
		methods = append(methods, jwt.SigningMethodHS256.Alg())
	}
	if v.jwks != nil {
		methods = append(methods, asymmetricMethods...)
	}
	parser := jwt.NewParser(jwt.WithValidMethods(methods), jwt.WithoutClaimsValidation())

	claims := jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(token, claims, v.keyfunc(ctx)); err != nil {
		if errors.Is(err, ErrJWKSFetchFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	now := v.now()
	if !claims.VerifyExpiresAt(now.Add(-v.leeway).Unix(), true) {
		return nil, ErrTokenExpired
	}
	if !claims.VerifyNotBefore(now.Add(v.leeway).Unix(), false) {
		return nil, fmt.Errorf("%w: token not yet valid", ErrTokenInvalid)
	}
	if v.issuer != "" && !claims.VerifyIssuer(v.issuer, true) {
		return nil, fmt.Errorf("%w: issuer mismatch", ErrTokenInvalid)
	}
	if v.audience != "" && !claims.VerifyAudience(v.audience, true) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrTokenInvalid)
	}

	subject, _ := claims["sub"].(string)
	if strings.TrimSpace(subject) == "" {
		return nil, fmt.Errorf("%w: subject missing", ErrTokenInvalid)
	}
	email, _ := claims["email"].(string)
	return &Identity{
		UID:    strings.TrimSpace(subject),
		Email:  strings.ToLower(strings.TrimSpace(email)),
		Roles:  v.rolesFromClaims(claims),
		Claims: map[string]any(claims),
	}, nil
}

func (v *JWTVerifier) keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if token.Method.Alg() == jwt.SigningMethodHS256.Alg() {
			return v.secret, nil
		}
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("auth: token missing kid header")
		}
		return v.jwks.Key(ctx, kid)
	}
}

// rolesFromClaims reads role, roles and app_metadata.role(s). Configured admin aliases collapse
// into RoleAdmin.
func (v *JWTVerifier) rolesFromClaims(claims jwt.MapClaims) []string {
	var raw []string
	raw = append(raw, stringsFromClaim(claims["role"])...)
	raw = append(raw, stringsFromClaim(claims["roles"])...)
	if meta, ok := claims["app_metadata"].(map[string]any); ok {
		raw = append(raw, stringsFromClaim(meta["role"])...)
		raw = append(raw, stringsFromClaim(meta["roles"])...)
	}

	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, role := range raw {
		role = normaliseRole(role)
		if role == "" {
			continue
		}
		if _, admin := v.adminRoles[role]; admin {
			role = RoleAdmin
		}
		if _, dup := seen[role]; dup {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	return out
}

func stringsFromClaim(raw any) []string {
	switch v := raw.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
