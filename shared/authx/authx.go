package authx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrUnknownKID   = errors.New("unknown kid")
)

type Principal struct {
	Subject string
	Name    string
	Roles   []string
}

func (p Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, strings.TrimSpace(role))
}

type contextKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok
}

// TokenVerifier turns a raw bearer token into a Principal.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (Principal, error)
}

// KeySource resolves a signing key by kid.
type KeySource interface {
	Key(ctx context.Context, kid string) (any, error)
}

type JWTVerifier struct {
	keys   KeySource
	parser *jwt.Parser
}

type VerifierConfig struct {
	Issuer           string
	Audience         string
	JWKSURL          string
	TTLSeconds       int
	ClockSkewSeconds int
}

// NewJWTVerifier registers the JWKS endpoint on a refreshing cache bound to ctx.
func NewJWTVerifier(ctx context.Context, cfg VerifierConfig) (*JWTVerifier, error) {
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" || strings.TrimSpace(cfg.Audience) == "" {
		return nil, fmt.Errorf("%w: missing issuer or audience", ErrInvalidToken)
	}
	url := strings.TrimSpace(cfg.JWKSURL)
	if url == "" {
		url = strings.TrimRight(issuer, "/") + "/.well-known/jwks.json"
	}
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	keys, err := NewJWKSSource(ctx, url, ttl, &http.Client{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	return NewJWTVerifierWithKeys(keys, cfg), nil
}

func NewJWTVerifierWithKeys(keys KeySource, cfg VerifierConfig) *JWTVerifier {
	skew := cfg.ClockSkewSeconds
	if skew < 0 {
		skew = 0
	}
	return &JWTVerifier{
		keys: keys,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}),
			jwt.WithAudience(strings.TrimSpace(cfg.Audience)),
			jwt.WithIssuer(strings.TrimSpace(cfg.Issuer)),
			jwt.WithLeeway(time.Duration(skew)*time.Second),
			jwt.WithExpirationRequired(),
		),
	}
}

func (v *JWTVerifier) Verify(ctx context.Context, rawToken string) (Principal, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return Principal{}, ErrInvalidToken
	}

	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if strings.TrimSpace(kid) == "" {
			return nil, ErrUnknownKID
		}
		return v.keys.Key(ctx, strings.TrimSpace(kid))
	})
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	subject, _ := claims["sub"].(string)
	if strings.TrimSpace(subject) == "" {
		return Principal{}, ErrInvalidToken
	}
	name, _ := claims["name"].(string)
	if name == "" {
		name, _ = claims["preferred_username"].(string)
	}

	return Principal{
		Subject: strings.TrimSpace(subject),
		Name:    strings.TrimSpace(name),
		Roles:   parseRoles(claims),
	}, nil
}

type JWKSSource struct {
	url   string
	cache *jwk.Cache
}

func NewJWKSSource(ctx context.Context, url string, ttl time.Duration, client *http.Client) (*JWKSSource, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(url, jwk.WithMinRefreshInterval(ttl), jwk.WithHTTPClient(client)); err != nil {
		return nil, err
	}
	return &JWKSSource{url: url, cache: cache}, nil
}

func (s *JWKSSource) Key(ctx context.Context, kid string) (any, error) {
	set, err := s.cache.Get(ctx, s.url)
	if err != nil {
		return nil, err
	}
	key, ok := set.LookupKeyID(kid)
	if !ok {
		// a rotated key may not be in the cached set yet
		set, err = s.cache.Refresh(ctx, s.url)
		if err != nil {
			return nil, err
		}
		if key, ok = set.LookupKeyID(kid); !ok {
			return nil, ErrUnknownKID
		}
	}
	var raw any
	if err := key.Raw(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func parseRoles(claims map[string]any) []string {
	var roles []string
	add := func(role string) {
		role = strings.TrimSpace(role)
		if role != "" && !slices.Contains(roles, role) {
			roles = append(roles, role)
		}
	}

	for _, key := range []string{"roles", "role"} {
		switch t := claims[key].(type) {
		case nil:
		case []string:
			for _, role := range t {
				add(role)
			}
		case []any:
			for _, role := range t {
				add(fmt.Sprint(role))
			}
		case string:
			for _, role := range strings.Fields(t) {
				add(role)
			}
		default:
			add(fmt.Sprint(t))
		}
	}

	if s, ok := claims["scp"].(string); ok {
		for _, scope := range strings.Fields(s) {
			add(scope)
		}
	}
	return roles
}
