package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"escrowline/internal/domain"
)

// AdminRole gates every /admin route.
const AdminRole = "admin"

// AuthConfig controls bearer-token checks. An empty secret disables
// authentication; the caller may then name itself with X-Actor-Id.
type AuthConfig struct {
	JWTSecret string
	// APIKeys resolves X-Api-Key; New defaults it to the engine.
	APIKeys APIKeyAuthenticator
}

type APIKeyAuthenticator interface {
	AuthenticateAPIKey(ctx context.Context, plain string) (domain.APIKey, error)
}

type Principal struct {
	ActorID string
	Roles   []string
	Source  string
}

func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// actorID names the caller in audit events; empty means system.
func actorID(ctx context.Context) string {
	if p, ok := principalFromContext(ctx); ok {
		return p.ActorID
	}
	return ""
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// IssueToken signs an HS256 token for subject carrying roles.
func IssueToken(secret, subject string, roles []string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Roles: roles,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authenticateJWT(token string, secret string) (Principal, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{ActorID: claims.Subject, Roles: claims.Roles, Source: "jwt"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func isPublicPath(p string) bool {
	switch p {
	case "/health", "/metrics", "/openapi.json":
		return true
	}
	return false
}

func isAdminPath(p string) bool {
	return strings.HasPrefix(p, "/admin/")
}

// authenticate resolves the caller from X-Api-Key or a bearer token. With no
// JWT secret configured, requests without an API key run as an admin named
// by X-Actor-Id.
func authenticate(req *http.Request, cfg AuthConfig) (Principal, huma.StatusError) {
	if key := strings.TrimSpace(req.Header.Get("X-Api-Key")); key != "" && cfg.APIKeys != nil {
		k, err := cfg.APIKeys.AuthenticateAPIKey(req.Context(), key)
		if err != nil {
			return Principal{}, newAPIError(http.StatusUnauthorized, "invalid credentials", "")
		}
		return Principal{ActorID: k.ActorID, Roles: k.Roles, Source: "api_key"}, nil
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return Principal{ActorID: strings.TrimSpace(req.Header.Get("X-Actor-Id")), Roles: []string{AdminRole}, Source: "open"}, nil
	}
	token, ok := bearerToken(strings.TrimSpace(req.Header.Get("Authorization")))
	if !ok {
		return Principal{}, newAPIError(http.StatusUnauthorized, "authentication required", "")
	}
	principal, err := authenticateJWT(token, cfg.JWTSecret)
	if err != nil {
		return Principal{}, newAPIError(http.StatusUnauthorized, "invalid credentials", "")
	}
	return principal, nil
}

func newAuthMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if isPublicPath(req.URL.Path) {
				next.ServeHTTP(w, req)
				return
			}
			principal, authErr := authenticate(req, cfg)
			if authErr != nil {
				respondStatusError(w, authErr)
				return
			}
			if isAdminPath(req.URL.Path) && !principal.HasRole(AdminRole) {
				respondStatusError(w, newAPIError(http.StatusForbidden, "admin role required", ""))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

// RateLimit is a process-wide token bucket; RPS <= 0 disables it.
type RateLimit struct {
	RPS   float64
	Burst int
}

func newRateLimitMiddleware(cfg RateLimit) func(http.Handler) http.Handler {
	if cfg.RPS <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(cfg.RPS) + 1
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.URL.Path != "/health" && !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				respondStatusError(w, newAPIError(http.StatusTooManyRequests, "rate limit exceeded", ""))
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
