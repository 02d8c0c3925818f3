package auth

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type contextKey struct{}

// WithPrincipal stores p in ctx
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// FromContext returns the principal of the request, if any
func FromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(*Principal)
	return p, ok
}

// Middleware authenticates HTTP and gRPC requests with a bearer JWT or an
// X-API-Key header. When disabled every request runs as an anonymous
// principal holding the default scopes.
type Middleware struct {
	jwt     *JWTManager
	keys    *KeyStore
	enabled bool
	logger  *zap.Logger
}

// NewMiddleware creates the middleware. jwt or keys may be nil to disable that method.
func NewMiddleware(jwt *JWTManager, keys *KeyStore, enabled bool, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{jwt: jwt, keys: keys, enabled: enabled, logger: logger}
}

var anonymous = &Principal{Subject: "anonymous", Scopes: DefaultScopes, Method: MethodAnonymous}

// authenticate prefers a bearer token over an API key
func (m *Middleware) authenticate(authorization, apiKey string) (*Principal, error) {
	if authorization != "" {
		if m.jwt == nil {
			return nil, ErrInvalidToken
		}
		token, err := ExtractBearerToken(authorization)
		if err != nil {
			return nil, ErrInvalidToken
		}
		return m.jwt.Validate(token)
	}
	if apiKey != "" {
		if m.keys == nil {
			return nil, ErrInvalidAPIKey
		}
		return m.keys.Validate(apiKey)
	}
	return nil, errMissingCredentials
}

var errMissingCredentials = status.Error(codes.Unauthenticated, "missing authentication")

// HTTPMiddleware wraps next with authentication
func (m *Middleware) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.enabled {
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), anonymous)))
			return
		}
		apiKey := r.Header.Get("X-API-Key")
		// EventSource cannot send custom headers
		if apiKey == "" && strings.Contains(r.URL.Path, "/stream/") {
			apiKey = r.URL.Query().Get("api_key")
		}
		p, err := m.authenticate(r.Header.Get("Authorization"), apiKey)
		if err != nil {
			m.logger.Debug("Request rejected", zap.String("path", r.URL.Path), zap.Error(err))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// RequireScope rejects principals without scope with 403
func RequireScope(scope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, _ := FromContext(r.Context())
		if !p.HasScope(scope) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"missing scope ` + scope + `"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// UnaryServerInterceptor authenticates gRPC calls. Health checks are exempt.
func (m *Middleware) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if strings.HasPrefix(info.FullMethod, "/grpc.health.v1.Health/") {
			return handler(ctx, req)
		}
		if !m.enabled {
			return handler(WithPrincipal(ctx, anonymous), req)
		}
		md, _ := metadata.FromIncomingContext(ctx)
		p, err := m.authenticate(first(md, "authorization"), first(md, "x-api-key"))
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid credentials")
		}
		return handler(WithPrincipal(ctx, p), req)
	}
}

func first(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}
