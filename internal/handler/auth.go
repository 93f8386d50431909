package handler

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-hr-approvals/internal/platform/errors"
)

// Actor is the authenticated caller.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// ActorClaims are the JWT claims carrying an Actor.
type ActorClaims struct {
	Actor Actor `json:"actor"`
	jwt.RegisteredClaims
}

type actorKey struct{}

// WithActor stores actor in ctx.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the authenticated actor, if any.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}

// adminMethods are the gRPC methods restricted to admin roles.
var adminMethods = map[string]bool{
	"/" + ApprovalServiceName + "/Escalate": true,
}

// ActorAuth verifies HS256 bearer tokens. With an empty secret it is
// disabled and callers identify themselves in request bodies.
//
// Actors whose role is one of adminRoles may change the role catalog and
// flow definitions and trigger manual escalation.
type ActorAuth struct {
	secret     []byte
	issuer     string
	adminRoles map[string]bool
}

// NewActorAuth creates an ActorAuth.
func NewActorAuth(secret, issuer string, adminRoles ...string) *ActorAuth {
	admins := make(map[string]bool, len(adminRoles))
	for _, role := range adminRoles {
		if role = strings.TrimSpace(role); role != "" {
			admins[role] = true
		}
	}
	return &ActorAuth{secret: []byte(secret), issuer: issuer, adminRoles: admins}
}

// Enabled reports whether tokens are required.
func (a *ActorAuth) Enabled() bool {
	return a != nil && len(a.secret) > 0
}

// IssueToken signs a token for actor. Used by tooling and tests.
func (a *ActorAuth) IssueToken(actor Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &ActorClaims{
		Actor: actor,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify parses and validates a token string.
func (a *ActorAuth) Verify(token string) (Actor, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &ActorClaims{}, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return Actor{}, err
	}
	claims, ok := parsed.Claims.(*ActorClaims)
	if !ok || !parsed.Valid {
		return Actor{}, fmt.Errorf("invalid token")
	}
	if claims.Actor.ID == "" {
		claims.Actor.ID = claims.Subject
	}
	if claims.Actor.ID == "" || claims.Actor.Role == "" {
		return Actor{}, fmt.Errorf("token carries no actor")
	}
	return claims.Actor, nil
}

// Middleware authenticates HTTP requests. Health and metrics stay open.
func (a *ActorAuth) Middleware(next http.Handler) http.Handler {
	if !a.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			writeJSON(w, http.StatusUnauthorized, errorBody{Code: "UNAUTHENTICATED", Message: "missing bearer token"})
			return
		}
		actor, err := a.Verify(token)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorBody{Code: "UNAUTHENTICATED", Message: "invalid bearer token"})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// IsAdmin reports whether actor holds one of the configured admin roles.
func (a *ActorAuth) IsAdmin(actor Actor) bool {
	return a != nil && a.adminRoles[actor.Role]
}

// RequireAdmin rejects callers without an admin role with 403. It must run
// behind Middleware. With auth disabled it is a pass-through.
func (a *ActorAuth) RequireAdmin(next http.Handler) http.Handler {
	if !a.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFromContext(r.Context())
		if !ok || !a.IsAdmin(actor) {
			writeJSON(w, http.StatusForbidden, errorBody{
				Code:    string(errors.ErrCodeUnauthorized),
				Message: "configuration and escalation require an admin role",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// UnaryServerInterceptor authenticates gRPC calls from the authorization
// metadata key. Health checks stay open; adminMethods need an admin role.
func (a *ActorAuth) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !a.Enabled() || strings.HasPrefix(info.FullMethod, "/grpc.health.v1.") {
			return handler(ctx, req)
		}
		md, _ := metadata.FromIncomingContext(ctx)
		var token string
		if vals := md.Get("authorization"); len(vals) > 0 {
			token, _ = bearerToken(vals[0])
		}
		if token == "" {
			return nil, status.Error(codes.Unauthenticated, "missing bearer token")
		}
		actor, err := a.Verify(token)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid bearer token")
		}
		if adminMethods[info.FullMethod] && !a.IsAdmin(actor) {
			return nil, status.Error(codes.PermissionDenied, "admin role required")
		}
		return handler(WithActor(ctx, actor), req)
	}
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}
