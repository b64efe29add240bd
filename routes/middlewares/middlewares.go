package middlewares

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/oauth"

	"github.com/mbolis/regional-survey/httpx"
	"github.com/mbolis/regional-survey/log"
	"github.com/mbolis/regional-survey/model"
)

type ctxKey struct{}

// Authenticated checks the bearer token and stores the caller's Actor in the
// request context.
func Authenticated(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return chi.Chain(oauth.Authorize(secret, nil), actor).Handler(next)
	}
}

func actor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, _ := r.Context().Value(oauth.ClaimsContext).(map[string]string)

		a := ActorFromClaims(claims)
		if !a.Authenticated() {
			httpx.LogStatus(w, http.StatusUnauthorized, log.DebugLevel, "auth.claims")
			return
		}

		ctx := WithActor(r.Context(), a)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ActorFromClaims rebuilds the session identity from token claims. Missing or
// malformed claims give an anonymous Actor.
func ActorFromClaims(claims map[string]string) model.Actor {
	if claims == nil {
		return model.Actor{}
	}
	var a model.Actor
	a.UserID, _ = strconv.ParseInt(claims[httpx.ClaimUserID], 10, 64)
	if roles, ok := claims[httpx.ClaimRoles]; ok {
		a.Role = model.Role(strings.Split(roles, ",")[0])
	}
	if v, ok := claims[httpx.ClaimRegionID]; ok {
		a.RegionID, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := claims[httpx.ClaimGovernorateID]; ok {
		a.GovernorateID, _ = strconv.ParseInt(v, 10, 64)
	}
	return a
}

// ActorFrom returns the Actor stored by Authenticated, or the anonymous Actor.
func ActorFrom(ctx context.Context) model.Actor {
	a, _ := ctx.Value(ctxKey{}).(model.Actor)
	return a
}

// WithActor returns a copy of ctx carrying a.
func WithActor(ctx context.Context, a model.Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

// Roles lets through only callers holding one of the given roles.
func Roles(roles ...model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			a := ActorFrom(r.Context())
			for _, role := range roles {
				if a.Is(role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			httpx.LogStatus(w, http.StatusForbidden, log.DebugLevel, "auth.role")
		})
	}
}
