package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/dynamo-dm/dynamo/internal/logger"
	"github.com/dynamo-dm/dynamo/pkg/api/handlers"
)

type contextKey struct{}

// ClaimsFromContext returns the claims of an authenticated request, or nil.
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(contextKey{}).(*Claims)
	return claims
}

// RequireToken rejects requests without a valid bearer token with 401.
func RequireToken(svc *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				unauthorized(w, "Missing bearer token")
				return
			}

			claims, err := svc.Validate(token)
			if err != nil {
				logger.Debug("API token rejected", "remote_addr", r.RemoteAddr, logger.Err(err))
				if errors.Is(err, ErrExpiredToken) {
					unauthorized(w, "Token has expired")
					return
				}
				unauthorized(w, "Invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), contextKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return token, true
}

func unauthorized(w http.ResponseWriter, detail string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="dynamo"`)
	handlers.WriteProblem(w, http.StatusUnauthorized, "Unauthorized", detail)
}
