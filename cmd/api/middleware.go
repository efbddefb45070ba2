package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Lizaveta3333/liza-backend/internal/logger"
	"github.com/Lizaveta3333/liza-backend/internal/model"
)

type claimsContextKey struct{}

// ClaimsFrom returns the verified claims stored by Authenticate.
func ClaimsFrom(ctx context.Context) *model.Claims {
	claims, _ := ctx.Value(claimsContextKey{}).(*model.Claims)
	return claims
}

// Authenticate verifies the Bearer access token. Every failure gets the same
// bare 401 so clients cannot tell expiry from a bad key or signature.
func (s *APIServer) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeUnauthorized(w)
			return
		}

		claims, err := s.tokenService.Verify(token)
		if err == nil && claims.Type != model.TokenTypeAccess {
			err = errors.New("refresh token used as access token")
		}

		if err != nil {
			logger.From(r.Context()).Debug("rejected bearer token", slog.String("error", err.Error()))
			writeUnauthorized(w)

			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsContextKey{}, claims)))
	})
}

// RequireRole allows the request when the caller has any of roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFrom(r.Context())
			if claims == nil {
				writeUnauthorized(w)
				return
			}

			for _, role := range roles {
				if claims.HasRole(role) {
					next.ServeHTTP(w, r)
					return
				}
			}

			writeJSONError(w, "forbidden", http.StatusForbidden)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}

	return strings.TrimSpace(token), true
}

func writeUnauthorized(w http.ResponseWriter) {
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
