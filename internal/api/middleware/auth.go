package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/repotrial/nedrexapi-v2d/internal/api/response"
	"github.com/repotrial/nedrexapi-v2d/internal/apikey"
	"github.com/repotrial/nedrexapi-v2d/pkg/models"
)

// HeaderAPIKey carries the API key. A Bearer token is accepted as well.
const HeaderAPIKey = "x-api-key"

// KeyVerifier resolves a raw API key.
type KeyVerifier interface {
	Verify(ctx context.Context, raw string) (*models.APIKey, error)
}

// Auth provides authentication and scope-checking middleware.
type Auth struct {
	keys     KeyVerifier
	required bool
}

// NewAuth creates a new Auth middleware. With required set, every request
// passing Authenticate must carry a valid key.
func NewAuth(keys KeyVerifier, required bool) *Auth {
	return &Auth{keys: keys, required: required}
}

// Authenticate resolves the API key of the request and stores it in the
// request context. Without required, requests with a missing or unusable
// key continue anonymously.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := ExtractKey(r)
		if rawKey == "" {
			if a.required {
				response.Error(w, http.StatusUnauthorized,
					"API_KEY_REQUIRED", "An API key is required; generate one at /admin/api_key/generate", nil)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		key, err := a.keys.Verify(r.Context(), rawKey)
		switch {
		case err == nil:
			ctx := setAPIKey(r.Context(), key)
			ctx = setKeyPrefix(ctx, key.KeyPrefix)
			ctx = setScopes(ctx, key.Scopes)
			r = r.WithContext(ctx)
		case errors.Is(err, apikey.ErrInvalid), errors.Is(err, apikey.ErrExpired):
			if a.required {
				response.Error(w, http.StatusUnauthorized,
					"INVALID_API_KEY", "An invalid or expired API key was supplied", nil)
				return
			}
		default:
			slog.Error("verify api key", "error", err)
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to validate API key", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RequireScope returns middleware that checks whether the authenticated
// API key has the specified scope.
func (a *Auth) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := GetAPIKey(r); !ok {
				response.Error(w, http.StatusUnauthorized,
					"API_KEY_REQUIRED", "A valid API key is required", nil)
				return
			}
			for _, s := range getScopes(r) {
				if s == scope {
					next.ServeHTTP(w, r)
					return
				}
			}
			response.Error(w, http.StatusForbidden,
				"FORBIDDEN", "Insufficient permissions", nil)
		})
	}
}

// ExtractKey returns the key from the x-api-key header or an
// "Authorization: Bearer" header.
func ExtractKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(HeaderAPIKey)); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
