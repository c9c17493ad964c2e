package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	mw "github.com/repotrial/nedrexapi-v2d/internal/api/middleware"
	"github.com/repotrial/nedrexapi-v2d/internal/api/response"
	"github.com/repotrial/nedrexapi-v2d/internal/apikey"
	"github.com/repotrial/nedrexapi-v2d/internal/store"
	"github.com/repotrial/nedrexapi-v2d/pkg/models"
)

// Keys is the API key service behind the /admin/api_key routes.
type Keys interface {
	Issue(ctx context.Context) (string, *models.APIKey, error)
	Verify(ctx context.Context, raw string) (*models.APIKey, error)
	Revoke(ctx context.Context, raw string) error
}

type generateRequest struct {
	AcceptEULA bool `json:"accept_eula"`
}

// NewGenerateKeyHandler returns the handler issuing a new key to a client
// that accepts the EULA. The raw key is only ever shown in this response.
func NewGenerateKeyHandler(keys Keys) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			response.Error(w, http.StatusRequestEntityTooLarge, "INVALID_REQUEST", "Request body too large", nil)
			return
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Request body is not valid JSON", nil)
				return
			}
		}
		if !req.AcceptEULA {
			response.Error(w, http.StatusUnprocessableEntity, "UNPROCESSABLE",
				"You must accept the EULA to generate a key", map[string]string{"field": "accept_eula"})
			return
		}

		raw, key, err := keys.Issue(r.Context())
		if err != nil {
			slog.Error("issue api key", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			return
		}
		slog.Info("api key issued", "key_prefix", key.KeyPrefix, "expires_at", key.ExpiresAt)
		response.Raw(w, http.StatusOK, raw)
	}
}

func requireKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := mw.ExtractKey(r)
	if raw == "" {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "No API key provided", nil)
		return "", false
	}
	return raw, true
}

// NewVerifyKeyHandler returns the handler answering whether the given key is
// valid and unexpired.
func NewVerifyKeyHandler(keys Keys) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, ok := requireKey(w, r)
		if !ok {
			return
		}
		_, err := keys.Verify(r.Context(), raw)
		switch {
		case err == nil:
			response.Raw(w, http.StatusOK, true)
		case errors.Is(err, apikey.ErrInvalid), errors.Is(err, apikey.ErrExpired):
			response.Raw(w, http.StatusOK, false)
		default:
			slog.Error("verify api key", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
		}
	}
}

// NewRevokeKeyHandler returns the handler deleting the given key. The
// outcome is reported in the detail field, never as an error status.
func NewRevokeKeyHandler(keys Keys) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, ok := requireKey(w, r)
		if !ok {
			return
		}
		var detail string
		switch err := keys.Revoke(r.Context(), raw); {
		case err == nil:
			detail = "Success"
		case errors.Is(err, apikey.ErrInvalid), errors.Is(err, apikey.ErrExpired):
			detail = "API key is not valid"
		case errors.Is(err, store.ErrNotRevokable):
			detail = "API key given is not revokable via this route"
		default:
			slog.Error("revoke api key", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			return
		}
		response.Raw(w, http.StatusOK, map[string]string{"detail": detail})
	}
}
