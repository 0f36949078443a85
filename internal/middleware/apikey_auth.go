package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/emberdate/backend/internal/models"
)

type contextKey string

const (
	ctxAPIKeyKey contextKey = "api_key"
	ctxUserKey   contextKey = "user_id"
)

// APIKeyRepo is the interface used by API key auth middleware.
type APIKeyRepo interface {
	FindByKeyHash(ctx context.Context, keyHash string) (*models.APIKey, error)
}

// TokenParser resolves a user bearer token.
type TokenParser interface {
	ParseToken(token string) (uuid.UUID, error)
}

// APIKeyAuth authenticates collaborator services by hashing the Bearer token
// (SHA-256) and looking it up in api_keys. On success the key is set into
// the request context.
func APIKeyAuth(apiKeyRepo APIKeyRepo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}

			key, err := apiKeyRepo.FindByKeyHash(r.Context(), HashKey(raw))
			if err != nil || key == nil || !key.IsActive {
				http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAPIKey(r.Context(), key)))
		})
	}
}

// UserAuth authenticates end users by JWT.
func UserAuth(tokens TokenParser) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}
			id, err := tokens.ParseToken(raw)
			if err != nil || id == uuid.Nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), id)))
		})
	}
}

// APIKeyFromCtx returns the authenticated collaborator key or nil.
func APIKeyFromCtx(ctx context.Context) *models.APIKey {
	k, _ := ctx.Value(ctxAPIKeyKey).(*models.APIKey)
	return k
}

// WithAPIKey returns a context carrying the given key.
func WithAPIKey(ctx context.Context, k *models.APIKey) context.Context {
	return context.WithValue(ctx, ctxAPIKeyKey, k)
}

// UserIDFromCtx returns the authenticated user id or uuid.Nil.
func UserIDFromCtx(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(ctxUserKey).(uuid.UUID)
	return id
}

func WithUserID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxUserKey, id)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// HashKey is the stored form of a raw API key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
