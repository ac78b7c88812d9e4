package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/souldevsoul/voicecraft-sub001/internal/models"
	"github.com/souldevsoul/voicecraft-sub001/internal/repository"
)

type contextKey string

const (
	ctxAccountKey contextKey = "account"
	ctxExpertKey  contextKey = "expert"
)

// APIKeyRepo is the interface used by API key auth middleware.
type APIKeyRepo interface {
	FindByKeyHash(ctx context.Context, keyHash string) (*repository.APIKeyWithAccount, error)
}

// ExpertLookup resolves the expert profile for an expert-role account.
type ExpertLookup interface {
	GetByAccountID(ctx context.Context, accountID uuid.UUID) (*models.ExpertProfile, error)
}

// APIKeyAuth authenticates requests by hashing the Bearer token (SHA-256)
// and looking it up in api_keys. On success it sets the account, and for
// expert accounts their profile, into request context.
func APIKeyAuth(apiKeyRepo APIKeyRepo, experts ExpertLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}

			hash := hashKey(raw)
			result, err := apiKeyRepo.FindByKeyHash(r.Context(), hash)
			if err != nil {
				http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), ctxAccountKey, &result.Account)

			if result.Account.Role == models.AccountRoleExpert && experts != nil {
				if prof, err := experts.GetByAccountID(r.Context(), result.Account.ID); err == nil {
					ctx = context.WithValue(ctx, ctxExpertKey, prof)
				}
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AccountFromCtx returns the authenticated account or nil.
func AccountFromCtx(ctx context.Context) *models.Account {
	acc, _ := ctx.Value(ctxAccountKey).(*models.Account)
	return acc
}

// WithAccount returns a context carrying the given account.
func WithAccount(ctx context.Context, acc *models.Account) context.Context {
	return context.WithValue(ctx, ctxAccountKey, acc)
}

// ExpertFromCtx returns the authenticated account's expert profile, or nil.
func ExpertFromCtx(ctx context.Context) *models.ExpertProfile {
	prof, _ := ctx.Value(ctxExpertKey).(*models.ExpertProfile)
	return prof
}

// WithExpert returns a context carrying the given expert profile.
func WithExpert(ctx context.Context, prof *models.ExpertProfile) context.Context {
	return context.WithValue(ctx, ctxExpertKey, prof)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func hashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
