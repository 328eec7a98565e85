package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"task-sync-backend/pkg/apperrors"
	"task-sync-backend/pkg/models"
	"task-sync-backend/pkg/utils"
)

// ContextKey 用于在context中存储用户信息的键
type ContextKey string

const (
	IdentityContextKey ContextKey = "identity"
)

// SessionSource exposes the identity the daemon is signed in as.
type SessionSource interface {
	Current() *models.Identity
}

// TokenRefresher rotates the held access token when it is about to expire.
type TokenRefresher interface {
	EnsureFreshToken(ctx context.Context) error
}

// RequireSession 要求守护进程已登录
//
// The daemon holds a single session, so there is no bearer token to parse here. The request is
// rejected with 401 when nobody is signed in, or when refreshing an expiring token is refused.
func RequireSession(session SessionSource, refresher TokenRefresher, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if refresher != nil {
				if err := refresher.EnsureFreshToken(r.Context()); err != nil {
					if errors.Is(err, apperrors.ErrAuthFailure) {
						utils.WriteAppError(w, err)
						return
					}
					logger.Warn("token refresh failed", "path", r.URL.Path, "error", err)
				}
			}

			id := session.Current()
			if id == nil {
				utils.WriteUnauthorizedResponse(w, "not signed in")
				return
			}
			ctx := context.WithValue(r.Context(), IdentityContextKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetIdentityFromContext 从context中获取用户信息
func GetIdentityFromContext(ctx context.Context) (*models.Identity, bool) {
	id, ok := ctx.Value(IdentityContextKey).(*models.Identity)
	return id, ok && id != nil
}
