// Package auth holds the identity providers and the process-wide Session.
package auth

import (
	"context"

	"task-sync-backend/pkg/models"
)

// Provider is an identity service. Errors are *apperrors.Error: AuthFailure carries the provider's
// message verbatim, RemoteUnavailable covers transport and server failures.
type Provider interface {
	SignIn(ctx context.Context, email, password string) (*models.AuthSession, error)
	// SignUp returns a nil session when the provider requires email confirmation first.
	SignUp(ctx context.Context, req models.SignUpRequest) (*models.AuthSession, error)
	SignOut(ctx context.Context, accessToken string) error
	CurrentUser(ctx context.Context, accessToken string) (*models.Identity, error)
	Refresh(ctx context.Context, refreshToken string) (*models.AuthSession, error)
}
