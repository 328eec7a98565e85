package auth

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"task-sync-backend/pkg/apperrors"
	"task-sync-backend/pkg/database"
	"task-sync-backend/pkg/models"
	"task-sync-backend/pkg/utils"
)

// Messages match the hosted provider's wording so the UI behaves the same against both.
const (
	msgInvalidCredentials = "Invalid login credentials"
	msgAlreadyRegistered  = "User already registered"
	msgInvalidRefresh     = "Invalid Refresh Token: Refresh Token Not Found"
	msgPasswordTooShort   = "Password should be at least 6 characters."
)

type localUser struct {
	identity models.Identity
	hash     []byte
}

// LocalProvider 本地身份提供者
//
// Credentials are held in memory. Access tokens are HS256 JWTs in the Supabase claim layout, so a
// Postgres store can share the secret with whatever verifies them. Sign-up writes the profile row
// the hosted project creates with a trigger.
type LocalProvider struct {
	db   database.DatabaseInterface
	jwt  *utils.JWTService
	log  *slog.Logger
	cost int

	mu      sync.Mutex
	byEmail map[string]*localUser
	byID    map[string]*localUser
	refresh map[string]string // refresh token -> user id
}

// NewLocalProvider 创建本地身份提供者
func NewLocalProvider(db database.DatabaseInterface, jwtSecret string, logger *slog.Logger) *LocalProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalProvider{
		db:      db,
		jwt:     utils.NewJWTService(jwtSecret),
		log:     logger.With("component", "local_auth"),
		cost:    bcrypt.DefaultCost,
		byEmail: make(map[string]*localUser),
		byID:    make(map[string]*localUser),
		refresh: make(map[string]string),
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (p *LocalProvider) SignUp(ctx context.Context, req models.SignUpRequest) (*models.AuthSession, error) {
	email := normalizeEmail(req.Email)
	if len(req.Password) < 6 {
		return nil, apperrors.AuthFailure("sign up", msgPasswordTooShort)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), p.cost)
	if err != nil {
		return nil, apperrors.RemoteUnavailable("sign up", err)
	}

	p.mu.Lock()
	if _, exists := p.byEmail[email]; exists {
		p.mu.Unlock()
		return nil, apperrors.AuthFailure("sign up", msgAlreadyRegistered)
	}
	u := &localUser{
		identity: models.Identity{ID: uuid.NewString(), Email: email, FullName: strings.TrimSpace(req.FullName)},
		hash:     hash,
	}
	p.byEmail[email] = u
	p.byID[u.identity.ID] = u
	p.mu.Unlock()

	profile := map[string]interface{}{
		"user_id":   u.identity.ID,
		"full_name": u.identity.FullName,
	}
	if err := p.db.Insert(ctx, database.TableProfiles, profile, nil); err != nil {
		p.mu.Lock()
		delete(p.byEmail, email)
		delete(p.byID, u.identity.ID)
		p.mu.Unlock()
		return nil, apperrors.FromRemote("sign up", err)
	}

	p.log.Info("user registered", "user_id", u.identity.ID)
	return p.issue(u.identity)
}

func (p *LocalProvider) SignIn(_ context.Context, email, password string) (*models.AuthSession, error) {
	p.mu.Lock()
	u := p.byEmail[normalizeEmail(email)]
	p.mu.Unlock()
	if u == nil {
		return nil, apperrors.AuthFailure("sign in", msgInvalidCredentials)
	}
	if err := bcrypt.CompareHashAndPassword(u.hash, []byte(password)); err != nil {
		return nil, apperrors.AuthFailure("sign in", msgInvalidCredentials)
	}
	return p.issue(u.identity)
}

// SignOut revokes every refresh token of the token's user. Access tokens stay valid until they expire.
func (p *LocalProvider) SignOut(_ context.Context, accessToken string) error {
	if accessToken == "" {
		return nil
	}
	claims, err := p.jwt.ValidateToken(accessToken)
	if err != nil {
		return nil
	}
	p.mu.Lock()
	for tok, uid := range p.refresh {
		if uid == claims.Subject {
			delete(p.refresh, tok)
		}
	}
	p.mu.Unlock()
	return nil
}

func (p *LocalProvider) CurrentUser(_ context.Context, accessToken string) (*models.Identity, error) {
	claims, err := p.jwt.ValidateToken(accessToken)
	if err != nil {
		return nil, apperrors.AuthFailure("current user", "invalid JWT: "+err.Error())
	}
	p.mu.Lock()
	u := p.byID[claims.Subject]
	p.mu.Unlock()
	if u == nil {
		return nil, apperrors.AuthFailure("current user", "User from sub claim in JWT does not exist")
	}
	id := u.identity
	return &id, nil
}

// Refresh rotates the refresh token.
func (p *LocalProvider) Refresh(_ context.Context, refreshToken string) (*models.AuthSession, error) {
	p.mu.Lock()
	uid, ok := p.refresh[refreshToken]
	if ok {
		delete(p.refresh, refreshToken)
	}
	u := p.byID[uid]
	p.mu.Unlock()
	if !ok || u == nil {
		return nil, apperrors.AuthFailure("refresh", msgInvalidRefresh)
	}
	return p.issue(u.identity)
}

func (p *LocalProvider) issue(id models.Identity) (*models.AuthSession, error) {
	access, expiresAt, err := p.jwt.GenerateAccessToken(id)
	if err != nil {
		return nil, apperrors.RemoteUnavailable("issue token", err)
	}
	refresh, err := utils.GenerateURLToken(32)
	if err != nil {
		return nil, apperrors.RemoteUnavailable("issue token", err)
	}
	p.mu.Lock()
	p.refresh[refresh] = id.ID
	p.mu.Unlock()
	return &models.AuthSession{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
		User:         id,
	}, nil
}
