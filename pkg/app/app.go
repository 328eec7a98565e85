// Package app is the application-state object: it owns the session, organization, task and
// notification state of the daemon and wires them together.
//
// Session → Organizations → Tasks is a synchronous chain. Signing in refetches organizations,
// which binds the task store to the active one; signing out walks the chain back to empty.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"task-sync-backend/pkg/auth"
	"task-sync-backend/pkg/config"
	"task-sync-backend/pkg/database"
	"task-sync-backend/pkg/models"
	"task-sync-backend/pkg/notifications"
	"task-sync-backend/pkg/orgs"
	"task-sync-backend/pkg/stream"
	"task-sync-backend/pkg/tasksync"
	"task-sync-backend/pkg/utils"
)

// refreshSkew is how long before expiry the access token is rotated.
const refreshSkew = time.Minute

// App 应用状态
type App struct {
	Config        *config.Config
	DB            database.DatabaseInterface
	Session       *auth.Session
	Orgs          *orgs.Selector
	Tasks         *tasksync.Store
	Notifications *notifications.Store
	Hub           *stream.Hub

	log     *slog.Logger
	tokens  *utils.JWTService
	timeout time.Duration

	// refreshes coalesces concurrent rotations of the same refresh token.
	refreshes singleflight.Group

	mu        sync.Mutex
	started   bool
	unhook    []func()
	closeOnce sync.Once
}

// DatabaseConfig maps the daemon configuration onto the store factory's.
func DatabaseConfig(cfg *config.Config, logger *slog.Logger) database.DatabaseConfig {
	return database.DatabaseConfig{
		Driver:            cfg.StoreDriver,
		FeedDriver:        cfg.FeedDriver,
		PostgresDSN:       cfg.PostgresDSN,
		SupabaseURL:       cfg.SupabaseURL,
		SupabaseKey:       cfg.SupabaseAnonKey,
		RedisURL:          cfg.RedisURL,
		LocalDataFile:     cfg.LocalDataFile,
		RequestTimeout:    cfg.RequestTimeout,
		RealtimeHeartbeat: cfg.RealtimeHeartbeat,
		Debug:             cfg.Debug,
		Logger:            logger,
	}
}

// NewProvider picks GoTrue for a Supabase store and the local provider otherwise.
func NewProvider(cfg *config.Config, db database.DatabaseInterface, logger *slog.Logger) auth.Provider {
	if cfg.UsesSupabase() {
		return auth.NewGoTrue(cfg.SupabaseURL, cfg.SupabaseAnonKey, cfg.RequestTimeout)
	}
	return auth.NewLocalProvider(db, cfg.JWTSecret, logger)
}

// tokenSecret is the secret access tokens are signed with, or "" when they can only be decoded.
func tokenSecret(cfg *config.Config) string {
	if cfg.UsesSupabase() {
		return cfg.SupabaseJWTSecret
	}
	return cfg.JWTSecret
}

// New opens the configured store and builds the application around it.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := database.NewDatabase(DatabaseConfig(cfg, logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return NewWithDeps(cfg, db, NewProvider(cfg, db, logger), logger), nil
}

// NewWithDeps builds the application on an open store and provider.
func NewWithDeps(cfg *config.Config, db database.DatabaseInterface, provider auth.Provider, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &App{
		Config:        cfg,
		DB:            db,
		Session:       auth.NewSession(provider, logger),
		Orgs:          orgs.NewSelector(db, logger),
		Tasks:         tasksync.New(db, tasksync.Options{Logger: logger, LoadTimeout: timeout}),
		Notifications: notifications.New(db, logger, timeout),
		Hub:           stream.NewHub(),
		log:           logger.With("component", "app"),
		tokens:        utils.NewJWTService(tokenSecret(cfg)),
		timeout:       timeout,
	}
}

// Start registers the listeners that chain the components together. It is safe to call once.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}
	hc, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if err := a.DB.HealthCheck(hc); err != nil {
		a.log.Warn("store health check failed", "error", err)
	}

	a.unhook = append(a.unhook,
		a.Session.OnChange(a.onSessionChange),
		a.Orgs.OnChange(a.onOrgsChange),
		a.Tasks.OnChange(func(s tasksync.Snapshot) {
			a.Hub.Publish(stream.Message{Topic: stream.TopicTasks, Version: s.Version})
		}),
		a.Notifications.OnChange(func(s notifications.Snapshot) {
			a.Hub.Publish(stream.Message{Topic: stream.TopicNotifications, Version: s.Version, Data: map[string]int{"unread": s.Unread}})
		}),
	)
	a.started = true
	a.log.Info("application started")
	return nil
}

func (a *App) onSessionChange(c auth.Change) {
	a.DB.SetAccessToken(c.AccessToken)
	a.Hub.Publish(stream.Message{Topic: stream.TopicSession, Data: c.Identity})
	if !c.IdentityChanged {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	a.Tasks.SetIdentity(c.Identity)
	if err := a.Notifications.SetIdentity(ctx, c.Identity); err != nil {
		a.log.Warn("notification sync failed", "error", err)
	}
	if err := a.Orgs.SetIdentity(ctx, c.Identity); err != nil {
		a.log.Warn("organization refetch failed", "error", err)
	}
}

func (a *App) onOrgsChange(s orgs.Snapshot) {
	a.Hub.Publish(stream.Message{Topic: stream.TopicOrganizations, Data: s.State})
	if s.State == orgs.StateLoading {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.Tasks.SetOrganization(ctx, s.ActiveID()); err != nil {
		a.log.Warn("task sync for organization failed", "org_id", s.ActiveID(), "error", err)
	}
}

// EnsureFreshToken rotates the session's tokens when the access token is expired or close to it.
// Concurrent callers share one rotation; a caller that saw a pair already rotated by someone else
// returns without refreshing.
func (a *App) EnsureFreshToken(ctx context.Context) error {
	tokens := a.Session.Tokens()
	if !a.needsRefresh(tokens) {
		return nil
	}
	seen := tokens.RefreshToken
	_, err, _ := a.refreshes.Do(seen, func() (interface{}, error) {
		cur := a.Session.Tokens()
		if cur == nil || cur.RefreshToken != seen || !a.needsRefresh(cur) {
			return nil, nil
		}
		return a.Session.Refresh(ctx)
	})
	return err
}

// needsRefresh reports whether the held access token expires within refreshSkew.
func (a *App) needsRefresh(tokens *models.AuthSession) bool {
	if tokens == nil {
		return false
	}
	expiresAt := tokens.ExpiresAt
	claims, err := a.tokens.ValidateToken(tokens.AccessToken)
	switch {
	case err == nil && claims.Exp != 0:
		expiresAt = time.Unix(claims.Exp, 0)
	case errors.Is(err, utils.ErrTokenExpired):
		expiresAt = time.Now()
	case err != nil:
		a.log.Debug("held access token did not validate", "error", err)
	}
	return !expiresAt.IsZero() && time.Until(expiresAt) <= refreshSkew
}

// Close tears down subscriptions, the push hub and the store.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.mu.Lock()
		for _, fn := range a.unhook {
			fn()
		}
		a.unhook = nil
		a.mu.Unlock()

		_ = a.Tasks.Close()
		_ = a.Notifications.Close()
		a.Hub.Close()
		err = a.DB.Close()
		a.log.Info("application stopped")
	})
	return err
}
