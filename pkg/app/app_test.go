package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"task-sync-backend/pkg/auth"
	"task-sync-backend/pkg/config"
	"task-sync-backend/pkg/database"
	"task-sync-backend/pkg/middleware"
	"task-sync-backend/pkg/models"
	"task-sync-backend/pkg/orgs"
	"task-sync-backend/pkg/utils"
)

func newTestApp(t *testing.T) (*App, *database.LocalDatabase) {
	t.Helper()
	db, err := database.NewLocalDatabase("", nil)
	require.NoError(t, err)
	cfg := &config.Config{StoreDriver: "local", JWTSecret: "test-secret", RequestTimeout: 5 * time.Second}
	a := NewWithDeps(cfg, db, auth.NewLocalProvider(db, cfg.JWTSecret, nil), nil)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { a.Close() })
	return a, db
}

func TestDatabaseConfigMapping(t *testing.T) {
	cfg := &config.Config{
		StoreDriver: "postgres", FeedDriver: "redis", PostgresDSN: "postgres://x", RedisURL: "redis://r",
		SupabaseURL: "https://p.supabase.co", SupabaseAnonKey: "anon", RequestTimeout: time.Second,
	}
	dc := DatabaseConfig(cfg, nil)
	assert.Equal(t, "postgres", dc.Driver)
	assert.Equal(t, "redis", dc.FeedDriver)
	assert.Equal(t, "anon", dc.SupabaseKey)
	assert.Equal(t, time.Second, dc.RequestTimeout)
}

func TestNewProviderSelection(t *testing.T) {
	_, ok := NewProvider(&config.Config{SupabaseURL: "https://p.supabase.co", SupabaseAnonKey: "anon"}, nil, nil).(*auth.GoTrue)
	assert.True(t, ok)
	_, ok = NewProvider(&config.Config{StoreDriver: "local", JWTSecret: "s"}, nil, nil).(*auth.LocalProvider)
	assert.True(t, ok)
}

func TestApp_SignInChainsThroughToTasks(t *testing.T) {
	a, db := newTestApp(t)
	ctx := context.Background()

	id, _, err := a.Session.SignUp(ctx, models.SignUpRequest{Email: "ada@example.com", Password: "secret1", FullName: "Ada"})
	require.NoError(t, err)
	assert.Equal(t, orgs.StateNoneAvailable, a.Orgs.State().State)
	assert.Equal(t, "", a.Tasks.ActiveOrganization())

	org, err := a.Orgs.Create(ctx, "Acme")
	require.NoError(t, err)
	assert.Equal(t, org.ID, a.Tasks.ActiveOrganization())
	assert.Equal(t, 1, db.Broker().Count(database.TableTasks))
	assert.Equal(t, 1, db.Broker().Count(database.TableNotifications))

	created, err := a.Tasks.CreateTask(ctx, models.NewTaskRequest{Title: "Ship", AssignedTo: id.ID})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(a.Tasks.Snapshot().Tasks) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, created.ID, a.Tasks.Snapshot().Tasks[0].ID)
	assert.Len(t, a.Tasks.Partition().Mine, 1)
	require.Eventually(t, func() bool { return a.Notifications.UnreadCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Session.SignOut(ctx))
	assert.Equal(t, orgs.StateUninitialized, a.Orgs.State().State)
	assert.Empty(t, a.Tasks.Snapshot().Tasks)
	assert.Equal(t, 0, db.Broker().Count(database.TableTasks))
	assert.Equal(t, 0, db.Broker().Count(database.TableNotifications))
}

func TestApp_EnsureFreshTokenKeepsValidToken(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()
	require.NoError(t, a.EnsureFreshToken(ctx))

	_, _, err := a.Session.SignUp(ctx, models.SignUpRequest{Email: "ada@example.com", Password: "secret1", FullName: "Ada"})
	require.NoError(t, err)

	before := a.Session.Tokens()
	require.NoError(t, a.EnsureFreshToken(ctx))
	assert.Equal(t, before.RefreshToken, a.Session.Tokens().RefreshToken)
}

// slowRefresh holds each rotation long enough for concurrent requests to overlap.
type slowRefresh struct {
	*auth.LocalProvider
	delay time.Duration
	calls atomic.Int32
}

func (p *slowRefresh) Refresh(ctx context.Context, refreshToken string) (*models.AuthSession, error) {
	p.calls.Add(1)
	time.Sleep(p.delay)
	return p.LocalProvider.Refresh(ctx, refreshToken)
}

func TestApp_ConcurrentRequestsShareOneRefresh(t *testing.T) {
	ctx := context.Background()
	db, err := database.NewLocalDatabase("", nil)
	require.NoError(t, err)
	cfg := &config.Config{StoreDriver: "local", JWTSecret: "test-secret", RequestTimeout: 5 * time.Second}
	p := &slowRefresh{LocalProvider: auth.NewLocalProvider(db, cfg.JWTSecret, nil), delay: 50 * time.Millisecond}
	a := NewWithDeps(cfg, db, p, nil)
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() { a.Close() })

	_, _, err = a.Session.SignUp(ctx, models.SignUpRequest{Email: "ada@example.com", Password: "secret1", FullName: "Ada"})
	require.NoError(t, err)
	held := *a.Session.Tokens()
	held.ExpiresAt = time.Now().Add(30 * time.Second)
	_, err = a.Session.Restore(ctx, held)
	require.NoError(t, err)
	// A foreign key makes the held expires_at the deciding value.
	a.tokens = utils.NewJWTService("another-secret")

	h := middleware.RequireSession(a.Session, a, nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	codes := make([]int, 2)
	var wg sync.WaitGroup
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks", nil))
			codes[i] = rec.Code
		}(i)
	}
	wg.Wait()

	assert.Equal(t, []int{http.StatusOK, http.StatusOK}, codes)
	assert.EqualValues(t, 1, p.calls.Load())
	assert.NotEqual(t, held.RefreshToken, a.Session.Tokens().RefreshToken)
}
