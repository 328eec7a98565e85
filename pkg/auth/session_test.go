package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"task-sync-backend/pkg/apperrors"
	"task-sync-backend/pkg/models"
)

// stubProvider answers from fixed values and records calls.
type stubProvider struct {
	mu         sync.Mutex
	session    *models.AuthSession
	err        error
	signOutErr error
	calls      []string
}

func (p *stubProvider) SignIn(_ context.Context, email, _ string) (*models.AuthSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "signin:"+email)
	return p.session, p.err
}

func (p *stubProvider) SignUp(_ context.Context, req models.SignUpRequest) (*models.AuthSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "signup:"+req.Email)
	return p.session, p.err
}

func (p *stubProvider) SignOut(_ context.Context, token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "signout:"+token)
	return p.signOutErr
}

func (p *stubProvider) CurrentUser(_ context.Context, token string) (*models.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "user:"+token)
	if p.err != nil {
		return nil, p.err
	}
	id := p.session.User
	return &id, nil
}

func (p *stubProvider) Refresh(_ context.Context, rt string) (*models.AuthSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "refresh:"+rt)
	return p.session, p.err
}

func adaSession(token string) *models.AuthSession {
	return &models.AuthSession{AccessToken: token, RefreshToken: "r-" + token, User: models.Identity{ID: "u1", Email: "ada@example.com"}}
}

func TestSession_SignInNotifiesListeners(t *testing.T) {
	p := &stubProvider{session: adaSession("t1")}
	s := NewSession(p, nil)
	var changes []Change
	s.OnChange(func(c Change) { changes = append(changes, c) })

	id, err := s.SignIn(context.Background(), " ada@example.com ", "pw")
	require.NoError(t, err)
	assert.Equal(t, "u1", id.ID)
	assert.Equal(t, []string{"signin:ada@example.com"}, p.calls)
	require.Len(t, changes, 1)
	assert.True(t, changes[0].IdentityChanged)
	assert.Equal(t, "t1", changes[0].AccessToken)
	assert.Equal(t, "t1", s.AccessToken())

	p.session = adaSession("t2")
	_, err = s.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.False(t, changes[1].IdentityChanged)
	assert.Equal(t, "t2", changes[1].AccessToken)
	assert.Equal(t, "refresh:r-t1", p.calls[1])
}

func TestSession_SignOutDuringSignInDeliveryEndsSignedOut(t *testing.T) {
	ctx := context.Background()
	s := NewSession(&stubProvider{session: adaSession("t1")}, nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	s.OnChange(func(Change) {
		once.Do(func() {
			close(entered)
			<-release
		})
	})
	var mu sync.Mutex
	var seen []*models.Identity
	s.OnChange(func(c Change) {
		mu.Lock()
		seen = append(seen, c.Identity)
		mu.Unlock()
	})

	signedIn := make(chan error, 1)
	go func() {
		_, err := s.SignIn(ctx, "ada@example.com", "pw")
		signedIn <- err
	}()
	<-entered

	signedOut := make(chan error, 1)
	go func() { signedOut <- s.SignOut(ctx) }()
	require.Eventually(t, func() bool { return s.Current() == nil }, time.Second, 5*time.Millisecond)
	close(release)
	require.NoError(t, <-signedIn)
	require.NoError(t, <-signedOut)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	require.NotNil(t, seen[0])
	assert.Equal(t, "u1", seen[0].ID)
	assert.Nil(t, seen[1])
	assert.Nil(t, s.Current())
}

func TestSession_UnchangedRestoreIsNotDelivered(t *testing.T) {
	ctx := context.Background()
	s := NewSession(&stubProvider{session: adaSession("t1")}, nil)
	n := 0
	s.OnChange(func(Change) { n++ })

	_, err := s.Restore(ctx, *adaSession("t1"))
	require.NoError(t, err)
	_, err = s.Restore(ctx, *adaSession("t1"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.SignOut(ctx))
	require.NoError(t, s.SignOut(ctx))
	assert.Equal(t, 2, n)
}

func TestSession_ValidationBeforeProvider(t *testing.T) {
	p := &stubProvider{}
	s := NewSession(p, nil)

	_, err := s.SignIn(context.Background(), "", "pw")
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
	_, err = s.SignIn(context.Background(), "a@b.c", "")
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
	_, _, err = s.SignUp(context.Background(), models.SignUpRequest{Email: "a@b.c", Password: "pw"})
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
	assert.Empty(t, p.calls)
}

func TestSession_ProviderErrorVerbatim(t *testing.T) {
	p := &stubProvider{err: apperrors.AuthFailure("sign in", "Email not confirmed")}
	s := NewSession(p, nil)
	_, err := s.SignIn(context.Background(), "a@b.c", "pw")
	assert.True(t, errors.Is(err, apperrors.ErrAuthFailure))
	assert.Equal(t, "Email not confirmed", apperrors.UserMessage(err))
	assert.Nil(t, s.Current())
}

func TestSession_SignUpPendingConfirmation(t *testing.T) {
	s := NewSession(&stubProvider{}, nil)
	called := false
	s.OnChange(func(Change) { called = true })

	id, pending, err := s.SignUp(context.Background(), models.SignUpRequest{Email: "a@b.c", Password: "pw", FullName: "A"})
	require.NoError(t, err)
	assert.Nil(t, id)
	assert.True(t, pending)
	assert.False(t, called)
}

func TestSession_SignOutClearsEvenOnProviderError(t *testing.T) {
	p := &stubProvider{session: adaSession("t1"), signOutErr: errors.New("network down")}
	s := NewSession(p, nil)
	_, err := s.SignIn(context.Background(), "a@b.c", "pw")
	require.NoError(t, err)

	var last Change
	unregister := s.OnChange(func(c Change) { last = c })
	err = s.SignOut(context.Background())
	assert.Error(t, err)
	assert.Nil(t, s.Current())
	assert.Nil(t, last.Identity)
	assert.True(t, last.IdentityChanged)

	unregister()
	p.signOutErr = nil
	_, err = s.SignIn(context.Background(), "a@b.c", "pw")
	require.NoError(t, err)
	assert.Nil(t, last.Identity)
}

func TestSession_Restore(t *testing.T) {
	p := &stubProvider{session: adaSession("t1")}
	s := NewSession(p, nil)
	id, err := s.Restore(context.Background(), models.AuthSession{AccessToken: "t1", RefreshToken: "r"})
	require.NoError(t, err)
	assert.Equal(t, "u1", id.ID)
	assert.Equal(t, "r", s.Tokens().RefreshToken)
}
