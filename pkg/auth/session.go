package auth

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"task-sync-backend/pkg/apperrors"
	"task-sync-backend/pkg/models"
)

// Change describes a session transition delivered to listeners.
type Change struct {
	// Identity is nil after sign-out.
	Identity    *models.Identity
	AccessToken string
	// IdentityChanged is false when only the tokens were rotated.
	IdentityChanged bool
}

// Listener observes session changes. Listeners run synchronously, one change at a time, in
// registration order, outside the session lock.
type Listener func(Change)

// Session holds the process-wide authenticated identity.
type Session struct {
	provider Provider
	log      *slog.Logger

	mu      sync.RWMutex
	current *models.AuthSession

	// notifyMu serializes delivery; lastUser and lastToken are what listeners last saw.
	notifyMu  sync.Mutex
	lastUser  string
	lastToken string

	lmu       sync.Mutex
	listeners map[int]Listener
	nextID    int
}

// NewSession 创建会话
func NewSession(provider Provider, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		provider:  provider,
		log:       logger.With("component", "session"),
		listeners: make(map[int]Listener),
	}
}

// OnChange registers fn and returns a function that removes it.
func (s *Session) OnChange(fn Listener) func() {
	s.lmu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.lmu.Unlock()
	return func() {
		s.lmu.Lock()
		delete(s.listeners, id)
		s.lmu.Unlock()
	}
}

// notify delivers the session held at delivery time, so a listener never sees a stale sign-in
// after the sign-out that replaced it. Transitions that leave identity and token unchanged are
// not delivered.
func (s *Session) notify() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	c := Change{}
	var userID string
	s.mu.RLock()
	if s.current != nil {
		id := s.current.User
		userID = id.ID
		c.Identity = &id
		c.AccessToken = s.current.AccessToken
	}
	s.mu.RUnlock()
	if userID == s.lastUser && c.AccessToken == s.lastToken {
		return
	}
	c.IdentityChanged = userID != s.lastUser
	s.lastUser, s.lastToken = userID, c.AccessToken

	s.lmu.Lock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]Listener, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	s.lmu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

// set swaps the held session and notifies listeners. Listeners must not call back into set.
func (s *Session) set(next *models.AuthSession) {
	s.mu.Lock()
	s.current = next
	s.mu.Unlock()
	s.notify()
}

func requireCredentials(op, email, password string) error {
	if strings.TrimSpace(email) == "" {
		return apperrors.Validation(op, "email is required")
	}
	if password == "" {
		return apperrors.Validation(op, "password is required")
	}
	return nil
}

// SignIn authenticates with email and password.
func (s *Session) SignIn(ctx context.Context, email, password string) (*models.Identity, error) {
	if err := requireCredentials("sign in", email, password); err != nil {
		return nil, err
	}
	as, err := s.provider.SignIn(ctx, strings.TrimSpace(email), password)
	if err != nil {
		return nil, err
	}
	s.set(as)
	s.log.Info("signed in", "user_id", as.User.ID)
	id := as.User
	return &id, nil
}

// SignUp registers a new identity. pending is true when the provider asks for email confirmation;
// the session stays signed out in that case.
func (s *Session) SignUp(ctx context.Context, req models.SignUpRequest) (identity *models.Identity, pending bool, err error) {
	if err := requireCredentials("sign up", req.Email, req.Password); err != nil {
		return nil, false, err
	}
	if strings.TrimSpace(req.FullName) == "" {
		return nil, false, apperrors.Validation("sign up", "full name is required")
	}
	req.Email = strings.TrimSpace(req.Email)
	as, err := s.provider.SignUp(ctx, req)
	if err != nil {
		return nil, false, err
	}
	if as == nil {
		return nil, true, nil
	}
	s.set(as)
	s.log.Info("signed up", "user_id", as.User.ID)
	id := as.User
	return &id, false, nil
}

// SignOut clears the session locally even when the provider call fails; that error is returned.
func (s *Session) SignOut(ctx context.Context) error {
	token := s.AccessToken()
	var err error
	if token != "" {
		err = s.provider.SignOut(ctx, token)
		if err != nil {
			s.log.Warn("provider sign out failed", "error", err)
		}
	}
	s.set(nil)
	return err
}

// Restore adopts an existing token pair after checking it with the provider.
func (s *Session) Restore(ctx context.Context, as models.AuthSession) (*models.Identity, error) {
	if as.AccessToken == "" {
		return nil, apperrors.Validation("restore session", "access token is required")
	}
	id, err := s.provider.CurrentUser(ctx, as.AccessToken)
	if err != nil {
		return nil, err
	}
	as.User = *id
	s.set(&as)
	return id, nil
}

// Refresh exchanges the held refresh token for a new pair.
func (s *Session) Refresh(ctx context.Context) (*models.AuthSession, error) {
	s.mu.RLock()
	cur := s.current
	s.mu.RUnlock()
	if cur == nil || cur.RefreshToken == "" {
		return nil, apperrors.AuthFailure("refresh", "not signed in")
	}
	as, err := s.provider.Refresh(ctx, cur.RefreshToken)
	if err != nil {
		return nil, err
	}
	s.set(as)
	out := *as
	return &out, nil
}

// Current returns the signed-in identity or nil.
func (s *Session) Current() *models.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil
	}
	id := s.current.User
	return &id
}

// AccessToken returns the held access token or "".
func (s *Session) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return ""
	}
	return s.current.AccessToken
}

// Tokens returns a copy of the held token pair.
func (s *Session) Tokens() *models.AuthSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil
	}
	out := *s.current
	return &out
}
