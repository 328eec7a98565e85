package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"task-sync-backend/pkg/apperrors"
	"task-sync-backend/pkg/models"
)

// GoTrue talks to the Supabase auth REST API (/auth/v1).
type GoTrue struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewGoTrue 创建 Supabase Auth 客户端
func NewGoTrue(projectURL, anonKey string, timeout time.Duration) *GoTrue {
	projectURL = strings.TrimRight(strings.TrimSpace(projectURL), "/")
	if !strings.HasPrefix(projectURL, "http") {
		projectURL = "https://" + projectURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GoTrue{
		baseURL:    projectURL + "/auth/v1",
		apiKey:     anonKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type gotrueUser struct {
	ID           string              `json:"id"`
	Email        string              `json:"email"`
	UserMetadata models.UserMetadata `json:"user_metadata"`
}

func (u gotrueUser) identity() models.Identity {
	return models.Identity{ID: u.ID, Email: u.Email, FullName: u.UserMetadata.FullName}
}

type gotrueSession struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	ExpiresIn    int64      `json:"expires_in"`
	ExpiresAt    int64      `json:"expires_at"`
	User         gotrueUser `json:"user"`
}

func (s gotrueSession) toModel() *models.AuthSession {
	expires := time.Unix(s.ExpiresAt, 0)
	if s.ExpiresAt == 0 {
		expires = time.Now().Add(time.Duration(s.ExpiresIn) * time.Second)
	}
	return &models.AuthSession{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		ExpiresAt:    expires,
		User:         s.User.identity(),
	}
}

// gotrueError covers the error shapes GoTrue has used across versions.
type gotrueError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
}

func (e gotrueError) text() string {
	for _, s := range []string{e.ErrorDescription, e.Msg, e.Message, e.Error} {
		if s != "" {
			return s
		}
	}
	return ""
}

func (g *GoTrue) do(ctx context.Context, op, method, path, bearer string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("apikey", g.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if bearer == "" {
		bearer = g.apiKey
	}
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return apperrors.RemoteUnavailable(op, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.RemoteUnavailable(op, err)
	}

	if resp.StatusCode >= 400 {
		var e gotrueError
		_ = json.Unmarshal(raw, &e)
		msg := e.text()
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		if resp.StatusCode >= 500 {
			return &apperrors.Error{Kind: apperrors.KindRemoteUnavailable, Op: op, Message: msg}
		}
		return apperrors.AuthFailure(op, msg)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperrors.RemoteUnavailable(op, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func (g *GoTrue) SignIn(ctx context.Context, email, password string) (*models.AuthSession, error) {
	var s gotrueSession
	body := map[string]string{"email": email, "password": password}
	if err := g.do(ctx, "sign in", http.MethodPost, "/token?grant_type=password", "", body, &s); err != nil {
		return nil, err
	}
	return s.toModel(), nil
}

// SignUp registers with full_name metadata. When email confirmation is enabled GoTrue answers
// with the bare user object, and no session is returned.
func (g *GoTrue) SignUp(ctx context.Context, req models.SignUpRequest) (*models.AuthSession, error) {
	body := map[string]interface{}{
		"email":    req.Email,
		"password": req.Password,
		"data":     map[string]string{"full_name": req.FullName},
	}
	var s gotrueSession
	if err := g.do(ctx, "sign up", http.MethodPost, "/signup", "", body, &s); err != nil {
		return nil, err
	}
	if s.AccessToken == "" {
		return nil, nil
	}
	return s.toModel(), nil
}

func (g *GoTrue) SignOut(ctx context.Context, accessToken string) error {
	if accessToken == "" {
		return nil
	}
	return g.do(ctx, "sign out", http.MethodPost, "/logout", accessToken, nil, nil)
}

func (g *GoTrue) CurrentUser(ctx context.Context, accessToken string) (*models.Identity, error) {
	if accessToken == "" {
		return nil, apperrors.AuthFailure("current user", "missing access token")
	}
	var u gotrueUser
	if err := g.do(ctx, "current user", http.MethodGet, "/user", accessToken, nil, &u); err != nil {
		return nil, err
	}
	id := u.identity()
	return &id, nil
}

func (g *GoTrue) Refresh(ctx context.Context, refreshToken string) (*models.AuthSession, error) {
	var s gotrueSession
	body := map[string]string{"refresh_token": refreshToken}
	if err := g.do(ctx, "refresh", http.MethodPost, "/token?grant_type=refresh_token", "", body, &s); err != nil {
		return nil, err
	}
	return s.toModel(), nil
}
