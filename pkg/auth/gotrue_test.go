package auth

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"task-sync-backend/pkg/apperrors"
	"task-sync-backend/pkg/models"
)

func newTestGoTrue(t *testing.T, h http.HandlerFunc) *GoTrue {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewGoTrue(srv.URL, "anon-key", 5*time.Second)
}

const sessionBody = `{"access_token":"at","refresh_token":"rt","expires_in":3600,"expires_at":1893456000,
	"user":{"id":"u1","email":"ada@example.com","user_metadata":{"full_name":"Ada"}}}`

func TestGoTrue_SignIn(t *testing.T) {
	g := newTestGoTrue(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/v1/token", r.URL.Path)
		assert.Equal(t, "password", r.URL.Query().Get("grant_type"))
		assert.Equal(t, "anon-key", r.Header.Get("apikey"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ada@example.com", body["email"])
		io.WriteString(w, sessionBody)
	})

	s, err := g.SignIn(context.Background(), "ada@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, "at", s.AccessToken)
	assert.Equal(t, "rt", s.RefreshToken)
	assert.Equal(t, models.Identity{ID: "u1", Email: "ada@example.com", FullName: "Ada"}, s.User)
	assert.Equal(t, int64(1893456000), s.ExpiresAt.Unix())
}

func TestGoTrue_ErrorMessagesPassThrough(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   string
		kind   apperrors.Kind
	}{
		{"error_description", 400, `{"error":"invalid_grant","error_description":"Invalid login credentials"}`, "Invalid login credentials", apperrors.KindAuthFailure},
		{"msg", 422, `{"code":422,"msg":"User already registered"}`, "User already registered", apperrors.KindAuthFailure},
		{"server", 503, `{"message":"upstream down"}`, "upstream down", apperrors.KindRemoteUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := newTestGoTrue(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				io.WriteString(w, tc.body)
			})
			_, err := g.SignIn(context.Background(), "a@b.c", "x")
			require.Error(t, err)
			assert.Equal(t, tc.kind, apperrors.KindOf(err))
			assert.Equal(t, tc.want, apperrors.UserMessage(err))
		})
	}
}

func TestGoTrue_SignUpWithConfirmationReturnsNoSession(t *testing.T) {
	g := newTestGoTrue(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/v1/signup", r.URL.Path)
		var body struct {
			Data map[string]string `json:"data"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Ada", body.Data["full_name"])
		io.WriteString(w, `{"id":"u1","email":"ada@example.com","user_metadata":{"full_name":"Ada"}}`)
	})
	s, err := g.SignUp(context.Background(), models.SignUpRequest{Email: "ada@example.com", Password: "secret", FullName: "Ada"})
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestGoTrue_CurrentUserAndLogoutUseBearer(t *testing.T) {
	g := newTestGoTrue(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer user-token", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/auth/v1/user":
			io.WriteString(w, `{"id":"u1","email":"ada@example.com","user_metadata":{}}`)
		case "/auth/v1/logout":
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})
	id, err := g.CurrentUser(context.Background(), "user-token")
	require.NoError(t, err)
	assert.Equal(t, "u1", id.ID)
	require.NoError(t, g.SignOut(context.Background(), "user-token"))
}

func TestGoTrue_Refresh(t *testing.T) {
	g := newTestGoTrue(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "refresh_token", r.URL.Query().Get("grant_type"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "rt0", body["refresh_token"])
		io.WriteString(w, sessionBody)
	})
	s, err := g.Refresh(context.Background(), "rt0")
	require.NoError(t, err)
	assert.Equal(t, "rt", s.RefreshToken)
}
