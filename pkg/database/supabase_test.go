package database

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"task-sync-backend/pkg/feed"
	"task-sync-backend/pkg/models"
)

func newTestSupabase(t *testing.T, h http.HandlerFunc) *SupabaseDatabase {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	db, err := NewSupabaseDatabase(SupabaseOptions{URL: srv.URL, AnonKey: "anon-key", Feed: feed.NewBroker()})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBuildQueryString(t *testing.T) {
	qs := buildQueryString([]string{}, []Filter{Eq("org_id", "o1"), In("id", []string{"a", "b"})}, &Order{Column: "created_at", Desc: true})
	assert.Equal(t, "?select=*&org_id=eq.o1&id=in.%28a%2Cb%29&order=created_at.desc", qs)

	assert.Equal(t, "?read=eq.false", buildQueryString(nil, []Filter{Eq("read", false)}, nil))
	assert.Equal(t, "in.(\"a,b\",c)", filterExpr(In("x", []string{"a,b", "c"})))
	assert.Equal(t, "eq.done", filterExpr(Eq("status", models.StatusDone)))
}

func TestSupabase_SelectSendsFiltersAndToken(t *testing.T) {
	db := newTestSupabase(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/rest/v1/tasks", r.URL.Path)
		assert.Equal(t, "eq.o1", r.URL.Query().Get("org_id"))
		assert.Equal(t, "created_at.desc", r.URL.Query().Get("order"))
		assert.Equal(t, "anon-key", r.Header.Get("apikey"))
		assert.Equal(t, "Bearer user-jwt", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[{"id":"t1","org_id":"o1","title":"A","status":"in_review","priority":"high","created_by":"u1","created_at":"2026-01-01T00:00:00Z"}]`)
	})
	db.SetAccessToken("user-jwt")

	var tasks []models.Task
	require.NoError(t, db.Select(context.Background(), Query{
		Table:   TableTasks,
		Filters: []Filter{Eq("org_id", "o1")},
		Order:   &Order{Column: "created_at", Desc: true},
	}, &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, models.StatusInReview, tasks[0].Status)
}

func TestSupabase_AnonymousUsesAPIKeyAsBearer(t *testing.T) {
	db := newTestSupabase(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer anon-key", r.Header.Get("Authorization"))
		io.WriteString(w, `[]`)
	})
	var rows []models.Organization
	require.NoError(t, db.Select(context.Background(), Query{Table: TableOrganizations}, &rows))
	assert.Empty(t, rows)
}

func TestSupabase_InsertReturnsRow(t *testing.T) {
	db := newTestSupabase(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "return=representation", r.Header.Get("Prefer"))
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Acme", body["name"])
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `[{"id":"o1","name":"Acme","created_by":"u1","created_at":"2026-01-01T00:00:00Z"}]`)
	})

	var org models.Organization
	require.NoError(t, db.Insert(context.Background(), TableOrganizations, map[string]interface{}{"name": "Acme", "created_by": "u1"}, &org))
	assert.Equal(t, "o1", org.ID)
}

func TestSupabase_UpdateAndErrorMessage(t *testing.T) {
	db := newTestSupabase(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "eq.t1", r.URL.Query().Get("id"))
		assert.Equal(t, "return=minimal", r.Header.Get("Prefer"))
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, `{"code":"42501","message":"new row violates row-level security policy for table \"tasks\""}`)
	})

	err := db.Update(context.Background(), TableTasks, []Filter{Eq("id", "t1")}, map[string]interface{}{"status": "done"})
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusForbidden, re.StatusCode())
	assert.Equal(t, `new row violates row-level security policy for table "tasks"`, re.RemoteMessage())
}

func TestSupabase_UpdateRequiresFilters(t *testing.T) {
	db := newTestSupabase(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})
	assert.Error(t, db.Update(context.Background(), TableTasks, nil, map[string]interface{}{"status": "done"}))
}
