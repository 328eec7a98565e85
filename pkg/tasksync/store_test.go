package tasksync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"task-sync-backend/pkg/apperrors"
	"task-sync-backend/pkg/database"
	"task-sync-backend/pkg/models"
)

// recordingDB wraps the local store, counting updates and optionally failing or holding task selects.
type recordingDB struct {
	*database.LocalDatabase

	mu      sync.Mutex
	updates []map[string]interface{}
	fail    error
	gates   map[string]chan struct{}
	entered chan string
}

func (r *recordingDB) Select(ctx context.Context, q database.Query, dest interface{}) error {
	r.mu.Lock()
	err := r.fail
	var gate chan struct{}
	if q.Table == database.TableTasks && len(q.Filters) > 0 {
		if org, ok := q.Filters[0].Value.(string); ok {
			gate = r.gates[org]
			if gate != nil && r.entered != nil {
				r.entered <- org
			}
		}
	}
	r.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return err
	}
	return r.LocalDatabase.Select(ctx, q, dest)
}

func (r *recordingDB) Update(ctx context.Context, table string, filters []database.Filter, patch map[string]interface{}) error {
	r.mu.Lock()
	r.updates = append(r.updates, patch)
	r.mu.Unlock()
	return r.LocalDatabase.Update(ctx, table, filters, patch)
}

func (r *recordingDB) updateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func newFixture(t *testing.T) (*recordingDB, *Store) {
	t.Helper()
	local, err := database.NewLocalDatabase("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })
	db := &recordingDB{LocalDatabase: local, gates: map[string]chan struct{}{}}
	s := New(db, Options{})
	t.Cleanup(func() { s.Close() })
	s.SetIdentity(&models.Identity{ID: "u1"})
	return db, s
}

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func seedTask(t *testing.T, db database.DatabaseInterface, orgID, title string, status models.TaskStatus, offset time.Duration) models.Task {
	t.Helper()
	var tk models.Task
	require.NoError(t, db.Insert(context.Background(), database.TableTasks, map[string]interface{}{
		"org_id":     orgID,
		"title":      title,
		"status":     string(status),
		"created_by": "u1",
		"created_at": base.Add(offset),
	}, &tk))
	return tk
}

func TestStore_LoadOrdersNewestFirst(t *testing.T) {
	db, s := newFixture(t)
	seedTask(t, db, "acme", "old", models.StatusTodo, 0)
	seedTask(t, db, "acme", "new", models.StatusTodo, time.Hour)
	seedTask(t, db, "globex", "other", models.StatusTodo, 2*time.Hour)

	require.NoError(t, s.SetOrganization(context.Background(), "acme"))
	snap := s.Snapshot()
	assert.Equal(t, "acme", snap.OrgID)
	require.Len(t, snap.Tasks, 2)
	assert.Equal(t, "new", snap.Tasks[0].Title)
	assert.Equal(t, "old", snap.Tasks[1].Title)
	assert.False(t, snap.Loading)
}

func TestStore_FailedLoadKeepsSnapshot(t *testing.T) {
	db, s := newFixture(t)
	ctx := context.Background()
	seedTask(t, db, "acme", "a", models.StatusTodo, 0)
	require.NoError(t, s.SetOrganization(ctx, "acme"))
	before := s.Snapshot()

	db.mu.Lock()
	db.fail = &database.RemoteError{Status: 503, Message: "upstream request timeout"}
	db.mu.Unlock()

	err := s.Refresh(ctx)
	assert.True(t, errors.Is(err, apperrors.ErrRemoteUnavailable))
	after := s.Snapshot()
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, ids(before.Tasks), ids(after.Tasks))
	assert.Equal(t, "upstream request timeout", after.LastError)
	assert.False(t, after.Loading)
}

func TestStore_StaleResponseDiscarded(t *testing.T) {
	db, s := newFixture(t)
	ctx := context.Background()
	seedTask(t, db, "orgA", "from A", models.StatusTodo, 0)
	seedTask(t, db, "orgB", "from B", models.StatusTodo, 0)

	gateA := make(chan struct{})
	db.mu.Lock()
	db.gates["orgA"] = gateA
	db.entered = make(chan string, 4)
	db.mu.Unlock()

	errA := make(chan error, 1)
	go func() { errA <- s.SetOrganization(ctx, "orgA") }()
	select {
	case org := <-db.entered:
		require.Equal(t, "orgA", org)
	case <-time.After(time.Second):
		t.Fatal("load for orgA never started")
	}

	// B is selected and answered while A is still in flight
	require.NoError(t, s.SetOrganization(ctx, "orgB"))
	assert.Equal(t, []string{"from B"}, titles(s.Snapshot().Tasks))

	close(gateA)
	err := <-errA
	assert.True(t, errors.Is(err, apperrors.ErrStaleSelection))

	snap := s.Snapshot()
	assert.Equal(t, "orgB", snap.OrgID)
	assert.Equal(t, []string{"from B"}, titles(snap.Tasks))
}

func titles(tasks []models.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Title)
	}
	return out
}

func TestStore_OneSubscriptionPerActiveOrganization(t *testing.T) {
	db, s := newFixture(t)
	ctx := context.Background()
	broker := db.Broker()

	require.NoError(t, s.SetOrganization(ctx, "x"))
	assert.Equal(t, 1, broker.Count(database.TableTasks))

	require.NoError(t, s.SetOrganization(ctx, "y"))
	assert.Equal(t, 1, broker.Count(database.TableTasks))

	require.NoError(t, s.SetOrganization(ctx, "y"))
	assert.Equal(t, 1, broker.Count(database.TableTasks))

	require.NoError(t, s.Close())
	assert.Equal(t, 0, broker.Count(database.TableTasks))
}

func TestStore_DeselectClearsSnapshotAndSubscription(t *testing.T) {
	db, s := newFixture(t)
	ctx := context.Background()
	seedTask(t, db, "acme", "a", models.StatusTodo, 0)
	require.NoError(t, s.SetOrganization(ctx, "acme"))
	require.Len(t, s.Snapshot().Tasks, 1)

	require.NoError(t, s.SetOrganization(ctx, ""))
	snap := s.Snapshot()
	assert.Empty(t, snap.Tasks)
	assert.Equal(t, "", snap.OrgID)
	assert.Equal(t, 0, db.Broker().Count(database.TableTasks))
}

func TestStore_ChangeEventTriggersReload(t *testing.T) {
	db, s := newFixture(t)
	ctx := context.Background()
	require.NoError(t, s.SetOrganization(ctx, "acme"))
	assert.Empty(t, s.Snapshot().Tasks)

	seedTask(t, db, "acme", "remote insert", models.StatusTodo, 0)
	seedTask(t, db, "globex", "elsewhere", models.StatusTodo, 0)

	require.Eventually(t, func() bool {
		return len(s.Snapshot().Tasks) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "remote insert", s.Snapshot().Tasks[0].Title)
}

func TestStore_UpdateStatusScenario(t *testing.T) {
	db, s := newFixture(t)
	ctx := context.Background()
	t1 := seedTask(t, db, "acme", "one", models.StatusTodo, 0)
	seedTask(t, db, "acme", "two", models.StatusDone, time.Hour)
	require.NoError(t, s.SetOrganization(ctx, "acme"))

	version := s.Snapshot().Version
	require.NoError(t, s.UpdateStatus(ctx, t1.ID, models.StatusDone))
	require.Equal(t, 1, db.updateCount())
	assert.Equal(t, "done", db.updates[0]["status"])

	require.NoError(t, s.Refresh(ctx))
	assert.Greater(t, s.Snapshot().Version, version)
	p := s.Partition()
	assert.Len(t, p.Status(models.StatusDone), 2)
	assert.Empty(t, p.Status(models.StatusTodo))
}

func TestStore_UpdateStatusUnchangedIsNoop(t *testing.T) {
	db, s := newFixture(t)
	ctx := context.Background()
	t1 := seedTask(t, db, "acme", "one", models.StatusInReview, 0)
	require.NoError(t, s.SetOrganization(ctx, "acme"))
	before := s.Snapshot()

	err := s.UpdateStatus(ctx, t1.ID, models.StatusInReview)
	assert.ErrorIs(t, err, ErrStatusUnchanged)
	assert.Equal(t, 0, db.updateCount())
	assert.Equal(t, before.Version, s.Snapshot().Version)

	err = s.UpdateStatus(ctx, t1.ID, models.TaskStatus("blocked"))
	assert.True(t, errors.Is(err, apperrors.ErrValidation))
	err = s.UpdateStatus(ctx, "missing", models.StatusDone)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
	assert.Equal(t, 0, db.updateCount())
}

func TestStore_UpdateStatusDoesNotMutateSnapshot(t *testing.T) {
	db, s := newFixture(t)
	ctx := context.Background()
	t1 := seedTask(t, db, "acme", "one", models.StatusTodo, 0)
	require.NoError(t, s.SetOrganization(ctx, "acme"))

	// hold background reloads so only the mutation itself runs
	gate := make(chan struct{})
	db.mu.Lock()
	db.gates["acme"] = gate
	db.mu.Unlock()
	defer close(gate)

	require.NoError(t, s.UpdateStatus(ctx, t1.ID, models.StatusInProgress))
	got, ok := s.Task(t1.ID)
	require.True(t, ok)
	assert.Equal(t, models.StatusTodo, got.Status)
}

func TestStore_CreateTaskDefaultsAndValidation(t *testing.T) {
	_, s := newFixture(t)
	ctx := context.Background()

	_, err := s.CreateTask(ctx, models.NewTaskRequest{Title: "x"})
	assert.True(t, errors.Is(err, apperrors.ErrStaleSelection))

	require.NoError(t, s.SetOrganization(ctx, "acme"))
	_, err = s.CreateTask(ctx, models.NewTaskRequest{Title: "  "})
	assert.True(t, errors.Is(err, apperrors.ErrValidation))
	_, err = s.CreateTask(ctx, models.NewTaskRequest{Title: "x", Priority: "critical"})
	assert.True(t, errors.Is(err, apperrors.ErrValidation))

	due := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	created, err := s.CreateTask(ctx, models.NewTaskRequest{Title: " Ship it ", Description: "", DueDate: &due, AssignedTo: "u2"})
	require.NoError(t, err)
	assert.Equal(t, "Ship it", created.Title)
	assert.Equal(t, models.StatusTodo, created.Status)
	assert.Equal(t, models.PriorityMedium, created.Priority)
	assert.Nil(t, created.Description)
	require.NotNil(t, created.AssignedTo)
	assert.Equal(t, "u2", *created.AssignedTo)
	require.NotNil(t, created.DueDate)
	assert.True(t, due.Equal(*created.DueDate))
	assert.Equal(t, "u1", created.CreatedBy)
	assert.Equal(t, "acme", created.OrgID)
}

func TestStore_Comments(t *testing.T) {
	db, s := newFixture(t)
	ctx := context.Background()
	t1 := seedTask(t, db, "acme", "one", models.StatusTodo, 0)
	require.NoError(t, db.Insert(ctx, database.TableProfiles, map[string]interface{}{"user_id": "u1", "full_name": "Ada"}, nil))

	_, err := s.AddComment(ctx, t1.ID, "   ")
	assert.True(t, errors.Is(err, apperrors.ErrValidation))

	_, err = s.AddComment(ctx, t1.ID, " first ")
	require.NoError(t, err)
	require.NoError(t, db.Insert(ctx, database.TableComments, map[string]interface{}{
		"task_id": t1.ID, "user_id": "u2", "content": "second", "created_at": time.Now().Add(time.Minute),
	}, nil))

	comments, err := s.ListComments(ctx, t1.ID)
	require.NoError(t, err)
	require.Len(t, comments, 2)
	assert.Equal(t, "first", comments[0].Content)
	require.NotNil(t, comments[0].Author)
	assert.Equal(t, "Ada", comments[0].Author.FullName)
	assert.Equal(t, "second", comments[1].Content)
	assert.Nil(t, comments[1].Author)
}

func TestStore_ListenersSeeLoadingThenResult(t *testing.T) {
	db, s := newFixture(t)
	seedTask(t, db, "acme", "a", models.StatusTodo, 0)

	var mu sync.Mutex
	var seen []Snapshot
	s.OnChange(func(snap Snapshot) {
		mu.Lock()
		seen = append(seen, snap)
		mu.Unlock()
	})
	require.NoError(t, s.SetOrganization(context.Background(), "acme"))

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(seen), 3)
	assert.Empty(t, seen[0].Tasks)
	assert.True(t, seen[1].Loading)
	last := seen[len(seen)-1]
	assert.False(t, last.Loading)
	assert.Len(t, last.Tasks, 1)
}
