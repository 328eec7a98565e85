package notifications

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"task-sync-backend/pkg/apperrors"
	"task-sync-backend/pkg/database"
	"task-sync-backend/pkg/models"
)

func newFixture(t *testing.T) (*database.LocalDatabase, *Store) {
	t.Helper()
	db, err := database.NewLocalDatabase("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s := New(db, nil, time.Second)
	t.Cleanup(func() { s.Close() })
	return db, s
}

func notify(t *testing.T, db database.DatabaseInterface, userID, msg string, at time.Time) models.Notification {
	t.Helper()
	var n models.Notification
	require.NoError(t, db.Insert(context.Background(), database.TableNotifications, map[string]interface{}{
		"user_id": userID, "message": msg, "created_at": at,
	}, &n))
	return n
}

func TestStore_LoadNewestFirstForIdentity(t *testing.T) {
	db, s := newFixture(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	notify(t, db, "u1", "older", base)
	notify(t, db, "u1", "newer", base.Add(time.Minute))
	notify(t, db, "u2", "not mine", base)

	require.NoError(t, s.SetIdentity(ctx, &models.Identity{ID: "u1"}))
	snap := s.Snapshot()
	require.Len(t, snap.Items, 2)
	assert.Equal(t, "newer", snap.Items[0].Message)
	assert.Equal(t, 2, s.UnreadCount())
	assert.Equal(t, 1, db.Broker().Count(database.TableNotifications))

	require.NoError(t, s.SetIdentity(ctx, nil))
	assert.Empty(t, s.Snapshot().Items)
	assert.Equal(t, 0, db.Broker().Count(database.TableNotifications))
}

func TestStore_MarkReadAndMarkAll(t *testing.T) {
	db, s := newFixture(t)
	ctx := context.Background()
	n1 := notify(t, db, "u1", "a", time.Now())
	notify(t, db, "u1", "b", time.Now())
	other := notify(t, db, "u2", "c", time.Now())
	require.NoError(t, s.SetIdentity(ctx, &models.Identity{ID: "u1"}))

	require.NoError(t, s.MarkRead(ctx, n1.ID))
	assert.Equal(t, 1, s.UnreadCount())

	require.NoError(t, s.MarkAllRead(ctx))
	assert.Equal(t, 0, s.UnreadCount())

	var rows []models.Notification
	require.NoError(t, db.Select(ctx, database.Query{
		Table:   database.TableNotifications,
		Filters: []database.Filter{database.Eq("id", other.ID)},
	}, &rows))
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Read)
}

func TestStore_TriggerDerivedNotificationArrives(t *testing.T) {
	db, s := newFixture(t)
	ctx := context.Background()
	require.NoError(t, s.SetIdentity(ctx, &models.Identity{ID: "u2"}))

	require.NoError(t, db.Insert(ctx, database.TableTasks, map[string]interface{}{
		"org_id": "acme", "title": "Review PR", "created_by": "u1", "assigned_to": "u2",
	}, nil))

	require.Eventually(t, func() bool { return s.UnreadCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "You were assigned to task: Review PR", s.Snapshot().Items[0].Message)
}

func TestStore_RequiresIdentity(t *testing.T) {
	_, s := newFixture(t)
	assert.Equal(t, apperrors.KindAuthFailure, apperrors.KindOf(s.Load(context.Background())))
	assert.Equal(t, apperrors.KindAuthFailure, apperrors.KindOf(s.MarkAllRead(context.Background())))
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(s.MarkRead(context.Background(), "")))
}
