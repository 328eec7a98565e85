// Package notifications keeps the signed-in identity's notifications in sync.
//
// Like the task store it re-fetches the whole list on every change event. Mark-read operations
// update the server and then reload; the local list is never edited in place.
package notifications

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"task-sync-backend/pkg/apperrors"
	"task-sync-backend/pkg/database"
	"task-sync-backend/pkg/feed"
	"task-sync-backend/pkg/models"
	"task-sync-backend/pkg/safego"
	"task-sync-backend/pkg/telemetry"
)

// Snapshot 通知快照
type Snapshot struct {
	Version   uint64                `json:"version"`
	UserID    string                `json:"user_id"`
	Items     []models.Notification `json:"items"`
	Unread    int                   `json:"unread"`
	LastError string                `json:"last_error,omitempty"`
}

// Listener receives the latest snapshot.
type Listener func(Snapshot)

// Store 通知存储
type Store struct {
	db          database.DatabaseInterface
	log         *slog.Logger
	loadTimeout time.Duration

	bgCtx    context.Context
	bgCancel context.CancelFunc

	switchMu sync.Mutex
	sub      feed.Subscription

	mu     sync.RWMutex
	userID string
	snap   Snapshot
	closed bool

	notifyMu  sync.Mutex
	lmu       sync.Mutex
	listeners map[int]Listener
	nextID    int
}

// New 创建通知存储
func New(db database.DatabaseInterface, logger *slog.Logger, loadTimeout time.Duration) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if loadTimeout <= 0 {
		loadTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		db:          db,
		log:         logger.With("component", "notifications"),
		loadTimeout: loadTimeout,
		bgCtx:       ctx,
		bgCancel:    cancel,
		snap:        Snapshot{Items: []models.Notification{}},
		listeners:   make(map[int]Listener),
	}
}

// OnChange registers fn and returns a function that removes it.
func (s *Store) OnChange(fn Listener) func() {
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

func (s *Store) notify() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	snap := s.Snapshot()
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
		fn(snap)
	}
}

// Snapshot returns the current list.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// UnreadCount returns the number of unread notifications in the snapshot.
func (s *Store) UnreadCount() int {
	return s.Snapshot().Unread
}

// SetIdentity rebinds the store to id, replacing the subscription. nil empties the store.
func (s *Store) SetIdentity(ctx context.Context, id *models.Identity) error {
	s.switchMu.Lock()
	userID := ""
	if id != nil {
		userID = id.ID
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.switchMu.Unlock()
		return errors.New("notification store is closed")
	}
	if userID == s.userID && (userID == "" || s.sub != nil) {
		s.mu.Unlock()
		s.switchMu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.unsubscribeLocked()
	s.mu.Lock()
	s.userID = userID
	s.snap = Snapshot{Version: s.snap.Version + 1, UserID: userID, Items: []models.Notification{}}
	s.mu.Unlock()
	s.notify()

	if userID == "" {
		s.switchMu.Unlock()
		return nil
	}
	sub, err := s.db.Subscribe(s.bgCtx, database.TableNotifications, feed.Filter{Column: "user_id", Value: userID}, s.onEvent)
	if err != nil {
		s.log.Warn("notification subscription failed", "error", err)
	} else {
		s.sub = sub
		telemetry.ActiveSubscriptions.WithLabelValues(database.TableNotifications).Inc()
	}
	s.switchMu.Unlock()

	loadErr := s.Load(ctx)
	if err != nil {
		return apperrors.FromRemote("subscribe notifications", err)
	}
	return loadErr
}

// unsubscribeLocked requires switchMu.
func (s *Store) unsubscribeLocked() {
	if s.sub == nil {
		return
	}
	if err := s.sub.Unsubscribe(); err != nil {
		s.log.Warn("unsubscribe failed", "topic", s.sub.Topic(), "error", err)
	}
	telemetry.ActiveSubscriptions.WithLabelValues(database.TableNotifications).Dec()
	s.sub = nil
}

func (s *Store) onEvent(ev feed.Event) {
	telemetry.ChangeEventsTotal.WithLabelValues(database.TableNotifications, string(ev.Type)).Inc()
	safego.Go(func() {
		ctx, cancel := context.WithTimeout(s.bgCtx, s.loadTimeout)
		defer cancel()
		if err := s.Load(ctx); err != nil && !errors.Is(err, apperrors.ErrStaleSelection) {
			s.log.Warn("background notification reload failed", "error", err)
		}
	})
}

// Load fetches the identity's notifications, newest first. A response for a previous identity is dropped.
func (s *Store) Load(ctx context.Context) error {
	s.mu.RLock()
	userID := s.userID
	s.mu.RUnlock()
	if userID == "" {
		return apperrors.AuthFailure("load notifications", "not signed in")
	}

	var items []models.Notification
	err := s.db.Select(ctx, database.Query{
		Table:   database.TableNotifications,
		Filters: []database.Filter{database.Eq("user_id", userID)},
		Order:   &database.Order{Column: "created_at", Desc: true},
	}, &items)

	s.mu.Lock()
	if s.userID != userID {
		s.mu.Unlock()
		telemetry.StoreLoadsTotal.WithLabelValues("notifications", "stale").Inc()
		return apperrors.StaleSelection("load notifications", "identity changed while loading")
	}
	if err != nil {
		s.snap.LastError = apperrors.UserMessage(apperrors.FromRemote("load notifications", err))
		s.mu.Unlock()
		telemetry.StoreLoadsTotal.WithLabelValues("notifications", "error").Inc()
		s.notify()
		return apperrors.FromRemote("load notifications", err)
	}
	if items == nil {
		items = []models.Notification{}
	}
	unread := 0
	for _, n := range items {
		if !n.Read {
			unread++
		}
	}
	s.snap = Snapshot{Version: s.snap.Version + 1, UserID: userID, Items: items, Unread: unread}
	s.mu.Unlock()
	telemetry.StoreLoadsTotal.WithLabelValues("notifications", "ok").Inc()
	telemetry.SnapshotSize.WithLabelValues("notifications").Set(float64(len(items)))
	s.notify()
	return nil
}

// MarkRead flags one notification as read and reloads.
func (s *Store) MarkRead(ctx context.Context, id string) error {
	if id == "" {
		return apperrors.Validation("mark read", "notification id is required")
	}
	if err := s.db.Update(ctx, database.TableNotifications,
		[]database.Filter{database.Eq("id", id)},
		map[string]interface{}{"read": true}); err != nil {
		telemetry.MutationsTotal.WithLabelValues("mark_read", "error").Inc()
		return apperrors.FromRemote("mark read", err)
	}
	telemetry.MutationsTotal.WithLabelValues("mark_read", "ok").Inc()
	return s.Load(ctx)
}

// MarkAllRead flags every unread notification of the identity and reloads.
func (s *Store) MarkAllRead(ctx context.Context) error {
	s.mu.RLock()
	userID := s.userID
	s.mu.RUnlock()
	if userID == "" {
		return apperrors.AuthFailure("mark all read", "not signed in")
	}
	if err := s.db.Update(ctx, database.TableNotifications,
		[]database.Filter{database.Eq("user_id", userID), database.Eq("read", false)},
		map[string]interface{}{"read": true}); err != nil {
		telemetry.MutationsTotal.WithLabelValues("mark_all_read", "error").Inc()
		return apperrors.FromRemote("mark all read", err)
	}
	telemetry.MutationsTotal.WithLabelValues("mark_all_read", "ok").Inc()
	return s.Load(ctx)
}

// Close drops the subscription and stops background loads.
func (s *Store) Close() error {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()
	s.unsubscribeLocked()
	s.mu.Lock()
	s.closed = true
	s.userID = ""
	s.mu.Unlock()
	s.bgCancel()
	return nil
}
