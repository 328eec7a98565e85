// Package tasksync keeps the active organization's tasks in a local snapshot.
//
// The snapshot is replaced whole on every successful load and is never patched from change
// events: any event on the organization's tasks triggers a fresh load. A load whose organization
// is no longer active when it completes is dropped.
package tasksync

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"task-sync-backend/pkg/apperrors"
	"task-sync-backend/pkg/database"
	"task-sync-backend/pkg/feed"
	"task-sync-backend/pkg/models"
	"task-sync-backend/pkg/safego"
	"task-sync-backend/pkg/telemetry"
)

// ErrStatusUnchanged is returned by UpdateStatus when the task already has the target status.
// No remote call is made.
var ErrStatusUnchanged = errors.New("task already has that status")

// Snapshot is an immutable view of the store. Tasks must not be modified by callers.
type Snapshot struct {
	Version   uint64        `json:"version"`
	OrgID     string        `json:"org_id"`
	Tasks     []models.Task `json:"tasks"`
	Loading   bool          `json:"loading"`
	LastError string        `json:"last_error,omitempty"`
	LoadedAt  time.Time     `json:"loaded_at"`
}

// Listener receives the latest snapshot. Listeners run serialized and must not call SetOrganization.
type Listener func(Snapshot)

// Options 任务存储参数
type Options struct {
	Logger *slog.Logger
	// LoadTimeout bounds loads triggered by change events. Default 30s.
	LoadTimeout time.Duration
}

// Store 任务同步存储
type Store struct {
	db          database.DatabaseInterface
	log         *slog.Logger
	loadTimeout time.Duration

	bgCtx    context.Context
	bgCancel context.CancelFunc

	// switchMu serializes organization switches and subscription replacement.
	switchMu sync.Mutex
	sub      feed.Subscription
	subOrg   string

	mu       sync.RWMutex
	orgID    string
	userID   string
	gen      uint64
	inflight int
	snap     Snapshot
	closed   bool

	reloading atomic.Bool
	dirty     atomic.Bool

	notifyMu  sync.Mutex
	lmu       sync.Mutex
	listeners map[int]Listener
	nextID    int
}

// New 创建任务同步存储
func New(db database.DatabaseInterface, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		db:          db,
		log:         logger.With("component", "tasksync"),
		loadTimeout: opts.LoadTimeout,
		bgCtx:       ctx,
		bgCancel:    cancel,
		snap:        Snapshot{Tasks: []models.Task{}},
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

// Snapshot returns the current snapshot.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := s.snap
	snap.Loading = s.inflight > 0
	return snap
}

// ActiveOrganization returns the organization the store is bound to, or "".
func (s *Store) ActiveOrganization() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orgID
}

// Partition groups the current snapshot for the current identity.
func (s *Store) Partition() Partitions {
	s.mu.RLock()
	tasks, userID := s.snap.Tasks, s.userID
	s.mu.RUnlock()
	return PartitionTasks(tasks, userID)
}

// SetIdentity sets the user whose tasks form the "mine" partition and who authors new rows.
func (s *Store) SetIdentity(id *models.Identity) {
	s.mu.Lock()
	prev := s.userID
	s.userID = ""
	if id != nil {
		s.userID = id.ID
	}
	changed := prev != s.userID
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// SetOrganization binds the store to orgID: the previous subscription is closed before the new
// one opens, the snapshot is cleared when the organization changes, and the new organization is
// loaded. An empty orgID leaves the store empty with no subscription. Rebinding the current
// organization with a live subscription is a no-op.
func (s *Store) SetOrganization(ctx context.Context, orgID string) error {
	s.switchMu.Lock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.switchMu.Unlock()
		return errors.New("task store is closed")
	}
	if orgID == s.orgID && (orgID == "" || s.sub != nil) {
		s.mu.Unlock()
		s.switchMu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.unsubscribeLocked()

	s.mu.Lock()
	if s.orgID != orgID {
		s.snap = Snapshot{Version: s.snap.Version + 1, OrgID: orgID, Tasks: []models.Task{}}
	}
	s.orgID = orgID
	s.gen++
	s.inflight = 0
	s.mu.Unlock()
	telemetry.SnapshotSize.WithLabelValues("tasks").Set(0)
	s.notify()

	if orgID == "" {
		s.switchMu.Unlock()
		s.log.Info("no active organization")
		return nil
	}

	subErr := s.subscribeLocked(orgID)
	s.switchMu.Unlock()

	loadErr := s.Load(ctx, orgID)
	if subErr != nil {
		return subErr
	}
	return loadErr
}

// Subscribe replaces the change subscription for orgID, which must be the active organization.
func (s *Store) Subscribe(orgID string) error {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()
	if orgID == "" || orgID != s.ActiveOrganization() {
		return apperrors.StaleSelection("subscribe", "organization is not active")
	}
	s.unsubscribeLocked()
	return s.subscribeLocked(orgID)
}

// subscribeLocked requires switchMu.
func (s *Store) subscribeLocked(orgID string) error {
	sub, err := s.db.Subscribe(s.bgCtx, database.TableTasks, feed.Filter{Column: "org_id", Value: orgID}, s.onEvent)
	if err != nil {
		s.log.Warn("task subscription failed", "org_id", orgID, "error", err)
		return apperrors.FromRemote("subscribe tasks", err)
	}
	s.sub = sub
	s.subOrg = orgID
	telemetry.ActiveSubscriptions.WithLabelValues(database.TableTasks).Inc()
	s.log.Debug("subscribed", "topic", sub.Topic())
	return nil
}

// unsubscribeLocked requires switchMu.
func (s *Store) unsubscribeLocked() {
	if s.sub == nil {
		return
	}
	if err := s.sub.Unsubscribe(); err != nil {
		s.log.Warn("unsubscribe failed", "topic", s.sub.Topic(), "error", err)
	}
	telemetry.ActiveSubscriptions.WithLabelValues(database.TableTasks).Dec()
	s.sub = nil
	s.subOrg = ""
}

func (s *Store) onEvent(ev feed.Event) {
	telemetry.ChangeEventsTotal.WithLabelValues(database.TableTasks, string(ev.Type)).Inc()
	s.scheduleReload()
}

// scheduleReload coalesces bursts of events into sequential loads of the active organization.
func (s *Store) scheduleReload() {
	s.dirty.Store(true)
	if !s.reloading.CompareAndSwap(false, true) {
		return
	}
	safego.Go(func() {
		for {
			for s.dirty.Swap(false) {
				s.reloadActive()
			}
			s.reloading.Store(false)
			if !s.dirty.Load() || !s.reloading.CompareAndSwap(false, true) {
				return
			}
		}
	})
}

func (s *Store) reloadActive() {
	orgID := s.ActiveOrganization()
	if orgID == "" || s.bgCtx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.bgCtx, s.loadTimeout)
	defer cancel()
	if err := s.Load(ctx, orgID); err != nil {
		s.log.Warn("background task reload failed", "org_id", orgID, "error", err)
	}
}

// Load fetches every task of orgID, newest first, and swaps it in if orgID is still active at
// completion. On failure the previous snapshot is kept and the error returned. A discarded
// response yields StaleSelection.
func (s *Store) Load(ctx context.Context, orgID string) error {
	if orgID == "" {
		return apperrors.StaleSelection("load tasks", "no active organization")
	}

	s.mu.Lock()
	counted := orgID == s.orgID
	gen := s.gen
	if counted {
		s.inflight++
	}
	s.mu.Unlock()
	if counted {
		s.notify()
	}

	start := time.Now()
	var tasks []models.Task
	err := s.db.Select(ctx, database.Query{
		Table:   database.TableTasks,
		Filters: []database.Filter{database.Eq("org_id", orgID)},
		Order:   &database.Order{Column: "created_at", Desc: true},
	}, &tasks)
	telemetry.StoreLoadDuration.WithLabelValues("tasks").Observe(time.Since(start).Seconds())

	s.mu.Lock()
	if counted && s.gen == gen {
		s.inflight--
	}
	if s.orgID != orgID {
		s.mu.Unlock()
		telemetry.StoreLoadsTotal.WithLabelValues("tasks", "stale").Inc()
		s.log.Debug("discarding tasks for inactive organization", "org_id", orgID)
		if counted {
			s.notify()
		}
		return apperrors.StaleSelection("load tasks", "organization changed while loading")
	}
	if err != nil {
		s.snap.LastError = apperrors.UserMessage(apperrors.FromRemote("load tasks", err))
		s.mu.Unlock()
		telemetry.StoreLoadsTotal.WithLabelValues("tasks", "error").Inc()
		s.notify()
		return apperrors.FromRemote("load tasks", err)
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	s.snap = Snapshot{
		Version:  s.snap.Version + 1,
		OrgID:    orgID,
		Tasks:    tasks,
		LoadedAt: time.Now(),
	}
	s.mu.Unlock()
	telemetry.StoreLoadsTotal.WithLabelValues("tasks", "ok").Inc()
	telemetry.SnapshotSize.WithLabelValues("tasks").Set(float64(len(tasks)))
	s.notify()
	return nil
}

// Refresh reloads the active organization.
func (s *Store) Refresh(ctx context.Context) error {
	return s.Load(ctx, s.ActiveOrganization())
}

// Task returns the snapshot's copy of taskID.
func (s *Store) Task(taskID string) (models.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.snap.Tasks {
		if t.ID == taskID {
			return t, true
		}
	}
	return models.Task{}, false
}

// UpdateStatus issues a single status update for taskID. The snapshot is not touched: it changes
// when the change feed (or an explicit load) brings the server's row back.
func (s *Store) UpdateStatus(ctx context.Context, taskID string, status models.TaskStatus) error {
	if !status.Valid() {
		return apperrors.Validation("update status", "invalid status: "+string(status))
	}
	task, ok := s.Task(taskID)
	if !ok {
		return apperrors.NotFound("update status", "task not found")
	}
	if task.Status == status {
		telemetry.MutationsTotal.WithLabelValues("update_status", "noop").Inc()
		return ErrStatusUnchanged
	}
	err := s.db.Update(ctx, database.TableTasks,
		[]database.Filter{database.Eq("id", taskID)},
		map[string]interface{}{"status": string(status)})
	if err != nil {
		telemetry.MutationsTotal.WithLabelValues("update_status", "error").Inc()
		return apperrors.FromRemote("update status", err)
	}
	telemetry.MutationsTotal.WithLabelValues("update_status", "ok").Inc()
	return nil
}

// CreateTask inserts a task into the active organization with status todo.
func (s *Store) CreateTask(ctx context.Context, req models.NewTaskRequest) (*models.Task, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, apperrors.Validation("create task", "title is required")
	}
	priority := req.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}
	if !priority.Valid() {
		return nil, apperrors.Validation("create task", "invalid priority: "+string(priority))
	}

	s.mu.RLock()
	orgID, userID := s.orgID, s.userID
	s.mu.RUnlock()
	if userID == "" {
		return nil, apperrors.AuthFailure("create task", "not signed in")
	}
	if orgID == "" {
		return nil, apperrors.StaleSelection("create task", "no active organization")
	}

	row := map[string]interface{}{
		"org_id":      orgID,
		"title":       title,
		"description": nil,
		"status":      string(models.StatusTodo),
		"priority":    string(priority),
		"due_date":    nil,
		"assigned_to": nil,
		"created_by":  userID,
	}
	if d := strings.TrimSpace(req.Description); d != "" {
		row["description"] = d
	}
	if req.DueDate != nil {
		row["due_date"] = req.DueDate.UTC()
	}
	if a := strings.TrimSpace(req.AssignedTo); a != "" {
		row["assigned_to"] = a
	}

	var task models.Task
	if err := s.db.Insert(ctx, database.TableTasks, row, &task); err != nil {
		telemetry.MutationsTotal.WithLabelValues("create_task", "error").Inc()
		return nil, apperrors.FromRemote("create task", err)
	}
	telemetry.MutationsTotal.WithLabelValues("create_task", "ok").Inc()
	return &task, nil
}

// ListComments returns the task's comments, oldest first, with author profiles.
func (s *Store) ListComments(ctx context.Context, taskID string) ([]models.CommentWithAuthor, error) {
	var comments []models.Comment
	if err := s.db.Select(ctx, database.Query{
		Table:   database.TableComments,
		Filters: []database.Filter{database.Eq("task_id", taskID)},
		Order:   &database.Order{Column: "created_at"},
	}, &comments); err != nil {
		return nil, apperrors.FromRemote("list comments", err)
	}
	authors := make([]string, 0, len(comments))
	for _, c := range comments {
		authors = append(authors, c.UserID)
	}
	profiles, err := database.ProfilesByUser(ctx, s.db, authors)
	if err != nil {
		return nil, apperrors.FromRemote("list comment authors", err)
	}
	out := make([]models.CommentWithAuthor, 0, len(comments))
	for _, c := range comments {
		out = append(out, models.CommentWithAuthor{Comment: c, Author: profiles[c.UserID]})
	}
	return out, nil
}

// AddComment appends a comment by the current identity.
func (s *Store) AddComment(ctx context.Context, taskID, content string) (*models.Comment, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, apperrors.Validation("add comment", "comment is empty")
	}
	s.mu.RLock()
	userID := s.userID
	s.mu.RUnlock()
	if userID == "" {
		return nil, apperrors.AuthFailure("add comment", "not signed in")
	}
	var c models.Comment
	if err := s.db.Insert(ctx, database.TableComments, map[string]interface{}{
		"task_id": taskID,
		"user_id": userID,
		"content": content,
	}, &c); err != nil {
		telemetry.MutationsTotal.WithLabelValues("add_comment", "error").Inc()
		return nil, apperrors.FromRemote("add comment", err)
	}
	telemetry.MutationsTotal.WithLabelValues("add_comment", "ok").Inc()
	return &c, nil
}

// Close drops the subscription and stops background loads. In-flight loads are discarded.
func (s *Store) Close() error {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()
	s.unsubscribeLocked()
	s.mu.Lock()
	s.closed = true
	s.orgID = ""
	s.gen++
	s.mu.Unlock()
	s.bgCancel()
	return nil
}
