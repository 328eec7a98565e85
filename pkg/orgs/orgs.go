// Package orgs tracks the organizations of the signed-in identity and the single active one.
//
// The selector is a small state machine: uninitialized until an identity is set, loading while
// memberships are fetched, then none_available or active. A refetch keeps the active organization
// when it is still listed and falls back to the first one otherwise.
package orgs

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"task-sync-backend/pkg/apperrors"
	"task-sync-backend/pkg/database"
	"task-sync-backend/pkg/models"
	"task-sync-backend/pkg/telemetry"
)

// State is a selector state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateLoading       State = "loading"
	StateNoneAvailable State = "none_available"
	StateActive        State = "active"
)

// Snapshot is the selector's observable state.
type Snapshot struct {
	State         State                 `json:"state"`
	Organizations []models.Organization `json:"organizations"`
	Active        *models.Organization  `json:"active"`
	LastError     string                `json:"last_error,omitempty"`
}

// ActiveID returns the active organization id or "".
func (s Snapshot) ActiveID() string {
	if s.Active == nil {
		return ""
	}
	return s.Active.ID
}

// Listener receives the latest snapshot. Listeners run in registration order, serialized, and
// must not call back into the selector's mutating methods.
type Listener func(Snapshot)

// Selector holds the organization context of one session.
type Selector struct {
	db  database.DatabaseInterface
	log *slog.Logger

	mu       sync.Mutex
	identity *models.Identity
	gen      uint64
	state    State
	orgs     []models.Organization
	activeID string
	lastErr  string

	notifyMu  sync.Mutex
	lmu       sync.Mutex
	listeners map[int]Listener
	nextID    int
}

// NewSelector 创建组织选择器
func NewSelector(db database.DatabaseInterface, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		db:        db,
		log:       logger.With("component", "orgs"),
		state:     StateUninitialized,
		listeners: make(map[int]Listener),
	}
}

// OnChange registers fn and returns a function that removes it.
func (s *Selector) OnChange(fn Listener) func() {
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

// notify delivers the state current at delivery time, so listeners never observe an older state
// after a newer one.
func (s *Selector) notify() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	snap := s.State()

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

// State returns a copy of the current state.
func (s *Selector) State() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Selector) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:         s.state,
		Organizations: append([]models.Organization(nil), s.orgs...),
		LastError:     s.lastErr,
	}
	if snap.Organizations == nil {
		snap.Organizations = []models.Organization{}
	}
	for i := range s.orgs {
		if s.orgs[i].ID == s.activeID {
			o := s.orgs[i]
			snap.Active = &o
			break
		}
	}
	return snap
}

// SetIdentity switches the selector to id and refetches. A nil identity resets to uninitialized.
func (s *Selector) SetIdentity(ctx context.Context, id *models.Identity) error {
	s.mu.Lock()
	s.gen++
	if id == nil {
		s.identity = nil
		s.state = StateUninitialized
		s.orgs = nil
		s.activeID = ""
		s.lastErr = ""
		s.mu.Unlock()
		s.notify()
		return nil
	}
	cp := *id
	if s.identity == nil || s.identity.ID != cp.ID {
		s.orgs = nil
		s.activeID = ""
	}
	s.identity = &cp
	s.mu.Unlock()
	return s.Refetch(ctx)
}

// Refetch reloads memberships and organizations for the current identity.
//
// Results that arrive after the identity changed are discarded. On failure the previous list and
// selection are kept and the error is returned.
func (s *Selector) Refetch(ctx context.Context) error {
	s.mu.Lock()
	if s.identity == nil {
		s.mu.Unlock()
		return apperrors.AuthFailure("refetch organizations", "not signed in")
	}
	userID := s.identity.ID
	gen := s.gen
	prevState := s.state
	s.state = StateLoading
	s.mu.Unlock()
	s.notify()

	start := time.Now()
	list, err := s.fetch(ctx, userID)
	telemetry.StoreLoadDuration.WithLabelValues("orgs").Observe(time.Since(start).Seconds())

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		telemetry.StoreLoadsTotal.WithLabelValues("orgs", "stale").Inc()
		s.log.Debug("discarding organizations for previous identity", "user_id", userID)
		return nil
	}
	if err != nil {
		if prevState == StateLoading || prevState == StateUninitialized {
			prevState = stateFor(s.orgs, s.activeID)
		}
		s.state = prevState
		s.lastErr = apperrors.UserMessage(err)
		s.mu.Unlock()
		telemetry.StoreLoadsTotal.WithLabelValues("orgs", "error").Inc()
		s.notify()
		return err
	}

	s.orgs = list
	s.activeID = pickActive(list, s.activeID)
	s.state = stateFor(list, s.activeID)
	s.lastErr = ""
	s.mu.Unlock()
	telemetry.StoreLoadsTotal.WithLabelValues("orgs", "ok").Inc()
	s.notify()
	return nil
}

func stateFor(list []models.Organization, activeID string) State {
	if len(list) == 0 || activeID == "" {
		return StateNoneAvailable
	}
	return StateActive
}

// pickActive keeps current when it is still listed, else takes the first organization.
func pickActive(list []models.Organization, current string) string {
	if len(list) == 0 {
		return ""
	}
	for _, o := range list {
		if o.ID == current {
			return current
		}
	}
	return list[0].ID
}

func (s *Selector) fetch(ctx context.Context, userID string) ([]models.Organization, error) {
	var memberships []models.OrganizationMember
	if err := s.db.Select(ctx, database.Query{
		Table:   database.TableOrganizationMembers,
		Columns: []string{"org_id"},
		Filters: []database.Filter{database.Eq("user_id", userID)},
	}, &memberships); err != nil {
		return nil, apperrors.FromRemote("load memberships", err)
	}
	if len(memberships) == 0 {
		return []models.Organization{}, nil
	}
	ids := make([]string, 0, len(memberships))
	for _, m := range memberships {
		ids = append(ids, m.OrgID)
	}
	var list []models.Organization
	if err := s.db.Select(ctx, database.Query{
		Table:   database.TableOrganizations,
		Filters: []database.Filter{database.In("id", ids)},
	}, &list); err != nil {
		return nil, apperrors.FromRemote("load organizations", err)
	}
	if list == nil {
		list = []models.Organization{}
	}
	return list, nil
}

// Select makes orgID active. It fails with StaleSelection when orgID is not in the current list.
func (s *Selector) Select(orgID string) error {
	s.mu.Lock()
	found := false
	for _, o := range s.orgs {
		if o.ID == orgID {
			found = true
			break
		}
	}
	if !found {
		s.mu.Unlock()
		return apperrors.StaleSelection("select organization", "organization is not available to the current user")
	}
	changed := s.activeID != orgID
	s.activeID = orgID
	s.state = StateActive
	s.mu.Unlock()
	if changed {
		s.notify()
	}
	return nil
}

// Create inserts an organization and the creator's admin membership, then refetches and selects it.
//
// The two inserts are separate calls. If the membership insert fails the organization row stays
// behind without members and the error is returned.
func (s *Selector) Create(ctx context.Context, name string) (*models.Organization, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperrors.Validation("create organization", "organization name is required")
	}
	s.mu.Lock()
	if s.identity == nil {
		s.mu.Unlock()
		return nil, apperrors.AuthFailure("create organization", "not signed in")
	}
	userID := s.identity.ID
	s.mu.Unlock()

	var org models.Organization
	if err := s.db.Insert(ctx, database.TableOrganizations, map[string]interface{}{
		"name":       name,
		"created_by": userID,
	}, &org); err != nil {
		telemetry.MutationsTotal.WithLabelValues("create_org", "error").Inc()
		return nil, apperrors.FromRemote("create organization", err)
	}
	if err := s.db.Insert(ctx, database.TableOrganizationMembers, map[string]interface{}{
		"org_id":  org.ID,
		"user_id": userID,
		"role":    string(models.RoleAdmin),
	}, nil); err != nil {
		telemetry.MutationsTotal.WithLabelValues("create_org", "error").Inc()
		s.log.Error("organization created without admin membership", "org_id", org.ID, "error", err)
		return nil, apperrors.FromRemote("add organization admin", err)
	}
	telemetry.MutationsTotal.WithLabelValues("create_org", "ok").Inc()

	if err := s.Refetch(ctx); err != nil {
		return &org, err
	}
	if err := s.Select(org.ID); err != nil {
		s.log.Warn("created organization not visible after refetch", "org_id", org.ID)
	}
	return &org, nil
}

// Members lists the active organization's memberships joined with profiles.
func (s *Selector) Members(ctx context.Context) ([]models.Member, error) {
	orgID := s.State().ActiveID()
	if orgID == "" {
		return nil, apperrors.StaleSelection("list members", "no active organization")
	}
	var memberships []models.OrganizationMember
	if err := s.db.Select(ctx, database.Query{
		Table:   database.TableOrganizationMembers,
		Filters: []database.Filter{database.Eq("org_id", orgID)},
	}, &memberships); err != nil {
		return nil, apperrors.FromRemote("list members", err)
	}
	userIDs := make([]string, 0, len(memberships))
	for _, m := range memberships {
		userIDs = append(userIDs, m.UserID)
	}
	profiles, err := database.ProfilesByUser(ctx, s.db, userIDs)
	if err != nil {
		return nil, apperrors.FromRemote("list member profiles", err)
	}
	out := make([]models.Member, 0, len(memberships))
	for _, m := range memberships {
		out = append(out, models.Member{OrganizationMember: m, Profile: profiles[m.UserID]})
	}
	return out, nil
}
