package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"task-sync-backend/pkg/feed"
)

// localTimeLayout is fixed-width so timestamps order lexically.
const localTimeLayout = "2006-01-02T15:04:05.000000Z07:00"

type localRow map[string]interface{}

// LocalDatabase 本地进程内数据库实现
//
// Rows live in memory and, when a data file is configured, are persisted as JSON after every
// write. Every write is published to the in-process broker, and the assignment/comment
// notifications the hosted schema creates with triggers are produced here directly.
type LocalDatabase struct {
	mu       sync.RWMutex
	tables   map[string][]localRow
	dataFile string
	broker   *feed.Broker
	log      *slog.Logger
	now      func() time.Time
}

// NewLocalDatabase 创建本地数据库实例；dataFile 为空时仅保存在内存中
func NewLocalDatabase(dataFile string, logger *slog.Logger) (*LocalDatabase, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db := &LocalDatabase{
		tables:   make(map[string][]localRow),
		dataFile: dataFile,
		broker:   feed.NewBroker(),
		log:      logger.With("component", "local_store"),
		now:      time.Now,
	}
	for _, t := range Tables {
		db.tables[t] = nil
	}
	if dataFile != "" {
		if err := db.load(); err != nil {
			return nil, err
		}
	}
	return db, nil
}

// Broker exposes the change broker so tests and embedders can observe subscriptions.
func (db *LocalDatabase) Broker() *feed.Broker { return db.broker }

func (db *LocalDatabase) SetAccessToken(string) {}

func (db *LocalDatabase) Select(ctx context.Context, q Query, dest interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !knownTable(q.Table) {
		return &RemoteError{Status: http.StatusNotFound, Message: fmt.Sprintf("relation %q does not exist", q.Table)}
	}
	cols := columnsFor(q.Table, q.Columns)

	db.mu.RLock()
	matched := make([]localRow, 0)
	for _, r := range db.tables[q.Table] {
		if matchRow(r, q.Filters) {
			matched = append(matched, project(r, cols))
		}
	}
	db.mu.RUnlock()

	if q.Order != nil && q.Order.Column != "" {
		col, desc := q.Order.Column, q.Order.Desc
		sort.SliceStable(matched, func(i, j int) bool {
			c := compareValues(matched[i][col], matched[j][col])
			if desc {
				return c > 0
			}
			return c < 0
		})
	}
	return decodeRows(matched, dest)
}

func (db *LocalDatabase) Insert(ctx context.Context, table string, row map[string]interface{}, dest interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !knownTable(table) {
		return &RemoteError{Status: http.StatusNotFound, Message: fmt.Sprintf("relation %q does not exist", table)}
	}
	for k := range row {
		if !knownColumn(table, k) {
			return &RemoteError{Status: http.StatusBadRequest, Message: fmt.Sprintf("column %s.%s does not exist", table, k)}
		}
	}
	stored, err := normalizeRow(row)
	if err != nil {
		return err
	}
	db.applyDefaults(table, stored)

	db.mu.Lock()
	db.tables[table] = append(db.tables[table], stored)
	derived := db.deriveNotifications(table, nil, stored)
	err = db.persistLocked()
	out := copyRow(stored)
	db.mu.Unlock()
	if err != nil {
		return err
	}

	db.publish(feed.Event{Type: feed.EventInsert, Table: table, Record: out})
	for _, n := range derived {
		db.publish(feed.Event{Type: feed.EventInsert, Table: TableNotifications, Record: n})
	}
	if dest == nil {
		return nil
	}
	return decodeRow(out, dest)
}

func (db *LocalDatabase) Update(ctx context.Context, table string, filters []Filter, patch map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(filters) == 0 {
		return fmt.Errorf("refusing to update %s without filters", table)
	}
	if !knownTable(table) {
		return &RemoteError{Status: http.StatusNotFound, Message: fmt.Sprintf("relation %q does not exist", table)}
	}
	for k := range patch {
		if !knownColumn(table, k) {
			return &RemoteError{Status: http.StatusBadRequest, Message: fmt.Sprintf("column %s.%s does not exist", table, k)}
		}
	}
	normalized, err := normalizeRow(patch)
	if err != nil {
		return err
	}

	var events []feed.Event
	db.mu.Lock()
	for i, r := range db.tables[table] {
		if !matchRow(r, filters) {
			continue
		}
		old := copyRow(r)
		for k, v := range normalized {
			r[k] = v
		}
		db.tables[table][i] = r
		events = append(events, feed.Event{Type: feed.EventUpdate, Table: table, Record: copyRow(r), OldRecord: old})
		for _, n := range db.deriveNotifications(table, old, r) {
			events = append(events, feed.Event{Type: feed.EventInsert, Table: TableNotifications, Record: n})
		}
	}
	if len(events) > 0 {
		err = db.persistLocked()
	}
	db.mu.Unlock()
	if err != nil {
		return err
	}
	for _, ev := range events {
		db.publish(ev)
	}
	return nil
}

func (db *LocalDatabase) Subscribe(ctx context.Context, table string, filter feed.Filter, h feed.Handler) (feed.Subscription, error) {
	return db.broker.Subscribe(ctx, table, filter, h)
}

func (db *LocalDatabase) publish(ev feed.Event) {
	if err := db.broker.Publish(context.Background(), ev); err != nil {
		db.log.Debug("change not published", "table", ev.Table, "error", err)
	}
}

// HealthCheck 检查数据文件目录是否可访问
func (db *LocalDatabase) HealthCheck(ctx context.Context) error {
	if db.dataFile == "" {
		return nil
	}
	dir := filepath.Dir(db.dataFile)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("data directory does not exist: %s", dir)
	}
	return nil
}

// Close 关闭变更广播
func (db *LocalDatabase) Close() error {
	return db.broker.Close()
}

// applyDefaults fills the column defaults the hosted schema declares.
func (db *LocalDatabase) applyDefaults(table string, r localRow) {
	if _, ok := r["id"]; !ok {
		r["id"] = uuid.New().String()
	}
	now := db.now().UTC().Format(localTimeLayout)
	switch table {
	case TableOrganizationMembers:
		setDefault(r, "joined_at", now)
		setDefault(r, "role", "member")
	case TableTasks:
		setDefault(r, "created_at", now)
		setDefault(r, "status", "todo")
		setDefault(r, "priority", "medium")
		setDefault(r, "description", nil)
		setDefault(r, "due_date", nil)
		setDefault(r, "assigned_to", nil)
	case TableNotifications:
		setDefault(r, "created_at", now)
		setDefault(r, "read", false)
	case TableProfiles:
		setDefault(r, "created_at", now)
		setDefault(r, "avatar_url", nil)
	default:
		setDefault(r, "created_at", now)
	}
}

func setDefault(r localRow, k string, v interface{}) {
	if _, ok := r[k]; !ok {
		r[k] = v
	}
}

// deriveNotifications mirrors the schema triggers: an assignee is told when a task is assigned to
// them, and a comment notifies the task's assignee unless they wrote it. Caller holds db.mu.
func (db *LocalDatabase) deriveNotifications(table string, old, cur localRow) []localRow {
	var out []localRow
	add := func(userID, message string) {
		n := localRow{
			"id":         uuid.New().String(),
			"user_id":    userID,
			"message":    message,
			"read":       false,
			"created_at": db.now().UTC().Format(localTimeLayout),
		}
		db.tables[TableNotifications] = append(db.tables[TableNotifications], n)
		out = append(out, copyRow(n))
	}

	switch table {
	case TableTasks:
		assignee, _ := cur["assigned_to"].(string)
		if assignee == "" {
			return nil
		}
		if old != nil {
			if prev, _ := old["assigned_to"].(string); prev == assignee {
				return nil
			}
		}
		add(assignee, fmt.Sprintf("You were assigned to task: %v", cur["title"]))
	case TableComments:
		if old != nil {
			return nil
		}
		for _, t := range db.tables[TableTasks] {
			if t["id"] != cur["task_id"] {
				continue
			}
			assignee, _ := t["assigned_to"].(string)
			if assignee != "" && assignee != cur["user_id"] {
				add(assignee, fmt.Sprintf("New comment on task: %v", t["title"]))
			}
			break
		}
	}
	return out
}

// normalizeRow round-trips through JSON so stored values have the shapes a decoder expects, and
// rewrites timestamps to the fixed-width layout.
func normalizeRow(in map[string]interface{}) (localRow, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode row: %w", err)
	}
	var out localRow
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode row: %w", err)
	}
	for k, v := range out {
		if !timeColumns[k] {
			continue
		}
		if s, ok := v.(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				out[k] = t.UTC().Format(localTimeLayout)
			}
		}
	}
	return out, nil
}

func matchRow(r localRow, filters []Filter) bool {
	for _, f := range filters {
		v, ok := r[f.Column]
		switch f.Op {
		case OpIn:
			if !ok || v == nil {
				return false
			}
			s := fmt.Sprint(v)
			found := false
			for _, want := range f.Values {
				if want == s {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			if f.Value == nil {
				if ok && v != nil {
					return false
				}
				continue
			}
			if !ok || v == nil || fmt.Sprint(v) != formatValue(f.Value) {
				return false
			}
		}
	}
	return true
}

// compareValues orders nil first, then timestamps, numbers and strings.
func compareValues(a, b interface{}) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			ta, errA := time.Parse(time.RFC3339Nano, as)
			tb, errB := time.Parse(time.RFC3339Nano, bs)
			if errA == nil && errB == nil {
				return ta.Compare(tb)
			}
			switch {
			case as < bs:
				return -1
			case as > bs:
				return 1
			}
			return 0
		}
	}
	if af, ok := a.(float64); ok {
		if bf, ok := b.(float64); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			}
			return 0
		}
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	}
	return 0
}

func project(r localRow, cols []string) localRow {
	out := make(localRow, len(cols))
	for _, c := range cols {
		if v, ok := r[c]; ok {
			out[c] = v
		}
	}
	return out
}

func copyRow(r localRow) map[string]interface{} {
	out := make(map[string]interface{}, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func decodeRows(rows []localRow, dest interface{}) error {
	if rv := reflect.ValueOf(dest); rv.Kind() != reflect.Ptr || rv.Elem().Kind() != reflect.Slice {
		return fmt.Errorf("select destination must be a pointer to a slice, got %T", dest)
	}
	raw, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("failed to encode rows: %w", err)
	}
	return json.Unmarshal(raw, dest)
}

func decodeRow(row map[string]interface{}, dest interface{}) error {
	raw, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to encode row: %w", err)
	}
	return json.Unmarshal(raw, dest)
}

// load 读取数据文件；文件不存在时从空库开始
func (db *LocalDatabase) load() error {
	data, err := os.ReadFile(db.dataFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read data file: %w", err)
	}
	var tables map[string][]localRow
	if err := json.Unmarshal(data, &tables); err != nil {
		return fmt.Errorf("failed to parse data file: %w", err)
	}
	for t, rows := range tables {
		if knownTable(t) {
			db.tables[t] = rows
		}
	}
	return nil
}

// persistLocked writes every table to the data file. Caller holds db.mu.
func (db *LocalDatabase) persistLocked() error {
	if db.dataFile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(db.dataFile), 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	data, err := json.MarshalIndent(db.tables, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode data file: %w", err)
	}
	tmp := db.dataFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write data file: %w", err)
	}
	return os.Rename(tmp, db.dataFile)
}
