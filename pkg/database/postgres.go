package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"task-sync-backend/pkg/feed"
)

// PostgresDatabase PostgreSQL数据库实现
//
// Connections run as the DSN's role; SetAccessToken is recorded but row-level security is not
// applied. Changes arrive over LISTEN/NOTIFY unless another feed is supplied.
type PostgresDatabase struct {
	db   *sqlx.DB
	feed feed.Feed
	log  *slog.Logger
}

// NewPostgresDatabase 创建PostgreSQL数据库实例
func NewPostgresDatabase(dsn string, changes feed.Feed, logger *slog.Logger) (*PostgresDatabase, error) {
	if logger == nil {
		logger = slog.Default()
	}
	// Sanitize DSN to avoid stray CR/LF from env values
	dsn = strings.TrimSpace(dsn)

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	if changes == nil {
		l, err := feed.NewPGListener(dsn, logger)
		if err != nil {
			db.Close()
			return nil, err
		}
		changes = l
	}

	p := NewPostgresFromDB(db, changes, logger)
	p.tunePoolParams()
	logger.Info("PostgreSQL connection established")
	return p, nil
}

// NewPostgresFromDB wraps an open handle.
func NewPostgresFromDB(db *sqlx.DB, changes feed.Feed, logger *slog.Logger) *PostgresDatabase {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresDatabase{db: db, feed: changes, log: logger.With("component", "postgres")}
}

// tunePoolParams 调整应用侧连接池参数
func (db *PostgresDatabase) tunePoolParams() {
	db.db.SetMaxOpenConns(10)
	db.db.SetMaxIdleConns(5)
	db.db.SetConnMaxLifetime(5 * time.Minute)
	db.db.SetConnMaxIdleTime(2 * time.Minute)
}

func (db *PostgresDatabase) SetAccessToken(string) {}

func checkColumns(table string, cols []string) error {
	if !knownTable(table) {
		return &RemoteError{Status: http.StatusNotFound, Message: fmt.Sprintf("relation %q does not exist", table)}
	}
	for _, c := range cols {
		if !knownColumn(table, c) {
			return &RemoteError{Status: http.StatusBadRequest, Message: fmt.Sprintf("column %s.%s does not exist", table, c)}
		}
	}
	return nil
}

// whereClause renders filters as "a = $n AND b = ANY($m)" starting at placeholder start.
func whereClause(table string, filters []Filter, start int) (string, []interface{}, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}
	conds := make([]string, 0, len(filters))
	args := make([]interface{}, 0, len(filters))
	n := start
	for _, f := range filters {
		if err := checkColumns(table, []string{f.Column}); err != nil {
			return "", nil, err
		}
		switch f.Op {
		case OpIn:
			conds = append(conds, fmt.Sprintf("%s = ANY($%d)", f.Column, n))
			args = append(args, pq.Array(f.Values))
		default:
			conds = append(conds, fmt.Sprintf("%s = $%d", f.Column, n))
			args = append(args, sqlValue(f.Value))
		}
		n++
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

// sqlValue converts named string types (TaskStatus, ...) to plain strings for the driver.
func sqlValue(v interface{}) interface{} {
	switch t := v.(type) {
	case nil, string, bool, int, int64, float64, time.Time, []byte:
		return t
	case *string:
		if t == nil {
			return nil
		}
		return *t
	case *time.Time:
		if t == nil {
			return nil
		}
		return *t
	case []string:
		return pq.Array(t)
	}
	return formatValue(v)
}

func (db *PostgresDatabase) Select(ctx context.Context, q Query, dest interface{}) error {
	cols := columnsFor(q.Table, q.Columns)
	if err := checkColumns(q.Table, cols); err != nil {
		return err
	}
	where, args, err := whereClause(q.Table, q.Filters, 1)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("SELECT %s FROM %s%s", strings.Join(cols, ", "), q.Table, where)
	if q.Order != nil && q.Order.Column != "" {
		if err := checkColumns(q.Table, []string{q.Order.Column}); err != nil {
			return err
		}
		dir := "ASC"
		if q.Order.Desc {
			dir = "DESC"
		}
		query += fmt.Sprintf(" ORDER BY %s %s", q.Order.Column, dir)
	}
	if err := db.db.SelectContext(ctx, dest, query, args...); err != nil {
		return toRemoteError(err)
	}
	return nil
}

func (db *PostgresDatabase) Insert(ctx context.Context, table string, row map[string]interface{}, dest interface{}) error {
	keys := sortedKeys(row)
	if len(keys) == 0 {
		return &RemoteError{Status: http.StatusBadRequest, Message: "empty insert"}
	}
	if err := checkColumns(table, keys); err != nil {
		return err
	}
	placeholders := make([]string, len(keys))
	args := make([]interface{}, len(keys))
	for i, k := range keys {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = sqlValue(row[k])
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
		table, strings.Join(keys, ", "), strings.Join(placeholders, ", "), strings.Join(tableColumns[table], ", "))

	if dest == nil {
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(keys, ", "), strings.Join(placeholders, ", "))
		if _, err := db.db.ExecContext(ctx, query, args...); err != nil {
			return toRemoteError(err)
		}
		return nil
	}
	if err := db.db.QueryRowxContext(ctx, query, args...).StructScan(dest); err != nil {
		return toRemoteError(err)
	}
	return nil
}

func (db *PostgresDatabase) Update(ctx context.Context, table string, filters []Filter, patch map[string]interface{}) error {
	if len(filters) == 0 {
		return fmt.Errorf("refusing to update %s without filters", table)
	}
	keys := sortedKeys(patch)
	if len(keys) == 0 {
		return nil
	}
	if err := checkColumns(table, keys); err != nil {
		return err
	}
	sets := make([]string, len(keys))
	args := make([]interface{}, 0, len(keys)+len(filters))
	for i, k := range keys {
		sets[i] = fmt.Sprintf("%s = $%d", k, i+1)
		args = append(args, sqlValue(patch[k]))
	}
	where, whereArgs, err := whereClause(table, filters, len(keys)+1)
	if err != nil {
		return err
	}
	args = append(args, whereArgs...)
	query := fmt.Sprintf("UPDATE %s SET %s%s", table, strings.Join(sets, ", "), where)
	if _, err := db.db.ExecContext(ctx, query, args...); err != nil {
		return toRemoteError(err)
	}
	return nil
}

// toRemoteError keeps the server's message and maps SQLSTATE classes to HTTP-like statuses.
func toRemoteError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return &RemoteError{Status: http.StatusNotFound, Message: "no rows returned"}
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		status := http.StatusBadGateway
		switch {
		case pqErr.Code == "42501":
			status = http.StatusForbidden
		case pqErr.Code.Class() == "23":
			status = http.StatusConflict
		case pqErr.Code.Class() == "22":
			status = http.StatusBadRequest
		}
		return &RemoteError{Status: status, Message: pqErr.Message}
	}
	return fmt.Errorf("postgres: %w", err)
}

func (db *PostgresDatabase) Subscribe(ctx context.Context, table string, filter feed.Filter, h feed.Handler) (feed.Subscription, error) {
	return db.feed.Subscribe(ctx, table, filter, h)
}

// HealthCheck 健康检查
func (db *PostgresDatabase) HealthCheck(ctx context.Context) error {
	return db.db.PingContext(ctx)
}

// Close 关闭连接
func (db *PostgresDatabase) Close() error {
	var feedErr error
	if db.feed != nil {
		feedErr = db.feed.Close()
	}
	if err := db.db.Close(); err != nil {
		return err
	}
	return feedErr
}
