package database

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"task-sync-backend/pkg/feed"
)

// 表名
const (
	TableOrganizations       = "organizations"
	TableOrganizationMembers = "organization_members"
	TableProfiles            = "profiles"
	TableTasks               = "tasks"
	TableComments            = "comments"
	TableNotifications       = "notifications"
)

// Tables lists every table the store knows about.
var Tables = []string{
	TableOrganizations,
	TableOrganizationMembers,
	TableProfiles,
	TableTasks,
	TableComments,
	TableNotifications,
}

// FilterOp 过滤操作符
type FilterOp string

const (
	OpEq FilterOp = "eq"
	OpIn FilterOp = "in"
)

// Filter 单列过滤条件，多个条件之间为 AND
type Filter struct {
	Column string
	Op     FilterOp
	Value  interface{}
	Values []string
}

// Eq builds an equality filter.
func Eq(column string, value interface{}) Filter {
	return Filter{Column: column, Op: OpEq, Value: value}
}

// In builds a membership filter.
func In(column string, values []string) Filter {
	return Filter{Column: column, Op: OpIn, Values: values}
}

// Order 排序
type Order struct {
	Column string
	Desc   bool
}

// Query 查询描述
type Query struct {
	Table   string
	Columns []string
	Filters []Filter
	Order   *Order
}

// DatabaseInterface 定义远程存储访问接口
//
// Every call runs as the identity set with SetAccessToken; row visibility is the backend's concern.
type DatabaseInterface interface {
	// Select decodes matching rows into dest, which must point to a slice.
	Select(ctx context.Context, q Query, dest interface{}) error
	// Insert writes row and, when dest is non-nil, decodes the stored row into it.
	Insert(ctx context.Context, table string, row map[string]interface{}, dest interface{}) error
	// Update applies patch to every row matching filters.
	Update(ctx context.Context, table string, filters []Filter, patch map[string]interface{}) error

	// Subscribe registers h for change events on table rows matching filter.
	Subscribe(ctx context.Context, table string, filter feed.Filter, h feed.Handler) (feed.Subscription, error)

	SetAccessToken(token string)

	// 健康检查
	HealthCheck(ctx context.Context) error

	// 关闭连接
	Close() error
}

// RemoteError 远程调用失败，Message 为后端原始消息
type RemoteError struct {
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.Status, e.Message)
}

func (e *RemoteError) StatusCode() int { return e.Status }

func (e *RemoteError) RemoteMessage() string { return e.Message }

// 存储驱动
const (
	DriverAuto     = "auto"
	DriverSupabase = "supabase"
	DriverPostgres = "postgres"
	DriverLocal    = "local"
)

// 变更订阅驱动
const (
	FeedAuto     = "auto"
	FeedMemory   = "memory"
	FeedPostgres = "postgres"
	FeedRealtime = "realtime"
	FeedRedis    = "redis"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver            string
	FeedDriver        string
	PostgresDSN       string
	SupabaseURL       string
	SupabaseKey       string
	RedisURL          string
	LocalDataFile     string
	RequestTimeout    time.Duration
	RealtimeHeartbeat time.Duration
	Debug             bool
	Logger            *slog.Logger
}

// resolveDriver applies the auto selection order: Supabase, then Postgres, then local.
func (c DatabaseConfig) resolveDriver() string {
	d := strings.ToLower(strings.TrimSpace(c.Driver))
	if d != "" && d != DriverAuto {
		return d
	}
	if c.SupabaseURL != "" && c.SupabaseKey != "" {
		return DriverSupabase
	}
	if c.PostgresDSN != "" {
		return DriverPostgres
	}
	return DriverLocal
}

// NewDatabase 根据配置选择存储实现及其变更订阅
func NewDatabase(config DatabaseConfig) (DatabaseInterface, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	driver := config.resolveDriver()
	feedDriver := strings.ToLower(strings.TrimSpace(config.FeedDriver))

	var override feed.Feed
	if feedDriver == FeedRedis {
		if config.RedisURL == "" {
			return nil, fmt.Errorf("FEED_DRIVER=redis requires REDIS_URL")
		}
		rf, err := feed.NewRedis(config.RedisURL, logger)
		if err != nil {
			return nil, err
		}
		override = rf
	}

	switch driver {
	case DriverSupabase:
		if config.SupabaseURL == "" || config.SupabaseKey == "" {
			return nil, fmt.Errorf("supabase store requires SUPABASE_URL and SUPABASE_ANON_KEY")
		}
		logger.Info("using Supabase REST API", "url", config.SupabaseURL)
		db, err := NewSupabaseDatabase(SupabaseOptions{
			URL:       config.SupabaseURL,
			AnonKey:   config.SupabaseKey,
			Timeout:   config.RequestTimeout,
			Heartbeat: config.RealtimeHeartbeat,
			Feed:      override,
			Logger:    logger,
		})
		if err != nil {
			return nil, closeOnError(override, err)
		}
		return db, nil
	case DriverPostgres:
		if config.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres store requires POSTGRES_DSN")
		}
		logger.Info("using PostgreSQL database")
		db, err := NewPostgresDatabase(config.PostgresDSN, override, logger)
		if err != nil {
			return nil, closeOnError(override, err)
		}
		return db, nil
	case DriverLocal:
		if override != nil {
			_ = override.Close()
			return nil, fmt.Errorf("local store cannot use FEED_DRIVER=%s", feedDriver)
		}
		logger.Info("using local in-process store", "file", config.LocalDataFile)
		return NewLocalDatabase(config.LocalDataFile, logger)
	}
	return nil, closeOnError(override, fmt.Errorf("unknown store driver %q", driver))
}

func closeOnError(f feed.Feed, err error) error {
	if f != nil {
		_ = f.Close()
	}
	return err
}
