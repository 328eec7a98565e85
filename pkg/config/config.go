package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	// 环境配置
	Environment string
	ListenAddr  string

	// 存储配置
	StoreDriver       string
	FeedDriver        string
	SupabaseURL       string
	SupabaseAnonKey   string
	SupabaseJWTSecret string
	PostgresDSN       string
	RedisURL          string
	LocalDataFile     string

	// JWT配置（本地身份提供者）
	JWTSecret string

	// 日志配置
	LogFormat string
	LogLevel  string

	// HTTP配置
	AllowedOrigins    []string
	APIKey            string
	RequestTimeout    time.Duration
	RealtimeHeartbeat time.Duration

	// 调试配置
	Debug bool
}

const defaultJWTSecret = "local-development-secret-change-me"

// keys bound from the environment
var keys = []string{
	"ENVIRONMENT", "LISTEN_ADDR", "PORT",
	"STORE_DRIVER", "FEED_DRIVER",
	"SUPABASE_URL", "SUPABASE_ANON_KEY", "SUPABASE_JWT_SECRET",
	"POSTGRES_DSN", "REDIS_URL", "LOCAL_DATA_FILE",
	"JWT_SECRET", "LOG_FORMAT", "LOG_LEVEL",
	"ALLOWED_ORIGINS", "API_KEY", "REQUEST_TIMEOUT", "REALTIME_HEARTBEAT", "DEBUG",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("LISTEN_ADDR", "")
	v.SetDefault("PORT", "8787")
	v.SetDefault("STORE_DRIVER", "auto")
	v.SetDefault("FEED_DRIVER", "auto")
	v.SetDefault("LOCAL_DATA_FILE", "")
	v.SetDefault("JWT_SECRET", defaultJWTSecret)
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("ALLOWED_ORIGINS", "*")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("REALTIME_HEARTBEAT", "25s")
	v.SetDefault("DEBUG", false)
}

// LoadConfig 加载配置：默认值 < .env 文件 < 环境变量
func LoadConfig() (*Config, error) {
	return LoadConfigFrom(".")
}

// LoadConfigFrom 从指定目录读取 .env.local / .env.production
func LoadConfigFrom(dir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	for _, k := range keys {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("bind %s: %w", k, err)
		}
	}

	// 根据环境加载对应的 .env 文件
	env := strings.TrimSpace(os.Getenv("ENVIRONMENT"))
	envFile := ".env.local"
	if env == "production" {
		envFile = ".env.production"
	}
	v.SetConfigFile(strings.TrimRight(dir, "/") + "/" + envFile)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", envFile, err)
		}
	}

	config := &Config{
		Environment: v.GetString("ENVIRONMENT"),
		// Trim whitespace to avoid trailing spaces/newlines from env sources
		StoreDriver:       strings.ToLower(strings.TrimSpace(v.GetString("STORE_DRIVER"))),
		FeedDriver:        strings.ToLower(strings.TrimSpace(v.GetString("FEED_DRIVER"))),
		SupabaseURL:       strings.TrimSpace(v.GetString("SUPABASE_URL")),
		SupabaseAnonKey:   strings.TrimSpace(v.GetString("SUPABASE_ANON_KEY")),
		SupabaseJWTSecret: strings.TrimSpace(v.GetString("SUPABASE_JWT_SECRET")),
		PostgresDSN:       strings.TrimSpace(v.GetString("POSTGRES_DSN")),
		RedisURL:          strings.TrimSpace(v.GetString("REDIS_URL")),
		LocalDataFile:     strings.TrimSpace(v.GetString("LOCAL_DATA_FILE")),
		JWTSecret:         v.GetString("JWT_SECRET"),
		LogFormat:         strings.ToLower(v.GetString("LOG_FORMAT")),
		LogLevel:          strings.ToLower(v.GetString("LOG_LEVEL")),
		APIKey:            strings.TrimSpace(v.GetString("API_KEY")),
		RequestTimeout:    v.GetDuration("REQUEST_TIMEOUT"),
		RealtimeHeartbeat: v.GetDuration("REALTIME_HEARTBEAT"),
		Debug:             v.GetBool("DEBUG"),
	}

	config.ListenAddr = strings.TrimSpace(v.GetString("LISTEN_ADDR"))
	if config.ListenAddr == "" {
		config.ListenAddr = ":" + strings.TrimSpace(v.GetString("PORT"))
	}

	// CORS配置
	allowedOrigins := strings.TrimSpace(v.GetString("ALLOWED_ORIGINS"))
	if allowedOrigins == "*" || allowedOrigins == "" {
		config.AllowedOrigins = []string{"*"}
	} else {
		for _, o := range strings.Split(allowedOrigins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				config.AllowedOrigins = append(config.AllowedOrigins, o)
			}
		}
	}

	// 生产环境关闭调试
	if config.IsProduction() {
		config.Debug = false
	}

	return config, nil
}

// Cached config (initialized once per process)
var (
	cachedConfig *Config
	cachedErr    error
	configOnce   sync.Once
)

// GetCached returns the process-wide cached Config.
func GetCached() (*Config, error) {
	configOnce.Do(func() {
		cachedConfig, cachedErr = LoadConfig()
	})
	return cachedConfig, cachedErr
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.ListenAddr == "" || c.ListenAddr == ":" {
		return fmt.Errorf("LISTEN_ADDR is required")
	}

	switch c.StoreDriver {
	case "", "auto", "local":
	case "supabase":
		if c.SupabaseURL == "" || c.SupabaseAnonKey == "" {
			return fmt.Errorf("STORE_DRIVER=supabase requires SUPABASE_URL and SUPABASE_ANON_KEY")
		}
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("STORE_DRIVER=postgres requires POSTGRES_DSN")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	switch c.FeedDriver {
	case "", "auto", "memory", "postgres", "realtime":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("FEED_DRIVER=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("unknown FEED_DRIVER %q", c.FeedDriver)
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}

	// 验证JWT密钥
	if c.IsProduction() {
		if c.UsesLocalStore() {
			return fmt.Errorf("production requires a Supabase or PostgreSQL store")
		}
		if c.JWTSecret == defaultJWTSecret && c.StoreDriver == "postgres" {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
	}
	return nil
}

// UsesLocalStore reports whether the in-process store will be selected.
func (c *Config) UsesLocalStore() bool {
	switch c.StoreDriver {
	case "local":
		return true
	case "supabase", "postgres":
		return false
	}
	return !(c.SupabaseURL != "" && c.SupabaseAnonKey != "") && c.PostgresDSN == ""
}

// UsesSupabase reports whether the hosted Supabase project will be selected.
func (c *Config) UsesSupabase() bool {
	switch c.StoreDriver {
	case "supabase":
		return true
	case "", "auto":
		return c.SupabaseURL != "" && c.SupabaseAnonKey != ""
	}
	return false
}

// IsProduction 检查是否为生产环境
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// IsDevelopment 检查是否为开发环境
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}
