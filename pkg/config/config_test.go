package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadConfigFrom(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, ":8787", cfg.ListenAddr)
	assert.Equal(t, "auto", cfg.StoreDriver)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 25*time.Second, cfg.RealtimeHeartbeat)
	assert.True(t, cfg.UsesLocalStore())
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_EnvFileAndOverride(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	content := "SUPABASE_URL=https://abc.supabase.co\nSUPABASE_ANON_KEY=\"anon\"\nALLOWED_ORIGINS=http://a.test, http://b.test\nLOG_LEVEL=debug\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env.local"), []byte(content), 0644))
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("PORT", "9000")

	cfg, err := LoadConfigFrom(dir)
	require.NoError(t, err)

	assert.Equal(t, "https://abc.supabase.co", cfg.SupabaseURL)
	assert.Equal(t, "anon", cfg.SupabaseAnonKey)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.AllowedOrigins)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.True(t, cfg.UsesSupabase())
	assert.False(t, cfg.UsesLocalStore())
}

func TestValidate(t *testing.T) {
	base := Config{ListenAddr: ":8787", RequestTimeout: time.Second, StoreDriver: "auto", FeedDriver: "auto", JWTSecret: defaultJWTSecret}

	cfg := base
	cfg.StoreDriver = "supabase"
	assert.Error(t, cfg.Validate())

	cfg = base
	cfg.FeedDriver = "redis"
	assert.Error(t, cfg.Validate())

	cfg = base
	cfg.FeedDriver = "kafka"
	assert.Error(t, cfg.Validate())

	cfg = base
	cfg.Environment = "production"
	assert.Error(t, cfg.Validate(), "production must not run on the local store")

	cfg.StoreDriver = "postgres"
	cfg.PostgresDSN = "postgres://localhost/db"
	assert.Error(t, cfg.Validate(), "production postgres needs a real JWT secret")
	cfg.JWTSecret = "s3cret"
	assert.NoError(t, cfg.Validate())
}
