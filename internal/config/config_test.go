package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_DefaultsWithMemoryStorage(t *testing.T) {
	t.Setenv("GIN_MODE", "debug")
	t.Setenv("STORAGE_DRIVER", "memory")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, StorageDriverMemory, cfg.Storage.Driver)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, time.Hour, cfg.JWT.AccessTokenTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.JWT.RefreshTokenTTL)
	assert.Equal(t, 30*time.Second, cfg.JWT.ClockSkew)
	assert.Equal(t, 5, cfg.RateLimit.LoginPerMin)
	assert.Equal(t, 20, cfg.RateLimit.DefaultPerMin)
	assert.True(t, cfg.Metrics.Enabled)
	assert.False(t, cfg.Redis.Enabled())
	assert.Equal(t, 2*time.Second, cfg.Redis.PingTimeout)
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	t.Setenv("GIN_MODE", "debug")
	path := writeConfig(t, `
database:
  host: db.local
  user: oddiya
  dbname: oddiya_auth
jwt:
  secret: file-secret-file-secret-file-secret-12
  access_token_ttl: 15m
auth:
  preverified_providers: [google]
  google_client_ids: [ios-client, android-client]
`)
	t.Setenv("DATABASE_HOST", "db.prod")
	t.Setenv("AUTH_APPLE_CLIENT_IDS", "com.oddiya.app, com.oddiya.web,")
	t.Setenv("JWT_REFRESH_TOKEN_TTL", "72h")
	t.Setenv("REDIS_PING_TIMEOUT", "500ms")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, StorageDriverPostgres, cfg.Storage.Driver)
	assert.Equal(t, "db.prod", cfg.Database.Host, "Переменная окружения важнее файла")
	assert.Equal(t, "oddiya_auth", cfg.Database.DBName)
	assert.Equal(t, 15*time.Minute, cfg.JWT.AccessTokenTTL)
	assert.Equal(t, 72*time.Hour, cfg.JWT.RefreshTokenTTL)
	assert.Equal(t, 500*time.Millisecond, cfg.Redis.PingTimeout)
	assert.Equal(t, []string{"google"}, cfg.Auth.PreverifiedProviders)
	assert.Equal(t, []string{"ios-client", "android-client"}, cfg.Auth.GoogleClientIDs)
	assert.Equal(t, []string{"com.oddiya.app", "com.oddiya.web"}, cfg.Auth.AppleClientIDs)
	assert.Equal(t,
		"host=db.prod port=5432 user=oddiya password= dbname=oddiya_auth sslmode=disable",
		cfg.Database.PostgresConnectionString())
}

func TestLoad_MissingFileFallsBackToEnv(t *testing.T) {
	t.Setenv("GIN_MODE", "debug")
	t.Setenv("STORAGE_DRIVER", "memory")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, StorageDriverMemory, cfg.Storage.Driver)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Database: DatabaseConfig{Host: "h", User: "u", DBName: "d", Password: "p"},
			Storage:  StorageConfig{Driver: StorageDriverPostgres},
			JWT: JWTConfig{
				KeyEncryptionKey: "kek",
				AccessTokenTTL:   time.Hour,
				RefreshTokenTTL:  24 * time.Hour,
				ClockSkew:        30 * time.Second,
			},
			Auth: AuthConfig{CleanupInterval: time.Hour},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		ginMode string
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "unknown driver", mutate: func(c *Config) { c.Storage.Driver = "mongo" }, wantErr: "unsupported storage driver"},
		{name: "incomplete database", mutate: func(c *Config) { c.Database.Host = "" }, wantErr: "incomplete"},
		{name: "no signing secret source", mutate: func(c *Config) { c.JWT.KeyEncryptionKey = "" }, wantErr: "JWT secret or key encryption key"},
		{name: "short secret", mutate: func(c *Config) { c.JWT.Secret = "short" }, wantErr: "at least 32 bytes"},
		{name: "missing password in release", mutate: func(c *Config) { c.Database.Password = "" }, ginMode: "release", wantErr: "password"},
		{name: "missing password in debug", mutate: func(c *Config) { c.Database.Password = "" }, ginMode: "debug"},
		{name: "access not shorter than refresh", mutate: func(c *Config) { c.JWT.AccessTokenTTL = 24 * time.Hour }, wantErr: "must be shorter"},
		{name: "zero ttl", mutate: func(c *Config) { c.JWT.RefreshTokenTTL = 0 }, wantErr: "positive"},
		{name: "negative skew", mutate: func(c *Config) { c.JWT.ClockSkew = -time.Second }, wantErr: "skew"},
		{name: "memory needs no database", mutate: func(c *Config) {
			c.Storage.Driver = StorageDriverMemory
			c.Database = DatabaseConfig{}
			c.JWT.KeyEncryptionKey = ""
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)

			err := cfg.Validate(tt.ginMode)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
