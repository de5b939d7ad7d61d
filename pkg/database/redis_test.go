package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourusername/oddiya-auth/internal/config"
)

func TestRedisOptions(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.RedisConfig
		wantMode string
		wantErr  string
	}{
		{name: "single from addr", cfg: config.RedisConfig{Addr: "localhost:6379"}, wantMode: "single"},
		{name: "no address", cfg: config.RedisConfig{Mode: "single"}, wantErr: "Addrs or Addr"},
		{name: "single with several addresses", cfg: config.RedisConfig{Addrs: []string{"a:1", "b:2"}}, wantErr: "one address"},
		{name: "sentinel", cfg: config.RedisConfig{Mode: "sentinel", Addrs: []string{"s1:26379"}, MasterName: "mymaster"}, wantMode: "sentinel"},
		{name: "sentinel without master", cfg: config.RedisConfig{Mode: "sentinel", Addrs: []string{"s1:26379"}}, wantErr: "MasterName"},
		{name: "cluster", cfg: config.RedisConfig{Mode: "cluster", Addrs: []string{"c1:7000", "c2:7001"}}, wantMode: "cluster"},
		{name: "cluster with one seed", cfg: config.RedisConfig{Mode: "cluster", Addr: "c1:7000"}, wantErr: "at least two"},
		{name: "unknown mode", cfg: config.RedisConfig{Mode: "ring", Addr: "r:1"}, wantErr: "unsupported redis mode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			options, mode, err := RedisOptions(tt.cfg)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantMode, mode)
			assert.NotEmpty(t, options.Addrs)
		})
	}
}

func TestRedisOptions_TimeoutsAndRetries(t *testing.T) {
	options, _, err := RedisOptions(config.RedisConfig{
		Addr:            "localhost:6379",
		Password:        "secret",
		DB:              2,
		MaxRetries:      5,
		MinRetryBackoff: 10,
		MaxRetryBackoff: 300,
	})
	require.NoError(t, err)

	assert.Equal(t, DefaultRedisPingTimeout, options.DialTimeout, "Нулевой PingTimeout заменяется значением по умолчанию")
	assert.Equal(t, []string{"localhost:6379"}, options.Addrs)
	assert.Equal(t, "secret", options.Password)
	assert.Equal(t, 2, options.DB)
	assert.Equal(t, 5, options.MaxRetries)
	assert.Equal(t, 10*time.Millisecond, options.MinRetryBackoff)
	assert.Equal(t, 300*time.Millisecond, options.MaxRetryBackoff)

	options, _, err = RedisOptions(config.RedisConfig{Addr: "localhost:6379", PingTimeout: 250 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, options.DialTimeout)
}

func TestNewUniversalRedisClient_UnreachableIsBounded(t *testing.T) {
	// Порт 1 на localhost не слушается: подключение обязано завершиться в пределах таймаута
	cfg := config.RedisConfig{Addr: "127.0.0.1:1", PingTimeout: 200 * time.Millisecond, MaxRetries: -1}

	started := time.Now()
	client, err := NewUniversalRedisClient(context.Background(), cfg)

	require.Error(t, err)
	assert.Nil(t, client)
	assert.Contains(t, err.Error(), "failed to connect to Redis")
	assert.Less(t, time.Since(started), 2*time.Second)
}

func TestNewUniversalRedisClient_InvalidConfig(t *testing.T) {
	_, err := NewUniversalRedisClient(context.Background(), config.RedisConfig{})
	assert.Error(t, err)
}
