package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/yourusername/oddiya-auth/internal/config"
)

// DefaultRedisPingTimeout ограничивает проверку Redis при старте, если в конфиге 0.
const DefaultRedisPingTimeout = 2 * time.Second

// RedisOptions собирает опции клиента из конфигурации и возвращает итоговый режим.
// Сеть не используется.
func RedisOptions(cfg config.RedisConfig) (*redis.UniversalOptions, string, error) {
	addresses := cfg.Addrs
	if len(addresses) == 0 {
		if cfg.Addr == "" {
			return nil, "", fmt.Errorf("redis configuration error: Addrs or Addr must be provided")
		}
		addresses = []string{cfg.Addr}
	}

	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = DefaultRedisPingTimeout
	}

	options := &redis.UniversalOptions{
		Addrs:       addresses,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: pingTimeout,
	}
	if cfg.MaxRetries != 0 {
		options.MaxRetries = cfg.MaxRetries
	}
	if cfg.MinRetryBackoff != 0 {
		options.MinRetryBackoff = time.Duration(cfg.MinRetryBackoff) * time.Millisecond
	}
	if cfg.MaxRetryBackoff != 0 {
		options.MaxRetryBackoff = time.Duration(cfg.MaxRetryBackoff) * time.Millisecond
	}

	mode := cfg.Mode
	if mode == "" {
		mode = "single"
	}
	switch mode {
	case "sentinel":
		if cfg.MasterName == "" {
			return nil, "", fmt.Errorf("redis sentinel mode requires MasterName")
		}
		// NewUniversalClient выбирает failover клиент по MasterName
		options.MasterName = cfg.MasterName
	case "cluster":
		// Кластерный клиент выбирается при нескольких адресах
		if len(addresses) < 2 {
			return nil, "", fmt.Errorf("redis cluster mode requires at least two addresses, got %d", len(addresses))
		}
	case "single":
		if len(addresses) > 1 {
			return nil, "", fmt.Errorf("redis single mode accepts one address, got %d", len(addresses))
		}
	default:
		return nil, "", fmt.Errorf("unsupported redis mode: %s", mode)
	}
	return options, mode, nil
}

// NewUniversalRedisClient создает клиент Redis для лимитера и проверяет соединение.
// Проверка ограничена PingTimeout, чтобы недоступный Redis не задерживал старт:
// вызывающий переходит на локальный лимитер. При ошибке клиент закрывается.
func NewUniversalRedisClient(ctx context.Context, cfg config.RedisConfig) (redis.UniversalClient, error) {
	options, mode, err := RedisOptions(cfg)
	if err != nil {
		return nil, err
	}

	client := redis.NewUniversalClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, options.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			log.Printf("[Redis] Ошибка закрытия клиента после неудачного подключения: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to connect to Redis (mode: %s, addrs: %v): %w", mode, options.Addrs, err)
	}

	log.Printf("[Redis] Подключение установлено (mode: %s, addrs: %v)", mode, options.Addrs)
	return client, nil
}
