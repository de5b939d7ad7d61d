package middleware

import (
	"context"
	"fmt"
	"log"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"golang.org/x/time/rate"
)

// RateLimitConfig содержит настройки rate limiting
type RateLimitConfig struct {
	// MaxRequests - максимальное количество запросов за Window
	MaxRequests int
	// Window - временное окно для подсчёта запросов
	Window time.Duration
	// KeyPrefix - префикс для ключей
	KeyPrefix string
}

// DefaultAuthRateLimitConfig возвращает конфигурацию по умолчанию для refresh/logout
func DefaultAuthRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxRequests: 20,              // 20 запросов
		Window:      1 * time.Minute, // за 1 минуту
		KeyPrefix:   "rl:auth",
	}
}

// StrictAuthRateLimitConfig - строгий лимит для login (защита от перебора)
func StrictAuthRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxRequests: 5,               // 5 попыток
		Window:      1 * time.Minute, // за 1 минуту
		KeyPrefix:   "rl:auth:strict",
	}
}

// Limiter возвращает gin middleware для заданной конфигурации.
type Limiter interface {
	Limit(cfg RateLimitConfig) gin.HandlerFunc
}

// limitKey формируется из IP и шаблона маршрута
func limitKey(c *gin.Context, cfg RateLimitConfig) string {
	path := c.FullPath() // Gin route pattern, e.g. "/api/v1/auth/login"
	if path == "" {
		path = c.Request.URL.Path
	}
	return fmt.Sprintf("%s:%s:%s", cfg.KeyPrefix, c.ClientIP(), path)
}

func setRateLimitHeaders(c *gin.Context, limit, remaining, reset int) {
	if remaining < 0 {
		remaining = 0
	}
	c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", limit))
	c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
	c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", reset))
}

func abortRateLimited(c *gin.Context, retryAfter int) {
	c.Header("Retry-After", fmt.Sprintf("%d", retryAfter))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":       "Too many requests. Please try again later.",
		"error_type":  "rate_limited",
		"retry_after": retryAfter,
	})
}

// RateLimiter - фиксированное окно в Redis, общее для всех экземпляров сервиса
type RateLimiter struct {
	redisClient redis.UniversalClient
}

var _ Limiter = (*RateLimiter)(nil)

// NewRateLimiter создает новый RateLimiter
func NewRateLimiter(redisClient redis.UniversalClient) *RateLimiter {
	return &RateLimiter{redisClient: redisClient}
}

// Limit возвращает Gin middleware с заданной конфигурацией
func (rl *RateLimiter) Limit(cfg RateLimitConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := limitKey(c, cfg)

		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		count, ttl, err := rl.hit(ctx, key, cfg.Window)
		if err != nil {
			// При ошибке Redis пропускаем запрос (fail-open), но логируем
			log.Printf("[RateLimiter] Redis error for key %s: %v. Allowing request (fail-open).", key, err)
			c.Next()
			return
		}
		retryAfter := int(ttl.Seconds())
		if retryAfter <= 0 {
			retryAfter = int(cfg.Window.Seconds())
		}

		setRateLimitHeaders(c, cfg.MaxRequests, cfg.MaxRequests-int(count), retryAfter)

		if int(count) > cfg.MaxRequests {
			log.Printf("[RateLimiter] Rate limit exceeded for IP=%s path=%s. Count=%d, Limit=%d",
				c.ClientIP(), c.FullPath(), count, cfg.MaxRequests)
			abortRateLimited(c, retryAfter)
			return
		}

		c.Next()
	}
}

type localEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// LocalRateLimiter - token bucket в памяти процесса. Используется, когда Redis не настроен.
type LocalRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*localEntry
	idleTTL  time.Duration
}

var _ Limiter = (*LocalRateLimiter)(nil)

// NewLocalRateLimiter создает лимитер; записи, к которым не обращались idleTTL, удаляются в Cleanup.
func NewLocalRateLimiter(idleTTL time.Duration) *LocalRateLimiter {
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &LocalRateLimiter{
		limiters: make(map[string]*localEntry),
		idleTTL:  idleTTL,
	}
}

// Limit возвращает Gin middleware с заданной конфигурацией.
// Скорость пополнения MaxRequests/Window, burst MaxRequests.
func (rl *LocalRateLimiter) Limit(cfg RateLimitConfig) gin.HandlerFunc {
	every := rate.Every(cfg.Window / time.Duration(max(cfg.MaxRequests, 1)))
	return func(c *gin.Context) {
		key := limitKey(c, cfg)
		limiter := rl.get(key, every, cfg.MaxRequests)

		if !limiter.Allow() {
			retryAfter := int(math.Ceil(1.0 / float64(every)))
			if retryAfter < 1 {
				retryAfter = 1
			}
			setRateLimitHeaders(c, cfg.MaxRequests, 0, retryAfter)
			log.Printf("[RateLimiter] Local rate limit exceeded for IP=%s path=%s. Limit=%d",
				c.ClientIP(), c.FullPath(), cfg.MaxRequests)
			abortRateLimited(c, retryAfter)
			return
		}

		setRateLimitHeaders(c, cfg.MaxRequests, int(limiter.Tokens()), int(cfg.Window.Seconds()))
		c.Next()
	}
}

func (rl *LocalRateLimiter) get(key string, limit rate.Limit, burst int) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	entry, ok := rl.limiters[key]
	if !ok {
		entry = &localEntry{limiter: rate.NewLimiter(limit, burst)}
		rl.limiters[key] = entry
	}
	entry.lastAccess = time.Now()
	return entry.limiter
}

// Cleanup удаляет простаивающие записи и возвращает их количество
func (rl *LocalRateLimiter) Cleanup() int {
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for key, entry := range rl.limiters {
		if now.Sub(entry.lastAccess) > rl.idleTTL {
			delete(rl.limiters, key)
			removed++
		}
	}
	return removed
}

// Run периодически вызывает Cleanup, пока ctx не отменен
func (rl *LocalRateLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := rl.Cleanup(); n > 0 {
				log.Printf("[RateLimiter] Removed %d idle local limiters", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Size возвращает число отслеживаемых ключей
func (rl *LocalRateLimiter) Size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// hit увеличивает счетчик окна и возвращает его вместе с остатком TTL.
// INCR и TTL уходят одной транзакцией MULTI/EXEC. Ключ без срока жизни
// (первый запрос окна или сбой прошлого EXPIRE) получает TTL окна, поэтому
// счетчик не может заблокировать клиента навсегда.
func (rl *RateLimiter) hit(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := rl.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		ttl = pipe.TTL(ctx, key)
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	remaining := ttl.Val()
	if remaining < 0 {
		if err := rl.redisClient.Expire(ctx, key, window).Err(); err != nil {
			log.Printf("[RateLimiter] Failed to set TTL for key %s: %v", key, err)
		}
		remaining = window
	}
	return incr.Val(), remaining, nil
}
