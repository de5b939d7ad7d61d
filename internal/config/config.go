package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Драйверы хранилища
const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

// Config хранит все настройки приложения
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Storage   StorageConfig   `mapstructure:"storage"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	CORS      CORSConfig      `mapstructure:"cors"`
}

// ServerConfig содержит настройки HTTP сервера
type ServerConfig struct {
	Port           string   `mapstructure:"port"`
	ReadTimeout    int      `mapstructure:"read_timeout"`  // секунды
	WriteTimeout   int      `mapstructure:"write_timeout"` // секунды
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

// DatabaseConfig содержит настройки подключения к PostgreSQL
type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           string `mapstructure:"port"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	DBName         string `mapstructure:"dbname"`
	SSLMode        string `mapstructure:"sslmode"`
	MigrationsPath string `mapstructure:"migrations_path"`
}

// RedisConfig содержит унифицированные настройки подключения к Redis.
// Redis необязателен: без адресов rate limiting работает в памяти процесса.
type RedisConfig struct {
	// Mode: "single", "sentinel", "cluster". По умолчанию "single".
	Mode string `mapstructure:"mode"`

	// Addrs: список адресов (хост:порт) для всех режимов
	Addrs []string `mapstructure:"addrs"`

	// Addr: адрес для режима 'single', если Addrs пуст
	Addr string `mapstructure:"addr"`

	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	// MasterName: только для режима "sentinel"
	MasterName string `mapstructure:"master_name"`

	MaxRetries      int `mapstructure:"max_retries"`
	MinRetryBackoff int `mapstructure:"min_retry_backoff"` // мс
	MaxRetryBackoff int `mapstructure:"max_retry_backoff"` // мс

	// PingTimeout ограничивает подключение и проверку при старте
	PingTimeout time.Duration `mapstructure:"ping_timeout"`
}

// Enabled сообщает, задан ли хотя бы один адрес Redis
func (r RedisConfig) Enabled() bool {
	return len(r.Addrs) > 0 || r.Addr != ""
}

// StorageConfig выбирает хранилище идентичностей и сессий
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

// JWTConfig содержит настройки токенов
type JWTConfig struct {
	// Secret - статический HMAC секрет. Если пуст, ключ берется из таблицы signing_keys.
	Secret string `mapstructure:"secret"`
	// KeyEncryptionKey шифрует ключи подписи, хранящиеся в БД
	KeyEncryptionKey string        `mapstructure:"key_encryption_key"`
	AccessTokenTTL   time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL  time.Duration `mapstructure:"refresh_token_ttl"`
	ClockSkew        time.Duration `mapstructure:"clock_skew"`
}

// AuthConfig содержит настройки входа и обслуживания сессий
type AuthConfig struct {
	// PreverifiedProviders - провайдеры, чей providerId проверен выше по цепочке
	PreverifiedProviders []string      `mapstructure:"preverified_providers"`
	GoogleClientIDs      []string      `mapstructure:"google_client_ids"`
	AppleClientIDs       []string      `mapstructure:"apple_client_ids"`
	CleanupInterval      time.Duration `mapstructure:"cleanup_interval"`
	CleanupRetention     time.Duration `mapstructure:"cleanup_retention"`
}

// RateLimitConfig задает лимиты на login и refresh/logout (запросов в минуту с IP)
type RateLimitConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	LoginPerMin   int  `mapstructure:"login_per_min"`
	DefaultPerMin int  `mapstructure:"default_per_min"`
}

// MetricsConfig включает /metrics
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// CORSConfig содержит настройки CORS
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// PostgresConnectionString формирует строку подключения к PostgreSQL
func (d *DatabaseConfig) PostgresConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// PostgresURL формирует URL для golang-migrate
func (d *DatabaseConfig) PostgresURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}

func setDefaults(vip *viper.Viper) {
	vip.SetDefault("server.port", "8080")
	vip.SetDefault("server.read_timeout", 15)
	vip.SetDefault("server.write_timeout", 15)

	vip.SetDefault("database.port", "5432")
	vip.SetDefault("database.sslmode", "disable")
	vip.SetDefault("database.migrations_path", "file://migrations")

	vip.SetDefault("redis.mode", "single")
	vip.SetDefault("redis.ping_timeout", 2*time.Second)

	vip.SetDefault("storage.driver", StorageDriverPostgres)

	vip.SetDefault("jwt.access_token_ttl", time.Hour)
	vip.SetDefault("jwt.refresh_token_ttl", 7*24*time.Hour)
	vip.SetDefault("jwt.clock_skew", 30*time.Second)

	vip.SetDefault("auth.cleanup_interval", time.Hour)
	vip.SetDefault("auth.cleanup_retention", 24*time.Hour)

	vip.SetDefault("rate_limit.enabled", true)
	vip.SetDefault("rate_limit.login_per_min", 5)
	vip.SetDefault("rate_limit.default_per_min", 20)

	vip.SetDefault("metrics.enabled", true)
}

func bindEnv(vip *viper.Viper) {
	bindings := map[string]string{
		"server.port":            "SERVER_PORT",
		"server.trusted_proxies": "SERVER_TRUSTED_PROXIES",

		"database.host":     "DATABASE_HOST",
		"database.port":     "DATABASE_PORT",
		"database.user":     "DATABASE_USER",
		"database.password": "DATABASE_PASSWORD",
		"database.dbname":   "DATABASE_DBNAME",
		"database.sslmode":  "DATABASE_SSLMODE",

		"redis.mode":         "REDIS_MODE",
		"redis.addrs":        "REDIS_ADDRS",
		"redis.addr":         "REDIS_ADDR",
		"redis.password":     "REDIS_PASSWORD",
		"redis.db":           "REDIS_DB",
		"redis.master_name":  "REDIS_MASTER_NAME",
		"redis.ping_timeout": "REDIS_PING_TIMEOUT",

		"storage.driver": "STORAGE_DRIVER",

		"jwt.secret":             "JWT_SECRET",
		"jwt.key_encryption_key": "JWT_KEY_ENCRYPTION_KEY",
		"jwt.access_token_ttl":   "JWT_ACCESS_TOKEN_TTL",
		"jwt.refresh_token_ttl":  "JWT_REFRESH_TOKEN_TTL",
		"jwt.clock_skew":         "JWT_CLOCK_SKEW",

		"auth.preverified_providers": "AUTH_PREVERIFIED_PROVIDERS",
		"auth.google_client_ids":     "AUTH_GOOGLE_CLIENT_IDS",
		"auth.apple_client_ids":      "AUTH_APPLE_CLIENT_IDS",
		"auth.cleanup_interval":      "AUTH_CLEANUP_INTERVAL",
		"auth.cleanup_retention":     "AUTH_CLEANUP_RETENTION",

		"rate_limit.enabled": "RATE_LIMIT_ENABLED",

		"metrics.enabled": "METRICS_ENABLED",

		"cors.allowed_origins": "CORS_ALLOWED_ORIGINS",
	}
	for key, env := range bindings {
		if err := vip.BindEnv(key, env); err != nil {
			log.Printf("WARN: [Config] Failed to bind %s to %s: %v", key, env, err)
		}
	}
}

// Load загружает конфигурацию: умолчания, затем файл (если есть), затем переменные окружения.
func Load(configPath string) (*Config, error) {
	vip := viper.New() // Новый экземпляр, без глобального состояния

	setDefaults(vip)
	bindEnv(vip)

	if configPath != "" {
		vip.SetConfigFile(configPath)
		// Отсутствие файла не страшно: есть env и умолчания
		if err := vip.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); ok || os.IsNotExist(err) {
				log.Printf("[Config] Файл конфигурации '%s' не найден, используются переменные окружения/умолчания.", configPath)
			} else {
				log.Printf("WARN: [Config] Не удалось прочитать файл конфигурации '%s': %v", configPath, err)
			}
		}
	}

	var cfg Config
	if err := vip.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.normalize()

	if os.Getenv("GIN_MODE") != "release" {
		log.Printf("--- Загруженные значения конфигурации ---")
		log.Printf("Storage Driver: %s", cfg.Storage.Driver)
		log.Printf("Database Host: %s", cfg.Database.Host)
		log.Printf("Database Name: %s", cfg.Database.DBName)
		log.Printf("Redis Enabled: %t (mode: %s)", cfg.Redis.Enabled(), cfg.Redis.Mode)
		log.Printf("JWT Static Secret Set: %t", cfg.JWT.Secret != "")
		log.Printf("JWT Key Encryption Key Set: %t", cfg.JWT.KeyEncryptionKey != "")
		log.Printf("JWT Access/Refresh TTL: %s / %s", cfg.JWT.AccessTokenTTL, cfg.JWT.RefreshTokenTTL)
		log.Printf("Preverified Providers: %v", cfg.Auth.PreverifiedProviders)
		log.Printf("Google/Apple Client IDs: %d / %d", len(cfg.Auth.GoogleClientIDs), len(cfg.Auth.AppleClientIDs))
		log.Printf("Server Port: %s", cfg.Server.Port)
		log.Printf("-----------------------------------------")
	}

	if err := cfg.Validate(os.Getenv("GIN_MODE")); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// normalize убирает пустые элементы списков (env "a, b," дает ["a", " b", ""])
func (c *Config) normalize() {
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	c.Server.TrustedProxies = cleanList(c.Server.TrustedProxies)
	c.Redis.Addrs = cleanList(c.Redis.Addrs)
	c.Auth.PreverifiedProviders = cleanList(c.Auth.PreverifiedProviders)
	c.Auth.GoogleClientIDs = cleanList(c.Auth.GoogleClientIDs)
	c.Auth.AppleClientIDs = cleanList(c.Auth.AppleClientIDs)
	c.CORS.AllowedOrigins = cleanList(c.CORS.AllowedOrigins)
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Validate проверяет обязательные параметры. ginMode "debug" ослабляет требования к паролям.
func (c *Config) Validate(ginMode string) error {
	switch c.Storage.Driver {
	case StorageDriverPostgres:
		if c.Database.Host == "" || c.Database.DBName == "" || c.Database.User == "" {
			return fmt.Errorf("database configuration (host, dbname, user) is incomplete in config (check DATABASE_HOST, DATABASE_DBNAME, DATABASE_USER env vars)")
		}
		if c.JWT.Secret == "" && c.JWT.KeyEncryptionKey == "" {
			return fmt.Errorf("either JWT secret or key encryption key is required (check JWT_SECRET or JWT_KEY_ENCRYPTION_KEY env vars)")
		}
		if ginMode != "debug" && c.Database.Password == "" {
			return fmt.Errorf("database password is required in production mode (check DATABASE_PASSWORD env var)")
		}
	case StorageDriverMemory:
		if ginMode == "release" {
			log.Println("WARN: [Config] Memory storage in release mode: sessions are lost on restart")
		}
	default:
		return fmt.Errorf("unsupported storage driver: %q", c.Storage.Driver)
	}

	if c.JWT.Secret != "" && len(c.JWT.Secret) < 32 {
		return fmt.Errorf("JWT secret must be at least 32 bytes")
	}
	if c.JWT.AccessTokenTTL <= 0 || c.JWT.RefreshTokenTTL <= 0 {
		return fmt.Errorf("JWT token lifetimes must be positive")
	}
	if c.JWT.AccessTokenTTL >= c.JWT.RefreshTokenTTL {
		return fmt.Errorf("access token TTL (%s) must be shorter than refresh token TTL (%s)", c.JWT.AccessTokenTTL, c.JWT.RefreshTokenTTL)
	}
	if c.JWT.ClockSkew < 0 {
		return fmt.Errorf("JWT clock skew must not be negative")
	}
	if c.Auth.CleanupInterval <= 0 {
		return fmt.Errorf("auth cleanup interval must be positive")
	}

	if c.Redis.Enabled() && ginMode != "debug" && c.Redis.Password == "" {
		log.Println("WARN: [Config] Redis is configured but REDIS_PASSWORD is not set in a non-debug environment.")
	}
	return nil
}
