package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/yourusername/oddiya-auth/internal/config"
	"github.com/yourusername/oddiya-auth/internal/domain/repository"
	"github.com/yourusername/oddiya-auth/internal/handler"
	"github.com/yourusername/oddiya-auth/internal/metrics"
	"github.com/yourusername/oddiya-auth/internal/middleware"
	"github.com/yourusername/oddiya-auth/internal/repository/memory"
	pgRepo "github.com/yourusername/oddiya-auth/internal/repository/postgres"
	"github.com/yourusername/oddiya-auth/internal/service"
	"github.com/yourusername/oddiya-auth/pkg/auth"
	"github.com/yourusername/oddiya-auth/pkg/auth/manager"
	"github.com/yourusername/oddiya-auth/pkg/database"
	"gorm.io/gorm"
)

// stores - хранилища, выбранные драйвером из конфигурации
type stores struct {
	db          *gorm.DB // nil для memory
	identities  repository.IdentityStore
	sessions    repository.SessionRegistry
	signingKeys repository.SigningKeyRepository
}

func main() {
	// Загружаем конфигурацию
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	log.Printf("Загрузка конфигурации из %s", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Printf("Failed to load config: %v", err)
		os.Exit(1)
	}

	// Метрики регистрируются в собственном реестре
	registry := prometheus.NewRegistry()
	var recorder metrics.Recorder = metrics.Noop{}
	if cfg.Metrics.Enabled {
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		recorder = metrics.NewCollector(registry)
	}

	st, err := buildStores(cfg, recorder)
	if err != nil {
		log.Printf("Failed to initialize storage: %v", err)
		os.Exit(1)
	}

	// Контекст жизненного цикла фоновых горутин
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Ключ подписи, выпуск и проверка токенов ---
	initCtx, initCancel := context.WithTimeout(ctx, 15*time.Second)
	secret, err := manager.ResolveSigningSecret(initCtx, cfg.JWT.Secret, st.signingKeys)
	initCancel()
	if err != nil {
		log.Printf("Failed to resolve signing secret: %v", err)
		os.Exit(1)
	}

	issuer, err := auth.NewCredentialIssuer(secret, cfg.JWT.AccessTokenTTL, cfg.JWT.RefreshTokenTTL)
	if err != nil {
		log.Printf("Failed to initialize CredentialIssuer: %v", err)
		os.Exit(1)
	}
	validator, err := auth.NewTokenValidator(secret, cfg.JWT.ClockSkew)
	if err != nil {
		log.Printf("Failed to initialize TokenValidator: %v", err)
		os.Exit(1)
	}
	tokenManager, err := manager.NewTokenManager(issuer, st.sessions)
	if err != nil {
		log.Printf("Failed to initialize TokenManager: %v", err)
		os.Exit(1)
	}
	tokenManager.SetCleanupRetention(cfg.Auth.CleanupRetention)

	// --- Сервис аутентификации ---
	authService, err := service.NewAuthService(st.identities, tokenManager, validator)
	if err != nil {
		log.Printf("Failed to initialize AuthService: %v", err)
		os.Exit(1)
	}
	authService.SetMetrics(recorder)
	authService.SetPreverifiedProviders(cfg.Auth.PreverifiedProviders)
	registerVerifiers(authService, cfg.Auth)

	// Периодическая очистка истекших сессий
	go runSessionCleanup(ctx, tokenManager, cfg.Auth.CleanupInterval)

	// --- HTTP ---
	limiter := buildLimiter(ctx, cfg)

	authHandler := handler.NewAuthHandler(authService)
	authMiddleware := middleware.NewAuthMiddleware(authService)

	router := gin.Default()

	if gin.Mode() == gin.ReleaseMode {
		// Production: доверять только явно перечисленным прокси
		if err := router.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
			log.Printf("Warning: failed to set trusted proxies: %v", err)
		}
	} else {
		// Development: доверяем localhost
		if err := router.SetTrustedProxies([]string{"127.0.0.1", "::1"}); err != nil {
			log.Printf("Warning: failed to set trusted proxies: %v", err)
		}
	}

	if len(cfg.CORS.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"Content-Length", "Retry-After"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Metrics.Enabled {
		router.GET("/metrics", gin.WrapH(metrics.Handler(registry)))
	}

	loginLimit := limitFor(limiter, cfg.RateLimit.Enabled, middleware.RateLimitConfig{
		MaxRequests: cfg.RateLimit.LoginPerMin, Window: time.Minute, KeyPrefix: middleware.StrictAuthRateLimitConfig().KeyPrefix,
	})
	defaultLimit := limitFor(limiter, cfg.RateLimit.Enabled, middleware.RateLimitConfig{
		MaxRequests: cfg.RateLimit.DefaultPerMin, Window: time.Minute, KeyPrefix: middleware.DefaultAuthRateLimitConfig().KeyPrefix,
	})

	api := router.Group("/api/v1")
	{
		authGroup := api.Group("/auth")
		{
			authGroup.POST("/login", loginLimit, authHandler.Login)
			authGroup.POST("/refresh", defaultLimit, authHandler.RefreshToken)
			// Bearer проверяется в обработчике, чтобы отказ был тем же 401, что и у refresh
			authGroup.POST("/logout", defaultLimit, authHandler.Logout)
			authGroup.POST("/logout-all", defaultLimit, authHandler.LogoutAllDevices)
			authGroup.GET("/validate", authHandler.Validate)

			authed := authGroup.Group("")
			authed.Use(authMiddleware.RequireAuth())
			{
				authed.GET("/me", authHandler.GetMe)
				authed.GET("/sessions", authHandler.GetActiveSessions)
			}
		}
	}

	// Настраиваем HTTP сервер с тайм-аутами для защиты от slow client attacks
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		log.Printf("Starting server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Failed to start server: %v", err)
			cancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}
	log.Println("Shutting down server...")

	// Останавливаем фоновые горутины
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	if st.db != nil {
		if sqlDB, err := database.GetSQLDB(st.db); err == nil {
			if err := sqlDB.Close(); err != nil {
				log.Printf("Error closing database: %v", err)
			}
		}
	}

	log.Println("Server exited properly")
}

// buildStores создает репозитории для выбранного драйвера
func buildStores(cfg *config.Config, recorder metrics.Recorder) (*stores, error) {
	if cfg.Storage.Driver == config.StorageDriverMemory {
		log.Println("WARN: Using in-memory storage; identities and sessions are lost on restart")
		return &stores{
			identities:  memory.NewIdentityRepo(),
			sessions:    memory.NewSessionRepo(),
			signingKeys: memory.NewSigningKeyRepo(),
		}, nil
	}

	db, err := database.NewPostgresDB(cfg.Database.PostgresConnectionString())
	if err != nil {
		return nil, err
	}
	if err := database.MigrateDB(db, cfg.Database.MigrationsPath); err != nil {
		return nil, err
	}

	identities, err := pgRepo.NewIdentityRepo(db)
	if err != nil {
		return nil, err
	}
	identities.SetMetrics(recorder)

	sessions, err := pgRepo.NewSessionRepo(db)
	if err != nil {
		return nil, err
	}
	sessions.SetMetrics(recorder)

	st := &stores{db: db, identities: identities, sessions: sessions}
	// Без статического секрета ключ подписи хранится в БД
	if cfg.JWT.Secret == "" {
		keys, err := pgRepo.NewSigningKeyRepo(db, cfg.JWT.KeyEncryptionKey)
		if err != nil {
			return nil, err
		}
		st.signingKeys = keys
	}
	return st, nil
}

// registerVerifiers подключает проверку ID токенов для провайдеров с настроенными client ID
func registerVerifiers(authService *service.AuthService, cfg config.AuthConfig) {
	providers := []service.OIDCProviderConfig{}
	if len(cfg.GoogleClientIDs) > 0 {
		providers = append(providers, service.GoogleProviderConfig(cfg.GoogleClientIDs))
	}
	if len(cfg.AppleClientIDs) > 0 {
		providers = append(providers, service.AppleProviderConfig(cfg.AppleClientIDs))
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}
	for _, p := range providers {
		verifier, err := service.NewOIDCVerifier(p, httpClient)
		if err != nil {
			log.Printf("WARN: Failed to initialize %s ID token verifier: %v", p.Provider, err)
			continue
		}
		authService.RegisterVerifier(p.Provider, verifier)
	}
}

// buildLimiter возвращает Redis лимитер, если Redis настроен и доступен, иначе локальный
func buildLimiter(ctx context.Context, cfg *config.Config) middleware.Limiter {
	if !cfg.RateLimit.Enabled {
		log.Println("WARN: Rate limiting is disabled")
		return nil
	}

	if cfg.Redis.Enabled() {
		client, err := database.NewUniversalRedisClient(ctx, cfg.Redis)
		if err == nil {
			log.Println("Successfully connected to Redis, using distributed rate limiter")
			go closeOnDone(ctx, client)
			return middleware.NewRateLimiter(client)
		}
		log.Printf("WARN: Failed to connect to Redis: %v. Falling back to local rate limiter.", err)
	}

	local := middleware.NewLocalRateLimiter(10 * time.Minute)
	go local.Run(ctx, time.Minute)
	return local
}

func closeOnDone(ctx context.Context, client redis.UniversalClient) {
	<-ctx.Done()
	if err := client.Close(); err != nil {
		log.Printf("Error closing Redis client: %v", err)
	}
}

func limitFor(limiter middleware.Limiter, enabled bool, cfg middleware.RateLimitConfig) gin.HandlerFunc {
	if !enabled || limiter == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return limiter.Limit(cfg)
}

// runSessionCleanup удаляет истекшие и давно отозванные сессии
func runSessionCleanup(ctx context.Context, tokenManager *manager.TokenManager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cleanupCtx, cancel := context.WithTimeout(ctx, time.Minute)
			n, err := tokenManager.CleanupExpiredSessions(cleanupCtx)
			cancel()
			if err != nil {
				log.Printf("[SessionCleanup] Failed to clean up sessions: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("[SessionCleanup] Removed %d expired sessions", n)
			}
		case <-ctx.Done():
			return
		}
	}
}
