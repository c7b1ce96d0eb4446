package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/welldanyogia/authguard/internal/auth"
	"github.com/welldanyogia/authguard/internal/clock"
	"github.com/welldanyogia/authguard/internal/config"
	"github.com/welldanyogia/authguard/internal/health"
	"github.com/welldanyogia/authguard/internal/logger"
	"github.com/welldanyogia/authguard/internal/metrics"
	authmw "github.com/welldanyogia/authguard/internal/middleware"
	"github.com/welldanyogia/authguard/internal/ratelimit"
	"github.com/welldanyogia/authguard/internal/repository"
	"github.com/welldanyogia/authguard/internal/session"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logger.New(cfg.Log)
	slog.SetDefault(log)

	clk := clock.System{}

	// Account store and audit log
	var (
		accounts    repository.AccountStore
		audit       repository.AuditRepository
		dbPinger    health.Pinger
		dbCollector *metrics.DBStatsCollector
	)
	switch cfg.Database.Store {
	case config.StorePostgres:
		pool, err := setupDatabase(cfg, log)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer pool.Close()

		auditDB := sqlx.NewDb(stdlib.OpenDBFromPool(pool), "pgx")
		defer auditDB.Close()

		accounts = repository.NewAccountRepository(pool)
		audit = repository.NewAuditRepo(auditDB)
		dbPinger = pool

		dbCollector = metrics.NewDBStatsCollector(pool, auditDB.DB, log)
		dbCollector.Start(15 * time.Second)
		defer dbCollector.Stop()
	default:
		log.Warn("using in-memory account store; accounts are lost on restart")
		accounts = repository.NewMemoryAccountStore()
	}

	// Rate limit records
	var (
		redisClient redis.UniversalClient
		rlStore     ratelimit.Store
	)
	if cfg.Redis.Addr != "" {
		client, err := setupRedis(cfg, log)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer client.Close()
		redisClient = client
		rlStore = ratelimit.NewRedisStore(client)
	} else {
		rlStore = ratelimit.NewMemoryStore()
	}

	limiter := ratelimit.NewLimiter(rlStore, clk, cfg.RateLimit.Policies(), log)
	sweeper := ratelimit.NewSweeper(limiter, cfg.RateLimit.SweepInterval, log)
	if err := sweeper.Start(); err != nil {
		return err
	}
	defer sweeper.Stop()

	authService := auth.NewAuthService(auth.Dependencies{
		Accounts: accounts,
		Limiter:  limiter,
		Lockout: auth.NewLockoutManager(auth.LockoutConfig{
			Threshold: cfg.Lockout.Threshold,
			Duration:  cfg.Lockout.Duration,
		}),
		Tokens: auth.NewTokenLifecycle(auth.RandomTokenGenerator{}, clk, auth.TokenLifecycleConfig{
			VerificationTTL: cfg.Tokens.VerificationTTL,
			ResetTTL:        cfg.Tokens.ResetTTL,
		}),
		Policy: auth.NewPasswordPolicy(),
		Hasher: auth.NewBcryptHasher(),
		Clock:  clk,
		Logger: log,
	})

	tokenService := session.NewTokenService(session.TokenServiceConfig{
		AccessSecret:      cfg.JWT.AccessSecret,
		AccessTokenExpiry: cfg.JWT.AccessTokenExpiry,
		Issuer:            cfg.JWT.Issuer,
	}, clk)

	authHandler := auth.NewAuthHandler(auth.HandlerConfig{
		Service:  authService,
		Sessions: tokenService,
		Audit:    audit,
		Delivery: auth.LogTokenDelivery{Logger: log},
		Clock:    clk,
		Logger:   log,
	})

	authMiddleware := authmw.NewAuthMiddleware(tokenService)
	ceiling, err := authmw.NewRequestCeiling(cfg.HTTP.RatePerIP, redisClient, log)
	if err != nil {
		return fmt.Errorf("invalid HTTP_RATE_PER_IP: %w", err)
	}

	proxies, err := authmw.NewTrustedProxies(cfg.HTTP.TrustedProxies)
	if err != nil {
		return fmt.Errorf("invalid HTTP_TRUSTED_PROXIES: %w", err)
	}

	healthHandler := health.NewHandler(health.Config{
		Database:    dbPinger,
		RedisClient: redisClient,
		Version:     cfg.Version,
	})

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(proxies.Handler)
	r.Use(authmw.StructuredLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(authmw.NewSecure(authmw.SecureOptions(cfg.IsDevelopment())))
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.HTTP.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler.Health)
	r.Get("/health/live", healthHandler.Liveness)
	r.Get("/health/ready", healthHandler.Readiness)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(ceiling.Handler)
		auth.RegisterRoutes(r, authHandler)
		auth.RegisterAdminRoutes(r, authHandler,
			authMiddleware.Authenticate,
			authmw.RequireRole(repository.RoleAdmin),
		)
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("starting server", slog.String("addr", srv.Addr), slog.String("account_store", cfg.Database.Store))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-quit:
		log.Info("shutting down server", slog.String("signal", sig.String()))
	}

	healthHandler.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server exited")
	return nil
}

// setupDatabase creates and configures the database connection pool
func setupDatabase(cfg *config.Config, log *slog.Logger) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = cfg.Database.MaxConns
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 5 * time.Minute
	poolConfig.MaxConnIdleTime = 1 * time.Minute
	poolConfig.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	if err := metrics.PingDatabase(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("connected to database",
		slog.String("database", poolConfig.ConnConfig.Database),
		slog.String("host", poolConfig.ConnConfig.Host),
	)
	return pool, nil
}

// setupRedis connects the client holding rate limit records
func setupRedis(cfg *config.Config, log *slog.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	log.Info("connected to redis", slog.String("addr", cfg.Redis.Addr))
	return client, nil
}
