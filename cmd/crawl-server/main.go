package main

import (
	"context"
	"encoding/json"
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
	"github.com/redis/go-redis/v9"

	"github.com/Stepan2222000/avito-library/internal/browser"
	"github.com/Stepan2222000/avito-library/internal/captcha"
	"github.com/Stepan2222000/avito-library/internal/catalog"
	"github.com/Stepan2222000/avito-library/internal/config"
	"github.com/Stepan2222000/avito-library/internal/database"
	"github.com/Stepan2222000/avito-library/internal/offsetcache"
	"github.com/Stepan2222000/avito-library/internal/pagestate"
	"github.com/Stepan2222000/avito-library/internal/proxypool"
	"github.com/Stepan2222000/avito-library/internal/ratelimit"
	"github.com/Stepan2222000/avito-library/internal/service"
	"github.com/Stepan2222000/avito-library/internal/taskqueue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.New(ctx, database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: int32(cfg.Database.MaxConns),
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	listingStore := database.NewListingStore(db)
	if err := listingStore.EnsureSchema(ctx); err != nil {
		logger.Error("failed to prepare listings schema", "error", err)
		os.Exit(1)
	}

	offsetStore, closeStore, err := newOffsetStore(ctx, cfg, db)
	if err != nil {
		logger.Error("failed to initialize offset cache", "backend", cfg.Cache.Backend, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	pool, err := proxypool.New(cfg.Proxy.ProxiesFile, cfg.Proxy.BlockedFile)
	if err != nil {
		logger.Error("failed to load proxy list", "error", err)
		os.Exit(1)
	}

	queue, err := taskqueue.New(cfg.Crawl.TaskAttempts)
	if err != nil {
		logger.Error("failed to create task queue", "error", err)
		os.Exit(1)
	}

	router := pagestate.NewRouter()
	solver := captcha.NewEngine(router, offsetStore)
	limiter := ratelimit.NewAdaptiveLimiter(cfg.Crawl.RateLimitMin, cfg.Crawl.RateLimitMax)
	crawler := catalog.New(router, solver, catalog.WithRateLimiter(limiter))

	manager := service.NewManager(crawler, pool, queue, pageFactory(cfg),
		service.WithSink(listingStore),
		service.WithAdaptiveLimiter(limiter),
		service.WithWorkers(cfg.Crawl.Workers),
	)
	go func() {
		if err := manager.Run(ctx); err != nil {
			logger.Error("job manager stopped", "error", err)
		}
	}()

	handlers := service.NewHandlers(manager, listingStore, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "https://localhost:*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		health := map[string]interface{}{
			"status":        "ok",
			"pending_tasks": queue.PendingCount(),
		}
		status := http.StatusOK
		if pool.AllBlocked() {
			health["status"] = "error"
			health["message"] = "all proxies are blocked"
			status = http.StatusServiceUnavailable
		}
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(health)
	})

	r.Route("/api/v1", handlers.Routes)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	logger.Info("server starting", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

// pageFactory opens a fresh browser per crawl attempt so each attempt gets
// its own proxy and a clean fingerprint.
func pageFactory(cfg *config.Config) service.PageFactory {
	return func(ctx context.Context, proxy proxypool.Endpoint) (browser.Page, func(), error) {
		opts := browser.DefaultOptions()
		opts.Headless = cfg.Browser.Headless
		opts.Timeout = cfg.Browser.Timeout
		opts.ViewportWidth = cfg.Browser.ViewportWidth
		opts.ViewportHeight = cfg.Browser.ViewportHeight
		opts.AcceptLanguage = cfg.Browser.AcceptLanguage
		opts.TimezoneID = cfg.Browser.TimezoneID
		opts.Locale = cfg.Browser.Locale
		proxy.Configure(opts)

		b, err := browser.New(opts)
		if err != nil {
			return nil, nil, err
		}
		page, err := b.NewPage()
		if err != nil {
			b.Close()
			return nil, nil, err
		}
		return page, func() { b.Close() }, nil
	}
}

func newOffsetStore(ctx context.Context, cfg *config.Config, db *database.DB) (offsetcache.Store, func(), error) {
	switch cfg.Cache.Backend {
	case "memory":
		return offsetcache.NewMemoryStore(), func() {}, nil

	case "file":
		store, err := offsetcache.NewFileStore(cfg.Cache.FilePath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil

	case "postgres":
		store := offsetcache.NewPostgresStore(db.Pool())
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr: cfg.Cache.RedisAddr,
			DB:   cfg.Cache.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return offsetcache.NewRedisStore(client), func() { client.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown offset cache backend %q", cfg.Cache.Backend)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
