// Package main is the entry point for the SkyRange server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/skyrange/server/internal/api"
	"github.com/skyrange/server/internal/cache"
	"github.com/skyrange/server/internal/config"
	"github.com/skyrange/server/internal/logger"
	"github.com/skyrange/server/internal/render"
	"github.com/skyrange/server/internal/service"
	"github.com/skyrange/server/internal/store"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	envFile := flag.String("env", ".env", "Optional dotenv file")
	flag.Parse()

	_ = godotenv.Load(*envFile)

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx := context.Background()
	log.Info("starting SkyRange server",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage", cfg.Storage.Driver),
	)

	st, err := store.Open(ctx, store.Options{
		Driver:      cfg.Storage.Driver,
		SQLitePath:  cfg.Storage.SQLitePath,
		PostgresDSN: cfg.Storage.PostgresDSN,
		MaxConns:    cfg.Storage.MaxConns,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	// Redis is optional; without it region snapshots live in process only.
	var rdb *redis.Client
	if cfg.Cache.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Warn("redis unavailable, continuing without it", zap.String("addr", cfg.Cache.RedisAddr), zap.Error(err))
			rdb.Close()
			rdb = nil
		} else {
			log.Info("redis connected", zap.String("addr", cfg.Cache.RedisAddr))
			defer rdb.Close()
		}
	}

	cacheManager, err := cache.NewManager(cache.Config{
		ImageCacheSizeMB: cfg.Cache.ImageSizeMB,
		ImageTTL:         time.Duration(cfg.Cache.ImageTTLMinutes) * time.Minute,
		RegionCacheSize:  cfg.Cache.RegionCacheSize,
		QueryCacheSize:   cfg.Cache.QueryCacheSize,
		QueryTTL:         time.Duration(cfg.Cache.QueryTTLMinutes) * time.Minute,
		Redis:            rdb,
		RedisTTL:         time.Duration(cfg.Cache.RedisTTLMinutes) * time.Minute,
	})
	if err != nil {
		return err
	}
	defer cacheManager.Close()

	svc, err := service.NewSkyService(service.Config{
		Store: st,
		Cache: cacheManager,
		Renderer: render.NewSkymapRenderer(render.Config{
			Width:           cfg.Render.Width,
			Height:          cfg.Render.Height,
			DefaultColormap: cfg.Render.DefaultColormap,
		}),
		Logger:   log,
		MaxDepth: cfg.Coverage.MaxDepth,
	})
	if err != nil {
		return err
	}

	jobManager, err := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		SQLitePath:    cfg.Jobs.SQLitePath,
		RetentionDays: cfg.Jobs.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
	}, log)
	if err != nil {
		return err
	}
	jobManager.Executor = svc.RunQuery
	jobManager.Start()
	defer jobManager.Stop()
	log.Info("query job manager started",
		zap.Int("max_concurrent", cfg.Jobs.MaxConcurrent),
		zap.Int("retention_days", cfg.Jobs.RetentionDays),
		zap.String("sqlite", cfg.Jobs.SQLitePath),
	)

	router := api.NewRouter(api.RouterConfig{
		Service:     svc,
		JobManager:  jobManager,
		CORSOrigins: cfg.Server.CORSOrigins,
		Title:       cfg.Server.Title,
		Logger:      log,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutting down server", zap.String("signal", sig.String()))
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}
