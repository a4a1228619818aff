package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"notebase/api/internal/app"
	"notebase/api/internal/cache"
	"notebase/api/internal/config"
	"notebase/api/internal/store"
	"notebase/api/internal/sweep"
)

// sweeperFunc adapts the service's retention pass to the scheduler.
type sweeperFunc func(ctx context.Context)

func (f sweeperFunc) Sweep(ctx context.Context) { f(ctx) }

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	// Redis caches per-user retention policies when configured; without
	// it every policy read goes to Postgres.
	var service *app.Service
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for retention policy cache")
		policyCache, err := cache.NewPolicyCache(cfg.RedisURL, cfg.PolicyCacheTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer policyCache.Close()
		service = app.NewWithPolicyCache(cfg, dataStore, policyCache)
	} else {
		service = app.New(cfg, dataStore)
	}

	scheduler := sweep.NewScheduler(sweeperFunc(func(ctx context.Context) {
		service.SweepAllDocuments(ctx)
	}), cfg.SweepHour)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Notebase API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
