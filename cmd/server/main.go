package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"

	"gitea.jw6.us/james/calsync/internal/auth"
	"gitea.jw6.us/james/calsync/internal/calsync"
	"gitea.jw6.us/james/calsync/internal/config"
	"gitea.jw6.us/james/calsync/internal/crypto"
	"gitea.jw6.us/james/calsync/internal/gcal"
	httpserver "gitea.jw6.us/james/calsync/internal/http"
	"gitea.jw6.us/james/calsync/internal/http/ratelimit"
	"gitea.jw6.us/james/calsync/internal/realtime"
	"gitea.jw6.us/james/calsync/internal/scheduler"
	"gitea.jw6.us/james/calsync/internal/store"
)

func main() {
	log.Println("Starting calsync server...")
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.LogFile != "" {
		log.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50,
			MaxBackups: 5,
			MaxAge:     30,
		}))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatalf("failed to create db pool: %v", err)
	}
	defer pool.Close()

	if err := store.ApplyMigrations(ctx, pool); err != nil {
		log.Fatalf("failed to apply migrations: %v", err)
	}

	sealer, err := crypto.New(cfg.TokenSecret)
	if err != nil {
		log.Fatalf("failed to initialize token sealer: %v", err)
	}
	stor := store.New(pool, sealer)
	authService := auth.NewService(auth.NewOAuthConfig(cfg), stor.Credentials)

	providerLimiter := ratelimit.New(rate.Limit(cfg.Sync.ProviderRPS), max(1, int(cfg.Sync.ProviderRPS)), 10*time.Minute)
	defer providerLimiter.Close()

	hub := realtime.NewHub(nil)
	engine := calsync.NewEngine(
		calsync.Repos{
			Credentials:   stor.Credentials,
			Links:         stor.Links,
			Items:         stor.Items,
			Collaborators: stor.Collaborators,
		},
		calsync.GoogleOpener(&gcal.Factory{
			Auth:    authService,
			Limiter: providerLimiter,
			Options: gcal.Options{Timeout: cfg.Sync.CallTimeout},
		}),
		hub,
		stor.Locks,
		engineSettings(cfg),
	)

	coordinator := scheduler.New(engine, stor.Locks, scheduler.Options{
		Debounce:          cfg.Sync.Debounce,
		LockRetryBase:     cfg.Sync.LockRetryBase,
		LockRetryMax:      cfg.Sync.LockRetryMax,
		LockRetryAttempts: cfg.Sync.LockRetryAttempts,
	})

	var poller *scheduler.Poller
	if cfg.Sync.PollEnabled {
		poller, err = scheduler.NewPoller(cfg.Sync.PollInterval, stor.Credentials, coordinator)
		if err != nil {
			log.Fatalf("failed to configure poller: %v", err)
		}
		poller.Start()
		log.Printf("polling every %s", cfg.Sync.PollInterval)
	}

	r := httpserver.NewRouter(cfg, httpserver.Deps{
		Health:    stor,
		Engine:    engine,
		Scheduler: coordinator,
		Auth:      authService,
		Realtime:  hub,
	})

	// No WriteTimeout: realtime connections are long-lived.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("server listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	if poller != nil {
		poller.Stop(shutdownCtx)
	}
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		log.Printf("sync coordinator shutdown: %v", err)
	}
}

func engineSettings(cfg *config.Config) calsync.Settings {
	loc, err := time.LoadLocation(cfg.Sync.CalendarTimeZone)
	if err != nil {
		log.Printf("[WARN] unknown calendar time zone %q, using UTC", cfg.Sync.CalendarTimeZone)
		loc = time.UTC
	}
	return calsync.Settings{
		LookbackDays:        cfg.Sync.LookbackDays,
		PushConcurrency:     cfg.Sync.PushConcurrency,
		ManagedCalendarName: cfg.Sync.ManagedCalendar,
		TimeZone:            loc,
		ACLRole:             cfg.Sync.ACLRole,
	}
}
