package main

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"gitea.jw6.us/james/calsync/internal/auth"
	"gitea.jw6.us/james/calsync/internal/calsync"
	"gitea.jw6.us/james/calsync/internal/config"
	"gitea.jw6.us/james/calsync/internal/crypto"
	"gitea.jw6.us/james/calsync/internal/gcal"
	"gitea.jw6.us/james/calsync/internal/http/ratelimit"
	"gitea.jw6.us/james/calsync/internal/store"
)

// env holds the connections a command needs; close releases them.
type env struct {
	engine *calsync.Engine
	close  func()
}

func openPool(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	pool, err := pgxpool.New(ctx, cfg.DB.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("create db pool: %w", err)
	}
	return cfg, pool, nil
}

func openEnv(ctx context.Context) (*env, error) {
	cfg, pool, err := openPool(ctx)
	if err != nil {
		return nil, err
	}
	sealer, err := crypto.New(cfg.TokenSecret)
	if err != nil {
		pool.Close()
		return nil, err
	}
	stor := store.New(pool, sealer)
	authService := auth.NewService(auth.NewOAuthConfig(cfg), stor.Credentials)

	limiter := ratelimit.New(rate.Limit(cfg.Sync.ProviderRPS), max(1, int(cfg.Sync.ProviderRPS)), time.Minute)

	loc, err := time.LoadLocation(cfg.Sync.CalendarTimeZone)
	if err != nil {
		loc = time.UTC
	}
	engine := calsync.NewEngine(
		calsync.Repos{
			Credentials:   stor.Credentials,
			Links:         stor.Links,
			Items:         stor.Items,
			Collaborators: stor.Collaborators,
		},
		calsync.GoogleOpener(&gcal.Factory{
			Auth:    authService,
			Limiter: limiter,
			Options: gcal.Options{Timeout: cfg.Sync.CallTimeout},
		}),
		nil,
		stor.Locks,
		calsync.Settings{
			LookbackDays:        cfg.Sync.LookbackDays,
			PushConcurrency:     cfg.Sync.PushConcurrency,
			ManagedCalendarName: cfg.Sync.ManagedCalendar,
			TimeZone:            loc,
			ACLRole:             cfg.Sync.ACLRole,
		},
	)

	return &env{
		engine: engine,
		close: func() {
			limiter.Close()
			pool.Close()
		},
	}, nil
}

func parseUserID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid user id %q", arg)
	}
	return id, nil
}

func init() {
	log.SetPrefix("[calsyncctl] ")
}
