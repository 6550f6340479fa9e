// Package app wires a workspace's database, config and services together.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"forgeline/internal/cache"
	"forgeline/internal/config"
	"forgeline/internal/db"
	"forgeline/internal/domain"
	"forgeline/internal/engine"
	"forgeline/internal/logging"
	"forgeline/internal/migrate"
	"forgeline/internal/passport"
	"forgeline/internal/phase"
	"forgeline/internal/production"
	"forgeline/internal/progress"
)

type Options struct {
	Workspace string
	// LogLevel overrides config.log.level when set.
	LogLevel string
	// Logger replaces the configured logger when set.
	Logger *zap.Logger
	Now    func() time.Time
}

type App struct {
	Workspace  string
	DB         *sql.DB
	Config     *config.Config
	Log        *zap.Logger
	Cache      cache.Store
	Engine     engine.Engine
	Passports  passport.Store
	Production production.Orchestrator

	redis *redis.Client
}

// Open opens the workspace database, applies migrations and builds the services.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		level := cfg.Log.Level
		if opts.LogLevel != "" {
			level = opts.LogLevel
		}
		if log, err = logging.New(level, cfg.Log.Format); err != nil {
			return nil, err
		}
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a := &App{Workspace: opts.Workspace, DB: conn, Config: cfg, Log: log}

	a.Engine = engine.New(conn, cfg, log.Named("engine"))
	if opts.Now != nil {
		a.Engine.Now = opts.Now
	}
	if err := a.openCache(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	a.Engine.Cache = a.Cache

	a.Passports = passport.NewStore(conn, cfg.Passport.BaseURL)
	a.Passports.Now = a.Engine.Now
	a.Production = production.New(a.Engine, a.Passports, log.Named("production"))
	return a, nil
}

func (a *App) openCache(ctx context.Context) error {
	c := a.Config.Cache
	switch c.Backend {
	case config.CacheRedis:
		client, err := cache.DialRedis(ctx, c.RedisAddr, c.RedisDB)
		if err != nil {
			return err
		}
		a.redis = client
		a.Cache = cache.NewRedis(client, c.TTL.Std(), a.Engine.LiveProjects)
	default:
		lru, err := cache.NewLRU(c.Size, a.Engine.LiveProjects)
		if err != nil {
			return err
		}
		a.Cache = lru
	}
	return nil
}

// PhaseDeps returns the collaborators a phase.Session needs.
func (a *App) PhaseDeps() phase.Deps {
	return phase.Deps{
		Projects:    a.Engine,
		Cache:       a.Cache,
		Stages:      a.Engine,
		Passports:   a.Passports,
		Status:      a.Engine,
		Production:  a.Production,
		SettleDelay: a.Config.Engine.SettleDelay.Std(),
		Log:         a.Log.Named("phase"),
	}
}

// Summary returns a live project with its stage aggregate.
func (a *App) Summary(ctx context.Context, projectID string) (domain.Project, progress.Summary, error) {
	p, err := a.Engine.GetProject(ctx, projectID)
	if err != nil {
		return p, progress.Summary{}, err
	}
	stages, err := a.Engine.ListStages(ctx, projectID)
	if err != nil {
		return p, progress.Summary{}, err
	}
	return p, progress.Aggregate(stages), nil
}

// Phases computes a project's phases from its persisted record.
func (a *App) Phases(ctx context.Context, projectID string) (phase.PersistedProjectView, []phase.Phase, int, error) {
	p, summary, err := a.Summary(ctx, projectID)
	if err != nil {
		return phase.PersistedProjectView{}, nil, 0, err
	}
	var passportID string
	latest, err := a.Passports.Latest(ctx, projectID)
	switch {
	case err == nil:
		passportID = latest.ID
	case !errors.Is(err, domain.ErrPassportNotFound):
		return phase.PersistedProjectView{}, nil, 0, err
	}
	view, phases, idx := phase.FromRecord(p, summary, passportID)
	return view, phases, idx, nil
}

// Close releases the database, the cache connection and flushes logs.
func (a *App) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	_ = a.Log.Sync()
	return errors.Join(errs...)
}
