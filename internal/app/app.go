// Package app wires the staking engine's components from configuration.
// Both the HTTP server and the admin CLI build on it.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/staking-engine/internal/account"
	"github.com/atmx/staking-engine/internal/allocation"
	"github.com/atmx/staking-engine/internal/commission"
	"github.com/atmx/staking-engine/internal/config"
	"github.com/atmx/staking-engine/internal/distribution"
	"github.com/atmx/staking-engine/internal/notify"
	"github.com/atmx/staking-engine/internal/rate"
	"github.com/atmx/staking-engine/internal/referral"
	"github.com/atmx/staking-engine/internal/retry"
	"github.com/atmx/staking-engine/internal/store"
	"github.com/atmx/staking-engine/internal/yield"
)

// Options toggles optional components.
type Options struct {
	// WebSocket starts the hub that broadcasts events to connected clients.
	WebSocket bool
	// Migrate applies the schema on connect.
	Migrate bool
}

// App holds the wired engine.
type App struct {
	Config       config.Config
	Store        store.Store
	Postgres     *store.PostgresStore // nil when running on the memory store
	Accounts     *account.Service
	Orchestrator *distribution.Orchestrator
	Hub          *notify.WSHub // nil unless Options.WebSocket

	log        *slog.Logger
	dispatcher *notify.Dispatcher
	cleanup    []func()
}

// Open connects to the configured backends and builds every service.
// Without DATABASE_URL the engine runs on the in-memory store.
func Open(ctx context.Context, cfg config.Config, opts Options, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, log: logger}

	// --- Initialize store ---
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		a.cleanup = append(a.cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if opts.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				a.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		a.Postgres = pg
		a.Store = pg
		logger.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				a.Close()
				return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
			}
			rdb := redis.NewClient(opt)
			a.cleanup = append(a.cleanup, func() { rdb.Close() })
			a.Store = store.NewCachedStore(a.Store, rdb, cfg.CacheTTL)
			logger.Info("Redis cache enabled", "ttl", cfg.CacheTTL.String())
		}
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		a.Store = store.NewMemoryStore()
	}

	// --- Notifications ---
	var sink notify.Sink = notify.LogSink{Logger: logger}
	if opts.WebSocket {
		a.Hub = notify.NewWSHub()
		hubCtx, stop := context.WithCancel(context.Background())
		go a.Hub.Run(hubCtx)
		a.cleanup = append(a.cleanup, stop)
		sink = notify.MultiSink{sink, a.Hub}
	}
	a.dispatcher = notify.NewDispatcher(sink, 1024, cfg.NotifyTimeout, logger)

	// --- Reward policy ---
	policy, err := rate.NewPolicy(cfg.StandardRate, cfg.PremiumRate)
	if err != nil {
		a.Close()
		return nil, err
	}
	extractor, err := commission.NewExtractor(cfg.CommissionRate)
	if err != nil {
		a.Close()
		return nil, err
	}
	retries := retry.DefaultPolicy()
	retries.MaxAttempts = cfg.MaxAttempts

	cascader, err := referral.NewCascader(a.Store, referral.Config{
		Rate:       cfg.ReferralRate,
		Milestones: cfg.ReferralMilestones,
		Retry:      retries,
	}, a.dispatcher, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	var source yield.Source
	if cfg.YieldSourceURL != "" {
		source = yield.NewHTTPSource(cfg.YieldSourceURL, cfg.YieldSourceField, cfg.YieldTimeout)
	}

	a.Orchestrator = distribution.New(a.Store, allocation.NewAllocator(policy, extractor), cascader, source, a.dispatcher,
		distribution.Config{
			Workers:           cfg.Workers,
			Retry:             retries,
			StaleClaimAfter:   cfg.StaleClaimAfter,
			PlatformAccountID: cfg.PlatformAccountID,
			YieldTimeout:      cfg.YieldTimeout,
		}, logger)
	a.Accounts = account.NewService(a.Store, retries, logger)

	return a, nil
}

// Close drains pending notifications and releases connections.
func (a *App) Close() {
	if a.dispatcher != nil {
		a.dispatcher.Close()
	}
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}
