package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/Strob0t/warden/internal/adapter/ledgercache"
	wnats "github.com/Strob0t/warden/internal/adapter/nats"
	wotel "github.com/Strob0t/warden/internal/adapter/otel"
	"github.com/Strob0t/warden/internal/adapter/postgres"
	"github.com/Strob0t/warden/internal/adapter/ristretto"
	"github.com/Strob0t/warden/internal/adapter/sqlite"
	"github.com/Strob0t/warden/internal/config"
	"github.com/Strob0t/warden/internal/domain/policy"
	"github.com/Strob0t/warden/internal/logger"
	"github.com/Strob0t/warden/internal/port/ledger"
	"github.com/Strob0t/warden/internal/port/messagequeue"
	"github.com/Strob0t/warden/internal/resilience"
	"github.com/Strob0t/warden/internal/service"
)

const shutdownTimeout = 5 * time.Second

// app holds the wired dependencies shared by all commands.
type app struct {
	cfg     *config.Config
	ledger  ledger.Ledger
	queue   messagequeue.Queue
	events  *service.EventPublisher
	metrics *wotel.Metrics

	closers []func(context.Context) error
}

// openApp wires the ledger, cache, event queue and telemetry described by
// cfg. Migrations are applied before the ledger is handed out.
func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	shutdown, err := wotel.Setup(ctx, cfg.OTEL)
	if err != nil {
		return nil, fmt.Errorf("otel: %w", err)
	}
	a.closers = append(a.closers, shutdown)
	if a.metrics, err = wotel.NewMetrics(); err != nil {
		return nil, a.fail(fmt.Errorf("otel metrics: %w", err))
	}

	l, err := a.openLedger(ctx)
	if err != nil {
		return nil, a.fail(err)
	}
	a.ledger = l

	if cfg.Cache.Enabled {
		c, err := ristretto.New(cfg.Cache.MaxCostMB << 20)
		if err != nil {
			return nil, a.fail(fmt.Errorf("cache: %w", err))
		}
		a.closers = append(a.closers, func(context.Context) error { c.Close(); return nil })
		a.ledger = ledgercache.Wrap(l, c, cfg.Cache.TTL)
	}

	if cfg.NATS.Enabled {
		q, err := wnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			// Events are best effort; the ledger works without them.
			slog.Warn("nats unavailable, ledger events disabled", "url", cfg.NATS.URL, "error", err)
		} else {
			a.queue = q
			a.closers = append(a.closers, func(context.Context) error { return q.Drain() })
			breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout,
				resilience.WithStateChange(func(from, to resilience.State) {
					slog.Warn("event breaker state changed", "from", from, "to", to)
				}))
			a.events = service.NewEventPublisher(q, breaker)
		}
	}
	return a, nil
}

func (a *app) openLedger(ctx context.Context) (ledger.Ledger, error) {
	switch a.cfg.Ledger.Driver {
	case config.DriverPostgres:
		pg := a.cfg.Ledger.Postgres
		if err := postgres.RunMigrations(ctx, pg.DSN); err != nil {
			return nil, fmt.Errorf("postgres migrations: %w", err)
		}
		pool, err := postgres.NewPool(ctx, pg)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { pool.Close(); return nil })
		slog.Debug("ledger opened", "driver", config.DriverPostgres)
		return postgres.NewStore(pool, postgres.WithMaxRetries(a.cfg.Ledger.MaxRetries)), nil

	default:
		db, err := sqlite.OpenDB(ctx, a.cfg.Ledger.SQLite)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return db.Close() })
		if err := sqlite.RunMigrations(ctx, db); err != nil {
			return nil, fmt.Errorf("sqlite migrations: %w", err)
		}
		slog.Debug("ledger opened", "driver", config.DriverSQLite, "path", a.cfg.Ledger.SQLite.Path)
		return sqlite.NewStore(db), nil
	}
}

func (a *app) reviewService() *service.ReviewService {
	return service.NewReviewService(a.ledger, a.cfg.Lease, a.events, a.metrics)
}

func (a *app) statusService() *service.StatusService {
	return service.NewStatusService(a.ledger)
}

func (a *app) authorityService(p *policy.Policy) *service.AuthorityService {
	return service.NewAuthorityService(p, a.ledger, a.cfg.Agent.ID,
		service.WithEvents(a.events),
		service.WithMetrics(a.metrics),
		service.WithLeaseDefaults(a.cfg.Lease),
	)
}

func (a *app) coordinator() *service.ApprovalCoordinator {
	return service.NewApprovalCoordinator(a.ledger,
		service.WithPollInterval(a.cfg.Coordinator.PollInterval),
		service.WithCoordinatorMetrics(a.metrics),
	)
}

// loadPolicy returns the policy file named in the config, or the built-in
// preset when no file is set.
func (a *app) loadPolicy() (*policy.Policy, error) {
	return resolvePolicy(a.cfg.Policy)
}

func resolvePolicy(cfg config.Policy) (*policy.Policy, error) {
	if cfg.File != "" {
		return policy.LoadFromFile(cfg.File)
	}
	p, ok := policy.Preset(cfg.Name)
	if !ok {
		return nil, fmt.Errorf("unknown policy preset %q", cfg.Name)
	}
	return p, nil
}

func (a *app) fail(err error) error {
	return errors.Join(err, a.Close())
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	a.closers = nil
	return errors.Join(errs...)
}

// setupLogging installs the process logger on w. Command output goes to
// stdout, so logs go to stderr.
func setupLogging(cfg *config.Config, w io.Writer) logger.Closer {
	l, closer := logger.NewWithWriter(cfg.Logging, w)
	slog.SetDefault(l)
	return closer
}
