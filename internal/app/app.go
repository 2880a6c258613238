package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"arbwatch/internal/alerting"
	"arbwatch/internal/api"
	"arbwatch/internal/cache"
	"arbwatch/internal/config"
	"arbwatch/internal/fetcher"
	"arbwatch/internal/pacer"
	"arbwatch/internal/scheduler"
	"arbwatch/internal/service"
	"arbwatch/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newFetchers() (fetcher.TickerSource, fetcher.LastTradeSource) {
	agg := fetcher.NewAggregator(fetcher.AggregatorOptions{
		BaseURL:      a.Config.Aggregator.BaseURL,
		APIKey:       a.Config.Aggregator.APIKey,
		APIKeyHeader: a.Config.Aggregator.APIKeyHeader,
		Timeout:      a.Config.Aggregator.RequestTimeout,
		UserAgent:    a.Config.Aggregator.UserAgent,
	}, a.Logger)

	if !a.Config.DirectEnabled() {
		return agg, nil
	}
	direct := fetcher.NewDirect(fetcher.DirectOptions{
		BaseURL: a.Config.Direct.BaseURL,
		OMSID:   a.Config.Direct.OMSID,
		Timeout: a.Config.Direct.RequestTimeout,
	}, a.Logger)
	return agg, direct
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database, a.Config.App.Name)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// resources are the handles shared by the refresh service and the query endpoint.
type resources struct {
	cache  cache.Store
	locker storage.AdvisoryLocker
	close  func()
}

func (a *App) openResources(ctx context.Context) (*resources, error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	res := &resources{close: func() {}}
	if store != nil {
		res.locker = store
		res.close = closeStore
	}

	cfg := a.Config.Cache
	switch cfg.Backend {
	case config.BackendMemory, "":
		res.cache = cache.NewMemory()
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			a.Logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis not reachable yet")
		}
		res.cache = cache.NewRedis(client, cfg.Key, cfg.TTL)
		res.chain(func() { _ = client.Close() })
	case config.BackendPostgres:
		if store == nil {
			res.close()
			return nil, errors.New("cache.backend=postgres requires database.dsn")
		}
		res.cache = cache.NewPostgres(store, cfg.Key)
	case config.BackendSQLite:
		lite, err := cache.OpenSQLite(ctx, cfg.SQLite.Path, cfg.Key)
		if err != nil {
			res.close()
			return nil, err
		}
		res.cache = lite
		res.chain(func() { _ = lite.Close() })
	default:
		res.close()
		return nil, fmt.Errorf("%w: %q", cache.ErrUnknownBackend, cfg.Backend)
	}

	a.Logger.Info().Str("backend", cfg.Backend).Bool("advisory_lock", res.locker != nil).Msg("snapshot cache ready")
	return res, nil
}

func (r *resources) chain(fn func()) {
	prev := r.close
	r.close = func() {
		fn()
		prev()
	}
}

// newService wires a refresh service. Read-only commands pass notify=false.
func (a *App) newService(res *resources, sched *scheduler.Scheduler, notify bool) *service.Service {
	tickers, direct := a.newFetchers()
	deps := service.Deps{
		Scheduler: sched,
		Tickers:   tickers,
		Direct:    direct,
		Pacer:     pacer.New(a.Config.Refresh.Delay, nil),
		Cache:     res.cache,
		Locker:    res.locker,
	}
	if notify {
		deps.Notifier = a.newNotifier()
	}
	return service.New(a.Config, deps, a.Logger)
}

// Run executes the scheduler and the query endpoint in one process.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	res, err := a.openResources(ctx)
	if err != nil {
		return err
	}
	defer res.close()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		RunOnStart:   a.Config.Scheduler.RunOnStart,
	}, a.Logger)

	svc := a.newService(res, sched, true)
	server := api.NewServer(a.Config.HTTP, res.cache, a.Logger)

	a.Logger.Info().
		Int("assets", len(a.Config.Assets)).
		Int("exchanges", len(a.Config.Exchanges)).
		Bool("direct", a.Config.DirectEnabled()).
		Msg("starting arbitrage monitor")

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return svc.Run(gctx) })
	group.Go(func() error { return server.Run(gctx) })

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("arbitrage monitor stopped")
	return nil
}

// Refresh runs exactly one cycle, for external triggers such as cron.
func (a *App) Refresh(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	res, err := a.openResources(ctx)
	if err != nil {
		return err
	}
	defer res.close()

	snap, err := a.newService(res, nil, true).Refresh(ctx)
	if err != nil {
		return err
	}
	a.Logger.Info().
		Int("opportunities", len(snap.Opportunities)).
		Bool("partial", snap.Partial).
		Msg("refresh complete")
	return nil
}

// Serve runs the query endpoint only.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	res, err := a.openResources(ctx)
	if err != nil {
		return err
	}
	defer res.close()

	if a.Config.Cache.Backend == config.BackendMemory {
		a.Logger.Warn().Msg("memory cache is per-process; serve will only ever return the empty document")
	}

	err = api.NewServer(a.Config.HTTP, res.cache, a.Logger).Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// ExportOptions hold output paths for the export command.
type ExportOptions struct {
	PNGPath string
	CSVPath string
}
