package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"arbwatch/internal/alerting"
	"arbwatch/internal/arbitrage"
	"arbwatch/internal/cache"
	"arbwatch/internal/config"
	"arbwatch/internal/fetcher"
	"arbwatch/internal/fx"
	"arbwatch/internal/model"
	"arbwatch/internal/pacer"
	"arbwatch/internal/pricing"
	"arbwatch/internal/scheduler"
	"arbwatch/internal/storage"
)

// ErrCycleInProgress is returned when another refresh cycle holds the lock.
var ErrCycleInProgress = errors.New("refresh cycle already in progress")

var errDirectDisabled = errors.New("direct exchange not configured")

const writeTimeout = 10 * time.Second

// Deps are the collaborators of a Service. Only Tickers and Cache are required.
type Deps struct {
	Scheduler *scheduler.Scheduler
	Tickers   fetcher.TickerSource
	Direct    fetcher.LastTradeSource
	Pacer     pacer.Pacer
	Cache     cache.Store
	Notifier  alerting.Notifier
	Locker    storage.AdvisoryLocker
	Now       func() time.Time
}

// Service runs refresh cycles: fetch, normalise, detect, publish.
type Service struct {
	scheduler  *scheduler.Scheduler
	tickers    fetcher.TickerSource
	direct     fetcher.LastTradeSource
	resolver   *fx.Resolver
	normalizer *pricing.Normalizer
	detector   *arbitrage.Detector
	pacer      pacer.Pacer
	cache      cache.Store
	notifier   alerting.Notifier
	logger     zerolog.Logger
	now        func() time.Time

	assets        []model.Asset
	exchanges     []model.Exchange
	aggregatorIDs []string
	directEnabled bool
	cycleTimeout  time.Duration

	alertsOn  bool
	threshold float64
	cooldown  time.Duration
	lastAlert map[string]time.Time

	locker  storage.AdvisoryLocker
	lockKey int64
	running sync.Mutex
}

// New constructs the refresh service.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Service {
	directID := ""
	directEnabled := cfg.DirectEnabled() && deps.Direct != nil
	if directEnabled {
		directID = cfg.Direct.ExchangeID
	}

	filter := pricing.Filter{
		Quote:        cfg.Refresh.Quote,
		MinVolumeUSD: cfg.Refresh.MinVolumeUSD,
		VolumePolicy: pricing.VolumePolicy(cfg.Refresh.VolumePolicy),
		Exchanges:    cfg.AggregatorExchangeIDs(),
	}

	p := deps.Pacer
	if p == nil {
		p = pacer.Nop{}
	}
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	s := &Service{
		scheduler:     deps.Scheduler,
		tickers:       deps.Tickers,
		direct:        deps.Direct,
		normalizer:    pricing.NewNormalizer(filter, cfg.Direct.ExchangeID),
		detector:      arbitrage.NewDetector(cfg.Exchanges, cfg.Refresh.MinNetSpreadPct, directID),
		pacer:         p,
		cache:         deps.Cache,
		notifier:      deps.Notifier,
		logger:        logger.With().Str("component", "service").Logger(),
		now:           now,
		assets:        cfg.Assets,
		exchanges:     cfg.Exchanges,
		aggregatorIDs: cfg.AggregatorExchangeIDs(),
		directEnabled: directEnabled,
		cycleTimeout:  cfg.Refresh.CycleTimeout,
		alertsOn:      cfg.Alerting.Enabled,
		threshold:     cfg.Alerting.ThresholdPct,
		cooldown:      cfg.Alerting.Cooldown,
		lastAlert:     make(map[string]time.Time),
		locker:        deps.Locker,
		lockKey:       cfg.Scheduler.AdvisoryLockKey,
	}
	if directEnabled {
		s.resolver = fx.NewResolver(deps.Direct, cfg.Direct.PivotInstrumentID, logger)
	}
	return s
}

// Run begins the refresh loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessTick)
}

// ProcessTick runs one scheduled cycle. A cycle still running elsewhere is not an error.
func (s *Service) ProcessTick(ctx context.Context, at time.Time) error {
	_, err := s.Refresh(ctx)
	if errors.Is(err, ErrCycleInProgress) {
		s.logger.Debug().Time("at", at).Msg("skip tick because a cycle is already running")
		return nil
	}
	return err
}

// Refresh performs one full cycle and replaces the cached snapshot. Per-source failures degrade the
// snapshot; only a failed cache write or a cancelled parent context fails the cycle.
func (s *Service) Refresh(ctx context.Context) (model.Snapshot, error) {
	if !s.running.TryLock() {
		return model.Snapshot{}, ErrCycleInProgress
	}
	defer s.running.Unlock()

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return model.Snapshot{}, err
	}
	if !proceed {
		return model.Snapshot{}, ErrCycleInProgress
	}
	if unlock != nil {
		defer unlock()
	}

	cycleID := uuid.NewString()
	log := s.logger.With().Str("cycle_id", cycleID).Logger()
	started := s.now()

	snap := s.collect(ctx, log)
	if ctx.Err() != nil {
		log.Warn().Err(ctx.Err()).Msg("cycle cancelled; keeping previous snapshot")
		return model.Snapshot{}, ctx.Err()
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := s.cache.Put(writeCtx, snap); err != nil {
		log.Error().Err(err).Msg("failed to publish snapshot")
		return model.Snapshot{}, fmt.Errorf("publish snapshot: %w", err)
	}

	log.Info().
		Int("assets", len(snap.Assets)).
		Int("opportunities", len(snap.Opportunities)).
		Bool("partial", snap.Partial).
		Bool("pivot", snap.FX.PivotRate != nil).
		Dur("took", s.now().Sub(started)).
		Msg("snapshot published")

	s.alert(writeCtx, snap, log)
	return snap, nil
}

func (s *Service) collect(ctx context.Context, log zerolog.Logger) model.Snapshot {
	fetchCtx := ctx
	if s.cycleTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, s.cycleTimeout)
		defer cancel()
	}

	pivot := fx.Rate{Err: errDirectDisabled}
	if s.directEnabled {
		pivot = s.resolver.Resolve(fetchCtx)
		if !pivot.Available() {
			log.Warn().Err(pivot.Err).Msg("pivot rate unavailable; direct exchange excluded this cycle")
		}
	}

	prices := make(model.PriceMap, len(s.assets))
	for _, asset := range s.assets {
		prices[asset.ID] = map[string]float64{}
	}

	partial := false
	for _, asset := range s.assets {
		// The limiter never delays its first call, so waiting before every asset spaces all of them.
		if err := s.pacer.Wait(fetchCtx); err != nil {
			partial = true
			break
		}
		if fetchCtx.Err() != nil {
			partial = true
			break
		}

		obs := pricing.Observations{
			Tickers: s.tickers.FetchTickers(fetchCtx, asset.ID, s.aggregatorIDs),
			Pivot:   pivot,
		}
		if !obs.Tickers.Available() {
			log.Warn().Err(obs.Tickers.Err).Str("asset", asset.ID).Msg("aggregator unavailable for asset")
		}
		if s.directEnabled && pivot.Available() && asset.HasDirectInstrument() {
			q := s.direct.LastTrade(fetchCtx, asset.DirectInstrumentID)
			if !q.Available() {
				log.Warn().Err(q.Err).Str("asset", asset.ID).Msg("direct quote unavailable for asset")
			}
			obs.Direct = &q
		}

		res := s.normalizer.Normalize(obs)
		prices[asset.ID] = res.Prices
		log.Debug().
			Str("asset", asset.ID).
			Int("prices", len(res.Prices)).
			Int("tickers_seen", res.Stats.Seen).
			Int("tickers_dropped", res.Stats.Dropped()).
			Bool("direct", res.DirectIncluded).
			Msg("asset normalised")
	}
	if fetchCtx.Err() != nil {
		partial = true
	}
	if partial {
		log.Warn().Msg("cycle budget exhausted; publishing partial snapshot")
	}

	updated := s.now()
	snap := model.Snapshot{
		UpdatedAt:     &updated,
		FX:            model.NewFX(pivot.Value, pivot.Available()),
		Assets:        append([]model.Asset(nil), s.assets...),
		Exchanges:     append([]model.Exchange(nil), s.exchanges...),
		Opportunities: s.detector.Detect(s.assets, prices),
		PriceMap:      prices,
		Partial:       partial,
	}
	return snap.Normalize()
}

func (s *Service) alert(ctx context.Context, snap model.Snapshot, log zerolog.Logger) {
	if !s.alertsOn || s.notifier == nil || s.threshold <= 0 {
		return
	}

	now := s.now()
	var due []model.Opportunity
	for _, o := range snap.Opportunities {
		if o.NetPct < s.threshold {
			break
		}
		if last, ok := s.lastAlert[alertKey(o)]; ok && now.Sub(last) < s.cooldown {
			continue
		}
		due = append(due, o)
	}
	if len(due) == 0 {
		return
	}

	note := alerting.Notification{
		At:            *snap.UpdatedAt,
		ThresholdPct:  s.threshold,
		Opportunities: due,
		Partial:       snap.Partial,
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		log.Error().Err(err).Msg("failed to dispatch alert")
		return
	}
	for _, o := range due {
		s.lastAlert[alertKey(o)] = now
	}
}

func alertKey(o model.Opportunity) string {
	return o.AssetID + ":" + o.BuyExchangeID + ">" + o.SellExchangeID
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
