package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"arbwatch/internal/alerting"
	"arbwatch/internal/cache"
	"arbwatch/internal/config"
	"arbwatch/internal/fetcher"
	"arbwatch/internal/model"
	"arbwatch/internal/pacer"
)

type fakeTickers struct {
	mu      sync.Mutex
	byAsset map[string]fetcher.TickerSet
	calls   []string
	block   bool
}

func (f *fakeTickers) FetchTickers(ctx context.Context, assetID string, exchangeIDs []string) fetcher.TickerSet {
	f.mu.Lock()
	f.calls = append(f.calls, assetID)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return fetcher.TickerSet{Err: ctx.Err()}
	}
	set, ok := f.byAsset[assetID]
	if !ok {
		return fetcher.TickerSet{Tickers: []fetcher.Ticker{}}
	}
	return set
}

type fakeDirect struct {
	quotes map[int]fetcher.Quote
	calls  []int
}

func (f *fakeDirect) LastTrade(ctx context.Context, instrumentID int) fetcher.Quote {
	f.calls = append(f.calls, instrumentID)
	q, ok := f.quotes[instrumentID]
	if !ok {
		return fetcher.Quote{Err: errors.New("no such instrument")}
	}
	return q
}

type countingPacer struct{ waits int }

func (p *countingPacer) Wait(ctx context.Context) error {
	p.waits++
	return ctx.Err()
}

type stepClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (c *stepClock) Now() time.Time { return c.now }

func (c *stepClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

type failingCache struct{ err error }

func (f failingCache) Get(ctx context.Context) (model.Snapshot, bool, error) {
	return model.Snapshot{}, false, nil
}

func (f failingCache) Put(ctx context.Context, snap model.Snapshot) error { return f.err }

type recordingNotifier struct{ notes []alerting.Notification }

func (r *recordingNotifier) Notify(ctx context.Context, note alerting.Notification) error {
	r.notes = append(r.notes, note)
	return nil
}

type fakeLocker struct{ acquired bool }

func (f fakeLocker) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	return func() {}, f.acquired, nil
}

func ticker(ex string, price float64) fetcher.Ticker {
	return fetcher.Ticker{ExchangeID: ex, Target: "USDT", LastUSD: &price}
}

func baseConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Refresh.Quote = "USDT"
	cfg.Refresh.MinNetSpreadPct = 0.2
	cfg.Refresh.VolumePolicy = "lenient"
	cfg.Direct.ExchangeID = "coinext"
	cfg.Direct.PivotInstrumentID = 10
	cfg.Assets = []model.Asset{
		{ID: "x-coin", Symbol: "x", Name: "X"},
		{ID: "y-coin", Symbol: "y", Name: "Y", DirectInstrumentID: 2},
		{ID: "z-coin", Symbol: "z", Name: "Z"},
	}
	cfg.Exchanges = []model.Exchange{
		{ID: "exA", Name: "A", TakerFeePct: 0.1},
		{ID: "exB", Name: "B", TakerFeePct: 0.2},
		{ID: "coinext", Name: "Coinext", TakerFeePct: 0.5},
	}
	return cfg
}

func fixedNow() time.Time { return time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC) }

func TestRefreshPublishesSnapshot(t *testing.T) {
	cfg := baseConfig()
	tickers := &fakeTickers{byAsset: map[string]fetcher.TickerSet{
		"x-coin": {Tickers: []fetcher.Ticker{ticker("exA", 100), ticker("exB", 102)}},
		"y-coin": {Tickers: []fetcher.Ticker{ticker("exA", 10)}},
		"z-coin": {Err: errors.New("upstream 503")},
	}}
	direct := &fakeDirect{quotes: map[int]fetcher.Quote{
		10: {Price: 5},
		2:  {Price: 50},
	}}
	pace := &countingPacer{}
	store := cache.NewMemory()

	svc := New(cfg, Deps{Tickers: tickers, Direct: direct, Pacer: pace, Cache: store, Now: fixedNow}, zerolog.Nop())
	snap, err := svc.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if pace.waits != len(cfg.Assets) {
		t.Fatalf("expected the pacer to be consulted before each of %d assets, got %d", len(cfg.Assets), pace.waits)
	}
	if len(direct.calls) != 2 || direct.calls[0] != 10 || direct.calls[1] != 2 {
		t.Fatalf("direct exchange should be asked for the pivot then y only, got %v", direct.calls)
	}

	if snap.FX.PivotRate == nil || *snap.FX.PivotRate != 5 {
		t.Fatalf("pivot rate not recorded: %+v", snap.FX)
	}
	if got := snap.PriceMap["y-coin"]["coinext"]; got != 10 {
		t.Fatalf("direct price should be converted through the pivot, got %v", got)
	}
	if len(snap.PriceMap["z-coin"]) != 0 {
		t.Fatalf("failed asset should have an empty entry, got %v", snap.PriceMap["z-coin"])
	}
	if len(snap.Opportunities) != 1 || snap.Opportunities[0].AssetID != "x-coin" {
		t.Fatalf("expected one opportunity for x, got %+v", snap.Opportunities)
	}
	if snap.Partial {
		t.Fatal("complete cycle flagged partial")
	}

	cached, ok, err := store.Get(context.Background())
	if err != nil || !ok {
		t.Fatalf("snapshot not cached: ok=%v err=%v", ok, err)
	}
	if !cached.UpdatedAt.Equal(fixedNow()) {
		t.Fatalf("cached updatedAt mismatch: %v", cached.UpdatedAt)
	}
}

func TestRefreshPivotUnavailable(t *testing.T) {
	cfg := baseConfig()
	cfg.Assets = []model.Asset{{ID: "y-coin", Symbol: "y", DirectInstrumentID: 2}}
	direct := &fakeDirect{quotes: map[int]fetcher.Quote{2: {Price: 55}}}

	svc := New(cfg, Deps{Tickers: &fakeTickers{}, Direct: direct, Cache: cache.NewMemory(), Now: fixedNow}, zerolog.Nop())
	snap, err := svc.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if len(direct.calls) != 1 {
		t.Fatalf("direct quotes must not be fetched without a pivot, calls=%v", direct.calls)
	}
	if snap.FX.PivotRate != nil {
		t.Fatal("pivot rate should be null")
	}
	if len(snap.PriceMap["y-coin"]) != 0 || len(snap.Opportunities) != 0 {
		t.Fatalf("expected no prices and no opportunities, got %+v %+v", snap.PriceMap, snap.Opportunities)
	}
}

func TestRefreshNothingPriced(t *testing.T) {
	cfg := baseConfig()
	cfg.Exchanges = cfg.Exchanges[:2]

	svc := New(cfg, Deps{Tickers: &fakeTickers{}, Cache: cache.NewMemory(), Now: fixedNow}, zerolog.Nop())
	snap, err := svc.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if snap.UpdatedAt == nil {
		t.Fatal("updatedAt must be set")
	}
	if snap.Opportunities == nil || len(snap.Opportunities) != 0 {
		t.Fatalf("opportunities should be an empty list, got %#v", snap.Opportunities)
	}
	for _, a := range cfg.Assets {
		entry, ok := snap.PriceMap[a.ID]
		if !ok || len(entry) != 0 {
			t.Fatalf("asset %s should have an empty entry, got %v (present=%v)", a.ID, entry, ok)
		}
	}
}

func TestRefreshCacheWriteFailure(t *testing.T) {
	cfg := baseConfig()
	boom := errors.New("write refused")

	svc := New(cfg, Deps{Tickers: &fakeTickers{}, Cache: failingCache{err: boom}, Now: fixedNow}, zerolog.Nop())
	if _, err := svc.Refresh(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("cache write failure should fail the cycle, got %v", err)
	}
}

func TestRefreshCycleTimeoutPublishesPartial(t *testing.T) {
	cfg := baseConfig()
	cfg.Exchanges = cfg.Exchanges[:2]
	cfg.Refresh.CycleTimeout = 20 * time.Millisecond
	store := cache.NewMemory()

	tickers := &fakeTickers{block: true}
	svc := New(cfg, Deps{Tickers: tickers, Cache: store, Now: fixedNow}, zerolog.Nop())
	snap, err := svc.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !snap.Partial {
		t.Fatal("snapshot should be flagged partial")
	}
	if len(tickers.calls) != 1 {
		t.Fatalf("assets after the deadline must be skipped, calls=%v", tickers.calls)
	}
	if len(snap.PriceMap) != len(cfg.Assets) {
		t.Fatalf("skipped assets still need entries, got %v", snap.PriceMap)
	}
	if _, ok, _ := store.Get(context.Background()); !ok {
		t.Fatal("partial snapshot should be published")
	}
}

func TestRefreshCancelledKeepsPrevious(t *testing.T) {
	cfg := baseConfig()
	store := cache.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	svc := New(cfg, Deps{Tickers: &fakeTickers{}, Cache: store, Now: fixedNow}, zerolog.Nop())
	if _, err := svc.Refresh(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, ok, _ := store.Get(context.Background()); ok {
		t.Fatal("cancelled cycle must not publish")
	}
}

func TestRefreshRejectsConcurrentCycle(t *testing.T) {
	cfg := baseConfig()
	svc := New(cfg, Deps{Tickers: &fakeTickers{}, Cache: cache.NewMemory(), Now: fixedNow}, zerolog.Nop())

	svc.running.Lock()
	_, err := svc.Refresh(context.Background())
	svc.running.Unlock()
	if !errors.Is(err, ErrCycleInProgress) {
		t.Fatalf("expected ErrCycleInProgress, got %v", err)
	}

	if err := svc.ProcessTick(context.Background(), fixedNow()); err != nil {
		t.Fatalf("tick after unlock: %v", err)
	}
}

func TestRefreshAdvisoryLockHeldElsewhere(t *testing.T) {
	cfg := baseConfig()
	cfg.Scheduler.AdvisoryLockKey = 42
	tickers := &fakeTickers{}

	svc := New(cfg, Deps{Tickers: tickers, Cache: cache.NewMemory(), Locker: fakeLocker{acquired: false}, Now: fixedNow}, zerolog.Nop())
	if _, err := svc.Refresh(context.Background()); !errors.Is(err, ErrCycleInProgress) {
		t.Fatalf("expected ErrCycleInProgress, got %v", err)
	}
	if len(tickers.calls) != 0 {
		t.Fatal("no fetch should happen without the lock")
	}
	if err := svc.ProcessTick(context.Background(), fixedNow()); err != nil {
		t.Fatalf("a held lock is not a tick failure: %v", err)
	}
}

func TestAlertsRespectThresholdAndCooldown(t *testing.T) {
	cfg := baseConfig()
	cfg.Exchanges = cfg.Exchanges[:2]
	cfg.Alerting.Enabled = true
	cfg.Alerting.ThresholdPct = 1
	cfg.Alerting.Cooldown = time.Hour
	tickers := &fakeTickers{byAsset: map[string]fetcher.TickerSet{
		"x-coin": {Tickers: []fetcher.Ticker{ticker("exA", 100), ticker("exB", 102)}},
		"y-coin": {Tickers: []fetcher.Ticker{ticker("exA", 100), ticker("exB", 100.5)}},
	}}
	notifier := &recordingNotifier{}

	now := fixedNow()
	svc := New(cfg, Deps{Tickers: tickers, Cache: cache.NewMemory(), Notifier: notifier, Now: func() time.Time { return now }}, zerolog.Nop())

	if _, err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(notifier.notes) != 1 || len(notifier.notes[0].Opportunities) != 1 {
		t.Fatalf("expected one alert for x only, got %+v", notifier.notes)
	}

	now = now.Add(time.Minute)
	if _, err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(notifier.notes) != 1 {
		t.Fatal("cooldown should suppress a repeat alert")
	}

	now = now.Add(2 * time.Hour)
	if _, err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(notifier.notes) != 2 {
		t.Fatalf("alert should fire again after the cooldown, got %d", len(notifier.notes))
	}
}

func TestRefreshPausesBetweenEveryAsset(t *testing.T) {
	cfg := baseConfig()
	cfg.Exchanges = cfg.Exchanges[:2]
	clock := &stepClock{now: fixedNow()}
	limiter := pacer.New(1200*time.Millisecond, clock)

	svc := New(cfg, Deps{Tickers: &fakeTickers{}, Pacer: limiter, Cache: cache.NewMemory(), Now: fixedNow}, zerolog.Nop())
	if _, err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if len(clock.sleeps) != len(cfg.Assets)-1 {
		t.Fatalf("expected %d pauses between assets, got %v", len(cfg.Assets)-1, clock.sleeps)
	}
	for _, d := range clock.sleeps {
		if d != 1200*time.Millisecond {
			t.Fatalf("expected 1.2s pauses, got %v", clock.sleeps)
		}
	}

	// The limiter is shared across cycles; the next cycle starts right after the last call,
	// so its first asset is paced too.
	if _, err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if len(clock.sleeps) != 2*len(cfg.Assets)-1 {
		t.Fatalf("expected %d pauses after two cycles, got %v", 2*len(cfg.Assets)-1, clock.sleeps)
	}
}

func TestRefreshTimeoutDuringLastAssetFlagsPartial(t *testing.T) {
	cfg := baseConfig()
	cfg.Exchanges = cfg.Exchanges[:2]
	cfg.Assets = cfg.Assets[:1]
	cfg.Refresh.CycleTimeout = 20 * time.Millisecond
	store := cache.NewMemory()

	svc := New(cfg, Deps{Tickers: &fakeTickers{block: true}, Cache: store, Now: fixedNow}, zerolog.Nop())
	snap, err := svc.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !snap.Partial {
		t.Fatal("a budget that expires during the final fetch must flag the snapshot partial")
	}
	cached, ok, _ := store.Get(context.Background())
	if !ok || !cached.Partial {
		t.Fatalf("published snapshot should carry the partial flag, ok=%v", ok)
	}
}

func TestRefreshParentCancelDuringLastAssetKeepsPrevious(t *testing.T) {
	cfg := baseConfig()
	cfg.Exchanges = cfg.Exchanges[:2]
	cfg.Assets = cfg.Assets[:1]
	store := cache.NewMemory()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	svc := New(cfg, Deps{Tickers: &fakeTickers{block: true}, Cache: store, Now: fixedNow}, zerolog.Nop())
	if _, err := svc.Refresh(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
	if _, ok, _ := store.Get(context.Background()); ok {
		t.Fatal("a cycle interrupted by its caller must not publish")
	}
}
