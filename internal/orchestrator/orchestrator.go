// Package orchestrator coordinates hydration: cache reads, request
// coalescing, the hydration lock, the busy indicator, and result
// fan-out over the bus.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/meterboard/telemetry/internal/busy"
	"github.com/meterboard/telemetry/internal/cache"
	"github.com/meterboard/telemetry/internal/credentials"
	"github.com/meterboard/telemetry/internal/metrics"
	"github.com/meterboard/telemetry/internal/telemetry"
	"github.com/meterboard/telemetry/internal/widgets"
	"github.com/meterboard/telemetry/pkg/bus"
	"github.com/meterboard/telemetry/pkg/signals"
)

// Fetcher performs the remote call for one domain/period.
type Fetcher interface {
	Fetch(ctx context.Context, domain telemetry.Domain, period telemetry.Period) ([]telemetry.DeviceTotal, error)
	CancelKey(key string)
	CancelDomain(domain telemetry.Domain)
}

// Config holds orchestrator tuning.
type Config struct {
	BusyTimeout     time.Duration
	WatchdogTimeout time.Duration
	SweepInterval   time.Duration
	Logger          *slog.Logger
}

// Orchestrator is the process-wide coordinator. All shared state lives
// on this object; multiple isolated instances can coexist (tests).
type Orchestrator struct {
	store    *cache.Store
	fetcher  Fetcher
	lock     Locker
	bus      *bus.Bus
	registry *widgets.Registry
	recorder *metrics.Recorder
	gate     *credentials.Gate

	indicator *busy.Indicator
	watchdog  *busy.Watchdog

	flights singleflight.Group

	mu           sync.Mutex
	hydrating    map[telemetry.Domain]string // domain -> in-flight cache key
	activeDomain telemetry.Domain
	period       telemetry.Period
	periodSet    bool

	log      *slog.Logger
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
	sweep    time.Duration
	unsubs   []func()
	closed   bool
}

// New assembles an orchestrator. lock may be nil (defaults to the
// in-process semaphore lock).
func New(cfg Config, store *cache.Store, fetcher Fetcher, b *bus.Bus, registry *widgets.Registry, recorder *metrics.Recorder, gate *credentials.Gate, lock Locker) *Orchestrator {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if lock == nil {
		lock = NewSemaphoreLocker()
	}
	if registry == nil {
		registry = widgets.NewRegistry()
	}
	if recorder == nil {
		recorder = metrics.NewRecorder()
	}

	o := &Orchestrator{
		store:     store,
		fetcher:   fetcher,
		lock:      lock,
		bus:       b,
		registry:  registry,
		recorder:  recorder,
		gate:      gate,
		hydrating: make(map[telemetry.Domain]string),
		log:       log,
		sweep:     cfg.SweepInterval,
	}

	o.indicator = busy.NewIndicator(busy.Config{
		Timeout:    cfg.BusyTimeout,
		OnRecovery: o.recoverStuckDomain,
		Logger:     log,
	})
	o.watchdog = busy.NewWatchdog(cfg.WatchdogTimeout, o.indicator, o.watchdogSnapshot, nil, log)
	return o
}

// Start subscribes to inbound signals, starts background loops, warms
// the cache from the mirror, and announces readiness.
func (o *Orchestrator) Start(ctx context.Context) {
	bgCtx, cancel := context.WithCancel(context.Background())
	o.bgCancel = cancel

	o.store.WarmFrom(ctx)

	o.bgWG.Add(1)
	go func() {
		defer o.bgWG.Done()
		o.store.RunSweeper(bgCtx, o.sweep)
	}()

	o.subscribeInbound()
	o.bus.Publish(signals.SignalReady, &signals.Ready{Timestamp: time.Now()})
	o.log.Info("orchestrator ready")
}

// Close tears the orchestrator down: handlers removed, timers cleared,
// background loops stopped.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	unsubs := o.unsubs
	o.unsubs = nil
	o.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if o.bgCancel != nil {
		o.bgCancel()
	}
	o.bgWG.Wait()
	o.watchdog.Close()
	o.indicator.Close()
}

// SetCredentials releases the credential gate.
func (o *Orchestrator) SetCredentials(customerID, clientID, clientSecret string) {
	o.gate.Set(customerID, clientID, clientSecret)
}

// RegisterWidget records a consumer widget.
func (o *Orchestrator) RegisterWidget(widgetID string, domain telemetry.Domain) widgets.Registration {
	return o.registry.Register(widgetID, domain)
}

// Busy exposes the indicator for UI layers.
func (o *Orchestrator) Busy() *busy.Indicator { return o.indicator }

// Metrics exposes the recorder.
func (o *Orchestrator) Metrics() *metrics.Recorder { return o.recorder }

// RequestData serves a consumer request: fresh cache hit republishes
// immediately without the lock; a request for a key already being
// hydrated queues a pending listener; otherwise a full hydration cycle
// runs. Every caller receives exactly one result per cycle.
func (o *Orchestrator) RequestData(ctx context.Context, domain telemetry.Domain, period telemetry.Period, widgetID string) ([]telemetry.DeviceTotal, error) {
	if widgetID != "" {
		o.registry.Register(widgetID, domain)
	}

	key := telemetry.CacheKey(domain, period)
	if entry, ok := o.store.Read(ctx, key); ok {
		o.recorder.Hit()
		o.bus.PublishProvide(string(domain), period.Key(), telemetry.ToSignal(entry.Items))
		return entry.Items, nil
	}
	o.recorder.Miss()

	if done, ok := o.joinInFlight(ctx, domain, key); ok {
		select {
		case res := <-done:
			return res.items, res.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return o.HydrateDomain(ctx, domain, period)
}

type listenerResult struct {
	items []telemetry.DeviceTotal
	err   error
}

// joinInFlight queues a pending listener when the key is already being
// hydrated, so no second fetch starts.
func (o *Orchestrator) joinInFlight(ctx context.Context, domain telemetry.Domain, key string) (<-chan listenerResult, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if current, ok := o.hydrating[domain]; !ok || current != key {
		return nil, false
	}

	done := make(chan listenerResult, 1)
	o.registry.Enqueue(key, func(items []telemetry.DeviceTotal, err error) {
		done <- listenerResult{items: items, err: err}
	})
	return done, true
}

// HydrateDomain runs one full hydration cycle: lock, busy, watchdog,
// coalesced fetch, cache write, fan-out, pending-listener drain.
func (o *Orchestrator) HydrateDomain(ctx context.Context, domain telemetry.Domain, period telemetry.Period) ([]telemetry.DeviceTotal, error) {
	key := telemetry.CacheKey(domain, period)

	o.mu.Lock()
	o.hydrating[domain] = key
	o.mu.Unlock()

	if err := o.lock.Acquire(ctx); err != nil {
		o.finishHydration(domain, key, nil, err)
		return nil, fmt.Errorf("acquire hydration lock: %w", err)
	}
	defer o.lock.Release()

	// A competing cycle may have filled the cache while we waited.
	if entry, ok := o.store.Read(ctx, key); ok {
		o.recorder.Hit()
		o.finishHydration(domain, key, entry.Items, nil)
		return entry.Items, nil
	}

	o.indicator.Show(string(domain), "Loading "+string(domain)+" data")
	o.watchdog.Arm(string(domain))
	defer func() {
		o.watchdog.Disarm(string(domain))
		o.indicator.Hide()
	}()

	start := time.Now()
	result, err, _ := o.flights.Do(key, func() (interface{}, error) {
		return o.fetcher.Fetch(ctx, domain, period)
	})
	if err != nil {
		o.recorder.Error()
		o.log.Error("hydration failed", "domain", domain, "period", period.Key(), "error", err)
		o.bus.Publish(signals.SignalError, &signals.Error{
			Domain: string(domain),
			Error:  err.Error(),
			Code:   errorCode(err),
		})
		o.finishHydration(domain, key, nil, err)
		return nil, err
	}
	items := result.([]telemetry.DeviceTotal)
	o.recorder.Fetch(string(domain), time.Since(start))

	// Empty results are "no data yet": never cached, never published,
	// so they cannot overwrite a previously good value on screen.
	o.store.Write(ctx, key, items)
	if len(items) > 0 {
		o.bus.Publish(signals.SignalCacheHydrated, &signals.CacheHydrated{
			Domain:    string(domain),
			PeriodKey: period.Key(),
			Count:     len(items),
		})
		o.bus.PublishProvide(string(domain), period.Key(), telemetry.ToSignal(items))
	}

	o.finishHydration(domain, key, items, nil)
	o.log.Info("hydrated domain", "domain", domain, "period", period.Key(),
		"items", len(items), "took", time.Since(start))
	return items, nil
}

// finishHydration clears the in-flight mark and drains the pending
// listeners queued for this cache key with the final result. Draining
// by key keeps listeners for a newer period of the same domain intact
// until their own cycle settles.
func (o *Orchestrator) finishHydration(domain telemetry.Domain, key string, items []telemetry.DeviceTotal, err error) {
	o.mu.Lock()
	if current, ok := o.hydrating[domain]; ok && current == key {
		delete(o.hydrating, domain)
	}
	o.mu.Unlock()

	o.registry.Drain(key, items, err)
}

// UpdatePeriod installs a new global period, invalidating only the
// cache keys of the previous one and aborting their in-flight fetches.
func (o *Orchestrator) UpdatePeriod(ctx context.Context, period telemetry.Period) {
	o.mu.Lock()
	previous := o.period
	hadPeriod := o.periodSet
	o.period = period
	o.periodSet = true
	o.mu.Unlock()

	if !hadPeriod || previous.Key() == period.Key() {
		return
	}
	for _, domain := range o.knownDomains() {
		key := telemetry.CacheKey(domain, previous)
		o.fetcher.CancelKey(key)
		o.store.Invalidate(ctx, key)
	}
	o.log.Info("period updated", "from", previous.Key(), "to", period.Key())
}

// Period returns the current global period, if one was set.
func (o *Orchestrator) Period() (telemetry.Period, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.period, o.periodSet
}

// SetActiveDomain records the active dashboard tab.
func (o *Orchestrator) SetActiveDomain(domain telemetry.Domain) {
	o.mu.Lock()
	o.activeDomain = domain
	o.mu.Unlock()
}

// ActiveDomain returns the active dashboard tab.
func (o *Orchestrator) ActiveDomain() telemetry.Domain {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.activeDomain
}

// Clear force-clears cached state for a domain and aborts any
// in-flight fetch for it.
func (o *Orchestrator) Clear(ctx context.Context, domain telemetry.Domain) {
	o.fetcher.CancelDomain(domain)
	o.store.InvalidateDomain(ctx, domain)
	o.log.Info("cleared domain", "domain", domain)
}

// recoverStuckDomain is the busy timeout's circuit-breaker recovery:
// invalidate the stuck domain, notify, count.
func (o *Orchestrator) recoverStuckDomain(rec busy.Recovery) {
	domain := telemetry.Domain(rec.Domain)
	o.fetcher.CancelDomain(domain)
	o.store.InvalidateDomain(context.Background(), domain)
	o.recorder.Recovery()

	o.bus.Publish(signals.SignalBusyRecovery, &signals.BusyRecovery{
		Domain:   rec.Domain,
		Duration: rec.Duration,
	})
	o.bus.Publish(signals.SignalNotification, &signals.Notification{
		Message: "Data reloaded automatically",
		Level:   "info",
	})
}

func (o *Orchestrator) watchdogSnapshot(domain string) map[string]any {
	keys := 0
	prefix := domain + "|"
	for _, k := range o.store.Keys() {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys++
		}
	}
	return map[string]any{
		"cache_entries_for_domain": keys,
		"cache_entries_total":      o.store.Len(),
	}
}

// knownDomains returns every domain with a registration, an in-flight
// cycle, or a cache entry.
func (o *Orchestrator) knownDomains() []telemetry.Domain {
	seen := map[telemetry.Domain]bool{
		telemetry.DomainEnergy: true,
		telemetry.DomainWater:  true,
	}
	o.mu.Lock()
	for d := range o.hydrating {
		seen[d] = true
	}
	o.mu.Unlock()
	for _, k := range o.store.Keys() {
		for i := 0; i < len(k); i++ {
			if k[i] == '|' {
				seen[telemetry.Domain(k[:i])] = true
				break
			}
		}
	}

	out := make([]telemetry.Domain, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	return out
}

func errorCode(err error) string {
	switch {
	case isCredentialError(err):
		return "config"
	default:
		return "transient"
	}
}

func isCredentialError(err error) bool {
	for _, sentinel := range []error{
		credentials.ErrNotConfigured,
		credentials.ErrMissingCustomerID,
		credentials.ErrMissingClientID,
		credentials.ErrMissingSecret,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
