package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meterboard/telemetry/internal/cache"
	"github.com/meterboard/telemetry/internal/credentials"
	"github.com/meterboard/telemetry/internal/telemetry"
	"github.com/meterboard/telemetry/internal/widgets"
	"github.com/meterboard/telemetry/pkg/bus"
	"github.com/meterboard/telemetry/pkg/signals"
)

type fakeFetcher struct {
	mu        sync.Mutex
	calls     int32
	fn        func(ctx context.Context, domain telemetry.Domain, period telemetry.Period) ([]telemetry.DeviceTotal, error)
	cancelled []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, domain telemetry.Domain, period telemetry.Period) ([]telemetry.DeviceTotal, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.fn != nil {
		return f.fn(ctx, domain, period)
	}
	return testItems(2), nil
}

func (f *fakeFetcher) CancelKey(key string) {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, key)
	f.mu.Unlock()
}

func (f *fakeFetcher) CancelDomain(domain telemetry.Domain) {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, string(domain)+"|*")
	f.mu.Unlock()
}

func (f *fakeFetcher) callCount() int32 { return atomic.LoadInt32(&f.calls) }

func (f *fakeFetcher) cancelledKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.cancelled))
	copy(out, f.cancelled)
	return out
}

func testItems(n int) []telemetry.DeviceTotal {
	out := make([]telemetry.DeviceTotal, n)
	for i := range out {
		out[i] = telemetry.DeviceTotal{
			ID:    "dev",
			Label: "Device",
			Value: decimal.NewFromInt(int64(i + 1)),
		}
	}
	return out
}

func testPeriod(t *testing.T) telemetry.Period {
	t.Helper()
	p, err := telemetry.NewPeriod("2024-01-01", "2024-01-31")
	require.NoError(t, err)
	return p
}

type fixture struct {
	orch    *Orchestrator
	store   *cache.Store
	bus     *bus.Bus
	fetcher *fakeFetcher
	gate    *credentials.Gate
}

func newFixture(t *testing.T, cfg Config, fetcher *fakeFetcher) *fixture {
	t.Helper()
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = time.Minute
	}
	if cfg.WatchdogTimeout == 0 {
		cfg.WatchdogTimeout = time.Minute
	}
	store := cache.NewStore(cache.Config{TTL: time.Minute}, nil)
	b := bus.New(bus.Config{DedupWindow: time.Millisecond})
	gate := credentials.NewGate(time.Second)
	gate.Set("42", "id", "secret")

	orch := New(cfg, store, fetcher, b, widgets.NewRegistry(), nil, gate, nil)
	t.Cleanup(orch.Close)
	return &fixture{orch: orch, store: store, bus: b, fetcher: fetcher, gate: gate}
}

func TestFreshCacheHit(t *testing.T) {
	t.Run("fresh entry short-circuits with zero network calls", func(t *testing.T) {
		fetcher := &fakeFetcher{}
		f := newFixture(t, Config{}, fetcher)
		period := testPeriod(t)
		key := telemetry.CacheKey(telemetry.DomainWater, period)

		f.store.Write(context.Background(), key, testItems(3))

		provided := 0
		f.bus.Subscribe(signals.SignalProvideData, func(string, any) { provided++ })

		items, err := f.orch.RequestData(context.Background(), telemetry.DomainWater, period, "water-card")
		require.NoError(t, err)
		assert.Len(t, items, 3)
		assert.Equal(t, int32(0), fetcher.callCount())
		assert.Equal(t, 1, provided, "fresh hits republish immediately")
		assert.InDelta(t, 1.0, f.orch.Metrics().HitRatio(), 0.001)
	})
}

func TestHydration(t *testing.T) {
	t.Run("miss fetches, caches and publishes", func(t *testing.T) {
		fetcher := &fakeFetcher{}
		f := newFixture(t, Config{}, fetcher)
		period := testPeriod(t)

		var hydrated *signals.CacheHydrated
		f.bus.Subscribe(signals.SignalCacheHydrated, func(_ string, payload any) {
			hydrated = payload.(*signals.CacheHydrated)
		})

		items, err := f.orch.RequestData(context.Background(), telemetry.DomainEnergy, period, "energy-card")
		require.NoError(t, err)
		assert.Len(t, items, 2)
		assert.Equal(t, int32(1), fetcher.callCount())

		require.NotNil(t, hydrated)
		assert.Equal(t, "energy", hydrated.Domain)
		assert.Equal(t, 2, hydrated.Count)

		entry, ok := f.store.Read(context.Background(), telemetry.CacheKey(telemetry.DomainEnergy, period))
		require.True(t, ok)
		assert.Len(t, entry.Items, 2)

		latest, ok := f.bus.Latest("energy")
		require.True(t, ok)
		assert.Equal(t, uint64(1), latest.Version)
	})

	t.Run("empty result is not cached and not published", func(t *testing.T) {
		fetcher := &fakeFetcher{fn: func(context.Context, telemetry.Domain, telemetry.Period) ([]telemetry.DeviceTotal, error) {
			return []telemetry.DeviceTotal{}, nil
		}}
		f := newFixture(t, Config{}, fetcher)

		provided := 0
		f.bus.Subscribe(signals.SignalProvideData, func(string, any) { provided++ })

		items, err := f.orch.HydrateDomain(context.Background(), telemetry.DomainEnergy, testPeriod(t))
		require.NoError(t, err)
		assert.Empty(t, items)
		assert.Equal(t, 0, f.store.Len(), "store size must be unchanged")
		assert.Equal(t, 0, provided, "no provide-data signal may fire")
	})

	t.Run("fetch error emits error signal and leaves stale cache available", func(t *testing.T) {
		fail := errors.New("boom")
		fetcher := &fakeFetcher{fn: func(context.Context, telemetry.Domain, telemetry.Period) ([]telemetry.DeviceTotal, error) {
			return nil, fail
		}}
		f := newFixture(t, Config{}, fetcher)
		period := testPeriod(t)

		var errSig *signals.Error
		f.bus.Subscribe(signals.SignalError, func(_ string, payload any) {
			errSig = payload.(*signals.Error)
		})

		_, err := f.orch.HydrateDomain(context.Background(), telemetry.DomainEnergy, period)
		assert.ErrorIs(t, err, fail)
		require.NotNil(t, errSig)
		assert.Equal(t, "energy", errSig.Domain)
		assert.Equal(t, "transient", errSig.Code)
	})

	t.Run("credential errors carry the config code", func(t *testing.T) {
		fetcher := &fakeFetcher{fn: func(context.Context, telemetry.Domain, telemetry.Period) ([]telemetry.DeviceTotal, error) {
			return nil, credentials.ErrNotConfigured
		}}
		f := newFixture(t, Config{}, fetcher)

		var errSig *signals.Error
		f.bus.Subscribe(signals.SignalError, func(_ string, payload any) {
			errSig = payload.(*signals.Error)
		})

		_, err := f.orch.HydrateDomain(context.Background(), telemetry.DomainEnergy, testPeriod(t))
		assert.ErrorIs(t, err, credentials.ErrNotConfigured)
		require.NotNil(t, errSig)
		assert.Equal(t, "config", errSig.Code)
	})
}

func TestAtMostOneInFlight(t *testing.T) {
	release := make(chan struct{})
	fetcher := &fakeFetcher{fn: func(ctx context.Context, _ telemetry.Domain, _ telemetry.Period) ([]telemetry.DeviceTotal, error) {
		<-release
		return testItems(2), nil
	}}
	f := newFixture(t, Config{}, fetcher)
	period := testPeriod(t)

	var wg sync.WaitGroup
	results := make(chan int, 5)

	wg.Add(1)
	go func() {
		defer wg.Done()
		items, err := f.orch.RequestData(context.Background(), telemetry.DomainEnergy, period, "w0")
		require.NoError(t, err)
		results <- len(items)
	}()

	// Wait until the first request is mid-hydration, then pile on.
	require.Eventually(t, func() bool {
		f.orch.mu.Lock()
		defer f.orch.mu.Unlock()
		return len(f.orch.hydrating) == 1
	}, time.Second, time.Millisecond)

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			items, err := f.orch.RequestData(context.Background(), telemetry.DomainEnergy, period, "")
			require.NoError(t, err)
			results <- len(items)
		}()
	}

	// Give the stragglers time to enqueue as pending listeners.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	count := 0
	for n := range results {
		assert.Equal(t, 2, n, "all callers resolve to the same result")
		count++
	}
	assert.Equal(t, 5, count)
	assert.Equal(t, int32(1), fetcher.callCount(), "at most one fetch per key")
}

func TestPendingListenersResolvePerPeriod(t *testing.T) {
	p1 := testPeriod(t)
	p2, err := telemetry.NewPeriod("2024-02-01", "2024-02-29")
	require.NoError(t, err)

	releaseJan := make(chan struct{})
	fetcher := &fakeFetcher{fn: func(_ context.Context, _ telemetry.Domain, period telemetry.Period) ([]telemetry.DeviceTotal, error) {
		if period.Key() == p1.Key() {
			<-releaseJan
			return testItems(1), nil
		}
		return testItems(3), nil
	}}
	f := newFixture(t, Config{}, fetcher)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		items, err := f.orch.HydrateDomain(context.Background(), telemetry.DomainEnergy, p1)
		require.NoError(t, err)
		assert.Len(t, items, 1)
	}()

	// January holds the hydration lock mid-fetch.
	require.Eventually(t, func() bool { return fetcher.callCount() == 1 },
		time.Second, time.Millisecond)

	// February's cycle marks itself in flight and blocks on the lock.
	wg.Add(1)
	go func() {
		defer wg.Done()
		items, err := f.orch.HydrateDomain(context.Background(), telemetry.DomainEnergy, p2)
		require.NoError(t, err)
		assert.Len(t, items, 3)
	}()
	febKey := telemetry.CacheKey(telemetry.DomainEnergy, p2)
	require.Eventually(t, func() bool {
		f.orch.mu.Lock()
		defer f.orch.mu.Unlock()
		return f.orch.hydrating[telemetry.DomainEnergy] == febKey
	}, time.Second, time.Millisecond)

	// A caller for February joins that cycle as a pending listener.
	febLens := make(chan int, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		items, err := f.orch.RequestData(context.Background(), telemetry.DomainEnergy, p2, "")
		require.NoError(t, err)
		febLens <- len(items)
	}()
	require.Eventually(t, func() bool {
		return f.orch.registry.PendingCount(febKey) == 1
	}, time.Second, time.Millisecond)

	// January finishing with its 1-item result must not resolve the
	// February listener; only February's own cycle may.
	close(releaseJan)
	wg.Wait()
	assert.Equal(t, 3, <-febLens, "listener receives its own period's result")
	assert.Equal(t, int32(2), fetcher.callCount())
}

func TestMutexExclusivity(t *testing.T) {
	var order []string
	var mu sync.Mutex
	releaseA := make(chan struct{})

	fetcher := &fakeFetcher{fn: func(_ context.Context, domain telemetry.Domain, _ telemetry.Period) ([]telemetry.DeviceTotal, error) {
		mu.Lock()
		order = append(order, "start:"+string(domain))
		mu.Unlock()
		if domain == telemetry.DomainEnergy {
			<-releaseA
		}
		mu.Lock()
		order = append(order, "end:"+string(domain))
		mu.Unlock()
		return testItems(1), nil
	}}
	f := newFixture(t, Config{}, fetcher)
	period := testPeriod(t)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := f.orch.HydrateDomain(context.Background(), telemetry.DomainEnergy, period)
		require.NoError(t, err)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 1
	}, time.Second, time.Millisecond)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := f.orch.HydrateDomain(context.Background(), telemetry.DomainWater, period)
		require.NoError(t, err)
	}()

	// Water must not start fetching while energy holds the lock.
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"start:energy"}, order)
	mu.Unlock()

	close(releaseA)
	wg.Wait()

	mu.Lock()
	assert.Equal(t, []string{"start:energy", "end:energy", "start:water", "end:water"}, order)
	mu.Unlock()
}

func TestBusyTimeoutRecovery(t *testing.T) {
	release := make(chan struct{})
	fetcher := &fakeFetcher{fn: func(ctx context.Context, _ telemetry.Domain, _ telemetry.Period) ([]telemetry.DeviceTotal, error) {
		select {
		case <-release:
			return testItems(1), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	f := newFixture(t, Config{BusyTimeout: 40 * time.Millisecond}, fetcher)
	period := testPeriod(t)
	f.store.Write(context.Background(), telemetry.CacheKey(telemetry.DomainEnergy, period), testItems(1))
	// Distinct period so the stuck cycle does not hit the seeded entry.
	stuck, err := telemetry.NewPeriod("2024-02-01", "2024-02-29")
	require.NoError(t, err)

	var recoveries atomic.Int32
	var notifications atomic.Int32
	f.bus.Subscribe(signals.SignalBusyRecovery, func(string, any) { recoveries.Add(1) })
	f.bus.Subscribe(signals.SignalNotification, func(string, any) { notifications.Add(1) })

	go f.orch.HydrateDomain(context.Background(), telemetry.DomainEnergy, stuck)

	require.Eventually(t, func() bool { return recoveries.Load() == 1 },
		time.Second, 5*time.Millisecond)
	assert.False(t, f.orch.Busy().Visible(), "busy indicator must hide on recovery")
	assert.Equal(t, int32(1), notifications.Load(), "recovery notification shown exactly once")

	// Recovery invalidates the stuck domain's cache.
	_, ok := f.store.Read(context.Background(), telemetry.CacheKey(telemetry.DomainEnergy, period))
	assert.False(t, ok)
	assert.Equal(t, int64(1), f.orch.Metrics().Snapshot().Recoveries)

	close(release)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), recoveries.Load(), "recovery fires exactly once")
}

func TestBusyPairing(t *testing.T) {
	fetcher := &fakeFetcher{}
	f := newFixture(t, Config{}, fetcher)

	_, err := f.orch.HydrateDomain(context.Background(), telemetry.DomainEnergy, testPeriod(t))
	require.NoError(t, err)

	assert.False(t, f.orch.Busy().Visible(), "every show must be matched by a hide")
	assert.Equal(t, int64(1), f.orch.Busy().RequestCount())
}

func TestUpdatePeriod(t *testing.T) {
	fetcher := &fakeFetcher{}
	f := newFixture(t, Config{}, fetcher)
	ctx := context.Background()

	p1 := testPeriod(t)
	p2, err := telemetry.NewPeriod("2024-02-01", "2024-02-29")
	require.NoError(t, err)

	f.orch.UpdatePeriod(ctx, p1)
	f.store.Write(ctx, telemetry.CacheKey(telemetry.DomainEnergy, p1), testItems(1))
	f.store.Write(ctx, telemetry.CacheKey(telemetry.DomainWater, p2), testItems(1))

	f.orch.UpdatePeriod(ctx, p2)

	_, ok := f.store.Read(ctx, telemetry.CacheKey(telemetry.DomainEnergy, p1))
	assert.False(t, ok, "previous period's keys are invalidated")
	_, ok = f.store.Read(ctx, telemetry.CacheKey(telemetry.DomainWater, p2))
	assert.True(t, ok, "other periods are untouched")
	assert.Contains(t, fetcher.cancelledKeys(), telemetry.CacheKey(telemetry.DomainEnergy, p1))
}

func TestClear(t *testing.T) {
	fetcher := &fakeFetcher{}
	f := newFixture(t, Config{}, fetcher)
	ctx := context.Background()
	period := testPeriod(t)

	f.store.Write(ctx, telemetry.CacheKey(telemetry.DomainEnergy, period), testItems(1))
	f.orch.Clear(ctx, telemetry.DomainEnergy)

	_, ok := f.store.Read(ctx, telemetry.CacheKey(telemetry.DomainEnergy, period))
	assert.False(t, ok)
	assert.Contains(t, fetcher.cancelledKeys(), "energy|*")
}

func TestInboundSignals(t *testing.T) {
	t.Run("request-data over the bus triggers hydration", func(t *testing.T) {
		fetcher := &fakeFetcher{}
		f := newFixture(t, Config{}, fetcher)
		f.orch.Start(context.Background())

		var provided atomic.Int32
		f.bus.Subscribe(signals.SignalProvideData, func(string, any) { provided.Add(1) })

		f.bus.Publish(signals.SignalRequestData, &signals.RequestData{
			Domain:   "energy",
			Start:    "2024-01-01",
			End:      "2024-01-31",
			WidgetID: "energy-card",
		})

		require.Eventually(t, func() bool { return provided.Load() == 1 },
			time.Second, 5*time.Millisecond)
		assert.Equal(t, int32(1), fetcher.callCount())
	})

	t.Run("ready signal is published on start", func(t *testing.T) {
		fetcher := &fakeFetcher{}
		f := newFixture(t, Config{}, fetcher)

		ready := 0
		f.bus.Subscribe(signals.SignalReady, func(string, any) { ready++ })
		f.orch.Start(context.Background())

		assert.Equal(t, 1, ready)
	})

	t.Run("clear signal clears the domain", func(t *testing.T) {
		fetcher := &fakeFetcher{}
		f := newFixture(t, Config{}, fetcher)
		f.orch.Start(context.Background())
		ctx := context.Background()
		period := testPeriod(t)

		f.store.Write(ctx, telemetry.CacheKey(telemetry.DomainWater, period), testItems(1))
		f.bus.Publish(signals.SignalClear, &signals.Clear{Domain: "water"})

		_, ok := f.store.Read(ctx, telemetry.CacheKey(telemetry.DomainWater, period))
		assert.False(t, ok)
	})
}

func TestSemaphoreLocker(t *testing.T) {
	t.Run("admits one holder", func(t *testing.T) {
		lock := NewSemaphoreLocker()
		require.NoError(t, lock.Acquire(context.Background()))
		assert.False(t, lock.TryAcquire())

		lock.Release()
		assert.True(t, lock.TryAcquire())
		lock.Release()
	})

	t.Run("acquire respects context cancellation", func(t *testing.T) {
		lock := NewSemaphoreLocker()
		require.NoError(t, lock.Acquire(context.Background()))
		defer lock.Release()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		assert.Error(t, lock.Acquire(ctx))
	})
}
