package bus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meterboard/telemetry/pkg/signals"
)

func testItems(n int) []signals.DeviceTotal {
	out := make([]signals.DeviceTotal, n)
	for i := range out {
		out[i] = signals.DeviceTotal{ID: "dev", Value: decimal.NewFromInt(int64(i))}
	}
	return out
}

func TestSubscribePublish(t *testing.T) {
	t.Run("should deliver to all subscribers", func(t *testing.T) {
		b := New(Config{})
		var got1, got2 string
		b.Subscribe("sig", func(_ string, payload any) { got1 = payload.(string) })
		b.Subscribe("sig", func(_ string, payload any) { got2 = payload.(string) })

		b.Publish("sig", "hello")

		assert.Equal(t, "hello", got1)
		assert.Equal(t, "hello", got2)
	})

	t.Run("unsubscribe should stop delivery", func(t *testing.T) {
		b := New(Config{})
		calls := 0
		unsub := b.Subscribe("sig", func(string, any) { calls++ })

		b.Publish("sig", nil)
		unsub()
		b.Publish("sig", nil)

		assert.Equal(t, 1, calls)
	})
}

func TestPublishProvideDedup(t *testing.T) {
	t.Run("should drop second emission inside window", func(t *testing.T) {
		b := New(Config{DedupWindow: 100 * time.Millisecond})
		delivered := 0
		b.Subscribe(signals.SignalProvideData, func(string, any) { delivered++ })

		assert.True(t, b.PublishProvide("energy", "2024-01-01|2024-01-31", testItems(2)))
		assert.False(t, b.PublishProvide("energy", "2024-01-01|2024-01-31", testItems(2)))

		assert.Equal(t, 1, delivered)
	})

	t.Run("should allow emission after window elapses", func(t *testing.T) {
		b := New(Config{DedupWindow: 10 * time.Millisecond})
		delivered := 0
		b.Subscribe(signals.SignalProvideData, func(string, any) { delivered++ })

		b.PublishProvide("energy", "p", testItems(1))
		time.Sleep(20 * time.Millisecond)
		b.PublishProvide("energy", "p", testItems(1))

		assert.Equal(t, 2, delivered)
	})

	t.Run("different period keys are not deduplicated", func(t *testing.T) {
		b := New(Config{DedupWindow: time.Second})
		delivered := 0
		b.Subscribe(signals.SignalProvideData, func(string, any) { delivered++ })

		b.PublishProvide("energy", "p1", testItems(1))
		b.PublishProvide("energy", "p2", testItems(1))

		assert.Equal(t, 2, delivered)
	})

	t.Run("stale dedup entries are pruned on the next emission", func(t *testing.T) {
		b := New(Config{DedupWindow: 10 * time.Millisecond})

		b.PublishProvide("energy", "p1", testItems(1))
		b.PublishProvide("energy", "p2", testItems(1))
		b.PublishProvide("water", "p1", testItems(1))
		time.Sleep(20 * time.Millisecond)

		b.PublishProvide("water", "p2", testItems(1))

		b.mu.RLock()
		defer b.mu.RUnlock()
		assert.Len(t, b.lastEmit, 1, "only emissions inside the window are retained")
		assert.Contains(t, b.lastEmit, "water|p2")
	})

	t.Run("should never emit empty items", func(t *testing.T) {
		b := New(Config{})
		delivered := 0
		b.Subscribe(signals.SignalProvideData, func(string, any) { delivered++ })

		assert.False(t, b.PublishProvide("energy", "p", nil))
		assert.False(t, b.PublishProvide("energy", "p", []signals.DeviceTotal{}))
		assert.Equal(t, 0, delivered)

		_, ok := b.Latest("energy")
		assert.False(t, ok, "empty emissions must not touch the latest slot")
	})
}

func TestLatestSlotAndVersions(t *testing.T) {
	b := New(Config{DedupWindow: time.Millisecond})

	b.PublishProvide("energy", "p1", testItems(1))
	time.Sleep(5 * time.Millisecond)
	b.PublishProvide("energy", "p2", testItems(3))

	latest, ok := b.Latest("energy")
	require.True(t, ok)
	assert.Equal(t, "p2", latest.PeriodKey)
	assert.Len(t, latest.Items, 3)
	assert.Equal(t, uint64(2), latest.Version)
	assert.Equal(t, uint64(2), b.Version("energy"))

	_, ok = b.Latest("water")
	assert.False(t, ok)
}

func TestChildBuses(t *testing.T) {
	t.Run("ready child receives publishes", func(t *testing.T) {
		parent := New(Config{})
		child := New(Config{})
		parent.Attach(child)

		got := 0
		child.Subscribe("sig", func(string, any) { got++ })
		parent.Publish("sig", nil)

		assert.Equal(t, 1, got)
	})

	t.Run("not-ready child gets a delayed retry", func(t *testing.T) {
		parent := New(Config{RetryDelay: 20 * time.Millisecond})
		child := NewChild(Config{})
		parent.Attach(child)

		var got atomic.Int32
		child.Subscribe("sig", func(string, any) { got.Add(1) })

		parent.Publish("sig", nil)
		assert.Equal(t, int32(0), got.Load(), "not-ready child must not receive immediately")

		child.SetReady()
		assert.Eventually(t, func() bool { return got.Load() == 1 },
			500*time.Millisecond, 5*time.Millisecond)
	})

	t.Run("never-ready child drops the signal", func(t *testing.T) {
		parent := New(Config{RetryDelay: 10 * time.Millisecond})
		child := NewChild(Config{})
		parent.Attach(child)

		var got atomic.Int32
		child.Subscribe("sig", func(string, any) { got.Add(1) })
		parent.Publish("sig", nil)

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(0), got.Load())
	})
}

type captureTransport struct {
	mu    sync.Mutex
	envs  []*signals.Envelope
	ready bool
}

func (c *captureTransport) Deliver(env *signals.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	return nil
}

func (c *captureTransport) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func (c *captureTransport) setReady(v bool) {
	c.mu.Lock()
	c.ready = v
	c.mu.Unlock()
}

func (c *captureTransport) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envs)
}

func TestTransports(t *testing.T) {
	t.Run("ready transport receives envelopes", func(t *testing.T) {
		b := New(Config{})
		tr := &captureTransport{ready: true}
		b.AddTransport(tr)

		b.Publish("sig", signals.Notification{Message: "hi"})

		require.Equal(t, 1, tr.count())
		assert.Equal(t, "sig", tr.envs[0].Signal)
	})

	t.Run("not-ready transport gets a delayed retry", func(t *testing.T) {
		b := New(Config{RetryDelay: 20 * time.Millisecond})
		tr := &captureTransport{}
		b.AddTransport(tr)

		b.Publish("sig", nil)
		tr.setReady(true)

		assert.Eventually(t, func() bool { return tr.count() == 1 },
			500*time.Millisecond, 5*time.Millisecond)
	})
}
