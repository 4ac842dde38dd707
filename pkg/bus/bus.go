// Package bus is the deduplicated publish/subscribe fabric hydration
// results and lifecycle notifications travel on. Delivery is
// transport-agnostic: the in-process path is built in, and anything
// else (NATS subjects, WebSocket clients, embedded sub-contexts) plugs
// in as a Transport.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meterboard/telemetry/pkg/signals"
)

// Handler receives a locally published signal.
type Handler func(signal string, payload any)

// Transport delivers envelopes beyond the current process context.
type Transport interface {
	// Deliver sends one envelope. Implementations must not block on
	// slow consumers.
	Deliver(env *signals.Envelope) error
	// Ready reports whether the transport can accept deliveries yet.
	// Not-ready transports get one retry after a short delay.
	Ready() bool
}

// Config holds bus tuning.
type Config struct {
	// DedupWindow suppresses a second provide-data emission for the
	// same (domain, periodKey) within this window.
	DedupWindow time.Duration
	// RetryDelay is the wait before re-attempting delivery to a
	// transport that reported not ready.
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// Bus fans signals out to subscribers, transports, and attached child
// buses (embedded sub-contexts).
type Bus struct {
	mu         sync.RWMutex
	subs       map[string]map[uuid.UUID]Handler
	transports []Transport
	children   []*Bus

	lastEmit map[string]time.Time
	latest   map[string]*signals.ProvideData
	versions map[string]uint64

	dedupWindow time.Duration
	retryDelay  time.Duration
	ready       bool
	log         *slog.Logger
}

// New builds a bus. A fresh bus is ready; child buses representing
// still-loading sub-contexts start not ready (see NewChild).
func New(cfg Config) *Bus {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	window := cfg.DedupWindow
	if window <= 0 {
		window = 100 * time.Millisecond
	}
	retry := cfg.RetryDelay
	if retry <= 0 {
		retry = 250 * time.Millisecond
	}
	return &Bus{
		subs:        make(map[string]map[uuid.UUID]Handler),
		lastEmit:    make(map[string]time.Time),
		latest:      make(map[string]*signals.ProvideData),
		versions:    make(map[string]uint64),
		dedupWindow: window,
		retryDelay:  retry,
		ready:       true,
		log:         log,
	}
}

// NewChild builds a not-yet-ready bus modeling an embedded sub-context
// that is still loading. Deliveries to it are retried until SetReady.
func NewChild(cfg Config) *Bus {
	b := New(cfg)
	b.mu.Lock()
	b.ready = false
	b.mu.Unlock()
	return b
}

// SetReady marks the bus able to receive parent deliveries.
func (b *Bus) SetReady() {
	b.mu.Lock()
	b.ready = true
	b.mu.Unlock()
}

// Ready reports whether the bus accepts deliveries.
func (b *Bus) Ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ready
}

// Subscribe registers a handler for a signal and returns its
// unsubscribe function.
func (b *Bus) Subscribe(signal string, fn Handler) func() {
	id := uuid.New()

	b.mu.Lock()
	if b.subs[signal] == nil {
		b.subs[signal] = make(map[uuid.UUID]Handler)
	}
	b.subs[signal][id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs[signal], id)
		if len(b.subs[signal]) == 0 {
			delete(b.subs, signal)
		}
		b.mu.Unlock()
	}
}

// AddTransport registers an outbound transport.
func (b *Bus) AddTransport(t Transport) {
	b.mu.Lock()
	b.transports = append(b.transports, t)
	b.mu.Unlock()
}

// Attach links a child bus. Every publish on this bus is replayed on
// the child; not-ready children get one delayed retry per signal.
func (b *Bus) Attach(child *Bus) {
	b.mu.Lock()
	b.children = append(b.children, child)
	b.mu.Unlock()
}

// Publish delivers a signal to local subscribers, transports, and
// children, in that order. Local delivery is synchronous so a single
// publisher observes in-order handling.
func (b *Bus) Publish(signal string, payload any) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[signal]))
	for _, fn := range b.subs[signal] {
		handlers = append(handlers, fn)
	}
	transports := make([]Transport, len(b.transports))
	copy(transports, b.transports)
	children := make([]*Bus, len(b.children))
	copy(children, b.children)
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(signal, payload)
	}

	if len(transports) > 0 || len(children) > 0 {
		env, err := signals.NewEnvelope(signal, payload)
		if err != nil {
			b.log.Warn("bus envelope encode failed", "signal", signal, "error", err)
			return
		}
		for _, t := range transports {
			b.deliver(t, env)
		}
		for _, child := range children {
			b.deliverChild(child, signal, payload)
		}
	}
}

func (b *Bus) deliver(t Transport, env *signals.Envelope) {
	if !t.Ready() {
		time.AfterFunc(b.retryDelay, func() {
			if !t.Ready() {
				b.log.Warn("dropping signal for transport that never became ready",
					"signal", env.Signal)
				return
			}
			if err := t.Deliver(env); err != nil {
				b.log.Warn("transport delivery failed on retry", "signal", env.Signal, "error", err)
			}
		})
		return
	}
	if err := t.Deliver(env); err != nil {
		b.log.Warn("transport delivery failed", "signal", env.Signal, "error", err)
	}
}

func (b *Bus) deliverChild(child *Bus, signal string, payload any) {
	if !child.Ready() {
		time.AfterFunc(b.retryDelay, func() {
			if !child.Ready() {
				b.log.Warn("dropping signal for sub-context that never became ready",
					"signal", signal)
				return
			}
			child.Publish(signal, payload)
		})
		return
	}
	child.Publish(signal, payload)
}

// PublishProvide emits a provide-data signal. Empty item sets are
// never emitted, a second emission for the same (domain, periodKey)
// inside the dedup window is dropped, and the payload is stored in the
// per-domain latest slot before delivery so late consumers can read it
// without waiting for a new signal. Returns whether delivery happened.
func (b *Bus) PublishProvide(domain, periodKey string, items []signals.DeviceTotal) bool {
	if len(items) == 0 {
		b.log.Debug("suppressing provide-data emission with no items",
			"domain", domain, "period", periodKey)
		return false
	}

	dedupKey := domain + "|" + periodKey
	now := time.Now()

	b.mu.Lock()
	if last, ok := b.lastEmit[dedupKey]; ok && now.Sub(last) < b.dedupWindow {
		b.mu.Unlock()
		b.log.Debug("deduplicated provide-data emission", "domain", domain, "period", periodKey)
		return false
	}
	// Entries outside the window can never suppress anything again;
	// prune them so the map stays bounded by recent emissions.
	for k, at := range b.lastEmit {
		if now.Sub(at) >= b.dedupWindow {
			delete(b.lastEmit, k)
		}
	}
	b.lastEmit[dedupKey] = now
	b.versions[domain]++
	payload := &signals.ProvideData{
		Domain:    domain,
		PeriodKey: periodKey,
		Items:     items,
		Version:   b.versions[domain],
	}
	b.latest[domain] = payload
	b.mu.Unlock()

	b.Publish(signals.SignalProvideData, payload)
	return true
}

// Latest returns the most recently provided payload for a domain, if
// any. Serves late-arriving consumers.
func (b *Bus) Latest(domain string) (*signals.ProvideData, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pd, ok := b.latest[domain]
	return pd, ok
}

// Version returns the current provide-data version for a domain.
func (b *Bus) Version(domain string) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.versions[domain]
}
