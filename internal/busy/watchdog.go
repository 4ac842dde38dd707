package busy

import (
	"log/slog"
	"sync"
	"time"
)

// Watchdog is the second, independent safety net: one timer per domain
// that begins hydration. If the domain has not completed when the
// timer fires, it logs a diagnostic snapshot and force-hides the
// indicator, guarding the case where the indicator was hidden
// correctly but a consumer never received its data.
type Watchdog struct {
	mu     sync.Mutex
	timers map[string]*time.Timer

	timeout   time.Duration
	indicator *Indicator
	snapshot  func(domain string) map[string]any
	onExpire  func(domain string)
	log       *slog.Logger
}

// NewWatchdog builds a watchdog. snapshot supplies extra diagnostic
// fields (cache state for the domain); onExpire is an optional extra
// hook; both may be nil.
func NewWatchdog(timeout time.Duration, indicator *Indicator, snapshot func(domain string) map[string]any, onExpire func(domain string), log *slog.Logger) *Watchdog {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watchdog{
		timers:    make(map[string]*time.Timer),
		timeout:   timeout,
		indicator: indicator,
		snapshot:  snapshot,
		onExpire:  onExpire,
		log:       log,
	}
}

// Arm starts (or restarts) the timer for a domain.
func (w *Watchdog) Arm(domain string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.timers[domain]; ok {
		timer.Reset(w.timeout)
		return
	}
	w.timers[domain] = time.AfterFunc(w.timeout, func() { w.expired(domain) })
}

// Disarm cancels the timer for a domain; called the moment hydration
// completes normally.
func (w *Watchdog) Disarm(domain string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.timers[domain]; ok {
		timer.Stop()
		delete(w.timers, domain)
	}
}

// Armed reports whether a timer is outstanding for a domain.
func (w *Watchdog) Armed(domain string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.timers[domain]
	return ok
}

func (w *Watchdog) expired(domain string) {
	w.mu.Lock()
	delete(w.timers, domain)
	w.mu.Unlock()

	attrs := []any{"domain", domain}
	if w.indicator != nil {
		state, busyDomain, visibleFor, requests := w.indicator.Snapshot()
		attrs = append(attrs,
			"busy_state", state.String(),
			"busy_domain", busyDomain,
			"busy_visible_for", visibleFor,
			"busy_requests", requests,
		)
	}
	if w.snapshot != nil {
		for k, v := range w.snapshot(domain) {
			attrs = append(attrs, k, v)
		}
	}
	w.log.Warn("watchdog fired for stuck hydration", attrs...)

	if w.indicator != nil {
		w.indicator.Hide()
	}
	if w.onExpire != nil {
		w.onExpire(domain)
	}
}

// Close cancels all timers.
func (w *Watchdog) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for domain, timer := range w.timers {
		timer.Stop()
		delete(w.timers, domain)
	}
}
