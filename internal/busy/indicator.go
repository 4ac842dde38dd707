// Package busy models the dashboard's global loading indicator as a
// state machine with a bounded timeout and an automatic recovery path,
// plus an independent per-domain watchdog.
package busy

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// State is the indicator state.
type State int32

const (
	StateIdle State = iota
	StateShowing
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateShowing:
		return "showing"
	case StateTimedOut:
		return "timed-out"
	default:
		return "unknown"
	}
}

// Recovery describes one forced recovery after the busy timeout fired.
type Recovery struct {
	Domain   string
	Message  string
	Duration time.Duration
}

// Config holds indicator tuning.
type Config struct {
	// Timeout bounds how long the indicator may stay visible before
	// the recovery path runs.
	Timeout time.Duration
	// OnStateChange observes every transition.
	OnStateChange func(from, to State)
	// OnRecovery runs when the timeout fires while still showing:
	// the orchestrator invalidates the stuck domain's cache and
	// notifies the user there.
	OnRecovery func(rec Recovery)
	Logger     *slog.Logger
}

// Indicator is the process-wide busy state. Created at orchestrator
// initialization, shown/hidden by hydration cycles, cleared at
// teardown.
type Indicator struct {
	state        int32 // atomic
	requestCount int64 // atomic

	mu            sync.Mutex
	domain        string
	message       string
	startTime     time.Time
	timer         *time.Timer
	timeout       time.Duration
	onStateChange func(from, to State)
	onRecovery    func(rec Recovery)
	log           *slog.Logger
}

// NewIndicator builds an indicator in the Idle state.
func NewIndicator(cfg Config) *Indicator {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 25 * time.Second
	}
	return &Indicator{
		state:         int32(StateIdle),
		timeout:       timeout,
		onStateChange: cfg.OnStateChange,
		onRecovery:    cfg.OnRecovery,
		log:           log,
	}
}

// Show moves the indicator to Showing and arms the timeout. Re-entrant
// calls while already Showing reset the timer and overwrite domain and
// message: last writer wins.
func (i *Indicator) Show(domain, message string) {
	i.mu.Lock()
	defer i.mu.Unlock()

	atomic.AddInt64(&i.requestCount, 1)
	i.domain = domain
	i.message = message

	if State(atomic.LoadInt32(&i.state)) == StateShowing {
		i.timer.Reset(i.timeout)
		return
	}

	i.startTime = time.Now()
	i.transitionToLocked(StateShowing)
	i.timer = time.AfterFunc(i.timeout, i.timedOut)
}

// Hide cancels the timeout and returns to Idle from any state.
func (i *Indicator) Hide() {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.timer != nil {
		i.timer.Stop()
		i.timer = nil
	}
	i.domain = ""
	i.message = ""
	i.transitionToLocked(StateIdle)
}

// timedOut is the recovery path: the timer fired while still Showing.
func (i *Indicator) timedOut() {
	i.mu.Lock()
	if State(atomic.LoadInt32(&i.state)) != StateShowing {
		i.mu.Unlock()
		return
	}
	rec := Recovery{
		Domain:   i.domain,
		Message:  i.message,
		Duration: time.Since(i.startTime),
	}
	i.transitionToLocked(StateTimedOut)
	i.timer = nil
	i.domain = ""
	i.message = ""
	i.transitionToLocked(StateIdle)
	onRecovery := i.onRecovery
	i.mu.Unlock()

	i.log.Warn("busy indicator timed out, forcing recovery",
		"domain", rec.Domain, "visible_for", rec.Duration)
	if onRecovery != nil {
		onRecovery(rec)
	}
}

func (i *Indicator) transitionToLocked(newState State) {
	oldState := State(atomic.LoadInt32(&i.state))
	if oldState == newState {
		return
	}
	atomic.StoreInt32(&i.state, int32(newState))
	if i.onStateChange != nil {
		i.onStateChange(oldState, newState)
	}
}

// State returns the current state.
func (i *Indicator) State() State {
	return State(atomic.LoadInt32(&i.state))
}

// Visible reports whether the indicator is showing.
func (i *Indicator) Visible() bool {
	return i.State() == StateShowing
}

// Snapshot reports the current state for diagnostics.
func (i *Indicator) Snapshot() (state State, domain string, visibleFor time.Duration, requests int64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	state = State(atomic.LoadInt32(&i.state))
	domain = i.domain
	if state == StateShowing {
		visibleFor = time.Since(i.startTime)
	}
	return state, domain, visibleFor, atomic.LoadInt64(&i.requestCount)
}

// RequestCount returns how many Show calls the indicator has seen.
func (i *Indicator) RequestCount() int64 {
	return atomic.LoadInt64(&i.requestCount)
}

// Close tears the indicator down, cancelling any armed timer.
func (i *Indicator) Close() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.timer != nil {
		i.timer.Stop()
		i.timer = nil
	}
	i.onRecovery = nil
	i.onStateChange = nil
	atomic.StoreInt32(&i.state, int32(StateIdle))
}
