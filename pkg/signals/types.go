package signals

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Signal names carried on the bus. Inbound signals are emitted by
// consumers (widgets, the gateway, embedding hosts); outbound signals
// are emitted by the orchestrator.
const (
	// Inbound
	SignalRequestData    = "telemetry.request_data"
	SignalUpdatePeriod   = "telemetry.update_period"
	SignalDashboardState = "telemetry.dashboard_state"
	SignalWidgetRegister = "telemetry.widget.register"
	SignalClear          = "telemetry.clear"

	// Outbound
	SignalProvideData   = "telemetry.provide_data"
	SignalCacheHydrated = "telemetry.cache_hydrated"
	SignalError         = "telemetry.error"
	SignalTokenExpired  = "telemetry.token_expired"
	SignalReady         = "telemetry.orchestrator.ready"
	SignalBusyRecovery  = "telemetry.busy_timeout_recovery"
	SignalNotification  = "telemetry.notification"
)

// DeviceTotal is the canonical normalized row shape carried by
// provide-data payloads. It mirrors internal/telemetry.DeviceTotal but
// lives here so external bus consumers only depend on pkg packages.
type DeviceTotal struct {
	ID         string          `json:"id"`
	CustomerID string          `json:"customer_id,omitempty"`
	Label      string          `json:"label"`
	Value      decimal.Decimal `json:"value"`
	DeviceType string          `json:"device_type"`
	SlaveID    string          `json:"slave_id,omitempty"`
	CentralID  string          `json:"central_id,omitempty"`
}

// RequestData asks the orchestrator for current data.
type RequestData struct {
	Domain   string `json:"domain"`
	Start    string `json:"start"`
	End      string `json:"end"`
	WidgetID string `json:"widget_id"`
	Priority int    `json:"priority,omitempty"`
}

// UpdatePeriod announces a new globally selected period.
type UpdatePeriod struct {
	Start       string `json:"start"`
	End         string `json:"end"`
	Granularity string `json:"granularity,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
}

// DashboardState announces the active dashboard tab.
type DashboardState struct {
	Domain string `json:"domain"`
}

// WidgetRegister registers a consumer widget for a domain.
type WidgetRegister struct {
	WidgetID string `json:"widget_id"`
	Domain   string `json:"domain"`
}

// Clear force-clears cached and displayed state for a domain.
type Clear struct {
	Domain string `json:"domain"`
}

// ProvideData carries hydration results to consumers.
type ProvideData struct {
	Domain    string        `json:"domain"`
	PeriodKey string        `json:"period_key"`
	Items     []DeviceTotal `json:"items"`
	Version   uint64        `json:"version"`
}

// CacheHydrated announces that a cache entry was written.
type CacheHydrated struct {
	Domain    string `json:"domain"`
	PeriodKey string `json:"period_key"`
	Count     int    `json:"count"`
}

// Error reports a failed hydration cycle.
type Error struct {
	Domain string `json:"domain"`
	Error  string `json:"error"`
	Code   string `json:"code,omitempty"`
}

// TokenExpired is emitted (debounced) on 401/403 from the remote API.
type TokenExpired struct {
	At time.Time `json:"at"`
}

// Ready announces orchestrator startup.
type Ready struct {
	Timestamp time.Time `json:"timestamp"`
}

// BusyRecovery reports a forced recovery from a stuck busy indicator.
type BusyRecovery struct {
	Domain   string        `json:"domain"`
	Duration time.Duration `json:"duration"`
}

// Notification is a soft, non-blocking user-facing message.
type Notification struct {
	Message string `json:"message"`
	Level   string `json:"level"` // "info", "warn", "error"
}

// Envelope is the wire shape used by cross-context transports.
type Envelope struct {
	Signal    string          `json:"signal"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope wraps a payload for cross-context delivery.
func NewEnvelope(signal string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Signal: signal, Timestamp: time.Now(), Payload: raw}, nil
}

// Decode parses an envelope payload into the given type.
func Decode[T any](env *Envelope) (*T, error) {
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
