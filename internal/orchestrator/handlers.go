package orchestrator

import (
	"context"

	"github.com/meterboard/telemetry/internal/telemetry"
	"github.com/meterboard/telemetry/pkg/signals"
)

// subscribeInbound wires the bus's inbound signals to orchestrator
// operations. Payloads arrive typed when published locally and as
// envelopes when relayed by a cross-context transport.
func (o *Orchestrator) subscribeInbound() {
	o.unsubs = append(o.unsubs,
		o.bus.Subscribe(signals.SignalRequestData, o.onRequestData),
		o.bus.Subscribe(signals.SignalUpdatePeriod, o.onUpdatePeriod),
		o.bus.Subscribe(signals.SignalDashboardState, o.onDashboardState),
		o.bus.Subscribe(signals.SignalWidgetRegister, o.onWidgetRegister),
		o.bus.Subscribe(signals.SignalClear, o.onClear),
	)
}

func (o *Orchestrator) onRequestData(_ string, payload any) {
	req, ok := decodePayload[signals.RequestData](payload)
	if !ok {
		o.log.Warn("dropping malformed request-data payload")
		return
	}
	period, err := telemetry.NewPeriod(req.Start, req.End)
	if err != nil {
		o.log.Warn("dropping request-data with bad period", "error", err)
		return
	}

	// Hydration may take the full fetch timeout; never block the
	// publisher's goroutine on it.
	go func() {
		if _, err := o.RequestData(context.Background(), telemetry.Domain(req.Domain), period, req.WidgetID); err != nil {
			o.log.Debug("request-data hydration failed", "domain", req.Domain, "error", err)
		}
	}()
}

func (o *Orchestrator) onUpdatePeriod(_ string, payload any) {
	upd, ok := decodePayload[signals.UpdatePeriod](payload)
	if !ok {
		o.log.Warn("dropping malformed update-period payload")
		return
	}
	period, err := telemetry.NewPeriod(upd.Start, upd.End)
	if err != nil {
		o.log.Warn("dropping update-period with bad period", "error", err)
		return
	}
	period.Granularity = upd.Granularity
	period.Timezone = upd.Timezone
	o.UpdatePeriod(context.Background(), period)
}

func (o *Orchestrator) onDashboardState(_ string, payload any) {
	state, ok := decodePayload[signals.DashboardState](payload)
	if !ok {
		return
	}
	o.SetActiveDomain(telemetry.Domain(state.Domain))
}

func (o *Orchestrator) onWidgetRegister(_ string, payload any) {
	reg, ok := decodePayload[signals.WidgetRegister](payload)
	if !ok {
		return
	}
	o.registry.Register(reg.WidgetID, telemetry.Domain(reg.Domain))
}

func (o *Orchestrator) onClear(_ string, payload any) {
	clr, ok := decodePayload[signals.Clear](payload)
	if !ok {
		return
	}
	o.Clear(context.Background(), telemetry.Domain(clr.Domain))
}

// decodePayload accepts a typed payload (local publish), a pointer to
// one, or an envelope (cross-context transport).
func decodePayload[T any](payload any) (*T, bool) {
	switch v := payload.(type) {
	case *T:
		return v, true
	case T:
		return &v, true
	case *signals.Envelope:
		decoded, err := signals.Decode[T](v)
		if err != nil {
			return nil, false
		}
		return decoded, true
	default:
		return nil, false
	}
}
