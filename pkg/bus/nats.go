package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/meterboard/telemetry/pkg/signals"
)

// NATSTransport publishes bus envelopes to NATS subjects, carrying
// signals to dashboard replicas and embedding hosts outside this
// process. Signal names double as subject names.
type NATSTransport struct {
	conn *nats.Conn
	log  *slog.Logger
}

// NATSConfig holds connection settings.
type NATSConfig struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// NewNATSTransport connects to NATS and returns the transport.
func NewNATSTransport(cfg NATSConfig) (*NATSTransport, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	conn, err := nats.Connect(cfg.URL, connectOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSTransport{conn: conn, log: log}, nil
}

func connectOptions(cfg NATSConfig) []nats.Option {
	return []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		// BindInbound subscribes on this same connection. Without
		// NoEcho the server echoes our own publishes back into those
		// subscriptions and a republished envelope loops forever.
		nats.NoEcho(),
	}
}

// Deliver publishes one envelope on the subject matching its signal.
func (t *NATSTransport) Deliver(env *signals.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return t.conn.Publish(env.Signal, payload)
}

// Ready reports whether the connection is up.
func (t *NATSTransport) Ready() bool {
	return t.conn != nil && t.conn.IsConnected()
}

// BindInbound subscribes to the inbound signal subjects and republishes
// each envelope on the local bus, so remote contexts can drive this
// orchestrator.
func (t *NATSTransport) BindInbound(b *Bus) error {
	inbound := []string{
		signals.SignalRequestData,
		signals.SignalUpdatePeriod,
		signals.SignalDashboardState,
		signals.SignalWidgetRegister,
		signals.SignalClear,
	}
	for _, subject := range inbound {
		if _, err := t.conn.Subscribe(subject, func(msg *nats.Msg) {
			var env signals.Envelope
			if err := json.Unmarshal(msg.Data, &env); err != nil {
				t.log.Warn("dropping undecodable inbound envelope", "subject", msg.Subject, "error", err)
				return
			}
			b.Publish(env.Signal, &env)
		}); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
	}
	return nil
}

// Close drains and closes the connection.
func (t *NATSTransport) Close() {
	if t.conn != nil {
		t.conn.Close()
	}
}
