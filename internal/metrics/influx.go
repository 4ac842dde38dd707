package metrics

import (
	"context"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// InfluxReporter flushes recorder snapshots to InfluxDB on an
// interval. Flush failures are logged and skipped; observability must
// never take the orchestrator down.
type InfluxReporter struct {
	client   influxdb2.Client
	write    api.WriteAPIBlocking
	recorder *Recorder
	interval time.Duration
	log      *slog.Logger
}

// InfluxConfig holds reporter settings.
type InfluxConfig struct {
	URL      string
	Token    string
	Org      string
	Bucket   string
	Interval time.Duration
	Logger   *slog.Logger
}

// NewInfluxReporter builds a reporter for the given recorder.
func NewInfluxReporter(cfg InfluxConfig, recorder *Recorder) *InfluxReporter {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxReporter{
		client:   client,
		write:    client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		recorder: recorder,
		interval: interval,
		log:      log,
	}
}

// Run flushes on the interval until ctx is cancelled.
func (r *InfluxReporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Flush(ctx); err != nil {
				r.log.Warn("metrics flush failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Flush writes the current snapshot as one measurement plus one point
// per domain with latency fields.
func (r *InfluxReporter) Flush(ctx context.Context) error {
	snap := r.recorder.Snapshot()

	point := influxdb2.NewPoint("telemetry_orchestrator",
		nil,
		map[string]interface{}{
			"hits":       snap.Hits,
			"misses":     snap.Misses,
			"errors":     snap.Errors,
			"fetches":    snap.Fetches,
			"recoveries": snap.Recoveries,
			"hit_ratio":  snap.HitRatio,
		},
		time.Now(),
	)
	if err := r.write.WritePoint(ctx, point); err != nil {
		return err
	}

	for domain, l := range snap.Latency {
		point := influxdb2.NewPoint("telemetry_fetch_latency",
			map[string]string{"domain": domain},
			map[string]interface{}{
				"count":      l.Count,
				"average_ms": float64(l.Average.Milliseconds()),
				"max_ms":     float64(l.Max.Milliseconds()),
			},
			time.Now(),
		)
		if err := r.write.WritePoint(ctx, point); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying client.
func (r *InfluxReporter) Close() {
	r.client.Close()
}
