package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/meterboard/telemetry/internal/auth"
	"github.com/meterboard/telemetry/internal/cache"
	"github.com/meterboard/telemetry/internal/config"
	"github.com/meterboard/telemetry/internal/credentials"
	"github.com/meterboard/telemetry/internal/fetch"
	"github.com/meterboard/telemetry/internal/gateway"
	"github.com/meterboard/telemetry/internal/metrics"
	"github.com/meterboard/telemetry/internal/orchestrator"
	"github.com/meterboard/telemetry/internal/widgets"
	"github.com/meterboard/telemetry/pkg/bus"
	"github.com/meterboard/telemetry/pkg/signals"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Optional Redis mirror for warm restarts.
	var mirror cache.Mirror
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable, running memory-only", "error", err)
		} else {
			mirror = cache.NewRedisMirror(rdb, cfg.TenantNamespace, cfg.MirrorSizeThreshold, log)
		}
		defer rdb.Close()
	}

	store := cache.NewStore(cache.Config{
		TTL:        time.Duration(cfg.CacheTTLMinutes) * time.Minute,
		MaxEntries: cfg.CacheMaxEntries,
		Logger:     log,
	}, mirror)

	gate := credentials.NewGate(cfg.CredentialWait)

	var tokens auth.TokenSource
	if cfg.AuthTokenURL != "" {
		tokens = auth.NewCachingSource(auth.NewServiceSource(cfg.AuthTokenURL, gate, nil), 30*time.Second, log)
	} else {
		tokens = auth.StaticSource(cfg.AuthStaticToken)
	}

	b := bus.New(bus.Config{DedupWindow: cfg.EmitDedupWindow, Logger: log})

	// Optional cross-context transport over NATS.
	if cfg.NATSUrl != "" {
		transport, err := bus.NewNATSTransport(bus.NATSConfig{
			URL:            cfg.NATSUrl,
			Name:           "telemetry-orchestrator",
			ReconnectWait:  time.Second,
			MaxReconnects:  60,
			ConnectTimeout: 10 * time.Second,
			Logger:         log,
		})
		if err != nil {
			log.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer transport.Close()
		b.AddTransport(transport)
		if err := transport.BindInbound(b); err != nil {
			log.Error("failed to bind inbound NATS subjects", "error", err)
			os.Exit(1)
		}
	}

	fetcher := fetch.NewClient(fetch.Config{
		Host:                 cfg.APIHost,
		Timeout:              cfg.FetchTimeout,
		TokenExpiredDebounce: cfg.TokenExpiredDebounce,
		OnTokenExpired: func() {
			if caching, ok := tokens.(*auth.CachingSource); ok {
				caching.Invalidate()
			}
			b.Publish(signals.SignalTokenExpired, &signals.TokenExpired{At: time.Now()})
		},
		Logger: log,
	}, gate, tokens)

	// Optional distributed lock for replica fleets.
	var lock orchestrator.Locker
	if cfg.EtcdURL != "" {
		etcd, err := clientv3.New(clientv3.Config{
			Endpoints:   []string{cfg.EtcdURL},
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			log.Error("failed to connect to etcd", "error", err)
			os.Exit(1)
		}
		defer etcd.Close()

		etcdLock, err := orchestrator.NewEtcdLocker(etcd, "/telemetry/hydration-lock")
		if err != nil {
			log.Error("failed to create etcd lock", "error", err)
			os.Exit(1)
		}
		defer etcdLock.Close()
		lock = etcdLock
	}

	recorder := metrics.NewRecorder()
	registry := widgets.NewRegistry()
	orch := orchestrator.New(orchestrator.Config{
		BusyTimeout:     cfg.BusyTimeout,
		WatchdogTimeout: cfg.WatchdogTimeout,
		SweepInterval:   cfg.SweepInterval,
		Logger:          log,
	}, store, fetcher, b, registry, recorder, gate, lock)
	defer orch.Close()

	if cfg.InfluxURL != "" {
		reporter := metrics.NewInfluxReporter(metrics.InfluxConfig{
			URL:      cfg.InfluxURL,
			Token:    cfg.InfluxToken,
			Org:      cfg.InfluxOrg,
			Bucket:   cfg.InfluxBucket,
			Interval: cfg.MetricsFlushInterval,
			Logger:   log,
		}, recorder)
		defer reporter.Close()
		go reporter.Run(ctx)
	}

	gw := gateway.New(orch, b, log)
	orch.Start(ctx)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      gw.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Info("orchestrator gateway starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown error", "error", err)
	}
	log.Info("stopped")
}
