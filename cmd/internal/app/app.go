// Package app wires the hirewire server runtime: config, logging, storage, the event bus and
// its subscribers, HTTP routes and the realtime gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"hirewire/cmd/internal/api"
	"hirewire/cmd/internal/auth/identity"
	"hirewire/cmd/internal/events"
	"hirewire/cmd/internal/messaging"
	"hirewire/cmd/internal/metrics"
	"hirewire/cmd/internal/notify"
	"hirewire/cmd/internal/presence"
	"hirewire/cmd/internal/realtime"
	"hirewire/cmd/internal/signaling"
)

// App is the hirewire server runtime: it owns HTTP server wiring and every long-lived dependency.
type App struct {
	cfg Config
	log Logger

	stores  *stores
	metrics *metrics.Metrics

	registry *presence.Registry
	bus      *events.Bus
	messages *messaging.Service
	calls    *signaling.Coordinator
	recorder *notify.Recorder

	mirror     *presence.RedisMirror
	dispatcher *notify.KafkaDispatcher

	ws   *realtime.WSGateway
	read *api.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	verifier, err := identity.NewVerifier(identity.Config{
		Secret: []byte(cfg.JWTSecret),
		Issuer: cfg.JWTIssuer,
		Leeway: cfg.JWTLeeway,
	})
	if err != nil {
		return nil, err
	}

	st, err := newStores(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, stores: st}
	ok := false
	defer func() {
		if !ok {
			a.closeDeps(context.Background())
		}
	}()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(promReg)

	a.registry = presence.NewRegistry()
	a.bus = events.NewBus(log, a.metrics)

	a.messages = messaging.NewService(st.messages, a.registry, a.bus, log, a.metrics, messaging.Config{
		StoreTimeout:         cfg.StoreTimeout,
		RequireReadOwnership: cfg.RequireReadOwnership,
	})
	a.calls = signaling.NewCoordinator(st.calls, a.registry, a.bus, log, a.metrics, signaling.Config{
		Policy:       signaling.PolicyByName(cfg.CallPolicy),
		StoreTimeout: cfg.StoreTimeout,
	})

	if err := a.subscribe(ctx); err != nil {
		return nil, err
	}

	a.ws, err = realtime.NewWSGateway(log, realtime.Deps{
		Registry: a.registry,
		Bus:      a.bus,
		Messages: a.messages,
		Calls:    a.calls,
		Verifier: verifier,
		Metrics:  a.metrics,
	})
	if err != nil {
		return nil, err
	}

	deps := api.Deps{
		Verifier:      verifier,
		Notifications: a.recorder,
		Calls:         a.calls,
		Unread:        a.messages,
		Presence:      a.registry,
	}
	if a.mirror != nil {
		deps.LastSeen = a.mirror
	}
	a.read, err = api.NewHandler(log, deps)
	if err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

// subscribe attaches the bus consumers. Optional ones (Redis, Kafka) are skipped when
// their config is empty.
func (a *App) subscribe(ctx context.Context) error {
	fan := notify.NewFanout(a.registry, a.log)
	a.bus.Subscribe("fanout", fan.Handle, fan.Topics()...)

	a.recorder = notify.NewRecorder(a.stores.notifications, a.log)
	a.bus.Subscribe("notify-recorder", a.recorder.Handle, a.recorder.Topics()...)

	if a.cfg.RedisAddr != "" {
		client, err := NewRedisClient(ctx, a.cfg)
		if err != nil {
			return err
		}
		a.mirror = presence.NewRedisMirror(client, a.cfg.RedisPrefix, a.cfg.PresenceTTL, a.log)
		// A fresh process holds no connections; drop the previous run's online set.
		if err := a.mirror.Reset(ctx); err != nil {
			return err
		}
		a.bus.Subscribe("presence-mirror", a.mirror.Handle, a.mirror.Topics()...)
		a.log.Info("presence.mirror.enabled", "addr", a.cfg.RedisAddr, "prefix", a.cfg.RedisPrefix)
	}

	if len(a.cfg.KafkaBrokers) > 0 {
		w := notify.NewKafkaWriter(a.cfg.KafkaBrokers, a.cfg.KafkaNotifyTopic, a.log)
		a.dispatcher = notify.NewKafkaDispatcher(w, a.log)
		a.bus.Subscribe("push-dispatcher", a.dispatcher.Handle, a.dispatcher.Topics()...)
		a.log.Info("notify.kafka.enabled", "brokers", a.cfg.KafkaBrokers, "topic", a.cfg.KafkaNotifyTopic)
	}

	return nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.stores.durable(), a.readinessChecks(), a.metrics.Handler(), a.ws, a.read)
	limited := WithIPRateLimit(mux, a.cfg.HTTPRatePerMinute, a.cfg.HTTPRateBurst, a.log)
	return WithRequestLogging(WithSecurityHeaders(limited), a.log)
}

func (a *App) readinessChecks() []readinessCheck {
	var checks []readinessCheck
	if pool := a.stores.pool; pool != nil {
		checks = append(checks, readinessCheck{name: "postgres", check: func(ctx context.Context) error {
			return PingDB(ctx, pool, 2*time.Second)
		}})
	}
	if client := a.stores.mongo; client != nil {
		checks = append(checks, readinessCheck{name: "mongo", check: func(ctx context.Context) error {
			return PingMongo(ctx, client, 2*time.Second)
		}})
	}
	if a.mirror != nil {
		checks = append(checks, readinessCheck{name: "redis", check: a.mirror.Ping})
	}
	return checks
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"store", a.stores.backend,
		"ws_url", wsBaseURL(base)+"/ws",
		"metrics_url", base+"/metrics",
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown; the gateway's
	// read loops end when their sockets close with the process.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}

	a.closeDeps(shutdownCtx)
	a.log.Info("server.stopped")
	return runErr
}

// closeDeps releases owned connections. The Kafka writer is flushed first.
func (a *App) closeDeps(ctx context.Context) {
	if a.dispatcher != nil {
		if err := a.dispatcher.Close(); err != nil {
			a.log.Error("notify.kafka.close.fail", "err", err)
		}
	}
	if a.mirror != nil {
		if err := a.mirror.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
	}
	if a.stores != nil {
		if err := a.stores.Close(ctx); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
