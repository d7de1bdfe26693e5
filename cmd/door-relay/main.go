package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/PetoAdam/homenavi/door-relay/internal/auth"
	"github.com/PetoAdam/homenavi/door-relay/internal/config"
	"github.com/PetoAdam/homenavi/door-relay/internal/device"
	"github.com/PetoAdam/homenavi/door-relay/internal/dispatch"
	"github.com/PetoAdam/homenavi/door-relay/internal/eventlog"
	"github.com/PetoAdam/homenavi/door-relay/internal/httpapi"
	"github.com/PetoAdam/homenavi/door-relay/internal/mqtt"
	"github.com/PetoAdam/homenavi/door-relay/internal/observability"
	"github.com/PetoAdam/homenavi/door-relay/internal/ratelimit"
	"github.com/PetoAdam/homenavi/door-relay/internal/session"
	"github.com/PetoAdam/homenavi/door-relay/internal/slot"
)

const serviceName = "door-relay"

func main() {
	envFile := "local.env"
	if len(os.Args) > 1 {
		envFile = os.Args[1]
	}
	if err := run(envFile); err != nil {
		slog.Error("door-relay stopped", "error", err)
		os.Exit(1)
	}
}

func run(envFile string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	setupLogger(cfg.LogFormat, cfg.LogLevel)
	slog.Info("config loaded", "listen", cfg.ListenAddr, "api_tokens", len(cfg.APITokens()), "firmware", cfg.FirmwarePath)

	shutdownObs, promHandler, tracer, err := observability.SetupObservability(serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer shutdownObs()

	guard, err := setupGuard(cfg)
	if err != nil {
		return err
	}
	if !guard.UpdateEnabled() {
		slog.Warn("UPDATE_AUTHORIZATION_TOKEN not set, firmware updates disabled")
	}

	events, closeEvents, err := setupEventLog(cfg)
	if err != nil {
		return err
	}
	defer closeEvents()

	limiter, closeLimiter := setupLimiter(cfg)
	defer closeLimiter()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	deviceSlot := slot.New()
	dispatcher := dispatch.New(deviceSlot, dispatch.FileFirmware{Path: cfg.FirmwarePath}, dispatch.Options{
		ChunkSize:  cfg.FirmwareChunkSize,
		Pacing:     cfg.FirmwarePacing,
		AwaitAck:   cfg.FirmwareAwaitAck,
		AckTimeout: cfg.FirmwareAckTimeout,
	})
	api := httpapi.New(guard, deviceSlot, dispatcher, session.New(guard, deviceSlot, events), httpapi.Options{
		BaseContext: gctx,
		WebSocket: device.WebSocketOptions{
			WriteTimeout: cfg.DeviceWriteTimeout,
			PingInterval: cfg.DevicePingInterval,
			ReadLimit:    64 << 10,
		},
		TransferTimeout: cfg.FirmwareTransferTimeout,
		Limiter:         limiter,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(observability.CorrelationID)
	r.Use(observability.MetricsAndTracingMiddleware(tracer, serviceName))
	if origins := cfg.CORSOrigins(); len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Correlation-ID"},
			ExposedHeaders: []string{"X-Correlation-ID", "Trace-ID"},
			MaxAge:         300,
		}))
	}
	r.Handle("/metrics", promHandler)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	api.Register(r)

	// No WriteTimeout: a firmware update holds its response open for the
	// whole transfer.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g.Go(func() error {
		slog.Info("door-relay starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			slog.Error("graceful shutdown failed", "error", err)
			return err
		}
		// Device sockets are hijacked and outlive Shutdown; gctx is already
		// cancelled, so their sessions are closing.
		if err := api.Drain(sctx); err != nil {
			slog.Error("device sessions did not finish", "error", err)
			return err
		}
		slog.Info("server shut down gracefully")
		return nil
	})
	return g.Wait()
}

func setupLogger(format, level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func setupGuard(cfg *config.Config) (*auth.Guard, error) {
	opts := auth.Options{
		DeviceToken: cfg.DeviceToken,
		APITokens:   cfg.APITokens(),
		UpdateToken: cfg.UpdateToken,
	}
	if cfg.JWTPublicKeyPath != "" {
		key, err := auth.LoadRSAPublicKey(cfg.JWTPublicKeyPath)
		if err != nil {
			return nil, err
		}
		opts.JWTPublicKey = key
		slog.Info("homenavi access tokens accepted for /open")
	}
	return auth.NewGuard(opts), nil
}

func setupEventLog(cfg *config.Config) (*eventlog.Log, func(), error) {
	sinks := []eventlog.Sink{
		eventlog.NewFile(cfg.EventLogPath, cfg.EventLogMaxBytes),
		observability.ConnectionSink{},
	}
	if cfg.MQTTBrokerURL == "" {
		return eventlog.New(sinks...), func() {}, nil
	}

	will, err := json.Marshal(eventlog.StatusPayload{Connected: false})
	if err != nil {
		return nil, nil, err
	}
	mc, err := mqtt.New(mqtt.Options{
		BrokerURL:   cfg.MQTTBrokerURL,
		ClientID:    cfg.MQTTClientID,
		WillTopic:   cfg.MQTTStatusTopic,
		WillPayload: will,
	})
	if err != nil {
		return nil, nil, err
	}
	status := eventlog.NewStatusSink(mc, cfg.MQTTStatusTopic)
	// Clear a stale retained "connected" left by a previous run.
	if err := status.Write(eventlog.Event{Kind: eventlog.Disconnected, At: time.Now()}); err != nil {
		slog.Warn("initial status publish failed", "topic", cfg.MQTTStatusTopic, "error", err)
	}
	sinks = append(sinks, status)
	return eventlog.New(sinks...), mc.Close, nil
}

func setupLimiter(cfg *config.Config) (ratelimit.Limiter, func()) {
	limits := ratelimit.LimiterConfig{RPS: cfg.RateLimitRPS, Burst: cfg.RateLimitBurst}
	if cfg.RedisAddr == "" {
		return ratelimit.NewLocal(limits), func() {}
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		slog.Warn("redis unreachable, using in-process rate limiter", "addr", cfg.RedisAddr, "error", err)
		_ = rdb.Close()
		return ratelimit.NewLocal(limits), func() {}
	}
	slog.Info("connected to redis", "addr", cfg.RedisAddr)
	return ratelimit.NewRedis(rdb, serviceName, limits), func() { _ = rdb.Close() }
}
