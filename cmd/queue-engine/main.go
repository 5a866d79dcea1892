package main

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"qms/queue-engine/internal/config"
	"qms/queue-engine/internal/engine"
	"qms/queue-engine/internal/events"
	"qms/queue-engine/internal/httpapi"
	"qms/queue-engine/internal/notify"
	"qms/queue-engine/internal/realtime"
	"qms/queue-engine/internal/store"
	"qms/queue-engine/internal/store/memory"
	"qms/queue-engine/internal/store/postgres"
	"qms/queue-engine/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

const serviceName = "queue-engine"

// backend is what both store drivers provide.
type backend interface {
	store.TokenStore
	store.SessionStore
	store.OutboxReader
	events.Sink
}

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("queue-engine stopped")
	}
}

func newLogger(level, format string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if strings.EqualFold(format, "text") {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
	return logger
}

func run(cfg config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry := telemetry.Setup(telemetry.Config{
		ServiceName: serviceName,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
	}, logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	st, health, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	hub := realtime.NewHub(logger)
	sink := events.Multi{hub}
	if cfg.OutboxEvents {
		sink = append(sink, st)
	}
	emitter := events.NewEmitter(sink, logger, events.EmitterConfig{BufferSize: cfg.EventBufferSize})

	provider := notify.NewProvider(cfg.NotifyProvider, cfg.NotifyWebhookURL, cfg.NotifyWebhookToken, logger)
	dispatcher := notify.NewDispatcher(provider, cfg.NotifyTimeout, logger)

	eng := engine.New(st, emitter, dispatcher, engine.Options{
		RecomputeAttempts: cfg.RecomputeAttempts,
		NotifyTimeout:     cfg.NotifyTimeout,
		Logger:            logger,
	})

	options := httpapi.Options{Health: health}
	if cfg.OutboxEvents {
		options.Outbox = st
	}
	handler := httpapi.NewHandler(eng, options)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:  cfg.RateLimitPerMinute,
		IPBurst:      cfg.RateLimitBurst,
		OrgPerMinute: cfg.OrgRateLimitPerMinute,
		OrgBurst:     cfg.OrgRateLimitBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle(realtime.Prefix+"/", realtime.NewHandler(hub, st, logger))
	mux.Handle("/", httpapi.AuthMiddleware(st, limiter.OrgMiddleware(handler.Routes())))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(httpapi.LoggingMiddleware(logger, limiter.Middleware(mux)), serviceName),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithFields(logrus.Fields{"addr": server.Addr, "store": cfg.StoreDriver}).Info("queue-engine listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		sweepMissed(gctx, eng, cfg, logger)
		return nil
	})

	err = g.Wait()
	eng.Close()
	emitter.Close()
	logger.Info("queue-engine stopped")
	return err
}

func openStore(ctx context.Context, cfg config.Config) (backend, func(context.Context) error, func(), error) {
	switch cfg.StoreDriver {
	case "memory":
		mem := memory.New()
		mem.SetOutboxLimit(cfg.OutboxLimit)
		if cfg.SeedFile != "" {
			if err := mem.LoadSeedFile(cfg.SeedFile); err != nil {
				return nil, nil, nil, fmt.Errorf("load seed: %w", err)
			}
		}
		return mem, nil, func() {}, nil
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, nil, nil, errors.New("DB_DSN is required for the postgres store")
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("db connect: %w", err)
		}
		pg := postgres.NewStore(pool)
		return pg, pg.Ping, pool.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}

// sweepMissed periodically moves tokens that were called and never served
// to MISSED.
func sweepMissed(ctx context.Context, eng *engine.Engine, cfg config.Config, logger logrus.FieldLogger) {
	if cfg.MissedGrace <= 0 || cfg.MissedInterval <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.MissedInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			count, err := eng.SweepMissed(runCtx, cfg.MissedGrace, cfg.MissedBatchSize)
			cancel()
			if err != nil {
				logger.WithError(err).Warn("missed token sweep failed")
				continue
			}
			if count > 0 {
				logger.WithField("count", count).Info("marked called tokens as missed")
			}
		}
	}
}
