// consentd is the consent-management backend: a plugin-composed API router
// over a transactional consent registry, with audit trailing and
// jurisdiction-aware banner decisions.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"consentd/internal/admin"
	"consentd/internal/api"
	"consentd/internal/audit"
	"consentd/internal/consent"
	"consentd/internal/consent/handler"
	"consentd/internal/consent/service"
	"consentd/internal/consent/store"
	"consentd/internal/platform/config"
	"consentd/internal/platform/httpserver"
	"consentd/internal/platform/logger"
	"consentd/internal/platform/metrics"
	"consentd/internal/platform/middleware"
	platformredis "consentd/internal/platform/redis"
)

const (
	policyCacheTTL  = 5 * time.Minute
	shutdownTimeout = 10 * time.Second
)

func main() {
	_ = godotenv.Load()

	cfg := config.FromEnv()
	log := logger.New()
	m := metrics.New()

	if err := run(cfg, log, m); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Server, log *slog.Logger, m *metrics.Metrics) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry, cleanup, err := buildRegistry(cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	publisher := audit.NewPublisher(0, log)
	sink, sinkClose, err := buildAuditSink(cfg, log)
	if err != nil {
		return err
	}
	defer sinkClose()
	worker := audit.NewWorker(sink, publisher.Inbox(), log)

	svc := service.New(registry, publisher, m, log, cfg.Version)
	consentHandler := handler.New(svc, m)

	adminPlugin := admin.New([]byte(cfg.AdminSecretHash), []byte(cfg.AdminJWTKey), registry, log)
	plugins := []api.Plugin{adminPlugin.APIPlugin()}

	app := &api.AppContext{
		Logger:            log,
		Metrics:           m,
		BaseURL:           cfg.BaseURL,
		IPHeaders:         cfg.ResolvedIPHeaders(),
		DisableIPTracking: cfg.DisableIPTracking,
		TestMode:          cfg.TestMode,
		Hooks: api.HookRegistry{
			Before: []api.BeforeHook{adminPlugin.AuthHook()},
		},
	}
	router := api.NewRouter(api.StaticContext(app), consentHandler.Endpoints(), plugins, log, m)

	mux := chi.NewRouter()
	mux.Use(
		middleware.RequestID,
		middleware.RequestTime,
		middleware.Recovery(log),
		middleware.Logger(log),
		middleware.TrustedOrigins(cfg.OriginTrusted),
	)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Mount("/", router)

	server := httpserver.New(cfg.Addr, mux)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return worker.Run(ctx)
	})
	group.Go(func() error {
		log.Info("listening",
			"addr", cfg.Addr,
			"base_path", api.BasePath(cfg.BaseURL),
			"storage", registry.StorageType(),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

// buildRegistry selects the storage backend: PostgreSQL when DATABASE_URL is
// set, the in-process store otherwise. A configured Redis wraps the registry
// with the policy cache.
func buildRegistry(cfg config.Server, log *slog.Logger) (consent.Registry, func(), error) {
	var (
		registry consent.Registry
		closers  []func()
	)
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, nil, err
		}
		closers = append(closers, func() { db.Close() })
		registry = store.NewPostgresRegistry(db)
	} else {
		log.Warn("DATABASE_URL not set, using in-memory storage")
		registry = store.NewMemoryRegistry()
	}

	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	if redisClient != nil {
		closers = append(closers, func() { redisClient.Close() })
		registry = store.NewPolicyCache(registry, redisClient, policyCacheTTL)
		log.Info("policy cache enabled")
	}
	return registry, cleanup, nil
}

// buildAuditSink publishes the compliance trail to Kafka when brokers are
// configured and keeps events in memory otherwise.
func buildAuditSink(cfg config.Server, log *slog.Logger) (audit.Sink, func(), error) {
	if len(cfg.KafkaBrokers) == 0 {
		log.Warn("KAFKA_BROKERS not set, audit events stay in memory")
		return audit.NewMemorySink(), func() {}, nil
	}
	topic := cfg.KafkaAuditTopic
	if topic == "" {
		topic = "consentd.audit"
	}
	sink, err := audit.NewKafkaSink(cfg.KafkaBrokers, topic)
	if err != nil {
		return nil, nil, err
	}
	log.Info("audit events publishing to kafka", "topic", topic)
	return sink, sink.Close, nil
}
