package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/consumer"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/events"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/executor"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/pipeline"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/publisher"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/repos"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/telemetry"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/verifier"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/cachex"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/config"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/dbx"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/httpx"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/influxx"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/logx"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/metricsx"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/mqx"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/observability"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

type resultStore interface {
	pipeline.ResultStore
	consumer.OutcomeLookup
}

func main() {
	cfg, problems := config.Load("contacts-consumer", 8082)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if cfg.KafkaGroupID == "" {
		problems = append(problems, config.Problem{Field: "KAFKA_CONSUMER_GROUP", Message: "KAFKA_CONSUMER_GROUP is required"})
	}
	matcher, err := verifier.MatcherFromConfig(cfg)
	if err != nil {
		problems = append(problems, config.Problem{Field: "VERIFIER_URL", Message: err.Error()})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	metricsx.Register()
	if cfg.OtelEnabled {
		if shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfigFrom(cfg)); err == nil {
			defer func() { _ = shutdown(context.Background()) }()
		} else {
			logger.Warn(context.Background(), "otel_init_failed", "tracer init failed", slog.String("error", err.Error()))
		}
	}

	var (
		dbPool   *pgxpool.Pool
		eventsDB consumer.EventStore
		results  resultStore
	)
	if cfg.DatabaseURL != "" {
		dbPool, err = dbx.NewPool(context.Background(), cfg)
		if err != nil {
			fatal(logger, "db_init_failed", "db init failed", err)
		}
		defer dbPool.Close()
		if cfg.DBAutoMigrate {
			if err := repos.EnsureSchema(context.Background(), dbPool); err != nil {
				fatal(logger, "db_migrate_failed", "schema migration failed", err)
			}
		}
		eventsDB = repos.NewEventsRepo(dbPool)
		results = repos.NewOutcomesRepo(dbPool)
	} else {
		logger.Warn(context.Background(), "db_not_configured", "DATABASE_URL not set, using in-memory stores")
		eventsDB = repos.NewMemoryEvents()
		results = repos.NewMemoryOutcomes()
	}

	var outcomeCache pipeline.OutcomeCache
	if cfg.RedisAddr != "" {
		cacheClient, err := cachex.New(cfg)
		if err != nil {
			fatal(logger, "redis_init_failed", "redis init failed", err)
		}
		defer cacheClient.Close()
		outcomeCache = repos.NewOutcomeCache(cacheClient, time.Duration(cfg.OutcomeCacheTTLSec)*time.Second)
	}

	var recorder pipeline.Recorder
	if influxx.Enabled(cfg) {
		influxClient, err := influxx.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "influx_init_failed", "influx init failed", slog.String("error", err.Error()))
		} else {
			defer influxClient.Close()
			recorder = telemetry.NewRecorder(influxClient, logger, time.Duration(cfg.InfluxTimeoutMS)*time.Millisecond)
		}
	}

	topicCtx, topicCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := mqx.EnsureTopics(topicCtx, cfg,
		mqx.TopicSpec{Name: cfg.ContactsTopic, Partitions: events.DefaultPartitions},
		mqx.TopicSpec{Name: cfg.VerifiedTopic, Partitions: events.DefaultPartitions},
	); err != nil {
		logger.Warn(context.Background(), "kafka_topics_failed", "could not ensure topics",
			slog.String("error", err.Error()),
		)
	}
	topicCancel()

	producer, err := mqx.NewProducer(cfg)
	if err != nil {
		fatal(logger, "kafka_init_failed", "kafka producer init failed", err)
	}
	reader, err := mqx.NewConsumer(cfg, cfg.ContactsTopic, cfg.KafkaGroupID)
	if err != nil {
		fatal(logger, "kafka_init_failed", "kafka reader init failed", err)
	}

	verifyPool := executor.New(executor.Options{
		Name:       "verify",
		Workers:    cfg.VerifyWorkers,
		QueueDepth: cfg.VerifyQueueDepth,
		OnPanic: func(rec any) {
			logger.Error(context.Background(), "verification_panic", "verification task panicked",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.Any("error", rec),
			)
		},
	})
	pipe := pipeline.New(verifyPool, pipeline.Deps{
		Verifier:  verifier.NewService(matcher, logger),
		Store:     results,
		Publisher: publisher.New(producer, cfg.VerifiedTopic),
		Cache:     outcomeCache,
		Recorder:  recorder,
		Logger:    logger,
	}, pipeline.Options{
		SubmitTimeout: time.Duration(cfg.VerifySubmitTimeoutMS) * time.Millisecond,
		VerifyTimeout: time.Duration(cfg.VerifyTimeoutMS) * time.Millisecond,
	})
	loop := consumer.New(reader, eventsDB, results, pipe, logger, consumer.Options{
		Topic:        cfg.ContactsTopic,
		Group:        cfg.KafkaGroupID,
		RetryMax:     cfg.ConsumerRetryMax,
		RetryBackoff: time.Duration(cfg.ConsumerRetryBackoffMS) * time.Millisecond,
	})

	opsServer := newOpsServer(cfg, version, dbPool)
	go func() {
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "ops_server_failed", "ops listener failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
		cancel()
	}()

	exitCode := 0
	if err := loop.Run(ctx); err != nil {
		logger.Error(context.Background(), "consumer_failed", "consumer stopped on a record it could not process",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		exitCode = 1
	}
	cancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(cfg.VerifyDrainTimeoutMS)*time.Millisecond)
	if err := pipe.Shutdown(drainCtx); err != nil {
		logger.Warn(context.Background(), "verification_drain_timeout", "pipeline did not drain in time, abandoning remaining work",
			slog.Int("queued", verifyPool.QueueDepth()),
			slog.Int("in_flight", verifyPool.InFlight()),
			slog.String("error", err.Error()),
		)
		// Abandoned tasks still run with a cancelled context; give them a moment to record gaps.
		finalCtx, finalCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = pipe.Shutdown(finalCtx)
		finalCancel()
		logger.Warn(context.Background(), "verification_abandoned", "verification work abandoned at shutdown",
			slog.Int("abandoned", verifyPool.Abandoned()),
		)
	}
	drainCancel()

	if err := producer.Close(); err != nil {
		logger.Warn(context.Background(), "kafka_close_failed", "producer close failed", slog.String("error", err.Error()))
	}
	if err := reader.Close(); err != nil {
		logger.Warn(context.Background(), "kafka_close_failed", "reader close failed", slog.String("error", err.Error()))
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutMS)*time.Millisecond)
	_ = opsServer.Shutdown(shutdownCtx)
	shutdownCancel()

	logger.Info(context.Background(), "consumer_stop", "contacts consumer stopped")
	if exitCode != 0 {
		if dbPool != nil {
			dbPool.Close()
		}
		os.Exit(exitCode)
	}
}

func newOpsServer(cfg config.Config, version string, dbPool *pgxpool.Pool) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{Status: "ok", Service: cfg.ServiceName, Env: cfg.Env, Version: version})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if dbPool != nil {
			if err := dbx.Ping(r.Context(), dbPool); err != nil {
				httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "service not ready: database unavailable",
					map[string]any{"problem": "db_ping_failed"})
				return
			}
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{Status: "ready", Service: cfg.ServiceName, Env: cfg.Env, Version: version})
	})
	mux.Handle("GET /metrics", metricsx.Handler())

	return &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func fatal(logger logx.Logger, event string, msg string, err error) {
	logger.Error(context.Background(), event, msg,
		slog.String("error_code", "FAILED_PRECONDITION"),
		slog.String("error", err.Error()),
	)
	os.Exit(1)
}
