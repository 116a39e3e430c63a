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

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/executor"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/handlers"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/middleware"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/redrive"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/repos"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/verifier"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/authx"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/cachex"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/config"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/dbx"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/httpx"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/logx"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/metricsx"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/observability"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

func main() {
	cfg, readyProblems := config.Load("contacts-api", 8080)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	metricsx.Register()
	if cfg.OtelEnabled {
		if shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfigFrom(cfg)); err == nil {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	matcher, err := verifier.MatcherFromConfig(cfg)
	if err != nil {
		logger.Error(context.Background(), "config_invalid", "invalid verifier config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	var dbPool *pgxpool.Pool
	h := &handlers.Handlers{
		Verifier: verifier.NewService(matcher, logger),
		Logger:   logger,
	}
	if cfg.DatabaseURL != "" {
		dbPool, err = dbx.NewPool(context.Background(), cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "failed to connect to database"})
			logger.Error(context.Background(), "db_init_failed", "database init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		} else {
			h.Outcomes = repos.NewOutcomesRepo(dbPool)
		}
	}

	if cfg.RedisAddr != "" {
		cacheClient, err := cachex.New(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "REDIS_ADDR", Message: err.Error()})
		} else {
			defer cacheClient.Close()
			h.Cache = repos.NewOutcomeCache(cacheClient, time.Duration(cfg.OutcomeCacheTTLSec)*time.Second)
		}
	}

	if cfg.AsynqRedisAddr != "" {
		asynqClient := asynq.NewClient(asynq.RedisClientOpt{
			Addr:     cfg.AsynqRedisAddr,
			Password: cfg.AsynqRedisPass,
			DB:       cfg.AsynqRedisDB,
		})
		defer asynqClient.Close()
		h.Redrive = func(ctx context.Context, subjectID string) (string, string, error) {
			taskID, p, err := redrive.Enqueue(ctx, asynqClient, cfg.AsynqQueue, subjectID)
			return taskID, p.RequestID, err
		}
	}

	var tokenVerifier authx.TokenVerifier
	if cfg.OIDCIssuer != "" && cfg.OIDCAudience != "" {
		v, err := authx.NewJWTVerifier(context.Background(), authx.VerifierConfig{
			Issuer:           cfg.OIDCIssuer,
			Audience:         cfg.OIDCAudience,
			JWKSURL:          cfg.OIDCJWKSURL,
			TTLSeconds:       cfg.JWKSTTLSeconds,
			ClockSkewSeconds: cfg.JWTClockSkewSec,
		})
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "OIDC_ISSUER", Message: "failed to initialize JWT verifier"})
		} else {
			tokenVerifier = v
		}
	}

	directPool := executor.New(executor.Options{
		Name:       "direct",
		Workers:    cfg.DirectWorkers,
		QueueDepth: cfg.DirectQueueDepth,
		OnPanic: func(rec any) {
			logger.Error(context.Background(), "verification_panic", "direct verification panicked",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.Any("error", rec),
			)
		},
	})
	h.Pool = directPool

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(readyProblems) > 0 {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: invalid configuration",
				map[string]any{"problems": readyProblems},
			)
			return
		}
		if dbPool != nil {
			if err := dbx.Ping(r.Context(), dbPool); err != nil {
				httpx.WriteError(
					w,
					r,
					http.StatusServiceUnavailable,
					"FAILED_PRECONDITION",
					"service not ready: database unavailable",
					map[string]any{"problem": "db_ping_failed"},
				)
				return
			}
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.Handle("GET /metrics", metricsx.Handler())
	h.Register(mux)

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	handler := metricsx.Instrument(httpx.WrapServeMux(mux, notFound))
	handler = middleware.StoreRequiredMiddleware{
		Available: h.Outcomes != nil,
		Skip: func(r *http.Request) bool {
			return !strings.HasPrefix(r.URL.Path, handlers.PathOutcomes)
		},
	}.Wrap(handler)
	handler = middleware.AuthMiddleware{
		Verifier:     tokenVerifier,
		RequiredRole: cfg.RedriveRole,
		Skip: func(r *http.Request) bool {
			return r.URL.Path != handlers.PathRedrive
		},
	}.Wrap(handler)
	handler = middleware.RateLimitMiddleware{
		Limiter: middleware.NewIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 10*time.Minute),
		Skip: func(r *http.Request) bool {
			return r.URL.Path != handlers.PathVerify && r.URL.Path != handlers.PathVerifyFull
		},
	}.Wrap(handler)
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)
	handler = otelhttp.NewHandler(handler, "http")

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.String("verifier_mode", cfg.VerifierMode),
			slog.Int("request_timeout_ms", cfg.RequestTimeoutMS),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutMS)*time.Millisecond)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	if err := directPool.Shutdown(shutdownCtx); err != nil {
		logger.Warn(context.Background(), "verification_drain_timeout", "direct verification pool did not drain",
			slog.String("error", err.Error()),
		)
	}
	if dbPool != nil {
		dbPool.Close()
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
}
