package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"loanflow/internal/chat"
	jwttoken "loanflow/internal/jwt_token"
	"loanflow/internal/kyc"
	loanhandler "loanflow/internal/loan/handler"
	"loanflow/internal/loan/live"
	loanmetrics "loanflow/internal/loan/metrics"
	"loanflow/internal/loan/service"
	"loanflow/internal/manager"
	"loanflow/internal/platform/config"
	"loanflow/internal/platform/httpserver"
	"loanflow/internal/platform/logger"
	"loanflow/internal/platform/metrics"
	"loanflow/internal/ratelimit"
	"loanflow/internal/underwriting"
	"loanflow/pkg/platform/httputil"
	"loanflow/pkg/platform/middleware/idempotency"
	"loanflow/pkg/platform/middleware/metadata"
	request "loanflow/pkg/platform/middleware/request"
	"loanflow/pkg/platform/middleware/requesttime"
)

const (
	requestTimeout  = 30 * time.Second
	shutdownTimeout = 15 * time.Second
	jwtIssuer       = "loanflow"
	jwtAudience     = "loanflow-manager"
)

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in internal services packages.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("loanflow stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Server, log *slog.Logger) error {
	loanMetrics := loanmetrics.New()

	infra, err := openInfra(ctx, cfg, log, loanMetrics)
	if err != nil {
		return err
	}
	defer infra.close(log)

	textClient, err := newLLM(ctx, cfg, log)
	if err != nil {
		return err
	}

	hub := live.NewHub(log, loanMetrics)
	var notifier live.Notifier = hub
	var bridge *live.RedisBridge
	if infra.redis != nil {
		bridge = live.NewRedisBridge(infra.redis.Client, hub, live.DefaultChannel, log)
		notifier = bridge
	}

	publisher := newPublisher(cfg, log, loanMetrics, infra.kafka)

	opts := []service.Option{
		service.WithLogger(log),
		service.WithMetrics(loanMetrics),
		service.WithEmitter(publisher),
		service.WithNotifier(notifier),
	}
	if cfg.KYCDocumentSteps {
		opts = append(opts, service.WithDocumentVerifier(kyc.NewDocumentVerifier(cfg.KYCStepDelay)))
	}
	loans := service.New(infra.store, underwriting.NewEvaluator(cfg.Underwriting), newGenerator(cfg, textClient, log), opts...)
	runner := service.NewRunner(loans.Run, cfg.PipelineWorkers, log)

	assistant := chat.NewAssistant(infra.store, textClient,
		chat.WithLogger(log),
		chat.WithAnalysisFallback(loanhandler.SuggestedAnalysis),
	)
	chatHandler := chat.NewHandler(loans, assistant, chat.NewIntake(textClient, log), log)
	loanHandler := loanhandler.New(loans, runner, log)
	liveHandler := live.NewHandler(loans, hub, log, cfg.CORSOrigins)

	managerHandler, err := newManagerHandler(cfg, log, loans, assistant)
	if err != nil {
		return err
	}

	limiter := newLimiter(cfg, infra)
	chatHandler.UseOnReplies(ratelimit.Middleware(limiter, ratelimit.ClassLLM, log))
	if managerHandler != nil {
		managerHandler.UseOnLogin(ratelimit.Middleware(limiter, ratelimit.ClassLogin, log))
	}

	// Pass a nil interface, not a typed nil client, so the middleware disables itself.
	var idem goredis.Cmdable
	if infra.redis != nil {
		idem = infra.redis.Client
	}

	httpMetrics := metrics.New()
	r := chi.NewRouter()
	r.Use(request.RequestID)
	r.Use(metadata.ClientMetadata)
	r.Use(requesttime.Middleware)
	r.Use(request.Recovery(log))
	r.Use(request.Logger(log))
	r.Use(httpMetrics.Middleware)
	r.Use(request.CORS(cfg.CORSOrigins))

	r.Get("/health", healthHandler(infra))
	r.Handle("/metrics", promhttp.Handler())

	// Websocket connections live as long as the client stays; no request timeout.
	liveHandler.Register(r)

	r.Group(func(r chi.Router) {
		r.Use(request.Timeout(requestTimeout))
		r.Use(request.ContentTypeJSON)
		r.Group(func(r chi.Router) {
			r.Use(idempotency.Middleware(idem, cfg.IdempotencyTTL, log))
			loanHandler.Register(r)
		})
		chatHandler.Register(r)
		if managerHandler != nil {
			managerHandler.Register(r)
		}
		if cfg.DebugRoutes {
			loanHandler.RegisterDebug(r)
		}
	})

	srv := httpserver.New(cfg.Addr, r, httpserver.WithLogger(log))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting loanflow",
			"addr", cfg.Addr,
			"store", cfg.LoanStore,
			"policy", cfg.Underwriting.Policy,
			"llm_provider", cfg.LLM.Provider,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	if bridge != nil {
		g.Go(func() error { return bridge.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("graceful shutdown failed: %w", err))
		}
		if err := runner.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("drain pipeline runs: %w", err))
		}
		if err := publisher.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("flush events: %w", err))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

// newManagerHandler returns nil when no manager password is configured; the
// manager routes are then not mounted.
func newManagerHandler(cfg config.Server, log *slog.Logger, loans loanhandler.Service, analyzer loanhandler.Analyzer) (*loanhandler.ManagerHandler, error) {
	if !cfg.ManagerLoginEnabled() {
		log.Warn("MANAGER_PASSWORD not set; manager endpoints are disabled")
		return nil, nil
	}
	creds, err := manager.NewCredentials(cfg.ManagerUsername, cfg.ManagerPassword)
	if err != nil {
		return nil, fmt.Errorf("manager credentials: %w", err)
	}
	key := cfg.JWTSigningKey
	if key == "" {
		key, err = randomKey()
		if err != nil {
			return nil, err
		}
		log.Warn("JWT_SIGNING_KEY not set; using an ephemeral key, tokens will not survive a restart")
	}
	tokens := jwttoken.NewJWTService(key, jwtIssuer, jwtAudience)
	return loanhandler.NewManager(loans, analyzer, creds, tokens,
		jwttoken.NewJWTServiceAdapter(tokens), cfg.JWTTTL, log), nil
}

func healthHandler(deps *infra) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{"status": "ok", "store": deps.storeName}
		if deps.redis != nil {
			if err := deps.redis.Health(r.Context()); err != nil {
				status["redis"] = "unavailable"
				status["status"] = "degraded"
			} else {
				status["redis"] = "ok"
			}
		}
		httputil.WriteJSON(w, http.StatusOK, status)
	}
}
