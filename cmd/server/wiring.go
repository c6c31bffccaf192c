package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"loanflow/internal/explain"
	"loanflow/internal/llm"
	"loanflow/internal/loan/events"
	loanmetrics "loanflow/internal/loan/metrics"
	"loanflow/internal/loan/store"
	"loanflow/internal/platform/config"
	"loanflow/internal/platform/database"
	"loanflow/internal/platform/kafka"
	"loanflow/internal/platform/redis"
	"loanflow/internal/ratelimit"
	"loanflow/pkg/platform/circuit"
)

// infra holds the process-lifetime connections opened at startup.
type infra struct {
	store     store.Store
	storeName string
	redis     *redis.Client
	kafka     *kgo.Client
	closers   []func() error
}

func (i *infra) close(log *slog.Logger) {
	for j := len(i.closers) - 1; j >= 0; j-- {
		if err := i.closers[j](); err != nil {
			log.Warn("failed to close resource", "error", err)
		}
	}
}

// openInfra connects the optional backends. Memory is always the primary
// loan store; an unreachable mirror is logged and skipped. Redis and Kafka are
// required once configured.
func openInfra(ctx context.Context, cfg config.Server, log *slog.Logger, m *loanmetrics.Metrics) (*infra, error) {
	in := &infra{store: store.NewInMemoryStore(), storeName: config.StoreMemory}

	if mirror, closer, err := openMirror(ctx, cfg); err != nil {
		log.ErrorContext(ctx, "loan store mirror unavailable; continuing in memory only",
			"store", cfg.LoanStore,
			"error", err,
		)
	} else if mirror != nil {
		in.closers = append(in.closers, closer)
		in.store = store.NewMirrored(in.store, mirror, cfg.LoanStore,
			store.WithMirrorLogger(log),
			store.WithMirrorMetrics(m),
			store.WithMirrorBreaker(circuit.New("store-"+cfg.LoanStore)),
		)
		in.storeName = cfg.LoanStore
	}

	rdb, err := redis.New(ctx, cfg.RedisURL)
	if err != nil {
		in.close(log)
		return nil, err
	}
	if rdb != nil {
		in.redis = rdb
		in.closers = append(in.closers, rdb.Close)
	}

	if len(cfg.KafkaBrokers) > 0 {
		kcfg := kafka.Config{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic}
		client, err := kafka.NewProducer(ctx, kcfg)
		if err != nil {
			in.close(log)
			return nil, err
		}
		in.closers = append(in.closers, func() error { client.Close(); return nil })
		if err := kafka.EnsureTopic(ctx, client, kcfg); err != nil {
			in.close(log)
			return nil, err
		}
		in.kafka = client
	}
	return in, nil
}

func openMirror(ctx context.Context, cfg config.Server) (store.Store, func() error, error) {
	switch cfg.LoanStore {
	case config.StorePostgres:
		db, err := database.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		s := store.NewPostgresStore(db)
		if err := s.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return s, db.Close, nil
	case config.StoreSQLite, config.StoreMySQL:
		open, dsn := database.OpenSQLite, cfg.SQLitePath
		if cfg.LoanStore == config.StoreMySQL {
			open, dsn = database.OpenMySQL, cfg.MySQLDSN
		}
		db, err := open(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		s := store.NewGormStore(db)
		if err := s.Migrate(ctx); err != nil {
			_ = database.Close(db)
			return nil, nil, fmt.Errorf("migrate %s: %w", cfg.LoanStore, err)
		}
		return s, func() error { return database.Close(db) }, nil
	default:
		return nil, nil, nil
	}
}

// newLLM builds the configured backend behind the timeout and breaker guard.
func newLLM(ctx context.Context, cfg config.Server, log *slog.Logger) (llm.Client, error) {
	backend, err := llm.New(ctx, cfg.LLM, log)
	if err != nil {
		return nil, err
	}
	return llm.NewGuarded(backend, cfg.LLM.Provider,
		llm.WithTimeout(cfg.LLM.Timeout),
		llm.WithBreaker(circuit.New("llm-"+cfg.LLM.Provider)),
		llm.WithMetrics(llm.NewMetrics()),
		llm.WithLogger(log),
	), nil
}

func newGenerator(cfg config.Server, client llm.Client, log *slog.Logger) *explain.Generator {
	return explain.New(client,
		explain.WithModel(cfg.LLM.Model),
		explain.WithTemperature(cfg.LLM.Temperature),
		explain.WithMaxTokens(cfg.LLM.MaxTokens),
		explain.WithLogger(log),
	)
}

func newPublisher(cfg config.Server, log *slog.Logger, m *loanmetrics.Metrics, producer *kgo.Client) *events.Publisher {
	sinks := []events.Sink{events.NewLogSink(log)}
	if producer != nil {
		sinks = append(sinks, events.NewKafkaSink(producer, cfg.KafkaTopic))
	}
	return events.NewPublisher(sinks,
		events.WithAsyncBuffer(1024),
		events.WithLogger(log),
		events.WithMetrics(m),
	)
}

// newLimiter shares windows through redis when it is configured.
func newLimiter(cfg config.Server, in *infra) *ratelimit.Limiter {
	var st ratelimit.Store = ratelimit.NewInMemoryStore()
	if in.redis != nil {
		st = ratelimit.NewRedisStore(in.redis.Client)
	}
	return ratelimit.NewLimiter(st, map[ratelimit.Class]ratelimit.Rule{
		ratelimit.ClassLLM:   {Limit: cfg.RateLimitLLM, Window: time.Minute},
		ratelimit.ClassLogin: {Limit: cfg.RateLimitLogin, Window: time.Minute},
	})
}

func randomKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate signing key: %w", err)
	}
	return hex.EncodeToString(b), nil
}
