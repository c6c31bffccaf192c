package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"loanflow/pkg/platform/circuit"
)

// Guarded wraps a backend with a per-call deadline, a circuit breaker,
// metrics and a tracing span. Returned text is trimmed.
type Guarded struct {
	next     Client
	provider string
	timeout  time.Duration
	breaker  *circuit.Breaker
	metrics  *Metrics
	logger   *slog.Logger
	tracer   trace.Tracer
}

// GuardOption configures a Guarded client.
type GuardOption func(*Guarded)

func WithTimeout(d time.Duration) GuardOption {
	return func(g *Guarded) {
		if d > 0 {
			g.timeout = d
		}
	}
}

func WithBreaker(b *circuit.Breaker) GuardOption {
	return func(g *Guarded) {
		if b != nil {
			g.breaker = b
		}
	}
}

func WithMetrics(m *Metrics) GuardOption {
	return func(g *Guarded) {
		g.metrics = m
	}
}

func WithLogger(l *slog.Logger) GuardOption {
	return func(g *Guarded) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewGuarded wraps next. provider labels logs and metrics.
func NewGuarded(next Client, provider string, opts ...GuardOption) *Guarded {
	g := &Guarded{
		next:     next,
		provider: provider,
		timeout:  DefaultTimeout,
		logger:   slog.Default(),
		tracer:   otel.Tracer("loanflow/llm"),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.breaker == nil {
		g.breaker = circuit.New("llm-"+provider, circuit.WithFailureThreshold(5), circuit.WithCooldown(30*time.Second))
	}
	return g
}

func (g *Guarded) Generate(ctx context.Context, req Request) (string, error) {
	ctx, span := g.tracer.Start(ctx, "llm.generate", trace.WithAttributes(
		attribute.String("llm.provider", g.provider),
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.messages", len(req.Messages)),
	))
	defer span.End()

	if !g.breaker.Allow() {
		g.metrics.IncrementRequest(g.provider, "short_circuit")
		span.SetStatus(codes.Error, "circuit open")
		return "", ErrUnavailable
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	text, err := g.next.Generate(callCtx, req)
	g.metrics.ObserveLatency(g.provider, time.Since(start))

	text = strings.TrimSpace(text)
	outcome := "ok"
	switch {
	case err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		outcome = "timeout"
		err = fmt.Errorf("%w after %s: %w", ErrTimeout, g.timeout, err)
	case err != nil:
		outcome = "error"
	case text == "":
		outcome = "empty"
		err = ErrEmptyResponse
	}
	g.metrics.IncrementRequest(g.provider, outcome)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		if _, change := g.breaker.RecordFailure(); change.Opened {
			g.metrics.SetCircuitOpen(g.provider, true)
			g.logger.WarnContext(ctx, "llm circuit opened",
				"provider", g.provider,
				"error", err,
			)
		}
		return "", err
	}

	if _, change := g.breaker.RecordSuccess(); change.Closed {
		g.metrics.SetCircuitOpen(g.provider, false)
		g.logger.InfoContext(ctx, "llm circuit closed", "provider", g.provider)
	}
	return text, nil
}
