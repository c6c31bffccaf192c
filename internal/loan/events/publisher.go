package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"loanflow/internal/loan/metrics"
)

const (
	defaultBatchSize   = 64
	defaultSinkTimeout = 5 * time.Second
)

// Publisher fans events out to every sink. Synchronous by default; with
// WithAsyncBuffer events are queued in a bounded buffer and delivered by a
// background worker, and Close drains what is queued.
type Publisher struct {
	sinks       []Sink
	logger      *slog.Logger
	metrics     *metrics.Metrics
	buf         *ringBuffer
	batchSize   int
	sinkTimeout time.Duration

	mu     sync.RWMutex
	closed bool

	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

type Option func(*Publisher)

// WithAsyncBuffer enables background delivery with a buffer of capacity events.
func WithAsyncBuffer(capacity int) Option {
	return func(p *Publisher) { p.buf = newRingBuffer(capacity) }
}

func WithBatchSize(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

func WithSinkTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.sinkTimeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) { p.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

func NewPublisher(sinks []Sink, opts ...Option) *Publisher {
	p := &Publisher{
		sinks:       sinks,
		logger:      slog.Default(),
		batchSize:   defaultBatchSize,
		sinkTimeout: defaultSinkTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.buf != nil {
		p.wake = make(chan struct{}, 1)
		p.done = make(chan struct{})
		p.stopped = make(chan struct{})
		go p.run()
	}
	return p
}

// Emit hands ev to the sinks. Events emitted after Close are dropped.
func (p *Publisher) Emit(ctx context.Context, ev Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.logger.DebugContext(ctx, "event dropped after close", "loan_id", ev.LoanID, "step", ev.Step)
		return
	}
	if p.buf == nil {
		p.deliver(context.WithoutCancel(ctx), []Event{ev})
		return
	}
	if p.buf.enqueue(ev) {
		p.metrics.IncrementEvent("buffer", "dropped")
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Close stops admission and, in async mode, waits for queued events to be
// delivered or for ctx to end.
func (p *Publisher) Close(ctx context.Context) error {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		if p.done != nil {
			close(p.done)
		}
	})
	if p.stopped == nil {
		return nil
	}
	select {
	case <-p.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending reports how many events wait in the async buffer.
func (p *Publisher) Pending() int {
	if p.buf == nil {
		return 0
	}
	return p.buf.len()
}

func (p *Publisher) run() {
	defer close(p.stopped)
	for {
		select {
		case <-p.wake:
			p.flush()
		case <-p.done:
			p.flush()
			if n := p.buf.droppedCount(); n > 0 {
				p.logger.Warn("event buffer overflowed during run", "dropped", n)
			}
			return
		}
	}
}

func (p *Publisher) flush() {
	for {
		batch := p.buf.dequeueBatch(p.batchSize)
		if len(batch) == 0 {
			return
		}
		p.deliver(context.Background(), batch)
	}
}

func (p *Publisher) deliver(ctx context.Context, batch []Event) {
	for _, sink := range p.sinks {
		sctx, cancel := context.WithTimeout(ctx, p.sinkTimeout)
		err := sink.Publish(sctx, batch)
		cancel()

		outcome := "ok"
		if err != nil {
			outcome = "error"
			p.logger.WarnContext(ctx, "event sink publish failed",
				"sink", sink.Name(),
				"events", len(batch),
				"error", err,
			)
		}
		for range batch {
			p.metrics.IncrementEvent(sink.Name(), outcome)
		}
	}
}
