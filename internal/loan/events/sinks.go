package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
)

// MemorySink records every event. Used by tests and the debug endpoint.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (m *MemorySink) Name() string { return "memory" }

func (m *MemorySink) Publish(_ context.Context, batch []Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, batch...)
	return nil
}

// Events returns a copy of everything published so far.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// ForLoan returns the events of one loan in publication order.
func (m *MemorySink) ForLoan(loanID string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, ev := range m.events {
		if ev.LoanID == loanID {
			out = append(out, ev)
		}
	}
	return out
}

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink { return &LogSink{logger: logger} }

func (l *LogSink) Name() string { return "log" }

func (l *LogSink) Publish(ctx context.Context, batch []Event) error {
	for _, ev := range batch {
		l.logger.InfoContext(ctx, "loan event",
			"type", ev.Type,
			"loan_id", ev.LoanID,
			"status", ev.Status,
			"step", ev.Step,
			"detail", ev.Detail,
			"time", ev.Time,
		)
	}
	return nil
}

// Producer is the part of *kgo.Client the Kafka sink uses.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// KafkaSink produces events as JSON records keyed by loan id, so one
// loan's events stay ordered within a partition.
type KafkaSink struct {
	producer Producer
	topic    string
}

func NewKafkaSink(producer Producer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Publish(ctx context.Context, batch []Event) error {
	records := make([]*kgo.Record, 0, len(batch))
	for _, ev := range batch {
		value, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		records = append(records, &kgo.Record{
			Topic: k.topic,
			Key:   []byte(ev.LoanID),
			Value: value,
			Headers: []kgo.RecordHeader{
				{Key: "type", Value: []byte(ev.Type)},
			},
		})
	}
	if err := k.producer.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("produce %d events to %s: %w", len(records), k.topic, err)
	}
	return nil
}
