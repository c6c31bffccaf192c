// Package events publishes loan timeline changes to external sinks.
// Publication is best effort: a sink failure is logged and counted and never
// reaches the pipeline.
package events

import (
	"context"
	"time"

	"loanflow/internal/loan/models"
)

// Type names the kind of change.
type Type string

const (
	TypeStep     Type = "loan.step"
	TypeDecision Type = "loan.manager_decision"
)

// Event is one timeline append, tagged with the status after the append.
type Event struct {
	Type   Type          `json:"type"`
	LoanID string        `json:"loan_id"`
	Status models.Status `json:"status"`
	Step   string        `json:"step"`
	Detail string        `json:"detail"`
	Time   time.Time     `json:"time"`
}

// FromTimeline builds a step event.
func FromTimeline(loanID string, status models.Status, ev models.TimelineEvent) Event {
	t := TypeStep
	if ev.Step == models.StepManagerDecision {
		t = TypeDecision
	}
	return Event{
		Type:   t,
		LoanID: loanID,
		Status: status,
		Step:   ev.Step,
		Detail: ev.Detail,
		Time:   ev.Time,
	}
}

// Sink delivers a batch of events somewhere.
type Sink interface {
	Name() string
	Publish(ctx context.Context, batch []Event) error
}

// Emitter is what the pipeline depends on.
type Emitter interface {
	Emit(ctx context.Context, ev Event)
}
