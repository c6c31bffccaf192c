package models

import (
	"fmt"
	"time"

	dErrors "loanflow/pkg/domain-errors"
)

// Status is the loan lifecycle position.
type Status string

const (
	StatusSubmitted              Status = "submitted"
	StatusKYCCompleted           Status = "kyc_completed"
	StatusPreApproved            Status = "pre_approved"
	StatusManualReview           Status = "manual_review"
	StatusRejected               Status = "rejected"
	StatusPendingManagerApproval Status = "pending_manager_approval"
	StatusApproved               Status = "approved"
)

var transitions = map[Status][]Status{
	StatusSubmitted:              {StatusKYCCompleted, StatusRejected},
	StatusKYCCompleted:           {StatusPreApproved, StatusManualReview, StatusRejected},
	StatusPreApproved:            {StatusPendingManagerApproval},
	StatusPendingManagerApproval: {StatusApproved, StatusRejected},
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusSubmitted, StatusKYCCompleted, StatusPreApproved, StatusManualReview,
		StatusRejected, StatusPendingManagerApproval, StatusApproved:
		return true
	}
	return false
}

// IsTerminal reports whether the pipeline may no longer touch the loan.
func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.IsValid() {
		return "", dErrors.New(dErrors.CodeValidation, fmt.Sprintf("unknown status %q", s))
	}
	return st, nil
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Timeline step names.
const (
	StepSubmitted       = "Submitted"
	StepDocumentUpload  = "Document Upload"
	StepKYC             = "KYC Check"
	StepUnderwriting    = "Underwriting"
	StepSanctionLetter  = "Sanction Letter Generated"
	StepExplanation     = "Explanation Generated"
	StepManagerDecision = "Manager Decision"
)

// PlaceholderExplanation is shown while the pipeline is still running.
const PlaceholderExplanation = "Our AI agents are analyzing your file..."

// ApplicantData is what the applicant submitted.
type ApplicantData struct {
	Name           string  `json:"name"`
	PAN            string  `json:"pan"`
	Income         float64 `json:"income"`
	Amount         float64 `json:"amount"`
	Purpose        string  `json:"purpose"`
	DocumentName   string  `json:"document_name,omitempty"`
	Email          string  `json:"email,omitempty"`
	Phone          string  `json:"phone,omitempty"`
	Address        string  `json:"address,omitempty"`
	EmploymentType string  `json:"employment_type,omitempty"`
	TenureMonths   int     `json:"tenure_months,omitempty"`
}

// TimelineEvent is one audit entry. Time is always UTC.
type TimelineEvent struct {
	Step   string    `json:"step"`
	Detail string    `json:"detail"`
	Time   time.Time `json:"time"`
}

// UnderwritingSnapshot keeps the evaluator output for manager review.
type UnderwritingSnapshot struct {
	Policy     string  `json:"policy"`
	Decision   Status  `json:"decision"`
	Ratio      float64 `json:"ratio"`
	EMI        float64 `json:"emi"`
	Threshold  float64 `json:"threshold"`
	ReasonCode string  `json:"reason_code"`
	Summary    string  `json:"summary"`
	KYCValid   bool    `json:"kyc_valid"`
}

// Loan is the application record mutated by the pipeline and the manager.
type Loan struct {
	ID             string                `json:"loan_id"`
	Data           ApplicantData         `json:"data"`
	Status         Status                `json:"status"`
	Explanation    string                `json:"explanation"`
	SanctionLetter string                `json:"sanction_letter,omitempty"`
	Timeline       []TimelineEvent       `json:"timeline"`
	Underwriting   *UnderwritingSnapshot `json:"underwriting,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

// NewLoan creates a submitted loan with its opening timeline entries.
func NewLoan(id string, data ApplicantData, now time.Time) *Loan {
	now = now.UTC()
	l := &Loan{
		ID:          id,
		Data:        data,
		Status:      StatusSubmitted,
		Explanation: PlaceholderExplanation,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	l.Append(StepSubmitted, "Loan application submitted.", now)
	if data.DocumentName != "" {
		l.Append(StepDocumentUpload, fmt.Sprintf("Document '%s' received.", data.DocumentName), now)
	}
	return l
}

// Append adds a timeline entry at now. The timestamp is clamped so the
// timeline never runs backwards, even if the wall clock does.
func (l *Loan) Append(step, detail string, now time.Time) TimelineEvent {
	now = now.UTC()
	if n := len(l.Timeline); n > 0 && now.Before(l.Timeline[n-1].Time) {
		now = l.Timeline[n-1].Time
	}
	ev := TimelineEvent{Step: step, Detail: detail, Time: now}
	l.Timeline = append(l.Timeline, ev)
	l.UpdatedAt = now
	return ev
}

// Transition moves the loan to status to if the lifecycle graph allows it.
func (l *Loan) Transition(to Status) error {
	if !CanTransition(l.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, l.Status, to)
	}
	l.Status = to
	return nil
}

// Clone returns a deep copy safe to hand out of a store.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	c := *l
	c.Timeline = append([]TimelineEvent(nil), l.Timeline...)
	if l.Underwriting != nil {
		u := *l.Underwriting
		c.Underwriting = &u
	}
	return &c
}

// LastEvent returns the newest timeline entry.
func (l *Loan) LastEvent() (TimelineEvent, bool) {
	if len(l.Timeline) == 0 {
		return TimelineEvent{}, false
	}
	return l.Timeline[len(l.Timeline)-1], true
}

// SubmittedAt is the time of the first timeline entry.
func (l *Loan) SubmittedAt() time.Time {
	if len(l.Timeline) == 0 {
		return l.CreatedAt
	}
	return l.Timeline[0].Time
}

// Sender identifies who wrote a chat message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderManager   Sender = "manager"
	SenderAssistant Sender = "assistant"
)

// ChatMessage is one entry of the per-loan chat log.
type ChatMessage struct {
	ID        string    `json:"id"`
	LoanID    string    `json:"loan_id"`
	Sender    Sender    `json:"sender"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
