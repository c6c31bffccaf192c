package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"loanflow/internal/explain"
	"loanflow/internal/kyc"
	"loanflow/internal/loan/events"
	"loanflow/internal/loan/live"
	"loanflow/internal/loan/metrics"
	"loanflow/internal/loan/models"
	"loanflow/internal/loan/store"
	"loanflow/internal/underwriting"
	dErrors "loanflow/pkg/domain-errors"
	"loanflow/pkg/requestcontext"
)

// Client-visible messages.
const (
	msgLoanNotFound = "Loan not found"
	msgNotPending   = "Loan is not pending manager approval"
)

// TextGenerator phrases applicant-facing text. Implementations never fail;
// they fall back to a fixed sentence.
type TextGenerator interface {
	Explanation(ctx context.Context, f explain.Facts) string
	SanctionLetter(ctx context.Context, f explain.Facts) string
}

// Service owns the loan lifecycle: creation, the processing pipeline and
// manager decisions. Every read-modify-write of one loan runs under that
// loan's lock.
type Service struct {
	store     store.Store
	evaluator *underwriting.Evaluator
	text      TextGenerator
	docs      *kyc.DocumentVerifier
	notifier  live.Notifier
	emitter   events.Emitter
	locks     *keyedMutex
	metrics   *metrics.Metrics
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
	newID     func() string
}

type Option func(*Service)

// WithDocumentVerifier enables the document verification sub-steps of KYC.
func WithDocumentVerifier(v *kyc.DocumentVerifier) Option {
	return func(s *Service) { s.docs = v }
}

func WithNotifier(n live.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithEmitter(e events.Emitter) Option {
	return func(s *Service) { s.emitter = e }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock overrides the wall clock used for timeline entries.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

func New(st store.Store, evaluator *underwriting.Evaluator, text TextGenerator, opts ...Option) *Service {
	s := &Service{
		store:     st,
		evaluator: evaluator,
		text:      text,
		locks:     newKeyedMutex(),
		logger:    slog.Default(),
		tracer:    otel.Tracer("loanflow/loan"),
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create stores a new submitted loan. The pipeline is started separately.
func (s *Service) Create(ctx context.Context, data models.ApplicantData) (*models.Loan, error) {
	loan := models.NewLoan(s.newID(), data, s.now())
	if err := s.store.Create(ctx, loan); err != nil {
		s.logger.ErrorContext(ctx, "failed to store loan",
			"loan_id", loan.ID,
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create loan")
	}
	s.publish(ctx, loan, 0)
	s.logger.InfoContext(ctx, "loan submitted",
		"loan_id", loan.ID,
		"request_id", requestcontext.RequestID(ctx),
	)
	return loan, nil
}

// Get returns the current record.
func (s *Service) Get(ctx context.Context, loanID string) (*models.Loan, error) {
	loan, err := s.store.FindByID(ctx, loanID)
	if err != nil {
		return nil, translateStoreErr(err)
	}
	return loan, nil
}

// List returns every loan, oldest first.
func (s *Service) List(ctx context.Context) ([]*models.Loan, error) {
	loans, err := s.store.List(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list loans")
	}
	return loans, nil
}

// ListPending returns loans awaiting a manager decision, oldest first.
func (s *Service) ListPending(ctx context.Context) ([]*models.Loan, error) {
	loans, err := s.store.ListByStatus(ctx, models.StatusPendingManagerApproval)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list pending loans")
	}
	return loans, nil
}

// ManagerDecision is the outcome a manager may record.
type ManagerDecision string

const (
	DecisionApproved ManagerDecision = "approved"
	DecisionRejected ManagerDecision = "rejected"
)

// ParseManagerDecision validates a decision string.
func ParseManagerDecision(s string) (ManagerDecision, error) {
	switch d := ManagerDecision(s); d {
	case DecisionApproved, DecisionRejected:
		return d, nil
	}
	return "", dErrors.New(dErrors.CodeValidation, "decision must be 'approved' or 'rejected'")
}

// Decide applies a manager decision. Only loans pending manager approval
// accept it; any other status leaves the record untouched.
func (s *Service) Decide(ctx context.Context, loanID string, decision ManagerDecision, comments string) (*models.Loan, error) {
	comments = strings.TrimSpace(comments)
	var to models.Status
	var explanation string
	switch decision {
	case DecisionApproved:
		to = models.StatusApproved
		explanation = "Congratulations! Your loan has been approved by our manager."
		if comments != "" {
			explanation += " " + comments
		}
	case DecisionRejected:
		to = models.StatusRejected
		explanation = "We regret to inform you that your loan application has been rejected."
		if comments != "" {
			explanation += " Reason: " + comments
		}
	default:
		return nil, dErrors.New(dErrors.CodeValidation, "decision must be 'approved' or 'rejected'")
	}

	loan, err := s.mutate(ctx, loanID, func(l *models.Loan) error {
		if l.Status != models.StatusPendingManagerApproval {
			return dErrors.New(dErrors.CodeBadRequest, msgNotPending)
		}
		if err := l.Transition(to); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInvariantViolation, "illegal status transition")
		}
		l.Explanation = explanation
		l.Append(models.StepManagerDecision, managerStepMessage(decision, comments), s.now())
		return nil
	})
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeBadRequest) {
			s.logger.WarnContext(ctx, "manager decision on loan not pending approval",
				"loan_id", loanID,
				"manager", requestcontext.Manager(ctx),
				"request_id", requestcontext.RequestID(ctx),
			)
		}
		return nil, err
	}

	s.metrics.IncrementManagerDecision(string(decision))
	s.logger.InfoContext(ctx, "manager decision recorded",
		"loan_id", loanID,
		"decision", decision,
		"manager", requestcontext.Manager(ctx),
		"request_id", requestcontext.RequestID(ctx),
	)
	return loan, nil
}

// mutate loads loanID under its lock, applies fn and saves the result.
// Subscribers and event sinks are told about the new timeline entries
// before the lock is released, so they observe changes in order.
func (s *Service) mutate(ctx context.Context, loanID string, fn func(l *models.Loan) error) (*models.Loan, error) {
	unlock := s.locks.Lock(loanID)
	defer unlock()

	loan, err := s.store.FindByID(ctx, loanID)
	if err != nil {
		return nil, translateStoreErr(err)
	}
	before := len(loan.Timeline)

	if err := fn(loan); err != nil {
		return nil, err
	}

	if err := s.store.Save(ctx, loan); err != nil {
		s.metrics.IncrementStoreError("primary", "save")
		s.logger.ErrorContext(ctx, "failed to save loan",
			"loan_id", loanID,
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to save loan")
	}
	s.publish(ctx, loan, before)
	return loan.Clone(), nil
}

// publish notifies live subscribers and emits every timeline entry from index from.
func (s *Service) publish(ctx context.Context, loan *models.Loan, from int) {
	if s.notifier != nil {
		s.notifier.Notify(ctx, loan)
	}
	if s.emitter == nil {
		return
	}
	for _, ev := range loan.Timeline[from:] {
		s.emitter.Emit(ctx, events.FromTimeline(loan.ID, loan.Status, ev))
	}
}

func translateStoreErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, msgLoanNotFound)
	}
	if _, ok := dErrors.As(err); ok {
		return err
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load loan")
}

func managerStepMessage(decision ManagerDecision, comments string) string {
	if comments == "" {
		return fmt.Sprintf("Manager %s the application.", decision)
	}
	return fmt.Sprintf("Manager %s the application: %s", decision, comments)
}
