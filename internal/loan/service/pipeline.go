package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"loanflow/internal/explain"
	"loanflow/internal/kyc"
	"loanflow/internal/loan/models"
	"loanflow/internal/underwriting"
	"loanflow/pkg/requestcontext"
)

// errStale stops a run whose loan has moved on: a manager or another run
// changed the status between stages.
var errStale = errors.New("loan no longer in the expected status")

var decisionLabels = map[models.Status]string{
	models.StatusPreApproved:  "Pre-approved",
	models.StatusManualReview: "Needs manual review",
	models.StatusRejected:     "Rejected",
}

// Run advances a submitted loan through KYC, underwriting and text
// generation. Collaborator failures never escape a stage; the returned error
// only says why a run stopped early (store failure, cancellation, stale record).
func (s *Service) Run(ctx context.Context, loanID string) (err error) {
	s.metrics.RunStarted()
	defer s.metrics.RunFinished()

	ctx, span := s.tracer.Start(ctx, "loan.pipeline", trace.WithAttributes(attribute.String("loan.id", loanID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "pipeline stopped")
		}
		span.End()
	}()

	loan, err := s.store.FindByID(ctx, loanID)
	if err != nil {
		return translateStoreErr(err)
	}
	if loan.Status != models.StatusSubmitted {
		return fmt.Errorf("run %s: %w (status %s)", loanID, errStale, loan.Status)
	}

	kycResult, err := s.kycStage(ctx, loan)
	if err != nil {
		return err
	}
	if kycResult.Valid {
		if err := s.underwritingStage(ctx, loanID); err != nil {
			return err
		}
	}
	final, err := s.textStage(ctx, loanID, kycResult)
	if err != nil {
		return err
	}

	s.metrics.IncrementOutcome(string(final.Status))
	s.logger.InfoContext(ctx, "pipeline completed",
		"loan_id", loanID,
		"status", final.Status,
		"request_id", requestcontext.RequestID(ctx),
	)
	return nil
}

func (s *Service) stage(ctx context.Context, name string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "loan.stage."+name)
	return ctx, func(err error) {
		s.metrics.ObserveStage(name, time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, name+" failed")
		}
		span.End()
	}
}

// kycStage records document sub-steps when enabled, then the PAN check.
// An invalid PAN rejects the loan; underwriting is skipped.
func (s *Service) kycStage(ctx context.Context, loan *models.Loan) (res kyc.Result, err error) {
	ctx, end := s.stage(ctx, "kyc")
	defer func() { end(err) }()

	if s.docs != nil && loan.Data.DocumentName != "" {
		err = s.docs.Verify(ctx, loan.Data.DocumentName, func(ctx context.Context, step, detail string) error {
			_, err := s.mutate(ctx, loan.ID, func(l *models.Loan) error {
				if l.Status != models.StatusSubmitted {
					return errStale
				}
				l.Append(step, detail, s.now())
				return nil
			})
			return err
		})
		if err != nil {
			return kyc.Result{}, err
		}
	}

	res = kyc.CheckPAN(loan.Data.PAN)
	_, err = s.mutate(ctx, loan.ID, func(l *models.Loan) error {
		if l.Status != models.StatusSubmitted {
			return errStale
		}
		next := models.StatusKYCCompleted
		if !res.Valid {
			next = models.StatusRejected
			l.Underwriting = &models.UnderwritingSnapshot{
				Decision: models.StatusRejected,
				Summary:  res.Log,
				KYCValid: false,
			}
		}
		if err := l.Transition(next); err != nil {
			return err
		}
		l.Append(models.StepKYC, res.Detail(l.Data.DocumentName), s.now())
		return nil
	})
	return res, err
}

// underwritingStage evaluates the configured policy and records its decision.
func (s *Service) underwritingStage(ctx context.Context, loanID string) (err error) {
	ctx, end := s.stage(ctx, "underwriting")
	defer func() { end(err) }()

	_, err = s.mutate(ctx, loanID, func(l *models.Loan) error {
		if l.Status != models.StatusKYCCompleted {
			return errStale
		}
		result := s.evaluator.Evaluate(underwriting.Input{
			Income:       l.Data.Income,
			Amount:       l.Data.Amount,
			TenureMonths: l.Data.TenureMonths,
		})
		next := models.Status(result.Decision)
		if err := l.Transition(next); err != nil {
			return err
		}
		l.Underwriting = &models.UnderwritingSnapshot{
			Policy:     string(result.Policy),
			Decision:   next,
			Ratio:      result.Ratio,
			EMI:        result.EMI,
			Threshold:  result.Threshold,
			ReasonCode: result.ReasonCode,
			Summary:    result.Summary,
			KYCValid:   true,
		}
		l.Explanation = result.Summary
		l.Append(models.StepUnderwriting, "Underwriting completed. Result: "+decisionLabels[next]+".", s.now())
		return nil
	})
	return err
}

// textStage asks the generator for a sanction letter (pre-approved loans,
// which then wait for the manager) or an applicant explanation. The
// generator call runs outside the loan lock; the record is re-checked before
// the text is applied.
func (s *Service) textStage(ctx context.Context, loanID string, kycResult kyc.Result) (final *models.Loan, err error) {
	ctx, end := s.stage(ctx, "text")
	defer func() { end(err) }()

	snapshot, err := s.store.FindByID(ctx, loanID)
	if err != nil {
		return nil, translateStoreErr(err)
	}
	status := snapshot.Status
	facts := s.facts(snapshot, kycResult)

	if status == models.StatusPreApproved {
		letter := s.text.SanctionLetter(ctx, facts)
		return s.mutate(ctx, loanID, func(l *models.Loan) error {
			if l.Status != models.StatusPreApproved {
				return errStale
			}
			if err := l.Transition(models.StatusPendingManagerApproval); err != nil {
				return err
			}
			l.SanctionLetter = letter
			l.Append(models.StepSanctionLetter, "Sanction letter drafted and sent for manager review.", s.now())
			return nil
		})
	}

	explanation := s.text.Explanation(ctx, facts)
	return s.mutate(ctx, loanID, func(l *models.Loan) error {
		// the explanation closes the run that settled the status; it is
		// written once and never over a manager decision
		if l.Status != status || hasStep(l, models.StepExplanation) || hasStep(l, models.StepManagerDecision) {
			return errStale
		}
		l.Explanation = explanation
		l.Append(models.StepExplanation, "Decision explanation prepared for the applicant.", s.now())
		return nil
	})
}

func (s *Service) facts(l *models.Loan, kycResult kyc.Result) explain.Facts {
	cfg := s.evaluator.Config()
	tenure := l.Data.TenureMonths
	if tenure <= 0 {
		tenure = cfg.TenureYears * 12
	}
	f := explain.Facts{
		LoanID:       l.ID,
		Name:         l.Data.Name,
		Status:       string(l.Status),
		Income:       l.Data.Income,
		Amount:       l.Data.Amount,
		Purpose:      l.Data.Purpose,
		TenureMonths: tenure,
		AnnualRate:   cfg.AnnualRate,
		KYCLog:       kycResult.Log,
	}
	if u := l.Underwriting; u != nil {
		f.EMI = u.EMI
		f.Ratio = u.Ratio
		f.Threshold = u.Threshold
		f.Summary = u.Summary
	}
	return f
}

func hasStep(l *models.Loan, step string) bool {
	return slices.ContainsFunc(l.Timeline, func(ev models.TimelineEvent) bool { return ev.Step == step })
}
