package service_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"loanflow/internal/explain"
	"loanflow/internal/kyc"
	"loanflow/internal/llm"
	"loanflow/internal/llm/mocks"
	"loanflow/internal/loan/events"
	"loanflow/internal/loan/live"
	"loanflow/internal/loan/models"
	"loanflow/internal/loan/service"
	"loanflow/internal/loan/store"
	"loanflow/internal/underwriting"
	dErrors "loanflow/pkg/domain-errors"
)

var baseTime = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

type ServiceSuite struct {
	suite.Suite
	ctrl   *gomock.Controller
	llm    *mocks.MockClient
	store  *store.InMemoryStore
	sink   *events.MemorySink
	hub    *live.Hub
	logger *slog.Logger
	ticks  atomic.Int64
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.llm = mocks.NewMockClient(s.ctrl)
	s.store = store.NewInMemoryStore()
	s.sink = events.NewMemorySink()
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.hub = live.NewHub(s.logger, nil)
	s.ticks.Store(0)
}

// clock advances one second per reading.
func (s *ServiceSuite) clock() time.Time {
	return baseTime.Add(time.Duration(s.ticks.Add(1)) * time.Second)
}

func (s *ServiceSuite) newService(cfg underwriting.Config, opts ...service.Option) *service.Service {
	gen := explain.New(s.llm, explain.WithLogger(s.logger))
	pub := events.NewPublisher([]events.Sink{s.sink}, events.WithLogger(s.logger))
	base := []service.Option{
		service.WithLogger(s.logger),
		service.WithClock(s.clock),
		service.WithEmitter(pub),
		service.WithNotifier(s.hub),
	}
	return service.New(s.store, underwriting.NewEvaluator(cfg), gen, append(base, opts...)...)
}

func applicant() models.ApplicantData {
	return models.ApplicantData{
		Name:         "Asha Rao",
		PAN:          "abcde1234f",
		Income:       10000,
		Amount:       60000,
		Purpose:      "home renovation",
		DocumentName: "salary_slip.pdf",
	}
}

func steps(l *models.Loan) []string {
	out := make([]string, 0, len(l.Timeline))
	for _, ev := range l.Timeline {
		out = append(out, ev.Step)
	}
	return out
}

func (s *ServiceSuite) assertChronological(l *models.Loan) {
	for i := 1; i < len(l.Timeline); i++ {
		s.False(l.Timeline[i].Time.Before(l.Timeline[i-1].Time), "entry %d precedes entry %d", i, i-1)
		s.Equal(time.UTC, l.Timeline[i].Time.Location())
	}
}

func (s *ServiceSuite) createAndRun(svc *service.Service, data models.ApplicantData) *models.Loan {
	ctx := context.Background()
	loan, err := svc.Create(ctx, data)
	s.Require().NoError(err)
	s.Require().NoError(svc.Run(ctx, loan.ID))
	got, err := svc.Get(ctx, loan.ID)
	s.Require().NoError(err)
	return got
}

func (s *ServiceSuite) TestCreate() {
	svc := s.newService(underwriting.DefaultConfig())
	loan, err := svc.Create(context.Background(), applicant())
	s.Require().NoError(err)

	s.NotEmpty(loan.ID)
	s.Equal(models.StatusSubmitted, loan.Status)
	s.Equal(models.PlaceholderExplanation, loan.Explanation)
	s.Equal([]string{models.StepSubmitted, models.StepDocumentUpload}, steps(loan))
	s.Len(s.sink.ForLoan(loan.ID), 2)
}

func (s *ServiceSuite) TestGet_UnknownLoan() {
	svc := s.newService(underwriting.DefaultConfig())
	_, err := svc.Get(context.Background(), "missing")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	s.Equal("Loan not found", err.Error())
}

func (s *ServiceSuite) TestRun_PreApprovedWaitsForManager() {
	s.llm.EXPECT().Generate(gomock.Any(), gomock.Any()).Return("  SANCTION LETTER\nDear Asha Rao ...  ", nil)
	svc := s.newService(underwriting.DefaultConfig())

	loan := s.createAndRun(svc, applicant())

	s.Equal(models.StatusPendingManagerApproval, loan.Status)
	s.Equal("SANCTION LETTER\nDear Asha Rao ...", loan.SanctionLetter)
	s.Equal([]string{
		models.StepSubmitted,
		models.StepDocumentUpload,
		models.StepKYC,
		models.StepUnderwriting,
		models.StepSanctionLetter,
	}, steps(loan))
	s.assertChronological(loan)

	s.Require().NotNil(loan.Underwriting)
	s.InDelta(1992.86, loan.Underwriting.EMI, 0.01)
	s.InDelta(5.02, loan.Underwriting.Ratio, 0.01)
	s.Equal(models.StatusPreApproved, loan.Underwriting.Decision)
	s.Contains(loan.Timeline[3].Detail, "Pre-approved")
	s.Contains(loan.Timeline[2].Detail, "PAN format valid.")
}

func (s *ServiceSuite) TestRun_ManualReviewGetsExplanation() {
	s.llm.EXPECT().Generate(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, req llm.Request) (string, error) {
		s.Contains(req.Messages[1].Content, "manual_review")
		return "We need a closer look at your file.", nil
	})
	svc := s.newService(underwriting.DefaultConfig())
	data := applicant()
	data.Income = 3000

	loan := s.createAndRun(svc, data)

	s.Equal(models.StatusManualReview, loan.Status)
	s.Equal("We need a closer look at your file.", loan.Explanation)
	s.Empty(loan.SanctionLetter)
	last, _ := loan.LastEvent()
	s.Equal(models.StepExplanation, last.Step)
}

func (s *ServiceSuite) TestRun_InvalidPANSkipsUnderwriting() {
	s.llm.EXPECT().Generate(gomock.Any(), gomock.Any()).Return("", errors.New("upstream 503"))
	svc := s.newService(underwriting.DefaultConfig())
	data := applicant()
	data.PAN = "12345ABCDE"
	data.DocumentName = ""

	loan := s.createAndRun(svc, data)

	s.Equal(models.StatusRejected, loan.Status)
	s.Equal([]string{models.StepSubmitted, models.StepKYC, models.StepExplanation}, steps(loan))
	s.Contains(loan.Timeline[1].Detail, "Invalid PAN format.")
	s.Equal("Application is rejected.", loan.Explanation)
}

func (s *ServiceSuite) TestRun_GeneratorFailureFallsBack() {
	s.llm.EXPECT().Generate(gomock.Any(), gomock.Any()).Return("", llm.ErrTimeout)
	svc := s.newService(underwriting.DefaultConfig())

	loan := s.createAndRun(svc, applicant())

	s.Equal(models.StatusPendingManagerApproval, loan.Status)
	s.Equal("Application is pre_approved.", loan.SanctionLetter)
}

func (s *ServiceSuite) TestRun_LoanToIncomePolicyRejects() {
	s.llm.EXPECT().Generate(gomock.Any(), gomock.Any()).Return("Sorry.", nil)
	cfg := underwriting.DefaultConfig()
	cfg.Policy = underwriting.PolicyLoanToIncome
	svc := s.newService(cfg)

	loan := s.createAndRun(svc, applicant())

	s.Equal(models.StatusRejected, loan.Status)
	s.Equal(underwriting.ReasonHighDebt, loan.Underwriting.ReasonCode)
	s.InDelta(6.0, loan.Underwriting.Ratio, 1e-9)
}

func (s *ServiceSuite) TestRun_OneTimelineEntryPerStage() {
	s.llm.EXPECT().Generate(gomock.Any(), gomock.Any()).Return("text", nil)
	svc := s.newService(underwriting.DefaultConfig())
	data := applicant()
	data.DocumentName = ""

	loan, err := svc.Create(context.Background(), data)
	s.Require().NoError(err)
	s.Len(loan.Timeline, 1)

	s.Require().NoError(svc.Run(context.Background(), loan.ID))
	got, err := svc.Get(context.Background(), loan.ID)
	s.Require().NoError(err)
	s.Len(got.Timeline, 4, "kyc, underwriting and text add one entry each")
	s.Len(s.sink.ForLoan(loan.ID), 4)
}

func (s *ServiceSuite) TestRun_DocumentStepsPrecedeKYC() {
	s.llm.EXPECT().Generate(gomock.Any(), gomock.Any()).Return("text", nil)
	svc := s.newService(underwriting.DefaultConfig(), service.WithDocumentVerifier(kyc.NewDocumentVerifier(0)))

	loan := s.createAndRun(svc, applicant())

	got := steps(loan)
	kycAt := len(got) - 3
	s.Equal(models.StepKYC, got[kycAt])
	for i, ds := range kyc.DocumentSteps {
		s.Equal(ds.Step, got[2+i])
	}
	s.assertChronological(loan)
}

func (s *ServiceSuite) TestRun_OnlyFromSubmitted() {
	s.llm.EXPECT().Generate(gomock.Any(), gomock.Any()).Return("text", nil)
	svc := s.newService(underwriting.DefaultConfig())
	loan := s.createAndRun(svc, applicant())

	err := svc.Run(context.Background(), loan.ID)
	s.Require().Error(err)

	again, getErr := svc.Get(context.Background(), loan.ID)
	s.Require().NoError(getErr)
	s.Empty(cmp.Diff(loan, again))
}

func (s *ServiceSuite) TestDecide() {
	s.llm.EXPECT().Generate(gomock.Any(), gomock.Any()).Return("letter", nil).AnyTimes()
	svc := s.newService(underwriting.DefaultConfig())
	ctx := context.Background()

	s.Run("approve", func() {
		loan := s.createAndRun(svc, applicant())
		got, err := svc.Decide(ctx, loan.ID, service.DecisionApproved, "Verified salary.")
		s.Require().NoError(err)
		s.Equal(models.StatusApproved, got.Status)
		s.Equal("Congratulations! Your loan has been approved by our manager. Verified salary.", got.Explanation)
		last, _ := got.LastEvent()
		s.Equal(models.StepManagerDecision, last.Step)
		s.Equal("Manager approved the application: Verified salary.", last.Detail)
		s.assertChronological(got)
	})

	s.Run("reject", func() {
		loan := s.createAndRun(svc, applicant())
		got, err := svc.Decide(ctx, loan.ID, service.DecisionRejected, "Address mismatch.")
		s.Require().NoError(err)
		s.Equal(models.StatusRejected, got.Status)
		s.Equal("We regret to inform you that your loan application has been rejected. Reason: Address mismatch.", got.Explanation)
	})

	s.Run("blank comments", func() {
		approved := s.createAndRun(svc, applicant())
		got, err := svc.Decide(ctx, approved.ID, service.DecisionApproved, "   ")
		s.Require().NoError(err)
		s.Equal("Congratulations! Your loan has been approved by our manager.", got.Explanation)
		last, _ := got.LastEvent()
		s.Equal("Manager approved the application.", last.Detail)

		rejected := s.createAndRun(svc, applicant())
		got, err = svc.Decide(ctx, rejected.ID, service.DecisionRejected, "")
		s.Require().NoError(err)
		s.Equal("We regret to inform you that your loan application has been rejected.", got.Explanation)
	})

	s.Run("not pending leaves record unchanged", func() {
		loan := s.createAndRun(svc, applicant())
		_, err := svc.Decide(ctx, loan.ID, service.DecisionApproved, "first")
		s.Require().NoError(err)
		before, err := svc.Get(ctx, loan.ID)
		s.Require().NoError(err)

		_, err = svc.Decide(ctx, loan.ID, service.DecisionRejected, "second")
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
		s.Equal("Loan is not pending manager approval", err.Error())

		after, err := svc.Get(ctx, loan.ID)
		s.Require().NoError(err)
		s.Empty(cmp.Diff(before, after))
	})

	s.Run("submitted loan cannot be decided", func() {
		loan, err := svc.Create(ctx, applicant())
		s.Require().NoError(err)
		_, err = svc.Decide(ctx, loan.ID, service.DecisionApproved, "")
		s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
	})

	s.Run("unknown loan", func() {
		_, err := svc.Decide(ctx, "missing", service.DecisionApproved, "")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *ServiceSuite) TestListPending() {
	s.llm.EXPECT().Generate(gomock.Any(), gomock.Any()).Return("text", nil).AnyTimes()
	svc := s.newService(underwriting.DefaultConfig())

	pending := s.createAndRun(svc, applicant())
	low := applicant()
	low.Income = 1000
	s.createAndRun(svc, low)

	got, err := svc.ListPending(context.Background())
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal(pending.ID, got[0].ID)
}

// A manager decision racing the pipeline must never interleave with a
// stage: it either fails (not yet pending) or lands after the sanction letter.
func (s *ServiceSuite) TestDecisionRacingPipeline() {
	s.llm.EXPECT().Generate(gomock.Any(), gomock.Any()).Return("letter", nil)
	svc := s.newService(underwriting.DefaultConfig())
	ctx := context.Background()
	loan, err := svc.Create(ctx, applicant())
	s.Require().NoError(err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = svc.Run(ctx, loan.ID)
	}()
	go func() {
		defer wg.Done()
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if _, err := svc.Decide(ctx, loan.ID, service.DecisionApproved, "ok"); err == nil {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	wg.Wait()

	got, err := svc.Get(ctx, loan.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusApproved, got.Status)
	s.Equal([]string{
		models.StepSubmitted,
		models.StepDocumentUpload,
		models.StepKYC,
		models.StepUnderwriting,
		models.StepSanctionLetter,
		models.StepManagerDecision,
	}, steps(got))
}

func (s *ServiceSuite) TestSubscribersSeeEveryChange() {
	s.llm.EXPECT().Generate(gomock.Any(), gomock.Any()).Return("letter", nil)
	svc := s.newService(underwriting.DefaultConfig())
	ctx := context.Background()
	loan, err := svc.Create(ctx, applicant())
	s.Require().NoError(err)

	sub := s.hub.Subscribe(loan.ID)
	defer sub.Close()
	s.Require().NoError(svc.Run(ctx, loan.ID))

	s.Len(sub.C, 3, "kyc, underwriting and sanction letter")
}

func TestParseManagerDecision(t *testing.T) {
	d, err := service.ParseManagerDecision("approved")
	if err != nil || d != service.DecisionApproved {
		t.Fatalf("got %q, %v", d, err)
	}
	if _, err := service.ParseManagerDecision("maybe"); !dErrors.HasCode(err, dErrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
