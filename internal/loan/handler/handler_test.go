package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"loanflow/internal/chat"
	"loanflow/internal/loan/handler/mocks"
	"loanflow/internal/loan/models"
	"loanflow/internal/loan/service"
	dErrors "loanflow/pkg/domain-errors"
	authmw "loanflow/pkg/platform/middleware/auth"
	"loanflow/pkg/platform/sentinel"
	"loanflow/pkg/testutil"
)

var createdAt = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

type stubValidator map[string]*authmw.JWTClaims

func (s stubValidator) ValidateToken(token string) (*authmw.JWTClaims, error) {
	if c, ok := s[token]; ok {
		return c, nil
	}
	return nil, errors.New("invalid token")
}

type LoanHandlerSuite struct {
	suite.Suite
	svc       *mocks.MockService
	scheduler *mocks.MockScheduler
	auth      *mocks.MockAuthenticator
	tokens    *mocks.MockTokenIssuer
	analyzer  *mocks.MockAnalyzer
	router    chi.Router
}

func TestLoanHandlerSuite(t *testing.T) {
	suite.Run(t, new(LoanHandlerSuite))
}

func (s *LoanHandlerSuite) SetupTest() {
	ctrl := gomock.NewController(s.T())
	s.svc = mocks.NewMockService(ctrl)
	s.scheduler = mocks.NewMockScheduler(ctrl)
	s.auth = mocks.NewMockAuthenticator(ctrl)
	s.tokens = mocks.NewMockTokenIssuer(ctrl)
	s.analyzer = mocks.NewMockAnalyzer(ctrl)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	validator := stubValidator{
		"manager-token":   {Subject: "manager", Role: authmw.RoleManager},
		"applicant-token": {Subject: "someone", Role: "applicant"},
	}

	s.router = chi.NewRouter()
	h := New(s.svc, s.scheduler, logger)
	h.Register(s.router)
	h.RegisterDebug(s.router)
	NewManager(s.svc, s.analyzer, s.auth, s.tokens, validator, time.Hour, logger).Register(s.router)
}

func validRequest() map[string]any {
	return map[string]any{
		"name":          "Asha Rao",
		"pan":           "ABCDE1234F",
		"income":        10000,
		"amount":        60000,
		"purpose":       "renovation",
		"document_name": "slip.pdf",
	}
}

func pendingLoan() *models.Loan {
	l := models.NewLoan("loan-1", models.ApplicantData{
		Name: "Asha Rao", PAN: "ABCDE1234F", Income: 10000, Amount: 60000, Purpose: "renovation",
	}, createdAt)
	l.Status = models.StatusPendingManagerApproval
	l.SanctionLetter = "SANCTION LETTER"
	l.Underwriting = &models.UnderwritingSnapshot{
		Policy: "emi_coverage", Decision: models.StatusPreApproved, Ratio: 5.02, Threshold: 2, Summary: "Monthly income 10000.00",
	}
	return l
}

func (s *LoanHandlerSuite) TestCreate() {
	s.Run("accepted and scheduled", func() {
		loan := models.NewLoan("loan-1", models.ApplicantData{Name: "Asha Rao", DocumentName: "slip.pdf"}, createdAt)
		s.svc.EXPECT().Create(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, data models.ApplicantData) (*models.Loan, error) {
				s.Equal("Asha Rao", data.Name)
				s.Equal(60000.0, data.Amount)
				return loan, nil
			})
		s.scheduler.EXPECT().Submit(gomock.Any(), "loan-1").Return(&service.Task{LoanID: "loan-1"}, nil)

		rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/loans", validRequest()))
		s.Require().Equal(http.StatusAccepted, rr.Code, rr.Body.String())
		resp := testutil.UnmarshalResponse[CreateLoanResponse](s.T(), rr)
		s.Equal("loan-1", resp.LoanID)
		s.Equal(models.StatusSubmitted, resp.Status)
		s.Equal(models.PlaceholderExplanation, resp.Explanation)
		s.Len(resp.Timeline, 2)
	})

	s.Run("validation", func() {
		cases := map[string]func(map[string]any){
			"missing name":    func(m map[string]any) { delete(m, "name") },
			"zero amount":     func(m map[string]any) { m["amount"] = 0 },
			"negative income": func(m map[string]any) { m["income"] = -5 },
			"bad tenure":      func(m map[string]any) { m["tenure_months"] = 18 },
			"missing pan":     func(m map[string]any) { m["pan"] = "  " },
		}
		for name, mutate := range cases {
			body := validRequest()
			mutate(body)
			rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/loans", body))
			testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "validation_error")
			s.NotEmpty(testutil.ErrorDescription(s.T(), rr), name)
		}
	})

	s.Run("malformed pan is accepted", func() {
		body := validRequest()
		body["pan"] = "not-a-pan"
		loan := models.NewLoan("loan-2", models.ApplicantData{}, createdAt)
		s.svc.EXPECT().Create(gomock.Any(), gomock.Any()).Return(loan, nil)
		s.scheduler.EXPECT().Submit(gomock.Any(), "loan-2").Return(&service.Task{LoanID: "loan-2"}, nil)

		rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/loans", body))
		s.Equal(http.StatusAccepted, rr.Code)
	})

	s.Run("malformed body", func() {
		rr := testutil.DoRequest(s.router, testutil.NewRequestWithBody(s.T(), http.MethodPost, "/loans", `{"name":`))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "bad_request")
	})

	s.Run("store failure hides details", func() {
		s.svc.EXPECT().Create(gomock.Any(), gomock.Any()).
			Return(nil, dErrors.Wrap(errors.New("disk full"), dErrors.CodeInternal, "failed to create loan"))

		rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/loans", validRequest()))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusInternalServerError, "internal_error")
		s.Empty(testutil.ErrorDescription(s.T(), rr))
	})

	s.Run("runner closed", func() {
		loan := models.NewLoan("loan-3", models.ApplicantData{}, createdAt)
		s.svc.EXPECT().Create(gomock.Any(), gomock.Any()).Return(loan, nil)
		s.scheduler.EXPECT().Submit(gomock.Any(), "loan-3").Return(nil, sentinel.ErrClosed)

		rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/loans", validRequest()))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusServiceUnavailable, "unavailable")
	})
}

func (s *LoanHandlerSuite) TestGet() {
	s.Run("found", func() {
		s.svc.EXPECT().Get(gomock.Any(), "loan-1").Return(pendingLoan(), nil)

		rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodGet, "/loans/loan-1", nil))
		s.Require().Equal(http.StatusOK, rr.Code)
		got := testutil.UnmarshalResponse[models.Loan](s.T(), rr)
		s.Equal("loan-1", got.ID)
		s.Equal(models.StatusPendingManagerApproval, got.Status)
		s.Equal("Submitted", got.Timeline[0].Step)
	})

	s.Run("unknown", func() {
		s.svc.EXPECT().Get(gomock.Any(), "missing").Return(nil, dErrors.New(dErrors.CodeNotFound, "Loan not found"))

		rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodGet, "/loans/missing", nil))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusNotFound, "not_found")
		s.Equal("Loan not found", testutil.ErrorDescription(s.T(), rr))
	})
}

func (s *LoanHandlerSuite) TestDebugList() {
	s.svc.EXPECT().List(gomock.Any()).Return([]*models.Loan{pendingLoan()}, nil)

	rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodGet, "/debug/loans", nil))
	s.Require().Equal(http.StatusOK, rr.Code)
	resp := testutil.UnmarshalResponse[DebugResponse](s.T(), rr)
	s.Equal(1, resp.TotalLoans)
	s.Equal([]string{"loan-1"}, resp.LoanIDs)
}

func (s *LoanHandlerSuite) TestLogin() {
	s.Run("issues token", func() {
		s.auth.EXPECT().Authenticate("manager", "manager123").Return(nil)
		s.tokens.EXPECT().GenerateAccessToken("manager", authmw.RoleManager, time.Hour).Return("signed", nil)

		rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/manager/login",
			map[string]string{"username": "manager", "password": "manager123"}))
		s.Require().Equal(http.StatusOK, rr.Code)
		resp := testutil.UnmarshalResponse[LoginResponse](s.T(), rr)
		s.Equal("signed", resp.AccessToken)
		s.Equal("Bearer", resp.TokenType)
		s.Equal(3600, resp.ExpiresIn)
	})

	s.Run("bad credentials", func() {
		s.auth.EXPECT().Authenticate("manager", "nope").
			Return(dErrors.New(dErrors.CodeUnauthorized, "Invalid username or password"))

		rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/manager/login",
			map[string]string{"username": "manager", "password": "nope"}))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusUnauthorized, "unauthorized")
	})
}

func (s *LoanHandlerSuite) managerRequest(method, path string, body any) *http.Request {
	return testutil.WithBearer(testutil.NewJSONRequest(s.T(), method, path, body), "manager-token")
}

func (s *LoanHandlerSuite) TestManagerRoutesRequireToken() {
	rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodGet, "/manager/pending", nil))
	testutil.AssertStatusAndError(s.T(), rr, http.StatusUnauthorized, "unauthorized")

	req := testutil.WithBearer(testutil.NewJSONRequest(s.T(), http.MethodGet, "/manager/pending", nil), "applicant-token")
	rr = testutil.DoRequest(s.router, req)
	testutil.AssertStatusAndError(s.T(), rr, http.StatusForbidden, "forbidden")

	req = testutil.WithBearer(testutil.NewJSONRequest(s.T(), http.MethodPost, "/manager/decision", nil), "forged")
	rr = testutil.DoRequest(s.router, req)
	testutil.AssertStatusAndError(s.T(), rr, http.StatusUnauthorized, "unauthorized")
}

func (s *LoanHandlerSuite) TestPending() {
	s.svc.EXPECT().ListPending(gomock.Any()).Return([]*models.Loan{pendingLoan()}, nil)

	rr := testutil.DoRequest(s.router, s.managerRequest(http.MethodGet, "/manager/pending", nil))
	s.Require().Equal(http.StatusOK, rr.Code)
	resp := testutil.UnmarshalResponse[PendingResponse](s.T(), rr)
	s.Require().Len(resp.PendingLoans, 1)
	p := resp.PendingLoans[0]
	s.Equal("loan-1", p.LoanID)
	s.Equal("Asha Rao", p.Data.Name)
	s.Equal("SANCTION LETTER", p.SanctionLetter)
	s.WithinDuration(createdAt, p.SubmittedAt, 0)
	s.Equal("APPROVED", p.AISuggestion)
	s.Equal(97, p.AIConfidence)
	s.Equal("Monthly income 10000.00", p.AIExplanation)
}

func (s *LoanHandlerSuite) TestPending_Empty() {
	s.svc.EXPECT().ListPending(gomock.Any()).Return(nil, nil)

	rr := testutil.DoRequest(s.router, s.managerRequest(http.MethodGet, "/manager/pending", nil))
	s.Require().Equal(http.StatusOK, rr.Code)
	s.JSONEq(`{"pending_loans":[]}`, rr.Body.String())
}

func (s *LoanHandlerSuite) TestDecision() {
	s.Run("approved", func() {
		approved := pendingLoan()
		approved.Status = models.StatusApproved
		s.svc.EXPECT().Decide(gomock.Any(), "loan-1", service.DecisionApproved, "Looks good").Return(approved, nil)

		rr := testutil.DoRequest(s.router, s.managerRequest(http.MethodPost, "/manager/decision",
			map[string]string{"loan_id": "loan-1", "decision": "approved", "comments": "Looks good"}))
		s.Require().Equal(http.StatusOK, rr.Code)
		resp := testutil.UnmarshalResponse[DecisionResponse](s.T(), rr)
		s.Equal("Loan approved successfully", resp.Message)
		s.Equal(models.StatusApproved, resp.LoanStatus)
	})

	s.Run("unknown decision value", func() {
		rr := testutil.DoRequest(s.router, s.managerRequest(http.MethodPost, "/manager/decision",
			map[string]string{"loan_id": "loan-1", "decision": "maybe"}))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "validation_error")
	})

	s.Run("not pending", func() {
		s.svc.EXPECT().Decide(gomock.Any(), "loan-1", service.DecisionRejected, "").
			Return(nil, dErrors.New(dErrors.CodeBadRequest, "Loan is not pending manager approval"))

		rr := testutil.DoRequest(s.router, s.managerRequest(http.MethodPost, "/manager/decision",
			map[string]string{"loan_id": "loan-1", "decision": "rejected"}))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "bad_request")
		s.Equal("Loan is not pending manager approval", testutil.ErrorDescription(s.T(), rr))
	})

	s.Run("unknown loan", func() {
		s.svc.EXPECT().Decide(gomock.Any(), "missing", service.DecisionApproved, "").
			Return(nil, dErrors.New(dErrors.CodeNotFound, "Loan not found"))

		rr := testutil.DoRequest(s.router, s.managerRequest(http.MethodPost, "/manager/decision",
			map[string]string{"loan_id": "missing", "decision": "approved"}))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusNotFound, "not_found")
	})
}

func (s *LoanHandlerSuite) TestAnalyze() {
	loan := pendingLoan()
	s.svc.EXPECT().Get(gomock.Any(), "loan-1").Return(loan, nil)
	s.analyzer.EXPECT().Analyze(gomock.Any(), loan).
		Return(chat.Analysis{Decision: "approved", Explanation: "Income is stable."})

	rr := testutil.DoRequest(s.router, s.managerRequest(http.MethodPost, "/manager/analyze",
		map[string]string{"loan_id": "loan-1"}))
	s.Require().Equal(http.StatusOK, rr.Code)
	resp := testutil.UnmarshalResponse[AnalyzeResponse](s.T(), rr)
	s.Equal("approved", resp.Decision)
	s.Equal("Income is stable.", resp.Explanation)
}

func (s *LoanHandlerSuite) TestLoginMiddleware() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(s.svc, s.analyzer, s.auth, s.tokens, stubValidator{}, time.Hour, logger)
	m.UseOnLogin(func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		})
	})
	r := chi.NewRouter()
	m.Register(r)

	rr := testutil.DoRequest(r, testutil.NewJSONRequest(s.T(), http.MethodPost, "/manager/login",
		map[string]string{"username": "manager", "password": "pw"}))
	s.Equal(http.StatusTooManyRequests, rr.Code)

	// protected routes are not wrapped
	rr = testutil.DoRequest(r, testutil.NewJSONRequest(s.T(), http.MethodGet, "/manager/pending", nil))
	s.Equal(http.StatusUnauthorized, rr.Code)
}
