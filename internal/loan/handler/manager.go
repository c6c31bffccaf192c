package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"loanflow/internal/chat"
	"loanflow/internal/loan/models"
	"loanflow/internal/loan/service"
	"loanflow/pkg/platform/httputil"
	authmw "loanflow/pkg/platform/middleware/auth"
	request "loanflow/pkg/platform/middleware/request"
	"loanflow/pkg/requestcontext"
)

//go:generate mockgen -source=manager.go -destination=mocks/manager_mock.go -package=mocks Authenticator,TokenIssuer,Analyzer

// Authenticator checks manager credentials.
type Authenticator interface {
	Authenticate(username, password string) error
}

// TokenIssuer signs manager access tokens.
type TokenIssuer interface {
	GenerateAccessToken(subject, role string, expiresIn time.Duration) (string, error)
}

// Analyzer produces an automated recommendation for a loan.
type Analyzer interface {
	Analyze(ctx context.Context, loan *models.Loan) chat.Analysis
}

// ManagerHandler serves login and the JWT-protected manager routes.
type ManagerHandler struct {
	loans     Service
	analyzer  Analyzer
	auth      Authenticator
	tokens    TokenIssuer
	validator authmw.JWTValidator
	tokenTTL  time.Duration
	logger    *slog.Logger

	loginMiddleware []func(http.Handler) http.Handler
}

// NewManager creates the manager Handler.
func NewManager(
	loans Service,
	analyzer Analyzer,
	auth Authenticator,
	tokens TokenIssuer,
	validator authmw.JWTValidator,
	tokenTTL time.Duration,
	logger *slog.Logger) *ManagerHandler {
	return &ManagerHandler{
		loans:     loans,
		analyzer:  analyzer,
		auth:      auth,
		tokens:    tokens,
		validator: validator,
		tokenTTL:  tokenTTL,
		logger:    logger,
	}
}

// UseOnLogin adds middleware that wraps the login route only.
func (h *ManagerHandler) UseOnLogin(mw ...func(http.Handler) http.Handler) {
	h.loginMiddleware = append(h.loginMiddleware, mw...)
}

// Register registers the manager routes. Everything except login requires
// a manager token.
func (h *ManagerHandler) Register(r chi.Router) {
	r.With(h.loginMiddleware...).Post("/manager/login", h.HandleLogin)
	r.Group(func(r chi.Router) {
		r.Use(authmw.RequireManager(h.validator, h.logger))
		r.Get("/manager/pending", h.HandlePending)
		r.Post("/manager/decision", h.HandleDecision)
		r.Post("/manager/analyze", h.HandleAnalyze)
	})
}

func (h *ManagerHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[LoginRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	if err := h.auth.Authenticate(req.Username, req.Password); err != nil {
		h.logger.WarnContext(ctx, "manager login failed",
			"request_id", requestID,
			"client_ip", requestcontext.ClientIP(ctx),
		)
		httputil.WriteError(w, err)
		return
	}

	token, err := h.tokens.GenerateAccessToken(req.Username, authmw.RoleManager, h.tokenTTL)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to sign manager token",
			"request_id", requestID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "manager logged in",
		"request_id", requestID,
		"manager", req.Username,
	)
	httputil.WriteJSON(w, http.StatusOK, LoginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(h.tokenTTL.Seconds()),
	})
}

// HandlePending lists loans waiting for a decision with their automated suggestion.
func (h *ManagerHandler) HandlePending(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	loans, err := h.loans.ListPending(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to list pending loans",
			"request_id", request.GetRequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	resp := PendingResponse{PendingLoans: make([]PendingLoan, 0, len(loans))}
	for _, l := range loans {
		resp.PendingLoans = append(resp.PendingLoans, toPendingLoan(l))
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// HandleDecision approves or rejects a pending loan.
func (h *ManagerHandler) HandleDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[DecisionRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	decision, err := service.ParseManagerDecision(req.Decision)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	loan, err := h.loans.Decide(ctx, req.LoanID, decision, req.Comments)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, DecisionResponse{
		Message:    fmt.Sprintf("Loan %s successfully", decision),
		LoanStatus: loan.Status,
	})
}

// HandleAnalyze returns the automated recommendation for a loan, taking its
// chat conversation into account.
func (h *ManagerHandler) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[AnalyzeRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	loan, err := h.loans.Get(ctx, req.LoanID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	a := h.analyzer.Analyze(ctx, loan)
	httputil.WriteJSON(w, http.StatusOK, AnalyzeResponse{
		LoanID:      loan.ID,
		Decision:    a.Decision,
		Explanation: a.Explanation,
	})
}
