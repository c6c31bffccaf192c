package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	dErrors "loanflow/pkg/domain-errors"
	"loanflow/pkg/platform/httputil"
	request "loanflow/pkg/platform/middleware/request"
)

// HandleCreate stores the application and schedules its pipeline. The
// response is sent before any stage runs.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[CreateLoanRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	loan, err := h.loans.Create(ctx, req.toApplicantData())
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to create loan",
			"request_id", requestID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	if _, err := h.scheduler.Submit(ctx, loan.ID); err != nil {
		h.logger.ErrorContext(ctx, "failed to schedule pipeline",
			"request_id", requestID,
			"loan_id", loan.ID,
			"error", err,
		)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeUnavailable, "service is shutting down"))
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, CreateLoanResponse{
		LoanID:      loan.ID,
		Status:      loan.Status,
		Explanation: loan.Explanation,
		Timeline:    loan.Timeline,
	})
}

// HandleGet returns the current record.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	loanID := chi.URLParam(r, "loan_id")

	loan, err := h.loans.Get(ctx, loanID)
	if err != nil {
		if !dErrors.HasCode(err, dErrors.CodeNotFound) {
			h.logger.ErrorContext(ctx, "failed to load loan",
				"request_id", request.GetRequestID(ctx),
				"loan_id", loanID,
				"error", err,
			)
		}
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, loan)
}

// HandleDebugList dumps every stored loan.
func (h *Handler) HandleDebugList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	loans, err := h.loans.List(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to list loans",
			"request_id", request.GetRequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	resp := DebugResponse{TotalLoans: len(loans), LoanIDs: make([]string, 0, len(loans)), Loans: loans}
	for _, l := range loans {
		resp.LoanIDs = append(resp.LoanIDs, l.ID)
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}
