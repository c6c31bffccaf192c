package handler

import (
	"time"

	"loanflow/internal/chat"
	"loanflow/internal/loan/models"
	"loanflow/internal/loan/service"
)

// CreateLoanResponse acknowledges a submission; processing continues in the background.
type CreateLoanResponse struct {
	LoanID      string                 `json:"loan_id"`
	Status      models.Status          `json:"status"`
	Explanation string                 `json:"explanation"`
	Timeline    []models.TimelineEvent `json:"timeline"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

type PendingApplicant struct {
	Name    string  `json:"name"`
	Amount  float64 `json:"amount"`
	Purpose string  `json:"purpose"`
	PAN     string  `json:"pan"`
	Income  float64 `json:"income"`
}

type PendingLoan struct {
	LoanID         string           `json:"loan_id"`
	Data           PendingApplicant `json:"data"`
	SanctionLetter string           `json:"sanction_letter"`
	SubmittedAt    time.Time        `json:"submitted_at"`
	AISuggestion   string           `json:"ai_suggestion"`
	AIConfidence   int              `json:"ai_confidence"`
	AIExplanation  string           `json:"ai_explanation"`
}

type PendingResponse struct {
	PendingLoans []PendingLoan `json:"pending_loans"`
}

type DecisionResponse struct {
	Message    string        `json:"message"`
	LoanStatus models.Status `json:"loan_status"`
}

type AnalyzeResponse struct {
	LoanID      string `json:"loan_id"`
	Decision    string `json:"decision"`
	Explanation string `json:"explanation"`
}

type DebugResponse struct {
	TotalLoans int            `json:"total_loans"`
	LoanIDs    []string       `json:"loan_ids"`
	Loans      []*models.Loan `json:"loans"`
}

func toPendingLoan(l *models.Loan) PendingLoan {
	s := service.SuggestionFor(l)
	return PendingLoan{
		LoanID: l.ID,
		Data: PendingApplicant{
			Name:    l.Data.Name,
			Amount:  l.Data.Amount,
			Purpose: l.Data.Purpose,
			PAN:     l.Data.PAN,
			Income:  l.Data.Income,
		},
		SanctionLetter: l.SanctionLetter,
		SubmittedAt:    l.SubmittedAt(),
		AISuggestion:   s.Label,
		AIConfidence:   s.Confidence,
		AIExplanation:  s.Explanation,
	}
}

// SuggestedAnalysis turns the underwriting suggestion into an analysis. It
// backs /manager/analyze when the model gives no usable answer.
func SuggestedAnalysis(l *models.Loan) chat.Analysis {
	s := service.SuggestionFor(l)
	return chat.Analysis{Decision: s.Recommendation(), Explanation: s.Explanation}
}
