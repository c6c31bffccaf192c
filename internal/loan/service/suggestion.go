package service

import (
	"math"

	"loanflow/internal/loan/models"
	"loanflow/internal/underwriting"
)

// Suggestion is the automated recommendation shown next to a pending loan.
type Suggestion struct {
	Label       string
	Confidence  int
	Explanation string
}

const (
	defaultConfidence  = 85
	minConfidence      = 55
	maxConfidence      = 97
	defaultExplanation = "Application meets all criteria and has been recommended for approval."
)

// Recommendation maps the label onto a manager decision, or manual_review
// when the snapshot calls for a closer look.
func (s Suggestion) Recommendation() string {
	switch s.Label {
	case "APPROVED":
		return string(models.StatusApproved)
	case "REJECTED":
		return string(models.StatusRejected)
	default:
		return string(models.StatusManualReview)
	}
}

// SuggestionFor derives the recommendation from the underwriting snapshot.
// Confidence grows with the headroom between the measured ratio and the
// policy limit.
func SuggestionFor(l *models.Loan) Suggestion {
	u := l.Underwriting
	if u == nil {
		return Suggestion{Label: "APPROVED", Confidence: defaultConfidence, Explanation: defaultExplanation}
	}

	label := "REVIEW"
	switch u.Decision {
	case models.StatusPreApproved:
		label = "APPROVED"
	case models.StatusRejected:
		label = "REJECTED"
	}

	var headroom float64
	switch {
	case u.Threshold <= 0:
		headroom = 0
	case u.Policy == string(underwriting.PolicyLoanToIncome):
		// lower is better: 0 at the limit, 1 at no debt
		headroom = 1 - u.Ratio/u.Threshold
	default:
		// higher is better: 0 at the threshold, 1 at twice the threshold
		headroom = u.Ratio/u.Threshold - 1
	}
	headroom = math.Max(0, math.Min(1, headroom))
	confidence := minConfidence + int(math.Round(headroom*float64(maxConfidence-minConfidence)))

	explanation := u.Summary
	if explanation == "" {
		explanation = defaultExplanation
	}
	return Suggestion{Label: label, Confidence: confidence, Explanation: explanation}
}
