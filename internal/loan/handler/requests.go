package handler

import (
	"slices"
	"strings"

	"loanflow/internal/loan/models"
	dErrors "loanflow/pkg/domain-errors"
)

var allowedTenures = []int{12, 24, 36, 48, 60}

const maxCommentLength = 2000

// CreateLoanRequest is the applicant submission.
type CreateLoanRequest struct {
	Name           string  `json:"name"`
	PAN            string  `json:"pan"`
	Income         float64 `json:"income"`
	Amount         float64 `json:"amount"`
	Purpose        string  `json:"purpose"`
	DocumentName   string  `json:"document_name"`
	Email          string  `json:"email"`
	Phone          string  `json:"phone"`
	Address        string  `json:"address"`
	EmploymentType string  `json:"employment_type"`
	TenureMonths   int     `json:"tenure_months"`
}

// Validate trims fields and checks the form. The PAN layout is not checked
// here: a malformed PAN is a KYC outcome, not a bad request.
func (r *CreateLoanRequest) Validate() error {
	r.Name = strings.TrimSpace(r.Name)
	r.PAN = strings.TrimSpace(r.PAN)
	r.Purpose = strings.TrimSpace(r.Purpose)
	r.DocumentName = strings.TrimSpace(r.DocumentName)
	r.Email = strings.TrimSpace(r.Email)
	r.Phone = strings.TrimSpace(r.Phone)
	r.Address = strings.TrimSpace(r.Address)
	r.EmploymentType = strings.TrimSpace(r.EmploymentType)

	switch {
	case r.Name == "":
		return dErrors.New(dErrors.CodeValidation, "name is required")
	case r.PAN == "":
		return dErrors.New(dErrors.CodeValidation, "pan is required")
	case r.Income <= 0:
		return dErrors.New(dErrors.CodeValidation, "income must be positive")
	case r.Amount <= 0:
		return dErrors.New(dErrors.CodeValidation, "amount must be positive")
	case r.TenureMonths != 0 && !slices.Contains(allowedTenures, r.TenureMonths):
		return dErrors.New(dErrors.CodeValidation, "tenure_months must be one of 12, 24, 36, 48, 60")
	}
	return nil
}

func (r *CreateLoanRequest) toApplicantData() models.ApplicantData {
	return models.ApplicantData{
		Name:           r.Name,
		PAN:            r.PAN,
		Income:         r.Income,
		Amount:         r.Amount,
		Purpose:        r.Purpose,
		DocumentName:   r.DocumentName,
		Email:          r.Email,
		Phone:          r.Phone,
		Address:        r.Address,
		EmploymentType: r.EmploymentType,
		TenureMonths:   r.TenureMonths,
	}
}

// LoginRequest carries the manager credentials.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (r *LoginRequest) Validate() error {
	r.Username = strings.TrimSpace(r.Username)
	if r.Username == "" || r.Password == "" {
		return dErrors.New(dErrors.CodeValidation, "username and password are required")
	}
	return nil
}

// DecisionRequest records a manager decision.
type DecisionRequest struct {
	LoanID   string `json:"loan_id"`
	Decision string `json:"decision"`
	Comments string `json:"comments"`
}

func (r *DecisionRequest) Validate() error {
	r.LoanID = strings.TrimSpace(r.LoanID)
	r.Decision = strings.ToLower(strings.TrimSpace(r.Decision))
	r.Comments = strings.TrimSpace(r.Comments)
	if r.LoanID == "" {
		return dErrors.New(dErrors.CodeValidation, "loan_id is required")
	}
	if len(r.Comments) > maxCommentLength {
		return dErrors.New(dErrors.CodeValidation, "comments are too long")
	}
	return nil
}

// AnalyzeRequest asks for an automated recommendation on a loan.
type AnalyzeRequest struct {
	LoanID string `json:"loan_id"`
}

func (r *AnalyzeRequest) Validate() error {
	r.LoanID = strings.TrimSpace(r.LoanID)
	if r.LoanID == "" {
		return dErrors.New(dErrors.CodeValidation, "loan_id is required")
	}
	return nil
}
