// Package underwriting computes a pre-approval decision from declared income
// and requested amount. Evaluation is pure: identical inputs always produce
// identical results.
package underwriting

import (
	"fmt"

	dErrors "loanflow/pkg/domain-errors"
)

// Policy selects the ratio rule applied by the Evaluator.
type Policy string

const (
	// PolicyEMICoverage compares monthly income against the installment.
	PolicyEMICoverage Policy = "emi_coverage"
	// PolicyLoanToIncome compares the requested amount against monthly income.
	PolicyLoanToIncome Policy = "loan_to_income"
)

// Decision is the underwriting outcome. Values match loan statuses.
type Decision string

const (
	DecisionPreApproved  Decision = "pre_approved"
	DecisionManualReview Decision = "manual_review"
	DecisionRejected     Decision = "rejected"
)

// Reason codes attached to a Result.
const (
	ReasonGoodCoverage = "GOOD_COVERAGE"
	ReasonLowCoverage  = "LOW_COVERAGE"
	ReasonGoodIncome   = "GOOD_INCOME"
	ReasonHighDebt     = "HIGH_DEBT"
	ReasonNoIncome     = "NO_INCOME"
)

const (
	DefaultRatioThreshold  = 2.0
	DefaultMaxLoanToIncome = 5.0
)

// Config holds the tunable underwriting parameters.
type Config struct {
	Policy          Policy  `yaml:"policy"`
	AnnualRate      float64 `yaml:"annual_rate"`
	TenureYears     int     `yaml:"tenure_years"`
	RatioThreshold  float64 `yaml:"ratio_threshold"`
	MaxLoanToIncome float64 `yaml:"max_loan_to_income"`
}

// DefaultConfig returns the canonical EMI-coverage policy.
func DefaultConfig() Config {
	return Config{
		Policy:          PolicyEMICoverage,
		AnnualRate:      DefaultAnnualRate,
		TenureYears:     DefaultTenureYears,
		RatioThreshold:  DefaultRatioThreshold,
		MaxLoanToIncome: DefaultMaxLoanToIncome,
	}
}

// Validate rejects configurations the evaluator cannot apply.
func (c Config) Validate() error {
	switch c.Policy {
	case PolicyEMICoverage, PolicyLoanToIncome:
	default:
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("unknown underwriting policy %q", c.Policy))
	}
	if c.AnnualRate < 0 {
		return dErrors.New(dErrors.CodeValidation, "annual_rate must not be negative")
	}
	if c.TenureYears <= 0 {
		return dErrors.New(dErrors.CodeValidation, "tenure_years must be positive")
	}
	if c.RatioThreshold <= 0 {
		return dErrors.New(dErrors.CodeValidation, "ratio_threshold must be positive")
	}
	if c.MaxLoanToIncome <= 0 {
		return dErrors.New(dErrors.CodeValidation, "max_loan_to_income must be positive")
	}
	return nil
}

// Input carries the applicant facts the evaluator needs. TenureMonths of 0
// means the configured default tenure.
type Input struct {
	Income       float64
	Amount       float64
	TenureMonths int
}

// Result is the evaluator output. Summary carries the raw numbers for the
// explanation prompt.
type Result struct {
	Policy     Policy
	Decision   Decision
	Ratio      float64
	EMI        float64
	Threshold  float64
	ReasonCode string
	Summary    string
}

// Evaluator applies one policy.
type Evaluator struct {
	cfg Config
}

// NewEvaluator builds an evaluator. Zero-valued fields fall back to defaults.
func NewEvaluator(cfg Config) *Evaluator {
	def := DefaultConfig()
	if cfg.Policy == "" {
		cfg.Policy = def.Policy
	}
	if cfg.TenureYears <= 0 {
		cfg.TenureYears = def.TenureYears
	}
	if cfg.RatioThreshold <= 0 {
		cfg.RatioThreshold = def.RatioThreshold
	}
	if cfg.MaxLoanToIncome <= 0 {
		cfg.MaxLoanToIncome = def.MaxLoanToIncome
	}
	return &Evaluator{cfg: cfg}
}

// Config returns the effective configuration.
func (e *Evaluator) Config() Config { return e.cfg }

// Evaluate computes the decision for in.
func (e *Evaluator) Evaluate(in Input) Result {
	months := in.TenureMonths
	if months <= 0 {
		months = e.cfg.TenureYears * 12
	}
	emi := CalculateEMIMonths(in.Amount, e.cfg.AnnualRate, months)

	if e.cfg.Policy == PolicyLoanToIncome {
		return e.loanToIncome(in, emi)
	}
	return e.emiCoverage(in, emi)
}

func (e *Evaluator) emiCoverage(in Input, emi float64) Result {
	res := Result{
		Policy:    PolicyEMICoverage,
		EMI:       emi,
		Threshold: e.cfg.RatioThreshold,
	}
	if emi > 0 && in.Income > 0 {
		res.Ratio = in.Income / emi
	}
	switch {
	case in.Income <= 0:
		res.Decision = DecisionManualReview
		res.ReasonCode = ReasonNoIncome
	case res.Ratio >= e.cfg.RatioThreshold:
		res.Decision = DecisionPreApproved
		res.ReasonCode = ReasonGoodCoverage
	default:
		res.Decision = DecisionManualReview
		res.ReasonCode = ReasonLowCoverage
	}
	res.Summary = fmt.Sprintf("Monthly income %.2f, requested amount %.2f, EMI %.2f, income-to-EMI ratio %.2f (threshold %.2f).",
		in.Income, in.Amount, emi, res.Ratio, res.Threshold)
	return res
}

func (e *Evaluator) loanToIncome(in Input, emi float64) Result {
	res := Result{
		Policy:    PolicyLoanToIncome,
		EMI:       emi,
		Threshold: e.cfg.MaxLoanToIncome,
	}
	if in.Income > 0 {
		res.Ratio = in.Amount / in.Income
	}
	switch {
	case in.Income <= 0:
		res.Decision = DecisionRejected
		res.ReasonCode = ReasonNoIncome
	case res.Ratio > e.cfg.MaxLoanToIncome:
		res.Decision = DecisionRejected
		res.ReasonCode = ReasonHighDebt
	default:
		res.Decision = DecisionPreApproved
		res.ReasonCode = ReasonGoodIncome
	}
	res.Summary = fmt.Sprintf("Monthly income %.2f, requested amount %.2f, EMI %.2f, loan-to-income ratio %.2f (maximum %.2f).",
		in.Income, in.Amount, emi, res.Ratio, res.Threshold)
	return res
}
