package underwriting

import "math"

const (
	// DefaultAnnualRate is the nominal yearly interest rate used when none is configured.
	DefaultAnnualRate = 0.12
	// DefaultTenureYears is the repayment period used when the applicant picked none.
	DefaultTenureYears = 3
)

// CalculateEMI returns the equated monthly installment for an amortizing loan.
func CalculateEMI(principal, annualRate float64, years int) float64 {
	return CalculateEMIMonths(principal, annualRate, years*12)
}

// CalculateEMIMonths is CalculateEMI with the tenure given in months.
// A zero rate degrades to straight-line repayment; a non-positive tenure yields 0.
func CalculateEMIMonths(principal, annualRate float64, months int) float64 {
	if months <= 0 {
		return 0
	}
	n := float64(months)
	r := annualRate / 12
	if r == 0 {
		return principal / n
	}
	growth := math.Pow(1+r, n)
	return principal * r * growth / (growth - 1)
}
