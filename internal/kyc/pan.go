// Package kyc performs the identity-number format check and the simulated
// document verification steps recorded on a loan timeline.
package kyc

import (
	"fmt"
	"regexp"
	"strings"
)

var panPattern = regexp.MustCompile(`^[A-Z]{5}[0-9]{4}[A-Z]$`)

const (
	logValid   = "PAN format valid."
	logInvalid = "Invalid PAN format."
)

// Result is the outcome of a PAN format check. An invalid PAN is a normal
// negative result, not an error.
type Result struct {
	Valid      bool
	Normalized string
	Log        string
}

// CheckPAN uppercases and trims pan, then matches it against the fixed
// 5-letter, 4-digit, 1-letter layout.
func CheckPAN(pan string) Result {
	normalized := strings.ToUpper(strings.TrimSpace(pan))
	if panPattern.MatchString(normalized) {
		return Result{Valid: true, Normalized: normalized, Log: logValid}
	}
	return Result{Valid: false, Normalized: normalized, Log: logInvalid}
}

// Detail renders the timeline line for the KYC step.
func (r Result) Detail(documentName string) string {
	detail := "KYC check completed: " + r.Log
	if documentName != "" {
		detail += fmt.Sprintf(" Document '%s' on file.", documentName)
	}
	return detail
}
