package explain

import (
	"fmt"
	"strings"

	"loanflow/internal/llm"
)

const officerPersona = "You are a senior loan officer at a retail bank writing directly to an applicant. " +
	"Write in plain, warm, professional English. Never mention that the decision was automated, " +
	"scored by software or produced by an AI. Do not invent numbers that are not given to you."

func explanationPrompt(f Facts) []llm.Message {
	var rules string
	switch f.Status {
	case "pre_approved":
		rules = "The application has been pre-approved. Congratulate the applicant, confirm the amount, " +
			"and explain the next steps: a manager will review the sanction letter and final documents."
	case "manual_review":
		rules = "The application needs a manual review. Explain, without jargon, which of the facts below " +
			"led to this (for example how the monthly installment compares with income), and say a " +
			"specialist will contact them. Do not promise an outcome."
	case "rejected":
		rules = "The application cannot be approved at this time. Explain the concrete cause using only " +
			"the facts below, keep the tone respectful, and suggest what the applicant could change before reapplying."
	default:
		rules = "Describe the current status of the application and what happens next."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Write a short letter (under 180 words) to %s about their loan application.\n\n", nameOrApplicant(f.Name))
	fmt.Fprintf(&b, "Decision status: %s\n", f.Status)
	writeFacts(&b, f)
	fmt.Fprintf(&b, "\nRules: %s\n", rules)
	b.WriteString("Return only the letter text.")

	return []llm.Message{
		{Role: llm.RoleSystem, Content: officerPersona},
		{Role: llm.RoleUser, Content: b.String()},
	}
}

func sanctionLetterPrompt(f Facts) []llm.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Draft a formal loan sanction letter addressed to %s for manager review.\n\n", nameOrApplicant(f.Name))
	writeFacts(&b, f)
	b.WriteString("\nThe letter must contain, as separate sections:\n")
	fmt.Fprintf(&b, "1. Sanctioned amount: %.2f\n", f.Amount)
	fmt.Fprintf(&b, "2. Suggested interest-rate band around %.1f%% per annum (state a band such as %.1f%%-%.1f%%)\n",
		f.AnnualRate*100, f.AnnualRate*100, f.AnnualRate*100+1.5)
	b.WriteString("3. Documents required before disbursal (identity proof, address proof, last 3 months of income proof, signed agreement)\n")
	fmt.Fprintf(&b, "4. Key terms: tenure of %d months, indicative monthly installment %.2f, validity of 30 days, subject to final manager approval\n",
		f.TenureMonths, f.EMI)
	b.WriteString("Use a letter layout with date placeholder, subject line and sign-off from the Credit Department. Return only the letter.")

	return []llm.Message{
		{Role: llm.RoleSystem, Content: officerPersona},
		{Role: llm.RoleUser, Content: b.String()},
	}
}

func writeFacts(b *strings.Builder, f Facts) {
	b.WriteString("Facts:\n")
	fmt.Fprintf(b, "- Monthly income: %.2f\n", f.Income)
	fmt.Fprintf(b, "- Requested amount: %.2f\n", f.Amount)
	if f.Purpose != "" {
		fmt.Fprintf(b, "- Purpose: %s\n", f.Purpose)
	}
	if f.EMI > 0 {
		fmt.Fprintf(b, "- Monthly installment (EMI): %.2f\n", f.EMI)
	}
	if f.Ratio > 0 {
		fmt.Fprintf(b, "- Ratio used for the decision: %.2f (threshold %.2f)\n", f.Ratio, f.Threshold)
	}
	if f.Summary != "" {
		fmt.Fprintf(b, "- Assessment notes: %s\n", f.Summary)
	}
	if f.KYCLog != "" {
		fmt.Fprintf(b, "- Identity check: %s\n", f.KYCLog)
	}
}

func nameOrApplicant(name string) string {
	if strings.TrimSpace(name) == "" {
		return "the applicant"
	}
	return name
}
