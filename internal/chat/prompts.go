package chat

import (
	"encoding/json"
	"fmt"
	"strings"

	"loanflow/internal/llm"
	"loanflow/internal/loan/models"
)

const managerPersona = "You are a helpful and empathetic loan manager reviewing a loan application. " +
	"Be professional and supportive. Give specific information about the application when you can. " +
	"If the applicant mentions additional income or documents, acknowledge it and note it for review. " +
	"Keep responses to two or three sentences."

func assistantPrompt(loan *models.Loan, history []models.ChatMessage, message string) []llm.Message {
	var b strings.Builder
	b.WriteString("Applicant details:\n")
	writeApplicant(&b, loan)
	fmt.Fprintf(&b, "- Current status: %s\n", loan.Status)

	msgs := []llm.Message{{Role: llm.RoleSystem, Content: managerPersona + "\n\n" + b.String()}}
	for _, m := range history {
		role := llm.RoleAssistant
		if m.Sender == models.SenderUser {
			role = llm.RoleUser
		}
		msgs = append(msgs, llm.Message{Role: role, Content: m.Message})
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: message})
}

func analysisPrompt(loan *models.Loan, history []models.ChatMessage) []llm.Message {
	var b strings.Builder
	b.WriteString("You are a senior loan manager making a final decision on a loan application.\n\n")
	b.WriteString("Application details:\n")
	writeApplicant(&b, loan)
	if u := loan.Underwriting; u != nil && u.Summary != "" {
		fmt.Fprintf(&b, "- Assessment notes: %s\n", u.Summary)
	}
	b.WriteString("\nConversation summary:\n")
	if len(history) == 0 {
		b.WriteString("No conversation yet.\n")
	}
	for _, m := range history {
		fmt.Fprintf(&b, "%s: %s\n", speaker(m.Sender), m.Message)
	}
	b.WriteString("\nReply with a single JSON object and nothing else: " +
		`{"decision": "approved" or "rejected", "explanation": "two sentences"}`)

	return []llm.Message{{Role: llm.RoleUser, Content: b.String()}}
}

const intakePersona = "You are the loan application assistant of a digital lending platform. " +
	"Guide the customer through the application in a warm, professional and encouraging tone. " +
	"Collect, one at a time and in natural conversation: full name, email, phone, PAN (accept any format), " +
	"address, employment type (Salaried, Self-Employed or Business Owner), monthly income in rupees, " +
	"loan amount in rupees, loan purpose and tenure (12, 24, 36, 48 or 60 months). " +
	"Only after all of these are collected, ask whether the customer has the four required documents ready " +
	"(PAN card, Aadhaar card, bank statement and salary slips for the last 3 months). " +
	"Extract plain numbers from amounts written in words. Never mention links or URLs."

func intakePrompt(req IntakeRequest) []llm.Message {
	var b strings.Builder
	b.WriteString(intakePersona)
	b.WriteString("\n\nAlready collected: ")
	collected, _ := json.Marshal(req.CollectedData)
	b.Write(collected)
	b.WriteString("\n\nReply with a single JSON object and nothing else:\n")
	b.WriteString(`{"reply": "text shown to the customer", "collected_field": "", "collected_value": ""}`)
	b.WriteString("\nSet collected_field and collected_value only when this message gave you a new value. ")
	fmt.Fprintf(&b, "collected_field must be one of: %s. ", strings.Join(IntakeFields, ", "))
	b.WriteString(`When the customer confirms the documents, use collected_field "documentsConfirmed" with value "yes".`)

	msgs := []llm.Message{{Role: llm.RoleSystem, Content: b.String()}}
	for _, turn := range lastTurns(req.History, intakeHistoryTurns) {
		role := llm.RoleAssistant
		if turn.Sender == string(models.SenderUser) {
			role = llm.RoleUser
		}
		msgs = append(msgs, llm.Message{Role: role, Content: turn.Text})
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: req.Message})
}

func writeApplicant(b *strings.Builder, loan *models.Loan) {
	d := loan.Data
	fmt.Fprintf(b, "- Name: %s\n", d.Name)
	fmt.Fprintf(b, "- Loan amount requested: %.2f\n", d.Amount)
	fmt.Fprintf(b, "- Monthly income: %.2f\n", d.Income)
	if d.Purpose != "" {
		fmt.Fprintf(b, "- Purpose: %s\n", d.Purpose)
	}
}

func speaker(s models.Sender) string {
	if s == models.SenderUser {
		return "User"
	}
	return "Manager"
}

func lastTurns(turns []Turn, n int) []Turn {
	if len(turns) > n {
		return turns[len(turns)-n:]
	}
	return turns
}

// extractJSON returns the outermost JSON object in text. Models often wrap
// the object in a markdown fence or a sentence.
func extractJSON(text string) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}
