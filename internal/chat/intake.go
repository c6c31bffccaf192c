package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"time"

	"loanflow/internal/llm"
	"loanflow/pkg/requestcontext"
)

// IntakeFallbackReply is returned when the model cannot be reached.
const IntakeFallbackReply = "I'm having trouble processing that. Could you please try again?"

// intakeHistoryTurns bounds the conversation replayed to the model.
const intakeHistoryTurns = 2

// Fields the intake chatbot may report, in collection order.
const (
	FieldFullName           = "fullName"
	FieldEmail              = "email"
	FieldPhone              = "phone"
	FieldPAN                = "pan"
	FieldAddress            = "address"
	FieldEmploymentType     = "employmentType"
	FieldIncome             = "income"
	FieldAmount             = "amount"
	FieldPurpose            = "purpose"
	FieldTenure             = "tenure"
	FieldDocumentsConfirmed = "documentsConfirmed"
)

var IntakeFields = []string{
	FieldFullName, FieldEmail, FieldPhone, FieldPAN, FieldAddress, FieldEmploymentType,
	FieldIncome, FieldAmount, FieldPurpose, FieldTenure, FieldDocumentsConfirmed,
}

var (
	errContract   = errors.New("reply does not follow the JSON contract")
	allowedTenure = []string{"12", "24", "36", "48", "60"}
	digitsOnly    = regexp.MustCompile(`[^0-9.]`)
)

// Turn is one earlier message of the intake conversation.
type Turn struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

// IntakeRequest is one customer message with the conversation state the
// client holds.
type IntakeRequest struct {
	Message       string
	History       []Turn
	CollectedData map[string]any
}

// IntakeReply is the chatbot answer. CollectedField is empty when the
// message did not yield a usable value.
type IntakeReply struct {
	Response       string
	CollectedField string
	CollectedValue string
	Timestamp      time.Time
}

type intakeContract struct {
	Reply          string `json:"reply"`
	CollectedField string `json:"collected_field"`
	CollectedValue string `json:"collected_value"`
}

// Intake guides a customer through the application form in conversation.
type Intake struct {
	client llm.Client
	logger *slog.Logger
	now    func() time.Time
}

func NewIntake(client llm.Client, logger *slog.Logger) *Intake {
	if logger == nil {
		logger = slog.Default()
	}
	return &Intake{client: client, logger: logger, now: time.Now}
}

// Reply answers one customer message. The model must answer with the JSON
// contract; a reply outside it is shown as plain text without a collected
// field, and a failed call yields IntakeFallbackReply.
func (i *Intake) Reply(ctx context.Context, req IntakeRequest) IntakeReply {
	out := IntakeReply{Response: IntakeFallbackReply, Timestamp: i.now().UTC()}
	if i.client == nil {
		return out
	}

	text, err := i.client.Generate(ctx, llm.Request{Messages: intakePrompt(req)})
	text = strings.TrimSpace(text)
	if err != nil || text == "" {
		i.logger.WarnContext(ctx, "intake chatbot failed; using fallback",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		return out
	}

	var c intakeContract
	raw, ok := extractJSON(text)
	if !ok || json.Unmarshal([]byte(raw), &c) != nil || strings.TrimSpace(c.Reply) == "" {
		i.logger.WarnContext(ctx, "intake reply outside JSON contract",
			"request_id", requestcontext.RequestID(ctx),
		)
		out.Response = text
		return out
	}

	out.Response = strings.TrimSpace(c.Reply)
	if field, value, ok := normalizeField(c.CollectedField, c.CollectedValue); ok {
		out.CollectedField = field
		out.CollectedValue = value
	}
	return out
}

// normalizeField validates a reported field and cleans its value. Unknown
// fields and unusable values are dropped.
func normalizeField(field, value string) (string, string, bool) {
	field = strings.TrimSpace(field)
	value = strings.TrimSpace(value)
	if field == "" || value == "" || !slices.Contains(IntakeFields, field) {
		return "", "", false
	}
	switch field {
	case FieldIncome, FieldAmount:
		value = digitsOnly.ReplaceAllString(value, "")
		if value == "" {
			return "", "", false
		}
	case FieldTenure:
		value = digitsOnly.ReplaceAllString(value, "")
		if !slices.Contains(allowedTenure, value) {
			return "", "", false
		}
	case FieldPAN:
		value = strings.ToUpper(value)
	case FieldDocumentsConfirmed:
		if !strings.EqualFold(value, "yes") {
			return "", "", false
		}
		value = "yes"
	}
	return field, value, true
}
