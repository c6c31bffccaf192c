// Package chat holds the language-model conversations around a loan: the
// manager assistant answering applicants, the decision analysis shown to
// managers, and the guided intake chatbot.
package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"loanflow/internal/llm"
	"loanflow/internal/loan/models"
	dErrors "loanflow/pkg/domain-errors"
	"loanflow/pkg/requestcontext"
)

const (
	// historyWindow is how many earlier messages are given to the model.
	historyWindow = 5

	FallbackReply        = "Thank you for your message. I'm reviewing your application carefully and will get back to you shortly."
	FallbackAnalysis     = "Additional review required."
	AnalysisManualReview = "manual_review"
)

// Store is the chat log persistence the assistant needs.
type Store interface {
	AppendChatMessage(ctx context.Context, msg models.ChatMessage) error
	ListChatMessages(ctx context.Context, loanID string, limit int) ([]models.ChatMessage, error)
}

// Assistant answers applicant messages as the loan manager and keeps the
// conversation in the chat log.
type Assistant struct {
	store  Store
	client llm.Client
	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	fallback func(*models.Loan) Analysis
}

type Option func(*Assistant)

func WithLogger(l *slog.Logger) Option {
	return func(a *Assistant) { a.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(a *Assistant) { a.now = now }
}

// WithAnalysisFallback sets the recommendation Analyze returns when the model
// fails or breaks the JSON contract.
func WithAnalysisFallback(fn func(*models.Loan) Analysis) Option {
	return func(a *Assistant) { a.fallback = fn }
}

func NewAssistant(store Store, client llm.Client, opts ...Option) *Assistant {
	a := &Assistant{
		store:    store,
		client:   client,
		logger:   slog.Default(),
		now:      time.Now,
		newID:    uuid.NewString,
		fallback: manualReview,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Reply answers message in the context of loan and the last few messages.
// Both the message and the reply are appended to the log. A model failure
// yields FallbackReply; only store failures are returned.
func (a *Assistant) Reply(ctx context.Context, loan *models.Loan, message string) (models.ChatMessage, error) {
	history, err := a.store.ListChatMessages(ctx, loan.ID, historyWindow)
	if err != nil {
		return models.ChatMessage{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load chat history")
	}

	if err := a.store.AppendChatMessage(ctx, a.message(loan.ID, models.SenderUser, message)); err != nil {
		return models.ChatMessage{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to store chat message")
	}

	text, err := a.generate(ctx, assistantPrompt(loan, history, message))
	if err != nil {
		a.logger.WarnContext(ctx, "manager assistant failed; using fallback",
			"loan_id", loan.ID,
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		text = FallbackReply
	}

	reply := a.message(loan.ID, models.SenderManager, text)
	if err := a.store.AppendChatMessage(ctx, reply); err != nil {
		return models.ChatMessage{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to store chat reply")
	}
	return reply, nil
}

// History returns the full chat log of a loan.
func (a *Assistant) History(ctx context.Context, loanID string) ([]models.ChatMessage, error) {
	msgs, err := a.store.ListChatMessages(ctx, loanID, 0)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load chat history")
	}
	return msgs, nil
}

// Analysis is the model's recommendation for a pending loan.
type Analysis struct {
	Decision    string `json:"decision"`
	Explanation string `json:"explanation"`
}

// Analyze asks the model for an approve/reject recommendation based on the
// application and its conversation. Any failure, including a reply outside
// the JSON contract, yields the configured fallback recommendation.
func (a *Assistant) Analyze(ctx context.Context, loan *models.Loan) Analysis {
	history, err := a.store.ListChatMessages(ctx, loan.ID, 0)
	if err != nil {
		a.logger.WarnContext(ctx, "failed to load chat history for analysis",
			"loan_id", loan.ID,
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		history = nil
	}

	text, err := a.generate(ctx, analysisPrompt(loan, history))
	if err == nil {
		var got Analysis
		if raw, ok := extractJSON(text); ok && json.Unmarshal([]byte(raw), &got) == nil {
			switch strings.ToLower(strings.TrimSpace(got.Decision)) {
			case string(models.StatusApproved):
				got.Decision = string(models.StatusApproved)
			case string(models.StatusRejected):
				got.Decision = string(models.StatusRejected)
			default:
				got.Decision = AnalysisManualReview
			}
			if got.Explanation = strings.TrimSpace(got.Explanation); got.Explanation == "" {
				got.Explanation = FallbackAnalysis
			}
			return got
		}
		err = errContract
	}
	a.logger.WarnContext(ctx, "decision analysis failed; using fallback recommendation",
		"loan_id", loan.ID,
		"request_id", requestcontext.RequestID(ctx),
		"error", err,
	)
	return a.fallback(loan)
}

func manualReview(*models.Loan) Analysis {
	return Analysis{Decision: AnalysisManualReview, Explanation: FallbackAnalysis}
}

func (a *Assistant) generate(ctx context.Context, msgs []llm.Message) (string, error) {
	if a.client == nil {
		return "", llm.ErrUnavailable
	}
	text, err := a.client.Generate(ctx, llm.Request{Messages: msgs})
	if err != nil {
		return "", err
	}
	if text = strings.TrimSpace(text); text == "" {
		return "", llm.ErrEmptyResponse
	}
	return text, nil
}

func (a *Assistant) message(loanID string, sender models.Sender, text string) models.ChatMessage {
	return models.ChatMessage{
		ID:        a.newID(),
		LoanID:    loanID,
		Sender:    sender,
		Message:   text,
		CreatedAt: a.now().UTC(),
	}
}
