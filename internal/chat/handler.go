package chat

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"loanflow/internal/loan/models"
	dErrors "loanflow/pkg/domain-errors"
	"loanflow/pkg/platform/httputil"
	request "loanflow/pkg/platform/middleware/request"
)

const maxMessageLength = 2000

// LoanLoader reads the loan a conversation belongs to.
type LoanLoader interface {
	Get(ctx context.Context, loanID string) (*models.Loan, error)
}

// Handler serves the applicant chat and the intake chatbot.
type Handler struct {
	loans     LoanLoader
	assistant *Assistant
	intake    *Intake
	logger    *slog.Logger

	replyMiddleware []func(http.Handler) http.Handler
}

func NewHandler(loans LoanLoader, assistant *Assistant, intake *Intake, logger *slog.Logger) *Handler {
	return &Handler{loans: loans, assistant: assistant, intake: intake, logger: logger}
}

// UseOnReplies adds middleware that wraps the routes calling the model.
func (h *Handler) UseOnReplies(mw ...func(http.Handler) http.Handler) {
	h.replyMiddleware = append(h.replyMiddleware, mw...)
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/chat/{loan_id}", h.HandleHistory)
	r.Group(func(r chi.Router) {
		r.Use(h.replyMiddleware...)
		r.Post("/chat", h.HandleChat)
		r.Post("/chatbot", h.HandleChatbot)
	})
}

type ChatRequest struct {
	LoanID  string `json:"loan_id"`
	Message string `json:"message"`
}

func (r *ChatRequest) Validate() error {
	r.LoanID = strings.TrimSpace(r.LoanID)
	r.Message = strings.TrimSpace(r.Message)
	if r.LoanID == "" {
		return dErrors.New(dErrors.CodeValidation, "loan_id is required")
	}
	if r.Message == "" {
		return dErrors.New(dErrors.CodeValidation, "message is required")
	}
	if len(r.Message) > maxMessageLength {
		return dErrors.New(dErrors.CodeValidation, "message is too long")
	}
	return nil
}

type ChatResponse struct {
	Response  string    `json:"response"`
	Timestamp time.Time `json:"timestamp"`
}

type HistoryResponse struct {
	LoanID   string               `json:"loan_id"`
	Messages []models.ChatMessage `json:"messages"`
}

type ChatbotRequest struct {
	Message             string         `json:"message"`
	ConversationHistory []Turn         `json:"conversation_history"`
	CollectedData       map[string]any `json:"collected_data"`
}

func (r *ChatbotRequest) Validate() error {
	r.Message = strings.TrimSpace(r.Message)
	if r.Message == "" {
		return dErrors.New(dErrors.CodeValidation, "message is required")
	}
	if len(r.Message) > maxMessageLength {
		return dErrors.New(dErrors.CodeValidation, "message is too long")
	}
	return nil
}

type ChatbotResponse struct {
	Response       string    `json:"response"`
	CollectedField *string   `json:"collected_field"`
	CollectedValue *string   `json:"collected_value"`
	Timestamp      time.Time `json:"timestamp"`
}

// HandleChat answers an applicant message about an existing loan.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[ChatRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	loan, err := h.loans.Get(ctx, req.LoanID)
	if err != nil {
		h.logger.WarnContext(ctx, "chat for unavailable loan",
			"request_id", requestID,
			"loan_id", req.LoanID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	reply, err := h.assistant.Reply(ctx, loan, req.Message)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to answer chat message",
			"request_id", requestID,
			"loan_id", req.LoanID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ChatResponse{Response: reply.Message, Timestamp: reply.CreatedAt})
}

// HandleHistory returns the chat log of a loan.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	loanID := chi.URLParam(r, "loan_id")

	if _, err := h.loans.Get(ctx, loanID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	msgs, err := h.assistant.History(ctx, loanID)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to load chat history",
			"request_id", request.GetRequestID(ctx),
			"loan_id", loanID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	if msgs == nil {
		msgs = []models.ChatMessage{}
	}
	httputil.WriteJSON(w, http.StatusOK, HistoryResponse{LoanID: loanID, Messages: msgs})
}

// HandleChatbot answers one intake conversation message.
func (h *Handler) HandleChatbot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[ChatbotRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	reply := h.intake.Reply(ctx, IntakeRequest{
		Message:       req.Message,
		History:       req.ConversationHistory,
		CollectedData: req.CollectedData,
	})
	resp := ChatbotResponse{Response: reply.Response, Timestamp: reply.Timestamp}
	if reply.CollectedField != "" {
		resp.CollectedField = &reply.CollectedField
		resp.CollectedValue = &reply.CollectedValue
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}
