package handler

import (
	"context"
	"log/slog"

	"github.com/go-chi/chi/v5"

	"loanflow/internal/loan/models"
	"loanflow/internal/loan/service"
)

//go:generate mockgen -source=handler.go -destination=mocks/handler_mock.go -package=mocks Service,Scheduler

// Service is the loan lifecycle the handlers drive.
type Service interface {
	Create(ctx context.Context, data models.ApplicantData) (*models.Loan, error)
	Get(ctx context.Context, loanID string) (*models.Loan, error)
	List(ctx context.Context) ([]*models.Loan, error)
	ListPending(ctx context.Context) ([]*models.Loan, error)
	Decide(ctx context.Context, loanID string, decision service.ManagerDecision, comments string) (*models.Loan, error)
}

// Scheduler starts the processing pipeline of a stored loan in the background.
type Scheduler interface {
	Submit(ctx context.Context, loanID string) (*service.Task, error)
}

// Handler serves the applicant-facing loan routes.
type Handler struct {
	loans     Service
	scheduler Scheduler
	logger    *slog.Logger
}

// New creates the applicant loan Handler.
func New(loans Service, scheduler Scheduler, logger *slog.Logger) *Handler {
	return &Handler{
		loans:     loans,
		scheduler: scheduler,
		logger:    logger,
	}
}

// Register registers the loan routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/loans", h.HandleCreate)
	r.Get("/loans/{loan_id}", h.HandleGet)
}

// RegisterDebug registers the diagnostic listing. Only mounted when enabled.
func (h *Handler) RegisterDebug(r chi.Router) {
	r.Get("/debug/loans", h.HandleDebugList)
}
