package store

import (
	"context"

	"loanflow/internal/loan/models"
	"loanflow/pkg/platform/sentinel"
)

// Store errors. Callers match with errors.Is.
var (
	ErrNotFound = sentinel.ErrNotFound
	ErrConflict = sentinel.ErrConflict
)

// Store persists loans and their chat logs. Implementations return copies:
// mutating a returned loan never changes stored state until Save.
type Store interface {
	// Create inserts a new loan. ErrConflict if the id exists.
	Create(ctx context.Context, loan *models.Loan) error
	// Save upserts the full record.
	Save(ctx context.Context, loan *models.Loan) error
	FindByID(ctx context.Context, id string) (*models.Loan, error)
	// ListByStatus returns matching loans ordered by creation time.
	ListByStatus(ctx context.Context, status models.Status) ([]*models.Loan, error)
	// List returns every loan ordered by creation time.
	List(ctx context.Context) ([]*models.Loan, error)

	AppendChatMessage(ctx context.Context, msg models.ChatMessage) error
	// ListChatMessages returns the newest limit messages in chronological
	// order. limit <= 0 returns the whole log.
	ListChatMessages(ctx context.Context, loanID string, limit int) ([]models.ChatMessage, error)
}

func tail(msgs []models.ChatMessage, limit int) []models.ChatMessage {
	if limit > 0 && len(msgs) > limit {
		return msgs[len(msgs)-limit:]
	}
	return msgs
}
