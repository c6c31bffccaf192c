package store

import (
	"context"
	"sort"
	"sync"

	"loanflow/internal/loan/models"
)

// InMemoryStore keeps loans and chat logs in process memory.
type InMemoryStore struct {
	mu    sync.RWMutex
	loans map[string]*models.Loan
	chats map[string][]models.ChatMessage
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		loans: make(map[string]*models.Loan),
		chats: make(map[string][]models.ChatMessage),
	}
}

func (s *InMemoryStore) Create(_ context.Context, loan *models.Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.loans[loan.ID]; ok {
		return ErrConflict
	}
	s.loans[loan.ID] = loan.Clone()
	return nil
}

func (s *InMemoryStore) Save(_ context.Context, loan *models.Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loans[loan.ID] = loan.Clone()
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, id string) (*models.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loan, ok := s.loans[id]
	if !ok {
		return nil, ErrNotFound
	}
	return loan.Clone(), nil
}

func (s *InMemoryStore) ListByStatus(_ context.Context, status models.Status) ([]*models.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Loan
	for _, loan := range s.loans {
		if loan.Status == status {
			out = append(out, loan.Clone())
		}
	}
	sortByCreated(out)
	return out, nil
}

func (s *InMemoryStore) List(_ context.Context) ([]*models.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Loan, 0, len(s.loans))
	for _, loan := range s.loans {
		out = append(out, loan.Clone())
	}
	sortByCreated(out)
	return out, nil
}

func (s *InMemoryStore) AppendChatMessage(_ context.Context, msg models.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.chats[msg.LoanID]
	// keep the log ordered even if callers race on created_at
	i := sort.Search(len(log), func(i int) bool { return log[i].CreatedAt.After(msg.CreatedAt) })
	log = append(log, models.ChatMessage{})
	copy(log[i+1:], log[i:])
	log[i] = msg
	s.chats[msg.LoanID] = log
	return nil
}

func (s *InMemoryStore) ListChatMessages(_ context.Context, loanID string, limit int) ([]models.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := tail(s.chats[loanID], limit)
	return append([]models.ChatMessage(nil), out...), nil
}

func sortByCreated(loans []*models.Loan) {
	sort.SliceStable(loans, func(i, j int) bool {
		if loans[i].CreatedAt.Equal(loans[j].CreatedAt) {
			return loans[i].ID < loans[j].ID
		}
		return loans[i].CreatedAt.Before(loans[j].CreatedAt)
	})
}
