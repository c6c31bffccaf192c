package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"loanflow/internal/loan/models"
)

// GormStore persists loans through gorm. It backs the sqlite and mysql
// drivers; the database must be opened with TranslateError so duplicate
// keys surface as gorm.ErrDuplicatedKey.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

type gormLoan struct {
	ID             string    `gorm:"primaryKey;size:64"`
	Status         string    `gorm:"size:32;index:idx_loan_status_created,priority:1"`
	Data           string    `gorm:"type:text"`
	Explanation    string    `gorm:"type:text"`
	SanctionLetter string    `gorm:"type:text"`
	Timeline       string    `gorm:"type:text"`
	Underwriting   string    `gorm:"type:text"`
	Created        time.Time `gorm:"column:created_at;index:idx_loan_status_created,priority:2"`
	Updated        time.Time `gorm:"column:updated_at"`
}

func (gormLoan) TableName() string { return "loan_applications" }

type gormChatMessage struct {
	ID      string    `gorm:"primaryKey;size:64"`
	LoanID  string    `gorm:"size:64;index:idx_chat_loan_created,priority:1"`
	Sender  string    `gorm:"size:16"`
	Message string    `gorm:"type:text"`
	Created time.Time `gorm:"column:created_at;index:idx_chat_loan_created,priority:2"`
}

func (gormChatMessage) TableName() string { return "chat_messages" }

// Migrate creates or updates the loan tables.
func (s *GormStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&gormLoan{}, &gormChatMessage{}); err != nil {
		return fmt.Errorf("migrate loan tables: %w", err)
	}
	return nil
}

func (s *GormStore) Create(ctx context.Context, loan *models.Loan) error {
	row, err := toGormLoan(loan)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return fmt.Errorf("create loan: %w", err)
	}
	return nil
}

func (s *GormStore) Save(ctx context.Context, loan *models.Loan) error {
	row, err := toGormLoan(loan)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("save loan: %w", err)
	}
	return nil
}

func (s *GormStore) FindByID(ctx context.Context, id string) (*models.Loan, error) {
	var row gormLoan
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find loan: %w", err)
	}
	return row.toModel()
}

func (s *GormStore) ListByStatus(ctx context.Context, status models.Status) ([]*models.Loan, error) {
	var rows []gormLoan
	err := s.db.WithContext(ctx).
		Where("status = ?", string(status)).
		Order("created_at, id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list loans by status: %w", err)
	}
	return gormModels(rows)
}

func (s *GormStore) List(ctx context.Context) ([]*models.Loan, error) {
	var rows []gormLoan
	if err := s.db.WithContext(ctx).Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list loans: %w", err)
	}
	return gormModels(rows)
}

func (s *GormStore) AppendChatMessage(ctx context.Context, msg models.ChatMessage) error {
	row := gormChatMessage{
		ID:      msg.ID,
		LoanID:  msg.LoanID,
		Sender:  string(msg.Sender),
		Message: msg.Message,
		Created: msg.CreatedAt.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("append chat message: %w", err)
	}
	return nil
}

func (s *GormStore) ListChatMessages(ctx context.Context, loanID string, limit int) ([]models.ChatMessage, error) {
	var rows []gormChatMessage
	q := s.db.WithContext(ctx).Where("loan_id = ?", loanID)
	if limit > 0 {
		q = q.Order("created_at DESC, id DESC").Limit(limit)
	} else {
		q = q.Order("created_at, id")
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	if limit > 0 {
		slices.Reverse(rows)
	}
	out := make([]models.ChatMessage, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.ChatMessage{
			ID:        r.ID,
			LoanID:    r.LoanID,
			Sender:    models.Sender(r.Sender),
			Message:   r.Message,
			CreatedAt: r.Created.UTC(),
		})
	}
	return out, nil
}

func toGormLoan(loan *models.Loan) (gormLoan, error) {
	row, err := toLoanRow(loan)
	if err != nil {
		return gormLoan{}, err
	}
	return gormLoan{
		ID:             row.ID,
		Status:         row.Status,
		Data:           row.Data,
		Explanation:    row.Explanation,
		SanctionLetter: row.SanctionLetter,
		Timeline:       row.Timeline,
		Underwriting:   row.Underwriting.String,
		Created:        row.CreatedAt,
		Updated:        row.UpdatedAt,
	}, nil
}

func (g gormLoan) toModel() (*models.Loan, error) {
	loan := &models.Loan{
		ID:             g.ID,
		Status:         models.Status(g.Status),
		Explanation:    g.Explanation,
		SanctionLetter: g.SanctionLetter,
		CreatedAt:      g.Created.UTC(),
		UpdatedAt:      g.Updated.UTC(),
	}
	if err := json.Unmarshal([]byte(g.Data), &loan.Data); err != nil {
		return nil, fmt.Errorf("decode applicant data for %s: %w", g.ID, err)
	}
	if err := json.Unmarshal([]byte(g.Timeline), &loan.Timeline); err != nil {
		return nil, fmt.Errorf("decode timeline for %s: %w", g.ID, err)
	}
	for i := range loan.Timeline {
		loan.Timeline[i].Time = loan.Timeline[i].Time.UTC()
	}
	if g.Underwriting != "" {
		loan.Underwriting = &models.UnderwritingSnapshot{}
		if err := json.Unmarshal([]byte(g.Underwriting), loan.Underwriting); err != nil {
			return nil, fmt.Errorf("decode underwriting for %s: %w", g.ID, err)
		}
	}
	return loan, nil
}

func gormModels(rows []gormLoan) ([]*models.Loan, error) {
	out := make([]*models.Loan, 0, len(rows))
	for _, r := range rows {
		loan, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, loan)
	}
	return out, nil
}
