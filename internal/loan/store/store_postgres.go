package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"loanflow/internal/loan/models"
)

const uniqueViolation = "23505"

// Schema creates the tables used by PostgresStore. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS loan_applications (
	id              TEXT PRIMARY KEY,
	status          TEXT NOT NULL,
	data            JSONB NOT NULL,
	explanation     TEXT NOT NULL DEFAULT '',
	sanction_letter TEXT NOT NULL DEFAULT '',
	timeline        JSONB NOT NULL DEFAULT '[]',
	underwriting    JSONB,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS loan_applications_status_idx ON loan_applications (status, created_at);

CREATE TABLE IF NOT EXISTS chat_messages (
	id         TEXT PRIMARY KEY,
	loan_id    TEXT NOT NULL,
	sender     TEXT NOT NULL,
	message    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS chat_messages_loan_idx ON chat_messages (loan_id, created_at);
`

// PostgresStore persists loans in PostgreSQL. Applicant data, timeline and
// underwriting snapshot are stored as JSONB documents, sent as text so
// lib/pq does not encode them as bytea.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate loan schema: %w", err)
	}
	return nil
}

type loanRow struct {
	ID             string         `db:"id"`
	Status         string         `db:"status"`
	Data           string         `db:"data"`
	Explanation    string         `db:"explanation"`
	SanctionLetter string         `db:"sanction_letter"`
	Timeline       string         `db:"timeline"`
	Underwriting   sql.NullString `db:"underwriting"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

type chatRow struct {
	ID        string    `db:"id"`
	LoanID    string    `db:"loan_id"`
	Sender    string    `db:"sender"`
	Message   string    `db:"message"`
	CreatedAt time.Time `db:"created_at"`
}

const loanColumns = `id, status, data, explanation, sanction_letter, timeline, underwriting, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, loan *models.Loan) error {
	row, err := toLoanRow(loan)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO loan_applications (`+loanColumns+`)
		VALUES (:id, :status, :data, :explanation, :sanction_letter, :timeline, :underwriting, :created_at, :updated_at)`, row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrConflict
		}
		return fmt.Errorf("create loan: %w", err)
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, loan *models.Loan) error {
	row, err := toLoanRow(loan)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO loan_applications (`+loanColumns+`)
		VALUES (:id, :status, :data, :explanation, :sanction_letter, :timeline, :underwriting, :created_at, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			data = EXCLUDED.data,
			explanation = EXCLUDED.explanation,
			sanction_letter = EXCLUDED.sanction_letter,
			timeline = EXCLUDED.timeline,
			underwriting = EXCLUDED.underwriting,
			updated_at = EXCLUDED.updated_at`, row)
	if err != nil {
		return fmt.Errorf("save loan: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id string) (*models.Loan, error) {
	var row loanRow
	err := s.db.GetContext(ctx, &row, `SELECT `+loanColumns+` FROM loan_applications WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find loan: %w", err)
	}
	return row.toModel()
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status models.Status) ([]*models.Loan, error) {
	var rows []loanRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+loanColumns+` FROM loan_applications WHERE status = $1 ORDER BY created_at, id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list loans by status: %w", err)
	}
	return toModels(rows)
}

func (s *PostgresStore) List(ctx context.Context) ([]*models.Loan, error) {
	var rows []loanRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+loanColumns+` FROM loan_applications ORDER BY created_at, id`); err != nil {
		return nil, fmt.Errorf("list loans: %w", err)
	}
	return toModels(rows)
}

func (s *PostgresStore) AppendChatMessage(ctx context.Context, msg models.ChatMessage) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO chat_messages (id, loan_id, sender, message, created_at)
		VALUES (:id, :loan_id, :sender, :message, :created_at)`, chatRow{
		ID:        msg.ID,
		LoanID:    msg.LoanID,
		Sender:    string(msg.Sender),
		Message:   msg.Message,
		CreatedAt: msg.CreatedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("append chat message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListChatMessages(ctx context.Context, loanID string, limit int) ([]models.ChatMessage, error) {
	var rows []chatRow
	var err error
	if limit > 0 {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT id, loan_id, sender, message, created_at FROM (
				SELECT id, loan_id, sender, message, created_at FROM chat_messages
				WHERE loan_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2
			) recent ORDER BY created_at, id`, loanID, limit)
	} else {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT id, loan_id, sender, message, created_at FROM chat_messages
			WHERE loan_id = $1 ORDER BY created_at, id`, loanID)
	}
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	out := make([]models.ChatMessage, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.ChatMessage{
			ID:        r.ID,
			LoanID:    r.LoanID,
			Sender:    models.Sender(r.Sender),
			Message:   r.Message,
			CreatedAt: r.CreatedAt.UTC(),
		})
	}
	return out, nil
}

func toLoanRow(loan *models.Loan) (loanRow, error) {
	data, err := json.Marshal(loan.Data)
	if err != nil {
		return loanRow{}, fmt.Errorf("encode applicant data: %w", err)
	}
	timeline := loan.Timeline
	if timeline == nil {
		timeline = []models.TimelineEvent{}
	}
	tl, err := json.Marshal(timeline)
	if err != nil {
		return loanRow{}, fmt.Errorf("encode timeline: %w", err)
	}
	var uw sql.NullString
	if loan.Underwriting != nil {
		b, err := json.Marshal(loan.Underwriting)
		if err != nil {
			return loanRow{}, fmt.Errorf("encode underwriting: %w", err)
		}
		uw = sql.NullString{String: string(b), Valid: true}
	}
	return loanRow{
		ID:             loan.ID,
		Status:         string(loan.Status),
		Data:           string(data),
		Explanation:    loan.Explanation,
		SanctionLetter: loan.SanctionLetter,
		Timeline:       string(tl),
		Underwriting:   uw,
		CreatedAt:      loan.CreatedAt.UTC(),
		UpdatedAt:      loan.UpdatedAt.UTC(),
	}, nil
}

func (r loanRow) toModel() (*models.Loan, error) {
	loan := &models.Loan{
		ID:             r.ID,
		Status:         models.Status(r.Status),
		Explanation:    r.Explanation,
		SanctionLetter: r.SanctionLetter,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
	if err := json.Unmarshal([]byte(r.Data), &loan.Data); err != nil {
		return nil, fmt.Errorf("decode applicant data for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.Timeline), &loan.Timeline); err != nil {
		return nil, fmt.Errorf("decode timeline for %s: %w", r.ID, err)
	}
	for i := range loan.Timeline {
		loan.Timeline[i].Time = loan.Timeline[i].Time.UTC()
	}
	if r.Underwriting.Valid && r.Underwriting.String != "" {
		loan.Underwriting = &models.UnderwritingSnapshot{}
		if err := json.Unmarshal([]byte(r.Underwriting.String), loan.Underwriting); err != nil {
			return nil, fmt.Errorf("decode underwriting for %s: %w", r.ID, err)
		}
	}
	return loan, nil
}

func toModels(rows []loanRow) ([]*models.Loan, error) {
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
