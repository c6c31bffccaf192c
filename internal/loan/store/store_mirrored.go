package store

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"loanflow/internal/loan/metrics"
	"loanflow/internal/loan/models"
	"loanflow/pkg/platform/circuit"
)

// Mirrored serves reads and writes from a primary store and copies every
// write to a durable mirror. Mirror failures never fail the caller; they are
// logged, counted and trip a breaker so a dead mirror is skipped. Reads that
// miss the primary fall through to the mirror, which lets a restarted
// process see loans written by its predecessor.
type Mirrored struct {
	primary Store
	mirror  Store
	name    string
	breaker *circuit.Breaker
	logger  *slog.Logger
	metrics *metrics.Metrics
	group   singleflight.Group
}

type MirrorOption func(*Mirrored)

func WithMirrorLogger(logger *slog.Logger) MirrorOption {
	return func(m *Mirrored) { m.logger = logger }
}

func WithMirrorMetrics(mt *metrics.Metrics) MirrorOption {
	return func(m *Mirrored) { m.metrics = mt }
}

func WithMirrorBreaker(b *circuit.Breaker) MirrorOption {
	return func(m *Mirrored) { m.breaker = b }
}

// NewMirrored wraps primary with mirror. name labels logs and metrics.
func NewMirrored(primary, mirror Store, name string, opts ...MirrorOption) *Mirrored {
	m := &Mirrored{
		primary: primary,
		mirror:  mirror,
		name:    name,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.breaker == nil {
		m.breaker = circuit.New("store_" + name)
	}
	return m
}

func (m *Mirrored) Create(ctx context.Context, loan *models.Loan) error {
	if err := m.primary.Create(ctx, loan); err != nil {
		return err
	}
	m.mirrorWrite(ctx, "create", func() error { return m.mirror.Save(ctx, loan) })
	return nil
}

func (m *Mirrored) Save(ctx context.Context, loan *models.Loan) error {
	if err := m.primary.Save(ctx, loan); err != nil {
		return err
	}
	m.mirrorWrite(ctx, "save", func() error { return m.mirror.Save(ctx, loan) })
	return nil
}

func (m *Mirrored) FindByID(ctx context.Context, id string) (*models.Loan, error) {
	loan, err := m.primary.FindByID(ctx, id)
	if !errors.Is(err, ErrNotFound) {
		return loan, err
	}
	if !m.breaker.Allow() {
		return nil, ErrNotFound
	}

	v, err, _ := m.group.Do(id, func() (any, error) {
		found, err := m.mirror.FindByID(ctx, id)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				m.mirrorFailed(ctx, "find", err)
				return nil, ErrNotFound
			}
			m.mirrorOK()
			return nil, err
		}
		m.mirrorOK()
		// Create loses to a concurrent local write, which is newer.
		if err := m.primary.Create(ctx, found); err != nil && !errors.Is(err, ErrConflict) {
			return nil, err
		}
		return found, nil
	})
	if err != nil {
		return nil, err
	}
	return m.primary.FindByID(ctx, v.(*models.Loan).ID)
}

func (m *Mirrored) ListByStatus(ctx context.Context, status models.Status) ([]*models.Loan, error) {
	local, err := m.primary.ListByStatus(ctx, status)
	if err != nil {
		return nil, err
	}
	remote := m.mirrorList(ctx, "list_status", func() ([]*models.Loan, error) {
		return m.mirror.ListByStatus(ctx, status)
	})
	return m.merge(ctx, local, remote, func(l *models.Loan) bool { return l.Status == status }), nil
}

func (m *Mirrored) List(ctx context.Context) ([]*models.Loan, error) {
	local, err := m.primary.List(ctx)
	if err != nil {
		return nil, err
	}
	remote := m.mirrorList(ctx, "list", func() ([]*models.Loan, error) { return m.mirror.List(ctx) })
	return m.merge(ctx, local, remote, func(*models.Loan) bool { return true }), nil
}

func (m *Mirrored) AppendChatMessage(ctx context.Context, msg models.ChatMessage) error {
	if err := m.primary.AppendChatMessage(ctx, msg); err != nil {
		return err
	}
	m.mirrorWrite(ctx, "chat_append", func() error { return m.mirror.AppendChatMessage(ctx, msg) })
	return nil
}

func (m *Mirrored) ListChatMessages(ctx context.Context, loanID string, limit int) ([]models.ChatMessage, error) {
	msgs, err := m.primary.ListChatMessages(ctx, loanID, limit)
	if err != nil || len(msgs) > 0 || !m.breaker.Allow() {
		return msgs, err
	}
	remote, err := m.mirror.ListChatMessages(ctx, loanID, limit)
	if err != nil {
		m.mirrorFailed(ctx, "chat_list", err)
		return msgs, nil
	}
	m.mirrorOK()
	return remote, nil
}

// merge keeps the primary copy of every loan and adopts mirror-only loans
// into the primary so later writes see them.
func (m *Mirrored) merge(ctx context.Context, local, remote []*models.Loan, keep func(*models.Loan) bool) []*models.Loan {
	if len(remote) == 0 {
		return local
	}
	seen := make(map[string]struct{}, len(local))
	for _, l := range local {
		seen[l.ID] = struct{}{}
	}
	out := local
	for _, r := range remote {
		if _, ok := seen[r.ID]; ok {
			continue
		}
		if err := m.primary.Create(ctx, r); err != nil {
			if !errors.Is(err, ErrConflict) {
				m.logger.WarnContext(ctx, "failed to adopt mirrored loan", "store", m.name, "loan_id", r.ID, "error", err)
				continue
			}
			fresh, err := m.primary.FindByID(ctx, r.ID)
			if err != nil || !keep(fresh) {
				continue
			}
			r = fresh
		}
		out = append(out, r)
	}
	sortByCreated(out)
	return out
}

func (m *Mirrored) mirrorList(ctx context.Context, op string, fn func() ([]*models.Loan, error)) []*models.Loan {
	if !m.breaker.Allow() {
		return nil
	}
	loans, err := fn()
	if err != nil {
		m.mirrorFailed(ctx, op, err)
		return nil
	}
	m.mirrorOK()
	return loans
}

func (m *Mirrored) mirrorWrite(ctx context.Context, op string, fn func() error) {
	if !m.breaker.Allow() {
		m.metrics.IncrementStoreError(m.name, op+"_skipped")
		return
	}
	if err := fn(); err != nil {
		m.mirrorFailed(ctx, op, err)
		return
	}
	m.mirrorOK()
}

func (m *Mirrored) mirrorFailed(ctx context.Context, op string, err error) {
	m.metrics.IncrementStoreError(m.name, op)
	m.logger.WarnContext(ctx, "mirror store operation failed", "store", m.name, "op", op, "error", err)
	if _, change := m.breaker.RecordFailure(); change.Opened {
		m.logger.ErrorContext(ctx, "mirror store circuit opened", "store", m.name)
	}
}

func (m *Mirrored) mirrorOK() {
	if _, change := m.breaker.RecordSuccess(); change.Closed {
		m.logger.Info("mirror store circuit closed", "store", m.name)
	}
}
