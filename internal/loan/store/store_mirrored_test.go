package store_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loanflow/internal/loan/models"
	"loanflow/internal/loan/store"
	"loanflow/pkg/platform/circuit"
)

// brokenStore fails every call and counts how often it was reached.
type brokenStore struct {
	store.Store
	calls atomic.Int32
}

var errDown = errors.New("connection refused")

func (b *brokenStore) Save(context.Context, *models.Loan) error {
	b.calls.Add(1)
	return errDown
}

func (b *brokenStore) FindByID(context.Context, string) (*models.Loan, error) {
	b.calls.Add(1)
	return nil, errDown
}

func (b *brokenStore) List(context.Context) ([]*models.Loan, error) {
	b.calls.Add(1)
	return nil, errDown
}

func TestMirrored(t *testing.T) {
	runStoreContract(t, func(*testing.T) store.Store {
		return store.NewMirrored(store.NewInMemoryStore(), store.NewInMemoryStore(), "test")
	})
}

func TestMirrored_WritesReachMirror(t *testing.T) {
	ctx := context.Background()
	mirror := store.NewInMemoryStore()
	m := store.NewMirrored(store.NewInMemoryStore(), mirror, "test")

	loan := newLoan("loan-1", 0)
	require.NoError(t, m.Create(ctx, loan))
	require.NoError(t, loan.Transition(models.StatusKYCCompleted))
	require.NoError(t, m.Save(ctx, loan))

	got, err := mirror.FindByID(ctx, "loan-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusKYCCompleted, got.Status)
}

func TestMirrored_ReadMissFallsBackToMirror(t *testing.T) {
	ctx := context.Background()
	primary := store.NewInMemoryStore()
	mirror := store.NewInMemoryStore()
	require.NoError(t, mirror.Create(ctx, newLoan("old-loan", 0)))
	pending := newLoan("old-pending", time.Minute)
	pending.Status = models.StatusPendingManagerApproval
	require.NoError(t, mirror.Create(ctx, pending))

	m := store.NewMirrored(primary, mirror, "test")

	got, err := m.FindByID(ctx, "old-loan")
	require.NoError(t, err)
	assert.Equal(t, "old-loan", got.ID)

	// adopted into the primary
	_, err = primary.FindByID(ctx, "old-loan")
	require.NoError(t, err)

	list, err := m.ListByStatus(ctx, models.StatusPendingManagerApproval)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "old-pending", list[0].ID)

	_, err = m.FindByID(ctx, "never-existed")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMirrored_MirrorFailureIsAbsorbed(t *testing.T) {
	ctx := context.Background()
	broken := &brokenStore{}
	breaker := circuit.New("test", circuit.WithFailureThreshold(2), circuit.WithCooldown(time.Hour))
	m := store.NewMirrored(store.NewInMemoryStore(), broken, "test", store.WithMirrorBreaker(breaker))

	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, m.Create(ctx, newLoan(id, 0)))
	}
	assert.True(t, breaker.IsOpen())
	assert.Equal(t, int32(2), broken.calls.Load(), "open breaker skips the mirror")

	got, err := m.FindByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", got.ID)

	_, err = m.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	all, err := m.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}
