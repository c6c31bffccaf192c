package store_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loanflow/internal/loan/models"
	"loanflow/internal/loan/store"
)

var baseTime = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

func newLoan(id string, offset time.Duration) *models.Loan {
	return models.NewLoan(id, models.ApplicantData{
		Name:         "Asha Rao",
		PAN:          "ABCDE1234F",
		Income:       10000,
		Amount:       60000,
		Purpose:      "home repair",
		DocumentName: "salary.pdf",
	}, baseTime.Add(offset))
}

// runStoreContract exercises behaviour every Store implementation shares.
func runStoreContract(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("create then find round trips the record", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		loan := newLoan("loan-a", 0)
		loan.Underwriting = &models.UnderwritingSnapshot{Policy: "emi_coverage", Decision: models.StatusPreApproved, Ratio: 5.02}
		require.NoError(t, s.Create(ctx, loan))

		got, err := s.FindByID(ctx, "loan-a")
		require.NoError(t, err)
		assert.Equal(t, loan.Data, got.Data)
		assert.Equal(t, loan.Status, got.Status)
		assert.Equal(t, loan.Explanation, got.Explanation)
		require.Len(t, got.Timeline, 2)
		assert.Equal(t, models.StepDocumentUpload, got.Timeline[1].Step)
		assert.True(t, loan.Timeline[0].Time.Equal(got.Timeline[0].Time))
		require.NotNil(t, got.Underwriting)
		assert.InDelta(t, 5.02, got.Underwriting.Ratio, 1e-9)
	})

	t.Run("duplicate create conflicts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, newLoan("loan-dup", 0)))
		err := s.Create(ctx, newLoan("loan-dup", 0))
		assert.ErrorIs(t, err, store.ErrConflict)
	})

	t.Run("missing loan is not found", func(t *testing.T) {
		s := newStore(t)
		_, err := s.FindByID(context.Background(), "nope")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("save replaces the record", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		loan := newLoan("loan-s", 0)
		require.NoError(t, s.Create(ctx, loan))

		require.NoError(t, loan.Transition(models.StatusKYCCompleted))
		loan.Append(models.StepKYC, "KYC check completed: PAN format valid.", baseTime.Add(time.Second))
		require.NoError(t, s.Save(ctx, loan))

		got, err := s.FindByID(ctx, "loan-s")
		require.NoError(t, err)
		assert.Equal(t, models.StatusKYCCompleted, got.Status)
		assert.Len(t, got.Timeline, 3)
		assert.Nil(t, got.Underwriting)
	})

	t.Run("returned loans are copies", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, newLoan("loan-c", 0)))

		got, err := s.FindByID(ctx, "loan-c")
		require.NoError(t, err)
		got.Status = models.StatusApproved

		again, err := s.FindByID(ctx, "loan-c")
		require.NoError(t, err)
		assert.Equal(t, models.StatusSubmitted, again.Status)
	})

	t.Run("list by status is ordered by creation", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i, id := range []string{"loan-3", "loan-1", "loan-2"} {
			loan := newLoan(id, time.Duration(3-i)*time.Minute)
			require.NoError(t, s.Create(ctx, loan))
		}
		other := newLoan("loan-x", 0)
		other.Status = models.StatusRejected
		require.NoError(t, s.Create(ctx, other))

		got, err := s.ListByStatus(ctx, models.StatusSubmitted)
		require.NoError(t, err)
		ids := make([]string, 0, len(got))
		for _, l := range got {
			ids = append(ids, l.ID)
		}
		assert.Equal(t, []string{"loan-2", "loan-1", "loan-3"}, ids)

		all, err := s.List(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 4)
	})

	t.Run("chat log keeps the newest messages in order", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i := 0; i < 7; i++ {
			require.NoError(t, s.AppendChatMessage(ctx, models.ChatMessage{
				ID:        fmt.Sprintf("m%d", i),
				LoanID:    "loan-chat",
				Sender:    models.SenderManager,
				Message:   fmt.Sprintf("message %d", i),
				CreatedAt: baseTime.Add(time.Duration(i) * time.Second),
			}))
		}

		recent, err := s.ListChatMessages(ctx, "loan-chat", 5)
		require.NoError(t, err)
		require.Len(t, recent, 5)
		assert.Equal(t, "message 2", recent[0].Message)
		assert.Equal(t, "message 6", recent[4].Message)

		all, err := s.ListChatMessages(ctx, "loan-chat", 0)
		require.NoError(t, err)
		assert.Len(t, all, 7)

		none, err := s.ListChatMessages(ctx, "other", 5)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}
