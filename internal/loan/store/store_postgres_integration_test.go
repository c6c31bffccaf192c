//go:build integration

package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"loanflow/internal/loan/models"
	"loanflow/internal/loan/store"
	"loanflow/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.PostgresStore
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.store = store.NewPostgresStore(s.postgres.DB)
	s.Require().NoError(s.store.Migrate(context.Background()))
}

func (s *PostgresStoreSuite) SetupTest() {
	err := s.postgres.TruncateTables(context.Background(), "loan_applications", "chat_messages")
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) TestContract() {
	runStoreContract(s.T(), func(t *testing.T) store.Store {
		s.Require().NoError(s.postgres.TruncateTables(context.Background(), "loan_applications", "chat_messages"))
		return s.store
	})
}

func (s *PostgresStoreSuite) TestMigrateIsIdempotent() {
	s.Require().NoError(s.store.Migrate(context.Background()))
}

// Concurrent saves of one record must leave a complete row, never a mix
// of two writers' JSON documents.
func (s *PostgresStoreSuite) TestConcurrentSaves() {
	ctx := context.Background()
	loan := newLoan("loan-race", 0)
	s.Require().NoError(s.store.Create(ctx, loan))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			c := loan.Clone()
			for j := 0; j <= n%3; j++ {
				c.Append(models.StepKYC, "step", baseTime.Add(time.Duration(j)*time.Second))
			}
			_ = s.store.Save(ctx, c)
		}(i)
	}
	wg.Wait()

	got, err := s.store.FindByID(ctx, "loan-race")
	s.Require().NoError(err)
	s.Contains([]int{3, 4, 5}, len(got.Timeline))
}
