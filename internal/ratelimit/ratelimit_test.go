package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"loanflow/pkg/requestcontext"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// StoreSuite runs the same window semantics against every Store.
type StoreSuite struct {
	suite.Suite
	newStore func(t *testing.T, clock *time.Time) Store
}

func TestInMemoryStore(t *testing.T) {
	suite.Run(t, &StoreSuite{newStore: func(_ *testing.T, clock *time.Time) Store {
		s := NewInMemoryStore()
		s.now = func() time.Time { return *clock }
		return s
	}})
}

func TestRedisStore(t *testing.T) {
	suite.Run(t, &StoreSuite{newStore: func(t *testing.T, clock *time.Time) Store {
		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		s := NewRedisStore(rdb)
		s.now = func() time.Time { return *clock }
		return s
	}})
}

func (s *StoreSuite) TestWindow() {
	clock := base
	st := s.newStore(s.T(), &clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := st.Allow(ctx, "llm:1.2.3.4", 3, time.Minute)
		s.Require().NoError(err)
		s.True(res.Allowed)
		s.Equal(2-i, res.Remaining)
		clock = clock.Add(10 * time.Second)
	}

	res, err := st.Allow(ctx, "llm:1.2.3.4", 3, time.Minute)
	s.Require().NoError(err)
	s.False(res.Allowed)
	// oldest request at base expires at base+60s; now is base+30s
	s.Equal(30, res.RetryAfter)
	s.WithinDuration(base.Add(time.Minute), res.ResetAt, time.Millisecond)

	other, err := st.Allow(ctx, "llm:5.6.7.8", 3, time.Minute)
	s.Require().NoError(err)
	s.True(other.Allowed, "keys are independent")

	clock = base.Add(61 * time.Second)
	res, err = st.Allow(ctx, "llm:1.2.3.4", 3, time.Minute)
	s.Require().NoError(err)
	s.True(res.Allowed, "the oldest request left the window")
}

func TestLimiter_UnlimitedClass(t *testing.T) {
	l := NewLimiter(NewInMemoryStore(), map[Class]Rule{ClassLogin: {Limit: 0, Window: time.Minute}})
	for i := 0; i < 100; i++ {
		res, err := l.Check(context.Background(), ClassLogin, "a")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	res, err := l.Check(context.Background(), ClassLLM, "a")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

type failingStore struct{}

func (failingStore) Allow(context.Context, string, int, time.Duration) (Result, error) {
	return Result{}, io.ErrUnexpectedEOF
}

func TestMiddleware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	serve := func(h http.Handler, ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/chat", nil)
		req = req.WithContext(requestcontext.WithClientMetadata(req.Context(), ip, "test"))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	t.Run("blocks after limit", func(t *testing.T) {
		l := NewLimiter(NewInMemoryStore(), map[Class]Rule{ClassLLM: {Limit: 2, Window: time.Minute}})
		h := Middleware(l, ClassLLM, logger)(ok)

		assert.Equal(t, http.StatusOK, serve(h, "10.0.0.1").Code)
		rr := serve(h, "10.0.0.1")
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "0", rr.Header().Get("X-RateLimit-Remaining"))

		rr = serve(h, "10.0.0.1")
		assert.Equal(t, http.StatusTooManyRequests, rr.Code)
		assert.NotEmpty(t, rr.Header().Get("Retry-After"))
		assert.Contains(t, rr.Body.String(), "rate_limit_exceeded")

		assert.Equal(t, http.StatusOK, serve(h, "10.0.0.2").Code)
	})

	t.Run("store failure allows", func(t *testing.T) {
		l := NewLimiter(failingStore{}, map[Class]Rule{ClassLLM: {Limit: 1, Window: time.Minute}})
		h := Middleware(l, ClassLLM, logger)(ok)
		assert.Equal(t, http.StatusOK, serve(h, "10.0.0.1").Code)
	})

	t.Run("nil limiter disables", func(t *testing.T) {
		h := Middleware(nil, ClassLLM, logger)(ok)
		assert.Equal(t, http.StatusOK, serve(h, "10.0.0.1").Code)
	})
}
