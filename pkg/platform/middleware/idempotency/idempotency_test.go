package idempotency

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func setup(t *testing.T, status int) (http.Handler, *atomic.Int32, *miniredis.Miniredis) {
	t.Helper()
	mr, rdb := newMiniredisClient(t)
	calls := &atomic.Int32{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"loan_id":"loan-` + string(rune('0'+n)) + `"}`))
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return Middleware(rdb, time.Hour, logger)(handler), calls, mr
}

func post(h http.Handler, key, body string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, "/loans", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	if key != "" {
		r.Header.Set(HeaderKey, key)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestMiddleware_ReplaysStoredResponse(t *testing.T) {
	h, calls, _ := setup(t, http.StatusAccepted)

	first := post(h, "key-00000001", `{"name":"A"}`)
	second := post(h, "key-00000001", `{"name":"A"}`)

	require.Equal(t, http.StatusAccepted, first.Code)
	assert.Equal(t, http.StatusAccepted, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, int32(1), calls.Load())
}

func TestMiddleware_DifferentBodyConflicts(t *testing.T) {
	h, calls, _ := setup(t, http.StatusAccepted)

	post(h, "key-00000002", `{"name":"A"}`)
	w := post(h, "key-00000002", `{"name":"B"}`)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestMiddleware_InProgressConflicts(t *testing.T) {
	h, calls, mr := setup(t, http.StatusAccepted)
	require.NoError(t, mr.Set(buildKey(http.MethodPost, "/loans", "key-00000003"),
		`{"in_progress":true,"body_sha256":"`+bodyHash([]byte(`{}`))+`"}`))

	w := post(h, "key-00000003", `{}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, int32(0), calls.Load())
}

func TestMiddleware_WithoutHeaderPassesThrough(t *testing.T) {
	h, calls, _ := setup(t, http.StatusAccepted)

	post(h, "", `{}`)
	post(h, "", `{}`)
	assert.Equal(t, int32(2), calls.Load())
}

func TestMiddleware_ServerErrorIsNotCached(t *testing.T) {
	h, calls, mr := setup(t, http.StatusInternalServerError)

	post(h, "key-00000004", `{}`)
	assert.False(t, mr.Exists(buildKey(http.MethodPost, "/loans", "key-00000004")))
	post(h, "key-00000004", `{}`)
	assert.Equal(t, int32(2), calls.Load())
}

func TestMiddleware_InvalidKey(t *testing.T) {
	h, _, _ := setup(t, http.StatusAccepted)
	w := post(h, "bad key!", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMiddleware_StoreDown(t *testing.T) {
	h, calls, mr := setup(t, http.StatusAccepted)
	mr.Close()

	w := post(h, "key-00000005", `{}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, int32(0), calls.Load())
}
