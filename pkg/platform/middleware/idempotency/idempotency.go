// Package idempotency replays the stored response when a client retries a
// mutating request with the same Idempotency-Key.
package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	request "loanflow/pkg/platform/middleware/request"
)

// HeaderKey is the client-supplied idempotency header.
const HeaderKey = "Idempotency-Key"

const (
	// Lock held while the first request is still being served.
	provisionalLockTTL = 60 * time.Second
	storeTimeout       = 2 * time.Second
)

var validKey = regexp.MustCompile(`^[A-Za-z0-9_\-:.]{8,128}$`)

type entry struct {
	InProgress bool      `json:"in_progress"`
	Code       int       `json:"code"`
	Body       []byte    `json:"body"`
	BodySHA256 string    `json:"body_sha256"`
	CreatedAt  time.Time `json:"created_at"`
}

type recorder struct {
	http.ResponseWriter
	buf  bytes.Buffer
	code int
}

func (r *recorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	if r.code == 0 {
		r.code = http.StatusOK
	}
	r.buf.Write(b)
	return r.ResponseWriter.Write(b)
}

// Middleware enforces idempotency on POST requests that carry HeaderKey.
// Requests without the header pass through untouched. A nil client disables
// the middleware.
func Middleware(rdb redis.Cmdable, ttl time.Duration, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if rdb == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(HeaderKey))
			if r.Method != http.MethodPost || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			requestID := request.GetRequestID(ctx)
			if !validKey.MatchString(key) {
				writeError(w, http.StatusBadRequest, "bad_request", "invalid Idempotency-Key")
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				writeError(w, http.StatusBadRequest, "bad_request", "unreadable body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			hash := bodyHash(body)
			redisKey := buildKey(r.Method, r.URL.Path, key)

			sctx, cancel := context.WithTimeout(ctx, storeTimeout)
			defer cancel()
			acquired, err := provisionalSet(sctx, rdb, redisKey, entry{InProgress: true, BodySHA256: hash, CreatedAt: time.Now().UTC()})
			if err != nil {
				logger.ErrorContext(ctx, "idempotency store unavailable",
					"request_id", requestID,
					"error", err,
				)
				writeError(w, http.StatusServiceUnavailable, "unavailable", "idempotency store unavailable")
				return
			}
			if !acquired {
				cur, err := loadEntry(sctx, rdb, redisKey)
				if err != nil {
					logger.WarnContext(ctx, "failed to load idempotency entry",
						"request_id", requestID,
						"key", redisKey,
						"error", err,
					)
				}
				if cur.BodySHA256 != "" && cur.BodySHA256 != hash {
					writeError(w, http.StatusConflict, "conflict", "Idempotency-Key reused with a different body")
					return
				}
				if !cur.InProgress && cur.Code != 0 {
					w.Header().Set("Content-Type", "application/json")
					w.Header().Set("Idempotent-Replayed", "true")
					w.WriteHeader(cur.Code)
					_, _ = w.Write(cur.Body)
					return
				}
				writeError(w, http.StatusConflict, "conflict", "request is already in progress")
				return
			}

			rec := &recorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			final := entry{
				Code:       rec.code,
				Body:       rec.buf.Bytes(),
				BodySHA256: hash,
				CreatedAt:  time.Now().UTC(),
			}
			// The request context may already be done; persist on a fresh one.
			fctx, fcancel := context.WithTimeout(context.Background(), storeTimeout)
			defer fcancel()
			if rec.code >= http.StatusInternalServerError {
				err = rdb.Del(fctx, redisKey).Err()
			} else {
				err = saveFinal(fctx, rdb, redisKey, final, ttl)
			}
			if err != nil {
				logger.WarnContext(ctx, "failed to finalize idempotency entry",
					"request_id", requestID,
					"key", redisKey,
					"error", err,
				)
			}
		})
	}
}

func writeError(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "error_description": desc})
}

func bodyHash(b []byte) string {
	s := sha256.Sum256(b)
	return hex.EncodeToString(s[:])
}

func buildKey(method, path, key string) string {
	return "idemp:" + strings.ToLower(method) + ":" + path + ":" + key
}

func provisionalSet(ctx context.Context, rdb redis.Cmdable, key string, e entry) (bool, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return false, err
	}
	return rdb.SetNX(ctx, key, payload, provisionalLockTTL).Result()
}

func loadEntry(ctx context.Context, rdb redis.Cmdable, key string) (entry, error) {
	var e entry
	v, err := rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return e, nil
		}
		return e, err
	}
	err = json.Unmarshal(v, &e)
	return e, err
}

func saveFinal(ctx context.Context, rdb redis.Cmdable, key string, e entry, ttl time.Duration) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return rdb.Set(ctx, key, payload, ttl).Err()
}
