package ratelimit

import (
	"log/slog"
	"net/http"
	"strconv"

	"loanflow/pkg/platform/httputil"
	"loanflow/pkg/requestcontext"
)

type exceededResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	RetryAfter       int    `json:"retry_after"`
}

// Middleware limits requests per client IP for class. Store failures let
// the request through.
func Middleware(limiter *Limiter, class Class, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			client := requestcontext.ClientIP(ctx)
			if client == "" {
				client = "unknown"
			}

			res, err := limiter.Check(ctx, class, client)
			if err != nil {
				logger.WarnContext(ctx, "rate limit check failed; allowing request",
					"request_id", requestcontext.RequestID(ctx),
					"class", class,
					"error", err,
				)
				next.ServeHTTP(w, r)
				return
			}

			if res.Limit > 0 {
				h := w.Header()
				h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
				h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
				h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
			}
			if !res.Allowed {
				logger.InfoContext(ctx, "rate limit exceeded",
					"request_id", requestcontext.RequestID(ctx),
					"class", class,
				)
				w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfter))
				httputil.WriteJSON(w, http.StatusTooManyRequests, exceededResponse{
					Error:            "rate_limit_exceeded",
					ErrorDescription: "Too many requests. Please try again later.",
					RetryAfter:       res.RetryAfter,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
