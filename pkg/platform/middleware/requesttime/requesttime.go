// Package requesttime pins a single "now" per request so every timeline entry
// written while serving it shares one reference instant.
package requesttime

import (
	"net/http"
	"time"

	"loanflow/pkg/requestcontext"
)

// Middleware stores the UTC arrival time in the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestcontext.WithTime(r.Context(), time.Now().UTC())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
