package testutil

import (
	"net/http"
	"time"

	"loanflow/pkg/requestcontext"
)

// WithManager marks the request as coming from an authenticated manager,
// as the auth middleware would.
func WithManager(req *http.Request, subject string) *http.Request {
	return req.WithContext(requestcontext.WithManager(req.Context(), subject))
}

// WithTime pins the request clock.
func WithTime(req *http.Request, t time.Time) *http.Request {
	return req.WithContext(requestcontext.WithTime(req.Context(), t))
}
