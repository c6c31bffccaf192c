// Package ratelimit bounds how often one client may call the endpoints that
// fan out to the language model or verify manager credentials.
package ratelimit

import (
	"context"
	"time"
)

// Class groups endpoints sharing one limit.
type Class string

const (
	// ClassLLM covers chat, chatbot and analysis calls.
	ClassLLM Class = "llm"
	// ClassLogin covers manager login attempts.
	ClassLogin Class = "login"
)

// Rule is the number of requests allowed per window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Result is the outcome of one Allow call.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter int // seconds, only set when not allowed
}

// Store counts requests per key in a sliding window.
type Store interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error)
}

// Limiter applies per-class rules to a Store. A class without a rule, or
// with a non-positive limit, is unlimited.
type Limiter struct {
	store Store
	rules map[Class]Rule
}

func NewLimiter(store Store, rules map[Class]Rule) *Limiter {
	return &Limiter{store: store, rules: rules}
}

// Check counts one request by client against class.
func (l *Limiter) Check(ctx context.Context, class Class, client string) (Result, error) {
	rule, ok := l.rules[class]
	if !ok || rule.Limit <= 0 {
		return Result{Allowed: true}, nil
	}
	return l.store.Allow(ctx, string(class)+":"+client, rule.Limit, rule.Window)
}

func retryAfter(resetAt, now time.Time) int {
	secs := int(resetAt.Sub(now).Round(time.Second) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
