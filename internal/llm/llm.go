// Package llm abstracts the text-generation collaborator. Callers depend only
// on Client; backends translate Request into a provider call.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

//go:generate mockgen -source=llm.go -destination=mocks/client_mock.go -package=mocks Client

// Role tags a message in a prompt.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one role-tagged prompt entry.
type Message struct {
	Role    Role
	Content string
}

// Request is a single generation call. An empty Model selects the backend default.
type Request struct {
	Messages    []Message
	Model       string
	Temperature float64
	MaxTokens   int
}

// Client generates text for a prompt.
type Client interface {
	Generate(ctx context.Context, req Request) (string, error)
}

var (
	// ErrUnavailable means no call was attempted: no backend configured or circuit open.
	ErrUnavailable = errors.New("llm unavailable")
	// ErrEmptyResponse means the backend answered without any text.
	ErrEmptyResponse = errors.New("llm returned no text")
	// ErrTimeout means the bounded call deadline expired.
	ErrTimeout = errors.New("llm call timed out")
)

// Provider names accepted by New.
const (
	ProviderOpenRouter = "openrouter"
	ProviderGemini     = "gemini"
	ProviderNone       = "none"
)

const (
	DefaultOpenRouterBaseURL = "https://openrouter.ai/api/v1/"
	DefaultOpenRouterModel   = "google/gemini-2.5-flash"
	DefaultGeminiModel       = "gemini-2.5-flash"
	DefaultTemperature       = 0.7
	DefaultMaxTokens         = 1000
	DefaultTimeout           = 20 * time.Second
)

// Config selects and configures a backend.
type Config struct {
	Provider    string
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Disabled is the backend used when no provider is configured. Every call
// fails fast so callers take their fallback path.
type Disabled struct{}

func (Disabled) Generate(context.Context, Request) (string, error) {
	return "", ErrUnavailable
}

// New builds the configured backend. Missing credentials degrade to Disabled
// with a warning rather than failing startup.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (Client, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = ProviderOpenRouter
	}
	if provider != ProviderNone && cfg.APIKey == "" {
		logger.WarnContext(ctx, "llm api key not set; explanations will use fallback text",
			"provider", provider,
		)
		return Disabled{}, nil
	}

	switch provider {
	case ProviderOpenRouter:
		return NewOpenRouter(cfg), nil
	case ProviderGemini:
		return NewGemini(ctx, cfg)
	case ProviderNone:
		return Disabled{}, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// splitSystem separates system instructions from the conversational turns.
// Backends that take the system prompt out of band use it.
func splitSystem(msgs []Message) (system string, turns []Message) {
	var sys []string
	for _, m := range msgs {
		if m.Role == RoleSystem {
			sys = append(sys, m.Content)
			continue
		}
		turns = append(turns, m)
	}
	return strings.Join(sys, "\n\n"), turns
}
