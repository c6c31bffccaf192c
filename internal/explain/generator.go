// Package explain phrases applicant-facing text for a loan decision. It never
// returns an error: any generation failure yields the fixed fallback string.
package explain

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"loanflow/internal/llm"
	"loanflow/pkg/requestcontext"
)

// Facts are the inputs a letter may mention.
type Facts struct {
	LoanID       string
	Name         string
	Status       string
	Income       float64
	Amount       float64
	Purpose      string
	TenureMonths int
	AnnualRate   float64
	EMI          float64
	Ratio        float64
	Threshold    float64
	Summary      string
	KYCLog       string
}

// Fallback is the text used whenever generation fails.
func Fallback(status string) string {
	return fmt.Sprintf("Application is %s.", status)
}

// Generator builds prompts and calls the LLM client.
type Generator struct {
	client      llm.Client
	model       string
	temperature float64
	maxTokens   int
	logger      *slog.Logger
}

// Option configures a Generator.
type Option func(*Generator)

func WithModel(model string) Option {
	return func(g *Generator) { g.model = model }
}

func WithTemperature(t float64) Option {
	return func(g *Generator) { g.temperature = t }
}

func WithMaxTokens(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.maxTokens = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) {
		if l != nil {
			g.logger = l
		}
	}
}

func New(client llm.Client, opts ...Option) *Generator {
	g := &Generator{
		client:      client,
		temperature: llm.DefaultTemperature,
		maxTokens:   llm.DefaultMaxTokens,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Explanation returns a decision explanation for f.Status.
func (g *Generator) Explanation(ctx context.Context, f Facts) string {
	return g.generate(ctx, "explanation", f, explanationPrompt(f))
}

// SanctionLetter returns a formal pre-approval letter.
func (g *Generator) SanctionLetter(ctx context.Context, f Facts) string {
	return g.generate(ctx, "sanction_letter", f, sanctionLetterPrompt(f))
}

func (g *Generator) generate(ctx context.Context, kind string, f Facts, msgs []llm.Message) string {
	if g.client == nil {
		return Fallback(f.Status)
	}
	text, err := g.client.Generate(ctx, llm.Request{
		Messages:    msgs,
		Model:       g.model,
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
	})
	text = strings.TrimSpace(text)
	if err != nil || text == "" {
		g.logger.WarnContext(ctx, "text generation failed; using fallback",
			"kind", kind,
			"loan_id", f.LoanID,
			"status", f.Status,
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		return Fallback(f.Status)
	}
	return text
}
