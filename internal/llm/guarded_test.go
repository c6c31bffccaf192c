package llm_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"loanflow/internal/llm"
	"loanflow/internal/llm/mocks"
	"loanflow/pkg/platform/circuit"
)

func newGuarded(t *testing.T, opts ...llm.GuardOption) (*llm.Guarded, *mocks.MockClient) {
	t.Helper()
	ctrl := gomock.NewController(t)
	next := mocks.NewMockClient(ctrl)
	opts = append([]llm.GuardOption{llm.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return llm.NewGuarded(next, "test", opts...), next
}

func TestGuarded_TrimsText(t *testing.T) {
	g, next := newGuarded(t)
	next.EXPECT().Generate(gomock.Any(), gomock.Any()).Return("  Dear Asha,\n", nil)

	text, err := g.Generate(context.Background(), llm.Request{})
	require.NoError(t, err)
	assert.Equal(t, "Dear Asha,", text)
}

func TestGuarded_EmptyTextIsAnError(t *testing.T) {
	g, next := newGuarded(t)
	next.EXPECT().Generate(gomock.Any(), gomock.Any()).Return("   ", nil)

	_, err := g.Generate(context.Background(), llm.Request{})
	require.ErrorIs(t, err, llm.ErrEmptyResponse)
}

func TestGuarded_TimesOut(t *testing.T) {
	g, next := newGuarded(t, llm.WithTimeout(20*time.Millisecond))
	next.EXPECT().Generate(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, _ llm.Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	start := time.Now()
	_, err := g.Generate(context.Background(), llm.Request{})
	require.ErrorIs(t, err, llm.ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestGuarded_OpensCircuit(t *testing.T) {
	breaker := circuit.New("llm-test", circuit.WithFailureThreshold(2), circuit.WithCooldown(time.Hour))
	g, next := newGuarded(t, llm.WithBreaker(breaker))
	boom := errors.New("502 bad gateway")
	next.EXPECT().Generate(gomock.Any(), gomock.Any()).Return("", boom).Times(2)

	for range 2 {
		_, err := g.Generate(context.Background(), llm.Request{})
		require.ErrorIs(t, err, boom)
	}
	require.True(t, breaker.IsOpen())

	// no further backend call while open
	_, err := g.Generate(context.Background(), llm.Request{})
	require.ErrorIs(t, err, llm.ErrUnavailable)
}

func TestDisabled(t *testing.T) {
	_, err := llm.Disabled{}.Generate(context.Background(), llm.Request{})
	require.ErrorIs(t, err, llm.ErrUnavailable)
}

func TestNew_WithoutKeyIsDisabled(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := llm.New(context.Background(), llm.Config{Provider: llm.ProviderOpenRouter}, logger)
	require.NoError(t, err)
	assert.IsType(t, llm.Disabled{}, c)

	_, err = llm.New(context.Background(), llm.Config{Provider: "carrier-pigeon", APIKey: "k"}, logger)
	require.Error(t, err)
}
