package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("empty url disables redis", func(t *testing.T) {
		c, err := New(context.Background(), "")
		require.NoError(t, err)
		assert.Nil(t, c)
	})

	t.Run("connects and selects db", func(t *testing.T) {
		s := miniredis.RunT(t)
		c, err := New(context.Background(), "redis://"+s.Addr()+"/2")
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close() })

		assert.Equal(t, 2, c.Options().DB)
		require.NoError(t, c.Health(context.Background()))
	})

	t.Run("bad url", func(t *testing.T) {
		_, err := New(context.Background(), "http://nope")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parse redis URL")
	})

	t.Run("unreachable server", func(t *testing.T) {
		s := miniredis.RunT(t)
		addr := s.Addr()
		s.Close()
		_, err := New(context.Background(), "redis://"+addr)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "redis ping failed")
	})
}
