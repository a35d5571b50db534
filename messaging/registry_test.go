package messaging

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(ctx context.Context, body []byte) error { return nil }

func TestRegistry(t *testing.T) {
	t.Run("keeps registration order", func(t *testing.T) {
		registry := NewRegistry()
		require.NoError(t, registry.RegisterFunc("b.*", noop))
		require.NoError(t, registry.RegisterFunc("a.#", noop))
		require.NoError(t, registry.RegisterFunc("c.d", noop))

		assert.Equal(t, []string{"b.*", "a.#", "c.d"}, registry.Patterns())
		assert.Equal(t, 3, registry.Len())
	})

	t.Run("rejects duplicate patterns", func(t *testing.T) {
		registry := NewRegistry()
		require.NoError(t, registry.RegisterFunc("a.*", noop))

		err := registry.RegisterFunc("a.*", noop)

		require.Error(t, err)
		assert.True(t, IsDuplicatePattern(err))
		assert.ErrorIs(t, err, ErrDuplicatePattern)
		var dup *DuplicatePatternError
		require.ErrorAs(t, err, &dup)
		assert.Equal(t, "a.*", dup.Pattern)
		assert.Equal(t, 1, registry.Len())
	})

	t.Run("overlapping patterns are distinct", func(t *testing.T) {
		registry := NewRegistry()
		require.NoError(t, registry.RegisterFunc("a.*", noop))
		require.NoError(t, registry.RegisterFunc("a.#", noop))

		assert.Len(t, registry.MatchAll("a.b"), 2)
		assert.Len(t, registry.MatchAll("a.b.c"), 1)
		assert.Empty(t, registry.MatchAll("a"))
	})

	t.Run("rejects nil handlers", func(t *testing.T) {
		registry := NewRegistry()

		assert.ErrorIs(t, registry.Register("a", nil), ErrNilHandler)
		assert.ErrorIs(t, registry.RegisterFunc("a", nil), ErrNilHandler)
		assert.Zero(t, registry.Len())
	})

	t.Run("rejects invalid patterns", func(t *testing.T) {
		registry := NewRegistry()

		assert.ErrorIs(t, registry.RegisterFunc("a..b", noop), ErrInvalidPattern)
		assert.ErrorIs(t, registry.RegisterFunc("", noop), ErrInvalidPattern)
		assert.Zero(t, registry.Len())
	})

	t.Run("All returns a copy", func(t *testing.T) {
		registry := NewRegistry()
		require.NoError(t, registry.RegisterFunc("a", noop))

		all := registry.All()
		all[0] = Mapping{}

		assert.Equal(t, "a", registry.All()[0].Pattern.String())
	})

	t.Run("concurrent registration", func(t *testing.T) {
		registry := NewRegistry()
		patterns := []string{"a.*", "b.*", "c.*", "d.*", "e.*", "f.*", "g.*", "h.*"}

		var wg sync.WaitGroup
		for _, p := range patterns {
			wg.Add(1)
			go func(pattern string) {
				defer wg.Done()
				assert.NoError(t, registry.RegisterFunc(pattern, noop))
				registry.MatchAll("a.b")
			}(p)
		}
		wg.Wait()

		assert.ElementsMatch(t, patterns, registry.Patterns())
	})
}
