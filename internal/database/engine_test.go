// ABOUTME: Tests for the storage engines
// ABOUTME: Both engines must agree on ordering, ranges and snapshot behaviour

package database

import (
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func engines(t *testing.T) map[string]engine {
	t.Helper()
	sq, err := openSQLite(filepath.Join(t.TempDir(), "engine.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { sq.close() })
	return map[string]engine{
		"memory": newMemoryEngine(),
		"sqlite": sq,
	}
}

func TestEngineScanRange(t *testing.T) {
	for name, eng := range engines(t) {
		t.Run(name, func(t *testing.T) {
			w, err := eng.begin(t.Context(), true)
			require.NoError(t, err)
			for _, k := range []string{"a", "b", "ba", "c", "d"} {
				require.NoError(t, w.put([]byte(k), []byte("v-"+k)))
			}
			require.NoError(t, w.commit())

			r, err := eng.begin(t.Context(), false)
			require.NoError(t, err)
			defer r.rollback()

			var keys []string
			require.NoError(t, r.scan([]byte("b"), []byte("d"), func(k, _ []byte) bool {
				keys = append(keys, string(k))
				return true
			}))
			assert.Equal(t, []string{"b", "ba", "c"}, keys)

			keys = nil
			require.NoError(t, r.scan([]byte("c"), nil, func(k, _ []byte) bool {
				keys = append(keys, string(k))
				return true
			}))
			assert.Equal(t, []string{"c", "d"}, keys)

			v, ok, err := r.get([]byte("ba"))
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, []byte("v-ba"), v)

			assert.ErrorIs(t, r.put([]byte("x"), nil), ErrReadOnly)
		})
	}
}

func TestEngineRollback(t *testing.T) {
	for name, eng := range engines(t) {
		t.Run(name, func(t *testing.T) {
			w, err := eng.begin(t.Context(), true)
			require.NoError(t, err)
			require.NoError(t, w.put([]byte("k"), []byte("v")))
			require.NoError(t, w.rollback())

			r, err := eng.begin(t.Context(), false)
			require.NoError(t, err)
			defer r.rollback()
			_, ok, err := r.get([]byte("k"))
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestMemoryEngineDetectsConcurrentCommit(t *testing.T) {
	eng := newMemoryEngine()

	a, err := eng.begin(t.Context(), true)
	require.NoError(t, err)
	b, err := eng.begin(t.Context(), true)
	require.NoError(t, err)

	require.NoError(t, a.put([]byte("k"), []byte("a")))
	require.NoError(t, b.put([]byte("k"), []byte("b")))
	require.NoError(t, a.commit())

	err = b.commit()
	require.ErrorIs(t, err, ErrConflict)
	assert.True(t, IsRetryable(err))
}
