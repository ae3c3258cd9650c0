package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeys(t *testing.T) {
	a, err := Marshal(map[string]any{"b": 1, "a": 2})
	require.NoError(t, err)
	b, err := Marshal(map[string]any{"a": 2, "b": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, `{"a":2,"b":1}`, string(a))
}

func TestHashDeterministic(t *testing.T) {
	payload := map[string]any{"max_connections": 50}

	h1, err := Hash(payload)
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"max_connections": 50})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestHashDiffersByOneByte(t *testing.T) {
	h1, err := Hash(map[string]any{"value": "abc"})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"value": "abd"})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestMarshalRejectsNonJSON(t *testing.T) {
	_, err := Marshal(map[string]any{"fn": func() {}})
	assert.Error(t, err)
}
