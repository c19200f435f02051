package listeners

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestDecodeFluentJSON_Forms(t *testing.T) {
	t.Run("bare record", func(t *testing.T) {
		entries, err := decodeFluentJSON([]byte(`{"message":"hi"}`), "app")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "app", entries[0].Tag)
		assert.Equal(t, "hi", entries[0].Record["message"])
	})

	t.Run("record array", func(t *testing.T) {
		entries, err := decodeFluentJSON([]byte(`[{"message":"a"},{"message":"b"}]`), "app")
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "b", entries[1].Record["message"])
	})

	t.Run("forward single", func(t *testing.T) {
		entries, err := decodeFluentJSON([]byte(`["web.access", 1700000000, {"message":"GET /"}]`), "x")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "web.access", entries[0].Tag)
		assert.Equal(t, float64(1700000000), entries[0].Time)
	})

	t.Run("forward batch", func(t *testing.T) {
		entries, err := decodeFluentJSON(
			[]byte(`["web.access", [[1700000000, {"message":"a"}], [1700000001, {"message":"b"}]]]`), "x")
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "web.access", entries[1].Tag)
		assert.Equal(t, "b", entries[1].Record["message"])
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := decodeFluentJSON([]byte(`"just a string"`), "x")
		assert.Error(t, err)
	})
}

func TestDecodeFluentMsgpack(t *testing.T) {
	body, err := msgpack.Marshal([]any{"app.log", int64(1700000000), map[string]any{"message": "packed"}})
	require.NoError(t, err)

	entries, err := decodeFluentMsgpack(body, "fallback")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "app.log", entries[0].Tag)
	assert.Equal(t, float64(1700000000), entries[0].Time)
	assert.Equal(t, "packed", entries[0].Record["message"])
}
