package fields

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet(t *testing.T) {
	doc := map[string]any{
		"name": "MSA",
		"properties": map[string]any{
			"amount": 1200.5,
		},
		"lines": []any{
			map[string]any{"price": 10.0},
			map[string]any{"price": 20.0},
		},
	}

	t.Run("should read top level and nested keys", func(t *testing.T) {
		v, err := Get(doc, "name")
		require.NoError(t, err)
		assert.Equal(t, "MSA", v)

		v, err = Get(doc, "properties.amount")
		require.NoError(t, err)
		assert.Equal(t, 1200.5, v)
	})

	t.Run("should read indexed elements", func(t *testing.T) {
		v, err := Get(doc, "lines[1].price")
		require.NoError(t, err)
		assert.Equal(t, 20.0, v)
	})

	t.Run("should report missing keys", func(t *testing.T) {
		_, err := Get(doc, "properties.stage")
		assert.ErrorIs(t, err, ErrNotFound)

		_, ok := Lookup(doc, "missing.deep")
		assert.False(t, ok)
	})

	t.Run("should reject bad index usage", func(t *testing.T) {
		_, err := Get(doc, "lines[5].price")
		assert.ErrorIs(t, err, ErrIndexOutOfBounds)

		_, err = Get(doc, "name[0]")
		assert.ErrorIs(t, err, ErrInvalidIndexUsage)

		_, err = Get(doc, "lines[x]")
		assert.ErrorIs(t, err, ErrMalformedIndex)
	})
}

func TestSet(t *testing.T) {
	t.Run("should create intermediate objects", func(t *testing.T) {
		doc := map[string]any{}
		require.NoError(t, Set(doc, "properties.contract_id", "c-1"))
		assert.Equal(t, map[string]any{"properties": map[string]any{"contract_id": "c-1"}}, doc)
	})

	t.Run("should overwrite non object intermediates", func(t *testing.T) {
		doc := map[string]any{"properties": "flat"}
		require.NoError(t, Set(doc, "properties.amount", 5))
		assert.Equal(t, 5, doc["properties"].(map[string]any)["amount"])
	})

	t.Run("should append to lists at the end index", func(t *testing.T) {
		doc := map[string]any{"lines": []any{"a"}}
		require.NoError(t, Set(doc, "lines[1]", "b"))
		assert.Equal(t, []any{"a", "b"}, doc["lines"])

		require.NoError(t, Set(doc, "items[0].sku", "X"))
		assert.Equal(t, []any{map[string]any{"sku": "X"}}, doc["items"])
	})

	t.Run("should reject sparse list writes", func(t *testing.T) {
		doc := map[string]any{}
		assert.ErrorIs(t, Set(doc, "lines[3]", "x"), ErrIndexOutOfBounds)
	})
}
