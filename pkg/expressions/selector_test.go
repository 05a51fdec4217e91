package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelector(t *testing.T) {
	s := NewSelector()
	payload := map[string]any{
		"objectId": 12345.0,
		"properties": map[string]any{
			"amount":    "2500.50",
			"dealstage": "closedwon",
		},
		"ChangeEventHeader": map[string]any{
			"recordIds": []any{"OPP-9"},
		},
	}

	t.Run("should format numeric ids without an exponent", func(t *testing.T) {
		id, err := s.SelectString("objectId", payload)
		require.NoError(t, err)
		assert.Equal(t, "12345", id)
	})

	t.Run("should fall through alternatives", func(t *testing.T) {
		id, err := s.SelectString("Id || ChangeEventHeader.recordIds[0]", payload)
		require.NoError(t, err)
		assert.Equal(t, "OPP-9", id)
	})

	t.Run("should parse amounts sent as text", func(t *testing.T) {
		amount, ok, err := s.SelectFloat("properties.amount", payload)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 2500.50, amount)
	})

	t.Run("should report missing values", func(t *testing.T) {
		_, ok, err := s.SelectFloat("properties.missing", payload)
		require.NoError(t, err)
		assert.False(t, ok)

		v, err := s.SelectString("nope", payload)
		require.NoError(t, err)
		assert.Empty(t, v)
	})

	t.Run("should reject invalid expressions", func(t *testing.T) {
		assert.Error(t, s.Validate("properties.["))
	})
}
