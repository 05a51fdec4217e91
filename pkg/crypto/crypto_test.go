package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretBox(t *testing.T) {
	box, err := NewSecretBox("a-test-secret-that-is-long-enough")
	require.NoError(t, err)

	t.Run("should round trip byte for byte", func(t *testing.T) {
		for _, plain := range []string{"token", "päss wörd ✓", "with\x00null", "a"} {
			sealed, err := box.Encrypt(plain)
			require.NoError(t, err)
			assert.NotEqual(t, plain, sealed)

			opened, err := box.Decrypt(sealed)
			require.NoError(t, err)
			assert.Equal(t, []byte(plain), []byte(opened))
		}
	})

	t.Run("should use a fresh nonce per call", func(t *testing.T) {
		a, err := box.Encrypt("same")
		require.NoError(t, err)
		b, err := box.Encrypt("same")
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})

	t.Run("should pass empty values through", func(t *testing.T) {
		sealed, err := box.Encrypt("")
		require.NoError(t, err)
		assert.Empty(t, sealed)
		opened, err := box.Decrypt("")
		require.NoError(t, err)
		assert.Empty(t, opened)
	})

	t.Run("should reject values sealed with another key", func(t *testing.T) {
		other, err := NewSecretBox("another-secret-that-is-long-enough")
		require.NoError(t, err)
		sealed, err := other.Encrypt("token")
		require.NoError(t, err)

		_, err = box.Decrypt(sealed)
		assert.Error(t, err)
	})

	t.Run("should reject unsealed input", func(t *testing.T) {
		_, err := box.Decrypt("plaintext")
		assert.Error(t, err)
	})

	t.Run("should reject short secrets", func(t *testing.T) {
		_, err := NewSecretBox("short")
		assert.Error(t, err)
	})
}
