package webhooks

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignature(t *testing.T) {
	body := []byte(`{"event":"contract.synced"}`)

	t.Run("should produce a stable hex digest", func(t *testing.T) {
		sig := Sign("whsec", body)
		assert.Len(t, sig, 64)
		assert.Equal(t, sig, Sign("whsec", body))
		assert.NotEqual(t, sig, Sign("other", body))
	})

	t.Run("should verify with or without the sha256 prefix", func(t *testing.T) {
		sig := Sign("whsec", body)
		assert.True(t, Verify("whsec", body, sig))
		assert.True(t, Verify("whsec", body, "sha256="+sig))
	})

	t.Run("should reject tampered bodies and garbage", func(t *testing.T) {
		sig := Sign("whsec", body)
		assert.False(t, Verify("whsec", []byte(`{"event":"contract.deleted"}`), sig))
		assert.False(t, Verify("wrong", body, sig))
		assert.False(t, Verify("whsec", body, "not-hex"))
		assert.False(t, Verify("whsec", body, ""))
	})
}
