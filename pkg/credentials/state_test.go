package credentials

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/models"
)

func TestStateSigner(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	signer := NewStateSigner("secret", 10*time.Minute, func() time.Time { return now })

	t.Run("should round trip the claims", func(t *testing.T) {
		state, err := signer.Sign("u1", models.IntegrationHubSpot)
		require.NoError(t, err)

		claims, err := signer.Verify(state)
		require.NoError(t, err)
		assert.Equal(t, "u1", claims.UserID)
		assert.Equal(t, models.IntegrationHubSpot, claims.IntegrationType)
		assert.NotEmpty(t, claims.Nonce)
		assert.Equal(t, now.Add(10*time.Minute).Unix(), claims.ExpiresAt)
	})

	t.Run("should issue a fresh nonce each time", func(t *testing.T) {
		a, err := signer.Sign("u1", models.IntegrationHubSpot)
		require.NoError(t, err)
		b, err := signer.Sign("u1", models.IntegrationHubSpot)
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})

	t.Run("should reject states signed with another secret", func(t *testing.T) {
		other := NewStateSigner("other", time.Minute, nil)
		state, err := other.Sign("u1", models.IntegrationHubSpot)
		require.NoError(t, err)

		_, err = signer.Verify(state)
		assert.Equal(t, errors.KindValidation, errors.KindOf(err))
	})

	t.Run("should reject malformed states", func(t *testing.T) {
		_, err := signer.Verify("no-dot")
		assert.Equal(t, errors.KindValidation, errors.KindOf(err))
	})
}
