package models

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAudit(t *testing.T) {
	t.Run("should keep only the newest entries", func(t *testing.T) {
		cred := &Credential{}
		for i := 0; i < MaxAuditEntries+25; i++ {
			cred.AppendAudit(AuditEntry{Action: fmt.Sprintf("action-%d", i), Success: true})
		}

		require.Len(t, cred.AuditLog, MaxAuditEntries)
		assert.Equal(t, "action-25", cred.AuditLog[0].Action)
		assert.Equal(t, fmt.Sprintf("action-%d", MaxAuditEntries+24), cred.AuditLog[MaxAuditEntries-1].Action)
	})
}

func TestAuthPayloadExpiresWithin(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("should flag oauth tokens inside the window", func(t *testing.T) {
		auth := AuthPayload{Scheme: AuthSchemeOAuth, OAuth: &OAuthPayload{ExpiresAt: now.Add(4 * time.Minute)}}
		assert.True(t, auth.ExpiresWithin(now, 5*time.Minute))
	})

	t.Run("should not flag tokens outside the window", func(t *testing.T) {
		auth := AuthPayload{Scheme: AuthSchemeSession, Session: &SessionPayload{ExpiresAt: now.Add(10 * time.Minute)}}
		assert.False(t, auth.ExpiresWithin(now, 5*time.Minute))
	})

	t.Run("should never flag api keys", func(t *testing.T) {
		auth := AuthPayload{Scheme: AuthSchemeAPIKey, APIKey: &APIKeyPayload{Key: "k"}}
		assert.False(t, auth.ExpiresWithin(now, 5*time.Minute))
	})
}

func TestParseIntegrationType(t *testing.T) {
	t.Run("should normalize case and dashes", func(t *testing.T) {
		got, err := ParseIntegrationType("SAP-B1")
		require.NoError(t, err)
		assert.Equal(t, IntegrationSAPB1, got)
	})

	t.Run("should reject unknown types", func(t *testing.T) {
		_, err := ParseIntegrationType("dynamics")
		assert.Error(t, err)
	})
}

func TestSettings(t *testing.T) {
	t.Run("should default the delete policy to disconnect", func(t *testing.T) {
		assert.Equal(t, DeletePolicyDisconnect, Settings{}.EffectiveDeletePolicy())
		assert.Equal(t, DeletePolicyDelete, Settings{DeletePolicy: DeletePolicyDelete}.EffectiveDeletePolicy())
	})

	t.Run("should treat mappings without direction as outbound", func(t *testing.T) {
		m := FieldMapping{SourceField: "a", TargetField: "b"}
		assert.True(t, m.AppliesTo(MappingOutbound))
		assert.False(t, m.AppliesTo(MappingInbound))
	})
}
