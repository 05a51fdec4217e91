package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadProviders(t *testing.T) {
	t.Run("should return defaults without a file", func(t *testing.T) {
		providers, err := LoadProviders("")
		require.NoError(t, err)
		assert.Equal(t, "https://api.hubapi.com/oauth/v1/token", providers[models.IntegrationHubSpot].TokenURL)
		assert.Equal(t, "v59.0", providers[models.IntegrationSalesforce].APIVersion)
	})

	t.Run("should merge the file and expand env references", func(t *testing.T) {
		t.Setenv("TEST_SF_SECRET", "s3cret")
		path := filepath.Join(t.TempDir(), "providers.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
providers:
  salesforce:
    client_id: sf-client
    client_secret: ${TEST_SF_SECRET}
    auth_url: https://test.salesforce.com/services/oauth2/authorize
  sap-s4:
    api_base_url: https://s4.example.com
`), 0o600))

		providers, err := LoadProviders(path)
		require.NoError(t, err)

		sf := providers[models.IntegrationSalesforce]
		assert.Equal(t, "sf-client", sf.ClientID)
		assert.Equal(t, "s3cret", sf.ClientSecret)
		assert.Equal(t, "https://test.salesforce.com/services/oauth2/authorize", sf.AuthURL)
		assert.Equal(t, "https://login.salesforce.com/services/oauth2/token", sf.TokenURL)
		assert.Equal(t, "https://s4.example.com", providers[models.IntegrationSAPS4].APIBaseURL)
	})

	t.Run("should reject unknown providers", func(t *testing.T) {
		_, err := mergeProviders(DefaultProviders(), []byte("providers:\n  dynamics: {}\n"))
		assert.Error(t, err)
	})
}
