package config

import (
	"fmt"
	"os"

	"github.com/Ramsey-B/clover/pkg/models"
	"gopkg.in/yaml.v3"
)

// Provider describes how to reach one external system.
type Provider struct {
	AuthURL      string   `yaml:"auth_url"`
	TokenURL     string   `yaml:"token_url"`
	APIBaseURL   string   `yaml:"api_base_url"`
	APIVersion   string   `yaml:"api_version"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

type Providers map[models.IntegrationType]Provider

// DefaultProviders carry the public endpoints; client credentials come from the catalog file.
func DefaultProviders() Providers {
	return Providers{
		models.IntegrationSalesforce: {
			AuthURL:    "https://login.salesforce.com/services/oauth2/authorize",
			TokenURL:   "https://login.salesforce.com/services/oauth2/token",
			APIVersion: "v59.0",
			Scopes:     []string{"api", "refresh_token"},
		},
		models.IntegrationHubSpot: {
			AuthURL:    "https://app.hubspot.com/oauth/authorize",
			TokenURL:   "https://api.hubapi.com/oauth/v1/token",
			APIBaseURL: "https://api.hubapi.com",
			Scopes:     []string{"crm.objects.deals.read", "crm.objects.deals.write", "crm.objects.companies.read"},
		},
		models.IntegrationSAPB1: {
			APIVersion: "v1",
		},
		models.IntegrationSAPS4: {},
	}
}

type providersFile struct {
	Providers map[string]Provider `yaml:"providers"`
}

// LoadProviders merges the catalog file at path over DefaultProviders.
// ${VAR} references in the file are expanded from the environment so secrets
// can stay out of the file. An empty path returns the defaults.
func LoadProviders(path string) (Providers, error) {
	providers := DefaultProviders()
	if path == "" {
		return providers, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read providers file: %w", err)
	}
	return mergeProviders(providers, []byte(os.ExpandEnv(string(raw))))
}

func mergeProviders(providers Providers, raw []byte) (Providers, error) {
	var file providersFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse providers file: %w", err)
	}

	for name, override := range file.Providers {
		t, err := models.ParseIntegrationType(name)
		if err != nil {
			return nil, err
		}
		base := providers[t]
		if override.AuthURL != "" {
			base.AuthURL = override.AuthURL
		}
		if override.TokenURL != "" {
			base.TokenURL = override.TokenURL
		}
		if override.APIBaseURL != "" {
			base.APIBaseURL = override.APIBaseURL
		}
		if override.APIVersion != "" {
			base.APIVersion = override.APIVersion
		}
		if override.ClientID != "" {
			base.ClientID = override.ClientID
		}
		if override.ClientSecret != "" {
			base.ClientSecret = override.ClientSecret
		}
		if len(override.Scopes) > 0 {
			base.Scopes = override.Scopes
		}
		providers[t] = base
	}
	return providers, nil
}
