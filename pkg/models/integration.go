package models

import (
	"fmt"
	"strings"

	"github.com/Gobusters/ectolinq"
)

// IntegrationType identifies an external system adapter.
type IntegrationType string

const (
	IntegrationSalesforce IntegrationType = "salesforce"
	IntegrationHubSpot    IntegrationType = "hubspot"
	// IntegrationSAPB1 is SAP Business One through the Service Layer (session auth).
	IntegrationSAPB1 IntegrationType = "sap_b1"
	// IntegrationSAPS4 is SAP S/4HANA through OData (API key auth).
	IntegrationSAPS4 IntegrationType = "sap_s4"
)

var IntegrationTypes = []IntegrationType{
	IntegrationSalesforce,
	IntegrationHubSpot,
	IntegrationSAPB1,
	IntegrationSAPS4,
}

func (t IntegrationType) String() string {
	return string(t)
}

func (t IntegrationType) Valid() bool {
	return ectolinq.Contains(IntegrationTypes, t)
}

// ParseIntegrationType accepts the canonical name in any case and with '-' in place of '_'.
func ParseIntegrationType(raw string) (IntegrationType, error) {
	t := IntegrationType(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_"))
	if !t.Valid() {
		return "", fmt.Errorf("unknown integration type %q", raw)
	}
	return t, nil
}

// AuthScheme selects which member of AuthPayload is populated.
type AuthScheme string

const (
	AuthSchemeOAuth   AuthScheme = "oauth"
	AuthSchemeSession AuthScheme = "session"
	AuthSchemeAPIKey  AuthScheme = "api_key"
)
