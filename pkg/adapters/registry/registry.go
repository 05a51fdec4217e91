// Package registry builds the fixed set of supported adapters.
package registry

import (
	"github.com/Ramsey-B/clover/config"
	"github.com/Ramsey-B/clover/pkg/adapters"
	"github.com/Ramsey-B/clover/pkg/adapters/hubspot"
	"github.com/Ramsey-B/clover/pkg/adapters/salesforce"
	"github.com/Ramsey-B/clover/pkg/adapters/sapb1"
	"github.com/Ramsey-B/clover/pkg/adapters/saps4"
	"github.com/Ramsey-B/clover/pkg/models"
)

func New(deps adapters.Deps, providers config.Providers) *adapters.Factory {
	return adapters.NewFactory(
		salesforce.New(deps, providers[models.IntegrationSalesforce]),
		hubspot.New(deps, providers[models.IntegrationHubSpot]),
		sapb1.New(deps, providers[models.IntegrationSAPB1]),
		saps4.New(deps, providers[models.IntegrationSAPS4]),
	)
}
