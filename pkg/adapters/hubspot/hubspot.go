// Package hubspot syncs contracts with CRM deals.
package hubspot

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"golang.org/x/oauth2"

	"github.com/Ramsey-B/clover/config"
	"github.com/Ramsey-B/clover/pkg/adapters"
	"github.com/Ramsey-B/clover/pkg/apicaller"
	"github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/expressions"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const (
	defaultBaseURL = "https://api.hubapi.com"
	dealsPath      = "/crm/v3/objects/deals"
	companiesPath  = "/crm/v3/objects/companies"
	tokenLifetime  = 30 * time.Minute
	pipeline       = "default"
)

var dealProperties = []string{
	"dealname", "amount", "closedate", "dealstage", "pipeline", "dealtype",
	"description", "contract_id", "risk_score", "deal_currency_code",
}

var stages = adapters.NewStageTable(
	map[models.ContractStatus]string{
		models.ContractStatusDraft:      "presentationscheduled",
		models.ContractStatusPending:    "contractsent",
		models.ContractStatusActive:     "closedwon",
		models.ContractStatusExpired:    "closedlost",
		models.ContractStatusTerminated: "closedlost",
	},
	map[string]models.ContractStatus{
		"appointmentscheduled":  models.ContractStatusDraft,
		"qualifiedtobuy":        models.ContractStatusDraft,
		"presentationscheduled": models.ContractStatusDraft,
		"decisionmakerboughtin": models.ContractStatusDraft,
		"contractsent":          models.ContractStatusPending,
		"closedwon":             models.ContractStatusActive,
		"closedlost":            models.ContractStatusTerminated,
	},
	"appointmentscheduled",
)

type eventMapping struct {
	canonical models.CanonicalEventType
	link      models.LinkField
}

var events = map[string]eventMapping{
	"deal.creation":          {canonical: models.EventRecordCreated},
	"deal.restore":           {canonical: models.EventRecordCreated},
	"deal.propertychange":    {canonical: models.EventRecordUpdated},
	"deal.associationchange": {canonical: models.EventRecordUpdated},
	"deal.deletion":          {canonical: models.EventRecordDeleted},
	"company.creation":       {canonical: models.EventRelatedCreated, link: models.LinkCompany},
	"company.propertychange": {canonical: models.EventRelatedUpdated, link: models.LinkCompany},
	"contact.creation":       {canonical: models.EventRelatedCreated, link: models.LinkContact},
	"contact.propertychange": {canonical: models.EventRelatedUpdated, link: models.LinkContact},
}

const (
	eventTypePath = "subscriptionType"
	objectIDPath  = "objectId || id"
)

type Adapter struct {
	adapters.NoLogin
	flow     *adapters.OAuthFlow
	caller   *apicaller.Caller
	selector *expressions.Selector
	provider config.Provider
	logger   ectologger.Logger
}

var _ adapters.Adapter = (*Adapter)(nil)

func New(deps adapters.Deps, provider config.Provider) *Adapter {
	a := &Adapter{
		NoLogin:  adapters.NoLogin{IntegrationType: models.IntegrationHubSpot},
		flow:     adapters.NewOAuthFlow(models.IntegrationHubSpot, provider, oauth2.AuthStyleInParams, deps.HTTPClient, deps.Clock(), tokenLifetime),
		selector: deps.Selector,
		provider: provider,
		logger:   deps.Logger,
	}
	if a.selector == nil {
		a.selector = expressions.NewSelector()
	}
	a.caller = deps.Caller(models.IntegrationHubSpot, adapters.BearerAuthorizer, a.baseURL)
	return a
}

func (a *Adapter) Type() models.IntegrationType { return models.IntegrationHubSpot }

func (a *Adapter) Scheme() models.AuthScheme { return models.AuthSchemeOAuth }

func (a *Adapter) baseURL(cred *models.Credential) string {
	switch {
	case cred.Settings.BaseURL != "":
		return cred.Settings.BaseURL
	case a.provider.APIBaseURL != "":
		return a.provider.APIBaseURL
	}
	return defaultBaseURL
}

func (a *Adapter) AuthorizationURL(state, redirectURI string) (string, error) {
	return a.flow.AuthorizationURL(state, redirectURI)
}

func (a *Adapter) ExchangeCode(ctx context.Context, code, redirectURI string) (*adapters.Connection, error) {
	payload, _, err := a.flow.Exchange(ctx, code, redirectURI)
	if err != nil {
		return nil, err
	}
	return &adapters.Connection{Auth: models.AuthPayload{Scheme: models.AuthSchemeOAuth, OAuth: payload}}, nil
}

func (a *Adapter) Refresh(ctx context.Context, cred *models.Credential) (models.AuthPayload, error) {
	payload, _, err := a.flow.Refresh(ctx, cred.Auth.OAuth)
	if err != nil {
		return models.AuthPayload{}, err
	}
	return models.AuthPayload{Scheme: models.AuthSchemeOAuth, OAuth: payload}, nil
}

func (a *Adapter) StageFor(status models.ContractStatus) string { return stages.Stage(status) }

func (a *Adapter) StatusFor(stage string) models.ContractStatus { return stages.Status(stage) }

// ToExternal renders the deal body. HubSpot takes every property as a string.
func (a *Adapter) ToExternal(c *models.Contract) map[string]any {
	properties := adapters.Compact(map[string]any{
		"dealname":           c.Name,
		"amount":             adapters.String(c.Amount),
		"closedate":          adapters.DateString(c.ExpiryDate),
		"dealstage":          stages.Stage(c.Status),
		"pipeline":           pipeline,
		"dealtype":           c.ContractType,
		"description":        c.Description,
		"contract_id":        c.ID,
		"deal_currency_code": c.Currency,
	})
	if c.RiskScore != nil {
		properties["risk_score"] = adapters.String(*c.RiskScore)
	}
	return map[string]any{"properties": properties}
}

func firstAssociation(deal map[string]any, kind string) string {
	results, _ := adapters.Map(adapters.Map(deal["associations"])[kind])["results"].([]any)
	for _, r := range results {
		if id := adapters.String(adapters.Map(r)["id"]); id != "" {
			return id
		}
	}
	return ""
}

func (a *Adapter) FromExternal(record adapters.Record) models.ContractFields {
	deal := record.Fields
	props := adapters.Map(deal["properties"])
	stage := adapters.String(props["dealstage"])
	out := models.ContractFields{
		Name:          adapters.String(props["dealname"]),
		Amount:        adapters.Float(props["amount"]),
		Currency:      adapters.String(props["deal_currency_code"]),
		ExpiryDate:    adapters.Date(props["closedate"]),
		Status:        stages.Status(stage),
		ContractType:  adapters.String(props["dealtype"]),
		RiskScore:     adapters.Float(props["risk_score"]),
		Description:   adapters.String(props["description"]),
		LocalID:       adapters.String(props["contract_id"]),
		ExternalStage: stage,
		Link: models.ExternalLink{
			ExternalID: adapters.String(deal["id"]),
			CompanyID:  firstAssociation(deal, "companies"),
			ContactID:  firstAssociation(deal, "contacts"),
		},
	}
	if record.Related != nil {
		out.Counterparty = adapters.String(adapters.Map(record.Related["properties"])["name"])
	}
	return out
}

func (a *Adapter) Create(ctx context.Context, cred *models.Credential, payload map[string]any) (models.ExternalLink, error) {
	ctx, span := tracing.StartSpan(ctx, "HubSpot.Create")
	defer span.End()

	resp, err := a.caller.CallWithRetry(ctx, apicaller.Request{Method: http.MethodPost, Path: dealsPath, Body: payload}, cred)
	if err != nil {
		return models.ExternalLink{}, err
	}
	var created map[string]any
	if err := resp.JSON(&created); err != nil {
		return models.ExternalLink{}, errors.Wrap(errors.KindValidation, err, "unexpected deal create response")
	}
	id := adapters.String(created["id"])
	if id == "" {
		return models.ExternalLink{}, errors.New(errors.KindValidation, "deal create response has no id")
	}
	return models.ExternalLink{ExternalID: id}, nil
}

func (a *Adapter) Update(ctx context.Context, cred *models.Credential, externalID string, payload map[string]any) error {
	ctx, span := tracing.StartSpan(ctx, "HubSpot.Update")
	defer span.End()

	_, err := a.caller.CallWithRetry(ctx, apicaller.Request{Method: http.MethodPatch, Path: dealsPath + "/" + url.PathEscape(externalID), Body: payload}, cred)
	return err
}

func (a *Adapter) Fetch(ctx context.Context, cred *models.Credential, externalID string) (*adapters.Record, error) {
	ctx, span := tracing.StartSpan(ctx, "HubSpot.Fetch")
	defer span.End()

	query := url.Values{
		"properties":   []string{strings.Join(dealProperties, ",")},
		"associations": []string{"companies,contacts"},
	}
	resp, err := a.caller.CallWithRetry(ctx, apicaller.Request{Method: http.MethodGet, Path: dealsPath + "/" + url.PathEscape(externalID), Query: query}, cred)
	if err != nil {
		return nil, err
	}
	record := &adapters.Record{Fields: map[string]any{}}
	if err := resp.JSON(&record.Fields); err != nil {
		return nil, errors.Wrap(errors.KindValidation, err, "unexpected deal response")
	}

	if companyID := firstAssociation(record.Fields, "companies"); companyID != "" {
		related, err := a.caller.CallWithRetry(ctx, apicaller.Request{
			Method: http.MethodGet,
			Path:   companiesPath + "/" + url.PathEscape(companyID),
			Query:  url.Values{"properties": []string{"name,domain"}},
		}, cred)
		if err != nil {
			a.logger.WithContext(ctx).WithError(err).WithField("company_id", companyID).Warn("failed to fetch associated company")
			return record, nil
		}
		company := map[string]any{}
		if err := related.JSON(&company); err == nil {
			record.Related = company
		}
	}
	return record, nil
}

func (a *Adapter) TestConnection(ctx context.Context, cred *models.Credential) error {
	_, err := a.caller.CallWithRetry(ctx, apicaller.Request{Method: http.MethodGet, Path: dealsPath, Query: url.Values{"limit": []string{"1"}}}, cred)
	return err
}

func (a *Adapter) NormalizeWebhook(rawEventType string, payload map[string]any) (models.WebhookEvent, bool) {
	eventType := rawEventType
	if eventType == "" {
		eventType, _ = a.selector.SelectString(eventTypePath, payload)
	}
	mapping, ok := events[strings.ToLower(eventType)]
	if !ok {
		return models.WebhookEvent{}, false
	}
	objectID, _ := a.selector.SelectString(objectIDPath, payload)
	return models.WebhookEvent{
		IntegrationType:    models.IntegrationHubSpot,
		CanonicalEventType: mapping.canonical,
		RawEventType:       eventType,
		ObjectID:           objectID,
		RelatedLink:        mapping.link,
		RawPayload:         payload,
	}, true
}

// WebhookPaths read HubSpot property-change events, which carry one property at a time.
func (a *Adapter) WebhookPaths() adapters.WebhookPaths {
	return adapters.WebhookPaths{
		Amount: "(propertyName == 'amount' && propertyValue) || properties.amount",
		Stage:  "(propertyName == 'dealstage' && propertyValue) || properties.dealstage",
	}
}
