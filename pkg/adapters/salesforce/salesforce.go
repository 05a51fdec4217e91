// Package salesforce syncs contracts with Opportunities.
package salesforce

import (
	"context"
	"fmt"
	"net/http"
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
	defaultAPIVersion = "v59.0"
	// Salesforce token responses carry no expires_in; sessions default to two hours.
	tokenLifetime = 2 * time.Hour
)

var stages = adapters.NewStageTable(
	map[models.ContractStatus]string{
		models.ContractStatusDraft:      "Proposal/Price Quote",
		models.ContractStatusPending:    "Negotiation/Review",
		models.ContractStatusActive:     "Closed Won",
		models.ContractStatusExpired:    "Closed Lost",
		models.ContractStatusTerminated: "Closed Lost",
	},
	map[string]models.ContractStatus{
		"Prospecting":          models.ContractStatusDraft,
		"Qualification":        models.ContractStatusDraft,
		"Needs Analysis":       models.ContractStatusDraft,
		"Value Proposition":    models.ContractStatusDraft,
		"Id. Decision Makers":  models.ContractStatusDraft,
		"Perception Analysis":  models.ContractStatusDraft,
		"Proposal/Price Quote": models.ContractStatusDraft,
		"Negotiation/Review":   models.ContractStatusPending,
		"Closed Won":           models.ContractStatusActive,
		"Closed Lost":          models.ContractStatusTerminated,
	},
	"Prospecting",
)

var events = map[string]models.CanonicalEventType{
	"opportunity.created": models.EventRecordCreated,
	"opportunity.updated": models.EventRecordUpdated,
	"opportunity.deleted": models.EventRecordDeleted,
	"account.created":     models.EventRelatedCreated,
	"account.updated":     models.EventRelatedUpdated,
}

// Change data capture headers name the entity and change type instead.
var changeTypes = map[string]string{
	"CREATE":   "created",
	"UPDATE":   "updated",
	"DELETE":   "deleted",
	"UNDELETE": "created",
}

const (
	objectIDPath   = "ChangeEventHeader.recordIds[0] || Id || id || sobject.Id"
	entityNamePath = "ChangeEventHeader.entityName"
	changeTypePath = "ChangeEventHeader.changeType"
)

type Adapter struct {
	adapters.NoLogin
	flow     *adapters.OAuthFlow
	caller   *apicaller.Caller
	selector *expressions.Selector
	provider config.Provider
	version  string
	logger   ectologger.Logger
}

var _ adapters.Adapter = (*Adapter)(nil)

func New(deps adapters.Deps, provider config.Provider) *Adapter {
	a := &Adapter{
		NoLogin:  adapters.NoLogin{IntegrationType: models.IntegrationSalesforce},
		flow:     adapters.NewOAuthFlow(models.IntegrationSalesforce, provider, oauth2.AuthStyleInParams, deps.HTTPClient, deps.Clock(), tokenLifetime),
		selector: deps.Selector,
		provider: provider,
		version:  provider.APIVersion,
		logger:   deps.Logger,
	}
	if a.version == "" {
		a.version = defaultAPIVersion
	}
	if a.selector == nil {
		a.selector = expressions.NewSelector()
	}
	a.caller = deps.Caller(models.IntegrationSalesforce, adapters.BearerAuthorizer, a.baseURL)
	return a
}

func (a *Adapter) Type() models.IntegrationType { return models.IntegrationSalesforce }

func (a *Adapter) Scheme() models.AuthScheme { return models.AuthSchemeOAuth }

// baseURL prefers the org's instance URL from the token response.
func (a *Adapter) baseURL(cred *models.Credential) string {
	if cred.Auth.OAuth != nil && cred.Auth.OAuth.InstanceURL != "" {
		return cred.Auth.OAuth.InstanceURL
	}
	if cred.Settings.BaseURL != "" {
		return cred.Settings.BaseURL
	}
	return a.provider.APIBaseURL
}

func (a *Adapter) sobject(name string, id ...string) string {
	path := fmt.Sprintf("/services/data/%s/sobjects/%s", a.version, name)
	if len(id) > 0 {
		path += "/" + id[0]
	}
	return path
}

func (a *Adapter) AuthorizationURL(state, redirectURI string) (string, error) {
	return a.flow.AuthorizationURL(state, redirectURI)
}

func (a *Adapter) ExchangeCode(ctx context.Context, code, redirectURI string) (*adapters.Connection, error) {
	payload, _, err := a.flow.Exchange(ctx, code, redirectURI)
	if err != nil {
		return nil, err
	}
	return &adapters.Connection{
		Auth:     models.AuthPayload{Scheme: models.AuthSchemeOAuth, OAuth: payload},
		Settings: models.Settings{BaseURL: payload.InstanceURL},
	}, nil
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

func (a *Adapter) ToExternal(c *models.Contract) map[string]any {
	return adapters.Compact(map[string]any{
		"Name":           c.Name,
		"Amount":         c.Amount,
		"CloseDate":      adapters.DateString(c.ExpiryDate),
		"StageName":      stages.Stage(c.Status),
		"Type":           c.ContractType,
		"Description":    c.Description,
		"Contract_Id__c": c.ID,
		"Risk_Score__c":  adapters.OptionalFloat(c.RiskScore),
	})
}

func (a *Adapter) FromExternal(record adapters.Record) models.ContractFields {
	fields := record.Fields
	stage := adapters.String(fields["StageName"])
	out := models.ContractFields{
		Name:          adapters.String(fields["Name"]),
		Amount:        adapters.Float(fields["Amount"]),
		Currency:      adapters.String(fields["CurrencyIsoCode"]),
		ExpiryDate:    adapters.Date(fields["CloseDate"], "2006-01-02"),
		Status:        stages.Status(stage),
		ContractType:  adapters.String(fields["Type"]),
		RiskScore:     adapters.Float(fields["Risk_Score__c"]),
		Description:   adapters.String(fields["Description"]),
		LocalID:       adapters.String(fields["Contract_Id__c"]),
		ExternalStage: stage,
		Link: models.ExternalLink{
			ExternalID: adapters.String(fields["Id"]),
			AccountID:  adapters.String(fields["AccountId"]),
		},
	}
	if record.Related != nil {
		out.Counterparty = adapters.String(record.Related["Name"])
	}
	return out
}

type createResponse struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
}

func (a *Adapter) Create(ctx context.Context, cred *models.Credential, payload map[string]any) (models.ExternalLink, error) {
	ctx, span := tracing.StartSpan(ctx, "Salesforce.Create")
	defer span.End()

	resp, err := a.caller.CallWithRetry(ctx, apicaller.Request{Method: http.MethodPost, Path: a.sobject("Opportunity"), Body: payload}, cred)
	if err != nil {
		return models.ExternalLink{}, err
	}
	var created createResponse
	if err := resp.JSON(&created); err != nil {
		return models.ExternalLink{}, errors.Wrap(errors.KindValidation, err, "unexpected opportunity create response")
	}
	if created.ID == "" {
		return models.ExternalLink{}, errors.New(errors.KindValidation, "opportunity create response has no id")
	}
	return models.ExternalLink{ExternalID: created.ID, AccountID: adapters.String(payload["AccountId"])}, nil
}

func (a *Adapter) Update(ctx context.Context, cred *models.Credential, externalID string, payload map[string]any) error {
	ctx, span := tracing.StartSpan(ctx, "Salesforce.Update")
	defer span.End()

	_, err := a.caller.CallWithRetry(ctx, apicaller.Request{Method: http.MethodPatch, Path: a.sobject("Opportunity", externalID), Body: payload}, cred)
	return err
}

func (a *Adapter) Fetch(ctx context.Context, cred *models.Credential, externalID string) (*adapters.Record, error) {
	ctx, span := tracing.StartSpan(ctx, "Salesforce.Fetch")
	defer span.End()

	resp, err := a.caller.CallWithRetry(ctx, apicaller.Request{Method: http.MethodGet, Path: a.sobject("Opportunity", externalID)}, cred)
	if err != nil {
		return nil, err
	}
	record := &adapters.Record{Fields: map[string]any{}}
	if err := resp.JSON(&record.Fields); err != nil {
		return nil, errors.Wrap(errors.KindValidation, err, "unexpected opportunity response")
	}

	if accountID := adapters.String(record.Fields["AccountId"]); accountID != "" {
		related, err := a.caller.CallWithRetry(ctx, apicaller.Request{Method: http.MethodGet, Path: a.sobject("Account", accountID)}, cred)
		if err != nil {
			a.logger.WithContext(ctx).WithError(err).WithField("account_id", accountID).Warn("failed to fetch related account")
			return record, nil
		}
		account := map[string]any{}
		if err := related.JSON(&account); err == nil {
			record.Related = account
		}
	}
	return record, nil
}

func (a *Adapter) TestConnection(ctx context.Context, cred *models.Credential) error {
	_, err := a.caller.CallWithRetry(ctx, apicaller.Request{Method: http.MethodGet, Path: fmt.Sprintf("/services/data/%s/limits", a.version)}, cred)
	return err
}

func (a *Adapter) NormalizeWebhook(rawEventType string, payload map[string]any) (models.WebhookEvent, bool) {
	eventType := strings.ToLower(strings.TrimSpace(rawEventType))
	if eventType == "" {
		entity, _ := a.selector.SelectString(entityNamePath, payload)
		change, _ := a.selector.SelectString(changeTypePath, payload)
		if suffix, ok := changeTypes[strings.ToUpper(change)]; ok && entity != "" {
			eventType = strings.ToLower(entity) + "." + suffix
		}
	}
	canonical, ok := events[eventType]
	if !ok {
		return models.WebhookEvent{}, false
	}
	objectID, _ := a.selector.SelectString(objectIDPath, payload)
	event := models.WebhookEvent{
		IntegrationType:    models.IntegrationSalesforce,
		CanonicalEventType: canonical,
		RawEventType:       eventType,
		ObjectID:           objectID,
		RawPayload:         payload,
	}
	if canonical.IsRelated() {
		event.RelatedLink = models.LinkAccount
	}
	return event, true
}

func (a *Adapter) WebhookPaths() adapters.WebhookPaths {
	return adapters.WebhookPaths{Amount: "Amount || sobject.Amount", Stage: "StageName || sobject.StageName"}
}
