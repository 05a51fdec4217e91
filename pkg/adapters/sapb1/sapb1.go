// Package sapb1 syncs contracts with SAP Business One sales orders through the Service Layer.
package sapb1

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/config"
	"github.com/Ramsey-B/clover/pkg/adapters"
	"github.com/Ramsey-B/clover/pkg/apicaller"
	"github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/expressions"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const (
	defaultVersion        = "v1"
	defaultSessionMinutes = 30
	stageCancelled        = "cancelled"
)

var stages = adapters.NewStageTable(
	map[models.ContractStatus]string{
		models.ContractStatusDraft:      "bost_Open",
		models.ContractStatusPending:    "bost_Open",
		models.ContractStatusActive:     "bost_Open",
		models.ContractStatusExpired:    "bost_Close",
		models.ContractStatusTerminated: stageCancelled,
	},
	map[string]models.ContractStatus{
		"bost_Open":      models.ContractStatusActive,
		"bost_Close":     models.ContractStatusExpired,
		"bost_Paid":      models.ContractStatusExpired,
		"bost_Delivered": models.ContractStatusExpired,
		stageCancelled:   models.ContractStatusTerminated,
	},
	"bost_Open",
)

// udfStatuses stores the local status in U_ContractStatus. DocumentStatus
// only tells open from closed.
var udfStatuses = adapters.NewStageTable(
	map[models.ContractStatus]string{
		models.ContractStatusDraft:      string(models.ContractStatusDraft),
		models.ContractStatusPending:    string(models.ContractStatusPending),
		models.ContractStatusActive:     string(models.ContractStatusActive),
		models.ContractStatusExpired:    string(models.ContractStatusExpired),
		models.ContractStatusTerminated: string(models.ContractStatusTerminated),
	},
	map[string]models.ContractStatus{
		string(models.ContractStatusDraft):      models.ContractStatusDraft,
		string(models.ContractStatusPending):    models.ContractStatusPending,
		string(models.ContractStatusActive):     models.ContractStatusActive,
		string(models.ContractStatusExpired):    models.ContractStatusExpired,
		string(models.ContractStatusTerminated): models.ContractStatusTerminated,
	},
	"",
)

type eventMapping struct {
	canonical models.CanonicalEventType
	link      models.LinkField
}

var events = map[string]eventMapping{
	"orders.add":              {canonical: models.EventRecordCreated},
	"orders.update":           {canonical: models.EventRecordUpdated},
	"orders.delete":           {canonical: models.EventRecordDeleted},
	"businesspartners.add":    {canonical: models.EventRelatedCreated, link: models.LinkAccount},
	"businesspartners.update": {canonical: models.EventRelatedUpdated, link: models.LinkAccount},
}

// Transaction notifications identify the object by its B1 object type code.
var objectTypes = map[string]string{"17": "orders", "2": "businesspartners"}

var transactionTypes = map[string]string{"A": "add", "U": "update", "D": "delete"}

const (
	objectTypePath      = "ObjectType"
	transactionTypePath = "TransactionType"
	objectIDPath        = "ObjectKey || DocEntry || CardCode"
)

type Adapter struct {
	adapters.NoOAuth
	caller      *apicaller.Caller
	loginCaller *apicaller.Caller
	selector    *expressions.Selector
	provider    config.Provider
	version     string
	now         func() time.Time
	logger      ectologger.Logger
}

var _ adapters.Adapter = (*Adapter)(nil)

func New(deps adapters.Deps, provider config.Provider) *Adapter {
	a := &Adapter{
		NoOAuth:  adapters.NoOAuth{IntegrationType: models.IntegrationSAPB1},
		selector: deps.Selector,
		provider: provider,
		version:  provider.APIVersion,
		now:      deps.Clock(),
		logger:   deps.Logger,
	}
	if a.version == "" {
		a.version = defaultVersion
	}
	if a.selector == nil {
		a.selector = expressions.NewSelector()
	}
	a.caller = deps.Caller(models.IntegrationSAPB1, sessionAuthorizer, a.baseURL)

	// Logins carry their own credentials and must not trigger a refresh.
	loginDeps := deps
	loginDeps.Refresher = nil
	a.loginCaller = loginDeps.Caller(models.IntegrationSAPB1, nil, a.baseURL)
	return a
}

func (a *Adapter) Type() models.IntegrationType { return models.IntegrationSAPB1 }

func (a *Adapter) Scheme() models.AuthScheme { return models.AuthSchemeSession }

func (a *Adapter) baseURL(cred *models.Credential) string {
	if cred.Settings.BaseURL != "" {
		return cred.Settings.BaseURL
	}
	return a.provider.APIBaseURL
}

func (a *Adapter) path(format string, args ...any) string {
	return fmt.Sprintf("/b1s/%s/", a.version) + fmt.Sprintf(format, args...)
}

func sessionAuthorizer(req *http.Request, cred *models.Credential) error {
	session := cred.Auth.Session
	if session == nil || session.SessionID == "" {
		return errors.ReauthorizationRequired(string(models.IntegrationSAPB1), stderrors.New("credential has no session"))
	}
	cookie := "B1SESSION=" + session.SessionID
	if session.RouteToken != "" {
		cookie += "; ROUTEID=" + session.RouteToken
	}
	req.Header.Set("Cookie", cookie)
	return nil
}

type loginRequest struct {
	CompanyDB string `json:"CompanyDB"`
	UserName  string `json:"UserName"`
	Password  string `json:"Password"`
}

type loginResponse struct {
	SessionID      string `json:"SessionId"`
	SessionTimeout int    `json:"SessionTimeout"`
}

func (a *Adapter) login(ctx context.Context, baseURL, username, password, companyDB string) (*models.SessionPayload, error) {
	ctx, span := tracing.StartSpan(ctx, "SAPB1.Login")
	defer span.End()

	cred := &models.Credential{IntegrationType: models.IntegrationSAPB1, Settings: models.Settings{BaseURL: baseURL}}
	resp, err := a.loginCaller.CallWithRetry(ctx, apicaller.Request{
		Method: http.MethodPost,
		Path:   a.path("Login"),
		Body:   loginRequest{CompanyDB: companyDB, UserName: username, Password: password},
	}, cred)
	if err != nil {
		return nil, err
	}

	var body loginResponse
	if err := resp.JSON(&body); err != nil || body.SessionID == "" {
		return nil, errors.New(errors.KindValidation, "service layer login returned no session")
	}
	timeout := body.SessionTimeout
	if timeout <= 0 {
		timeout = defaultSessionMinutes
	}

	session := &models.SessionPayload{
		SessionID:       body.SessionID,
		ExpiresAt:       a.now().Add(time.Duration(timeout) * time.Minute).UTC(),
		Username:        username,
		Password:        password,
		CompanyDatabase: companyDB,
	}
	for _, c := range (&http.Response{Header: resp.Header}).Cookies() {
		if c.Name == "ROUTEID" {
			session.RouteToken = c.Value
		}
	}
	return session, nil
}

func (a *Adapter) Login(ctx context.Context, req adapters.ConnectRequest) (*adapters.Connection, error) {
	if req.Username == "" || req.Password == "" || req.CompanyDatabase == "" {
		return nil, errors.New(errors.KindValidation, "username, password and companyDatabase are required")
	}
	session, err := a.login(ctx, req.BaseURL, req.Username, req.Password, req.CompanyDatabase)
	if err != nil {
		if apicaller.StatusCode(err) == http.StatusUnauthorized {
			return nil, errors.Wrap(errors.KindValidation, err, "service layer rejected the login")
		}
		return nil, err
	}
	return &adapters.Connection{
		Auth:     models.AuthPayload{Scheme: models.AuthSchemeSession, Session: session},
		Settings: models.Settings{BaseURL: req.BaseURL, CompanyDatabase: req.CompanyDatabase},
	}, nil
}

// Refresh logs in again with the stored user. A rejected login cannot be
// fixed without the user.
func (a *Adapter) Refresh(ctx context.Context, cred *models.Credential) (models.AuthPayload, error) {
	current := cred.Auth.Session
	if current == nil || current.Username == "" {
		return models.AuthPayload{}, errors.ReauthorizationRequired(string(models.IntegrationSAPB1), stderrors.New("no login on file"))
	}
	companyDB := current.CompanyDatabase
	if companyDB == "" {
		companyDB = cred.Settings.CompanyDatabase
	}
	session, err := a.login(ctx, a.baseURL(cred), current.Username, current.Password, companyDB)
	if err != nil {
		switch apicaller.StatusCode(err) {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
			return models.AuthPayload{}, errors.ReauthorizationRequired(string(models.IntegrationSAPB1), err)
		}
		return models.AuthPayload{}, err
	}
	return models.AuthPayload{Scheme: models.AuthSchemeSession, Session: session}, nil
}

func (a *Adapter) StageFor(status models.ContractStatus) string { return stages.Stage(status) }

func (a *Adapter) StatusFor(stage string) models.ContractStatus { return stages.Status(stage) }

// ToExternal renders a service-type order with a single line carrying the contract value.
func (a *Adapter) ToExternal(c *models.Contract) map[string]any {
	cardCode := c.Integration(models.IntegrationSAPB1).Link.AccountID
	if cardCode == "" {
		cardCode = adapters.String(c.Custom["CardCode"])
	}
	return adapters.Compact(map[string]any{
		"CardCode":         cardCode,
		"DocType":          "dDocument_Service",
		"DocDueDate":       adapters.DateString(c.ExpiryDate),
		"NumAtCard":        c.Name,
		"Comments":         c.Description,
		"DocCurrency":      c.Currency,
		"U_ContractId":     c.ID,
		"U_ContractStatus": udfStatuses.Stage(c.Status),
		"U_RiskScore":      adapters.OptionalFloat(c.RiskScore),
		"DocumentLines": []any{map[string]any{
			"ItemDescription": c.Name,
			"LineTotal":       c.Amount,
		}},
	})
}

func stageOf(order map[string]any) string {
	if adapters.String(order["Cancelled"]) == "tYES" {
		return stageCancelled
	}
	return adapters.String(order["DocumentStatus"])
}

// statusOf prefers the status written to U_ContractStatus. Cancelling the
// order in B1 wins over it, and orders without the field fall back to the
// document stage.
func statusOf(order map[string]any, stage string) models.ContractStatus {
	if stage == stageCancelled {
		return models.ContractStatusTerminated
	}
	if status := udfStatuses.Status(adapters.String(order["U_ContractStatus"])); status != models.ContractStatusUnknown {
		return status
	}
	return stages.Status(stage)
}

func (a *Adapter) FromExternal(record adapters.Record) models.ContractFields {
	order := record.Fields
	stage := stageOf(order)
	out := models.ContractFields{
		Name:          adapters.String(order["NumAtCard"]),
		Amount:        adapters.Float(order["DocTotal"]),
		Currency:      adapters.String(order["DocCurrency"]),
		ExpiryDate:    adapters.Date(order["DocDueDate"], "2006-01-02", "2006-01-02T15:04:05Z", time.RFC3339),
		Status:        statusOf(order, stage),
		RiskScore:     adapters.Float(order["U_RiskScore"]),
		Description:   adapters.String(order["Comments"]),
		LocalID:       adapters.String(order["U_ContractId"]),
		Counterparty:  adapters.String(order["CardName"]),
		ExternalStage: stage,
		Link: models.ExternalLink{
			ExternalID: adapters.String(order["DocEntry"]),
			AccountID:  adapters.String(order["CardCode"]),
		},
	}
	if record.Related != nil {
		if name := adapters.String(record.Related["CardName"]); name != "" {
			out.Counterparty = name
		}
	}
	return out
}

func (a *Adapter) Create(ctx context.Context, cred *models.Credential, payload map[string]any) (models.ExternalLink, error) {
	ctx, span := tracing.StartSpan(ctx, "SAPB1.Create")
	defer span.End()

	resp, err := a.caller.CallWithRetry(ctx, apicaller.Request{Method: http.MethodPost, Path: a.path("Orders"), Body: payload}, cred)
	if err != nil {
		return models.ExternalLink{}, err
	}
	var created map[string]any
	if err := resp.JSON(&created); err != nil {
		return models.ExternalLink{}, errors.Wrap(errors.KindValidation, err, "unexpected order create response")
	}
	docEntry := adapters.String(created["DocEntry"])
	if docEntry == "" {
		return models.ExternalLink{}, errors.New(errors.KindValidation, "order create response has no DocEntry")
	}
	return models.ExternalLink{ExternalID: docEntry, AccountID: adapters.String(created["CardCode"])}, nil
}

func (a *Adapter) Update(ctx context.Context, cred *models.Credential, externalID string, payload map[string]any) error {
	ctx, span := tracing.StartSpan(ctx, "SAPB1.Update")
	defer span.End()

	// Lines are replaced wholesale by PATCH; leave them alone on update.
	body := make(map[string]any, len(payload))
	for k, v := range payload {
		if k != "DocumentLines" {
			body[k] = v
		}
	}
	_, err := a.caller.CallWithRetry(ctx, apicaller.Request{Method: http.MethodPatch, Path: a.path("Orders(%s)", externalID), Body: body}, cred)
	return err
}

func (a *Adapter) Fetch(ctx context.Context, cred *models.Credential, externalID string) (*adapters.Record, error) {
	ctx, span := tracing.StartSpan(ctx, "SAPB1.Fetch")
	defer span.End()

	resp, err := a.caller.CallWithRetry(ctx, apicaller.Request{Method: http.MethodGet, Path: a.path("Orders(%s)", externalID)}, cred)
	if err != nil {
		return nil, err
	}
	record := &adapters.Record{Fields: map[string]any{}}
	if err := resp.JSON(&record.Fields); err != nil {
		return nil, errors.Wrap(errors.KindValidation, err, "unexpected order response")
	}

	if cardCode := adapters.String(record.Fields["CardCode"]); cardCode != "" {
		related, err := a.caller.CallWithRetry(ctx, apicaller.Request{
			Method: http.MethodGet,
			Path:   a.path("BusinessPartners('%s')", strings.ReplaceAll(cardCode, "'", "''")),
			Query:  url.Values{"$select": []string{"CardCode,CardName,EmailAddress"}},
		}, cred)
		if err != nil {
			a.logger.WithContext(ctx).WithError(err).WithField("card_code", cardCode).Warn("failed to fetch business partner")
			return record, nil
		}
		partner := map[string]any{}
		if err := related.JSON(&partner); err == nil {
			record.Related = partner
		}
	}
	return record, nil
}

func (a *Adapter) TestConnection(ctx context.Context, cred *models.Credential) error {
	_, err := a.caller.CallWithRetry(ctx, apicaller.Request{
		Method: http.MethodGet,
		Path:   a.path("Orders"),
		Query:  url.Values{"$top": []string{"1"}, "$select": []string{"DocEntry"}},
	}, cred)
	return err
}

func (a *Adapter) NormalizeWebhook(rawEventType string, payload map[string]any) (models.WebhookEvent, bool) {
	eventType := strings.ToLower(strings.TrimSpace(rawEventType))
	if eventType == "" {
		objectType, _ := a.selector.SelectString(objectTypePath, payload)
		transaction, _ := a.selector.SelectString(transactionTypePath, payload)
		object, okObject := objectTypes[objectType]
		action, okAction := transactionTypes[strings.ToUpper(transaction)]
		if okObject && okAction {
			eventType = object + "." + action
		}
	}
	mapping, ok := events[eventType]
	if !ok {
		return models.WebhookEvent{}, false
	}
	objectID, _ := a.selector.SelectString(objectIDPath, payload)
	return models.WebhookEvent{
		IntegrationType:    models.IntegrationSAPB1,
		CanonicalEventType: mapping.canonical,
		RawEventType:       eventType,
		ObjectID:           objectID,
		RelatedLink:        mapping.link,
		RawPayload:         payload,
	}, true
}

func (a *Adapter) WebhookPaths() adapters.WebhookPaths {
	return adapters.WebhookPaths{Amount: "DocTotal", Stage: "DocumentStatus"}
}
