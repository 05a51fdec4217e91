// Package saps4 syncs contracts with S/4HANA sales orders over OData v2.
package saps4

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
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
	salesOrderService = "/sap/opu/odata/sap/API_SALES_ORDER_SRV"
	partnerService    = "/sap/opu/odata/sap/API_BUSINESS_PARTNER"
	salesOrderSet     = salesOrderService + "/A_SalesOrder"
	contractIDField   = "YY1_ContractId_SDH"
	csrfHeader        = "x-csrf-token"
	rejectedStatus    = "C"
)

// Stages are OverallSDProcessStatus codes; a fully rejected order is "rejected".
var stages = adapters.NewStageTable(
	map[models.ContractStatus]string{
		models.ContractStatusDraft:      "A",
		models.ContractStatusPending:    "A",
		models.ContractStatusActive:     "B",
		models.ContractStatusExpired:    "C",
		models.ContractStatusTerminated: "rejected",
	},
	map[string]models.ContractStatus{
		"A":        models.ContractStatusPending,
		"B":        models.ContractStatusActive,
		"C":        models.ContractStatusExpired,
		"rejected": models.ContractStatusTerminated,
	},
	"A",
)

type eventMapping struct {
	canonical models.CanonicalEventType
	link      models.LinkField
}

var events = map[string]eventMapping{
	"sap.s4.beh.salesorder.v1.salesorder.created.v1":           {canonical: models.EventRecordCreated},
	"sap.s4.beh.salesorder.v1.salesorder.changed.v1":           {canonical: models.EventRecordUpdated},
	"sap.s4.beh.salesorder.v1.salesorder.deleted.v1":           {canonical: models.EventRecordDeleted},
	"sap.s4.beh.businesspartner.v1.businesspartner.created.v1": {canonical: models.EventRelatedCreated, link: models.LinkAccount},
	"sap.s4.beh.businesspartner.v1.businesspartner.changed.v1": {canonical: models.EventRelatedUpdated, link: models.LinkAccount},
}

const (
	eventTypePath = "type"
	objectIDPath  = "data.SalesOrder || data.BusinessPartner || SalesOrder"
)

var odataDate = regexp.MustCompile(`^/Date\((-?\d+)([+-]\d{4})?\)/$`)

type Adapter struct {
	adapters.NoOAuth
	caller   *apicaller.Caller
	selector *expressions.Selector
	provider config.Provider
	logger   ectologger.Logger
}

var _ adapters.Adapter = (*Adapter)(nil)

func New(deps adapters.Deps, provider config.Provider) *Adapter {
	a := &Adapter{
		NoOAuth:  adapters.NoOAuth{IntegrationType: models.IntegrationSAPS4},
		selector: deps.Selector,
		provider: provider,
		logger:   deps.Logger,
	}
	if a.selector == nil {
		a.selector = expressions.NewSelector()
	}
	// Keys never refresh, so a 401 is final.
	callerDeps := deps
	callerDeps.Refresher = nil
	a.caller = callerDeps.Caller(models.IntegrationSAPS4, basicAuthorizer, a.baseURL)
	return a
}

func (a *Adapter) Type() models.IntegrationType { return models.IntegrationSAPS4 }

func (a *Adapter) Scheme() models.AuthScheme { return models.AuthSchemeAPIKey }

func (a *Adapter) baseURL(cred *models.Credential) string {
	if cred.Settings.BaseURL != "" {
		return cred.Settings.BaseURL
	}
	return a.provider.APIBaseURL
}

func basicAuthorizer(req *http.Request, cred *models.Credential) error {
	if cred.Auth.APIKey == nil || cred.Auth.APIKey.Key == "" {
		return errors.ReauthorizationRequired(string(models.IntegrationSAPS4), stderrors.New("credential has no API key"))
	}
	req.SetBasicAuth(cred.Auth.APIKey.Key, cred.Auth.APIKey.Secret)
	return nil
}

// Login validates the key pair with a cheap read before it is stored.
func (a *Adapter) Login(ctx context.Context, req adapters.ConnectRequest) (*adapters.Connection, error) {
	key, secret := req.APIKey, req.APISecret
	if key == "" {
		key, secret = req.Username, req.Password
	}
	if key == "" || secret == "" {
		return nil, errors.New(errors.KindValidation, "apiKey and apiSecret are required")
	}
	conn := &adapters.Connection{
		Auth:     models.AuthPayload{Scheme: models.AuthSchemeAPIKey, APIKey: &models.APIKeyPayload{Key: key, Secret: secret}},
		Settings: models.Settings{BaseURL: req.BaseURL},
	}
	cred := &models.Credential{IntegrationType: models.IntegrationSAPS4, Auth: conn.Auth, Settings: conn.Settings}
	if err := a.TestConnection(ctx, cred); err != nil {
		if code := apicaller.StatusCode(err); code == http.StatusUnauthorized || code == http.StatusForbidden {
			return nil, errors.Wrap(errors.KindValidation, err, "S/4HANA rejected the API key")
		}
		return nil, err
	}
	return conn, nil
}

// Refresh is a no-op: static keys do not expire.
func (a *Adapter) Refresh(_ context.Context, cred *models.Credential) (models.AuthPayload, error) {
	return cred.Auth, nil
}

func (a *Adapter) StageFor(status models.ContractStatus) string { return stages.Stage(status) }

func (a *Adapter) StatusFor(stage string) models.ContractStatus { return stages.Status(stage) }

func formatODataDate(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmt.Sprintf("/Date(%d)/", t.UTC().UnixMilli())
}

func parseODataDate(v any) *time.Time {
	s := adapters.String(v)
	if m := odataDate.FindStringSubmatch(s); m != nil {
		ms, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return nil
		}
		t := time.UnixMilli(ms).UTC()
		return &t
	}
	return adapters.Date(s)
}

func (a *Adapter) ToExternal(c *models.Contract) map[string]any {
	soldTo := c.Integration(models.IntegrationSAPS4).Link.AccountID
	if soldTo == "" {
		soldTo = adapters.String(c.Custom["SoldToParty"])
	}
	return adapters.Compact(map[string]any{
		"SalesOrderType":          "OR",
		"SoldToParty":             soldTo,
		"PurchaseOrderByCustomer": c.Name,
		"RequestedDeliveryDate":   formatODataDate(c.ExpiryDate),
		"TransactionCurrency":     c.Currency,
		"TotalNetAmount":          adapters.String(c.Amount),
		contractIDField:           c.ID,
	})
}

func stageOf(order map[string]any) string {
	if adapters.String(order["OverallSDDocumentRejectionSts"]) == rejectedStatus {
		return "rejected"
	}
	return adapters.String(order["OverallSDProcessStatus"])
}

func (a *Adapter) FromExternal(record adapters.Record) models.ContractFields {
	order := record.Fields
	stage := stageOf(order)
	out := models.ContractFields{
		Name:          adapters.String(order["PurchaseOrderByCustomer"]),
		Amount:        adapters.Float(order["TotalNetAmount"]),
		Currency:      adapters.String(order["TransactionCurrency"]),
		ExpiryDate:    parseODataDate(order["RequestedDeliveryDate"]),
		Status:        stages.Status(stage),
		ContractType:  adapters.String(order["SalesOrderType"]),
		LocalID:       adapters.String(order[contractIDField]),
		ExternalStage: stage,
		Link: models.ExternalLink{
			ExternalID: adapters.String(order["SalesOrder"]),
			AccountID:  adapters.String(order["SoldToParty"]),
		},
	}
	if record.Related != nil {
		name := adapters.String(record.Related["BusinessPartnerFullName"])
		if name == "" {
			name = adapters.String(record.Related["OrganizationBPName1"])
		}
		out.Counterparty = name
	}
	return out
}

// unwrap strips the OData v2 "d" envelope.
func unwrap(body map[string]any) map[string]any {
	if d := adapters.Map(body["d"]); d != nil {
		return d
	}
	return body
}

// csrf fetches a token for write calls. The token is bound to the session
// cookies returned with it, so both are forwarded.
func (a *Adapter) csrf(ctx context.Context, cred *models.Credential) (map[string]string, error) {
	resp, err := a.caller.CallWithRetry(ctx, apicaller.Request{
		Method:  http.MethodGet,
		Path:    salesOrderService + "/",
		Headers: map[string]string{csrfHeader: "Fetch"},
	}, cred)
	if err != nil {
		return nil, err
	}
	token := resp.Header.Get(csrfHeader)
	if token == "" {
		return nil, errors.New(errors.KindValidation, "S/4HANA returned no CSRF token")
	}
	headers := map[string]string{csrfHeader: token}
	var cookies []string
	for _, c := range (&http.Response{Header: resp.Header}).Cookies() {
		cookies = append(cookies, c.Name+"="+c.Value)
	}
	if len(cookies) > 0 {
		headers["Cookie"] = strings.Join(cookies, "; ")
	}
	return headers, nil
}

func entityKey(id string) string {
	return "('" + url.PathEscape(strings.ReplaceAll(id, "'", "''")) + "')"
}

func (a *Adapter) Create(ctx context.Context, cred *models.Credential, payload map[string]any) (models.ExternalLink, error) {
	ctx, span := tracing.StartSpan(ctx, "SAPS4.Create")
	defer span.End()

	headers, err := a.csrf(ctx, cred)
	if err != nil {
		return models.ExternalLink{}, err
	}
	resp, err := a.caller.CallWithRetry(ctx, apicaller.Request{Method: http.MethodPost, Path: salesOrderSet, Body: payload, Headers: headers}, cred)
	if err != nil {
		return models.ExternalLink{}, err
	}
	body := map[string]any{}
	if err := resp.JSON(&body); err != nil {
		return models.ExternalLink{}, errors.Wrap(errors.KindValidation, err, "unexpected sales order create response")
	}
	order := unwrap(body)
	id := adapters.String(order["SalesOrder"])
	if id == "" {
		return models.ExternalLink{}, errors.New(errors.KindValidation, "sales order create response has no SalesOrder")
	}
	return models.ExternalLink{ExternalID: id, AccountID: adapters.String(order["SoldToParty"])}, nil
}

func (a *Adapter) Update(ctx context.Context, cred *models.Credential, externalID string, payload map[string]any) error {
	ctx, span := tracing.StartSpan(ctx, "SAPS4.Update")
	defer span.End()

	headers, err := a.csrf(ctx, cred)
	if err != nil {
		return err
	}
	// The order type and sold-to party are fixed once the order exists.
	body := make(map[string]any, len(payload))
	for k, v := range payload {
		if k != "SalesOrderType" && k != "SoldToParty" {
			body[k] = v
		}
	}
	_, err = a.caller.CallWithRetry(ctx, apicaller.Request{Method: http.MethodPatch, Path: salesOrderSet + entityKey(externalID), Body: body, Headers: headers}, cred)
	return err
}

func (a *Adapter) Fetch(ctx context.Context, cred *models.Credential, externalID string) (*adapters.Record, error) {
	ctx, span := tracing.StartSpan(ctx, "SAPS4.Fetch")
	defer span.End()

	resp, err := a.caller.CallWithRetry(ctx, apicaller.Request{
		Method: http.MethodGet,
		Path:   salesOrderSet + entityKey(externalID),
		Query:  url.Values{"$format": []string{"json"}},
	}, cred)
	if err != nil {
		return nil, err
	}
	body := map[string]any{}
	if err := resp.JSON(&body); err != nil {
		return nil, errors.Wrap(errors.KindValidation, err, "unexpected sales order response")
	}
	record := &adapters.Record{Fields: unwrap(body)}

	if partner := adapters.String(record.Fields["SoldToParty"]); partner != "" {
		related, err := a.caller.CallWithRetry(ctx, apicaller.Request{
			Method: http.MethodGet,
			Path:   partnerService + "/A_BusinessPartner" + entityKey(partner),
			Query:  url.Values{"$format": []string{"json"}},
		}, cred)
		if err != nil {
			a.logger.WithContext(ctx).WithError(err).WithField("business_partner", partner).Warn("failed to fetch business partner")
			return record, nil
		}
		partnerBody := map[string]any{}
		if err := related.JSON(&partnerBody); err == nil {
			record.Related = unwrap(partnerBody)
		}
	}
	return record, nil
}

func (a *Adapter) TestConnection(ctx context.Context, cred *models.Credential) error {
	_, err := a.caller.CallWithRetry(ctx, apicaller.Request{
		Method: http.MethodGet,
		Path:   salesOrderSet,
		Query:  url.Values{"$top": []string{"1"}, "$format": []string{"json"}},
	}, cred)
	return err
}

// NormalizeWebhook reads CloudEvents from the S/4HANA event mesh.
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
		IntegrationType:    models.IntegrationSAPS4,
		CanonicalEventType: mapping.canonical,
		RawEventType:       eventType,
		ObjectID:           objectID,
		RelatedLink:        mapping.link,
		RawPayload:         payload,
	}, true
}

// WebhookPaths is empty: business events carry keys only, so filters read the fetched order.
func (a *Adapter) WebhookPaths() adapters.WebhookPaths {
	return adapters.WebhookPaths{}
}
