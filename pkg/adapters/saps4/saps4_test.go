package saps4

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/config"
	"github.com/Ramsey-B/clover/pkg/adapters"
	"github.com/Ramsey-B/clover/pkg/adapters/adapterstest"
	"github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/models"
)

type s4Server struct {
	*httptest.Server
	mu      sync.Mutex
	created map[string]any
	patched map[string]any
}

func newS4Server(t *testing.T) *s4Server {
	s := &s4Server{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "key" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		readBody := func() map[string]any {
			raw, _ := io.ReadAll(r.Body)
			body := map[string]any{}
			_ = json.Unmarshal(raw, &body)
			return body
		}
		writes := r.Method == http.MethodPost || r.Method == http.MethodPatch
		if writes && (r.Header.Get(csrfHeader) != "tok-1" || r.Header.Get("Cookie") != "SAP_SESSIONID=abc") {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":{"message":{"value":"CSRF token validation failed"}}}`))
			return
		}

		switch {
		case r.Method == http.MethodGet && r.URL.Path == salesOrderService+"/":
			assert.Equal(t, "Fetch", r.Header.Get(csrfHeader))
			w.Header().Set(csrfHeader, "tok-1")
			http.SetCookie(w, &http.Cookie{Name: "SAP_SESSIONID", Value: "abc"})
			_, _ = w.Write([]byte(`{"d":{"EntitySets":["A_SalesOrder"]}}`))
		case r.Method == http.MethodGet && r.URL.Path == salesOrderSet:
			assert.Equal(t, "1", r.URL.Query().Get("$top"))
			_, _ = w.Write([]byte(`{"d":{"results":[]}}`))
		case r.Method == http.MethodPost && r.URL.Path == salesOrderSet:
			s.mu.Lock()
			s.created = readBody()
			s.mu.Unlock()
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"d":{"SalesOrder":"4500","SoldToParty":"BP17"}}`))
		case r.Method == http.MethodPatch && r.URL.Path == salesOrderSet+"('4500')":
			s.mu.Lock()
			s.patched = readBody()
			s.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodGet && r.URL.Path == salesOrderSet+"('4500')":
			_, _ = w.Write([]byte(`{"d":{"SalesOrder":"4500","SoldToParty":"BP17","PurchaseOrderByCustomer":"MSA","TotalNetAmount":"1200.50","TransactionCurrency":"EUR","RequestedDeliveryDate":"/Date(1767225600000)/","OverallSDProcessStatus":"B","OverallSDDocumentRejectionSts":"","YY1_ContractId_SDH":"c-1"}}`))
		case r.Method == http.MethodGet && r.URL.Path == partnerService+"/A_BusinessPartner('BP17')":
			_, _ = w.Write([]byte(`{"d":{"BusinessPartner":"BP17","BusinessPartnerFullName":"Acme GmbH"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	return s
}

func credential(baseURL string) *models.Credential {
	return &models.Credential{
		UserID:          "u1",
		IntegrationType: models.IntegrationSAPS4,
		Status:          models.CredentialStatusActive,
		Auth:            models.AuthPayload{Scheme: models.AuthSchemeAPIKey, APIKey: &models.APIKeyPayload{Key: "key", Secret: "secret"}},
		Settings:        models.Settings{BaseURL: baseURL},
	}
}

func TestLogin(t *testing.T) {
	server := newS4Server(t)
	defer server.Close()
	a := New(adapterstest.Deps(server.Server, nil, nil), config.Provider{})

	t.Run("should validate the key pair with a read", func(t *testing.T) {
		conn, err := a.Login(context.Background(), adapters.ConnectRequest{BaseURL: server.URL, APIKey: "key", APISecret: "secret"})
		require.NoError(t, err)
		assert.Equal(t, models.AuthSchemeAPIKey, conn.Auth.Scheme)
		assert.Equal(t, "key", conn.Auth.APIKey.Key)
		assert.Equal(t, server.URL, conn.Settings.BaseURL)
	})

	t.Run("should accept username and password as the key pair", func(t *testing.T) {
		conn, err := a.Login(context.Background(), adapters.ConnectRequest{BaseURL: server.URL, Username: "key", Password: "secret"})
		require.NoError(t, err)
		assert.Equal(t, "secret", conn.Auth.APIKey.Secret)
	})

	t.Run("should reject a wrong key as a validation error", func(t *testing.T) {
		_, err := a.Login(context.Background(), adapters.ConnectRequest{BaseURL: server.URL, APIKey: "key", APISecret: "nope"})
		assert.Equal(t, errors.KindValidation, errors.KindOf(err))
	})

	t.Run("should keep the stored keys on refresh", func(t *testing.T) {
		cred := credential(server.URL)
		auth, err := a.Refresh(context.Background(), cred)
		require.NoError(t, err)
		assert.Equal(t, cred.Auth, auth)
	})
}

func TestRecords(t *testing.T) {
	server := newS4Server(t)
	defer server.Close()
	a := New(adapterstest.Deps(server.Server, nil, nil), config.Provider{})
	ctx := context.Background()

	expiry := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	contract := &models.Contract{ID: "c-1", Name: "MSA", Amount: 1200.5, Currency: "EUR", ExpiryDate: &expiry, Status: models.ContractStatusActive}
	contract.SetIntegration(models.IntegrationSAPS4, models.IntegrationRecord{Link: models.ExternalLink{AccountID: "BP17"}})

	t.Run("should create with a fetched CSRF token", func(t *testing.T) {
		link, err := a.Create(ctx, credential(server.URL), a.ToExternal(contract))
		require.NoError(t, err)
		assert.Equal(t, models.ExternalLink{ExternalID: "4500", AccountID: "BP17"}, link)

		server.mu.Lock()
		defer server.mu.Unlock()
		assert.Equal(t, "OR", server.created["SalesOrderType"])
		assert.Equal(t, "BP17", server.created["SoldToParty"])
		assert.Equal(t, "/Date(1767225600000)/", server.created["RequestedDeliveryDate"])
		assert.Equal(t, "c-1", server.created[contractIDField])
	})

	t.Run("should leave fixed header fields out of updates", func(t *testing.T) {
		require.NoError(t, a.Update(ctx, credential(server.URL), "4500", a.ToExternal(contract)))

		server.mu.Lock()
		defer server.mu.Unlock()
		assert.NotContains(t, server.patched, "SalesOrderType")
		assert.NotContains(t, server.patched, "SoldToParty")
		assert.Equal(t, "MSA", server.patched["PurchaseOrderByCustomer"])
	})

	t.Run("should fetch the order with its business partner", func(t *testing.T) {
		record, err := a.Fetch(ctx, credential(server.URL), "4500")
		require.NoError(t, err)

		fields := a.FromExternal(*record)
		require.NotNil(t, fields.Amount)
		assert.Equal(t, 1200.5, *fields.Amount)
		assert.Equal(t, models.ContractStatusActive, fields.Status)
		assert.Equal(t, "Acme GmbH", fields.Counterparty)
		assert.Equal(t, "c-1", fields.LocalID)
		require.NotNil(t, fields.ExpiryDate)
		assert.True(t, expiry.Equal(*fields.ExpiryDate))
	})

	t.Run("should surface unknown orders as not found", func(t *testing.T) {
		_, err := a.Fetch(ctx, credential(server.URL), "nope")
		assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
	})
}

func TestStatuses(t *testing.T) {
	a := New(adapterstest.Deps(nil, nil, nil), config.Provider{})

	t.Run("should treat a rejected order as terminated", func(t *testing.T) {
		fields := a.FromExternal(adapters.Record{Fields: map[string]any{"OverallSDProcessStatus": "A", "OverallSDDocumentRejectionSts": "C"}})
		assert.Equal(t, models.ContractStatusTerminated, fields.Status)
	})

	t.Run("should map completed orders to expired", func(t *testing.T) {
		assert.Equal(t, models.ContractStatusExpired, a.StatusFor("C"))
		assert.Equal(t, "B", a.StageFor(models.ContractStatusActive))
	})
}

func TestNormalizeWebhook(t *testing.T) {
	a := New(adapterstest.Deps(nil, nil, nil), config.Provider{})

	t.Run("should read CloudEvents sales order changes", func(t *testing.T) {
		event, ok := a.NormalizeWebhook("", map[string]any{
			"type": "sap.s4.beh.salesorder.v1.SalesOrder.Changed.v1",
			"data": map[string]any{"SalesOrder": "4500"},
		})
		require.True(t, ok)
		assert.Equal(t, models.EventRecordUpdated, event.CanonicalEventType)
		assert.Equal(t, "4500", event.ObjectID)
	})

	t.Run("should resolve business partner events through the account link", func(t *testing.T) {
		event, ok := a.NormalizeWebhook("", map[string]any{
			"type": "sap.s4.beh.businesspartner.v1.BusinessPartner.Changed.v1",
			"data": map[string]any{"BusinessPartner": "BP17"},
		})
		require.True(t, ok)
		assert.Equal(t, models.EventRelatedUpdated, event.CanonicalEventType)
		assert.Equal(t, models.LinkAccount, event.RelatedLink)
		assert.Equal(t, "BP17", event.ObjectID)
	})

	t.Run("should keep a known type that has no sales order key", func(t *testing.T) {
		event, ok := a.NormalizeWebhook("sap.s4.beh.salesorder.v1.SalesOrder.Changed.v1", map[string]any{"data": map[string]any{}})
		require.True(t, ok)
		assert.Empty(t, event.ObjectID)
	})

	t.Run("should ignore unknown types", func(t *testing.T) {
		_, ok := a.NormalizeWebhook("sap.s4.beh.product.v1.Product.Changed.v1", map[string]any{"data": map[string]any{"Product": "P1"}})
		assert.False(t, ok)
	})
}
