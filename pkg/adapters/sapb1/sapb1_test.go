package sapb1

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
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

func loginServer(t *testing.T, accept func(body map[string]any) bool) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/b1s/v1/Login":
			raw, _ := io.ReadAll(r.Body)
			body := map[string]any{}
			_ = json.Unmarshal(raw, &body)
			if !accept(body) {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":{"code":-304,"message":{"value":"Fail to get DB Credentials"}}}`))
				return
			}
			http.SetCookie(w, &http.Cookie{Name: "B1SESSION", Value: "sess-1"})
			http.SetCookie(w, &http.Cookie{Name: "ROUTEID", Value: ".node1"})
			_, _ = w.Write([]byte(`{"SessionId":"sess-1","Version":"1000190","SessionTimeout":30}`))
		case "/b1s/v1/Orders(77)":
			assert.Equal(t, "B1SESSION=sess-1; ROUTEID=.node1", r.Header.Get("Cookie"))
			_, _ = w.Write([]byte(`{"DocEntry":77,"CardCode":"C001","CardName":"Acme","DocTotal":1500,"DocumentStatus":"bost_Open","Cancelled":"tNO","NumAtCard":"MSA"}`))
		case "/b1s/v1/BusinessPartners('C001')":
			_, _ = w.Write([]byte(`{"CardCode":"C001","CardName":"Acme Corp"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestLogin(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("should open a session with the route cookie", func(t *testing.T) {
		server := loginServer(t, func(body map[string]any) bool {
			return body["CompanyDB"] == "SBODEMO" && body["UserName"] == "manager"
		})
		defer server.Close()

		deps := adapterstest.Deps(server, nil, nil)
		deps.Now = func() time.Time { return now }
		a := New(deps, config.Provider{})

		conn, err := a.Login(context.Background(), adapters.ConnectRequest{
			BaseURL: server.URL, Username: "manager", Password: "pw", CompanyDatabase: "SBODEMO",
		})
		require.NoError(t, err)
		session := conn.Auth.Session
		assert.Equal(t, "sess-1", session.SessionID)
		assert.Equal(t, ".node1", session.RouteToken)
		assert.Equal(t, now.Add(30*time.Minute), session.ExpiresAt)
		assert.Equal(t, "SBODEMO", conn.Settings.CompanyDatabase)
	})

	t.Run("should reject bad logins as validation errors", func(t *testing.T) {
		server := loginServer(t, func(map[string]any) bool { return false })
		defer server.Close()

		a := New(adapterstest.Deps(server, nil, nil), config.Provider{})
		_, err := a.Login(context.Background(), adapters.ConnectRequest{BaseURL: server.URL, Username: "u", Password: "p", CompanyDatabase: "X"})
		assert.Equal(t, errors.KindValidation, errors.KindOf(err))
	})

	t.Run("should require reauthorization when re-login is rejected", func(t *testing.T) {
		server := loginServer(t, func(map[string]any) bool { return false })
		defer server.Close()

		a := New(adapterstest.Deps(server, nil, nil), config.Provider{})
		_, err := a.Refresh(context.Background(), &models.Credential{
			IntegrationType: models.IntegrationSAPB1,
			Settings:        models.Settings{BaseURL: server.URL},
			Auth: models.AuthPayload{Scheme: models.AuthSchemeSession, Session: &models.SessionPayload{
				SessionID: "old", Username: "manager", Password: "changed", CompanyDatabase: "SBODEMO",
			}},
		})
		assert.Equal(t, errors.KindReauthorizationRequired, errors.KindOf(err))
	})
}

func TestRecords(t *testing.T) {
	t.Run("should fetch an order with its business partner", func(t *testing.T) {
		server := loginServer(t, func(map[string]any) bool { return true })
		defer server.Close()

		a := New(adapterstest.Deps(server, nil, nil), config.Provider{})
		cred := &models.Credential{
			IntegrationType: models.IntegrationSAPB1,
			Settings:        models.Settings{BaseURL: server.URL},
			Auth:            models.AuthPayload{Scheme: models.AuthSchemeSession, Session: &models.SessionPayload{SessionID: "sess-1", RouteToken: ".node1"}},
		}
		record, err := a.Fetch(context.Background(), cred, "77")
		require.NoError(t, err)

		fields := a.FromExternal(*record)
		assert.Equal(t, "77", fields.Link.ExternalID)
		assert.Equal(t, "C001", fields.Link.AccountID)
		assert.Equal(t, "Acme Corp", fields.Counterparty)
		assert.Equal(t, models.ContractStatusActive, fields.Status)
		require.NotNil(t, fields.Amount)
		assert.Equal(t, 1500.0, *fields.Amount)
	})

	t.Run("should treat cancelled orders as terminated", func(t *testing.T) {
		a := New(adapterstest.Deps(nil, nil, nil), config.Provider{})
		fields := a.FromExternal(adapters.Record{Fields: map[string]any{"DocEntry": 1.0, "DocumentStatus": "bost_Close", "Cancelled": "tYES"}})
		assert.Equal(t, models.ContractStatusTerminated, fields.Status)

		unknown := a.FromExternal(adapters.Record{Fields: map[string]any{"DocEntry": 2.0, "DocumentStatus": "bost_Weird"}})
		assert.Equal(t, models.ContractStatusUnknown, unknown.Status)
	})

	t.Run("should use the linked card code for new orders", func(t *testing.T) {
		a := New(adapterstest.Deps(nil, nil, nil), config.Provider{})
		c := &models.Contract{ID: "c-1", Name: "MSA", Amount: 900}
		c.SetIntegration(models.IntegrationSAPB1, models.IntegrationRecord{Link: models.ExternalLink{AccountID: "C001"}})
		payload := a.ToExternal(c)
		assert.Equal(t, "C001", payload["CardCode"])
		assert.Equal(t, "c-1", payload["U_ContractId"])
		lines := payload["DocumentLines"].([]any)
		assert.Equal(t, 900.0, lines[0].(map[string]any)["LineTotal"])
	})

	t.Run("should round trip every status through the user field", func(t *testing.T) {
		a := New(adapterstest.Deps(nil, nil, nil), config.Provider{})
		for _, status := range []models.ContractStatus{
			models.ContractStatusDraft,
			models.ContractStatusPending,
			models.ContractStatusActive,
			models.ContractStatusExpired,
			models.ContractStatusTerminated,
		} {
			payload := a.ToExternal(&models.Contract{ID: "c-1", Name: "MSA", Status: status})
			order := map[string]any{"DocEntry": 1.0, "DocumentStatus": "bost_Open", "U_ContractStatus": payload["U_ContractStatus"]}
			assert.Equal(t, status, a.FromExternal(adapters.Record{Fields: order}).Status, "status %s", status)
		}
	})

	t.Run("should fall back to the document status without the user field", func(t *testing.T) {
		a := New(adapterstest.Deps(nil, nil, nil), config.Provider{})
		fields := a.FromExternal(adapters.Record{Fields: map[string]any{"DocEntry": 1.0, "DocumentStatus": "bost_Close", "U_ContractStatus": ""}})
		assert.Equal(t, models.ContractStatusExpired, fields.Status)
		assert.Equal(t, "bost_Close", fields.ExternalStage)

		cancelled := a.FromExternal(adapters.Record{Fields: map[string]any{"DocEntry": 2.0, "Cancelled": "tYES", "U_ContractStatus": "Active"}})
		assert.Equal(t, models.ContractStatusTerminated, cancelled.Status)

		payload := a.ToExternal(&models.Contract{ID: "c-1", Status: models.ContractStatusUnknown})
		assert.NotContains(t, payload, "U_ContractStatus")
	})
}

func TestNormalizeWebhook(t *testing.T) {
	a := New(adapterstest.Deps(nil, nil, nil), config.Provider{})

	t.Run("should read transaction notifications", func(t *testing.T) {
		event, ok := a.NormalizeWebhook("", map[string]any{"ObjectType": "17", "TransactionType": "D", "ObjectKey": "77"})
		require.True(t, ok)
		assert.Equal(t, models.EventRecordDeleted, event.CanonicalEventType)
		assert.Equal(t, "77", event.ObjectID)
	})

	t.Run("should map business partner changes to related events", func(t *testing.T) {
		event, ok := a.NormalizeWebhook("BusinessPartners.Update", map[string]any{"CardCode": "C001"})
		require.True(t, ok)
		assert.Equal(t, models.EventRelatedUpdated, event.CanonicalEventType)
		assert.Equal(t, models.LinkAccount, event.RelatedLink)
		assert.Equal(t, "C001", event.ObjectID)
	})

	t.Run("should keep a known notification that has no object key", func(t *testing.T) {
		event, ok := a.NormalizeWebhook("", map[string]any{"ObjectType": "17", "TransactionType": "U"})
		require.True(t, ok)
		assert.Equal(t, models.EventRecordUpdated, event.CanonicalEventType)
		assert.Empty(t, event.ObjectID)
	})
}
