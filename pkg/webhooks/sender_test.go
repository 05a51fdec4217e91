package webhooks

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

	"github.com/Ramsey-B/clover/pkg/httpclient"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/orchestrator"
)

func TestSendOutgoingWebhook(t *testing.T) {
	fixed := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	newSender := func(client *http.Client) *Sender {
		return NewSender(httpclient.NewClientFrom(client, testLogger()), testLogger(), func() time.Time { return fixed })
	}
	credFor := func(url, secret string) *models.Credential {
		return &models.Credential{
			UserID:          "u1",
			IntegrationType: models.IntegrationSalesforce,
			Settings:        models.Settings{OutboundWebhookURL: url, OutboundWebhookSecret: secret},
		}
	}

	t.Run("should post a signed envelope", func(t *testing.T) {
		var (
			header http.Header
			body   []byte
		)
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header = r.Header.Clone()
			body, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusAccepted)
		}))
		defer server.Close()

		result := newSender(server.Client()).SendOutgoingWebhook(context.Background(), credFor(server.URL, "whsec"), orchestrator.EventContractSynced, map[string]any{"contractId": "C1"})
		assert.Equal(t, models.DeliveryResult{Success: true, StatusCode: http.StatusAccepted}, result)

		assert.True(t, Verify("whsec", body, header.Get(HeaderSignature)))
		assert.Equal(t, orchestrator.EventContractSynced, header.Get(HeaderEventType))
		assert.Equal(t, "1770091506", header.Get(HeaderTimestamp))
		assert.Equal(t, "application/json", header.Get("Content-Type"))

		var envelope Envelope
		require.NoError(t, json.Unmarshal(body, &envelope))
		assert.Equal(t, header.Get(HeaderEventID), envelope.ID)
		assert.Equal(t, orchestrator.EventContractSynced, envelope.Event)
		assert.Equal(t, models.IntegrationSalesforce, envelope.IntegrationType)
		assert.Equal(t, "u1", envelope.UserID)
		assert.Equal(t, "2026-02-03T04:05:06Z", envelope.Timestamp)
		assert.Equal(t, map[string]any{"contractId": "C1"}, envelope.Data)
	})

	t.Run("should not sign without a secret", func(t *testing.T) {
		var header http.Header
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header = r.Header.Clone()
		}))
		defer server.Close()

		result := newSender(server.Client()).SendOutgoingWebhook(context.Background(), credFor(server.URL, ""), orchestrator.EventContractSynced, nil)
		assert.True(t, result.Success)
		assert.Empty(t, header.Get(HeaderSignature))
	})

	t.Run("should report a rejection", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusGone)
		}))
		defer server.Close()

		result := newSender(server.Client()).SendOutgoingWebhook(context.Background(), credFor(server.URL, "whsec"), orchestrator.EventContractSynced, nil)
		assert.False(t, result.Success)
		assert.Equal(t, http.StatusGone, result.StatusCode)
		assert.Equal(t, "Gone", result.Error)
	})

	t.Run("should swallow network failures", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		url := server.URL
		server.Close()

		result := newSender(http.DefaultClient).SendOutgoingWebhook(context.Background(), credFor(url, "whsec"), orchestrator.EventContractSynced, nil)
		assert.False(t, result.Success)
		assert.NotEmpty(t, result.Error)
	})

	t.Run("should skip users without a webhook url", func(t *testing.T) {
		result := newSender(http.DefaultClient).SendOutgoingWebhook(context.Background(), credFor("", ""), orchestrator.EventContractSynced, nil)
		assert.False(t, result.Success)
		assert.Equal(t, "no outbound webhook configured", result.Error)
	})
}
