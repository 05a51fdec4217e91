package webhooks

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/httpclient"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Envelope is the JSON body of an outbound notification.
type Envelope struct {
	ID              string                 `json:"id"`
	Event           string                 `json:"event"`
	IntegrationType models.IntegrationType `json:"integrationType"`
	UserID          string                 `json:"userId"`
	Timestamp       string                 `json:"timestamp"`
	Data            any                    `json:"data"`
}

// Sender delivers signed notifications to the user's outbound webhook URL.
type Sender struct {
	client *httpclient.Client
	logger ectologger.Logger
	now    func() time.Time
}

func NewSender(client *httpclient.Client, logger ectologger.Logger, now func() time.Time) *Sender {
	if now == nil {
		now = time.Now
	}
	return &Sender{client: client, logger: logger, now: now}
}

// SendOutgoingWebhook posts data to cred's outbound webhook. Delivery
// failures are reported in the result, never returned.
func (s *Sender) SendOutgoingWebhook(ctx context.Context, cred *models.Credential, eventType string, data any) models.DeliveryResult {
	ctx, span := tracing.StartSpan(ctx, "WebhookSender.SendOutgoingWebhook")
	defer span.End()

	target := cred.Settings.OutboundWebhookURL
	if target == "" {
		return models.DeliveryResult{Error: "no outbound webhook configured"}
	}

	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"user_id":          cred.UserID,
		"integration_type": cred.IntegrationType,
		"event":            eventType,
	})

	now := s.now().UTC()
	envelope := Envelope{
		ID:              uuid.NewString(),
		Event:           eventType,
		IntegrationType: cred.IntegrationType,
		UserID:          cred.UserID,
		Timestamp:       now.Format(time.RFC3339),
		Data:            data,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		log.WithError(err).Error("failed to encode outbound webhook")
		metrics.RecordWebhookSent(eventType, "error")
		return models.DeliveryResult{Error: err.Error()}
	}

	headers := map[string]string{
		HeaderEventType: eventType,
		HeaderEventID:   envelope.ID,
		HeaderTimestamp: strconv.FormatInt(now.Unix(), 10),
	}
	if cred.Settings.OutboundWebhookSecret != "" {
		headers[HeaderSignature] = Sign(cred.Settings.OutboundWebhookSecret, body)
	}

	req, err := httpclient.NewJSONRequest(ctx, http.MethodPost, target, body, nil, headers)
	if err != nil {
		log.WithError(err).Warn("invalid outbound webhook request")
		metrics.RecordWebhookSent(eventType, "error")
		return models.DeliveryResult{Error: err.Error()}
	}

	resp, err := s.client.Do(ctx, req)
	if err != nil {
		log.WithError(err).Warn("outbound webhook delivery failed")
		metrics.RecordWebhookSent(eventType, "error")
		return models.DeliveryResult{Error: err.Error()}
	}
	if !resp.IsSuccess() {
		log.WithField("status_code", resp.StatusCode).Warn("outbound webhook rejected")
		metrics.RecordWebhookSent(eventType, strconv.Itoa(resp.StatusCode))
		return models.DeliveryResult{StatusCode: resp.StatusCode, Error: http.StatusText(resp.StatusCode)}
	}

	metrics.RecordWebhookSent(eventType, strconv.Itoa(resp.StatusCode))
	log.Debug("outbound webhook delivered")
	return models.DeliveryResult{Success: true, StatusCode: resp.StatusCode}
}
