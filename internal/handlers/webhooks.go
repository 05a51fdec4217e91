package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/repositories"
	"github.com/Ramsey-B/clover/pkg/webhooks"
)

const maxWebhookBody = 2 << 20

// WebhookService processes one normalized vendor event.
type WebhookService interface {
	HandleWebhook(ctx context.Context, t models.IntegrationType, rawEventType string, payload map[string]any, userID string) (*models.WebhookResult, error)
}

// CredentialReader loads the credential used to verify inbound signatures.
type CredentialReader interface {
	Get(ctx context.Context, userID string, t models.IntegrationType) (*models.Credential, error)
}

type WebhookHandler struct {
	webhooks      WebhookService
	credentials   CredentialReader
	logger        ectologger.Logger
	allowUnsigned bool
}

type WebhookOption func(*WebhookHandler)

// AllowUnsignedWebhooks accepts webhooks for credentials without an inbound
// secret. Credentials with a secret are still verified.
func AllowUnsignedWebhooks() WebhookOption {
	return func(h *WebhookHandler) { h.allowUnsigned = true }
}

func NewWebhookHandler(webhooks WebhookService, credentials CredentialReader, logger ectologger.Logger, opts ...WebhookOption) *WebhookHandler {
	h := &WebhookHandler{webhooks: webhooks, credentials: credentials, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type WebhookBatchResponse struct {
	Results []*models.WebhookResult `json:"results"`
}

// RegisterRoutes mounts the vendor callback. Vendors carry no bearer token,
// so the user comes from the path and the request is trusted only through the
// inbound signature.
func (h *WebhookHandler) RegisterRoutes(public *echo.Group) {
	public.POST("/webhooks/:type/:userId", h.Receive)
}

// Receive handles POST /webhooks/:type/:userId. A JSON array is processed as
// one event per element.
func (h *WebhookHandler) Receive(c echo.Context) error {
	t, err := ParseIntegrationType(c)
	if err != nil {
		return err
	}
	userID := c.Param("userId")
	if userID == "" {
		return BadRequest("user id is required")
	}
	ctx := c.Request().Context()

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return BadRequest("failed to read request body")
	}

	cred, err := h.credentials.Get(ctx, userID, t)
	if err != nil {
		if repositories.IsNotFound(err) {
			return errors.NotConfigured(string(t))
		}
		return err
	}
	if err := h.verify(c, cred, body); err != nil {
		h.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"user_id":          userID,
			"integration_type": t,
		}).Warn("rejected webhook")
		return err
	}

	rawEventType := c.Request().Header.Get(webhooks.HeaderEventType)
	if rawEventType == "" {
		rawEventType = c.QueryParam("event")
	}

	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return BadRequest("webhook body must be JSON")
	}

	switch payload := decoded.(type) {
	case map[string]any:
		result, err := h.webhooks.HandleWebhook(ctx, t, rawEventType, payload, userID)
		if err != nil {
			return err
		}
		return SuccessResponse(c, result)
	case []any:
		return h.receiveBatch(c, t, rawEventType, payload, userID)
	default:
		return BadRequest("webhook body must be a JSON object or array")
	}
}

// verify checks the inbound signature. Without a secret the webhook is
// rejected unless unsigned webhooks are allowed.
func (h *WebhookHandler) verify(c echo.Context, cred *models.Credential, body []byte) error {
	secret := cred.Settings.InboundWebhookSecret
	if secret == "" {
		if h.allowUnsigned {
			return nil
		}
		return Unauthorized("webhook signing is not configured, set inboundWebhookSecret")
	}
	if !webhooks.Verify(secret, body, c.Request().Header.Get(webhooks.HeaderSignature)) {
		return Unauthorized("invalid webhook signature")
	}
	return nil
}

// receiveBatch handles every element and reports each result. A retryable
// failure fails the whole request so the vendor redelivers; handled events
// are idempotent on replay.
func (h *WebhookHandler) receiveBatch(c echo.Context, t models.IntegrationType, rawEventType string, events []any, userID string) error {
	ctx := c.Request().Context()
	resp := WebhookBatchResponse{Results: make([]*models.WebhookResult, 0, len(events))}
	var retry error
	for idx, element := range events {
		payload, ok := element.(map[string]any)
		if !ok {
			resp.Results = append(resp.Results, &models.WebhookResult{Reason: "event is not an object"})
			continue
		}
		result, err := h.webhooks.HandleWebhook(ctx, t, rawEventType, payload, userID)
		if err != nil {
			kind := errors.KindOf(err)
			if kind.Fatal() {
				return err
			}
			h.logger.WithContext(ctx).WithError(err).WithField("index", idx).Warn("failed to handle webhook event in batch")
			if retry == nil && (kind.Retryable() || kind == errors.KindUnknown) {
				retry = err
			}
			resp.Results = append(resp.Results, &models.WebhookResult{Reason: err.Error()})
			continue
		}
		resp.Results = append(resp.Results, result)
	}
	if retry != nil {
		return retry
	}
	return c.JSON(http.StatusOK, resp)
}
