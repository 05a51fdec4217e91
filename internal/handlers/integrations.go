package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/adapters"
	"github.com/Ramsey-B/clover/pkg/models"
)

// CredentialService is the credential lifecycle used by the integration routes.
type CredentialService interface {
	Get(ctx context.Context, userID string, t models.IntegrationType) (*models.Credential, error)
	InitiateAuthorization(ctx context.Context, userID string, t models.IntegrationType, redirectURI string) (string, error)
	CompleteAuthorization(ctx context.Context, state, code, redirectURI string) (*models.Credential, error)
	Connect(ctx context.Context, userID string, t models.IntegrationType, req adapters.ConnectRequest) (*models.Credential, error)
	Revoke(ctx context.Context, userID string, t models.IntegrationType) error
	Disconnect(ctx context.Context, userID string, t models.IntegrationType) (*models.Credential, error)
	UpdateSettings(ctx context.Context, userID string, t models.IntegrationType, settings models.Settings) (*models.Credential, error)
}

// EventReader lists logged webhook events.
type EventReader interface {
	Recent(ctx context.Context, userID string, count int64) ([]models.WebhookEvent, error)
}

// IntegrationHandler serves connection management for a user's integrations.
type IntegrationHandler struct {
	credentials   CredentialService
	events        EventReader
	publicBaseURL string
}

// NewIntegrationHandler creates the handler. events may be nil when webhook
// logging is unavailable.
func NewIntegrationHandler(credentials CredentialService, events EventReader, publicBaseURL string) *IntegrationHandler {
	return &IntegrationHandler{
		credentials:   credentials,
		events:        events,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
	}
}

type SettingsRequest struct {
	BaseURL               string                `json:"baseUrl" validate:"omitempty,url"`
	CompanyDatabase       string                `json:"companyDatabase"`
	FieldMappings         []models.FieldMapping `json:"fieldMappings" validate:"omitempty,max=100,dive"`
	Filters               FiltersRequest        `json:"filters"`
	OutboundWebhookURL    string                `json:"outboundWebhookUrl" validate:"omitempty,url"`
	OutboundWebhookSecret string                `json:"outboundWebhookSecret"`
	InboundWebhookSecret  string                `json:"inboundWebhookSecret"`
	DeletePolicy          models.DeletePolicy   `json:"deletePolicy" validate:"omitempty,oneof=disconnect delete"`
	LogWebhookEvents      bool                  `json:"logWebhookEvents"`
}

type FiltersRequest struct {
	MinDealValue  *float64 `json:"minDealValue" validate:"omitempty,gte=0"`
	AllowedStages []string `json:"allowedStages" validate:"omitempty,dive,required"`
}

func (r SettingsRequest) settings() models.Settings {
	return models.Settings{
		BaseURL:               r.BaseURL,
		CompanyDatabase:       r.CompanyDatabase,
		FieldMappings:         r.FieldMappings,
		Filters:               models.Filters{MinDealValue: r.Filters.MinDealValue, AllowedStages: r.Filters.AllowedStages},
		OutboundWebhookURL:    r.OutboundWebhookURL,
		OutboundWebhookSecret: r.OutboundWebhookSecret,
		InboundWebhookSecret:  r.InboundWebhookSecret,
		DeletePolicy:          r.DeletePolicy,
		LogWebhookEvents:      r.LogWebhookEvents,
	}
}

type AuthorizeResponse struct {
	AuthorizationURL string `json:"authorizationUrl"`
}

// RegisterRoutes mounts the authenticated routes on private and the OAuth
// callback, which arrives from the provider's redirect, on public.
func (h *IntegrationHandler) RegisterRoutes(public, private *echo.Group) {
	public.GET("/integrations/:type/callback", h.Callback)

	integrations := private.Group("/integrations")
	integrations.GET("/:type", h.Get)
	integrations.GET("/:type/authorize", h.Authorize)
	integrations.POST("/:type/connect", h.Connect)
	integrations.DELETE("/:type", h.Delete)
	integrations.PUT("/:type/settings", h.UpdateSettings)
	integrations.GET("/:type/events", h.Events)
}

func (h *IntegrationHandler) redirectURI(t models.IntegrationType) string {
	return h.publicBaseURL + "/api/v1/integrations/" + string(t) + "/callback"
}

// Get handles GET /integrations/:type
func (h *IntegrationHandler) Get(c echo.Context) error {
	userID, t, err := userAndType(c)
	if err != nil {
		return err
	}
	cred, err := h.credentials.Get(c.Request().Context(), userID, t)
	if err != nil {
		return err
	}
	return SuccessResponse(c, newCredentialResponse(cred))
}

// Authorize handles GET /integrations/:type/authorize
func (h *IntegrationHandler) Authorize(c echo.Context) error {
	userID, t, err := userAndType(c)
	if err != nil {
		return err
	}
	url, err := h.credentials.InitiateAuthorization(c.Request().Context(), userID, t, h.redirectURI(t))
	if err != nil {
		return err
	}
	if c.QueryParam("redirect") == "true" {
		return c.Redirect(http.StatusFound, url)
	}
	return SuccessResponse(c, AuthorizeResponse{AuthorizationURL: url})
}

// Callback handles GET /integrations/:type/callback. The user is taken from
// the signed state, not from the request.
func (h *IntegrationHandler) Callback(c echo.Context) error {
	t, err := ParseIntegrationType(c)
	if err != nil {
		return err
	}
	if providerErr := c.QueryParam("error"); providerErr != "" {
		desc := c.QueryParam("error_description")
		if desc == "" {
			desc = providerErr
		}
		return BadRequest("authorization was not granted: " + desc)
	}

	cred, err := h.credentials.CompleteAuthorization(c.Request().Context(), c.QueryParam("state"), c.QueryParam("code"), h.redirectURI(t))
	if err != nil {
		return err
	}
	if cred.IntegrationType != t {
		return BadRequest("state was issued for " + string(cred.IntegrationType))
	}
	return SuccessResponse(c, newCredentialResponse(cred))
}

// Connect handles POST /integrations/:type/connect
func (h *IntegrationHandler) Connect(c echo.Context) error {
	userID, t, err := userAndType(c)
	if err != nil {
		return err
	}
	var req adapters.ConnectRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	cred, err := h.credentials.Connect(c.Request().Context(), userID, t, req)
	if err != nil {
		return err
	}
	return CreatedResponse(c, newCredentialResponse(cred))
}

// Delete handles DELETE /integrations/:type. ?mode=disconnect keeps the
// settings and audit history and only drops the secrets.
func (h *IntegrationHandler) Delete(c echo.Context) error {
	userID, t, err := userAndType(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if c.QueryParam("mode") == "disconnect" {
		cred, err := h.credentials.Disconnect(ctx, userID, t)
		if err != nil {
			return err
		}
		return SuccessResponse(c, newCredentialResponse(cred))
	}
	if err := h.credentials.Revoke(ctx, userID, t); err != nil {
		return err
	}
	return NoContentResponse(c)
}

// UpdateSettings handles PUT /integrations/:type/settings
func (h *IntegrationHandler) UpdateSettings(c echo.Context) error {
	userID, t, err := userAndType(c)
	if err != nil {
		return err
	}
	var req SettingsRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	cred, err := h.credentials.UpdateSettings(c.Request().Context(), userID, t, req.settings())
	if err != nil {
		return err
	}
	return SuccessResponse(c, newCredentialResponse(cred))
}

// Events handles GET /integrations/:type/events
func (h *IntegrationHandler) Events(c echo.Context) error {
	userID, t, err := userAndType(c)
	if err != nil {
		return err
	}
	if h.events == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "webhook event logging is not enabled")
	}
	recent, err := h.events.Recent(c.Request().Context(), userID, 50)
	if err != nil {
		return err
	}
	filtered := make([]models.WebhookEvent, 0, len(recent))
	for _, event := range recent {
		if event.IntegrationType == t {
			filtered = append(filtered, event)
		}
	}
	return SuccessResponse(c, filtered)
}
