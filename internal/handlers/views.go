package handlers

import (
	"time"

	"github.com/Ramsey-B/clover/pkg/models"
)

// CredentialResponse is a credential with every secret removed.
type CredentialResponse struct {
	IntegrationType models.IntegrationType  `json:"integrationType"`
	Status          models.CredentialStatus `json:"status"`
	Scheme          models.AuthScheme       `json:"scheme"`
	ExpiresAt       *time.Time              `json:"expiresAt,omitempty"`
	Settings        SettingsResponse        `json:"settings"`
	LastError       string                  `json:"lastError,omitempty"`
	AuditLog        []models.AuditEntry     `json:"auditLog"`
	CreatedAt       time.Time               `json:"createdAt"`
	UpdatedAt       time.Time               `json:"updatedAt"`
}

type SettingsResponse struct {
	BaseURL                  string                `json:"baseUrl,omitempty"`
	CompanyDatabase          string                `json:"companyDatabase,omitempty"`
	FieldMappings            []models.FieldMapping `json:"fieldMappings"`
	Filters                  models.Filters        `json:"filters"`
	OutboundWebhookURL       string                `json:"outboundWebhookUrl,omitempty"`
	HasOutboundWebhookSecret bool                  `json:"hasOutboundWebhookSecret"`
	HasInboundWebhookSecret  bool                  `json:"hasInboundWebhookSecret"`
	DeletePolicy             models.DeletePolicy   `json:"deletePolicy"`
	LogWebhookEvents         bool                  `json:"logWebhookEvents"`
}

func newCredentialResponse(cred *models.Credential) CredentialResponse {
	resp := CredentialResponse{
		IntegrationType: cred.IntegrationType,
		Status:          cred.Status,
		Scheme:          cred.Auth.Scheme,
		Settings: SettingsResponse{
			BaseURL:                  cred.Settings.BaseURL,
			CompanyDatabase:          cred.Settings.CompanyDatabase,
			FieldMappings:            cred.Settings.FieldMappings,
			Filters:                  cred.Settings.Filters,
			OutboundWebhookURL:       cred.Settings.OutboundWebhookURL,
			HasOutboundWebhookSecret: cred.Settings.OutboundWebhookSecret != "",
			HasInboundWebhookSecret:  cred.Settings.InboundWebhookSecret != "",
			DeletePolicy:             cred.Settings.EffectiveDeletePolicy(),
			LogWebhookEvents:         cred.Settings.LogWebhookEvents,
		},
		LastError: cred.LastError,
		AuditLog:  cred.AuditLog,
		CreatedAt: cred.CreatedAt,
		UpdatedAt: cred.UpdatedAt,
	}
	if expiresAt, ok := cred.Auth.ExpiresAt(); ok && !expiresAt.IsZero() {
		resp.ExpiresAt = &expiresAt
	}
	if resp.AuditLog == nil {
		resp.AuditLog = []models.AuditEntry{}
	}
	if resp.Settings.FieldMappings == nil {
		resp.Settings.FieldMappings = []models.FieldMapping{}
	}
	return resp
}
