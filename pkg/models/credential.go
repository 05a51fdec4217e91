package models

import (
	"time"

	"github.com/google/uuid"
)

type CredentialStatus string

const (
	CredentialStatusActive       CredentialStatus = "active"
	CredentialStatusExpired      CredentialStatus = "expired"
	CredentialStatusDisconnected CredentialStatus = "disconnected"
)

// MaxAuditEntries bounds Credential.AuditLog.
const MaxAuditEntries = 100

// Credential holds one user's connection to one external system.
// Secret fields are plaintext in memory and sealed by the credential manager before storage.
type Credential struct {
	ID              uuid.UUID        `json:"id"`
	UserID          string           `json:"userId"`
	IntegrationType IntegrationType  `json:"integrationType"`
	Auth            AuthPayload      `json:"authPayload"`
	Settings        Settings         `json:"settings"`
	Status          CredentialStatus `json:"status"`
	LastError       string           `json:"lastError,omitempty"`
	AuditLog        []AuditEntry     `json:"auditLog"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// AuthPayload is a tagged union; only the member matching Scheme is set.
type AuthPayload struct {
	Scheme  AuthScheme      `json:"scheme"`
	OAuth   *OAuthPayload   `json:"oauth,omitempty"`
	Session *SessionPayload `json:"session,omitempty"`
	APIKey  *APIKeyPayload  `json:"apiKey,omitempty"`
}

type OAuthPayload struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	InstanceURL  string    `json:"instanceUrl,omitempty"`
}

type SessionPayload struct {
	SessionID  string    `json:"sessionId"`
	RouteToken string    `json:"routeToken,omitempty"`
	ExpiresAt  time.Time `json:"expiresAt"`
	// Login details for re-establishing the session.
	Username        string `json:"username"`
	Password        string `json:"password"`
	CompanyDatabase string `json:"companyDatabase,omitempty"`
}

type APIKeyPayload struct {
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

// ExpiresAt reports when the current token or session lapses. Static keys never expire.
func (a AuthPayload) ExpiresAt() (time.Time, bool) {
	switch a.Scheme {
	case AuthSchemeOAuth:
		if a.OAuth != nil {
			return a.OAuth.ExpiresAt, true
		}
	case AuthSchemeSession:
		if a.Session != nil {
			return a.Session.ExpiresAt, true
		}
	}
	return time.Time{}, false
}

// ExpiresWithin reports whether the auth lapses before now+window.
func (a AuthPayload) ExpiresWithin(now time.Time, window time.Duration) bool {
	expiresAt, ok := a.ExpiresAt()
	if !ok {
		return false
	}
	return !expiresAt.After(now.Add(window))
}

type DeletePolicy string

const (
	// DeletePolicyDisconnect clears the external link and marks the sync state disconnected.
	DeletePolicyDisconnect DeletePolicy = "disconnect"
	// DeletePolicyDelete removes the local contract.
	DeletePolicyDelete DeletePolicy = "delete"
)

type Settings struct {
	BaseURL               string         `json:"baseUrl,omitempty"`
	CompanyDatabase       string         `json:"companyDatabase,omitempty"`
	FieldMappings         []FieldMapping `json:"fieldMappings,omitempty"`
	Filters               Filters        `json:"filters"`
	OutboundWebhookURL    string         `json:"outboundWebhookUrl,omitempty"`
	OutboundWebhookSecret string         `json:"outboundWebhookSecret,omitempty"`
	InboundWebhookSecret  string         `json:"inboundWebhookSecret,omitempty"`
	DeletePolicy          DeletePolicy   `json:"deletePolicy,omitempty"`
	LogWebhookEvents      bool           `json:"logWebhookEvents,omitempty"`
}

// EffectiveDeletePolicy falls back to the non-destructive policy.
func (s Settings) EffectiveDeletePolicy() DeletePolicy {
	if s.DeletePolicy == DeletePolicyDelete {
		return DeletePolicyDelete
	}
	return DeletePolicyDisconnect
}

type Filters struct {
	MinDealValue  *float64 `json:"minDealValue,omitempty"`
	AllowedStages []string `json:"allowedStages,omitempty"`
}

type MappingDirection string

const (
	MappingOutbound MappingDirection = "outbound"
	MappingInbound  MappingDirection = "inbound"
)

type FieldMapping struct {
	SourceField string           `json:"sourceField" validate:"required"`
	TargetField string           `json:"targetField" validate:"required"`
	Transform   string           `json:"transform,omitempty"`
	Direction   MappingDirection `json:"direction,omitempty" validate:"omitempty,oneof=outbound inbound"`
}

// AppliesTo treats an empty direction as outbound.
func (m FieldMapping) AppliesTo(direction MappingDirection) bool {
	if m.Direction == "" {
		return direction == MappingOutbound
	}
	return m.Direction == direction
}

type AuditEntry struct {
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	Details   string    `json:"details,omitempty"`
}

// AppendAudit adds an entry and drops the oldest ones past MaxAuditEntries.
func (c *Credential) AppendAudit(entry AuditEntry) {
	c.AuditLog = append(c.AuditLog, entry)
	if overflow := len(c.AuditLog) - MaxAuditEntries; overflow > 0 {
		c.AuditLog = append([]AuditEntry(nil), c.AuditLog[overflow:]...)
	}
}

func (c *Credential) IsActive() bool {
	return c.Status == CredentialStatusActive
}
