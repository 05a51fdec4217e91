// Package adapters defines the contract every external system implements and
// the helpers they share.
package adapters

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/apicaller"
	"github.com/Ramsey-B/clover/pkg/expressions"
	"github.com/Ramsey-B/clover/pkg/httpclient"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/ratelimit"
)

// Record is an external record together with its best-effort related record.
type Record struct {
	Fields  map[string]any
	Related map[string]any
}

// ConnectRequest carries the login details for session and API key systems.
type ConnectRequest struct {
	BaseURL         string `json:"baseUrl" validate:"required,url"`
	Username        string `json:"username"`
	Password        string `json:"password"`
	CompanyDatabase string `json:"companyDatabase"`
	APIKey          string `json:"apiKey"`
	APISecret       string `json:"apiSecret"`
}

// Connection is the outcome of an authorization or login.
type Connection struct {
	Auth     models.AuthPayload
	Settings models.Settings
}

// WebhookPaths are JMESPath expressions locating filter inputs inside a
// single inbound event payload. An empty path means the payload never carries it.
type WebhookPaths struct {
	Amount string
	Stage  string
}

// Authenticator covers the credential side of an adapter.
type Authenticator interface {
	Scheme() models.AuthScheme
	// AuthorizationURL is only supported by OAuth adapters.
	AuthorizationURL(state, redirectURI string) (string, error)
	ExchangeCode(ctx context.Context, code, redirectURI string) (*Connection, error)
	// Login establishes a session or validates a key for non-OAuth adapters.
	Login(ctx context.Context, req ConnectRequest) (*Connection, error)
	// Refresh renews the auth payload. Irrecoverable failures are KindReauthorizationRequired.
	Refresh(ctx context.Context, cred *models.Credential) (models.AuthPayload, error)
}

// RecordMapper converts between local contracts and external records without I/O.
type RecordMapper interface {
	ToExternal(contract *models.Contract) map[string]any
	FromExternal(record Record) models.ContractFields
	StageFor(status models.ContractStatus) string
	StatusFor(stage string) models.ContractStatus
}

type Adapter interface {
	Authenticator
	RecordMapper

	Type() models.IntegrationType
	// Create returns the link of the new record; ExternalID is always set.
	Create(ctx context.Context, cred *models.Credential, payload map[string]any) (models.ExternalLink, error)
	Update(ctx context.Context, cred *models.Credential, externalID string, payload map[string]any) error
	Fetch(ctx context.Context, cred *models.Credential, externalID string) (*Record, error)
	TestConnection(ctx context.Context, cred *models.Credential) error
	// NormalizeWebhook maps a vendor event onto the canonical vocabulary. ok is
	// false for events with no canonical meaning. A recognized event whose
	// payload lacks the record id is returned with an empty ObjectID.
	NormalizeWebhook(rawEventType string, payload map[string]any) (event models.WebhookEvent, ok bool)
	WebhookPaths() WebhookPaths
}

// Deps are the collaborators shared by every adapter.
type Deps struct {
	HTTPClient  *httpclient.Client
	Limiter     ratelimit.Limiter
	Refresher   apicaller.Refresher
	Selector    *expressions.Selector
	Logger      ectologger.Logger
	MaxAttempts int
	Sleep       apicaller.Sleeper
	Now         func() time.Time
}

func (d Deps) Clock() func() time.Time {
	if d.Now == nil {
		return time.Now
	}
	return d.Now
}

// Caller builds the retrying API caller for one adapter.
func (d Deps) Caller(t models.IntegrationType, authorize apicaller.Authorizer, baseURL func(*models.Credential) string) *apicaller.Caller {
	return apicaller.New(apicaller.Options{
		IntegrationType: t,
		Client:          d.HTTPClient,
		Authorize:       authorize,
		BaseURL:         baseURL,
		Refresher:       d.Refresher,
		Limiter:         d.Limiter,
		MaxAttempts:     d.MaxAttempts,
		Sleep:           d.Sleep,
		Logger:          d.Logger,
		Now:             d.Now,
	})
}
