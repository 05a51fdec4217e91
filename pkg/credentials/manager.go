// Package credentials owns the lifecycle of per-user integration credentials:
// authorization, storage with sealed secrets, refresh and the audit log.
package credentials

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/adapters"
	"github.com/Ramsey-B/clover/pkg/crypto"
	"github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/repositories"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// DefaultRefreshWindow is how close to expiry a token may get before EnsureValid refreshes it.
const DefaultRefreshWindow = 5 * time.Minute

// Audit actions.
const (
	ActionAuthorize      = "authorize"
	ActionConnect        = "connect"
	ActionRefresh        = "token.refresh"
	ActionDisconnect     = "disconnect"
	ActionUpdateSettings = "settings.update"
)

// TransformValidator rejects field mapping transforms that do not compile.
type TransformValidator interface {
	Validate(expression string) error
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithRefreshWindow(window time.Duration) Option {
	return func(m *Manager) { m.refreshWindow = window }
}

func WithTransformValidator(v TransformValidator) Option {
	return func(m *Manager) { m.transforms = v }
}

// Manager handles credential storage, validation and refresh
type Manager struct {
	store         repositories.CredentialStore
	encryptor     crypto.Encryptor
	adapters      *adapters.Factory
	state         *StateSigner
	transforms    TransformValidator
	logger        ectologger.Logger
	now           func() time.Time
	refreshWindow time.Duration
}

// NewManager creates a credential manager. The adapter factory may be set
// later with SetAdapters, since adapters refresh through the manager.
func NewManager(
	store repositories.CredentialStore,
	encryptor crypto.Encryptor,
	factory *adapters.Factory,
	state *StateSigner,
	logger ectologger.Logger,
	opts ...Option,
) *Manager {
	m := &Manager{
		store:         store,
		encryptor:     encryptor,
		adapters:      factory,
		state:         state,
		logger:        logger,
		now:           time.Now,
		refreshWindow: DefaultRefreshWindow,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) SetAdapters(factory *adapters.Factory) {
	m.adapters = factory
}

// Get loads and opens the credential for (userID, t).
func (m *Manager) Get(ctx context.Context, userID string, t models.IntegrationType) (*models.Credential, error) {
	ctx, span := tracing.StartSpan(ctx, "CredentialManager.Get")
	defer span.End()

	stored, err := m.store.Get(ctx, userID, t)
	if err != nil {
		return nil, err
	}
	cred, err := open(m.encryptor, stored)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	return cred, nil
}

// EnsureValid returns an active credential, refreshing it first when it
// expires within the refresh window.
func (m *Manager) EnsureValid(ctx context.Context, userID string, t models.IntegrationType) (*models.Credential, error) {
	ctx, span := tracing.StartSpan(ctx, "CredentialManager.EnsureValid")
	defer span.End()

	cred, err := m.Get(ctx, userID, t)
	if err != nil {
		if repositories.IsNotFound(err) {
			return nil, errors.NotConfigured(string(t))
		}
		return nil, err
	}
	if !cred.IsActive() {
		return nil, errors.Disabled(string(t), string(cred.Status))
	}
	if !cred.Auth.ExpiresWithin(m.now(), m.refreshWindow) {
		return cred, nil
	}

	m.logger.WithContext(ctx).WithFields(map[string]any{
		"user_id":          userID,
		"integration_type": t,
	}).Debug("credential expires soon, refreshing")
	return m.refresh(ctx, cred)
}

// ForceRefresh renews cred regardless of its expiry. The API caller uses it
// after the external system rejects a token.
func (m *Manager) ForceRefresh(ctx context.Context, cred *models.Credential) (*models.Credential, error) {
	ctx, span := tracing.StartSpan(ctx, "CredentialManager.ForceRefresh")
	defer span.End()

	if cred.Status == models.CredentialStatusExpired {
		return nil, errors.ReauthorizationRequired(string(cred.IntegrationType), nil)
	}
	return m.refresh(ctx, copyCredential(cred))
}

func (m *Manager) refresh(ctx context.Context, cred *models.Credential) (*models.Credential, error) {
	log := m.logger.WithContext(ctx).WithFields(map[string]any{
		"user_id":          cred.UserID,
		"integration_type": cred.IntegrationType,
	})

	adapter, err := m.adapters.Get(cred.IntegrationType)
	if err != nil {
		return nil, err
	}

	auth, err := adapter.Refresh(ctx, cred)
	if err != nil {
		cred.LastError = err.Error()
		status := "failed"
		if errors.Is(err, errors.KindReauthorizationRequired) {
			status = "reauthorization_required"
			cred.Status = models.CredentialStatusExpired
			log.WithError(err).Warn("credential can no longer be refreshed, marking expired")
		} else {
			log.WithError(err).Error("failed to refresh credential")
		}
		metrics.RecordTokenRefresh(string(cred.IntegrationType), status)
		cred.AppendAudit(models.AuditEntry{Action: ActionRefresh, Timestamp: m.now(), Success: false, Details: err.Error()})
		if serr := m.save(ctx, cred); serr != nil {
			log.WithError(serr).Error("failed to persist refresh failure")
		}
		return nil, err
	}

	metrics.RecordTokenRefresh(string(cred.IntegrationType), "success")
	cred.Auth = auth
	cred.Status = models.CredentialStatusActive
	cred.LastError = ""
	cred.AppendAudit(models.AuditEntry{Action: ActionRefresh, Timestamp: m.now(), Success: true})
	if err := m.save(ctx, cred); err != nil {
		return nil, err
	}
	log.Info("refreshed credential")
	return cred, nil
}

// RecordAudit appends an entry to cred's audit log and persists it.
func (m *Manager) RecordAudit(ctx context.Context, cred *models.Credential, action string, success bool, details string) error {
	ctx, span := tracing.StartSpan(ctx, "CredentialManager.RecordAudit")
	defer span.End()

	cred.AppendAudit(models.AuditEntry{Action: action, Timestamp: m.now(), Success: success, Details: details})
	return m.save(ctx, cred)
}

// InitiateAuthorization returns the provider consent URL for an OAuth integration.
func (m *Manager) InitiateAuthorization(ctx context.Context, userID string, t models.IntegrationType, redirectURI string) (string, error) {
	_, span := tracing.StartSpan(ctx, "CredentialManager.InitiateAuthorization")
	defer span.End()

	adapter, err := m.adapters.Get(t)
	if err != nil {
		return "", err
	}
	if adapter.Scheme() != models.AuthSchemeOAuth {
		return "", errors.Newf(errors.KindValidation, "%s does not use OAuth, connect it with credentials instead", t).WithIntegration(string(t))
	}
	state, err := m.state.Sign(userID, t)
	if err != nil {
		return "", err
	}
	return adapter.AuthorizationURL(state, redirectURI)
}

// CompleteAuthorization verifies state, exchanges code and stores an active credential.
func (m *Manager) CompleteAuthorization(ctx context.Context, state, code, redirectURI string) (*models.Credential, error) {
	ctx, span := tracing.StartSpan(ctx, "CredentialManager.CompleteAuthorization")
	defer span.End()

	claims, err := m.state.Verify(state)
	if err != nil {
		return nil, err
	}
	if code == "" {
		return nil, errors.New(errors.KindValidation, "authorization code is required")
	}
	adapter, err := m.adapters.Get(claims.IntegrationType)
	if err != nil {
		return nil, err
	}
	conn, err := adapter.ExchangeCode(ctx, code, redirectURI)
	if err != nil {
		m.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"user_id":          claims.UserID,
			"integration_type": claims.IntegrationType,
		}).Warn("authorization code exchange failed")
		return nil, err
	}
	return m.upsertConnection(ctx, claims.UserID, claims.IntegrationType, conn, ActionAuthorize)
}

// Connect logs in to a session or API key integration and stores the credential.
func (m *Manager) Connect(ctx context.Context, userID string, t models.IntegrationType, req adapters.ConnectRequest) (*models.Credential, error) {
	ctx, span := tracing.StartSpan(ctx, "CredentialManager.Connect")
	defer span.End()

	adapter, err := m.adapters.Get(t)
	if err != nil {
		return nil, err
	}
	if adapter.Scheme() == models.AuthSchemeOAuth {
		return nil, errors.Newf(errors.KindValidation, "%s uses OAuth, start the authorization flow instead", t).WithIntegration(string(t))
	}
	conn, err := adapter.Login(ctx, req)
	if err != nil {
		return nil, err
	}
	return m.upsertConnection(ctx, userID, t, conn, ActionConnect)
}

// upsertConnection saves conn as the active credential for (userID, t), keeping the
// settings and audit history of any previous connection.
func (m *Manager) upsertConnection(ctx context.Context, userID string, t models.IntegrationType, conn *adapters.Connection, action string) (*models.Credential, error) {
	cred, err := m.Get(ctx, userID, t)
	switch {
	case repositories.IsNotFound(err):
		cred = &models.Credential{UserID: userID, IntegrationType: t, Settings: conn.Settings}
	case err != nil:
		return nil, err
	}
	if conn.Settings.BaseURL != "" {
		cred.Settings.BaseURL = conn.Settings.BaseURL
	}
	if conn.Settings.CompanyDatabase != "" {
		cred.Settings.CompanyDatabase = conn.Settings.CompanyDatabase
	}
	cred.Auth = conn.Auth
	cred.Status = models.CredentialStatusActive
	cred.LastError = ""
	cred.AppendAudit(models.AuditEntry{Action: action, Timestamp: m.now(), Success: true})
	if err := m.save(ctx, cred); err != nil {
		return nil, err
	}
	m.logger.WithContext(ctx).WithFields(map[string]any{
		"user_id":          userID,
		"integration_type": t,
	}).Infof("%s credential connected", t)
	return cred, nil
}

// Revoke deletes the credential.
func (m *Manager) Revoke(ctx context.Context, userID string, t models.IntegrationType) error {
	ctx, span := tracing.StartSpan(ctx, "CredentialManager.Revoke")
	defer span.End()

	if err := m.store.Delete(ctx, userID, t); err != nil {
		if repositories.IsNotFound(err) {
			return errors.NotConfigured(string(t))
		}
		return err
	}
	return nil
}

// Disconnect drops the stored secrets but keeps settings and audit history.
func (m *Manager) Disconnect(ctx context.Context, userID string, t models.IntegrationType) (*models.Credential, error) {
	ctx, span := tracing.StartSpan(ctx, "CredentialManager.Disconnect")
	defer span.End()

	cred, err := m.existing(ctx, userID, t)
	if err != nil {
		return nil, err
	}
	cred.Auth = models.AuthPayload{Scheme: cred.Auth.Scheme}
	cred.Status = models.CredentialStatusDisconnected
	cred.AppendAudit(models.AuditEntry{Action: ActionDisconnect, Timestamp: m.now(), Success: true})
	if err := m.save(ctx, cred); err != nil {
		return nil, err
	}
	return cred, nil
}

// UpdateSettings replaces the user-editable settings. Connection details and
// webhook secrets default to the current ones when left empty.
func (m *Manager) UpdateSettings(ctx context.Context, userID string, t models.IntegrationType, settings models.Settings) (*models.Credential, error) {
	ctx, span := tracing.StartSpan(ctx, "CredentialManager.UpdateSettings")
	defer span.End()

	if m.transforms != nil {
		for i, fm := range settings.FieldMappings {
			if fm.Transform == "" {
				continue
			}
			if err := m.transforms.Validate(fm.Transform); err != nil {
				return nil, errors.Wrap(errors.KindValidation, err, fmt.Sprintf("fieldMappings[%d].transform is invalid", i))
			}
		}
	}
	if settings.DeletePolicy != "" && settings.DeletePolicy != models.DeletePolicyDisconnect && settings.DeletePolicy != models.DeletePolicyDelete {
		return nil, errors.Newf(errors.KindValidation, "unknown delete policy %q", settings.DeletePolicy)
	}

	cred, err := m.existing(ctx, userID, t)
	if err != nil {
		return nil, err
	}
	if settings.BaseURL == "" {
		settings.BaseURL = cred.Settings.BaseURL
	}
	if settings.CompanyDatabase == "" {
		settings.CompanyDatabase = cred.Settings.CompanyDatabase
	}
	if settings.OutboundWebhookSecret == "" {
		settings.OutboundWebhookSecret = cred.Settings.OutboundWebhookSecret
	}
	if settings.InboundWebhookSecret == "" {
		settings.InboundWebhookSecret = cred.Settings.InboundWebhookSecret
	}
	// Destructive deletes require signed webhooks.
	if settings.DeletePolicy == models.DeletePolicyDelete && settings.InboundWebhookSecret == "" {
		return nil, errors.New(errors.KindValidation, "deletePolicy delete requires an inboundWebhookSecret")
	}
	cred.Settings = settings
	cred.AppendAudit(models.AuditEntry{Action: ActionUpdateSettings, Timestamp: m.now(), Success: true})
	if err := m.save(ctx, cred); err != nil {
		return nil, err
	}
	return cred, nil
}

// RefreshReport summarizes one RefreshExpiring sweep.
type RefreshReport struct {
	Refreshed int `json:"refreshed"`
	Failed    int `json:"failed"`
}

// RefreshExpiring refreshes every active credential that lapses within window.
func (m *Manager) RefreshExpiring(ctx context.Context, window time.Duration) (RefreshReport, error) {
	ctx, span := tracing.StartSpan(ctx, "CredentialManager.RefreshExpiring")
	defer span.End()

	var report RefreshReport
	expiring, err := m.store.ListExpiring(ctx, m.now().Add(window))
	if err != nil {
		return report, err
	}
	for i := range expiring {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		cred, err := open(m.encryptor, &expiring[i])
		if err == nil {
			_, err = m.refresh(ctx, cred)
		}
		if err != nil {
			report.Failed++
			continue
		}
		report.Refreshed++
	}
	if len(expiring) > 0 {
		m.logger.WithContext(ctx).WithFields(map[string]any{
			"refreshed": report.Refreshed,
			"failed":    report.Failed,
		}).Info("refreshed expiring credentials")
	}
	return report, nil
}

func (m *Manager) existing(ctx context.Context, userID string, t models.IntegrationType) (*models.Credential, error) {
	cred, err := m.Get(ctx, userID, t)
	if repositories.IsNotFound(err) {
		return nil, errors.NotConfigured(string(t))
	}
	return cred, err
}

// save seals cred and writes it, copying store-assigned fields back.
func (m *Manager) save(ctx context.Context, cred *models.Credential) error {
	cred.UpdatedAt = m.now().UTC()
	sealed, err := seal(m.encryptor, cred)
	if err != nil {
		return err
	}
	if err := m.store.Upsert(ctx, sealed); err != nil {
		return err
	}
	cred.ID = sealed.ID
	cred.CreatedAt = sealed.CreatedAt
	return nil
}
