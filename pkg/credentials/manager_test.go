package credentials

import (
	"context"
	stderrors "errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/adapters"
	"github.com/Ramsey-B/clover/pkg/crypto"
	"github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/expressions"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/repositories/memory"
)

// fakeAdapter implements the authentication half of an adapter; record
// methods are unused here and panic through the nil embedded interface.
type fakeAdapter struct {
	adapters.Adapter
	integrationType models.IntegrationType
	scheme          models.AuthScheme
	refresh         func(cred *models.Credential) (models.AuthPayload, error)
	refreshCalls    int
}

func (f *fakeAdapter) Type() models.IntegrationType { return f.integrationType }

func (f *fakeAdapter) Scheme() models.AuthScheme { return f.scheme }

func (f *fakeAdapter) AuthorizationURL(state, redirectURI string) (string, error) {
	return "https://login.example.com/authorize?state=" + url.QueryEscape(state) + "&redirect_uri=" + url.QueryEscape(redirectURI), nil
}

func (f *fakeAdapter) ExchangeCode(_ context.Context, code, _ string) (*adapters.Connection, error) {
	if code != "good-code" {
		return nil, errors.ReauthorizationRequired(string(f.integrationType), stderrors.New("invalid_grant"))
	}
	return &adapters.Connection{
		Auth: models.AuthPayload{Scheme: models.AuthSchemeOAuth, OAuth: &models.OAuthPayload{
			AccessToken: "access-1", RefreshToken: "refresh-1", ExpiresAt: time.Now().Add(time.Hour), InstanceURL: "https://acme.my.example.com",
		}},
	}, nil
}

func (f *fakeAdapter) Login(_ context.Context, req adapters.ConnectRequest) (*adapters.Connection, error) {
	if req.Password != "pw" {
		return nil, errors.New(errors.KindValidation, "login rejected")
	}
	return &adapters.Connection{
		Auth: models.AuthPayload{Scheme: models.AuthSchemeSession, Session: &models.SessionPayload{
			SessionID: "sess-1", Username: req.Username, Password: req.Password, ExpiresAt: time.Now().Add(30 * time.Minute),
		}},
		Settings: models.Settings{BaseURL: req.BaseURL, CompanyDatabase: req.CompanyDatabase},
	}, nil
}

func (f *fakeAdapter) Refresh(_ context.Context, cred *models.Credential) (models.AuthPayload, error) {
	f.refreshCalls++
	return f.refresh(cred)
}

type fixture struct {
	manager    *Manager
	store      *memory.CredentialStore
	salesforce *fakeAdapter
	sapB1      *fakeAdapter
	now        time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: memory.NewCredentialStore(),
		now:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.salesforce = &fakeAdapter{
		integrationType: models.IntegrationSalesforce,
		scheme:          models.AuthSchemeOAuth,
		refresh: func(cred *models.Credential) (models.AuthPayload, error) {
			return models.AuthPayload{Scheme: models.AuthSchemeOAuth, OAuth: &models.OAuthPayload{
				AccessToken: "refreshed", RefreshToken: cred.Auth.OAuth.RefreshToken, ExpiresAt: f.now.Add(2 * time.Hour),
			}}, nil
		},
	}
	f.sapB1 = &fakeAdapter{integrationType: models.IntegrationSAPB1, scheme: models.AuthSchemeSession}

	box, err := crypto.NewSecretBox("an-encryption-secret")
	require.NoError(t, err)
	clock := func() time.Time { return f.now }
	f.manager = NewManager(
		f.store,
		box,
		adapters.NewFactory(f.salesforce, f.sapB1),
		NewStateSigner("state-secret", 10*time.Minute, clock),
		ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}),
		WithClock(clock),
		WithTransformValidator(expressions.NewTransformEvaluator()),
	)
	return f
}

func (f *fixture) seedOAuth(t *testing.T, expiresIn time.Duration) *models.Credential {
	t.Helper()
	cred := &models.Credential{
		UserID:          "u1",
		IntegrationType: models.IntegrationSalesforce,
		Status:          models.CredentialStatusActive,
		Auth: models.AuthPayload{Scheme: models.AuthSchemeOAuth, OAuth: &models.OAuthPayload{
			AccessToken: "original", RefreshToken: "refresh-1", ExpiresAt: f.now.Add(expiresIn),
		}},
		Settings: models.Settings{BaseURL: "https://acme.my.example.com", OutboundWebhookSecret: "whsec"},
	}
	require.NoError(t, f.manager.save(context.Background(), cred))
	return cred
}

func TestEnsureValid(t *testing.T) {
	ctx := context.Background()

	t.Run("should refresh a token expiring in 4 minutes", func(t *testing.T) {
		f := newFixture(t)
		f.seedOAuth(t, 4*time.Minute)

		cred, err := f.manager.EnsureValid(ctx, "u1", models.IntegrationSalesforce)
		require.NoError(t, err)
		assert.Equal(t, 1, f.salesforce.refreshCalls)
		assert.Equal(t, "refreshed", cred.Auth.OAuth.AccessToken)
		assert.Equal(t, "refresh-1", cred.Auth.OAuth.RefreshToken)

		stored, err := f.manager.Get(ctx, "u1", models.IntegrationSalesforce)
		require.NoError(t, err)
		assert.Equal(t, "refreshed", stored.Auth.OAuth.AccessToken)
		require.NotEmpty(t, stored.AuditLog)
		last := stored.AuditLog[len(stored.AuditLog)-1]
		assert.Equal(t, ActionRefresh, last.Action)
		assert.True(t, last.Success)
	})

	t.Run("should not refresh a token expiring in 10 minutes", func(t *testing.T) {
		f := newFixture(t)
		f.seedOAuth(t, 10*time.Minute)

		cred, err := f.manager.EnsureValid(ctx, "u1", models.IntegrationSalesforce)
		require.NoError(t, err)
		assert.Equal(t, 0, f.salesforce.refreshCalls)
		assert.Equal(t, "original", cred.Auth.OAuth.AccessToken)
	})

	t.Run("should mark the credential expired when the grant is revoked", func(t *testing.T) {
		f := newFixture(t)
		f.seedOAuth(t, -time.Minute)
		f.salesforce.refresh = func(*models.Credential) (models.AuthPayload, error) {
			return models.AuthPayload{}, errors.ReauthorizationRequired(string(models.IntegrationSalesforce), stderrors.New("invalid_grant"))
		}

		_, err := f.manager.EnsureValid(ctx, "u1", models.IntegrationSalesforce)
		assert.Equal(t, errors.KindReauthorizationRequired, errors.KindOf(err))

		stored, err := f.manager.Get(ctx, "u1", models.IntegrationSalesforce)
		require.NoError(t, err)
		assert.Equal(t, models.CredentialStatusExpired, stored.Status)
		assert.Contains(t, stored.LastError, "invalid_grant")
		assert.False(t, stored.AuditLog[len(stored.AuditLog)-1].Success)

		_, err = f.manager.EnsureValid(ctx, "u1", models.IntegrationSalesforce)
		assert.Equal(t, errors.KindIntegrationDisabled, errors.KindOf(err))
		assert.Equal(t, 1, f.salesforce.refreshCalls)
	})

	t.Run("should keep the credential active on transient refresh failures", func(t *testing.T) {
		f := newFixture(t)
		f.seedOAuth(t, time.Minute)
		f.salesforce.refresh = func(*models.Credential) (models.AuthPayload, error) {
			return models.AuthPayload{}, errors.New(errors.KindTransientNetwork, "token endpoint unavailable")
		}

		_, err := f.manager.EnsureValid(ctx, "u1", models.IntegrationSalesforce)
		assert.Equal(t, errors.KindTransientNetwork, errors.KindOf(err))

		stored, err := f.manager.Get(ctx, "u1", models.IntegrationSalesforce)
		require.NoError(t, err)
		assert.Equal(t, models.CredentialStatusActive, stored.Status)
		assert.NotEmpty(t, stored.LastError)
	})

	t.Run("should report missing credentials as not configured", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.manager.EnsureValid(ctx, "nobody", models.IntegrationHubSpot)
		assert.Equal(t, errors.KindIntegrationNotConfigured, errors.KindOf(err))
	})

	t.Run("should refuse disconnected credentials", func(t *testing.T) {
		f := newFixture(t)
		f.seedOAuth(t, time.Hour)
		_, err := f.manager.Disconnect(ctx, "u1", models.IntegrationSalesforce)
		require.NoError(t, err)

		_, err = f.manager.EnsureValid(ctx, "u1", models.IntegrationSalesforce)
		assert.Equal(t, errors.KindIntegrationDisabled, errors.KindOf(err))
	})
}

func TestForceRefresh(t *testing.T) {
	t.Run("should refresh regardless of expiry", func(t *testing.T) {
		f := newFixture(t)
		cred := f.seedOAuth(t, time.Hour)

		refreshed, err := f.manager.ForceRefresh(context.Background(), cred)
		require.NoError(t, err)
		assert.Equal(t, "refreshed", refreshed.Auth.OAuth.AccessToken)
		assert.Equal(t, "original", cred.Auth.OAuth.AccessToken)
	})

	t.Run("should not retry expired credentials", func(t *testing.T) {
		f := newFixture(t)
		cred := f.seedOAuth(t, time.Hour)
		cred.Status = models.CredentialStatusExpired

		_, err := f.manager.ForceRefresh(context.Background(), cred)
		assert.Equal(t, errors.KindReauthorizationRequired, errors.KindOf(err))
		assert.Equal(t, 0, f.salesforce.refreshCalls)
	})
}

func TestSealing(t *testing.T) {
	t.Run("should store secrets sealed and return them opened", func(t *testing.T) {
		f := newFixture(t)
		f.seedOAuth(t, time.Hour)

		raw, err := f.store.Get(context.Background(), "u1", models.IntegrationSalesforce)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(raw.Auth.OAuth.AccessToken, "xc1:"))
		assert.True(t, strings.HasPrefix(raw.Auth.OAuth.RefreshToken, "xc1:"))
		assert.True(t, strings.HasPrefix(raw.Settings.OutboundWebhookSecret, "xc1:"))
		assert.Equal(t, "https://acme.my.example.com", raw.Settings.BaseURL)

		cred, err := f.manager.Get(context.Background(), "u1", models.IntegrationSalesforce)
		require.NoError(t, err)
		assert.Equal(t, "original", cred.Auth.OAuth.AccessToken)
		assert.Equal(t, "whsec", cred.Settings.OutboundWebhookSecret)
	})
}

func TestAuthorization(t *testing.T) {
	ctx := context.Background()

	authorize := func(t *testing.T, f *fixture) string {
		t.Helper()
		authURL, err := f.manager.InitiateAuthorization(ctx, "u1", models.IntegrationSalesforce, "https://clover.example.com/callback")
		require.NoError(t, err)
		parsed, err := url.Parse(authURL)
		require.NoError(t, err)
		return parsed.Query().Get("state")
	}

	t.Run("should store an active credential after the callback", func(t *testing.T) {
		f := newFixture(t)
		state := authorize(t, f)

		cred, err := f.manager.CompleteAuthorization(ctx, state, "good-code", "https://clover.example.com/callback")
		require.NoError(t, err)
		assert.Equal(t, "u1", cred.UserID)
		assert.Equal(t, models.CredentialStatusActive, cred.Status)
		assert.Equal(t, "access-1", cred.Auth.OAuth.AccessToken)
		assert.Equal(t, ActionAuthorize, cred.AuditLog[len(cred.AuditLog)-1].Action)
	})

	t.Run("should reactivate an expired credential and keep its settings", func(t *testing.T) {
		f := newFixture(t)
		seeded := f.seedOAuth(t, time.Hour)
		seeded.Status = models.CredentialStatusExpired
		require.NoError(t, f.manager.save(ctx, seeded))

		cred, err := f.manager.CompleteAuthorization(ctx, authorize(t, f), "good-code", "")
		require.NoError(t, err)
		assert.Equal(t, seeded.ID, cred.ID)
		assert.Equal(t, models.CredentialStatusActive, cred.Status)
		assert.Equal(t, "whsec", cred.Settings.OutboundWebhookSecret)
	})

	t.Run("should reject tampered or stale state", func(t *testing.T) {
		f := newFixture(t)
		state := authorize(t, f)

		_, err := f.manager.CompleteAuthorization(ctx, state+"x", "good-code", "")
		assert.Equal(t, errors.KindValidation, errors.KindOf(err))

		f.now = f.now.Add(11 * time.Minute)
		_, err = f.manager.CompleteAuthorization(ctx, state, "good-code", "")
		assert.Equal(t, errors.KindValidation, errors.KindOf(err))
	})

	t.Run("should not start OAuth for session integrations", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.manager.InitiateAuthorization(ctx, "u1", models.IntegrationSAPB1, "")
		assert.Equal(t, errors.KindValidation, errors.KindOf(err))
	})
}

func TestConnect(t *testing.T) {
	ctx := context.Background()

	t.Run("should log in and store the session", func(t *testing.T) {
		f := newFixture(t)
		cred, err := f.manager.Connect(ctx, "u1", models.IntegrationSAPB1, adapters.ConnectRequest{
			BaseURL: "https://b1.example.com:50000", Username: "manager", Password: "pw", CompanyDatabase: "SBODEMO",
		})
		require.NoError(t, err)
		assert.Equal(t, "sess-1", cred.Auth.Session.SessionID)
		assert.Equal(t, "SBODEMO", cred.Settings.CompanyDatabase)

		raw, err := f.store.Get(ctx, "u1", models.IntegrationSAPB1)
		require.NoError(t, err)
		assert.NotEqual(t, "pw", raw.Auth.Session.Password)
	})

	t.Run("should store nothing when the login fails", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.manager.Connect(ctx, "u1", models.IntegrationSAPB1, adapters.ConnectRequest{BaseURL: "https://b1.example.com", Username: "manager", Password: "bad"})
		assert.Equal(t, errors.KindValidation, errors.KindOf(err))

		_, err = f.manager.Get(ctx, "u1", models.IntegrationSAPB1)
		assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
	})

	t.Run("should send OAuth integrations to the authorization flow", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.manager.Connect(ctx, "u1", models.IntegrationSalesforce, adapters.ConnectRequest{})
		assert.Equal(t, errors.KindValidation, errors.KindOf(err))
	})
}

func TestSettingsAndRevoke(t *testing.T) {
	ctx := context.Background()

	t.Run("should replace settings and keep the connection details", func(t *testing.T) {
		f := newFixture(t)
		f.seedOAuth(t, time.Hour)

		minValue := 5000.0
		cred, err := f.manager.UpdateSettings(ctx, "u1", models.IntegrationSalesforce, models.Settings{
			Filters:       models.Filters{MinDealValue: &minValue},
			FieldMappings: []models.FieldMapping{{SourceField: "amount", TargetField: "Amount", Transform: "value * 100"}},
		})
		require.NoError(t, err)
		assert.Equal(t, "https://acme.my.example.com", cred.Settings.BaseURL)
		assert.Equal(t, 5000.0, *cred.Settings.Filters.MinDealValue)
	})

	t.Run("should keep webhook secrets that are left empty", func(t *testing.T) {
		f := newFixture(t)
		f.seedOAuth(t, time.Hour)

		_, err := f.manager.UpdateSettings(ctx, "u1", models.IntegrationSalesforce, models.Settings{
			OutboundWebhookURL:    "https://hooks.example.com/clover",
			OutboundWebhookSecret: "out-secret",
			InboundWebhookSecret:  "in-secret",
		})
		require.NoError(t, err)

		cred, err := f.manager.UpdateSettings(ctx, "u1", models.IntegrationSalesforce, models.Settings{
			OutboundWebhookURL:   "https://hooks.example.com/v2",
			InboundWebhookSecret: "rotated",
		})
		require.NoError(t, err)
		assert.Equal(t, "out-secret", cred.Settings.OutboundWebhookSecret)
		assert.Equal(t, "rotated", cred.Settings.InboundWebhookSecret)

		stored, err := f.store.Get(ctx, "u1", models.IntegrationSalesforce)
		require.NoError(t, err)
		assert.NotEqual(t, "out-secret", stored.Settings.OutboundWebhookSecret)
	})

	t.Run("should reject transforms that do not compile", func(t *testing.T) {
		f := newFixture(t)
		f.seedOAuth(t, time.Hour)

		_, err := f.manager.UpdateSettings(ctx, "u1", models.IntegrationSalesforce, models.Settings{
			FieldMappings: []models.FieldMapping{{SourceField: "amount", TargetField: "Amount", Transform: "value *"}},
		})
		assert.Equal(t, errors.KindValidation, errors.KindOf(err))
	})

	t.Run("should only allow destructive deletes with signed webhooks", func(t *testing.T) {
		f := newFixture(t)
		f.seedOAuth(t, time.Hour)

		_, err := f.manager.UpdateSettings(ctx, "u1", models.IntegrationSalesforce, models.Settings{DeletePolicy: models.DeletePolicyDelete})
		assert.Equal(t, errors.KindValidation, errors.KindOf(err))

		_, err = f.manager.UpdateSettings(ctx, "u1", models.IntegrationSalesforce, models.Settings{InboundWebhookSecret: "in-secret"})
		require.NoError(t, err)
		cred, err := f.manager.UpdateSettings(ctx, "u1", models.IntegrationSalesforce, models.Settings{DeletePolicy: models.DeletePolicyDelete})
		require.NoError(t, err)
		assert.Equal(t, models.DeletePolicyDelete, cred.Settings.EffectiveDeletePolicy())
	})

	t.Run("should hard delete on revoke", func(t *testing.T) {
		f := newFixture(t)
		f.seedOAuth(t, time.Hour)

		require.NoError(t, f.manager.Revoke(ctx, "u1", models.IntegrationSalesforce))
		_, err := f.store.Get(ctx, "u1", models.IntegrationSalesforce)
		assert.Error(t, err)
		assert.Equal(t, errors.KindIntegrationNotConfigured, errors.KindOf(f.manager.Revoke(ctx, "u1", models.IntegrationSalesforce)))
	})
}

func TestRefreshExpiring(t *testing.T) {
	t.Run("should refresh only credentials inside the window", func(t *testing.T) {
		f := newFixture(t)
		f.seedOAuth(t, 10*time.Minute)
		require.NoError(t, f.manager.save(context.Background(), &models.Credential{
			UserID:          "u2",
			IntegrationType: models.IntegrationSalesforce,
			Status:          models.CredentialStatusActive,
			Auth: models.AuthPayload{Scheme: models.AuthSchemeOAuth, OAuth: &models.OAuthPayload{
				AccessToken: "later", RefreshToken: "r2", ExpiresAt: f.now.Add(time.Hour),
			}},
		}))

		report, err := f.manager.RefreshExpiring(context.Background(), 15*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, RefreshReport{Refreshed: 1}, report)

		other, err := f.manager.Get(context.Background(), "u2", models.IntegrationSalesforce)
		require.NoError(t, err)
		assert.Equal(t, "later", other.Auth.OAuth.AccessToken)
	})
}

func TestRecordAudit(t *testing.T) {
	t.Run("should persist the entry", func(t *testing.T) {
		f := newFixture(t)
		cred := f.seedOAuth(t, time.Hour)

		require.NoError(t, f.manager.RecordAudit(context.Background(), cred, "sync.out", false, "boom"))
		stored, err := f.manager.Get(context.Background(), "u1", models.IntegrationSalesforce)
		require.NoError(t, err)
		last := stored.AuditLog[len(stored.AuditLog)-1]
		assert.Equal(t, "sync.out", last.Action)
		assert.False(t, last.Success)
		assert.Equal(t, "boom", last.Details)
		assert.True(t, f.now.Equal(last.Timestamp))
	})
}
