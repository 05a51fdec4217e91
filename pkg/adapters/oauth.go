package adapters

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/Ramsey-B/clover/config"
	"github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/httpclient"
	"github.com/Ramsey-B/clover/pkg/models"
)

// OAuthFlow runs the authorization code and refresh token grants for one provider.
type OAuthFlow struct {
	integrationType models.IntegrationType
	config          oauth2.Config
	client          *httpclient.Client
	now             func() time.Time
	// defaultExpiry applies when the token response omits expires_in.
	defaultExpiry time.Duration
}

func NewOAuthFlow(t models.IntegrationType, provider config.Provider, style oauth2.AuthStyle, client *httpclient.Client, now func() time.Time, defaultExpiry time.Duration) *OAuthFlow {
	if now == nil {
		now = time.Now
	}
	return &OAuthFlow{
		integrationType: t,
		config: oauth2.Config{
			ClientID:     provider.ClientID,
			ClientSecret: provider.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   provider.AuthURL,
				TokenURL:  provider.TokenURL,
				AuthStyle: style,
			},
			Scopes: provider.Scopes,
		},
		client:        client,
		now:           now,
		defaultExpiry: defaultExpiry,
	}
}

func (f *OAuthFlow) withRedirect(redirectURI string) *oauth2.Config {
	cfg := f.config
	cfg.RedirectURL = redirectURI
	return &cfg
}

func (f *OAuthFlow) context(ctx context.Context) context.Context {
	if f.client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, f.client.HTTPClient())
}

func (f *OAuthFlow) AuthorizationURL(state, redirectURI string) (string, error) {
	if f.config.ClientID == "" || f.config.Endpoint.AuthURL == "" {
		return "", errors.NotConfigured(string(f.integrationType))
	}
	return f.withRedirect(redirectURI).AuthCodeURL(state, oauth2.AccessTypeOffline), nil
}

func (f *OAuthFlow) Exchange(ctx context.Context, code, redirectURI string) (*models.OAuthPayload, *oauth2.Token, error) {
	tok, err := f.withRedirect(redirectURI).Exchange(f.context(ctx), code)
	if err != nil {
		return nil, nil, f.classify(err, "authorization code exchange failed")
	}
	payload := f.payload(tok, "")
	return &payload, tok, nil
}

// Refresh exchanges refreshToken for a new access token. Providers that do
// not rotate refresh tokens keep the old one.
func (f *OAuthFlow) Refresh(ctx context.Context, current *models.OAuthPayload) (*models.OAuthPayload, *oauth2.Token, error) {
	if current == nil || current.RefreshToken == "" {
		return nil, nil, errors.ReauthorizationRequired(string(f.integrationType), stderrors.New("no refresh token on file"))
	}
	src := f.config.TokenSource(f.context(ctx), &oauth2.Token{RefreshToken: current.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, nil, f.classify(err, "token refresh failed")
	}
	payload := f.payload(tok, current.RefreshToken)
	if payload.InstanceURL == "" {
		payload.InstanceURL = current.InstanceURL
	}
	return &payload, tok, nil
}

func (f *OAuthFlow) payload(tok *oauth2.Token, previousRefresh string) models.OAuthPayload {
	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = f.now().Add(f.defaultExpiry)
	}
	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = previousRefresh
	}
	instanceURL, _ := tok.Extra("instance_url").(string)
	return models.OAuthPayload{
		AccessToken:  tok.AccessToken,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt.UTC(),
		InstanceURL:  instanceURL,
	}
}

// classify separates revoked grants from failures worth retrying later.
func (f *OAuthFlow) classify(err error, msg string) error {
	var rerr *oauth2.RetrieveError
	if stderrors.As(err, &rerr) {
		if rerr.ErrorCode == "invalid_grant" || rerr.ErrorCode == "invalid_client" || rerr.ErrorCode == "unauthorized_client" {
			return errors.ReauthorizationRequired(string(f.integrationType), err)
		}
		if rerr.Response != nil && rerr.Response.StatusCode < http.StatusInternalServerError {
			if rerr.Response.StatusCode == http.StatusBadRequest || rerr.Response.StatusCode == http.StatusUnauthorized {
				return errors.ReauthorizationRequired(string(f.integrationType), err)
			}
			return errors.Wrap(errors.KindValidation, err, msg).WithIntegration(string(f.integrationType))
		}
	}
	return errors.Wrap(errors.KindTransientNetwork, err, msg).WithIntegration(string(f.integrationType))
}

// BearerAuthorizer sets the OAuth access token on outgoing requests.
func BearerAuthorizer(req *http.Request, cred *models.Credential) error {
	if cred.Auth.OAuth == nil || cred.Auth.OAuth.AccessToken == "" {
		return errors.ReauthorizationRequired(string(cred.IntegrationType), stderrors.New("credential has no access token"))
	}
	req.Header.Set("Authorization", "Bearer "+cred.Auth.OAuth.AccessToken)
	return nil
}
