package adapters

import (
	"context"

	"github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/models"
)

// NoOAuth provides the OAuth half of Authenticator for adapters that log in instead.
type NoOAuth struct {
	IntegrationType models.IntegrationType
}

func (n NoOAuth) AuthorizationURL(string, string) (string, error) {
	return "", errors.Newf(errors.KindValidation, "%s does not use OAuth, connect with credentials instead", n.IntegrationType)
}

func (n NoOAuth) ExchangeCode(context.Context, string, string) (*Connection, error) {
	return nil, errors.Newf(errors.KindValidation, "%s does not use OAuth, connect with credentials instead", n.IntegrationType)
}

// NoLogin provides Login for OAuth adapters.
type NoLogin struct {
	IntegrationType models.IntegrationType
}

func (n NoLogin) Login(context.Context, ConnectRequest) (*Connection, error) {
	return nil, errors.Newf(errors.KindValidation, "%s connects through OAuth authorization", n.IntegrationType)
}
