// Package adapterstest builds adapter dependencies against httptest servers.
package adapterstest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/adapters"
	"github.com/Ramsey-B/clover/pkg/apicaller"
	"github.com/Ramsey-B/clover/pkg/expressions"
	"github.com/Ramsey-B/clover/pkg/httpclient"
	"github.com/Ramsey-B/clover/pkg/models"
)

func Logger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

// Sleeps records requested waits without sleeping.
type Sleeps struct {
	mu    sync.Mutex
	Waits []time.Duration
}

func (s *Sleeps) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Waits = append(s.Waits, d)
	return nil
}

// Deps returns adapter dependencies that talk to server and never sleep.
func Deps(server *httptest.Server, refresher apicaller.Refresher, sleeps *Sleeps) adapters.Deps {
	if sleeps == nil {
		sleeps = &Sleeps{}
	}
	client := http.DefaultClient
	if server != nil {
		client = server.Client()
	}
	return adapters.Deps{
		HTTPClient: httpclient.NewClientFrom(client, Logger()),
		Refresher:  refresher,
		Selector:   expressions.NewSelector(),
		Logger:     Logger(),
		Sleep:      sleeps.Sleep,
	}
}

// OAuthCredential is an active OAuth credential for userID pointing at baseURL.
func OAuthCredential(t models.IntegrationType, userID, baseURL string) *models.Credential {
	return &models.Credential{
		UserID:          userID,
		IntegrationType: t,
		Status:          models.CredentialStatusActive,
		Auth: models.AuthPayload{Scheme: models.AuthSchemeOAuth, OAuth: &models.OAuthPayload{
			AccessToken:  "access-token",
			RefreshToken: "refresh-token",
			ExpiresAt:    time.Now().Add(time.Hour),
			InstanceURL:  baseURL,
		}},
		Settings: models.Settings{BaseURL: baseURL},
	}
}
