package repositories

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/models"
)

// ContractFilter selects contracts by owner and by one of the ids linked for
// IntegrationType. Empty fields do not constrain the match.
type ContractFilter struct {
	UserID          string
	IntegrationType models.IntegrationType
	ExternalID      string
	AccountID       string
	CompanyID       string
	ContactID       string
}

// SyncUpdate mutates one integration record inside a sync state transition.
type SyncUpdate func(record *models.IntegrationRecord)

// SyncGuard reports whether a transition may apply to the current sync state.
// It runs while the contract is locked. A nil guard accepts any state.
type SyncGuard func(state models.SyncState) bool

// FromStatus accepts only the listed statuses.
func FromStatus(statuses ...models.SyncStatus) SyncGuard {
	return func(state models.SyncState) bool {
		return models.ContainsStatus(statuses, state.Status)
	}
}

// Allows reports whether g accepts state.
func (g SyncGuard) Allows(state models.SyncState) bool {
	return g == nil || g(state)
}

// ContractStore persists local contract documents.
type ContractStore interface {
	FindByID(ctx context.Context, id string) (*models.Contract, error)
	FindOne(ctx context.Context, filter ContractFilter) (*models.Contract, error)
	Find(ctx context.Context, filter ContractFilter) ([]models.Contract, error)
	Insert(ctx context.Context, contract *models.Contract) error
	UpdateByID(ctx context.Context, contract *models.Contract) error
	// TransitionSyncState applies update to the contract's record for t only if
	// guard accepts its current sync state. A rejected state fails with
	// KindSyncInProgress and leaves the row untouched.
	TransitionSyncState(ctx context.Context, id string, t models.IntegrationType, guard SyncGuard, update SyncUpdate) (*models.Contract, error)
	Delete(ctx context.Context, id string) error
}

// CredentialStore persists credentials exactly as given; sealing is the caller's concern.
type CredentialStore interface {
	Get(ctx context.Context, userID string, t models.IntegrationType) (*models.Credential, error)
	Upsert(ctx context.Context, credential *models.Credential) error
	Delete(ctx context.Context, userID string, t models.IntegrationType) error
	// ListExpiring returns active credentials whose token or session lapses before the cutoff.
	ListExpiring(ctx context.Context, before time.Time) ([]models.Credential, error)
}

// IsNotFound reports whether err is a store miss.
func IsNotFound(err error) bool {
	return err != nil && httperror.IsHTTPError(err) && httperror.GetStatusCode(err) == http.StatusNotFound
}

func ContractNotFound(id string) error {
	return httperror.NewHTTPErrorf(http.StatusNotFound, "contract %s does not exist", id)
}

func CredentialNotFound(userID string, t models.IntegrationType) error {
	return httperror.NewHTTPErrorf(http.StatusNotFound, "%s credential for user %s does not exist", t, userID)
}

// SyncConflict is returned when a transition finds the record in an unexpected state.
func SyncConflict(id string, t models.IntegrationType, status models.SyncStatus) error {
	return errors.Newf(errors.KindSyncInProgress, "contract %s is %s with %s", id, status, t).WithIntegration(string(t))
}

// Matches reports whether c satisfies f.
func (f ContractFilter) Matches(c *models.Contract) bool {
	if f.UserID != "" && c.UserID != f.UserID {
		return false
	}
	if f.IntegrationType == "" {
		return true
	}
	if c.Integrations == nil || c.Integrations[f.IntegrationType] == nil {
		return false
	}
	link := c.Integrations[f.IntegrationType].Link
	if f.ExternalID != "" && link.ExternalID != f.ExternalID {
		return false
	}
	if f.AccountID != "" && link.AccountID != f.AccountID {
		return false
	}
	if f.CompanyID != "" && link.CompanyID != f.CompanyID {
		return false
	}
	if f.ContactID != "" && link.ContactID != f.ContactID {
		return false
	}
	return true
}
