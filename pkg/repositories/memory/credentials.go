package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/repositories"
)

type credentialKey struct {
	userID string
	t      models.IntegrationType
}

type CredentialStore struct {
	mu          sync.Mutex
	credentials map[credentialKey]*models.Credential
}

var _ repositories.CredentialStore = (*CredentialStore)(nil)

func NewCredentialStore() *CredentialStore {
	return &CredentialStore{credentials: map[credentialKey]*models.Credential{}}
}

func cloneCredential(c *models.Credential) *models.Credential {
	b, err := json.Marshal(c)
	if err != nil {
		return c
	}
	out := &models.Credential{}
	if err := json.Unmarshal(b, out); err != nil {
		return c
	}
	return out
}

func (s *CredentialStore) Get(_ context.Context, userID string, t models.IntegrationType) (*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[credentialKey{userID, t}]
	if !ok {
		return nil, repositories.CredentialNotFound(userID, t)
	}
	return cloneCredential(c), nil
}

func (s *CredentialStore) Upsert(_ context.Context, credential *models.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := credentialKey{credential.UserID, credential.IntegrationType}
	now := time.Now().UTC()
	if existing, ok := s.credentials[key]; ok {
		credential.ID = existing.ID
		credential.CreatedAt = existing.CreatedAt
	}
	if credential.ID == uuid.Nil {
		credential.ID = uuid.New()
	}
	if credential.CreatedAt.IsZero() {
		credential.CreatedAt = now
	}
	credential.UpdatedAt = now
	s.credentials[key] = cloneCredential(credential)
	return nil
}

func (s *CredentialStore) Delete(_ context.Context, userID string, t models.IntegrationType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := credentialKey{userID, t}
	if _, ok := s.credentials[key]; !ok {
		return repositories.CredentialNotFound(userID, t)
	}
	delete(s.credentials, key)
	return nil
}

func (s *CredentialStore) ListExpiring(_ context.Context, before time.Time) ([]models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Credential
	for _, c := range s.credentials {
		if !c.IsActive() {
			continue
		}
		expiresAt, ok := c.Auth.ExpiresAt()
		if ok && !expiresAt.After(before) {
			out = append(out, *cloneCredential(c))
		}
	}
	return out, nil
}
