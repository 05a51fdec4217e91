// Package memory holds in-process stores used by tests and local runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/repositories"
)

type ContractStore struct {
	mu        sync.Mutex
	contracts map[string]*models.Contract
	now       func() time.Time

	// Writes counts successful mutations so tests can assert there were none.
	Writes int
}

var _ repositories.ContractStore = (*ContractStore)(nil)

func NewContractStore() *ContractStore {
	return &ContractStore{
		contracts: map[string]*models.Contract{},
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Put seeds a contract without counting a write.
func (s *ContractStore) Put(contract *models.Contract) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if contract.ID == "" {
		contract.ID = uuid.NewString()
	}
	s.contracts[contract.ID] = contract.Clone()
}

func (s *ContractStore) FindByID(_ context.Context, id string) (*models.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contracts[id]
	if !ok {
		return nil, repositories.ContractNotFound(id)
	}
	return c.Clone(), nil
}

func (s *ContractStore) FindOne(ctx context.Context, filter repositories.ContractFilter) (*models.Contract, error) {
	matches, err := s.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, repositories.ContractNotFound(filter.ExternalID)
	}
	return &matches[0], nil
}

func (s *ContractStore) Find(_ context.Context, filter repositories.ContractFilter) ([]models.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Contract
	for _, c := range s.contracts {
		if filter.Matches(c) {
			out = append(out, *c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *ContractStore) Insert(_ context.Context, contract *models.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if contract.ID == "" {
		contract.ID = uuid.NewString()
	}
	now := s.now()
	contract.CreatedAt = now
	contract.UpdatedAt = now
	s.contracts[contract.ID] = contract.Clone()
	s.Writes++
	return nil
}

func (s *ContractStore) UpdateByID(_ context.Context, contract *models.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contracts[contract.ID]; !ok {
		return repositories.ContractNotFound(contract.ID)
	}
	contract.UpdatedAt = s.now()
	s.contracts[contract.ID] = contract.Clone()
	s.Writes++
	return nil
}

func (s *ContractStore) TransitionSyncState(_ context.Context, id string, t models.IntegrationType, guard repositories.SyncGuard, update repositories.SyncUpdate) (*models.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.contracts[id]
	if !ok {
		return nil, repositories.ContractNotFound(id)
	}
	contract := stored.Clone()
	record := contract.Integration(t)
	if !guard.Allows(record.Sync) {
		return nil, repositories.SyncConflict(id, t, record.Sync.Status)
	}
	update(&record)
	contract.SetIntegration(t, record)
	contract.UpdatedAt = s.now()
	s.contracts[id] = contract
	s.Writes++
	return contract.Clone(), nil
}

func (s *ContractStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contracts[id]; !ok {
		return repositories.ContractNotFound(id)
	}
	delete(s.contracts, id)
	s.Writes++
	return nil
}

// Len returns the number of stored contracts.
func (s *ContractStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.contracts)
}
