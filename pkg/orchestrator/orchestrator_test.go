package orchestrator

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/adapters"
	"github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/expressions"
	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/mapping"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/repositories"
	"github.com/Ramsey-B/clover/pkg/repositories/memory"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

// fakeAdapter records calls; methods not overridden panic through the nil interface.
type fakeAdapter struct {
	adapters.Adapter
	mu       sync.Mutex
	creates  []map[string]any
	updates  map[string]map[string]any
	records  map[string]map[string]any
	failWith error
	nextID   int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{updates: map[string]map[string]any{}, records: map[string]map[string]any{}}
}

func (f *fakeAdapter) Type() models.IntegrationType { return models.IntegrationHubSpot }

func (f *fakeAdapter) ToExternal(c *models.Contract) map[string]any {
	return map[string]any{"dealname": c.Name, "amount": c.Amount}
}

func (f *fakeAdapter) FromExternal(record adapters.Record) models.ContractFields {
	return models.ContractFields{
		Name:    adapters.String(record.Fields["dealname"]),
		Amount:  adapters.Float(record.Fields["amount"]),
		Status:  models.ContractStatusActive,
		LocalID: adapters.String(record.Fields["clover_contract_id"]),
		Link:    models.ExternalLink{ExternalID: adapters.String(record.Fields["id"]), CompanyID: adapters.String(record.Fields["company"])},
	}
}

func (f *fakeAdapter) Create(ctx context.Context, _ *models.Credential, payload map[string]any) (models.ExternalLink, error) {
	if err := ctx.Err(); err != nil {
		return models.ExternalLink{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return models.ExternalLink{}, f.failWith
	}
	if payload["dealname"] == "reject me" {
		return models.ExternalLink{}, errors.New(errors.KindValidation, "dealname is invalid")
	}
	f.creates = append(f.creates, payload)
	f.nextID++
	return models.ExternalLink{ExternalID: fmt.Sprintf("DEAL-%d", f.nextID), CompanyID: "CO-1"}, nil
}

func (f *fakeAdapter) Update(ctx context.Context, _ *models.Credential, externalID string, payload map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.updates[externalID] = payload
	return nil
}

func (f *fakeAdapter) Fetch(_ context.Context, _ *models.Credential, externalID string) (*adapters.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fields, ok := f.records[externalID]
	if !ok {
		return nil, errors.Newf(errors.KindNotFound, "deal %s does not exist", externalID)
	}
	return &adapters.Record{Fields: fields}, nil
}

func (f *fakeAdapter) TestConnection(context.Context, *models.Credential) error {
	return f.failWith
}

type fakeCredentials struct {
	mu       sync.Mutex
	cred     models.Credential
	failOn   map[int]error
	calls    int
	audit    []models.AuditEntry
	onEnsure func()
}

func (f *fakeCredentials) EnsureValid(_ context.Context, userID string, t models.IntegrationType) (*models.Credential, error) {
	if f.onEnsure != nil {
		f.onEnsure()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.failOn[f.calls]; err != nil {
		return nil, err
	}
	cred := f.cred
	cred.UserID, cred.IntegrationType = userID, t
	return &cred, nil
}

func (f *fakeCredentials) RecordAudit(_ context.Context, _ *models.Credential, action string, success bool, details string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audit = append(f.audit, models.AuditEntry{Action: action, Success: success, Details: details})
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []kafka.SyncEvent
}

func (f *fakePublisher) PublishSyncEvent(_ context.Context, evt *kafka.SyncEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, *evt)
	return nil
}

type fakeNotifier struct {
	sent []SyncData
}

func (f *fakeNotifier) SendOutgoingWebhook(_ context.Context, _ *models.Credential, eventType string, data any) models.DeliveryResult {
	if eventType == EventContractSynced {
		f.sent = append(f.sent, data.(SyncData))
	}
	return models.DeliveryResult{Success: true, StatusCode: 200}
}

type harness struct {
	orchestrator *Orchestrator
	contracts    *memory.ContractStore
	adapter      *fakeAdapter
	credentials  *fakeCredentials
	events       *fakePublisher
	notifier     *fakeNotifier
	now          time.Time
}

// cancelAwareStore fails writes on a cancelled context the way a database
// transaction does.
type cancelAwareStore struct {
	*memory.ContractStore
}

func (s cancelAwareStore) UpdateByID(ctx context.Context, c *models.Contract) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.ContractStore.UpdateByID(ctx, c)
}

func (s cancelAwareStore) TransitionSyncState(ctx context.Context, id string, t models.IntegrationType, guard repositories.SyncGuard, update repositories.SyncUpdate) (*models.Contract, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.ContractStore.TransitionSyncState(ctx, id, t, guard, update)
}

func newHarness() *harness {
	h := &harness{
		contracts:   memory.NewContractStore(),
		adapter:     newFakeAdapter(),
		credentials: &fakeCredentials{cred: models.Credential{Status: models.CredentialStatusActive}, failOn: map[int]error{}},
		events:      &fakePublisher{},
		notifier:    &fakeNotifier{},
		now:         time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	h.orchestrator = New(
		cancelAwareStore{h.contracts},
		h.credentials,
		adapters.NewFactory(h.adapter),
		mapping.NewEngine(expressions.NewTransformEvaluator(), testLogger()),
		h.events,
		h.notifier,
		testLogger(),
		WithClock(func() time.Time { return h.now }),
	)
	return h
}

func (h *harness) put(id, name string, record *models.IntegrationRecord) {
	c := &models.Contract{ID: id, UserID: "u1", Name: name, Amount: 1000, Status: models.ContractStatusActive}
	if record != nil {
		c.SetIntegration(models.IntegrationHubSpot, *record)
	}
	h.contracts.Put(c)
}

func (h *harness) integration(t *testing.T, id string) models.IntegrationRecord {
	t.Helper()
	c, err := h.contracts.FindByID(context.Background(), id)
	require.NoError(t, err)
	return c.Integration(models.IntegrationHubSpot)
}

func TestSyncOut(t *testing.T) {
	ctx := context.Background()

	t.Run("should create once and update afterwards", func(t *testing.T) {
		h := newHarness()
		h.put("c-1", "MSA", nil)

		contract, err := h.orchestrator.SyncOut(ctx, "c-1", "u1", models.IntegrationHubSpot)
		require.NoError(t, err)
		record := contract.Integration(models.IntegrationHubSpot)
		assert.Equal(t, "DEAL-1", record.Link.ExternalID)
		assert.Equal(t, "CO-1", record.Link.CompanyID)
		assert.Equal(t, models.SyncStatusSynced, record.Sync.Status)
		assert.Equal(t, models.SyncOutbound, record.Sync.LastSyncDirection)

		_, err = h.orchestrator.SyncOut(ctx, "c-1", "u1", models.IntegrationHubSpot)
		require.NoError(t, err)
		assert.Len(t, h.adapter.creates, 1)
		assert.Contains(t, h.adapter.updates, "DEAL-1")
		assert.Equal(t, "DEAL-1", h.integration(t, "c-1").Link.ExternalID)
	})

	t.Run("should apply outbound field mappings to the payload", func(t *testing.T) {
		h := newHarness()
		h.credentials.cred.Settings.FieldMappings = []models.FieldMapping{
			{SourceField: "amount", TargetField: "amount_cents", Transform: "value * 100"},
			{SourceField: "name", TargetField: "dealname", Direction: models.MappingInbound},
		}
		h.put("c-1", "MSA", nil)

		_, err := h.orchestrator.SyncOut(ctx, "c-1", "u1", models.IntegrationHubSpot)
		require.NoError(t, err)
		require.Len(t, h.adapter.creates, 1)
		assert.Equal(t, 100000.0, h.adapter.creates[0]["amount_cents"])
		assert.Equal(t, "MSA", h.adapter.creates[0]["dealname"])
	})

	t.Run("should keep the link and count the failure", func(t *testing.T) {
		h := newHarness()
		h.adapter.failWith = errors.New(errors.KindTransientNetwork, "hubspot unavailable")
		h.put("c-1", "MSA", &models.IntegrationRecord{
			Link: models.ExternalLink{ExternalID: "DEAL-9"},
			Sync: models.SyncState{Status: models.SyncStatusSynced, ErrorCount: 2},
		})

		_, err := h.orchestrator.SyncOut(ctx, "c-1", "u1", models.IntegrationHubSpot)
		assert.Equal(t, errors.KindTransientNetwork, errors.KindOf(err))

		record := h.integration(t, "c-1")
		assert.Equal(t, "DEAL-9", record.Link.ExternalID)
		assert.Equal(t, models.SyncStatusError, record.Sync.Status)
		assert.Equal(t, 3, record.Sync.ErrorCount)
		assert.Contains(t, record.Sync.ErrorMessage, "hubspot unavailable")

		require.NotEmpty(t, h.events.events)
		last := h.events.events[len(h.events.events)-1]
		assert.Equal(t, kafka.EventSyncFailed, last.Type)
		assert.Equal(t, string(errors.KindTransientNetwork), last.ErrorKind)
		assert.False(t, h.credentials.audit[len(h.credentials.audit)-1].Success)
		assert.Empty(t, h.notifier.sent)
	})

	t.Run("should keep the error count after a later success", func(t *testing.T) {
		h := newHarness()
		h.put("c-1", "MSA", &models.IntegrationRecord{
			Link: models.ExternalLink{ExternalID: "DEAL-9"},
			Sync: models.SyncState{Status: models.SyncStatusError, ErrorCount: 4, ErrorMessage: "boom"},
		})

		_, err := h.orchestrator.SyncOut(ctx, "c-1", "u1", models.IntegrationHubSpot)
		require.NoError(t, err)
		record := h.integration(t, "c-1")
		assert.Equal(t, 4, record.Sync.ErrorCount)
		assert.Empty(t, record.Sync.ErrorMessage)
	})

	t.Run("should reject a contract that is already syncing", func(t *testing.T) {
		h := newHarness()
		h.put("c-1", "MSA", &models.IntegrationRecord{Sync: models.SyncState{}.Started(h.now.Add(-time.Minute))})

		_, err := h.orchestrator.SyncOut(ctx, "c-1", "u1", models.IntegrationHubSpot)
		assert.Equal(t, errors.KindSyncInProgress, errors.KindOf(err))
		assert.Zero(t, h.contracts.Writes)
		assert.Empty(t, h.adapter.creates)
	})

	t.Run("should take over a sync that has been running too long", func(t *testing.T) {
		h := newHarness()
		h.put("c-1", "MSA", &models.IntegrationRecord{Sync: models.SyncState{}.Started(h.now.Add(-DefaultStaleSyncAfter))})

		contract, err := h.orchestrator.SyncOut(ctx, "c-1", "u1", models.IntegrationHubSpot)
		require.NoError(t, err)
		record := contract.Integration(models.IntegrationHubSpot)
		assert.Equal(t, models.SyncStatusSynced, record.Sync.Status)
		assert.Nil(t, record.Sync.StartedAt)
		assert.Len(t, h.adapter.creates, 1)
	})

	t.Run("should record the failure when the caller cancels mid-sync", func(t *testing.T) {
		h := newHarness()
		h.put("c-1", "MSA", &models.IntegrationRecord{Link: models.ExternalLink{ExternalID: "DEAL-9"}})
		cancelled, cancel := context.WithCancel(ctx)
		h.credentials.onEnsure = cancel

		_, err := h.orchestrator.SyncOut(cancelled, "c-1", "u1", models.IntegrationHubSpot)
		assert.ErrorIs(t, err, context.Canceled)

		record := h.integration(t, "c-1")
		assert.Equal(t, models.SyncStatusError, record.Sync.Status)
		assert.Equal(t, 1, record.Sync.ErrorCount)
		assert.Equal(t, "DEAL-9", record.Link.ExternalID)

		h.credentials.onEnsure = nil
		_, err = h.orchestrator.SyncOut(ctx, "c-1", "u1", models.IntegrationHubSpot)
		require.NoError(t, err)
		assert.Equal(t, models.SyncStatusSynced, h.integration(t, "c-1").Sync.Status)
	})

	t.Run("should not sync other users' contracts", func(t *testing.T) {
		h := newHarness()
		h.put("c-1", "MSA", nil)

		_, err := h.orchestrator.SyncOut(ctx, "c-1", "u2", models.IntegrationHubSpot)
		assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
		assert.Zero(t, h.contracts.Writes)
	})

	t.Run("should record credential failures on the sync state", func(t *testing.T) {
		h := newHarness()
		h.credentials.failOn[1] = errors.NotConfigured(string(models.IntegrationHubSpot))
		h.put("c-1", "MSA", nil)

		_, err := h.orchestrator.SyncOut(ctx, "c-1", "u1", models.IntegrationHubSpot)
		assert.Equal(t, errors.KindIntegrationNotConfigured, errors.KindOf(err))
		assert.Equal(t, models.SyncStatusError, h.integration(t, "c-1").Sync.Status)
		assert.Empty(t, h.credentials.audit)
	})

	t.Run("should notify the outbound webhook on success", func(t *testing.T) {
		h := newHarness()
		h.credentials.cred.Settings.OutboundWebhookURL = "https://hooks.example.com/clover"
		h.put("c-1", "MSA", nil)

		_, err := h.orchestrator.SyncOut(ctx, "c-1", "u1", models.IntegrationHubSpot)
		require.NoError(t, err)
		assert.Equal(t, []SyncData{{ContractID: "c-1", ExternalID: "DEAL-1", Direction: models.SyncOutbound, Created: true}}, h.notifier.sent)

		require.Len(t, h.events.events, 1)
		assert.Equal(t, kafka.EventSyncCompleted, h.events.events[0].Type)
		assert.Equal(t, "DEAL-1", h.events.events[0].ExternalID)
	})

	t.Run("should reject unsupported integration types", func(t *testing.T) {
		h := newHarness()
		_, err := h.orchestrator.SyncOut(ctx, "c-1", "u1", models.IntegrationSAPS4)
		assert.Equal(t, errors.KindValidation, errors.KindOf(err))
	})
}

func TestSyncIn(t *testing.T) {
	ctx := context.Background()

	t.Run("should create a contract for an unknown record", func(t *testing.T) {
		h := newHarness()
		h.adapter.records["DEAL-5"] = map[string]any{"id": "DEAL-5", "dealname": "Renewal", "amount": "2500", "company": "CO-7"}

		result, err := h.orchestrator.SyncIn(ctx, "DEAL-5", "u1", models.IntegrationHubSpot)
		require.NoError(t, err)
		assert.True(t, result.Created)
		assert.Equal(t, "Renewal", result.Contract.Name)
		assert.Equal(t, 2500.0, result.Contract.Amount)
		assert.Equal(t, "u1", result.Contract.UserID)

		record := result.Contract.Integration(models.IntegrationHubSpot)
		assert.Equal(t, models.ExternalLink{ExternalID: "DEAL-5", CompanyID: "CO-7"}, record.Link)
		assert.Equal(t, models.SyncStatusSynced, record.Sync.Status)
		assert.Equal(t, models.SyncInbound, record.Sync.LastSyncDirection)
		assert.Equal(t, 1, h.contracts.Len())
	})

	t.Run("should update the linked contract", func(t *testing.T) {
		h := newHarness()
		h.put("c-1", "Old name", &models.IntegrationRecord{Link: models.ExternalLink{ExternalID: "DEAL-5", AccountID: "A-1"}})
		h.adapter.records["DEAL-5"] = map[string]any{"id": "DEAL-5", "dealname": "New name", "amount": 99}

		result, err := h.orchestrator.SyncIn(ctx, "DEAL-5", "u1", models.IntegrationHubSpot)
		require.NoError(t, err)
		assert.False(t, result.Created)
		assert.Equal(t, "c-1", result.Contract.ID)
		assert.Equal(t, "New name", result.Contract.Name)
		assert.Equal(t, "A-1", result.Contract.Integration(models.IntegrationHubSpot).Link.AccountID)
		assert.Equal(t, 1, h.contracts.Len())
	})

	t.Run("should adopt the contract the record points back to", func(t *testing.T) {
		h := newHarness()
		h.put("c-1", "MSA", nil)
		h.adapter.records["DEAL-5"] = map[string]any{"id": "DEAL-5", "dealname": "MSA", "clover_contract_id": "c-1"}

		result, err := h.orchestrator.SyncIn(ctx, "DEAL-5", "u1", models.IntegrationHubSpot)
		require.NoError(t, err)
		assert.False(t, result.Created)
		assert.Equal(t, "DEAL-5", h.integration(t, "c-1").Link.ExternalID)
	})

	t.Run("should apply inbound overrides", func(t *testing.T) {
		h := newHarness()
		h.credentials.cred.Settings.FieldMappings = []models.FieldMapping{
			{SourceField: "region", TargetField: "custom.region", Transform: "upper(value)", Direction: models.MappingInbound},
			{SourceField: "dealname", TargetField: "description", Direction: models.MappingInbound},
		}
		h.adapter.records["DEAL-5"] = map[string]any{"id": "DEAL-5", "dealname": "MSA", "region": "emea"}

		result, err := h.orchestrator.SyncIn(ctx, "DEAL-5", "u1", models.IntegrationHubSpot)
		require.NoError(t, err)
		assert.Equal(t, "EMEA", result.Contract.Custom["region"])
		assert.Equal(t, "MSA", result.Contract.Description)
	})

	t.Run("should record a failed fetch on the linked contract", func(t *testing.T) {
		h := newHarness()
		h.put("c-1", "MSA", &models.IntegrationRecord{
			Link: models.ExternalLink{ExternalID: "DEAL-9"},
			Sync: models.SyncState{Status: models.SyncStatusSynced},
		})

		_, err := h.orchestrator.SyncIn(ctx, "DEAL-9", "u1", models.IntegrationHubSpot)
		assert.Equal(t, errors.KindNotFound, errors.KindOf(err))

		record := h.integration(t, "c-1")
		assert.Equal(t, models.SyncStatusError, record.Sync.Status)
		assert.Equal(t, models.SyncInbound, record.Sync.LastSyncDirection)
		assert.Equal(t, 1, record.Sync.ErrorCount)
		assert.Contains(t, record.Sync.ErrorMessage, "DEAL-9")
		assert.Equal(t, "DEAL-9", record.Link.ExternalID)
	})

	t.Run("should not fetch while the linked contract is syncing", func(t *testing.T) {
		h := newHarness()
		h.put("c-1", "MSA", &models.IntegrationRecord{
			Link: models.ExternalLink{ExternalID: "DEAL-5"},
			Sync: models.SyncState{}.Started(h.now),
		})
		h.adapter.records["DEAL-5"] = map[string]any{"id": "DEAL-5", "dealname": "New name"}

		_, err := h.orchestrator.SyncIn(ctx, "DEAL-5", "u1", models.IntegrationHubSpot)
		assert.Equal(t, errors.KindSyncInProgress, errors.KindOf(err))
		assert.Zero(t, h.credentials.calls)
	})

	t.Run("should surface missing records without writing", func(t *testing.T) {
		h := newHarness()
		_, err := h.orchestrator.SyncIn(ctx, "DEAL-404", "u1", models.IntegrationHubSpot)
		assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
		assert.Zero(t, h.contracts.Writes)
	})
}

func TestBulkSyncOut(t *testing.T) {
	ctx := context.Background()

	t.Run("should continue past record failures", func(t *testing.T) {
		h := newHarness()
		h.put("c-1", "MSA", nil)
		h.put("c-2", "reject me", nil)
		h.put("c-3", "NDA", nil)

		result, err := h.orchestrator.BulkSyncOut(ctx, []string{"c-1", "c-2", "c-3", "missing"}, "u1", models.IntegrationHubSpot)
		require.NoError(t, err)
		assert.Equal(t, []string{"c-1", "c-3"}, result.Success)
		require.Len(t, result.Failed, 2)
		assert.Equal(t, "c-2", result.Failed[0].ContractID)
		assert.Equal(t, errors.KindValidation, result.Failed[0].Kind)
		assert.Equal(t, errors.KindNotFound, result.Failed[1].Kind)
	})

	t.Run("should stop on a credential failure and return the partial result", func(t *testing.T) {
		h := newHarness()
		h.credentials.failOn[2] = errors.ReauthorizationRequired(string(models.IntegrationHubSpot), stderrors.New("invalid_grant"))
		h.put("c-1", "MSA", nil)
		h.put("c-2", "NDA", nil)
		h.put("c-3", "SOW", nil)

		result, err := h.orchestrator.BulkSyncOut(ctx, []string{"c-1", "c-2", "c-3"}, "u1", models.IntegrationHubSpot)
		assert.Equal(t, errors.KindReauthorizationRequired, errors.KindOf(err))
		require.NotNil(t, result)
		assert.Equal(t, []string{"c-1"}, result.Success)
		require.Len(t, result.Failed, 1)
		assert.Equal(t, "c-2", result.Failed[0].ContractID)
		assert.Equal(t, models.SyncStatusIdle, h.integration(t, "c-3").Sync.Status)
	})
}

func TestTestConnection(t *testing.T) {
	ctx := context.Background()

	t.Run("should report success and audit it", func(t *testing.T) {
		h := newHarness()
		result, err := h.orchestrator.TestConnection(ctx, "u1", models.IntegrationHubSpot)
		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.Equal(t, ActionTestConnection, h.credentials.audit[0].Action)
	})

	t.Run("should report API failures in the result", func(t *testing.T) {
		h := newHarness()
		h.adapter.failWith = errors.New(errors.KindReauthorizationRequired, "token rejected")
		result, err := h.orchestrator.TestConnection(ctx, "u1", models.IntegrationHubSpot)
		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Contains(t, result.Message, "token rejected")
	})

	t.Run("should report missing credentials in the result", func(t *testing.T) {
		h := newHarness()
		h.credentials.failOn[1] = errors.NotConfigured(string(models.IntegrationHubSpot))
		result, err := h.orchestrator.TestConnection(ctx, "u1", models.IntegrationHubSpot)
		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Empty(t, h.credentials.audit)
	})
}
