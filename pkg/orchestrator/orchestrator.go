// Package orchestrator runs contract syncs between the local store and the
// external systems behind the adapters.
package orchestrator

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Ramsey-B/clover/pkg/adapters"
	"github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/mapping"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/repositories"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Audit actions.
const (
	ActionSyncOut        = "sync.out"
	ActionSyncIn         = "sync.in"
	ActionTestConnection = "connection.test"
)

// EventContractSynced is the outbound webhook sent after a successful sync in either direction.
const EventContractSynced = "contract.synced"

// CredentialSource hands out valid credentials and records what was done with them.
type CredentialSource interface {
	EnsureValid(ctx context.Context, userID string, t models.IntegrationType) (*models.Credential, error)
	RecordAudit(ctx context.Context, cred *models.Credential, action string, success bool, details string) error
}

// Notifier delivers outbound webhooks.
type Notifier interface {
	SendOutgoingWebhook(ctx context.Context, cred *models.Credential, eventType string, data any) models.DeliveryResult
}

type Option func(*Orchestrator)

// DefaultStaleSyncAfter is how long a sync may stay running before another
// sync takes it over.
const DefaultStaleSyncAfter = 15 * time.Minute

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithStaleSyncAfter sets the takeover timeout. Zero disables takeover.
func WithStaleSyncAfter(d time.Duration) Option {
	return func(o *Orchestrator) { o.staleAfter = d }
}

// Orchestrator coordinates credentials, adapters, field mappings and the contract store.
type Orchestrator struct {
	contracts   repositories.ContractStore
	credentials CredentialSource
	adapters    *adapters.Factory
	mapper      *mapping.Engine
	events      kafka.Publisher
	notifier    Notifier
	logger      ectologger.Logger
	now         func() time.Time
	staleAfter  time.Duration
}

func New(
	contracts repositories.ContractStore,
	credentials CredentialSource,
	factory *adapters.Factory,
	mapper *mapping.Engine,
	events kafka.Publisher,
	notifier Notifier,
	logger ectologger.Logger,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		contracts:   contracts,
		credentials: credentials,
		adapters:    factory,
		mapper:      mapper,
		events:      events,
		notifier:    notifier,
		logger:      logger,
		now:         time.Now,
		staleAfter:  DefaultStaleSyncAfter,
	}
	if o.events == nil {
		o.events = kafka.Noop{}
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SyncData is the payload of the contract.synced webhook.
type SyncData struct {
	ContractID string               `json:"contractId"`
	ExternalID string               `json:"externalId"`
	Direction  models.SyncDirection `json:"direction"`
	Created    bool                 `json:"created,omitempty"`
}

// SyncOut pushes a local contract to t, creating the external record the
// first time and updating it afterwards.
func (o *Orchestrator) SyncOut(ctx context.Context, contractID, userID string, t models.IntegrationType) (*models.Contract, error) {
	ctx, span := tracing.StartSpan(ctx, "Orchestrator.SyncOut",
		attribute.String("integration_type", string(t)),
		attribute.String("contract_id", contractID),
	)
	defer span.End()

	run := &attempt{integrationType: t, userID: userID, action: ActionSyncOut, direction: models.SyncOutbound, start: o.now()}
	log := o.logger.WithContext(ctx).WithFields(map[string]any{
		"user_id":          userID,
		"integration_type": t,
		"contract_id":      contractID,
	})

	adapter, err := o.adapters.Get(t)
	if err != nil {
		return nil, err
	}
	if _, err := o.owned(ctx, contractID, userID); err != nil {
		return nil, err
	}

	contract, err := o.begin(ctx, contractID, t)
	if err != nil {
		return nil, err
	}

	// Once the state is syncing it must reach synced or error even if the
	// caller goes away.
	persist := context.WithoutCancel(ctx)

	fail := func(err error) (*models.Contract, error) {
		tracing.RecordError(span, err)
		log.WithError(err).Warn("outbound sync failed")
		o.markFailed(persist, contractID, t, models.SyncOutbound, err)
		o.finish(persist, run, contract, false, err)
		return nil, err
	}

	cred, err := o.credentials.EnsureValid(ctx, userID, t)
	if err != nil {
		return fail(err)
	}
	run.cred = cred

	payload := adapter.ToExternal(contract)
	payload = o.mapper.ApplyMappings(ctx, contract.Document(), payload, mapping.Filter(cred.Settings.FieldMappings, models.MappingOutbound))

	link := contract.Integration(t).Link
	created := false
	if link.ExternalID != "" {
		if err := adapter.Update(ctx, cred, link.ExternalID, payload); err != nil {
			return fail(err)
		}
	} else {
		newLink, err := adapter.Create(ctx, cred, payload)
		if err != nil {
			return fail(err)
		}
		created = true
		// Persist the id before anything else can fail so a retry updates instead of duplicating.
		contract, err = o.contracts.TransitionSyncState(persist, contractID, t, repositories.FromStatus(models.SyncStatusSyncing), func(r *models.IntegrationRecord) {
			r.Link = r.Link.Merge(newLink)
		})
		if err != nil {
			return fail(err)
		}
		log.WithField("external_id", newLink.ExternalID).Info("created external record")
	}

	contract, err = o.contracts.TransitionSyncState(persist, contractID, t, repositories.FromStatus(models.SyncStatusSyncing), func(r *models.IntegrationRecord) {
		r.Sync = r.Sync.Succeeded(models.SyncOutbound, o.now().UTC())
	})
	if err != nil {
		return fail(err)
	}

	o.finish(persist, run, contract, created, nil)
	return contract, nil
}

// begin moves the contract's record for t to syncing. A sync left running
// longer than the stale timeout is taken over.
func (o *Orchestrator) begin(ctx context.Context, contractID string, t models.IntegrationType) (*models.Contract, error) {
	now := o.now().UTC()
	return o.contracts.TransitionSyncState(ctx, contractID, t, func(state models.SyncState) bool {
		if state.Status == models.SyncStatusSyncing && state.CanStart(now, o.staleAfter) {
			o.logger.WithContext(ctx).WithFields(map[string]any{
				"contract_id":      contractID,
				"integration_type": t,
			}).Warn("taking over a stale sync")
		}
		return state.CanStart(now, o.staleAfter)
	}, func(r *models.IntegrationRecord) {
		r.Sync = r.Sync.Started(now)
	})
}

// markFailed moves a running sync to error.
func (o *Orchestrator) markFailed(ctx context.Context, contractID string, t models.IntegrationType, direction models.SyncDirection, err error) {
	if _, serr := o.contracts.TransitionSyncState(ctx, contractID, t, repositories.FromStatus(models.SyncStatusSyncing), func(r *models.IntegrationRecord) {
		r.Sync = r.Sync.Failed(direction, err)
	}); serr != nil {
		o.logger.WithContext(ctx).WithError(serr).WithField("contract_id", contractID).Error("failed to record sync failure")
	}
}

// SyncInResult is the local contract written by SyncIn.
type SyncInResult struct {
	Contract *models.Contract `json:"contract"`
	Created  bool             `json:"created"`
}

// SyncIn pulls an external record into the local store, updating the linked
// contract or creating one. A contract already linked to the record is
// marked syncing before the fetch so a failed fetch is recorded on it.
func (o *Orchestrator) SyncIn(ctx context.Context, externalID, userID string, t models.IntegrationType) (*SyncInResult, error) {
	ctx, span := tracing.StartSpan(ctx, "Orchestrator.SyncIn",
		attribute.String("integration_type", string(t)),
		attribute.String("external_id", externalID),
	)
	defer span.End()

	run := &attempt{integrationType: t, userID: userID, action: ActionSyncIn, direction: models.SyncInbound, start: o.now()}
	log := o.logger.WithContext(ctx).WithFields(map[string]any{
		"user_id":          userID,
		"integration_type": t,
		"external_id":      externalID,
	})

	adapter, err := o.adapters.Get(t)
	if err != nil {
		return nil, err
	}

	persist := context.WithoutCancel(ctx)

	var contract *models.Contract
	fail := func(err error) (*SyncInResult, error) {
		tracing.RecordError(span, err)
		log.WithError(err).Warn("inbound sync failed")
		if contract != nil {
			o.markFailed(persist, contract.ID, t, models.SyncInbound, err)
		}
		o.finish(persist, run, contract, false, err)
		return nil, err
	}

	linked, err := o.findLinked(ctx, userID, t, externalID)
	if err != nil {
		return nil, err
	}
	if linked != nil {
		if contract, err = o.begin(ctx, linked.ID, t); err != nil {
			return nil, err
		}
	}

	cred, err := o.credentials.EnsureValid(ctx, userID, t)
	if err != nil {
		return fail(err)
	}
	run.cred = cred

	record, err := adapter.Fetch(ctx, cred, externalID)
	if err != nil {
		return fail(err)
	}
	fields, err := o.inboundFields(ctx, adapter, cred, *record)
	if err != nil {
		return fail(err)
	}
	if fields.Link.ExternalID == "" {
		fields.Link.ExternalID = externalID
	}

	if contract == nil {
		existing, err := o.linkedContract(ctx, userID, t, fields)
		if err != nil {
			return fail(err)
		}
		if existing == nil {
			created := o.newContract(userID, fields)
			created.SetIntegration(t, models.IntegrationRecord{
				Link: fields.Link,
				Sync: models.SyncState{}.Succeeded(models.SyncInbound, o.now().UTC()),
			})
			if err := o.contracts.Insert(persist, created); err != nil {
				return fail(err)
			}
			log.WithField("contract_id", created.ID).Info("created contract from external record")
			o.finish(persist, run, created, true, nil)
			return &SyncInResult{Contract: created, Created: true}, nil
		}
		started, err := o.begin(ctx, existing.ID, t)
		if err != nil {
			return fail(err)
		}
		contract = started
	}

	fields.ApplyTo(contract)
	integration := contract.Integration(t)
	integration.Link = fields.Link.Merge(integration.Link)
	contract.SetIntegration(t, integration)
	contract.UpdatedAt = o.now().UTC()
	if err := o.contracts.UpdateByID(persist, contract); err != nil {
		return fail(err)
	}

	synced, err := o.contracts.TransitionSyncState(persist, contract.ID, t, repositories.FromStatus(models.SyncStatusSyncing), func(r *models.IntegrationRecord) {
		r.Sync = r.Sync.Succeeded(models.SyncInbound, o.now().UTC())
	})
	if err != nil {
		return fail(err)
	}

	o.finish(persist, run, synced, false, nil)
	return &SyncInResult{Contract: synced, Created: false}, nil
}

// findLinked returns the contract whose link for t already points at
// externalID, or nil.
func (o *Orchestrator) findLinked(ctx context.Context, userID string, t models.IntegrationType, externalID string) (*models.Contract, error) {
	contract, err := o.contracts.FindOne(ctx, repositories.ContractFilter{UserID: userID, IntegrationType: t, ExternalID: externalID})
	if repositories.IsNotFound(err) {
		return nil, nil
	}
	return contract, err
}

// inboundFields runs the adapter's default mapping and then the user's inbound overrides.
func (o *Orchestrator) inboundFields(ctx context.Context, adapter adapters.Adapter, cred *models.Credential, record adapters.Record) (models.ContractFields, error) {
	fields := adapter.FromExternal(record)
	overrides := mapping.Filter(cred.Settings.FieldMappings, models.MappingInbound)
	if len(overrides) == 0 {
		return fields, nil
	}
	doc := o.mapper.ApplyMappings(ctx, record.Fields, fields.Map(), overrides)
	mapped, err := models.ContractFieldsFromMap(doc)
	if err != nil {
		return fields, errors.Wrap(errors.KindMapping, err, "inbound field mappings produced an invalid contract")
	}
	return mapped, nil
}

// linkedContract finds the contract linked to the record, falling back to the
// back-reference the record carries when no link exists yet.
func (o *Orchestrator) linkedContract(ctx context.Context, userID string, t models.IntegrationType, fields models.ContractFields) (*models.Contract, error) {
	contract, err := o.contracts.FindOne(ctx, repositories.ContractFilter{UserID: userID, IntegrationType: t, ExternalID: fields.Link.ExternalID})
	if err == nil {
		return contract, nil
	}
	if !repositories.IsNotFound(err) {
		return nil, err
	}
	if fields.LocalID == "" {
		return nil, nil
	}

	contract, err = o.contracts.FindByID(ctx, fields.LocalID)
	if repositories.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	linked := contract.Integration(t).Link.ExternalID
	if contract.UserID != userID || (linked != "" && linked != fields.Link.ExternalID) {
		return nil, nil
	}
	return contract, nil
}

func (o *Orchestrator) newContract(userID string, fields models.ContractFields) *models.Contract {
	now := o.now().UTC()
	contract := &models.Contract{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    models.ContractStatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	fields.ApplyTo(contract)
	return contract
}

// owned loads a contract and hides other users' contracts behind a not found.
func (o *Orchestrator) owned(ctx context.Context, contractID, userID string) (*models.Contract, error) {
	contract, err := o.contracts.FindByID(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if contract.UserID != userID {
		return nil, repositories.ContractNotFound(contractID)
	}
	return contract, nil
}

// attempt identifies one sync for finish.
type attempt struct {
	integrationType models.IntegrationType
	userID          string
	action          string
	direction       models.SyncDirection
	start           time.Time
	cred            *models.Credential
}

// finish records the outcome of a sync attempt in the audit log, metrics,
// Kafka and, on success, the outbound webhook.
func (o *Orchestrator) finish(ctx context.Context, a *attempt, contract *models.Contract, created bool, syncErr error) {
	duration := o.now().Sub(a.start)
	status := "success"
	if syncErr != nil {
		status = "error"
	}
	metrics.RecordSync(string(a.integrationType), string(a.direction), status, duration.Seconds())

	evt := &kafka.SyncEvent{
		Type:            kafka.EventSyncCompleted,
		UserID:          a.userID,
		IntegrationType: string(a.integrationType),
		Direction:       string(a.direction),
		Created:         created,
		DurationMs:      duration.Milliseconds(),
		Timestamp:       o.now().UTC(),
	}
	if contract != nil {
		evt.ContractID = contract.ID
		evt.ExternalID = contract.Integration(a.integrationType).Link.ExternalID
	}
	details := ""
	if syncErr != nil {
		evt.Type = kafka.EventSyncFailed
		evt.Error = syncErr.Error()
		evt.ErrorKind = string(errors.KindOf(syncErr))
		details = syncErr.Error()
	} else if evt.ContractID != "" {
		details = "contract " + evt.ContractID
	}

	if err := o.events.PublishSyncEvent(ctx, evt); err != nil {
		o.logger.WithContext(ctx).WithError(err).Warn("failed to publish sync event")
	}

	if a.cred == nil {
		return
	}
	if err := o.credentials.RecordAudit(ctx, a.cred, a.action, syncErr == nil, details); err != nil {
		o.logger.WithContext(ctx).WithError(err).Warn("failed to record sync audit entry")
	}
	if syncErr == nil && o.notifier != nil && a.cred.Settings.OutboundWebhookURL != "" {
		o.notifier.SendOutgoingWebhook(ctx, a.cred, EventContractSynced, SyncData{
			ContractID: evt.ContractID,
			ExternalID: evt.ExternalID,
			Direction:  a.direction,
			Created:    created,
		})
	}
}
