package webhooks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/adapters"
	"github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/expressions"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/orchestrator"
	"github.com/Ramsey-B/clover/pkg/repositories"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Reasons reported on unhandled events.
const (
	ReasonUnknownEvent      = "unrecognized event"
	ReasonNoObjectID        = "event has no object id"
	ReasonNoLinkedContract  = "no contract is linked to the record"
	ReasonNoRelatedContract = "no contracts are linked to the related record"
)

// CredentialSource yields the user's credential with secrets opened.
type CredentialSource interface {
	EnsureValid(ctx context.Context, userID string, t models.IntegrationType) (*models.Credential, error)
}

// Syncer pulls external records into local contracts.
type Syncer interface {
	SyncIn(ctx context.Context, externalID, userID string, t models.IntegrationType) (*orchestrator.SyncInResult, error)
}

// EventLog records normalized events for users who enable webhook logging.
type EventLog interface {
	Append(ctx context.Context, event models.WebhookEvent) error
}

type IngestorOption func(*Ingestor)

func WithEventLog(log EventLog) IngestorOption {
	return func(i *Ingestor) { i.events = log }
}

func WithIngestorClock(now func() time.Time) IngestorOption {
	return func(i *Ingestor) { i.now = now }
}

// Ingestor normalizes inbound vendor events and routes them to the orchestrator.
type Ingestor struct {
	contracts   repositories.ContractStore
	credentials CredentialSource
	factory     *adapters.Factory
	syncer      Syncer
	selector    *expressions.Selector
	events      EventLog
	logger      ectologger.Logger
	now         func() time.Time
}

func NewIngestor(
	contracts repositories.ContractStore,
	credentials CredentialSource,
	factory *adapters.Factory,
	syncer Syncer,
	selector *expressions.Selector,
	logger ectologger.Logger,
	opts ...IngestorOption,
) *Ingestor {
	if selector == nil {
		selector = expressions.NewSelector()
	}
	i := &Ingestor{
		contracts:   contracts,
		credentials: credentials,
		factory:     factory,
		syncer:      syncer,
		selector:    selector,
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// HandleWebhook processes one vendor event for userID. Events that are
// unknown or filtered out return Handled=false with a reason and no error.
func (i *Ingestor) HandleWebhook(ctx context.Context, t models.IntegrationType, rawEventType string, payload map[string]any, userID string) (*models.WebhookResult, error) {
	ctx, span := tracing.StartSpan(ctx, "WebhookIngestor.HandleWebhook")
	defer span.End()

	log := i.logger.WithContext(ctx).WithFields(map[string]any{
		"user_id":          userID,
		"integration_type": t,
		"raw_event_type":   rawEventType,
	})

	adapter, err := i.factory.Get(t)
	if err != nil {
		return nil, err
	}

	event, ok := adapter.NormalizeWebhook(rawEventType, payload)
	if !ok {
		log.Debug("ignoring unrecognized webhook event")
		metrics.RecordWebhookReceived(string(t), rawEventType, false)
		return &models.WebhookResult{Reason: ReasonUnknownEvent}, nil
	}
	event.IntegrationType = t
	event.UserID = userID
	event.RawPayload = payload
	event.ReceivedAt = i.now().UTC()
	if event.RawEventType == "" {
		event.RawEventType = rawEventType
	}

	cred, err := i.credentials.EnsureValid(ctx, userID, t)
	if err != nil {
		tracing.RecordError(span, err)
		metrics.RecordWebhookReceived(string(t), string(event.CanonicalEventType), false)
		return nil, err
	}

	if cred.Settings.LogWebhookEvents && i.events != nil {
		if err := i.events.Append(ctx, event); err != nil {
			log.WithError(err).Warn("failed to log webhook event")
		}
	}

	result, err := i.dispatch(ctx, adapter, cred, event)
	if err != nil {
		tracing.RecordError(span, err)
		log.WithError(err).Error("failed to handle webhook event")
		metrics.RecordWebhookReceived(string(t), string(event.CanonicalEventType), false)
		return nil, err
	}

	metrics.RecordWebhookReceived(string(t), string(event.CanonicalEventType), result.Handled)
	log.WithFields(map[string]any{
		"event":   event.CanonicalEventType,
		"handled": result.Handled,
		"reason":  result.Reason,
	}).Info("handled webhook event")
	return result, nil
}

func (i *Ingestor) dispatch(ctx context.Context, adapter adapters.Adapter, cred *models.Credential, event models.WebhookEvent) (*models.WebhookResult, error) {
	if event.ObjectID == "" {
		return &models.WebhookResult{Reason: ReasonNoObjectID}, nil
	}

	switch {
	case event.CanonicalEventType == models.EventRecordDeleted:
		return i.recordDeleted(ctx, cred, event)
	case event.CanonicalEventType.IsRelated():
		return i.relatedChanged(ctx, cred, event)
	case event.CanonicalEventType == models.EventRecordCreated, event.CanonicalEventType == models.EventRecordUpdated:
		reason, err := i.filter(ctx, adapter, cred, event)
		if err != nil {
			return nil, err
		}
		if reason != "" {
			return &models.WebhookResult{Reason: reason}, nil
		}
		synced, err := i.syncer.SyncIn(ctx, event.ObjectID, cred.UserID, cred.IntegrationType)
		if err != nil {
			return nil, err
		}
		return &models.WebhookResult{Handled: true, ContractID: synced.Contract.ID, Created: synced.Created}, nil
	}
	return &models.WebhookResult{Reason: ReasonUnknownEvent}, nil
}

// recordDeleted applies the user's delete policy to the linked contract.
func (i *Ingestor) recordDeleted(ctx context.Context, cred *models.Credential, event models.WebhookEvent) (*models.WebhookResult, error) {
	contract, err := i.contracts.FindOne(ctx, repositories.ContractFilter{
		UserID:          cred.UserID,
		IntegrationType: cred.IntegrationType,
		ExternalID:      event.ObjectID,
	})
	if err != nil {
		if repositories.IsNotFound(err) {
			return &models.WebhookResult{Reason: ReasonNoLinkedContract}, nil
		}
		return nil, err
	}

	if cred.Settings.EffectiveDeletePolicy() == models.DeletePolicyDelete {
		if err := i.contracts.Delete(ctx, contract.ID); err != nil {
			return nil, err
		}
		return &models.WebhookResult{Handled: true, ContractID: contract.ID}, nil
	}

	_, err = i.contracts.TransitionSyncState(ctx, contract.ID, cred.IntegrationType, nil, func(r *models.IntegrationRecord) {
		r.Link = models.ExternalLink{}
		r.Sync = r.Sync.Disconnected()
	})
	if err != nil {
		return nil, err
	}
	return &models.WebhookResult{Handled: true, ContractID: contract.ID}, nil
}

// relatedChanged re-pulls every contract linked through the changed record.
// One failing contract does not stop the others.
func (i *Ingestor) relatedChanged(ctx context.Context, cred *models.Credential, event models.WebhookEvent) (*models.WebhookResult, error) {
	filter := repositories.ContractFilter{UserID: cred.UserID, IntegrationType: cred.IntegrationType}
	switch event.RelatedLink {
	case models.LinkAccount:
		filter.AccountID = event.ObjectID
	case models.LinkCompany:
		filter.CompanyID = event.ObjectID
	case models.LinkContact:
		filter.ContactID = event.ObjectID
	default:
		return nil, errors.Newf(errors.KindValidation, "related event %s names no link field", event.RawEventType).WithIntegration(string(cred.IntegrationType))
	}

	linked, err := i.contracts.Find(ctx, filter)
	if err != nil {
		return nil, err
	}

	result := &models.WebhookResult{}
	var lastErr error
	for _, contract := range linked {
		externalID := contract.Integration(cred.IntegrationType).Link.ExternalID
		if externalID == "" {
			continue
		}
		if _, err := i.syncer.SyncIn(ctx, externalID, cred.UserID, cred.IntegrationType); err != nil {
			if errors.KindOf(err).Fatal() {
				return nil, err
			}
			i.logger.WithContext(ctx).WithError(err).WithField("contract_id", contract.ID).Warn("failed to re-sync contract for related record")
			lastErr = err
			continue
		}
		result.ContractIDs = append(result.ContractIDs, contract.ID)
	}

	if len(result.ContractIDs) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		result.Reason = ReasonNoRelatedContract
		return result, nil
	}
	result.Handled = true
	return result, nil
}

// filter returns a non-empty reason when the user's filters reject the event.
// Amount and stage come from the payload when the adapter can locate them
// there, otherwise from the fetched record.
func (i *Ingestor) filter(ctx context.Context, adapter adapters.Adapter, cred *models.Credential, event models.WebhookEvent) (string, error) {
	filters := cred.Settings.Filters
	if filters.MinDealValue == nil && len(filters.AllowedStages) == 0 {
		return "", nil
	}

	paths := adapter.WebhookPaths()
	var (
		amount    *float64
		stage     string
		haveStage bool
	)
	if paths.Amount != "" {
		if v, ok, err := i.selector.SelectFloat(paths.Amount, event.RawPayload); err == nil && ok {
			amount = &v
		}
	}
	if paths.Stage != "" {
		if v, err := i.selector.SelectString(paths.Stage, event.RawPayload); err == nil && v != "" {
			stage, haveStage = v, true
		}
	}

	needAmount := filters.MinDealValue != nil && amount == nil
	needStage := len(filters.AllowedStages) > 0 && !haveStage
	if needAmount || needStage {
		record, err := adapter.Fetch(ctx, cred, event.ObjectID)
		if err != nil {
			return "", err
		}
		fields := adapter.FromExternal(*record)
		if needAmount {
			amount = fields.Amount
		}
		if needStage {
			stage = fields.ExternalStage
		}
	}

	if filters.MinDealValue != nil {
		if amount == nil {
			return "deal value is unknown", nil
		}
		if *amount < *filters.MinDealValue {
			return fmt.Sprintf("deal value %v is below the minimum %v", *amount, *filters.MinDealValue), nil
		}
	}
	if len(filters.AllowedStages) > 0 && !stageAllowed(filters.AllowedStages, stage, adapter.StatusFor(stage)) {
		return fmt.Sprintf("stage %q is not allowed", stage), nil
	}
	return "", nil
}

// stageAllowed matches the vendor stage or its local status, ignoring case.
func stageAllowed(allowed []string, stage string, status models.ContractStatus) bool {
	return ectolinq.Any(allowed, func(a string) bool {
		return strings.EqualFold(a, stage) || (status != models.ContractStatusUnknown && strings.EqualFold(a, string(status)))
	})
}
