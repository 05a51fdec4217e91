package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

type BulkFailure struct {
	ContractID string      `json:"contractId"`
	Error      string      `json:"error"`
	Kind       errors.Kind `json:"kind"`
}

type BulkResult struct {
	Success []string      `json:"success"`
	Failed  []BulkFailure `json:"failed"`
}

// BulkSyncOut runs SyncOut for each contract in order. Record failures are
// collected; a credential failure stops the batch and is returned with the
// partial result.
func (o *Orchestrator) BulkSyncOut(ctx context.Context, contractIDs []string, userID string, t models.IntegrationType) (*BulkResult, error) {
	ctx, span := tracing.StartSpan(ctx, "Orchestrator.BulkSyncOut",
		attribute.String("integration_type", string(t)),
		attribute.Int("batch_size", len(contractIDs)),
	)
	defer span.End()

	result := &BulkResult{Success: []string{}, Failed: []BulkFailure{}}
	for _, id := range contractIDs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if _, err := o.SyncOut(ctx, id, userID, t); err != nil {
			kind := errors.KindOf(err)
			result.Failed = append(result.Failed, BulkFailure{ContractID: id, Error: err.Error(), Kind: kind})
			if kind.Fatal() {
				o.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
					"user_id":          userID,
					"integration_type": t,
					"synced":           len(result.Success),
					"remaining":        len(contractIDs) - len(result.Success) - len(result.Failed),
				}).Warn("stopping bulk sync on credential failure")
				return result, err
			}
			continue
		}
		result.Success = append(result.Success, id)
	}

	o.logger.WithContext(ctx).WithFields(map[string]any{
		"user_id":          userID,
		"integration_type": t,
		"synced":           len(result.Success),
		"failed":           len(result.Failed),
	}).Info("bulk sync finished")
	return result, nil
}

type ConnectionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// TestConnection validates the stored credential with a cheap read against
// the external system. Credential and API failures are reported in the result.
func (o *Orchestrator) TestConnection(ctx context.Context, userID string, t models.IntegrationType) (*ConnectionResult, error) {
	ctx, span := tracing.StartSpan(ctx, "Orchestrator.TestConnection", attribute.String("integration_type", string(t)))
	defer span.End()

	adapter, err := o.adapters.Get(t)
	if err != nil {
		return nil, err
	}
	cred, err := o.credentials.EnsureValid(ctx, userID, t)
	if err != nil {
		return &ConnectionResult{Success: false, Message: err.Error()}, nil
	}

	result := &ConnectionResult{Success: true, Message: "connected to " + string(t)}
	if err := adapter.TestConnection(ctx, cred); err != nil {
		result = &ConnectionResult{Success: false, Message: err.Error()}
	}
	if err := o.credentials.RecordAudit(ctx, cred, ActionTestConnection, result.Success, result.Message); err != nil {
		o.logger.WithContext(ctx).WithError(err).Warn("failed to record connection test")
	}
	return result, nil
}
