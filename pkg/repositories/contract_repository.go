package repositories

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const contractsTable = "contracts"

type contractRow struct {
	ID        string                          `db:"id"`
	UserID    string                          `db:"user_id"`
	Document  database.JSONB[models.Contract] `db:"document"`
	CreatedAt time.Time                       `db:"created_at"`
	UpdatedAt time.Time                       `db:"updated_at"`
}

func (r contractRow) contract() *models.Contract {
	c := r.Document.Data
	c.ID = r.ID
	c.UserID = r.UserID
	c.CreatedAt = r.CreatedAt
	c.UpdatedAt = r.UpdatedAt
	return &c
}

var contractStruct = database.NewStruct(new(contractRow))

func contractLookup(id string) lookup {
	return lookup{
		what:     "contract",
		fields:   map[string]any{"contract_id": id},
		notFound: func() error { return ContractNotFound(id) },
	}
}

// ContractRepository stores each contract as one JSONB document.
type ContractRepository struct {
	*Repository
}

var _ ContractStore = (*ContractRepository)(nil)

func NewContractRepository(db database.DB, logger ectologger.Logger) *ContractRepository {
	return &ContractRepository{Repository: NewRepository(db, logger)}
}

func (r *ContractRepository) FindByID(ctx context.Context, id string) (*models.Contract, error) {
	ctx, span := tracing.StartSpan(ctx, "ContractRepository.FindByID")
	defer span.End()

	sb := contractStruct.SelectFrom(contractsTable)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var row contractRow
	if err := r.getOne(ctx, r.DB(ctx), contractLookup(id), &row, query, args...); err != nil {
		return nil, err
	}
	return row.contract(), nil
}

// linkCondition matches one id inside integrations.<type>.link.
func linkCondition(sb interface{ Var(any) string }, t models.IntegrationType, key, value string) string {
	return fmt.Sprintf("document #>> '{integrations,%s,link,%s}' = %s", t, key, sb.Var(value))
}

func (r *ContractRepository) selectFiltered(filter ContractFilter) (string, []any, error) {
	if filter.IntegrationType != "" && !filter.IntegrationType.Valid() {
		return "", nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "unknown integration type %q", filter.IntegrationType)
	}

	sb := contractStruct.SelectFrom(contractsTable)
	if filter.UserID != "" {
		sb.Where(sb.Equal("user_id", filter.UserID))
	}
	if filter.IntegrationType != "" {
		sb.Where(fmt.Sprintf("document -> 'integrations' ? %s", sb.Var(string(filter.IntegrationType))))
		for key, value := range map[string]string{
			"externalId": filter.ExternalID,
			"accountId":  filter.AccountID,
			"companyId":  filter.CompanyID,
			"contactId":  filter.ContactID,
		} {
			if value != "" {
				sb.Where(linkCondition(sb, filter.IntegrationType, key, value))
			}
		}
	}
	sb.OrderBy("created_at")
	query, args := sb.Build()
	return query, args, nil
}

func (r *ContractRepository) FindOne(ctx context.Context, filter ContractFilter) (*models.Contract, error) {
	ctx, span := tracing.StartSpan(ctx, "ContractRepository.FindOne")
	defer span.End()

	contracts, err := r.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(contracts) == 0 {
		return nil, httperror.NewHTTPError(http.StatusNotFound, "no contract matches the filter")
	}
	if len(contracts) > 1 {
		r.logger.WithContext(ctx).WithFields(map[string]any{
			"user_id":          filter.UserID,
			"integration_type": filter.IntegrationType,
			"external_id":      filter.ExternalID,
			"matches":          len(contracts),
		}).Warn("multiple contracts match a single-record filter, using the oldest")
	}
	return &contracts[0], nil
}

func (r *ContractRepository) Find(ctx context.Context, filter ContractFilter) ([]models.Contract, error) {
	ctx, span := tracing.StartSpan(ctx, "ContractRepository.Find")
	defer span.End()

	query, args, err := r.selectFiltered(filter)
	if err != nil {
		return nil, err
	}

	var rows []contractRow
	if err := r.DB(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("user_id", filter.UserID).Error("failed to list contracts")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list contracts")
	}

	contracts := make([]models.Contract, 0, len(rows))
	for _, row := range rows {
		contracts = append(contracts, *row.contract())
	}
	return contracts, nil
}

func (r *ContractRepository) Insert(ctx context.Context, contract *models.Contract) error {
	ctx, span := tracing.StartSpan(ctx, "ContractRepository.Insert")
	defer span.End()

	if contract.ID == "" {
		contract.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	contract.CreatedAt = now
	contract.UpdatedAt = now

	ib := database.NewInsertBuilder()
	ib.InsertInto(contractsTable).
		Cols("id", "user_id", "document", "created_at", "updated_at").
		Values(contract.ID, contract.UserID, database.NewJSONB(*contract), now, now)

	query, args := ib.Build()
	if _, err := r.DB(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("contract_id", contract.ID).Error("failed to insert contract")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert contract")
	}

	r.logger.WithContext(ctx).WithField("contract_id", contract.ID).Debugf("Inserted %s", contractsTable)
	return nil
}

func (r *ContractRepository) UpdateByID(ctx context.Context, contract *models.Contract) error {
	ctx, span := tracing.StartSpan(ctx, "ContractRepository.UpdateByID")
	defer span.End()

	contract.UpdatedAt = time.Now().UTC()

	ub := database.NewUpdateBuilder()
	ub.Update(contractsTable).
		Set(
			ub.Assign("document", database.NewJSONB(*contract)),
			ub.Assign("updated_at", contract.UpdatedAt),
		).
		Where(ub.Equal("id", contract.ID))

	query, args := ub.Build()
	result, err := r.DB(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("contract_id", contract.ID).Error("failed to update contract")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update contract")
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return ContractNotFound(contract.ID)
	}

	r.logger.WithContext(ctx).WithField("contract_id", contract.ID).Debugf("Updated %s", contractsTable)
	return nil
}

// TransitionSyncState locks the row with SELECT ... FOR UPDATE so concurrent
// transitions on the same contract serialize.
func (r *ContractRepository) TransitionSyncState(ctx context.Context, id string, t models.IntegrationType, guard SyncGuard, update SyncUpdate) (*models.Contract, error) {
	ctx, span := tracing.StartSpan(ctx, "ContractRepository.TransitionSyncState")
	defer span.End()

	var out *models.Contract
	err := database.WithTx(ctx, r.db, r.logger, nil, func(ctx context.Context, tx *sqlx.Tx) error {
		sb := contractStruct.SelectFrom(contractsTable)
		sb.Where(sb.Equal("id", id))
		sb.ForUpdate()

		query, args := sb.Build()
		var row contractRow
		if err := r.getOne(ctx, tx, contractLookup(id), &row, query, args...); err != nil {
			return err
		}

		contract := row.contract()
		record := contract.Integration(t)
		if !guard.Allows(record.Sync) {
			return SyncConflict(id, t, record.Sync.Status)
		}
		update(&record)
		contract.SetIntegration(t, record)

		if err := r.UpdateByID(ctx, contract); err != nil {
			return err
		}
		out = contract
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *ContractRepository) Delete(ctx context.Context, id string) error {
	ctx, span := tracing.StartSpan(ctx, "ContractRepository.Delete")
	defer span.End()

	db := database.NewDeleteBuilder()
	db.DeleteFrom(contractsTable).Where(db.Equal("id", id))

	query, args := db.Build()
	result, err := r.DB(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("contract_id", id).Error("failed to delete contract")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete contract")
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return ContractNotFound(id)
	}

	r.logger.WithContext(ctx).WithField("contract_id", id).Debugf("Deleted %s", contractsTable)
	return nil
}
