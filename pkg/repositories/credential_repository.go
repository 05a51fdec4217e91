package repositories

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const credentialsTable = "credentials"

type credentialRow struct {
	ID              uuid.UUID                           `db:"id"`
	UserID          string                              `db:"user_id"`
	IntegrationType string                              `db:"integration_type"`
	Status          string                              `db:"status"`
	AuthPayload     database.JSONB[models.AuthPayload]  `db:"auth_payload"`
	Settings        database.JSONB[models.Settings]     `db:"settings"`
	LastError       string                              `db:"last_error"`
	AuditLog        database.JSONB[[]models.AuditEntry] `db:"audit_log"`
	ExpiresAt       sql.NullTime                        `db:"expires_at"`
	CreatedAt       time.Time                           `db:"created_at"`
	UpdatedAt       time.Time                           `db:"updated_at"`
}

func (r credentialRow) credential() *models.Credential {
	return &models.Credential{
		ID:              r.ID,
		UserID:          r.UserID,
		IntegrationType: models.IntegrationType(r.IntegrationType),
		Auth:            r.AuthPayload.Data,
		Settings:        r.Settings.Data,
		Status:          models.CredentialStatus(r.Status),
		LastError:       r.LastError,
		AuditLog:        r.AuditLog.Data,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

var credentialStruct = database.NewStruct(new(credentialRow))

// CredentialRepository keeps one row per (user_id, integration_type).
type CredentialRepository struct {
	*Repository
}

var _ CredentialStore = (*CredentialRepository)(nil)

func NewCredentialRepository(db database.DB, logger ectologger.Logger) *CredentialRepository {
	return &CredentialRepository{Repository: NewRepository(db, logger)}
}

func (r *CredentialRepository) Get(ctx context.Context, userID string, t models.IntegrationType) (*models.Credential, error) {
	ctx, span := tracing.StartSpan(ctx, "CredentialRepository.Get")
	defer span.End()

	sb := credentialStruct.SelectFrom(credentialsTable)
	sb.Where(sb.Equal("user_id", userID), sb.Equal("integration_type", string(t)))

	query, args := sb.Build()
	var row credentialRow
	l := lookup{
		what:     "credential",
		fields:   map[string]any{"user_id": userID, "integration_type": t},
		notFound: func() error { return CredentialNotFound(userID, t) },
	}
	if err := r.getOne(ctx, r.DB(ctx), l, &row, query, args...); err != nil {
		return nil, err
	}
	return row.credential(), nil
}

// Upsert inserts or replaces the credential for its (user, type) pair. The
// stored id of an existing row wins over the one on credential.
func (r *CredentialRepository) Upsert(ctx context.Context, credential *models.Credential) error {
	ctx, span := tracing.StartSpan(ctx, "CredentialRepository.Upsert")
	defer span.End()

	if credential.ID == uuid.Nil {
		credential.ID = uuid.New()
	}
	now := time.Now().UTC()
	if credential.CreatedAt.IsZero() {
		credential.CreatedAt = now
	}
	credential.UpdatedAt = now

	var expiresAt sql.NullTime
	if at, ok := credential.Auth.ExpiresAt(); ok {
		expiresAt = sql.NullTime{Time: at, Valid: true}
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(credentialsTable).
		Cols("id", "user_id", "integration_type", "status", "auth_payload", "settings", "last_error", "audit_log", "expires_at", "created_at", "updated_at").
		Values(
			credential.ID, credential.UserID, string(credential.IntegrationType), string(credential.Status),
			database.NewJSONB(credential.Auth), database.NewJSONB(credential.Settings), credential.LastError,
			database.NewJSONB(credential.AuditLog), expiresAt, credential.CreatedAt, credential.UpdatedAt,
		)
	ib.Upsert([]string{"user_id", "integration_type"},
		"status", "auth_payload", "settings", "last_error", "audit_log", "expires_at", "updated_at",
	).SQL("RETURNING id, created_at")

	query, args := ib.Build()
	var stored struct {
		ID        uuid.UUID `db:"id"`
		CreatedAt time.Time `db:"created_at"`
	}
	if err := r.DB(ctx).GetContext(ctx, &stored, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"user_id":          credential.UserID,
			"integration_type": credential.IntegrationType,
		}).Error("failed to upsert credential")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert credential")
	}
	credential.ID = stored.ID
	credential.CreatedAt = stored.CreatedAt

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"user_id":          credential.UserID,
		"integration_type": credential.IntegrationType,
		"status":           credential.Status,
	}).Debugf("Upserted %s", credentialsTable)
	return nil
}

func (r *CredentialRepository) Delete(ctx context.Context, userID string, t models.IntegrationType) error {
	ctx, span := tracing.StartSpan(ctx, "CredentialRepository.Delete")
	defer span.End()

	db := database.NewDeleteBuilder()
	db.DeleteFrom(credentialsTable).
		Where(db.Equal("user_id", userID), db.Equal("integration_type", string(t)))

	query, args := db.Build()
	result, err := r.DB(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("user_id", userID).Error("failed to delete credential")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete credential")
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return CredentialNotFound(userID, t)
	}
	return nil
}

func (r *CredentialRepository) ListExpiring(ctx context.Context, before time.Time) ([]models.Credential, error) {
	ctx, span := tracing.StartSpan(ctx, "CredentialRepository.ListExpiring")
	defer span.End()

	sb := credentialStruct.SelectFrom(credentialsTable)
	sb.Where(
		sb.Equal("status", string(models.CredentialStatusActive)),
		sb.IsNotNull("expires_at"),
		sb.LessEqualThan("expires_at", before),
	)
	sb.OrderBy("expires_at")

	query, args := sb.Build()
	var rows []credentialRow
	if err := r.DB(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list expiring credentials")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list expiring credentials")
	}

	credentials := make([]models.Credential, 0, len(rows))
	for _, row := range rows {
		credentials = append(credentials, *row.credential())
	}
	r.logger.WithContext(ctx).WithField("credential_count", len(credentials)).Debugf("Listed expiring %s", credentialsTable)
	return credentials, nil
}
