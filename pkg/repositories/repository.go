package repositories

import (
	"context"
	"database/sql"
	stderrors "errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/database"
)

// Repository is the shared base of the postgres stores.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// DB returns the ambient transaction when one is open, otherwise the pool.
func (r *Repository) DB(ctx context.Context) database.Queryer {
	return database.Executor(ctx, r.db)
}

// lookup names the row being fetched in logs and in the 500 message.
type lookup struct {
	what     string
	fields   map[string]any
	notFound func() error
}

// getOne scans a single row into dest. A miss becomes the lookup's not found
// error and any other failure is logged and hidden behind a 500.
func (r *Repository) getOne(ctx context.Context, q database.Queryer, l lookup, dest any, query string, args ...any) error {
	err := q.GetContext(ctx, dest, query, args...)
	if stderrors.Is(err, sql.ErrNoRows) {
		return l.notFound()
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(l.fields).Errorf("failed to get %s", l.what)
		return httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to get %s", l.what)
	}
	return nil
}
