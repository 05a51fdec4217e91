package database

import (
	"fmt"
	"strings"

	"github.com/huandu/go-sqlbuilder"
)

// Builders are bound to the postgres flavor so placeholders render as $n.

func Excluded(column string) any {
	return sqlbuilder.Raw("EXCLUDED." + column)
}

type InsertBuilder struct {
	*sqlbuilder.InsertBuilder
}

func NewInsertBuilder() *InsertBuilder {
	return &InsertBuilder{sqlbuilder.PostgreSQL.NewInsertBuilder()}
}

// Upsert appends ON CONFLICT (conflict...) DO UPDATE, copying each of
// columns from the rejected row.
func (b *InsertBuilder) Upsert(conflict []string, columns ...string) *InsertBuilder {
	ub := NewUpdateBuilder()
	assignments := make([]string, 0, len(columns))
	for _, column := range columns {
		assignments = append(assignments, ub.Assign(column, Excluded(column)))
	}
	ub.Set(assignments...)
	b.SQL(fmt.Sprintf("ON CONFLICT (%s) DO UPDATE %s", strings.Join(conflict, ", "), b.Var(ub)))
	return b
}

type UpdateBuilder struct {
	*sqlbuilder.UpdateBuilder
}

func NewUpdateBuilder() *UpdateBuilder {
	return &UpdateBuilder{sqlbuilder.PostgreSQL.NewUpdateBuilder()}
}

type DeleteBuilder struct {
	*sqlbuilder.DeleteBuilder
}

func NewDeleteBuilder() *DeleteBuilder {
	return &DeleteBuilder{sqlbuilder.PostgreSQL.NewDeleteBuilder()}
}

type SelectBuilder struct {
	*sqlbuilder.SelectBuilder
}

func NewSelectBuilder() *SelectBuilder {
	return &SelectBuilder{sqlbuilder.PostgreSQL.NewSelectBuilder()}
}

// NewStruct binds a db-tagged row struct to the postgres flavor.
func NewStruct(v any) *sqlbuilder.Struct {
	return sqlbuilder.NewStruct(v).For(sqlbuilder.PostgreSQL)
}
