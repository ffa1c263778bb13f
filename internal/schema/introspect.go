// Package schema builds the table/column context handed to the translator.
package schema

import (
	"context"
	"database/sql"

	"datapilot/internal/domain"
	"datapilot/internal/pool"
)

// DefaultQuery lists user-visible columns in the public schema of a
// PostgreSQL target. It must yield (table, column, type) ordered by table.
const DefaultQuery = `SELECT table_name, column_name, data_type
FROM information_schema.columns
WHERE table_schema = 'public'
ORDER BY table_name, ordinal_position`

// Acquirer leases pool handles.
type Acquirer interface {
	Acquire(ctx context.Context, connectionID, tenantID string) (*pool.Handle, error)
}

// Introspector reads schema context through the pool manager, so it obeys
// the same tenant scoping, concurrency ceiling and statement timeout as user
// queries.
type Introspector struct {
	pool      Acquirer
	maxTables int
	query     string
}

var _ domain.SchemaProvider = (*Introspector)(nil)

// IntrospectorOption configures an Introspector.
type IntrospectorOption func(*Introspector)

// WithQuery replaces DefaultQuery.
func WithQuery(q string) IntrospectorOption {
	return func(i *Introspector) { i.query = q }
}

// NewIntrospector creates an Introspector. maxTables <= 0 means no limit.
func NewIntrospector(p Acquirer, maxTables int, opts ...IntrospectorOption) *Introspector {
	i := &Introspector{pool: p, maxTables: maxTables, query: DefaultQuery}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Describe implements domain.SchemaProvider.
func (i *Introspector) Describe(ctx context.Context, tenantID, connectionID string) (domain.SchemaContext, error) {
	h, err := i.pool.Acquire(ctx, connectionID, tenantID)
	if err != nil {
		return domain.SchemaContext{}, err
	}
	defer h.Release()

	var out domain.SchemaContext
	err = h.ReadOnly(ctx, i.query, nil, func(rows *sql.Rows) error {
		for rows.Next() {
			var table, column, typ string
			if err := rows.Scan(&table, &column, &typ); err != nil {
				return err
			}
			n := len(out.Tables)
			if n == 0 || out.Tables[n-1].Name != table {
				if i.maxTables > 0 && n == i.maxTables {
					return nil
				}
				out.Tables = append(out.Tables, domain.TableSchema{Name: table})
				n++
			}
			out.Tables[n-1].Columns = append(out.Tables[n-1].Columns, domain.ColumnSchema{Name: column, Type: typ})
		}
		return nil
	})
	if err != nil {
		return domain.SchemaContext{}, err
	}
	return out, nil
}
