package sqlguard

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datapilot/internal/domain"
)

func TestValidate_Allowed(t *testing.T) {
	t.Parallel()
	v := New()

	tests := []struct {
		name      string
		sql       string
		wantClass domain.QueryClassification
	}{
		{"simple select", "SELECT * FROM users;", domain.ClassificationRead},
		{"lower case", "select id, name from users where id = 1", domain.ClassificationRead},
		{"cte with count", "WITH recent AS (SELECT * FROM orders) SELECT count(*) FROM recent", domain.ClassificationAggregate},
		{"group by", "SELECT status, COUNT(*) FROM orders GROUP BY status", domain.ClassificationAggregate},
		{"explain", "EXPLAIN SELECT * FROM users", domain.ClassificationRead},
		{"keyword in string literal", "SELECT 'DROP TABLE users' AS label", domain.ClassificationRead},
		{"keyword as quoted identifier", `SELECT "update" FROM audit`, domain.ClassificationRead},
		{"leading comment", "-- latest users\nSELECT id FROM users", domain.ClassificationRead},
		{"window function", "SELECT id, row_number() OVER (ORDER BY id) FROM users", domain.ClassificationRead},
		{"join and subquery", "SELECT u.id FROM users u JOIN orders o ON o.user_id = u.id WHERE o.total > (SELECT 10)", domain.ClassificationRead},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := v.Validate(tt.sql)
			require.True(t, got.Allowed, "reason: %s", got.Reason)
			assert.Empty(t, got.Reason)
			assert.NotEmpty(t, got.NormalizedSQL)
			assert.Equal(t, tt.wantClass, got.Classification)
			assert.NoError(t, got.Err())
		})
	}
}

func TestValidate_NormalizesStatement(t *testing.T) {
	t.Parallel()
	got := New().Validate("  select *   from users ;  ")
	require.True(t, got.Allowed)
	assert.Equal(t, "SELECT * FROM users", got.NormalizedSQL)
}

func TestValidate_Rejected(t *testing.T) {
	t.Parallel()
	v := New()

	tests := []struct {
		name       string
		sql        string
		wantReason string
	}{
		{"empty", "   ", "empty statement"},
		{"comment only", "-- nothing here", "empty statement"},
		{"chained select", "SELECT 1; SELECT 2", "single statement"},
		{"chained drop", "SELECT 1; DROP TABLE users", "DROP"},
		{"drop", "DROP TABLE orders;", "must start with"},
		{"insert", "INSERT INTO t VALUES (1)", "must start with"},
		{"values", "VALUES (1)", "must start with"},
		{"create after comment", "/* c */ CREATE TABLE x (a int)", "must start with"},
		{"delete in cte", "WITH d AS (DELETE FROM orders RETURNING *) SELECT * FROM d", "DELETE"},
		{"update in cte", "WITH u AS (UPDATE orders SET total = 0 RETURNING *) SELECT * FROM u", "UPDATE"},
		{"select into", "SELECT * INTO backup FROM users", "SELECT INTO"},
		{"row lock", "SELECT * FROM users FOR SHARE", "locking"},
		{"explain analyze", "EXPLAIN ANALYZE SELECT * FROM users", "EXPLAIN ANALYZE"},
		{"explain execute", "EXPLAIN EXECUTE prepared_plan", "only allowed over a SELECT"},
		{"catalog schema", "SELECT * FROM pg_catalog.pg_user", "system schema pg_catalog"},
		{"catalog table", "SELECT usename, passwd FROM pg_shadow", "system catalog pg_shadow"},
		{"information schema", "SELECT table_name FROM information_schema.tables", "system schema information_schema"},
		{"sleep", "SELECT pg_sleep(10)", "pg_sleep"},
		{"qualified sleep", "SELECT pg_catalog.pg_sleep(10)", "pg_sleep"},
		{"dblink in from", "SELECT * FROM dblink('host=x', 'select 1') AS t(a int)", "dblink"},
		{"sequence mutation", "SELECT nextval('orders_id_seq')", "nextval"},
		{"query as string", "SELECT query_to_xml('select 1', true, true, '')", "query_to_xml"},
		{"parse error", "SELECT * FROM", "could not parse"},
		{"misspelled keyword", "SELEC * FROM users", "must start with"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := v.Validate(tt.sql)
			require.False(t, got.Allowed)
			assert.Contains(t, got.Reason, tt.wantReason)
			assert.Empty(t, got.NormalizedSQL)
			assert.Equal(t, domain.ClassificationRejected, got.Classification)

			err := got.Err()
			require.Error(t, err)
			assert.Equal(t, domain.KindValidationRejected, domain.KindOf(err))
		})
	}
}

func TestValidate_UnterminatedLiteral(t *testing.T) {
	t.Parallel()
	got := New().Validate("SELECT 'unterminated")
	assert.False(t, got.Allowed)
}

func TestValidate_SecondStatementAlwaysRejected(t *testing.T) {
	t.Parallel()
	v := New()

	leads := []string{
		"SELECT 1",
		"WITH a AS (SELECT 1 AS x) SELECT x FROM a",
		"EXPLAIN SELECT 1",
	}
	seconds := []string{"SELECT 2", "WITH b AS (SELECT 2) SELECT * FROM b", "EXPLAIN SELECT 2", "DROP TABLE t"}
	for _, lead := range leads {
		for _, second := range seconds {
			sql := lead + "; " + second
			assert.False(t, v.Validate(sql).Allowed, sql)
		}
	}
}

func TestValidate_MutatingKeywordAnywhere(t *testing.T) {
	t.Parallel()
	v := New()

	templates := []string{
		"SELECT * FROM t WHERE id IN (%s)",
		"WITH x AS (%s) SELECT * FROM x",
		"SELECT (%s) AS c",
		"SELECT * FROM t ORDER BY (%s)",
		"EXPLAIN %s",
	}
	fragments := []string{
		"INSERT INTO t VALUES (1) RETURNING id",
		"UPDATE t SET a = 1 RETURNING id",
		"DELETE FROM t RETURNING id",
		"DROP TABLE t",
		"ALTER TABLE t ADD COLUMN b int",
		"TRUNCATE t",
		"CREATE TABLE u (a int)",
		"GRANT SELECT ON t TO public",
		"REVOKE SELECT ON t FROM public",
	}
	for _, tmpl := range templates {
		for _, frag := range fragments {
			sql := fmt.Sprintf(tmpl, frag)
			got := v.Validate(sql)
			assert.False(t, got.Allowed, sql)
			assert.True(t, strings.Contains(got.Reason, "prohibited keyword"), "%s: %s", sql, got.Reason)
		}
	}
}

func TestValidate_AllowedSchemas(t *testing.T) {
	t.Parallel()

	sql := "SELECT table_name FROM information_schema.tables"
	assert.False(t, New().Validate(sql).Allowed)

	got := New(WithAllowedSchemas(" Information_Schema ")).Validate(sql)
	assert.True(t, got.Allowed, got.Reason)

	// Allow-listing one schema does not open the others.
	assert.False(t, New(WithAllowedSchemas("information_schema")).Validate("SELECT * FROM pg_catalog.pg_class").Allowed)
}

func TestValidate_MaxLength(t *testing.T) {
	t.Parallel()
	v := New(WithMaxLength(32))

	got := v.Validate("SELECT " + strings.Repeat("1 + ", 20) + "1")
	require.False(t, got.Allowed)
	assert.Contains(t, got.Reason, "exceeds 32 bytes")
	assert.True(t, v.Validate("SELECT 1").Allowed)
}
