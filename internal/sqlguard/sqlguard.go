// Package sqlguard decides whether candidate SQL may run against a tenant
// database.
//
// Candidate SQL is untrusted no matter where it came from: a translator
// response, a saved record being re-run, or a CLI argument all pass through
// the same checks. Validation is static. It scans and parses the text with
// the PostgreSQL parser (pg_query_go) and never executes anything.
package sqlguard

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"datapilot/internal/domain"
)

// DefaultMaxLength bounds the size of a statement accepted for validation.
const DefaultMaxLength = 64 * 1024

// Verdict is the outcome of validating one SQL string.
type Verdict struct {
	Allowed        bool
	NormalizedSQL  string
	Reason         string
	Classification domain.QueryClassification
}

// Err returns a ValidationRejected error for a rejected verdict, nil otherwise.
func (v Verdict) Err() error {
	if v.Allowed {
		return nil
	}
	return domain.NewQueryError(domain.KindValidationRejected, "%s", v.Reason)
}

func reject(format string, args ...interface{}) Verdict {
	return Verdict{
		Reason:         fmt.Sprintf(format, args...),
		Classification: domain.ClassificationRejected,
	}
}

// Option configures a Validator.
type Option func(*Validator)

// WithAllowedSchemas permits references to the named system schemas
// (e.g. "information_schema").
func WithAllowedSchemas(schemas ...string) Option {
	return func(v *Validator) {
		for _, s := range schemas {
			v.allowedSchemas[strings.ToLower(strings.TrimSpace(s))] = true
		}
	}
}

// WithMaxLength overrides DefaultMaxLength.
func WithMaxLength(n int) Option {
	return func(v *Validator) {
		if n > 0 {
			v.maxLength = n
		}
	}
}

// Validator applies the read-only statement policy. It is safe for
// concurrent use.
type Validator struct {
	allowedSchemas map[string]bool
	maxLength      int
}

// New creates a Validator.
func New(opts ...Option) *Validator {
	v := &Validator{
		allowedSchemas: make(map[string]bool),
		maxLength:      DefaultMaxLength,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate classifies sqlText as allowed or rejected. Allowed verdicts carry
// the deparsed statement, which is what callers should execute.
func (v *Validator) Validate(sqlText string) Verdict {
	sqlText = strings.TrimSpace(sqlText)
	if sqlText == "" {
		return reject("empty statement")
	}
	if len(sqlText) > v.maxLength {
		return reject("statement exceeds %d bytes", v.maxLength)
	}

	if verdict, ok := checkTokens(sqlText); !ok {
		return verdict
	}

	tree, err := pg_query.Parse(sqlText)
	if err != nil {
		return reject("could not parse SQL: %s", parseMessage(err))
	}
	if len(tree.Stmts) == 0 {
		return reject("empty statement")
	}
	if len(tree.Stmts) > 1 {
		return reject("only a single statement is allowed, found %d", len(tree.Stmts))
	}

	root := tree.Stmts[0].Stmt
	class := domain.ClassificationRead
	switch n := root.GetNode().(type) {
	case *pg_query.Node_SelectStmt:
	case *pg_query.Node_ExplainStmt:
		if reason := checkExplain(n.ExplainStmt); reason != "" {
			return reject("%s", reason)
		}
	default:
		return reject("only read-only statements (SELECT, WITH, EXPLAIN) are allowed")
	}

	ins := &inspector{allowedSchemas: v.allowedSchemas}
	ins.walk(root.ProtoReflect())
	if ins.reason != "" {
		return reject("%s", ins.reason)
	}
	if ins.aggregate {
		class = domain.ClassificationAggregate
	}

	normalized, err := pg_query.Deparse(tree)
	if err != nil {
		return reject("could not normalize SQL: %s", parseMessage(err))
	}
	return Verdict{Allowed: true, NormalizedSQL: normalized, Classification: class}
}

func checkExplain(stmt *pg_query.ExplainStmt) string {
	for _, opt := range stmt.GetOptions() {
		if def := opt.GetDefElem(); def != nil && strings.EqualFold(def.GetDefname(), "analyze") {
			return "EXPLAIN ANALYZE executes the statement and is not allowed"
		}
	}
	if _, ok := stmt.GetQuery().GetNode().(*pg_query.Node_SelectStmt); !ok {
		return "EXPLAIN is only allowed over a SELECT"
	}
	return ""
}

// parseMessage strips the parser's location noise from an error.
func parseMessage(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, "\n"); i > 0 {
		msg = msg[:i]
	}
	return msg
}
