// Package query runs natural-language questions against tenant databases.
//
// One Execute call walks a fixed state machine:
//
//	Received -> Translating -> Validating -> Acquiring -> Executing -> Persisting -> Done
//
// Any failure jumps straight to Persisting with a classified error, so every
// accepted request ends with exactly one terminal query record. Failures of
// the record store or the credential vault are the exception: they abort the
// request with an UnavailableError and nothing more is written.
package query

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"datapilot/internal/domain"
	"datapilot/internal/metrics"
	"datapilot/internal/pool"
	"datapilot/internal/sqlguard"
)

// DefaultRowLimit caps the rows returned by one execution.
const DefaultRowLimit = 10000

// persistTimeout bounds the terminal write, which runs even after the
// caller has gone away.
const persistTimeout = 5 * time.Second

// Acquirer leases connection handles.
type Acquirer interface {
	Acquire(ctx context.Context, connectionID, tenantID string) (*pool.Handle, error)
}

// Validator decides whether SQL may run.
type Validator interface {
	Validate(sqlText string) sqlguard.Verdict
}

// ExecuteRequest is one natural-language question against a connection.
type ExecuteRequest struct {
	Question     string
	ConnectionID string
}

// Engine is the query execution engine.
type Engine struct {
	translator domain.Translator
	schema     domain.SchemaProvider
	validator  Validator
	pool       Acquirer
	records    domain.QueryRecordRepository
	rowLimit   int
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithRowLimit overrides DefaultRowLimit.
func WithRowLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.rowLimit = n
		}
	}
}

// WithClock overrides time.Now for durations and timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine.
func NewEngine(
	translator domain.Translator,
	schema domain.SchemaProvider,
	validator Validator,
	acquirer Acquirer,
	records domain.QueryRecordRepository,
	logger *slog.Logger,
	opts ...Option,
) *Engine {
	e := &Engine{
		translator: translator,
		schema:     schema,
		validator:  validator,
		pool:       acquirer,
		records:    records,
		rowLimit:   DefaultRowLimit,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute translates, validates and runs one question. A failed execution
// returns a *domain.QueryError carrying the id of the failed record.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) (*domain.QueryResult, error) {
	id, err := domain.RequireIdentity(ctx)
	if err != nil {
		return nil, err
	}
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, domain.ErrValidation("natural_language_query is required")
	}
	if strings.TrimSpace(req.ConnectionID) == "" {
		return nil, domain.ErrValidation("connection_id is required")
	}

	r, err := e.receive(ctx, id, &domain.QueryRecord{
		TenantID:     id.TenantID,
		UserID:       id.UserID,
		ConnectionID: &req.ConnectionID,
		Question:     question,
	})
	if err != nil {
		return nil, err
	}
	return e.drive(ctx, r, stateTranslating)
}

// Rerun executes the stored SQL of an earlier record as a new record. The
// translator is skipped; the validator is not.
func (e *Engine) Rerun(ctx context.Context, queryID string) (*domain.QueryResult, error) {
	id, err := domain.RequireIdentity(ctx)
	if err != nil {
		return nil, err
	}
	src, err := e.records.Get(ctx, queryID, id.TenantID)
	if err != nil {
		var nf *domain.NotFoundError
		if errors.As(err, &nf) {
			return nil, domain.ErrNotFound("query %q not found", queryID)
		}
		return nil, e.unavailable("load query record", queryID, err)
	}
	if src.UserID != id.UserID {
		return nil, domain.ErrNotFound("query %q not found", queryID)
	}
	if src.GeneratedSQL == nil || strings.TrimSpace(*src.GeneratedSQL) == "" || src.ConnectionID == nil {
		return nil, domain.ErrValidation("query %q has no SQL to re-run", queryID)
	}

	r, err := e.receive(ctx, id, &domain.QueryRecord{
		TenantID:      id.TenantID,
		UserID:        id.UserID,
		ConnectionID:  src.ConnectionID,
		Question:      src.Question,
		GeneratedSQL:  src.GeneratedSQL,
		SourceQueryID: &src.ID,
	})
	if err != nil {
		return nil, err
	}
	r.sql = *src.GeneratedSQL
	return e.drive(ctx, r, stateValidating)
}

// receive appends the pending record that every later state refers to.
func (e *Engine) receive(ctx context.Context, id domain.Identity, rec *domain.QueryRecord) (*run, error) {
	started := e.now()
	created, err := e.records.Append(ctx, rec)
	if err != nil {
		return nil, e.unavailable("append query record", "", err)
	}
	return &run{identity: id, record: created, started: started}, nil
}

// drive runs the state machine from the given state to Done. A panic in any
// state is converted into a failed record.
func (e *Engine) drive(ctx context.Context, r *run, from state) (res *domain.QueryResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("query execution panicked",
				"query_id", r.record.ID, "state", r.state.String(), "panic", p, "stack", string(debug.Stack()))
			r.release()
			r.fail(domain.NewQueryError(domain.KindExecutionFailed, "internal error while executing the query"))
			res, err = e.persist(ctx, r)
		}
	}()

	r.state = from
	for r.state != statePersisting {
		r.state = e.step(ctx, r)
	}
	return e.persist(ctx, r)
}

func (e *Engine) step(ctx context.Context, r *run) state {
	switch r.state {
	case stateTranslating:
		return e.translate(ctx, r)
	case stateValidating:
		return e.validate(r)
	case stateAcquiring:
		return e.acquire(ctx, r)
	case stateExecuting:
		return e.execute(ctx, r)
	default:
		r.fail(domain.NewQueryError(domain.KindExecutionFailed, "unexpected engine state %s", r.state))
		return statePersisting
	}
}

func (e *Engine) translate(ctx context.Context, r *run) state {
	schema, err := e.schema.Describe(ctx, r.identity.TenantID, *r.record.ConnectionID)
	if err != nil {
		return r.failWith(e.classify(err, domain.KindConnectionUnreachable, "could not read the connection's schema"))
	}
	text, err := e.translator.Translate(ctx, r.record.Question, schema)
	if err != nil {
		return r.failWith(e.classify(err, domain.KindTranslationFailed, "translator failed"))
	}
	if strings.TrimSpace(text) == "" {
		return r.failWith(domain.NewQueryError(domain.KindTranslationFailed, "the translator returned no SQL"))
	}
	r.sql = text
	return stateValidating
}

func (e *Engine) validate(r *run) state {
	r.record.GeneratedSQL = &r.sql
	v := e.validator.Validate(r.sql)
	r.record.Classification = v.Classification
	if !v.Allowed {
		metrics.ValidationRejections.Inc()
		e.logger.Info("generated SQL rejected", "query_id", r.record.ID, "reason", v.Reason)
		return r.failWith(domain.NewQueryError(domain.KindValidationRejected, "%s", v.Reason))
	}
	r.sql = v.NormalizedSQL
	r.record.GeneratedSQL = &r.sql
	return stateAcquiring
}

func (e *Engine) acquire(ctx context.Context, r *run) state {
	if err := e.records.MarkRunning(ctx, r.record.ID, r.identity.TenantID, r.sql, r.record.Classification); err != nil {
		return r.failWith(e.unavailable("mark query running", r.record.ID, err))
	}
	r.record.Status = domain.QueryStatusRunning

	h, err := e.pool.Acquire(ctx, *r.record.ConnectionID, r.identity.TenantID)
	if err != nil {
		return r.failWith(e.classify(err, domain.KindConnectionUnreachable, "could not obtain a connection"))
	}
	r.handle = h
	return stateExecuting
}

func (e *Engine) execute(ctx context.Context, r *run) state {
	defer r.release()

	var (
		columns   []string
		out       [][]interface{}
		truncated bool
	)
	err := r.handle.ReadOnly(ctx, r.sql, nil, func(rows *sql.Rows) error {
		cols, err := rows.Columns()
		if err != nil {
			return err
		}
		columns = cols
		for rows.Next() {
			if len(out) == e.rowLimit {
				truncated = true
				return nil
			}
			row, err := scanRow(rows, len(cols))
			if err != nil {
				return err
			}
			out = append(out, row)
		}
		return nil
	})
	if err != nil {
		return r.failWith(e.classify(err, domain.KindExecutionFailed, "the query failed"))
	}

	if out == nil {
		out = [][]interface{}{}
	}
	r.result = &domain.QueryResult{
		QueryID:        r.record.ID,
		SQL:            r.sql,
		Classification: r.record.Classification,
		Columns:        columns,
		Rows:           out,
		RowCount:       len(out),
		Truncated:      truncated,
	}
	return statePersisting
}

// scanRow reads one row, turning byte slices into strings for JSON.
func scanRow(rows *sql.Rows, n int) ([]interface{}, error) {
	vals := make([]interface{}, n)
	ptrs := make([]interface{}, n)
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	for i, v := range vals {
		if b, ok := v.([]byte); ok {
			vals[i] = string(b)
		}
	}
	return vals, nil
}

// persist writes the terminal record and builds the caller's outcome. The
// write is detached from ctx so a cancelled request is still recorded.
func (e *Engine) persist(ctx context.Context, r *run) (*domain.QueryResult, error) {
	r.state = stateDone
	elapsed := e.now().Sub(r.started)

	if r.fatal != nil {
		metrics.RecordQuery("aborted", "", elapsed)
		return nil, r.fatal
	}

	completed := e.now().UTC()
	rec := r.record
	rec.DurationMs = elapsed.Milliseconds()
	rec.CompletedAt = &completed
	if r.err != nil {
		kind := r.err.Kind
		msg := r.err.Error()
		rec.Status = domain.QueryStatusFailed
		rec.ErrorKind = &kind
		rec.ErrorMessage = &msg
	} else {
		rec.Status = domain.QueryStatusSuccess
		rec.RowCount = r.result.RowCount
		rec.Truncated = r.result.Truncated
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := e.records.Complete(pctx, rec); err != nil {
		var conflict *domain.ConflictError
		if !errors.As(err, &conflict) {
			metrics.RecordQuery("aborted", "", elapsed)
			return nil, e.unavailable("complete query record", rec.ID, err)
		}
		e.logger.Warn("query record already terminal", "query_id", rec.ID)
	}

	kind := ""
	if r.err != nil {
		kind = string(r.err.Kind)
	}
	metrics.RecordQuery(string(rec.Status), kind, elapsed)
	e.logger.Info("query finished",
		"query_id", rec.ID,
		"tenant_id", rec.TenantID,
		"connection_id", *rec.ConnectionID,
		"status", rec.Status,
		"kind", kind,
		"rows", rec.RowCount,
		"truncated", rec.Truncated,
		"duration_ms", rec.DurationMs,
	)

	if r.err != nil {
		if r.err.Err != nil {
			e.logger.Warn("query failed", "query_id", rec.ID, "kind", kind, "error", r.err.Err)
		}
		return nil, r.err.WithQueryID(rec.ID)
	}
	metrics.RowsReturned.Observe(float64(rec.RowCount))
	r.result.DurationMs = rec.DurationMs
	r.result.Status = domain.QueryStatusSuccess
	return r.result, nil
}

// classify turns a collaborator error into the failure recorded on the run.
// Infrastructure failures come back as fatal.
func (e *Engine) classify(err error, fallback domain.ErrorKind, message string) error {
	var (
		qe *domain.QueryError
		nf *domain.NotFoundError
		ue *domain.UnavailableError
	)
	switch {
	case errors.As(err, &ue):
		e.logger.Error("dependency unavailable", "error", err, "alert", true)
		return ue
	case errors.As(err, &qe):
		return qe
	case errors.As(err, &nf):
		return domain.WrapQueryError(domain.KindTenantMismatch, err, "connection not found")
	case errors.Is(err, context.Canceled):
		return domain.WrapQueryError(domain.KindCancelled, err, "request was cancelled")
	default:
		return domain.WrapQueryError(fallback, err, message)
	}
}

func (e *Engine) unavailable(op, queryID string, err error) error {
	e.logger.Error("query record store failure", "op", op, "query_id", queryID, "error", err, "alert", true)
	return domain.ErrUnavailable(err, "service unavailable")
}
