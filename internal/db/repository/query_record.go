package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"datapilot/internal/domain"
)

var _ domain.QueryRecordRepository = (*QueryRecordRepo)(nil)

// QueryRecordRepo is the sqlite-backed query log.
type QueryRecordRepo struct {
	db *sql.DB
}

// NewQueryRecordRepo creates a new QueryRecordRepo.
func NewQueryRecordRepo(db *sql.DB) *QueryRecordRepo {
	return &QueryRecordRepo{db: db}
}

const queryRecordColumns = `id, tenant_id, user_id, connection_id, question, generated_sql, classification,
	status, row_count, truncated, duration_ms, error_kind, error_message, saved, title,
	source_query_id, created_at, completed_at`

// Append inserts a new pending record.
func (r *QueryRecordRepo) Append(ctx context.Context, rec *domain.QueryRecord) (*domain.QueryRecord, error) {
	if rec == nil {
		return nil, domain.ErrValidation("query record is required")
	}
	if rec.ID == "" {
		rec.ID = domain.NewID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = domain.QueryStatusPending
	}
	if rec.Classification == "" {
		rec.Classification = domain.ClassificationRejected
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO query_records (id, tenant_id, user_id, connection_id, question, generated_sql,
		                           classification, status, source_query_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.TenantID, rec.UserID, nullString(rec.ConnectionID), rec.Question,
		nullString(rec.GeneratedSQL), string(rec.Classification), string(rec.Status),
		nullString(rec.SourceQueryID), rec.CreatedAt.UTC())
	if err != nil {
		return nil, mapDBError(err)
	}
	return r.Get(ctx, rec.ID, rec.TenantID)
}

// MarkRunning moves a pending record to running and stores the SQL about to run.
func (r *QueryRecordRepo) MarkRunning(ctx context.Context, id, tenantID, sqlText string, class domain.QueryClassification) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE query_records SET status = ?, generated_sql = ?, classification = ?
		WHERE id = ? AND tenant_id = ? AND status = ?
	`, string(domain.QueryStatusRunning), sqlText, string(class), id, tenantID, string(domain.QueryStatusPending))
	if err != nil {
		return mapDBError(err)
	}
	return r.checkTransition(ctx, res, id, tenantID)
}

// Complete writes the terminal outcome. It fails with a ConflictError when the
// record is already terminal.
func (r *QueryRecordRepo) Complete(ctx context.Context, rec *domain.QueryRecord) error {
	if !rec.Status.Terminal() {
		return domain.ErrValidation("status %q is not terminal", rec.Status)
	}
	completed := time.Now().UTC()
	if rec.CompletedAt != nil {
		completed = rec.CompletedAt.UTC()
	}
	var kind sql.NullString
	if rec.ErrorKind != nil {
		kind = sql.NullString{String: string(*rec.ErrorKind), Valid: true}
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE query_records
		SET status = ?, generated_sql = ?, classification = ?, row_count = ?, truncated = ?,
		    duration_ms = ?, error_kind = ?, error_message = ?, completed_at = ?
		WHERE id = ? AND tenant_id = ? AND status IN (?, ?)
	`, string(rec.Status), nullString(rec.GeneratedSQL), string(rec.Classification), rec.RowCount,
		boolToInt(rec.Truncated), rec.DurationMs, kind, nullString(rec.ErrorMessage), completed,
		rec.ID, rec.TenantID, string(domain.QueryStatusPending), string(domain.QueryStatusRunning))
	if err != nil {
		return mapDBError(err)
	}
	return r.checkTransition(ctx, res, rec.ID, rec.TenantID)
}

// checkTransition distinguishes "no such record" from "record is not in a
// state that allows the transition" after a guarded UPDATE touched no rows.
func (r *QueryRecordRepo) checkTransition(ctx context.Context, res sql.Result, id, tenantID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	current, err := r.Get(ctx, id, tenantID)
	if err != nil {
		return err
	}
	return domain.ErrConflict("query %q is already %s", id, current.Status)
}

// List returns one page of a user's records, newest first, plus the total.
func (r *QueryRecordRepo) List(ctx context.Context, f domain.QueryRecordFilter) ([]domain.QueryRecord, int64, error) {
	where := `WHERE tenant_id = ? AND user_id = ?`
	args := []interface{}{f.TenantID, f.UserID}
	if f.SavedOnly {
		where += ` AND saved = 1`
	}

	var total int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM query_records `+where, args...).Scan(&total); err != nil {
		return nil, 0, mapDBError(err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+queryRecordColumns+`
		FROM query_records `+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, append(args, f.Page.Limit(), f.Page.Offset())...)
	if err != nil {
		return nil, 0, mapDBError(err)
	}
	defer rows.Close() //nolint:errcheck

	out := make([]domain.QueryRecord, 0, f.Page.Limit())
	for rows.Next() {
		rec, err := scanQueryRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// Get returns a record owned by tenantID.
func (r *QueryRecordRepo) Get(ctx context.Context, id, tenantID string) (*domain.QueryRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+queryRecordColumns+`
		FROM query_records WHERE id = ? AND tenant_id = ?
	`, id, tenantID)
	rec, err := scanQueryRecord(row)
	if err != nil {
		var nf *domain.NotFoundError
		if errors.As(err, &nf) {
			return nil, domain.ErrNotFound("query %q not found", id)
		}
		return nil, err
	}
	return rec, nil
}

// MarkSaved flags a record as saved with a title.
func (r *QueryRecordRepo) MarkSaved(ctx context.Context, id, tenantID, title string) (*domain.QueryRecord, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE query_records SET saved = 1, title = ? WHERE id = ? AND tenant_id = ?
	`, title, id, tenantID)
	if err := expectOneRow(res, err, "query", id); err != nil {
		return nil, err
	}
	return r.Get(ctx, id, tenantID)
}

// Delete removes a terminal record. Records still pending or running belong
// to the engine and yield a ConflictError.
func (r *QueryRecordRepo) Delete(ctx context.Context, id, tenantID string) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM query_records WHERE id = ? AND tenant_id = ? AND status IN (?, ?)
	`, id, tenantID, string(domain.QueryStatusSuccess), string(domain.QueryStatusFailed))
	if err != nil {
		return mapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := r.Get(ctx, id, tenantID); err != nil {
		return err
	}
	return domain.ErrConflict("query %q is still running", id)
}

// FailAbandoned fails every record left pending or running, e.g. by a
// process that exited mid-query.
func (r *QueryRecordRepo) FailAbandoned(ctx context.Context, kind domain.ErrorKind, message string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE query_records
		SET status = ?, error_kind = ?, error_message = ?, completed_at = ?
		WHERE status IN (?, ?)
	`, string(domain.QueryStatusFailed), string(kind), string(kind)+": "+message, time.Now().UTC(),
		string(domain.QueryStatusPending), string(domain.QueryStatusRunning))
	if err != nil {
		return 0, mapDBError(err)
	}
	return res.RowsAffected()
}

func scanQueryRecord(s rowScanner) (*domain.QueryRecord, error) {
	var (
		rec                             domain.QueryRecord
		connID, generated, kind, errMsg sql.NullString
		title, source                   sql.NullString
		class, status                   string
		truncated, saved                int64
		completed                       sql.NullTime
	)
	err := s.Scan(&rec.ID, &rec.TenantID, &rec.UserID, &connID, &rec.Question, &generated, &class,
		&status, &rec.RowCount, &truncated, &rec.DurationMs, &kind, &errMsg, &saved, &title,
		&source, &rec.CreatedAt, &completed)
	if err != nil {
		return nil, mapDBError(err)
	}
	rec.ConnectionID = stringPtr(connID)
	rec.GeneratedSQL = stringPtr(generated)
	rec.Classification = domain.QueryClassification(class)
	rec.Status = domain.QueryStatus(status)
	rec.Truncated = truncated != 0
	rec.Saved = saved != 0
	rec.ErrorMessage = stringPtr(errMsg)
	rec.Title = stringPtr(title)
	rec.SourceQueryID = stringPtr(source)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.CompletedAt = timePtr(completed)
	if kind.Valid {
		k := domain.ErrorKind(kind.String)
		rec.ErrorKind = &k
	}
	return &rec, nil
}
