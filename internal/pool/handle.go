package pool

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"datapilot/internal/domain"
)

// Handle is a leased physical connection. It serves one statement at a time
// and must be released exactly once.
type Handle struct {
	mgr      *Manager
	entry    *entry
	conn     *sql.Conn
	timeout  time.Duration
	released atomic.Bool
}

// Key identifies the pool the handle came from.
func (h *Handle) Key() Key { return h.entry.key }

// StatementTimeout is the hard bound applied to every statement.
func (h *Handle) StatementTimeout() time.Duration { return h.timeout }

// Release returns the handle to its pool. Calling it more than once is a no-op.
func (h *Handle) Release() {
	if !h.released.CompareAndSwap(false, true) {
		return
	}
	if err := h.conn.Close(); err != nil {
		h.mgr.logger.Debug("return connection", "pool", h.entry.key.String(), "error", err)
	}
	h.mgr.unreserve(h.entry)
}

// ReadOnly runs query inside a read-only transaction bounded by the
// statement timeout and hands the rows to scan. The transaction is always
// rolled back. Failures come back as classified QueryErrors.
func (h *Handle) ReadOnly(ctx context.Context, query string, args []interface{}, scan func(*sql.Rows) error) error {
	if h.released.Load() {
		return domain.NewQueryError(domain.KindExecutionFailed, "connection handle already released")
	}

	qctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	tx, err := h.conn.BeginTx(qctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return classifyExecError(ctx, qctx, h.timeout, err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(qctx, query, args...)
	if err != nil {
		return classifyExecError(ctx, qctx, h.timeout, err)
	}
	defer rows.Close() //nolint:errcheck

	if err := scan(rows); err != nil {
		return classifyExecError(ctx, qctx, h.timeout, err)
	}
	if err := rows.Err(); err != nil {
		return classifyExecError(ctx, qctx, h.timeout, err)
	}
	return nil
}
