package pool

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"datapilot/internal/domain"
)

// classifyConnectError maps an error from opening or pinging a connection to
// the connection failure taxonomy. Driver text never reaches the message:
// every network-level failure reads "connection unreachable".
func classifyConnectError(err error) *domain.QueryError {
	var qe *domain.QueryError
	if errors.As(err, &qe) {
		return qe
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "28"):
			return domain.WrapQueryError(domain.KindConnectionUnauthorized, err,
				"credentials were rejected by the target database")
		case pgErr.Code == "3D000":
			return domain.WrapQueryError(domain.KindConnectionUnauthorized, err,
				"the target database does not exist or is not accessible with these credentials")
		case pgErr.Code == "53300", pgErr.Code == "57P03":
			return domain.WrapQueryError(domain.KindConnectionUnreachable, err,
				"the target database is not accepting connections right now")
		}
	}

	return domain.WrapQueryError(domain.KindConnectionUnreachable, err, "connection unreachable")
}

// classifyExecError maps a statement failure. parent is the caller's
// context and stmt the statement-timeout context derived from it.
func classifyExecError(parent, stmt context.Context, timeout time.Duration, err error) *domain.QueryError {
	if parent.Err() != nil {
		return cancelled(parent)
	}
	if errors.Is(stmt.Err(), context.DeadlineExceeded) {
		return domain.WrapQueryError(domain.KindExecutionTimeout, err,
			"statement exceeded the "+timeout.String()+" timeout and was cancelled")
	}

	var qe *domain.QueryError
	if errors.As(err, &qe) {
		return qe
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "57014":
			return domain.WrapQueryError(domain.KindExecutionTimeout, err,
				"statement exceeded the "+timeout.String()+" timeout and was cancelled")
		case strings.HasPrefix(pgErr.Code, "08"):
			return domain.WrapQueryError(domain.KindConnectionUnreachable, err, "connection lost during execution")
		case strings.HasPrefix(pgErr.Code, "28"):
			return domain.WrapQueryError(domain.KindConnectionUnauthorized, err,
				"credentials were rejected by the target database")
		default:
			return domain.WrapQueryError(domain.KindExecutionFailed, err, execFailureMessage(pgErr.Code))
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, syscall.ECONNRESET) {
		return domain.WrapQueryError(domain.KindConnectionUnreachable, err, "connection lost during execution")
	}
	return domain.WrapQueryError(domain.KindExecutionFailed, err, "the database rejected the query")
}

// execFailureMessage phrases a rejected statement by SQLSTATE. Server text
// can quote identifiers and values, so it stays in the wrapped cause.
func execFailureMessage(code string) string {
	switch {
	case code == "42P01":
		return "the query references a table that does not exist"
	case code == "42703":
		return "the query references a column that does not exist"
	case code == "42883":
		return "the query calls a function or operator that does not exist for these argument types"
	case code == "42501":
		return "permission denied on an object the query references"
	case code == "25006":
		return "the query attempted to write inside a read-only transaction"
	case strings.HasPrefix(code, "42"):
		return "the query has a syntax or reference error (SQLSTATE " + code + ")"
	case strings.HasPrefix(code, "22"):
		return "the query failed on invalid data (SQLSTATE " + code + ")"
	case strings.HasPrefix(code, "53"):
		return "the target database ran out of resources"
	case code == "":
		return "the database rejected the query"
	default:
		return "the database rejected the query (SQLSTATE " + code + ")"
	}
}

func cancelled(ctx context.Context) *domain.QueryError {
	return domain.WrapQueryError(domain.KindCancelled, context.Cause(ctx), "request was cancelled")
}
