package pool

import (
	"context"
	"database/sql"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"datapilot/internal/domain"
	"datapilot/internal/metrics"
)

// Opener builds a *sql.DB for a descriptor. It should not perform network I/O;
// the Manager pings the result itself.
type Opener func(ctx context.Context, d *domain.ConnectionDescriptor, secret domain.Secret, cfg Config) (*sql.DB, error)

// PgxOpener opens PostgreSQL targets through pgx's database/sql adapter.
// Sessions default to read-only transactions and carry a server-side
// statement_timeout matching the client-side bound.
func PgxOpener(_ context.Context, d *domain.ConnectionDescriptor, secret domain.Secret, cfg Config) (*sql.DB, error) {
	sslmode := "disable"
	if d.SSLEnabled {
		sslmode = "require"
	}
	q := url.Values{}
	q.Set("sslmode", sslmode)
	q.Set("application_name", "datapilot")
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.Username, secret.Reveal()),
		Host:     net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:     "/" + d.Database,
		RawQuery: q.Encode(),
	}

	connCfg, err := pgx.ParseConfig(u.String())
	if err != nil {
		return nil, domain.NewQueryError(domain.KindConnectionUnreachable, "invalid connection parameters")
	}
	connCfg.ConnectTimeout = cfg.ConnectTimeout
	connCfg.RuntimeParams["default_transaction_read_only"] = "on"
	connCfg.RuntimeParams["statement_timeout"] = strconv.FormatInt(cfg.StatementTimeout.Milliseconds(), 10)

	db := stdlib.OpenDB(*connCfg)
	db.SetMaxOpenConns(cfg.MaxConcurrent)
	db.SetMaxIdleConns(cfg.MaxConcurrent)
	db.SetConnMaxIdleTime(cfg.IdleTTL)
	return db, nil
}

// connect opens and pings a new pool. Transient network failures are retried
// with exponential backoff up to ConnectRetries times; credential failures
// are returned immediately.
func (m *Manager) connect(ctx context.Context, d *domain.ConnectionDescriptor, secret domain.Secret) (*sql.DB, error) {
	var db *sql.DB
	op := func() error {
		cctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		defer cancel()

		candidate, err := m.opener(cctx, d, secret, m.cfg)
		if err == nil {
			err = candidate.PingContext(cctx)
			if err != nil {
				_ = candidate.Close()
			}
		}
		if err != nil {
			qe := classifyConnectError(err)
			if qe.Kind != domain.KindConnectionUnreachable {
				metrics.ConnectAttemptsTotal.WithLabelValues("rejected").Inc()
				return backoff.Permanent(qe)
			}
			metrics.ConnectAttemptsTotal.WithLabelValues("transient").Inc()
			m.logger.Debug("connect attempt failed", "connection_id", d.ID, "error", qe.Message)
			return qe
		}
		metrics.ConnectAttemptsTotal.WithLabelValues("ok").Inc()
		db = candidate
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.RetryBaseDelay
	b.MaxInterval = 4 * m.cfg.RetryBaseDelay
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(m.cfg.ConnectRetries)), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		if ctx.Err() != nil {
			return nil, cancelled(ctx)
		}
		return nil, classifyConnectError(err)
	}
	return db, nil
}

// TestConnectivity opens a throwaway connection with the given credentials,
// runs a trivial query and closes it. Nothing is cached or persisted.
func (m *Manager) TestConnectivity(ctx context.Context, d *domain.ConnectionDescriptor, secret domain.Secret) domain.ConnectivityResult {
	start := m.now()
	db, err := m.connect(ctx, d, secret)
	if err == nil {
		err = ping(ctx, db, m.cfg.ConnectTimeout)
		_ = db.Close()
	}
	latency := m.now().Sub(start)
	if err != nil {
		return domain.ConnectivityResult{Latency: latency, Err: classifyConnectError(err)}
	}
	return domain.ConnectivityResult{Success: true, Latency: latency}
}

func ping(ctx context.Context, db *sql.DB, timeout time.Duration) error {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var one int
	return db.QueryRowContext(pctx, "SELECT 1").Scan(&one)
}
