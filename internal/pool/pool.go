// Package pool owns every physical connection to tenant databases.
//
// A Manager keeps one database/sql pool per (tenant, connection) key. Pools
// are opened lazily on first Acquire, bounded by a per-key concurrency
// ceiling, and closed when idle past a TTL, when the connection is revoked or
// edited, or when a liveness check fails.
package pool

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"datapilot/internal/domain"
	"datapilot/internal/metrics"
)

// Config bounds a Manager. Zero values are replaced by defaults.
type Config struct {
	MaxConcurrent    int
	BlockOnExhausted bool
	AcquireTimeout   time.Duration
	IdleTTL          time.Duration
	MaxOpenPools     int
	ConnectTimeout   time.Duration
	ConnectRetries   int
	RetryBaseDelay   time.Duration
	StatementTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 5 * time.Second
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 30 * time.Minute
	}
	if c.MaxOpenPools <= 0 {
		c.MaxOpenPools = 100
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.ConnectRetries < 0 {
		c.ConnectRetries = 0
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 200 * time.Millisecond
	}
	if c.StatementTimeout <= 0 {
		c.StatementTimeout = 30 * time.Second
	}
	return c
}

// SecretResolver hands out a descriptor and its secret for one use.
// It returns a NotFoundError when the connection is not owned by tenantID.
type SecretResolver interface {
	Resolve(ctx context.Context, connectionID, tenantID string) (*domain.ConnectionDescriptor, domain.Secret, error)
}

// Key identifies one pool.
type Key struct {
	TenantID     string
	ConnectionID string
}

func (k Key) String() string { return k.TenantID + "/" + k.ConnectionID }

// Stats is a point-in-time view of one pool.
type Stats struct {
	Open      bool
	InUse     int
	Ceiling   int
	Available int
}

type entry struct {
	key      Key
	db       *sql.DB
	sem      *semaphore.Weighted
	inUse    atomic.Int64
	lastUsed atomic.Int64
	retired  atomic.Bool
	once     sync.Once
}

func (e *entry) touch(now time.Time) { e.lastUsed.Store(now.UnixNano()) }

func (e *entry) idleSince() time.Time { return time.Unix(0, e.lastUsed.Load()) }

// Manager is the only component that opens or closes target connections.
type Manager struct {
	cfg      Config
	resolver SecretResolver
	opener   Opener
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	pools  map[Key]*entry
	epochs map[string]uint64 // bumped by Revoke and Recycle, per connection id
	closed bool
	group  singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithOpener replaces the PostgreSQL opener, e.g. with an sqlite opener in tests.
func WithOpener(o Opener) Option {
	return func(m *Manager) { m.opener = o }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a Manager.
func New(cfg Config, resolver SecretResolver, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg.withDefaults(),
		resolver: resolver,
		opener:   PgxOpener,
		logger:   logger,
		now:      time.Now,
		pools:    make(map[Key]*entry),
		epochs:   make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// Acquire leases a handle on the tenant's connection. The caller must call
// Release exactly once, typically via defer. A NotFoundError means the
// connection does not exist for this tenant.
func (m *Manager) Acquire(ctx context.Context, connectionID, tenantID string) (*Handle, error) {
	key := Key{TenantID: tenantID, ConnectionID: connectionID}
	start := m.now()

	for attempt := 0; ; attempt++ {
		e, err := m.entryFor(ctx, key)
		if err != nil {
			metrics.RecordAcquire(acquireResult(err), m.now().Sub(start))
			return nil, err
		}
		if err := m.reserve(ctx, e); err != nil {
			metrics.RecordAcquire(acquireResult(err), m.now().Sub(start))
			return nil, err
		}

		conn, err := m.checkout(ctx, e)
		if err == nil {
			metrics.RecordAcquire("ok", m.now().Sub(start))
			return &Handle{mgr: m, entry: e, conn: conn, timeout: m.cfg.StatementTimeout}, nil
		}

		m.unreserve(e)
		if ctx.Err() != nil {
			qe := cancelled(ctx)
			metrics.RecordAcquire(acquireResult(qe), m.now().Sub(start))
			return nil, qe
		}
		m.logger.Warn("liveness check failed, recycling pool", "pool", key.String(), "error", err)
		m.retire(e, "recycled")
		if attempt >= 1 {
			qe := classifyConnectError(err)
			metrics.RecordAcquire(acquireResult(qe), m.now().Sub(start))
			return nil, qe
		}
	}
}

// entryFor returns the live pool for key, opening it if needed. Concurrent
// callers for the same key share one open attempt, which runs detached from
// any single caller so one disconnect cannot fail the others.
func (m *Manager) entryFor(ctx context.Context, key Key) (*entry, error) {
	if e, err := m.lookup(key); e != nil || err != nil {
		return e, err
	}

	ch := m.group.DoChan(key.String(), func() (interface{}, error) {
		openCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.openBudget())
		defer cancel()
		return m.open(openCtx, key)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*entry), nil
	case <-ctx.Done():
		return nil, cancelled(ctx)
	}
}

// maxOpenAttempts bounds how often an open is restarted because the
// connection was revoked or recycled while it was in progress.
const maxOpenAttempts = 3

func (m *Manager) open(ctx context.Context, key Key) (*entry, error) {
	for attempt := 0; attempt < maxOpenAttempts; attempt++ {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, errClosed
		}
		if e := m.pools[key]; e != nil {
			m.mu.Unlock()
			return e, nil
		}
		epoch := m.epochs[key.ConnectionID]
		m.mu.Unlock()

		desc, secret, err := m.resolver.Resolve(ctx, key.ConnectionID, key.TenantID)
		if err != nil {
			return nil, err
		}
		db, err := m.connect(ctx, desc, secret)
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, domain.WrapQueryError(domain.KindConnectionUnreachable, err, "connection unreachable")
			}
			return nil, err
		}

		e := &entry{key: key, db: db, sem: semaphore.NewWeighted(int64(m.cfg.MaxConcurrent))}
		e.touch(m.now())

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			_ = db.Close()
			return nil, errClosed
		}
		if m.epochs[key.ConnectionID] != epoch {
			m.mu.Unlock()
			_ = db.Close()
			m.logger.Info("connection changed while opening, retrying", "pool", key.String())
			continue
		}
		victim, err := m.makeRoomLocked()
		if err != nil {
			m.mu.Unlock()
			_ = db.Close()
			return nil, err
		}
		m.pools[key] = e
		open := len(m.pools)
		m.mu.Unlock()

		if victim != nil {
			m.retire(victim, "capacity")
		}
		metrics.PoolsOpen.Set(float64(open))
		m.logger.Info("pool opened", "pool", key.String(), "open_pools", open)
		return e, nil
	}
	return nil, domain.NewQueryError(domain.KindConnectionUnreachable, "connection changed while opening; try again")
}

// openBudget bounds a shared open: every connect attempt plus the backoff
// between them.
func (m *Manager) openBudget() time.Duration {
	retries := time.Duration(m.cfg.ConnectRetries)
	return m.cfg.ConnectTimeout*(retries+1) + 4*m.cfg.RetryBaseDelay*retries + m.cfg.ConnectTimeout
}

var errClosed = domain.ErrUnavailable(nil, "connection pool manager is shut down")

func (m *Manager) lookup(key Key) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errClosed
	}
	return m.pools[key], nil
}

// makeRoomLocked enforces the process-wide pool limit by picking the least
// recently used idle pool for eviction. It must be called with m.mu held;
// the victim is already removed from the map and must be retired by the caller.
func (m *Manager) makeRoomLocked() (*entry, error) {
	if len(m.pools) < m.cfg.MaxOpenPools {
		return nil, nil
	}
	var victim *entry
	for _, e := range m.pools {
		if e.inUse.Load() > 0 {
			continue
		}
		if victim == nil || e.lastUsed.Load() < victim.lastUsed.Load() {
			victim = e
		}
	}
	if victim == nil {
		return nil, domain.NewQueryError(domain.KindPoolExhausted,
			"all %d connection pools are busy, retry shortly", m.cfg.MaxOpenPools)
	}
	delete(m.pools, victim.key)
	return victim, nil
}

// reserve takes one slot of the pool's concurrency ceiling.
func (m *Manager) reserve(ctx context.Context, e *entry) error {
	if m.cfg.BlockOnExhausted {
		wctx, cancel := context.WithTimeout(ctx, m.cfg.AcquireTimeout)
		defer cancel()
		if err := e.sem.Acquire(wctx, 1); err != nil {
			if ctx.Err() != nil {
				return cancelled(ctx)
			}
			return domain.NewQueryError(domain.KindPoolExhausted,
				"all %d handles for this connection stayed busy for %s, retry shortly",
				m.cfg.MaxConcurrent, m.cfg.AcquireTimeout)
		}
	} else if !e.sem.TryAcquire(1) {
		return domain.NewQueryError(domain.KindPoolExhausted,
			"all %d handles for this connection are busy, retry shortly", m.cfg.MaxConcurrent)
	}
	e.inUse.Add(1)
	e.touch(m.now())
	return nil
}

func (m *Manager) unreserve(e *entry) {
	e.inUse.Add(-1)
	e.sem.Release(1)
	e.touch(m.now())
	if e.retired.Load() && e.inUse.Load() == 0 {
		m.closeEntry(e)
	}
}

// checkout takes a physical connection and pings it before handing it out.
func (m *Manager) checkout(ctx context.Context, e *entry) (*sql.Conn, error) {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	conn, err := e.db.Conn(pctx)
	if err != nil {
		return nil, err
	}
	if err := conn.PingContext(pctx); err != nil {
		// Returning ErrBadConn from Raw makes database/sql discard the connection.
		_ = conn.Raw(func(interface{}) error { return driver.ErrBadConn })
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// retire removes e from the map and closes it once its last handle is released.
func (m *Manager) retire(e *entry, reason string) {
	m.mu.Lock()
	if cur, ok := m.pools[e.key]; ok && cur == e {
		delete(m.pools, e.key)
	}
	open := len(m.pools)
	m.mu.Unlock()
	metrics.PoolsOpen.Set(float64(open))

	if e.retired.CompareAndSwap(false, true) {
		metrics.RecordEviction(reason)
		m.logger.Info("pool retired", "pool", e.key.String(), "reason", reason, "in_use", e.inUse.Load())
	}
	if e.inUse.Load() == 0 {
		m.closeEntry(e)
	}
}

func (m *Manager) closeEntry(e *entry) {
	e.once.Do(func() {
		if err := e.db.Close(); err != nil {
			m.logger.Warn("close pool", "pool", e.key.String(), "error", err)
		}
	})
}

// Revoke drains and destroys every pool bound to connectionID. In-flight
// handles finish; the pool closes when the last one is released.
func (m *Manager) Revoke(connectionID string) int {
	m.bumpEpoch(connectionID)
	return m.retireWhere("revoked", func(k Key) bool { return k.ConnectionID == connectionID })
}

// Recycle drops the tenant's pool for connectionID so the next Acquire opens
// a fresh one with current credentials.
func (m *Manager) Recycle(tenantID, connectionID string) int {
	m.bumpEpoch(connectionID)
	return m.retireWhere("recycled", func(k Key) bool {
		return k.TenantID == tenantID && k.ConnectionID == connectionID
	})
}

// bumpEpoch invalidates opens of connectionID that started before this call.
func (m *Manager) bumpEpoch(connectionID string) {
	m.mu.Lock()
	m.epochs[connectionID]++
	m.mu.Unlock()
}

// Reap closes pools idle for longer than the idle TTL.
func (m *Manager) Reap() int {
	cutoff := m.now().Add(-m.cfg.IdleTTL)
	return m.retireWhereEntry("idle", func(e *entry) bool {
		return e.inUse.Load() == 0 && e.idleSince().Before(cutoff)
	})
}

func (m *Manager) retireWhere(reason string, match func(Key) bool) int {
	return m.retireWhereEntry(reason, func(e *entry) bool { return match(e.key) })
}

func (m *Manager) retireWhereEntry(reason string, match func(*entry) bool) int {
	m.mu.Lock()
	var victims []*entry
	for _, e := range m.pools {
		if match(e) {
			victims = append(victims, e)
		}
	}
	m.mu.Unlock()

	for _, e := range victims {
		m.retire(e, reason)
	}
	return len(victims)
}

// Stats reports the state of the tenant's pool for connectionID.
func (m *Manager) Stats(tenantID, connectionID string) Stats {
	m.mu.Lock()
	e := m.pools[Key{TenantID: tenantID, ConnectionID: connectionID}]
	m.mu.Unlock()

	s := Stats{Ceiling: m.cfg.MaxConcurrent, Available: m.cfg.MaxConcurrent}
	if e == nil {
		return s
	}
	s.Open = true
	s.InUse = int(e.inUse.Load())
	s.Available = s.Ceiling - s.InUse
	return s
}

// OpenPools returns the number of live pools.
func (m *Manager) OpenPools() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pools)
}

// Close retires every pool and rejects further acquisitions.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	victims := make([]*entry, 0, len(m.pools))
	for _, e := range m.pools {
		victims = append(victims, e)
	}
	m.mu.Unlock()

	for _, e := range victims {
		m.retire(e, "shutdown")
	}
}

func acquireResult(err error) string {
	switch domain.KindOf(err) {
	case domain.KindPoolExhausted:
		return "exhausted"
	case domain.KindCancelled:
		return "cancelled"
	}
	var nf *domain.NotFoundError
	if errors.As(err, &nf) {
		return "not_found"
	}
	return "error"
}
