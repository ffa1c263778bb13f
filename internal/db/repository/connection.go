package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"datapilot/internal/domain"
)

var _ domain.ConnectionRepository = (*ConnectionRepo)(nil)

// ConnectionRepo stores connection descriptors and their sealed secrets.
// Revoked rows are kept for audit and are invisible to every read.
type ConnectionRepo struct {
	db *sql.DB
}

// NewConnectionRepo creates a new ConnectionRepo.
func NewConnectionRepo(db *sql.DB) *ConnectionRepo {
	return &ConnectionRepo{db: db}
}

const connectionColumns = `id, tenant_id, owner_id, name, connection_type, host, port, database_name,
	username, ssl_enabled, state, last_tested_at, last_error, created_at, updated_at`

// Create inserts a descriptor. d.ID must already be set because the sealed
// secret is bound to it.
func (r *ConnectionRepo) Create(ctx context.Context, d *domain.ConnectionDescriptor, sealedSecret string) (*domain.ConnectionDescriptor, error) {
	if d == nil || d.ID == "" {
		return nil, domain.ErrValidation("connection id is required")
	}
	if d.Type == "" {
		d.Type = domain.ConnectionTypePostgres
	}
	if d.State == "" {
		d.State = domain.ConnectionUntested
	}
	now := time.Now().UTC()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO connections (id, tenant_id, owner_id, name, connection_type, host, port, database_name,
		                         username, ssl_enabled, sealed_secret, state, last_tested_at, last_error,
		                         created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.TenantID, d.OwnerID, d.Name, d.Type, d.Host, d.Port, d.Database,
		d.Username, boolToInt(d.SSLEnabled), sealedSecret, string(d.State),
		nullTime(d.LastTestedAt), nullString(d.LastError), now, now)
	if err != nil {
		return nil, mapDBError(err)
	}
	return r.Get(ctx, d.ID, d.TenantID)
}

// Get returns an active descriptor owned by tenantID.
func (r *ConnectionRepo) Get(ctx context.Context, id, tenantID string) (*domain.ConnectionDescriptor, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+connectionColumns+`
		FROM connections
		WHERE id = ? AND tenant_id = ? AND revoked_at IS NULL
	`, id, tenantID)
	d, err := scanConnection(row)
	if err != nil {
		return nil, notFoundConnection(err, id)
	}
	return d, nil
}

// GetSealedSecret returns the sealed password of an active descriptor.
func (r *ConnectionRepo) GetSealedSecret(ctx context.Context, id, tenantID string) (string, error) {
	var sealed string
	err := r.db.QueryRowContext(ctx, `
		SELECT sealed_secret FROM connections
		WHERE id = ? AND tenant_id = ? AND revoked_at IS NULL
	`, id, tenantID).Scan(&sealed)
	if err != nil {
		return "", notFoundConnection(err, id)
	}
	return sealed, nil
}

// List returns the tenant's active descriptors, newest first.
func (r *ConnectionRepo) List(ctx context.Context, tenantID string) ([]domain.ConnectionDescriptor, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+connectionColumns+`
		FROM connections
		WHERE tenant_id = ? AND revoked_at IS NULL
		ORDER BY created_at DESC, id DESC
	`, tenantID)
	if err != nil {
		return nil, mapDBError(err)
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.ConnectionDescriptor
	for rows.Next() {
		d, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// Update writes the descriptor's editable fields and resets its health to
// untested, since the target it describes may have changed.
func (r *ConnectionRepo) Update(ctx context.Context, d *domain.ConnectionDescriptor, sealedSecret *string) (*domain.ConnectionDescriptor, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE connections
		SET name = ?, host = ?, port = ?, database_name = ?, username = ?, ssl_enabled = ?,
		    sealed_secret = COALESCE(?, sealed_secret), state = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ? AND revoked_at IS NULL
	`, d.Name, d.Host, d.Port, d.Database, d.Username, boolToInt(d.SSLEnabled),
		nullString(sealedSecret), string(domain.ConnectionUntested), time.Now().UTC(), d.ID, d.TenantID)
	if err := expectOneRow(res, err, "connection", d.ID); err != nil {
		return nil, err
	}
	return r.Get(ctx, d.ID, d.TenantID)
}

// UpdateSecret replaces the sealed password.
func (r *ConnectionRepo) UpdateSecret(ctx context.Context, id, tenantID, sealedSecret string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE connections SET sealed_secret = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ? AND revoked_at IS NULL
	`, sealedSecret, time.Now().UTC(), id, tenantID)
	return expectOneRow(res, err, "connection", id)
}

// RecordTest stores the outcome of a connectivity test.
func (r *ConnectionRepo) RecordTest(ctx context.Context, id, tenantID string, state domain.ConnectionState, testedAt time.Time, lastError *string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE connections SET state = ?, last_tested_at = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ? AND revoked_at IS NULL
	`, string(state), testedAt.UTC(), nullString(lastError), time.Now().UTC(), id, tenantID)
	return expectOneRow(res, err, "connection", id)
}

// Revoke soft-deletes a descriptor and wipes its sealed secret.
func (r *ConnectionRepo) Revoke(ctx context.Context, id, tenantID string) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE connections SET revoked_at = ?, sealed_secret = '', updated_at = ?
		WHERE id = ? AND tenant_id = ? AND revoked_at IS NULL
	`, now, now, id, tenantID)
	return expectOneRow(res, err, "connection", id)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConnection(s rowScanner) (*domain.ConnectionDescriptor, error) {
	var (
		d          domain.ConnectionDescriptor
		ssl        int64
		state      string
		lastTested sql.NullTime
		lastError  sql.NullString
	)
	err := s.Scan(&d.ID, &d.TenantID, &d.OwnerID, &d.Name, &d.Type, &d.Host, &d.Port, &d.Database,
		&d.Username, &ssl, &state, &lastTested, &lastError, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, mapDBError(err)
	}
	d.SSLEnabled = ssl != 0
	d.State = domain.ConnectionState(state)
	d.LastTestedAt = timePtr(lastTested)
	d.LastError = stringPtr(lastError)
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return &d, nil
}

func notFoundConnection(err error, id string) error {
	err = mapDBError(err)
	var nf *domain.NotFoundError
	if errors.As(err, &nf) {
		return domain.ErrNotFound("connection %q not found", id)
	}
	return err
}
