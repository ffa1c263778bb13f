// Package connection manages the lifecycle of tenant database connections:
// ad hoc tests, registration, edits, re-tests and revocation.
package connection

import (
	"context"
	"log/slog"
	"strings"

	"datapilot/internal/domain"
)

// Vault is the credential store.
type Vault interface {
	Store(ctx context.Context, d *domain.ConnectionDescriptor, secret domain.Secret) (*domain.ConnectionDescriptor, error)
	Resolve(ctx context.Context, connectionID, tenantID string) (*domain.ConnectionDescriptor, domain.Secret, error)
	Describe(ctx context.Context, connectionID, tenantID string) (*domain.ConnectionDescriptor, error)
	List(ctx context.Context, tenantID string) ([]domain.ConnectionDescriptor, error)
	Update(ctx context.Context, connectionID, tenantID string, u domain.ConnectionUpdate) (*domain.ConnectionDescriptor, error)
	RecordTest(ctx context.Context, connectionID, tenantID string, res domain.ConnectivityResult) (*domain.ConnectionDescriptor, error)
	Revoke(ctx context.Context, connectionID, tenantID string) error
}

// Pools is the part of the pool manager this service drives.
type Pools interface {
	TestConnectivity(ctx context.Context, d *domain.ConnectionDescriptor, secret domain.Secret) domain.ConnectivityResult
	Recycle(tenantID, connectionID string) int
	Revoke(connectionID string) int
}

// Target addresses a database together with its password.
type Target struct {
	Host       string
	Port       int
	Database   string
	Username   string
	Password   domain.Secret
	SSLEnabled bool
}

func (t Target) descriptor(tenantID string) *domain.ConnectionDescriptor {
	return &domain.ConnectionDescriptor{
		TenantID:   tenantID,
		Type:       domain.ConnectionTypePostgres,
		Host:       strings.TrimSpace(t.Host),
		Port:       t.Port,
		Database:   strings.TrimSpace(t.Database),
		Username:   strings.TrimSpace(t.Username),
		SSLEnabled: t.SSLEnabled,
	}
}

// CreateRequest registers a new connection. With Verify set the target is
// tested first and nothing is stored unless the test succeeds.
type CreateRequest struct {
	Name   string
	Target Target
	Verify bool
}

// Service implements connection management for the caller's tenant.
type Service struct {
	vault  Vault
	pools  Pools
	schema domain.SchemaInvalidator
	logger *slog.Logger
}

// New creates a Service.
func New(vault Vault, pools Pools, schema domain.SchemaInvalidator, logger *slog.Logger) *Service {
	return &Service{vault: vault, pools: pools, schema: schema, logger: logger}
}

// Test opens a throwaway connection to target. Nothing is stored. A failed
// test is a normal result, not an error.
func (s *Service) Test(ctx context.Context, target Target) (domain.ConnectivityResult, error) {
	id, err := domain.RequireIdentity(ctx)
	if err != nil {
		return domain.ConnectivityResult{}, err
	}
	d := target.descriptor(id.TenantID)
	if err := domain.ValidateTarget(d.Host, d.Port, d.Database, d.Username); err != nil {
		return domain.ConnectivityResult{}, err
	}
	res := s.pools.TestConnectivity(ctx, d, target.Password)
	s.logTest(d, res)
	return res, nil
}

// Create stores a new descriptor for the caller.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*domain.ConnectionDescriptor, error) {
	id, err := domain.RequireIdentity(ctx)
	if err != nil {
		return nil, err
	}
	d := req.Target.descriptor(id.TenantID)
	d.OwnerID = id.UserID
	d.Name = strings.TrimSpace(req.Name)
	if err := d.Validate(); err != nil {
		return nil, err
	}

	var tested *domain.ConnectivityResult
	if req.Verify {
		res := s.pools.TestConnectivity(ctx, d, req.Target.Password)
		s.logTest(d, res)
		if !res.Success {
			return nil, failure(res)
		}
		tested = &res
	}

	created, err := s.vault.Store(ctx, d, req.Target.Password)
	if err != nil {
		return nil, err
	}
	if tested != nil {
		return s.vault.RecordTest(ctx, created.ID, id.TenantID, *tested)
	}
	return created, nil
}

// List returns the caller's connections.
func (s *Service) List(ctx context.Context) ([]domain.ConnectionDescriptor, error) {
	id, err := domain.RequireIdentity(ctx)
	if err != nil {
		return nil, err
	}
	return s.vault.List(ctx, id.TenantID)
}

// Get returns one of the caller's connections.
func (s *Service) Get(ctx context.Context, connectionID string) (*domain.ConnectionDescriptor, error) {
	id, err := domain.RequireIdentity(ctx)
	if err != nil {
		return nil, err
	}
	return s.vault.Describe(ctx, connectionID, id.TenantID)
}

// Update edits a connection. When the change affects how the target is
// reached, the live pool is recycled and the cached schema dropped.
func (s *Service) Update(ctx context.Context, connectionID string, u domain.ConnectionUpdate) (*domain.ConnectionDescriptor, error) {
	id, err := domain.RequireIdentity(ctx)
	if err != nil {
		return nil, err
	}
	updated, err := s.vault.Update(ctx, connectionID, id.TenantID, u)
	if err != nil {
		return nil, err
	}
	if u.TargetChanged() {
		s.pools.Recycle(id.TenantID, connectionID)
		s.schema.Invalidate(ctx, id.TenantID, connectionID)
	}
	s.logger.Info("connection updated", "connection_id", connectionID, "tenant_id", id.TenantID,
		"target_changed", u.TargetChanged())
	return updated, nil
}

// Retest tests a stored connection and records the outcome on it.
func (s *Service) Retest(ctx context.Context, connectionID string) (domain.ConnectivityResult, *domain.ConnectionDescriptor, error) {
	id, err := domain.RequireIdentity(ctx)
	if err != nil {
		return domain.ConnectivityResult{}, nil, err
	}
	d, secret, err := s.vault.Resolve(ctx, connectionID, id.TenantID)
	if err != nil {
		return domain.ConnectivityResult{}, nil, err
	}
	res := s.pools.TestConnectivity(ctx, d, secret)
	s.logTest(d, res)

	updated, err := s.vault.RecordTest(ctx, connectionID, id.TenantID, res)
	if err != nil {
		return domain.ConnectivityResult{}, nil, err
	}
	if !res.Success {
		s.pools.Recycle(id.TenantID, connectionID)
	}
	return res, updated, nil
}

// Delete revokes a connection and drains its pools.
func (s *Service) Delete(ctx context.Context, connectionID string) error {
	id, err := domain.RequireIdentity(ctx)
	if err != nil {
		return err
	}
	if err := s.vault.Revoke(ctx, connectionID, id.TenantID); err != nil {
		return err
	}
	drained := s.pools.Revoke(connectionID)
	s.schema.Invalidate(ctx, id.TenantID, connectionID)
	s.logger.Info("connection deleted", "connection_id", connectionID, "tenant_id", id.TenantID, "pools_drained", drained)
	return nil
}

func (s *Service) logTest(d *domain.ConnectionDescriptor, res domain.ConnectivityResult) {
	if res.Success {
		s.logger.Info("connection test succeeded", "host", d.Host, "database", d.Database,
			"latency_ms", res.Latency.Milliseconds())
		return
	}
	s.logger.Info("connection test failed", "host", d.Host, "database", d.Database, "kind", failure(res).Kind)
}

func failure(res domain.ConnectivityResult) *domain.QueryError {
	if res.Err != nil {
		return res.Err
	}
	return domain.NewQueryError(domain.KindConnectionUnreachable, "connection unreachable")
}
