// Package vault is the only holder of connection secrets. Passwords are
// sealed before they reach the metastore and are opened only to hand them to
// the pool manager for a single connection attempt.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"datapilot/internal/domain"
)

// Sealer encrypts secrets at rest. Binding ties a sealed value to its row.
type Sealer interface {
	Seal(plaintext, binding string) (string, error)
	Open(sealed, binding string) (string, error)
}

// Vault stores descriptors with their sealed passwords.
type Vault struct {
	repo   domain.ConnectionRepository
	sealer Sealer
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Vault.
func New(repo domain.ConnectionRepository, sealer Sealer, logger *slog.Logger) *Vault {
	return &Vault{repo: repo, sealer: sealer, logger: logger, now: time.Now}
}

func binding(connectionID, tenantID string) string {
	return connectionID + "|" + tenantID
}

// Store persists a new descriptor and its password. The descriptor's ID is
// assigned here.
func (v *Vault) Store(ctx context.Context, d *domain.ConnectionDescriptor, secret domain.Secret) (*domain.ConnectionDescriptor, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if secret.IsZero() {
		return nil, domain.ErrValidation("password is required")
	}

	d.ID = domain.NewID()
	sealed, err := v.sealer.Seal(secret.Reveal(), binding(d.ID, d.TenantID))
	if err != nil {
		return nil, v.unavailable("store", d.ID, err)
	}
	created, err := v.repo.Create(ctx, d, sealed)
	if err != nil {
		var conflict *domain.ConflictError
		if errors.As(err, &conflict) {
			return nil, domain.ErrConflict("a connection named %q already exists", d.Name)
		}
		return nil, v.passThrough("store", d.ID, err)
	}
	v.logger.Info("connection stored", "connection_id", created.ID, "tenant_id", created.TenantID)
	return created, nil
}

// Resolve returns the descriptor and its plaintext password for one use.
// Nothing is cached.
func (v *Vault) Resolve(ctx context.Context, connectionID, tenantID string) (*domain.ConnectionDescriptor, domain.Secret, error) {
	d, err := v.repo.Get(ctx, connectionID, tenantID)
	if err != nil {
		return nil, domain.Secret{}, v.passThrough("resolve", connectionID, err)
	}
	sealed, err := v.repo.GetSealedSecret(ctx, connectionID, tenantID)
	if err != nil {
		return nil, domain.Secret{}, v.passThrough("resolve", connectionID, err)
	}
	plain, err := v.sealer.Open(sealed, binding(connectionID, tenantID))
	if err != nil {
		return nil, domain.Secret{}, v.unavailable("resolve", connectionID, err)
	}
	return d, domain.NewSecret(plain), nil
}

// Describe returns the descriptor without touching the secret.
func (v *Vault) Describe(ctx context.Context, connectionID, tenantID string) (*domain.ConnectionDescriptor, error) {
	d, err := v.repo.Get(ctx, connectionID, tenantID)
	if err != nil {
		return nil, v.passThrough("describe", connectionID, err)
	}
	return d, nil
}

// List returns the tenant's descriptors.
func (v *Vault) List(ctx context.Context, tenantID string) ([]domain.ConnectionDescriptor, error) {
	out, err := v.repo.List(ctx, tenantID)
	if err != nil {
		return nil, v.passThrough("list", "", err)
	}
	if out == nil {
		out = []domain.ConnectionDescriptor{}
	}
	return out, nil
}

// Update edits a descriptor and, when u.Password is set, rotates its secret.
// Any change resets the descriptor to untested.
func (v *Vault) Update(ctx context.Context, connectionID, tenantID string, u domain.ConnectionUpdate) (*domain.ConnectionDescriptor, error) {
	current, err := v.Describe(ctx, connectionID, tenantID)
	if err != nil {
		return nil, err
	}
	next := u.Apply(*current)
	if err := next.Validate(); err != nil {
		return nil, err
	}
	var sealed *string
	if u.Password != nil {
		if u.Password.IsZero() {
			return nil, domain.ErrValidation("password is required")
		}
		s, err := v.sealer.Seal(u.Password.Reveal(), binding(connectionID, tenantID))
		if err != nil {
			return nil, v.unavailable("update", connectionID, err)
		}
		sealed = &s
	}
	// Descriptor fields and the rotated secret land in one write.
	updated, err := v.repo.Update(ctx, &next, sealed)
	if err != nil {
		var conflict *domain.ConflictError
		if errors.As(err, &conflict) {
			return nil, domain.ErrConflict("a connection named %q already exists", next.Name)
		}
		return nil, v.passThrough("update", connectionID, err)
	}
	if sealed != nil {
		v.logger.Info("connection secret rotated", "connection_id", connectionID, "tenant_id", tenantID)
	}
	return updated, nil
}

// Rotate replaces the stored password.
func (v *Vault) Rotate(ctx context.Context, connectionID, tenantID string, secret domain.Secret) error {
	if secret.IsZero() {
		return domain.ErrValidation("password is required")
	}
	sealed, err := v.sealer.Seal(secret.Reveal(), binding(connectionID, tenantID))
	if err != nil {
		return v.unavailable("rotate", connectionID, err)
	}
	if err := v.repo.UpdateSecret(ctx, connectionID, tenantID, sealed); err != nil {
		return v.passThrough("rotate", connectionID, err)
	}
	v.logger.Info("connection secret rotated", "connection_id", connectionID, "tenant_id", tenantID)
	return nil
}

// RecordTest stores the outcome of a connectivity test on the descriptor.
func (v *Vault) RecordTest(ctx context.Context, connectionID, tenantID string, res domain.ConnectivityResult) (*domain.ConnectionDescriptor, error) {
	state := domain.ConnectionHealthy
	var lastError *string
	if !res.Success {
		state = domain.ConnectionUnhealthy
		if res.Err != nil {
			msg := res.Err.Error()
			lastError = &msg
		}
	}
	if err := v.repo.RecordTest(ctx, connectionID, tenantID, state, v.now().UTC(), lastError); err != nil {
		return nil, v.passThrough("record test", connectionID, err)
	}
	return v.Describe(ctx, connectionID, tenantID)
}

// Revoke soft-deletes the descriptor and destroys its sealed secret.
func (v *Vault) Revoke(ctx context.Context, connectionID, tenantID string) error {
	if err := v.repo.Revoke(ctx, connectionID, tenantID); err != nil {
		return v.passThrough("revoke", connectionID, err)
	}
	v.logger.Info("connection revoked", "connection_id", connectionID, "tenant_id", tenantID)
	return nil
}

// passThrough keeps caller-facing errors as they are and turns everything
// else into an UnavailableError.
func (v *Vault) passThrough(op, connectionID string, err error) error {
	var (
		nf         *domain.NotFoundError
		validation *domain.ValidationError
		conflict   *domain.ConflictError
	)
	if errors.As(err, &nf) || errors.As(err, &validation) || errors.As(err, &conflict) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return v.unavailable(op, connectionID, err)
}

func (v *Vault) unavailable(op, connectionID string, err error) error {
	v.logger.Error("credential vault failure",
		"op", op, "connection_id", connectionID, "error", err, "alert", true)
	return domain.ErrUnavailable(fmt.Errorf("vault %s: %w", op, err), "credential vault unavailable")
}
