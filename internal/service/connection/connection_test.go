package connection

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datapilot/internal/db"
	"datapilot/internal/db/crypto"
	"datapilot/internal/db/repository"
	"datapilot/internal/domain"
	"datapilot/internal/vault"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type fakePools struct {
	mu       sync.Mutex
	result   domain.ConnectivityResult
	tested   []string // passwords seen
	recycled []string
	revoked  []string
}

func (f *fakePools) TestConnectivity(_ context.Context, _ *domain.ConnectionDescriptor, secret domain.Secret) domain.ConnectivityResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tested = append(f.tested, secret.Reveal())
	return f.result
}

func (f *fakePools) Recycle(tenantID, connectionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recycled = append(f.recycled, tenantID+"/"+connectionID)
	return 1
}

func (f *fakePools) Revoke(connectionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, connectionID)
	return 1
}

type fakeInvalidator struct{ keys []string }

func (f *fakeInvalidator) Invalidate(_ context.Context, tenantID, connectionID string) {
	f.keys = append(f.keys, tenantID+"/"+connectionID)
}

type fixture struct {
	svc    *Service
	pools  *fakePools
	schema *fakeInvalidator
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	writeDB, _ := db.OpenTestSQLite(t)
	enc, err := crypto.NewEncryptor(testKey)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	v := vault.New(repository.NewConnectionRepo(writeDB), enc, logger)

	pools := &fakePools{result: domain.ConnectivityResult{Success: true}}
	schema := &fakeInvalidator{}
	return fixture{svc: New(v, pools, schema, logger), pools: pools, schema: schema}
}

func as(tenant, user string) context.Context {
	return domain.WithIdentity(context.Background(), domain.Identity{TenantID: tenant, UserID: user})
}

func target() Target {
	return Target{Host: "db.internal", Port: 5432, Database: "sales", Username: "reader", Password: domain.NewSecret("pw")}
}

func TestTest(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	res, err := f.svc.Test(as("tenant-a", "user-1"), target())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"pw"}, f.pools.tested)

	list, err := f.svc.List(as("tenant-a", "user-1"))
	require.NoError(t, err)
	assert.Empty(t, list, "a test never persists a descriptor")

	bad := target()
	bad.Port = 0
	_, err = f.svc.Test(as("tenant-a", "user-1"), bad)
	var ve *domain.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestTest_Unreachable(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.pools.result = domain.ConnectivityResult{Err: domain.NewQueryError(domain.KindConnectionUnreachable, "connection unreachable")}

	res, err := f.svc.Test(as("tenant-a", "user-1"), target())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "connection unreachable", res.Err.Message)
}

func TestCreate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := as("tenant-a", "user-1")

	created, err := f.svc.Create(ctx, CreateRequest{Name: "warehouse", Target: target()})
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionUntested, created.State)
	assert.Equal(t, "user-1", created.OwnerID)
	assert.Empty(t, f.pools.tested)

	verified, err := f.svc.Create(ctx, CreateRequest{Name: "verified", Target: target(), Verify: true})
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionHealthy, verified.State)
	assert.NotNil(t, verified.LastTestedAt)

	list, err := f.svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestCreate_VerifyFailureStoresNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.pools.result = domain.ConnectivityResult{Err: domain.NewQueryError(domain.KindConnectionUnauthorized, "credentials were rejected by the target database")}
	ctx := as("tenant-a", "user-1")

	_, err := f.svc.Create(ctx, CreateRequest{Name: "warehouse", Target: target(), Verify: true})
	assert.Equal(t, domain.KindConnectionUnauthorized, domain.KindOf(err))

	list, err := f.svc.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestGet_OtherTenantIsNotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	created, err := f.svc.Create(as("tenant-a", "user-1"), CreateRequest{Name: "warehouse", Target: target()})
	require.NoError(t, err)

	var nf *domain.NotFoundError
	_, err = f.svc.Get(as("tenant-b", "user-1"), created.ID)
	assert.ErrorAs(t, err, &nf)
	assert.ErrorAs(t, f.svc.Delete(as("tenant-b", "user-1"), created.ID), &nf)
	assert.Empty(t, f.pools.revoked)

	got, err := f.svc.Get(as("tenant-a", "user-2"), created.ID)
	require.NoError(t, err, "connections are shared within a tenant")
	assert.Equal(t, created.ID, got.ID)
}

func TestUpdate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := as("tenant-a", "user-1")
	created, err := f.svc.Create(ctx, CreateRequest{Name: "warehouse", Target: target()})
	require.NoError(t, err)

	name := "renamed"
	updated, err := f.svc.Update(ctx, created.ID, domain.ConnectionUpdate{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Empty(t, f.pools.recycled, "a rename does not touch the pool")

	host := "db2.internal"
	_, err = f.svc.Update(ctx, created.ID, domain.ConnectionUpdate{Host: &host})
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant-a/" + created.ID}, f.pools.recycled)
	assert.Equal(t, []string{"tenant-a/" + created.ID}, f.schema.keys)
}

func TestRetest(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := as("tenant-a", "user-1")
	created, err := f.svc.Create(ctx, CreateRequest{Name: "warehouse", Target: target()})
	require.NoError(t, err)

	res, d, err := f.svc.Retest(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, domain.ConnectionHealthy, d.State)
	assert.Equal(t, []string{"pw"}, f.pools.tested, "the stored secret is used")

	f.pools.result = domain.ConnectivityResult{Err: domain.NewQueryError(domain.KindConnectionUnreachable, "connection unreachable")}
	res, d, err = f.svc.Retest(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, domain.ConnectionUnhealthy, d.State)
	require.NotNil(t, d.LastError)
	assert.Equal(t, "ConnectionUnreachable: connection unreachable", *d.LastError)
	assert.Len(t, f.pools.recycled, 1)
}

func TestDelete(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := as("tenant-a", "user-1")
	created, err := f.svc.Create(ctx, CreateRequest{Name: "warehouse", Target: target()})
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, created.ID))
	assert.Equal(t, []string{created.ID}, f.pools.revoked)
	assert.Equal(t, []string{"tenant-a/" + created.ID}, f.schema.keys)

	_, err = f.svc.Get(ctx, created.ID)
	var nf *domain.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestRequiresIdentity(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	var denied *domain.AccessDeniedError
	_, err := f.svc.List(context.Background())
	assert.ErrorAs(t, err, &denied)
	_, err = f.svc.Test(context.Background(), target())
	assert.ErrorAs(t, err, &denied)
}
