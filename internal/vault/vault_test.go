package vault

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datapilot/internal/db"
	"datapilot/internal/db/crypto"
	"datapilot/internal/db/repository"
	"datapilot/internal/domain"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type testVault struct {
	*Vault
	repo *repository.ConnectionRepo
	logs *bytes.Buffer
}

func newTestVault(t *testing.T) testVault {
	t.Helper()
	writeDB, _ := db.OpenTestSQLite(t)
	enc, err := crypto.NewEncryptor(testKey)
	require.NoError(t, err)
	repo := repository.NewConnectionRepo(writeDB)
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return testVault{Vault: New(repo, enc, logger), repo: repo, logs: &logs}
}

func sampleDescriptor(tenant string) *domain.ConnectionDescriptor {
	return &domain.ConnectionDescriptor{
		TenantID: tenant,
		OwnerID:  "user-1",
		Name:     "warehouse",
		Host:     "db.internal",
		Port:     5432,
		Database: "sales",
		Username: "reader",
	}
}

func TestVault_StoreAndResolve(t *testing.T) {
	t.Parallel()
	v := newTestVault(t)
	ctx := context.Background()

	created, err := v.Store(ctx, sampleDescriptor("tenant-a"), domain.NewSecret("s3cret-pw"))
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, domain.ConnectionUntested, created.State)

	sealed, err := v.repo.GetSealedSecret(ctx, created.ID, "tenant-a")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "s3cret-pw")

	d, secret, err := v.Resolve(ctx, created.ID, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, "s3cret-pw", secret.Reveal())
	assert.Equal(t, created.ID, d.ID)

	assert.NotContains(t, v.logs.String(), "s3cret-pw")
}

func TestVault_OtherTenantSeesNotFound(t *testing.T) {
	t.Parallel()
	v := newTestVault(t)
	ctx := context.Background()

	created, err := v.Store(ctx, sampleDescriptor("tenant-a"), domain.NewSecret("pw"))
	require.NoError(t, err)

	var nf *domain.NotFoundError
	_, _, err = v.Resolve(ctx, created.ID, "tenant-b")
	assert.ErrorAs(t, err, &nf)
	_, err = v.Describe(ctx, created.ID, "tenant-b")
	assert.ErrorAs(t, err, &nf)
	assert.ErrorAs(t, v.Revoke(ctx, created.ID, "tenant-b"), &nf)
	assert.ErrorAs(t, v.Rotate(ctx, created.ID, "tenant-b", domain.NewSecret("x")), &nf)

	list, err := v.List(ctx, "tenant-b")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestVault_StoreValidation(t *testing.T) {
	t.Parallel()
	v := newTestVault(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*domain.ConnectionDescriptor)
		secret domain.Secret
	}{
		{"missing host", func(d *domain.ConnectionDescriptor) { d.Host = "" }, domain.NewSecret("pw")},
		{"bad port", func(d *domain.ConnectionDescriptor) { d.Port = 70000 }, domain.NewSecret("pw")},
		{"missing name", func(d *domain.ConnectionDescriptor) { d.Name = " " }, domain.NewSecret("pw")},
		{"missing password", func(*domain.ConnectionDescriptor) {}, domain.Secret{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := sampleDescriptor("tenant-a")
			tt.mutate(d)
			_, err := v.Store(ctx, d, tt.secret)
			var ve *domain.ValidationError
			assert.ErrorAs(t, err, &ve)
		})
	}
}

func TestVault_DuplicateName(t *testing.T) {
	t.Parallel()
	v := newTestVault(t)
	ctx := context.Background()

	_, err := v.Store(ctx, sampleDescriptor("tenant-a"), domain.NewSecret("pw"))
	require.NoError(t, err)
	_, err = v.Store(ctx, sampleDescriptor("tenant-a"), domain.NewSecret("pw"))
	var conflict *domain.ConflictError
	assert.ErrorAs(t, err, &conflict)

	_, err = v.Store(ctx, sampleDescriptor("tenant-b"), domain.NewSecret("pw"))
	assert.NoError(t, err, "names are unique per tenant only")
}

func TestVault_UpdateAndRotate(t *testing.T) {
	t.Parallel()
	v := newTestVault(t)
	ctx := context.Background()

	created, err := v.Store(ctx, sampleDescriptor("tenant-a"), domain.NewSecret("old-pw"))
	require.NoError(t, err)
	_, err = v.RecordTest(ctx, created.ID, "tenant-a", domain.ConnectivityResult{Success: true})
	require.NoError(t, err)

	host := "db2.internal"
	pw := domain.NewSecret("new-pw")
	updated, err := v.Update(ctx, created.ID, "tenant-a", domain.ConnectionUpdate{Host: &host, Password: &pw})
	require.NoError(t, err)
	assert.Equal(t, "db2.internal", updated.Host)
	assert.Equal(t, domain.ConnectionUntested, updated.State)

	_, secret, err := v.Resolve(ctx, created.ID, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, "new-pw", secret.Reveal())

	badPort := 0
	_, err = v.Update(ctx, created.ID, "tenant-a", domain.ConnectionUpdate{Port: &badPort})
	var ve *domain.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestVault_UpdateConflictKeepsOldSecret(t *testing.T) {
	t.Parallel()
	v := newTestVault(t)
	ctx := context.Background()

	_, err := v.Store(ctx, sampleDescriptor("tenant-a"), domain.NewSecret("pw-a"))
	require.NoError(t, err)
	second := sampleDescriptor("tenant-a")
	second.Name = "replica"
	b, err := v.Store(ctx, second, domain.NewSecret("pw-b"))
	require.NoError(t, err)

	taken := "warehouse"
	pw := domain.NewSecret("rotated")
	_, err = v.Update(ctx, b.ID, "tenant-a", domain.ConnectionUpdate{Name: &taken, Password: &pw})
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)

	got, secret, err := v.Resolve(ctx, b.ID, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, "replica", got.Name)
	assert.Equal(t, "pw-b", secret.Reveal(), "a failed update must not rotate the password")

	empty := domain.NewSecret("")
	_, err = v.Update(ctx, b.ID, "tenant-a", domain.ConnectionUpdate{Password: &empty})
	var ve *domain.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestVault_RecordTest(t *testing.T) {
	t.Parallel()
	v := newTestVault(t)
	ctx := context.Background()

	created, err := v.Store(ctx, sampleDescriptor("tenant-a"), domain.NewSecret("pw"))
	require.NoError(t, err)

	got, err := v.RecordTest(ctx, created.ID, "tenant-a", domain.ConnectivityResult{
		Err: domain.NewQueryError(domain.KindConnectionUnreachable, "connection unreachable"),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionUnhealthy, got.State)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "ConnectionUnreachable: connection unreachable", *got.LastError)
	assert.NotNil(t, got.LastTestedAt)

	got, err = v.RecordTest(ctx, created.ID, "tenant-a", domain.ConnectivityResult{Success: true})
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionHealthy, got.State)
	assert.Nil(t, got.LastError)
}

func TestVault_Revoke(t *testing.T) {
	t.Parallel()
	v := newTestVault(t)
	ctx := context.Background()

	created, err := v.Store(ctx, sampleDescriptor("tenant-a"), domain.NewSecret("pw"))
	require.NoError(t, err)
	require.NoError(t, v.Revoke(ctx, created.ID, "tenant-a"))

	_, _, err = v.Resolve(ctx, created.ID, "tenant-a")
	var nf *domain.NotFoundError
	assert.ErrorAs(t, err, &nf)

	_, err = v.Store(ctx, sampleDescriptor("tenant-a"), domain.NewSecret("pw"))
	assert.NoError(t, err, "a revoked name can be reused")
}

type brokenSealer struct{}

func (brokenSealer) Seal(string, string) (string, error) { return "", errors.New("hsm offline") }
func (brokenSealer) Open(string, string) (string, error) { return "", errors.New("hsm offline") }

func TestVault_SealerFailureIsUnavailable(t *testing.T) {
	t.Parallel()
	writeDB, _ := db.OpenTestSQLite(t)
	var logs bytes.Buffer
	v := New(repository.NewConnectionRepo(writeDB), brokenSealer{}, slog.New(slog.NewJSONHandler(&logs, nil)))

	_, err := v.Store(context.Background(), sampleDescriptor("tenant-a"), domain.NewSecret("pw"))
	var ue *domain.UnavailableError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "credential vault unavailable", ue.Error())
	assert.True(t, strings.Contains(logs.String(), `"alert":true`))
}

func TestVault_TamperedSecretIsUnavailable(t *testing.T) {
	t.Parallel()
	v := newTestVault(t)
	ctx := context.Background()

	a, err := v.Store(ctx, sampleDescriptor("tenant-a"), domain.NewSecret("pw-a"))
	require.NoError(t, err)
	bDesc := sampleDescriptor("tenant-a")
	bDesc.Name = "other"
	b, err := v.Store(ctx, bDesc, domain.NewSecret("pw-b"))
	require.NoError(t, err)

	// Copy a's sealed secret onto b's row.
	sealedA, err := v.repo.GetSealedSecret(ctx, a.ID, "tenant-a")
	require.NoError(t, err)
	require.NoError(t, v.repo.UpdateSecret(ctx, b.ID, "tenant-a", sealedA))

	_, _, err = v.Resolve(ctx, b.ID, "tenant-a")
	var ue *domain.UnavailableError
	assert.ErrorAs(t, err, &ue)
}
