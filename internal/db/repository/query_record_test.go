package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datapilot/internal/db"
	"datapilot/internal/domain"
)

func strPtr(s string) *string { return &s }

func appendRecord(t *testing.T, repo *QueryRecordRepo, tenant, user string, created time.Time) *domain.QueryRecord {
	t.Helper()
	rec, err := repo.Append(context.Background(), &domain.QueryRecord{
		TenantID:     tenant,
		UserID:       user,
		ConnectionID: strPtr("conn-1"),
		Question:     "show me all users",
		CreatedAt:    created,
	})
	require.NoError(t, err)
	return rec
}

func TestQueryRecordRepo_Lifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	writeDB, _ := db.OpenTestSQLite(t)
	repo := NewQueryRecordRepo(writeDB)

	rec := appendRecord(t, repo, "tenant-a", "user-1", time.Now())
	assert.Equal(t, domain.QueryStatusPending, rec.Status)
	assert.Equal(t, domain.ClassificationRejected, rec.Classification)
	assert.Nil(t, rec.GeneratedSQL)

	require.NoError(t, repo.MarkRunning(ctx, rec.ID, "tenant-a", "SELECT * FROM users", domain.ClassificationRead))

	rec.Status = domain.QueryStatusSuccess
	rec.GeneratedSQL = strPtr("SELECT * FROM users")
	rec.Classification = domain.ClassificationRead
	rec.RowCount = 3
	rec.DurationMs = 12
	require.NoError(t, repo.Complete(ctx, rec))

	got, err := repo.Get(ctx, rec.ID, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, domain.QueryStatusSuccess, got.Status)
	assert.Equal(t, 3, got.RowCount)
	assert.Equal(t, int64(12), got.DurationMs)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.ConnectionID)
	assert.Equal(t, "conn-1", *got.ConnectionID)

	// Terminal records are immutable apart from saved/title.
	rec.Status = domain.QueryStatusFailed
	err = repo.Complete(ctx, rec)
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
	err = repo.MarkRunning(ctx, rec.ID, "tenant-a", "SELECT 1", domain.ClassificationRead)
	require.ErrorAs(t, err, &conflict)

	saved, err := repo.MarkSaved(ctx, rec.ID, "tenant-a", "All users")
	require.NoError(t, err)
	assert.True(t, saved.Saved)
	require.NotNil(t, saved.Title)
	assert.Equal(t, "All users", *saved.Title)
	assert.Equal(t, domain.QueryStatusSuccess, saved.Status)

	require.NoError(t, repo.Delete(ctx, rec.ID, "tenant-a"))
	_, err = repo.Get(ctx, rec.ID, "tenant-a")
	var nf *domain.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestQueryRecordRepo_FailedRecord(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	writeDB, _ := db.OpenTestSQLite(t)
	repo := NewQueryRecordRepo(writeDB)

	rec := appendRecord(t, repo, "tenant-a", "user-1", time.Now())
	kind := domain.KindValidationRejected
	rec.Status = domain.QueryStatusFailed
	rec.GeneratedSQL = strPtr("DROP TABLE orders")
	rec.ErrorKind = &kind
	rec.ErrorMessage = strPtr("ValidationRejected: only read-only statements are allowed")
	require.NoError(t, repo.Complete(ctx, rec))

	got, err := repo.Get(ctx, rec.ID, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, domain.QueryStatusFailed, got.Status)
	require.NotNil(t, got.ErrorKind)
	assert.Equal(t, domain.KindValidationRejected, *got.ErrorKind)
	assert.Equal(t, domain.ClassificationRejected, got.Classification)
}

func TestQueryRecordRepo_CompleteRequiresTerminalStatus(t *testing.T) {
	t.Parallel()
	writeDB, _ := db.OpenTestSQLite(t)
	repo := NewQueryRecordRepo(writeDB)

	rec := appendRecord(t, repo, "tenant-a", "user-1", time.Now())
	rec.Status = domain.QueryStatusRunning
	err := repo.Complete(context.Background(), rec)
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestQueryRecordRepo_ListPagination(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	writeDB, _ := db.OpenTestSQLite(t)
	repo := NewQueryRecordRepo(writeDB)

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 5; i++ {
		rec := appendRecord(t, repo, "tenant-a", "user-1", base.Add(time.Duration(i)*time.Minute))
		ids = append(ids, rec.ID)
	}
	appendRecord(t, repo, "tenant-a", "user-2", base)
	appendRecord(t, repo, "tenant-b", "user-1", base)
	_, err := repo.MarkSaved(ctx, ids[1], "tenant-a", "second")
	require.NoError(t, err)

	tests := []struct {
		name      string
		filter    domain.QueryRecordFilter
		wantIDs   []string
		wantTotal int64
	}{
		{
			name:      "first page newest first",
			filter:    domain.QueryRecordFilter{TenantID: "tenant-a", UserID: "user-1", Page: domain.PageRequest{Page: 1, PageSize: 2}},
			wantIDs:   []string{ids[4], ids[3]},
			wantTotal: 5,
		},
		{
			name:      "last partial page",
			filter:    domain.QueryRecordFilter{TenantID: "tenant-a", UserID: "user-1", Page: domain.PageRequest{Page: 3, PageSize: 2}},
			wantIDs:   []string{ids[0]},
			wantTotal: 5,
		},
		{
			name:      "saved only",
			filter:    domain.QueryRecordFilter{TenantID: "tenant-a", UserID: "user-1", SavedOnly: true},
			wantIDs:   []string{ids[1]},
			wantTotal: 1,
		},
		{
			name:      "other tenant sees nothing of tenant-a",
			filter:    domain.QueryRecordFilter{TenantID: "tenant-b", UserID: "user-2"},
			wantIDs:   []string{},
			wantTotal: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, total, err := repo.List(ctx, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.wantTotal, total)
			got := make([]string, 0, len(recs))
			for _, r := range recs {
				got = append(got, r.ID)
			}
			assert.Equal(t, tt.wantIDs, got)
		})
	}
}

func TestQueryRecordRepo_CrossTenantNotFound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	writeDB, _ := db.OpenTestSQLite(t)
	repo := NewQueryRecordRepo(writeDB)

	rec := appendRecord(t, repo, "tenant-a", "user-1", time.Now())

	var nf *domain.NotFoundError
	_, err := repo.Get(ctx, rec.ID, "tenant-b")
	require.ErrorAs(t, err, &nf)
	_, err = repo.MarkSaved(ctx, rec.ID, "tenant-b", "stolen")
	require.ErrorAs(t, err, &nf)
	err = repo.Delete(ctx, rec.ID, "tenant-b")
	require.ErrorAs(t, err, &nf)
	err = repo.MarkRunning(ctx, rec.ID, "tenant-b", "SELECT 1", domain.ClassificationRead)
	require.ErrorAs(t, err, &nf)

	got, err := repo.Get(ctx, rec.ID, "tenant-a")
	require.NoError(t, err)
	assert.False(t, got.Saved)
}

func TestQueryRecordRepo_FailAbandoned(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	writeDB, _ := db.OpenTestSQLite(t)
	repo := NewQueryRecordRepo(writeDB)

	pending := appendRecord(t, repo, "tenant-a", "user-1", time.Now())
	running := appendRecord(t, repo, "tenant-a", "user-1", time.Now())
	require.NoError(t, repo.MarkRunning(ctx, running.ID, "tenant-a", "SELECT 1", domain.ClassificationRead))
	done := appendRecord(t, repo, "tenant-a", "user-1", time.Now())
	done.Status = domain.QueryStatusSuccess
	require.NoError(t, repo.Complete(ctx, done))

	n, err := repo.FailAbandoned(ctx, domain.KindCancelled, "interrupted by restart")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	for _, id := range []string{pending.ID, running.ID} {
		got, err := repo.Get(ctx, id, "tenant-a")
		require.NoError(t, err)
		assert.Equal(t, domain.QueryStatusFailed, got.Status, id)
		require.NotNil(t, got.ErrorMessage)
		assert.Equal(t, fmt.Sprintf("%s: interrupted by restart", domain.KindCancelled), *got.ErrorMessage)
	}
	got, err := repo.Get(ctx, done.ID, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, domain.QueryStatusSuccess, got.Status)
}

func TestQueryRecordRepo_DeleteRequiresTerminal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	writeDB, _ := db.OpenTestSQLite(t)
	repo := NewQueryRecordRepo(writeDB)

	rec := appendRecord(t, repo, "tenant-a", "user-1", time.Now())

	var conflict *domain.ConflictError
	require.ErrorAs(t, repo.Delete(ctx, rec.ID, "tenant-a"), &conflict)

	require.NoError(t, repo.MarkRunning(ctx, rec.ID, "tenant-a", "SELECT 1", domain.ClassificationRead))
	require.ErrorAs(t, repo.Delete(ctx, rec.ID, "tenant-a"), &conflict)

	rec.Status = domain.QueryStatusSuccess
	require.NoError(t, repo.Complete(ctx, rec), "terminal write after a refused delete")

	require.NoError(t, repo.Delete(ctx, rec.ID, "tenant-a"))
	var nf *domain.NotFoundError
	require.ErrorAs(t, repo.Delete(ctx, rec.ID, "tenant-a"), &nf)
}
