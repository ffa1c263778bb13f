package domain

import (
	"context"
	"time"
)

// ConnectionRepository persists connection descriptors and their sealed
// secrets. Every lookup is scoped by tenant; revoked rows are invisible.
type ConnectionRepository interface {
	Create(ctx context.Context, d *ConnectionDescriptor, sealedSecret string) (*ConnectionDescriptor, error)
	Get(ctx context.Context, id, tenantID string) (*ConnectionDescriptor, error)
	GetSealedSecret(ctx context.Context, id, tenantID string) (string, error)
	List(ctx context.Context, tenantID string) ([]ConnectionDescriptor, error)
	Update(ctx context.Context, d *ConnectionDescriptor, sealedSecret *string) (*ConnectionDescriptor, error)
	UpdateSecret(ctx context.Context, id, tenantID, sealedSecret string) error
	RecordTest(ctx context.Context, id, tenantID string, state ConnectionState, testedAt time.Time, lastError *string) error
	Revoke(ctx context.Context, id, tenantID string) error
}

// QueryRecordRepository is the durable query log. Complete is the only
// terminal write and refuses to touch a record that is already terminal.
type QueryRecordRepository interface {
	Append(ctx context.Context, r *QueryRecord) (*QueryRecord, error)
	MarkRunning(ctx context.Context, id, tenantID, sql string, class QueryClassification) error
	Complete(ctx context.Context, r *QueryRecord) error
	List(ctx context.Context, filter QueryRecordFilter) ([]QueryRecord, int64, error)
	Get(ctx context.Context, id, tenantID string) (*QueryRecord, error)
	MarkSaved(ctx context.Context, id, tenantID, title string) (*QueryRecord, error)
	Delete(ctx context.Context, id, tenantID string) error
	FailAbandoned(ctx context.Context, kind ErrorKind, message string) (int64, error)
}
