package domain

import "time"

// QueryStatus is the lifecycle state of a query record.
type QueryStatus string

// Query record statuses. success and failed are terminal.
const (
	QueryStatusPending QueryStatus = "pending"
	QueryStatusRunning QueryStatus = "running"
	QueryStatusSuccess QueryStatus = "success"
	QueryStatusFailed  QueryStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s QueryStatus) Terminal() bool {
	return s == QueryStatusSuccess || s == QueryStatusFailed
}

// QueryClassification describes what kind of statement a record ran.
type QueryClassification string

// Statement classifications.
const (
	ClassificationRead      QueryClassification = "read"
	ClassificationAggregate QueryClassification = "aggregate"
	ClassificationRejected  QueryClassification = "unknown-rejected"
)

// QueryRecord is the durable audit entry for one query attempt.
type QueryRecord struct {
	ID             string
	TenantID       string
	UserID         string
	ConnectionID   *string
	Question       string
	GeneratedSQL   *string
	Classification QueryClassification
	Status         QueryStatus
	RowCount       int
	Truncated      bool
	DurationMs     int64
	ErrorKind      *ErrorKind
	ErrorMessage   *string
	Saved          bool
	Title          *string
	SourceQueryID  *string
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

// QueryRecordFilter selects records for a list call.
type QueryRecordFilter struct {
	TenantID  string
	UserID    string
	SavedOnly bool
	Page      PageRequest
}

// QueryRecordPage is one page of a list call.
type QueryRecordPage struct {
	Records  []QueryRecord
	Total    int64
	Page     int
	PageSize int
}

// QueryResult is returned to the caller of a successful execution.
type QueryResult struct {
	QueryID        string
	SQL            string
	Classification QueryClassification
	Columns        []string
	Rows           [][]interface{}
	RowCount       int
	Truncated      bool
	DurationMs     int64
	Status         QueryStatus
}
