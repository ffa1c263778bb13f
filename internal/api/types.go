package api

import (
	"time"

	"datapilot/internal/domain"
	"datapilot/internal/service/connection"
)

// === Connections ===

type targetBody struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Database   string `json:"database"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	SSLEnabled bool   `json:"ssl_enabled"`
}

func (b targetBody) target() connection.Target {
	return connection.Target{
		Host:       b.Host,
		Port:       b.Port,
		Database:   b.Database,
		Username:   b.Username,
		Password:   domain.NewSecret(b.Password),
		SSLEnabled: b.SSLEnabled,
	}
}

type createConnectionBody struct {
	Name string `json:"name"`
	targetBody
	Verify bool `json:"verify"`
}

type updateConnectionBody struct {
	Name       *string `json:"name"`
	Host       *string `json:"host"`
	Port       *int    `json:"port"`
	Database   *string `json:"database"`
	Username   *string `json:"username"`
	Password   *string `json:"password"`
	SSLEnabled *bool   `json:"ssl_enabled"`
}

func (b updateConnectionBody) update() domain.ConnectionUpdate {
	u := domain.ConnectionUpdate{
		Name:       b.Name,
		Host:       b.Host,
		Port:       b.Port,
		Database:   b.Database,
		Username:   b.Username,
		SSLEnabled: b.SSLEnabled,
	}
	if b.Password != nil {
		s := domain.NewSecret(*b.Password)
		u.Password = &s
	}
	return u
}

type connectionJSON struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Type         string     `json:"type"`
	Host         string     `json:"host"`
	Port         int        `json:"port"`
	Database     string     `json:"database"`
	Username     string     `json:"username"`
	SSLEnabled   bool       `json:"ssl_enabled"`
	State        string     `json:"state"`
	OwnerID      string     `json:"owner_id"`
	LastTestedAt *time.Time `json:"last_tested_at,omitempty"`
	LastError    *string    `json:"last_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func connectionToAPI(d domain.ConnectionDescriptor) connectionJSON {
	return connectionJSON{
		ID:           d.ID,
		Name:         d.Name,
		Type:         d.Type,
		Host:         d.Host,
		Port:         d.Port,
		Database:     d.Database,
		Username:     d.Username,
		SSLEnabled:   d.SSLEnabled,
		State:        string(d.State),
		OwnerID:      d.OwnerID,
		LastTestedAt: d.LastTestedAt,
		LastError:    d.LastError,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

type testResultJSON struct {
	Success        bool            `json:"success"`
	Message        string          `json:"message"`
	Error          string          `json:"error,omitempty"`
	Kind           string          `json:"kind,omitempty"`
	Retryable      bool            `json:"retryable,omitempty"`
	ResponseTimeMs *int64          `json:"response_time_ms,omitempty"`
	Connection     *connectionJSON `json:"connection,omitempty"`
}

func testResultToAPI(res domain.ConnectivityResult) testResultJSON {
	if res.Success {
		ms := res.Latency.Milliseconds()
		return testResultJSON{Success: true, Message: "connection successful", ResponseTimeMs: &ms}
	}
	out := testResultJSON{Message: "connection failed", Error: "connection unreachable"}
	if res.Err != nil {
		out.Error = res.Err.Message
		out.Kind = string(res.Err.Kind)
		out.Retryable = res.Err.Kind.Retryable()
	}
	return out
}

// === Queries ===

type executeBody struct {
	NaturalLanguageQuery string `json:"natural_language_query"`
	ConnectionID         string `json:"connection_id"`
}

type saveBody struct {
	Title string `json:"title"`
}

type queryResultJSON struct {
	QueryID        string          `json:"query_id"`
	Status         string          `json:"status"`
	SQL            string          `json:"sql"`
	Classification string          `json:"classification"`
	Columns        []string        `json:"columns"`
	Rows           [][]interface{} `json:"rows"`
	RowCount       int             `json:"row_count"`
	Truncated      bool            `json:"truncated"`
	DurationMs     int64           `json:"duration_ms"`
}

func queryResultToAPI(r *domain.QueryResult) queryResultJSON {
	columns, rows := r.Columns, r.Rows
	if columns == nil {
		columns = []string{}
	}
	if rows == nil {
		rows = [][]interface{}{}
	}
	return queryResultJSON{
		QueryID:        r.QueryID,
		Status:         string(r.Status),
		SQL:            r.SQL,
		Classification: string(r.Classification),
		Columns:        columns,
		Rows:           rows,
		RowCount:       r.RowCount,
		Truncated:      r.Truncated,
		DurationMs:     r.DurationMs,
	}
}

type queryRecordJSON struct {
	ID                   string     `json:"id"`
	NaturalLanguageQuery string     `json:"natural_language_query"`
	GeneratedSQL         *string    `json:"generated_sql,omitempty"`
	ConnectionID         *string    `json:"connection_id,omitempty"`
	Status               string     `json:"status"`
	Classification       string     `json:"classification,omitempty"`
	RowCount             int        `json:"row_count"`
	Truncated            bool       `json:"truncated"`
	DurationMs           int64      `json:"duration_ms"`
	ErrorKind            *string    `json:"error_kind,omitempty"`
	ErrorMessage         *string    `json:"error_message,omitempty"`
	IsSaved              bool       `json:"is_saved"`
	Title                *string    `json:"title,omitempty"`
	SourceQueryID        *string    `json:"source_query_id,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
}

func queryRecordToAPI(r domain.QueryRecord) queryRecordJSON {
	out := queryRecordJSON{
		ID:                   r.ID,
		NaturalLanguageQuery: r.Question,
		GeneratedSQL:         r.GeneratedSQL,
		ConnectionID:         r.ConnectionID,
		Status:               string(r.Status),
		Classification:       string(r.Classification),
		RowCount:             r.RowCount,
		Truncated:            r.Truncated,
		DurationMs:           r.DurationMs,
		ErrorMessage:         r.ErrorMessage,
		IsSaved:              r.Saved,
		Title:                r.Title,
		SourceQueryID:        r.SourceQueryID,
		CreatedAt:            r.CreatedAt,
		CompletedAt:          r.CompletedAt,
	}
	if r.ErrorKind != nil {
		k := string(*r.ErrorKind)
		out.ErrorKind = &k
	}
	return out
}

type queryPageJSON struct {
	Queries  []queryRecordJSON `json:"queries"`
	Total    int64             `json:"total"`
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
}

// === SQL ===

type validateBody struct {
	SQL string `json:"sql"`
}

type verdictJSON struct {
	Allowed        bool   `json:"allowed"`
	Classification string `json:"classification"`
	NormalizedSQL  string `json:"normalized_sql,omitempty"`
	Reason         string `json:"reason,omitempty"`
}
