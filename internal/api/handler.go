// Package api provides the HTTP surface of the query service.
package api

import (
	"context"
	"log/slog"

	"datapilot/internal/domain"
	"datapilot/internal/service/connection"
	"datapilot/internal/service/query"
	"datapilot/internal/sqlguard"
)

// QueryEngine runs natural-language questions and re-runs stored records.
type QueryEngine interface {
	Execute(ctx context.Context, req query.ExecuteRequest) (*domain.QueryResult, error)
	Rerun(ctx context.Context, queryID string) (*domain.QueryResult, error)
}

// History exposes the caller's query records.
type History interface {
	List(ctx context.Context, page domain.PageRequest, savedOnly bool) (*domain.QueryRecordPage, error)
	Get(ctx context.Context, queryID string) (*domain.QueryRecord, error)
	Save(ctx context.Context, queryID, title string) (*domain.QueryRecord, error)
	Delete(ctx context.Context, queryID string) error
}

// Connections manages the caller's tenant connections.
type Connections interface {
	Test(ctx context.Context, target connection.Target) (domain.ConnectivityResult, error)
	Create(ctx context.Context, req connection.CreateRequest) (*domain.ConnectionDescriptor, error)
	List(ctx context.Context) ([]domain.ConnectionDescriptor, error)
	Get(ctx context.Context, connectionID string) (*domain.ConnectionDescriptor, error)
	Update(ctx context.Context, connectionID string, u domain.ConnectionUpdate) (*domain.ConnectionDescriptor, error)
	Retest(ctx context.Context, connectionID string) (domain.ConnectivityResult, *domain.ConnectionDescriptor, error)
	Delete(ctx context.Context, connectionID string) error
}

// SQLValidator dry-runs the statement policy.
type SQLValidator interface {
	Validate(sqlText string) sqlguard.Verdict
}

// Handler serves the REST API.
type Handler struct {
	engine      QueryEngine
	history     History
	connections Connections
	validator   SQLValidator
	logger      *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(engine QueryEngine, history History, connections Connections, validator SQLValidator, logger *slog.Logger) *Handler {
	return &Handler{
		engine:      engine,
		history:     history,
		connections: connections,
		validator:   validator,
		logger:      logger,
	}
}
