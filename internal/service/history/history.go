// Package history exposes a user's query records: listing, saving and
// deleting past executions.
package history

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"datapilot/internal/domain"
)

const maxTitleLength = 255

// Service reads and curates the caller's query records.
type Service struct {
	records domain.QueryRecordRepository
	logger  *slog.Logger
}

// New creates a Service.
func New(records domain.QueryRecordRepository, logger *slog.Logger) *Service {
	return &Service{records: records, logger: logger}
}

// List returns one page of the caller's records, newest first.
func (s *Service) List(ctx context.Context, page domain.PageRequest, savedOnly bool) (*domain.QueryRecordPage, error) {
	id, err := domain.RequireIdentity(ctx)
	if err != nil {
		return nil, err
	}
	page = page.Normalize()
	recs, total, err := s.records.List(ctx, domain.QueryRecordFilter{
		TenantID:  id.TenantID,
		UserID:    id.UserID,
		SavedOnly: savedOnly,
		Page:      page,
	})
	if err != nil {
		return nil, s.storeFailure("list", "", err)
	}
	return &domain.QueryRecordPage{Records: recs, Total: total, Page: page.Page, PageSize: page.PageSize}, nil
}

// Get returns one of the caller's records.
func (s *Service) Get(ctx context.Context, queryID string) (*domain.QueryRecord, error) {
	id, err := domain.RequireIdentity(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := s.records.Get(ctx, queryID, id.TenantID)
	if err != nil {
		return nil, s.storeFailure("get", queryID, err)
	}
	if rec.UserID != id.UserID {
		return nil, domain.ErrNotFound("query %q not found", queryID)
	}
	return rec, nil
}

// Save marks a record as saved under title.
func (s *Service) Save(ctx context.Context, queryID, title string) (*domain.QueryRecord, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, domain.ErrValidation("title is required")
	}
	if len(title) > maxTitleLength {
		return nil, domain.ErrValidation("title must be at most %d characters", maxTitleLength)
	}
	rec, err := s.Get(ctx, queryID)
	if err != nil {
		return nil, err
	}
	saved, err := s.records.MarkSaved(ctx, rec.ID, rec.TenantID, title)
	if err != nil {
		return nil, s.storeFailure("save", queryID, err)
	}
	return saved, nil
}

// Delete removes one of the caller's records.
func (s *Service) Delete(ctx context.Context, queryID string) error {
	rec, err := s.Get(ctx, queryID)
	if err != nil {
		return err
	}
	if err := s.records.Delete(ctx, rec.ID, rec.TenantID); err != nil {
		return s.storeFailure("delete", queryID, err)
	}
	s.logger.Info("query record deleted", "query_id", rec.ID, "tenant_id", rec.TenantID)
	return nil
}

func (s *Service) storeFailure(op, queryID string, err error) error {
	var nf *domain.NotFoundError
	if errors.As(err, &nf) {
		return domain.ErrNotFound("query %q not found", queryID)
	}
	var conflict *domain.ConflictError
	if errors.As(err, &conflict) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	s.logger.Error("query record store failure", "op", op, "query_id", queryID, "error", err, "alert", true)
	return domain.ErrUnavailable(err, "service unavailable")
}
