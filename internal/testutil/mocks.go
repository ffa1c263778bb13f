// Package testutil provides shared mock implementations of the service
// interfaces for use in tests across the codebase.
package testutil

import (
	"context"
	"sync"

	"datapilot/internal/domain"
	"datapilot/internal/service/connection"
	"datapilot/internal/service/query"
)

// === Query engine ===

// MockQueryEngine implements api.QueryEngine for testing.
type MockQueryEngine struct {
	ExecuteFn func(ctx context.Context, req query.ExecuteRequest) (*domain.QueryResult, error)
	RerunFn   func(ctx context.Context, queryID string) (*domain.QueryResult, error)
}

// Execute implements the interface method for testing.
func (m *MockQueryEngine) Execute(ctx context.Context, req query.ExecuteRequest) (*domain.QueryResult, error) {
	if m.ExecuteFn != nil {
		return m.ExecuteFn(ctx, req)
	}
	panic("unexpected call to MockQueryEngine.Execute")
}

// Rerun implements the interface method for testing.
func (m *MockQueryEngine) Rerun(ctx context.Context, queryID string) (*domain.QueryResult, error) {
	if m.RerunFn != nil {
		return m.RerunFn(ctx, queryID)
	}
	panic("unexpected call to MockQueryEngine.Rerun")
}

// === History ===

// MockHistory implements api.History for testing.
type MockHistory struct {
	ListFn   func(ctx context.Context, page domain.PageRequest, savedOnly bool) (*domain.QueryRecordPage, error)
	GetFn    func(ctx context.Context, queryID string) (*domain.QueryRecord, error)
	SaveFn   func(ctx context.Context, queryID, title string) (*domain.QueryRecord, error)
	DeleteFn func(ctx context.Context, queryID string) error
}

// List implements the interface method for testing.
func (m *MockHistory) List(ctx context.Context, page domain.PageRequest, savedOnly bool) (*domain.QueryRecordPage, error) {
	if m.ListFn != nil {
		return m.ListFn(ctx, page, savedOnly)
	}
	panic("unexpected call to MockHistory.List")
}

// Get implements the interface method for testing.
func (m *MockHistory) Get(ctx context.Context, queryID string) (*domain.QueryRecord, error) {
	if m.GetFn != nil {
		return m.GetFn(ctx, queryID)
	}
	panic("unexpected call to MockHistory.Get")
}

// Save implements the interface method for testing.
func (m *MockHistory) Save(ctx context.Context, queryID, title string) (*domain.QueryRecord, error) {
	if m.SaveFn != nil {
		return m.SaveFn(ctx, queryID, title)
	}
	panic("unexpected call to MockHistory.Save")
}

// Delete implements the interface method for testing.
func (m *MockHistory) Delete(ctx context.Context, queryID string) error {
	if m.DeleteFn != nil {
		return m.DeleteFn(ctx, queryID)
	}
	panic("unexpected call to MockHistory.Delete")
}

// === Connections ===

// MockConnections implements api.Connections for testing.
type MockConnections struct {
	TestFn   func(ctx context.Context, target connection.Target) (domain.ConnectivityResult, error)
	CreateFn func(ctx context.Context, req connection.CreateRequest) (*domain.ConnectionDescriptor, error)
	ListFn   func(ctx context.Context) ([]domain.ConnectionDescriptor, error)
	GetFn    func(ctx context.Context, connectionID string) (*domain.ConnectionDescriptor, error)
	UpdateFn func(ctx context.Context, connectionID string, u domain.ConnectionUpdate) (*domain.ConnectionDescriptor, error)
	RetestFn func(ctx context.Context, connectionID string) (domain.ConnectivityResult, *domain.ConnectionDescriptor, error)
	DeleteFn func(ctx context.Context, connectionID string) error
}

// Test implements the interface method for testing.
func (m *MockConnections) Test(ctx context.Context, target connection.Target) (domain.ConnectivityResult, error) {
	if m.TestFn != nil {
		return m.TestFn(ctx, target)
	}
	panic("unexpected call to MockConnections.Test")
}

// Create implements the interface method for testing.
func (m *MockConnections) Create(ctx context.Context, req connection.CreateRequest) (*domain.ConnectionDescriptor, error) {
	if m.CreateFn != nil {
		return m.CreateFn(ctx, req)
	}
	panic("unexpected call to MockConnections.Create")
}

// List implements the interface method for testing.
func (m *MockConnections) List(ctx context.Context) ([]domain.ConnectionDescriptor, error) {
	if m.ListFn != nil {
		return m.ListFn(ctx)
	}
	panic("unexpected call to MockConnections.List")
}

// Get implements the interface method for testing.
func (m *MockConnections) Get(ctx context.Context, connectionID string) (*domain.ConnectionDescriptor, error) {
	if m.GetFn != nil {
		return m.GetFn(ctx, connectionID)
	}
	panic("unexpected call to MockConnections.Get")
}

// Update implements the interface method for testing.
func (m *MockConnections) Update(ctx context.Context, connectionID string, u domain.ConnectionUpdate) (*domain.ConnectionDescriptor, error) {
	if m.UpdateFn != nil {
		return m.UpdateFn(ctx, connectionID, u)
	}
	panic("unexpected call to MockConnections.Update")
}

// Retest implements the interface method for testing.
func (m *MockConnections) Retest(ctx context.Context, connectionID string) (domain.ConnectivityResult, *domain.ConnectionDescriptor, error) {
	if m.RetestFn != nil {
		return m.RetestFn(ctx, connectionID)
	}
	panic("unexpected call to MockConnections.Retest")
}

// Delete implements the interface method for testing.
func (m *MockConnections) Delete(ctx context.Context, connectionID string) error {
	if m.DeleteFn != nil {
		return m.DeleteFn(ctx, connectionID)
	}
	panic("unexpected call to MockConnections.Delete")
}

// === Query record repository ===

// MockQueryRecordRepo implements domain.QueryRecordRepository for testing.
// Only FailAbandoned has a default; other methods panic unless configured.
type MockQueryRecordRepo struct {
	GetFn func(ctx context.Context, id, tenantID string) (*domain.QueryRecord, error)

	mu            sync.Mutex
	AbandonedErr  error
	AbandonedRows int64
	AbandonedMsgs []string
}

// Append implements the interface method for testing.
func (m *MockQueryRecordRepo) Append(context.Context, *domain.QueryRecord) (*domain.QueryRecord, error) {
	panic("unexpected call to MockQueryRecordRepo.Append")
}

// MarkRunning implements the interface method for testing.
func (m *MockQueryRecordRepo) MarkRunning(context.Context, string, string, string, domain.QueryClassification) error {
	panic("unexpected call to MockQueryRecordRepo.MarkRunning")
}

// Complete implements the interface method for testing.
func (m *MockQueryRecordRepo) Complete(context.Context, *domain.QueryRecord) error {
	panic("unexpected call to MockQueryRecordRepo.Complete")
}

// List implements the interface method for testing.
func (m *MockQueryRecordRepo) List(context.Context, domain.QueryRecordFilter) ([]domain.QueryRecord, int64, error) {
	panic("unexpected call to MockQueryRecordRepo.List")
}

// Get implements the interface method for testing.
func (m *MockQueryRecordRepo) Get(ctx context.Context, id, tenantID string) (*domain.QueryRecord, error) {
	if m.GetFn != nil {
		return m.GetFn(ctx, id, tenantID)
	}
	panic("unexpected call to MockQueryRecordRepo.Get")
}

// MarkSaved implements the interface method for testing.
func (m *MockQueryRecordRepo) MarkSaved(context.Context, string, string, string) (*domain.QueryRecord, error) {
	panic("unexpected call to MockQueryRecordRepo.MarkSaved")
}

// Delete implements the interface method for testing.
func (m *MockQueryRecordRepo) Delete(context.Context, string, string) error {
	panic("unexpected call to MockQueryRecordRepo.Delete")
}

// FailAbandoned records the message and returns AbandonedRows, AbandonedErr.
func (m *MockQueryRecordRepo) FailAbandoned(_ context.Context, kind domain.ErrorKind, message string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AbandonedMsgs = append(m.AbandonedMsgs, string(kind)+": "+message)
	return m.AbandonedRows, m.AbandonedErr
}

// AbandonedCalls returns how many times FailAbandoned ran.
func (m *MockQueryRecordRepo) AbandonedCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.AbandonedMsgs)
}
