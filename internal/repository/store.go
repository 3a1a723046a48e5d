package repository

import (
	"context"
	"time"
)

// WorkflowRepository persists workflow definitions keyed by category.
type WorkflowRepository interface {
	Get(ctx context.Context, category string) (*WorkflowDefinition, error)
	List(ctx context.Context) ([]*WorkflowDefinition, error)
	// Save inserts or replaces a definition and bumps its version.
	Save(ctx context.Context, def *WorkflowDefinition) error
	Delete(ctx context.Context, category string) error
}

// RequestRepository reads and moves request status.
type RequestRepository interface {
	Create(ctx context.Context, req *Request) error
	GetByID(ctx context.Context, id string) (*Request, error)
	// UpdateStatus moves a request from one status to another. It fails with
	// a conflict when the stored status is no longer from.
	UpdateStatus(ctx context.Context, id string, from, to Status, at time.Time) error
	ListActiveByCategory(ctx context.Context, category string) ([]*Request, error)
	SetArtifact(ctx context.Context, id string, artifact Artifact) error
}

// AssignmentRepository persists reviewer tasks.
type AssignmentRepository interface {
	GetByID(ctx context.Context, id string) (*Assignment, error)
	// CreatePending inserts a pending assignment unless the reviewer already
	// holds one for the same request and step. created is false in that case.
	CreatePending(ctx context.Context, a *Assignment) (created bool, err error)
	// Complete closes a pending assignment. It fails with a conflict when the
	// assignment is no longer pending.
	Complete(ctx context.Context, id string, c Completion) error
	// SupersedePending closes every other pending assignment of a request.
	SupersedePending(ctx context.Context, requestID, exceptID string, at time.Time) (int64, error)
	ListByRequest(ctx context.Context, requestID string) ([]*Assignment, error)
	ListPendingForReviewer(ctx context.Context, reviewerID string) ([]*Assignment, error)
	ListPendingByCategory(ctx context.Context, category string) ([]*Assignment, error)
	DeletePendingByCategory(ctx context.Context, category string) (int64, error)
}

// HistoryRepository is the append-only request ledger.
type HistoryRepository interface {
	Append(ctx context.Context, entry *HistoryEntry) error
	ListByRequest(ctx context.Context, requestID string) ([]*HistoryEntry, error)
}

// Repositories groups the repositories bound to one connection or transaction.
type Repositories interface {
	Workflows() WorkflowRepository
	Requests() RequestRepository
	Assignments() AssignmentRepository
	History() HistoryRepository
}

// Store is a Repositories bound to the connection pool that can also open
// a transaction handing out transaction-bound repositories.
type Store interface {
	Repositories
	InTransaction(ctx context.Context, fn func(tx Repositories) error) error
	Ping(ctx context.Context) error
	Close() error
}
