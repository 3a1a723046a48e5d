package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pesio-ai/be-records-workflow/internal/platform/database"
)

// PostgresStore binds the Postgres repositories to a pool, or to a
// transaction inside InTransaction.
type PostgresStore struct {
	db *database.DB
	pgRepositories
}

var _ Store = (*PostgresStore)(nil)

type pgRepositories struct {
	workflows   *WorkflowDefinitionRepository
	requests    *RequestStatusRepository
	assignments *AssignmentTaskRepository
	history     *HistoryLedgerRepository
}

func newPGRepositories(q database.Querier) pgRepositories {
	return pgRepositories{
		workflows:   NewWorkflowDefinitionRepository(q),
		requests:    NewRequestStatusRepository(q),
		assignments: NewAssignmentTaskRepository(q),
		history:     NewHistoryLedgerRepository(q),
	}
}

func (r pgRepositories) Workflows() WorkflowRepository     { return r.workflows }
func (r pgRepositories) Requests() RequestRepository       { return r.requests }
func (r pgRepositories) Assignments() AssignmentRepository { return r.assignments }
func (r pgRepositories) History() HistoryRepository        { return r.history }

// NewPostgresStore creates a store over an open pool.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db, pgRepositories: newPGRepositories(db)}
}

// InTransaction runs fn with repositories bound to a single transaction.
func (s *PostgresStore) InTransaction(ctx context.Context, fn func(tx Repositories) error) error {
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		return fn(newPGRepositories(tx))
	})
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}
