package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pesio-ai/be-records-workflow/internal/platform/database"
	"github.com/pesio-ai/be-records-workflow/internal/platform/errors"
)

// AssignmentTaskRepository handles reviewer assignments. The partial unique
// index assignments_one_pending_idx backs the one-pending-per-reviewer rule.
type AssignmentTaskRepository struct {
	db database.Querier
}

var _ AssignmentRepository = (*AssignmentTaskRepository)(nil)

// NewAssignmentTaskRepository creates a new AssignmentTaskRepository.
func NewAssignmentTaskRepository(db database.Querier) *AssignmentTaskRepository {
	return &AssignmentTaskRepository{db: db}
}

const assignmentColumns = `
	id, request_id, category, step_id, reviewer_id, status,
	action, comment, completed_by, created_at, completed_at
`

// GetByID retrieves an assignment.
func (r *AssignmentTaskRepository) GetByID(ctx context.Context, id string) (*Assignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM assignments WHERE id = $1`

	a, err := r.scanAssignment(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("assignment", id)
	}
	return a, err
}

// CreatePending inserts a pending assignment, doing nothing when the
// reviewer already holds one for the same request and step.
func (r *AssignmentTaskRepository) CreatePending(ctx context.Context, a *Assignment) (bool, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.Status = AssignmentPending

	query := `
		INSERT INTO assignments
		    (id, request_id, category, step_id, reviewer_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6)
		ON CONFLICT (request_id, step_id, reviewer_id) WHERE status = 'pending'
		DO NOTHING
	`

	tag, err := r.db.Exec(ctx, query,
		a.ID,
		a.RequestID,
		a.Category,
		a.StepID,
		a.ReviewerID,
		a.CreatedAt,
	)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to create assignment")
	}
	return tag.RowsAffected() == 1, nil
}

// Complete closes a pending assignment. Only the first of two racing
// callers matches the status predicate.
func (r *AssignmentTaskRepository) Complete(ctx context.Context, id string, c Completion) error {
	query := `
		UPDATE assignments
		SET status       = 'completed',
		    action       = $2,
		    comment      = $3,
		    completed_by = $4,
		    completed_at = $5
		WHERE id = $1
		  AND status = 'pending'
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, c.Action, c.Comment, c.CompletedBy, c.At).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.Conflict("assignment already actioned")
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to complete assignment")
	}
	return nil
}

// SupersedePending closes the remaining pending assignments of a request.
func (r *AssignmentTaskRepository) SupersedePending(ctx context.Context, requestID, exceptID string, at time.Time) (int64, error) {
	query := `
		UPDATE assignments
		SET status       = 'completed',
		    action       = $3,
		    completed_at = $4
		WHERE request_id = $1
		  AND id <> $2
		  AND status = 'pending'
	`

	tag, err := r.db.Exec(ctx, query, requestID, exceptID, ActionSuperseded, at)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to supersede assignments")
	}
	return tag.RowsAffected(), nil
}

// ListByRequest returns every assignment of a request in creation order.
func (r *AssignmentTaskRepository) ListByRequest(ctx context.Context, requestID string) ([]*Assignment, error) {
	query := `SELECT ` + assignmentColumns + `
		FROM assignments
		WHERE request_id = $1
		ORDER BY created_at ASC, id ASC
	`
	return r.list(ctx, query, requestID)
}

// ListPendingForReviewer returns a reviewer's open tasks, oldest first.
func (r *AssignmentTaskRepository) ListPendingForReviewer(ctx context.Context, reviewerID string) ([]*Assignment, error) {
	query := `SELECT ` + assignmentColumns + `
		FROM assignments
		WHERE reviewer_id = $1
		  AND status = 'pending'
		ORDER BY created_at ASC, id ASC
	`
	return r.list(ctx, query, reviewerID)
}

// ListPendingByCategory returns every open task of a category.
func (r *AssignmentTaskRepository) ListPendingByCategory(ctx context.Context, category string) ([]*Assignment, error) {
	query := `SELECT ` + assignmentColumns + `
		FROM assignments
		WHERE category = $1
		  AND status = 'pending'
		ORDER BY request_id ASC, step_id ASC, reviewer_id ASC
	`
	return r.list(ctx, query, category)
}

// DeletePendingByCategory removes every open task of a category. Completed
// assignments are kept.
func (r *AssignmentTaskRepository) DeletePendingByCategory(ctx context.Context, category string) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM assignments WHERE category = $1 AND status = 'pending'`, category)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to delete pending assignments")
	}
	return tag.RowsAffected(), nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *AssignmentTaskRepository) list(ctx context.Context, query string, arg string) ([]*Assignment, error) {
	rows, err := r.db.Query(ctx, query, arg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list assignments")
	}
	defer rows.Close()

	var out []*Assignment
	for rows.Next() {
		a, err := r.scanAssignment(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan assignment")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *AssignmentTaskRepository) scanAssignment(row rowScanner) (*Assignment, error) {
	a := &Assignment{}
	var status string
	err := row.Scan(
		&a.ID,
		&a.RequestID,
		&a.Category,
		&a.StepID,
		&a.ReviewerID,
		&status,
		&a.Action,
		&a.Comment,
		&a.CompletedBy,
		&a.CreatedAt,
		&a.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Status = AssignmentStatus(status)
	return a, nil
}
