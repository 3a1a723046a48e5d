package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pesio-ai/be-records-workflow/internal/platform/database"
	"github.com/pesio-ai/be-records-workflow/internal/platform/errors"
)

// RequestStatusRepository handles the request columns the engine owns:
// status and the post-approval artifact.
type RequestStatusRepository struct {
	db database.Querier
}

var _ RequestRepository = (*RequestStatusRepository)(nil)

// NewRequestStatusRepository creates a new RequestStatusRepository.
func NewRequestStatusRepository(db database.Querier) *RequestStatusRepository {
	return &RequestStatusRepository{db: db}
}

// Create inserts a request row.
func (r *RequestStatusRepository) Create(ctx context.Context, req *Request) error {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	req.UpdatedAt = req.CreatedAt

	query := `
		INSERT INTO requests (id, category, reference_number, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.Exec(ctx, query,
		req.ID,
		req.Category,
		req.ReferenceNumber,
		string(req.Status),
		req.CreatedAt,
		req.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create request")
	}
	return nil
}

// GetByID retrieves a request by its primary key.
func (r *RequestStatusRepository) GetByID(ctx context.Context, id string) (*Request, error) {
	query := `
		SELECT id, category, reference_number, status,
		       artifact_ref, pickup_token, pickup_expires_at, generated_at,
		       created_at, updated_at
		FROM requests
		WHERE id = $1
	`

	req, err := r.scanRequest(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("request", id)
	}
	return req, err
}

// UpdateStatus moves the request only if it is still in status from.
func (r *RequestStatusRepository) UpdateStatus(ctx context.Context, id string, from, to Status, at time.Time) error {
	query := `
		UPDATE requests
		SET status     = $3,
		    updated_at = $4
		WHERE id = $1
		  AND status = $2
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, string(from), string(to), at).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.Conflict(fmt.Sprintf("request %s is no longer %s", id, from))
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update request status")
	}
	return nil
}

// ListActiveByCategory returns every non-terminal request of a category,
// oldest first.
func (r *RequestStatusRepository) ListActiveByCategory(ctx context.Context, category string) ([]*Request, error) {
	query := `
		SELECT id, category, reference_number, status,
		       artifact_ref, pickup_token, pickup_expires_at, generated_at,
		       created_at, updated_at
		FROM requests
		WHERE category = $1
		  AND NOT (status = ANY($2))
		ORDER BY created_at ASC, id ASC
	`

	terminal := make([]string, 0, 4)
	for _, s := range TerminalStatuses() {
		terminal = append(terminal, string(s))
	}

	rows, err := r.db.Query(ctx, query, category, terminal)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list active requests")
	}
	defer rows.Close()

	var reqs []*Request
	for rows.Next() {
		req, err := r.scanRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan request")
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

// SetArtifact records the generated document and pickup token.
func (r *RequestStatusRepository) SetArtifact(ctx context.Context, id string, a Artifact) error {
	query := `
		UPDATE requests
		SET artifact_ref      = $2,
		    pickup_token      = $3,
		    pickup_expires_at = $4,
		    generated_at      = $5,
		    updated_at        = $5
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, a.Ref, a.PickupToken, a.PickupExpiresAt, a.GeneratedAt).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("request", id)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to store artifact")
	}
	return nil
}

func (r *RequestStatusRepository) scanRequest(row rowScanner) (*Request, error) {
	req := &Request{}
	var status string
	err := row.Scan(
		&req.ID,
		&req.Category,
		&req.ReferenceNumber,
		&status,
		&req.ArtifactRef,
		&req.PickupToken,
		&req.PickupExpiresAt,
		&req.GeneratedAt,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	req.Status = Status(status)
	return req, nil
}
