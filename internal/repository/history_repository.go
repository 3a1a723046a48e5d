package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/pesio-ai/be-records-workflow/internal/platform/database"
	"github.com/pesio-ai/be-records-workflow/internal/platform/errors"
)

// HistoryLedgerRepository appends and reads request history. The table has
// an update/delete-prevention trigger, so Append is the only mutation.
type HistoryLedgerRepository struct {
	db database.Querier
}

var _ HistoryRepository = (*HistoryLedgerRepository)(nil)

// NewHistoryLedgerRepository creates a new HistoryLedgerRepository.
func NewHistoryLedgerRepository(db database.Querier) *HistoryLedgerRepository {
	return &HistoryLedgerRepository{db: db}
}

// Append inserts one entry and fills in its ID and sequence number.
func (r *HistoryLedgerRepository) Append(ctx context.Context, entry *HistoryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	query := `
		INSERT INTO request_history
		    (id, request_id, step_id, action, performed_by,
		     previous_status, new_status, comments, signature, created_at)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9, $10)
		RETURNING seq
	`

	err := r.db.QueryRow(ctx, query,
		entry.ID,
		entry.RequestID,
		entry.StepID,
		entry.Action,
		entry.PerformedBy,
		string(entry.PreviousStatus),
		string(entry.NewStatus),
		entry.Comments,
		entry.Signature,
		entry.CreatedAt,
	).Scan(&entry.Seq)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append history entry")
	}
	return nil
}

// ListByRequest returns a request's ledger in insertion order.
func (r *HistoryLedgerRepository) ListByRequest(ctx context.Context, requestID string) ([]*HistoryEntry, error) {
	query := `
		SELECT seq, id, request_id, step_id, action, performed_by,
		       previous_status, new_status, comments, signature, created_at
		FROM request_history
		WHERE request_id = $1
		ORDER BY seq ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get request history")
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		e := &HistoryEntry{}
		var prev, next string
		err := rows.Scan(
			&e.Seq,
			&e.ID,
			&e.RequestID,
			&e.StepID,
			&e.Action,
			&e.PerformedBy,
			&prev,
			&next,
			&e.Comments,
			&e.Signature,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan history entry")
		}
		e.PreviousStatus = Status(prev)
		e.NewStatus = Status(next)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
