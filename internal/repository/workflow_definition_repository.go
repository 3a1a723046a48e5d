package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/pesio-ai/be-records-workflow/internal/platform/database"
	"github.com/pesio-ai/be-records-workflow/internal/platform/errors"
)

// WorkflowDefinitionRepository stores one row per category with the ordered
// steps kept in a JSONB array.
type WorkflowDefinitionRepository struct {
	db database.Querier
}

var _ WorkflowRepository = (*WorkflowDefinitionRepository)(nil)

// NewWorkflowDefinitionRepository creates a new WorkflowDefinitionRepository.
func NewWorkflowDefinitionRepository(db database.Querier) *WorkflowDefinitionRepository {
	return &WorkflowDefinitionRepository{db: db}
}

// Get retrieves the definition for a category.
func (r *WorkflowDefinitionRepository) Get(ctx context.Context, category string) (*WorkflowDefinition, error) {
	query := `
		SELECT category, steps, default_step_id, version, updated_by, created_at, updated_at
		FROM workflow_definitions
		WHERE category = $1
	`

	def, err := r.scanDefinition(r.db.QueryRow(ctx, query, category))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow", category)
	}
	return def, err
}

// List returns every definition ordered by category.
func (r *WorkflowDefinitionRepository) List(ctx context.Context) ([]*WorkflowDefinition, error) {
	query := `
		SELECT category, steps, default_step_id, version, updated_by, created_at, updated_at
		FROM workflow_definitions
		ORDER BY category ASC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflows")
	}
	defer rows.Close()

	var defs []*WorkflowDefinition
	for rows.Next() {
		def, err := r.scanDefinition(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow")
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// Save upserts a definition. The stored version is incremented on every
// replace and written back to def.
func (r *WorkflowDefinitionRepository) Save(ctx context.Context, def *WorkflowDefinition) error {
	stepsJSON, err := json.Marshal(def.Steps)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal workflow steps")
	}

	query := `
		INSERT INTO workflow_definitions (category, steps, default_step_id, updated_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (category) DO UPDATE
		SET steps           = EXCLUDED.steps,
		    default_step_id = EXCLUDED.default_step_id,
		    updated_by      = EXCLUDED.updated_by,
		    version         = workflow_definitions.version + 1,
		    updated_at      = NOW()
		RETURNING version, created_at, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		def.Category,
		stepsJSON,
		def.DefaultStepID,
		def.UpdatedBy,
	).Scan(&def.Version, &def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to save workflow")
	}
	return nil
}

// Delete removes the definition for a category.
func (r *WorkflowDefinitionRepository) Delete(ctx context.Context, category string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM workflow_definitions WHERE category = $1`, category)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete workflow")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("workflow", category)
	}
	return nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *WorkflowDefinitionRepository) scanDefinition(row rowScanner) (*WorkflowDefinition, error) {
	def := &WorkflowDefinition{}
	var stepsJSON []byte

	err := row.Scan(
		&def.Category,
		&stepsJSON,
		&def.DefaultStepID,
		&def.Version,
		&def.UpdatedBy,
		&def.CreatedAt,
		&def.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(stepsJSON, &def.Steps); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal workflow steps")
	}
	return def, nil
}
