// Package sqlite implements the repository interfaces on SQLite for
// single-node deployments and tests.
//
// It expects an *sql.DB using the "modernc.org/sqlite" driver. Open uses
// that driver and limits the pool to one connection, which serializes
// transactions the way the conditional updates expect.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/pesio-ai/be-records-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-records-workflow/internal/repository"
)

// Store is a repository.Store backed by SQLite.
type Store struct {
	db *sql.DB
	repos
}

var _ repository.Store = (*Store)(nil)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type repos struct {
	workflows   *workflowRepo
	requests    *requestRepo
	assignments *assignmentRepo
	history     *historyRepo
}

func newRepos(q querier) repos {
	return repos{
		workflows:   &workflowRepo{q: q},
		requests:    &requestRepo{q: q},
		assignments: &assignmentRepo{q: q},
		history:     &historyRepo{q: q},
	}
}

func (r repos) Workflows() repository.WorkflowRepository     { return r.workflows }
func (r repos) Requests() repository.RequestRepository       { return r.requests }
func (r repos) Assignments() repository.AssignmentRepository { return r.assignments }
func (r repos) History() repository.HistoryRepository        { return r.history }

// Open opens (or creates) a database at path. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	s, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New initializes the schema in db and returns a Store.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db, repos: newRepos(db)}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS workflow_definitions (
			category TEXT PRIMARY KEY,
			steps TEXT NOT NULL,
			default_step_id TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL DEFAULT 1,
			updated_by TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS requests (
			id TEXT PRIMARY KEY,
			category TEXT NOT NULL,
			reference_number TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			artifact_ref TEXT,
			pickup_token TEXT,
			pickup_expires_at INTEGER,
			generated_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS requests_category_status_idx ON requests (category, status);
		CREATE TABLE IF NOT EXISTS assignments (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			category TEXT NOT NULL,
			step_id TEXT NOT NULL,
			reviewer_id TEXT NOT NULL,
			status TEXT NOT NULL,
			action TEXT NOT NULL DEFAULT '',
			comment TEXT NOT NULL DEFAULT '',
			completed_by TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			completed_at INTEGER
		);
		CREATE UNIQUE INDEX IF NOT EXISTS assignments_one_pending_idx
			ON assignments (request_id, step_id, reviewer_id)
			WHERE status = 'pending';
		CREATE TABLE IF NOT EXISTS request_history (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			request_id TEXT NOT NULL,
			step_id TEXT,
			action TEXT NOT NULL,
			performed_by TEXT,
			previous_status TEXT NOT NULL DEFAULT '',
			new_status TEXT NOT NULL DEFAULT '',
			comments TEXT NOT NULL DEFAULT '',
			signature TEXT,
			created_at INTEGER NOT NULL
		);
		CREATE TRIGGER IF NOT EXISTS request_history_no_update
			BEFORE UPDATE ON request_history
			BEGIN SELECT RAISE(ABORT, 'request_history is append-only'); END;
		CREATE TRIGGER IF NOT EXISTS request_history_no_delete
			BEFORE DELETE ON request_history
			BEGIN SELECT RAISE(ABORT, 'request_history is append-only'); END;
	`)
	return err
}

// InTransaction runs fn with repositories bound to one transaction.
func (s *Store) InTransaction(ctx context.Context, fn func(tx repository.Repositories) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(newRepos(tx)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error { return s.db.Close() }

// ── time helpers ─────────────────────────────────────────────────────────────

func toNanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

type scanner interface {
	Scan(dest ...any) error
}

// ── workflows ────────────────────────────────────────────────────────────────

type workflowRepo struct{ q querier }

func (r *workflowRepo) Get(ctx context.Context, category string) (*repository.WorkflowDefinition, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT category, steps, default_step_id, version, updated_by, created_at, updated_at
		FROM workflow_definitions WHERE category = ?`, category)

	def, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound("workflow", category)
	}
	return def, err
}

func (r *workflowRepo) List(ctx context.Context) ([]*repository.WorkflowDefinition, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT category, steps, default_step_id, version, updated_by, created_at, updated_at
		FROM workflow_definitions ORDER BY category`)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflows")
	}
	defer rows.Close()

	var out []*repository.WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow")
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

func (r *workflowRepo) Save(ctx context.Context, def *repository.WorkflowDefinition) error {
	steps, err := json.Marshal(def.Steps)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal workflow steps")
	}
	now := toNanos(time.Now())

	row := r.q.QueryRowContext(ctx, `
		INSERT INTO workflow_definitions (category, steps, default_step_id, updated_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (category) DO UPDATE
		SET steps = excluded.steps,
		    default_step_id = excluded.default_step_id,
		    updated_by = excluded.updated_by,
		    version = workflow_definitions.version + 1,
		    updated_at = excluded.updated_at
		RETURNING version, created_at, updated_at`,
		def.Category, string(steps), def.DefaultStepID, def.UpdatedBy, now, now)

	var created, updated int64
	if err := row.Scan(&def.Version, &created, &updated); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to save workflow")
	}
	def.CreatedAt = fromNanos(created)
	def.UpdatedAt = fromNanos(updated)
	return nil
}

func (r *workflowRepo) Delete(ctx context.Context, category string) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM workflow_definitions WHERE category = ?`, category)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete workflow")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("workflow", category)
	}
	return nil
}

func scanDefinition(row scanner) (*repository.WorkflowDefinition, error) {
	def := &repository.WorkflowDefinition{}
	var steps string
	var created, updated int64
	if err := row.Scan(&def.Category, &steps, &def.DefaultStepID, &def.Version, &def.UpdatedBy, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(steps), &def.Steps); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal workflow steps")
	}
	def.CreatedAt = fromNanos(created)
	def.UpdatedAt = fromNanos(updated)
	return def, nil
}

// ── requests ─────────────────────────────────────────────────────────────────

type requestRepo struct{ q querier }

const requestColumns = `id, category, reference_number, status, artifact_ref, pickup_token,
	pickup_expires_at, generated_at, created_at, updated_at`

func (r *requestRepo) Create(ctx context.Context, req *repository.Request) error {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	req.UpdatedAt = req.CreatedAt

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO requests (id, category, reference_number, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		req.ID, req.Category, req.ReferenceNumber, string(req.Status),
		toNanos(req.CreatedAt), toNanos(req.UpdatedAt))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create request")
	}
	return nil
}

func (r *requestRepo) GetByID(ctx context.Context, id string) (*repository.Request, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound("request", id)
	}
	return req, err
}

func (r *requestRepo) UpdateStatus(ctx context.Context, id string, from, to repository.Status, at time.Time) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE requests SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(to), toNanos(at), id, string(from))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update request status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Conflict(fmt.Sprintf("request %s is no longer %s", id, from))
	}
	return nil
}

func (r *requestRepo) ListActiveByCategory(ctx context.Context, category string) ([]*repository.Request, error) {
	terminal := repository.TerminalStatuses()
	args := []any{category}
	marks := make([]string, len(terminal))
	for i, s := range terminal {
		marks[i] = "?"
		args = append(args, string(s))
	}

	rows, err := r.q.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM requests
		WHERE category = ? AND status NOT IN (`+strings.Join(marks, ",")+`)
		ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list active requests")
	}
	defer rows.Close()

	var out []*repository.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan request")
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (r *requestRepo) SetArtifact(ctx context.Context, id string, a repository.Artifact) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE requests
		SET artifact_ref = ?, pickup_token = ?, pickup_expires_at = ?, generated_at = ?, updated_at = ?
		WHERE id = ?`,
		a.Ref, a.PickupToken, toNanos(a.PickupExpiresAt), toNanos(a.GeneratedAt), toNanos(a.GeneratedAt), id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to store artifact")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("request", id)
	}
	return nil
}

func scanRequest(row scanner) (*repository.Request, error) {
	req := &repository.Request{}
	var status string
	var artifact, token sql.NullString
	var expires, generated sql.NullInt64
	var created, updated int64
	err := row.Scan(&req.ID, &req.Category, &req.ReferenceNumber, &status,
		&artifact, &token, &expires, &generated, &created, &updated)
	if err != nil {
		return nil, err
	}
	req.Status = repository.Status(status)
	req.ArtifactRef = stringPtr(artifact)
	req.PickupToken = stringPtr(token)
	req.PickupExpiresAt = timePtr(expires)
	req.GeneratedAt = timePtr(generated)
	req.CreatedAt = fromNanos(created)
	req.UpdatedAt = fromNanos(updated)
	return req, nil
}

// ── assignments ──────────────────────────────────────────────────────────────

type assignmentRepo struct{ q querier }

const assignmentColumns = `id, request_id, category, step_id, reviewer_id, status,
	action, comment, completed_by, created_at, completed_at`

func (r *assignmentRepo) GetByID(ctx context.Context, id string) (*repository.Assignment, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE id = ?`, id)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound("assignment", id)
	}
	return a, err
}

func (r *assignmentRepo) CreatePending(ctx context.Context, a *repository.Assignment) (bool, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.Status = repository.AssignmentPending

	res, err := r.q.ExecContext(ctx, `
		INSERT INTO assignments (id, request_id, category, step_id, reviewer_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, 'pending', ?)
		ON CONFLICT DO NOTHING`,
		a.ID, a.RequestID, a.Category, a.StepID, a.ReviewerID, toNanos(a.CreatedAt))
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to create assignment")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *assignmentRepo) Complete(ctx context.Context, id string, c repository.Completion) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE assignments
		SET status = 'completed', action = ?, comment = ?, completed_by = ?, completed_at = ?
		WHERE id = ? AND status = 'pending'`,
		c.Action, c.Comment, c.CompletedBy, toNanos(c.At), id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to complete assignment")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Conflict("assignment already actioned")
	}
	return nil
}

func (r *assignmentRepo) SupersedePending(ctx context.Context, requestID, exceptID string, at time.Time) (int64, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE assignments
		SET status = 'completed', action = ?, completed_at = ?
		WHERE request_id = ? AND id <> ? AND status = 'pending'`,
		repository.ActionSuperseded, toNanos(at), requestID, exceptID)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to supersede assignments")
	}
	return res.RowsAffected()
}

func (r *assignmentRepo) ListByRequest(ctx context.Context, requestID string) ([]*repository.Assignment, error) {
	return r.list(ctx, `SELECT `+assignmentColumns+` FROM assignments
		WHERE request_id = ? ORDER BY created_at, id`, requestID)
}

func (r *assignmentRepo) ListPendingForReviewer(ctx context.Context, reviewerID string) ([]*repository.Assignment, error) {
	return r.list(ctx, `SELECT `+assignmentColumns+` FROM assignments
		WHERE reviewer_id = ? AND status = 'pending' ORDER BY created_at, id`, reviewerID)
}

func (r *assignmentRepo) ListPendingByCategory(ctx context.Context, category string) ([]*repository.Assignment, error) {
	return r.list(ctx, `SELECT `+assignmentColumns+` FROM assignments
		WHERE category = ? AND status = 'pending' ORDER BY request_id, step_id, reviewer_id`, category)
}

func (r *assignmentRepo) DeletePendingByCategory(ctx context.Context, category string) (int64, error) {
	res, err := r.q.ExecContext(ctx,
		`DELETE FROM assignments WHERE category = ? AND status = 'pending'`, category)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to delete pending assignments")
	}
	return res.RowsAffected()
}

func (r *assignmentRepo) list(ctx context.Context, query, arg string) ([]*repository.Assignment, error) {
	rows, err := r.q.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list assignments")
	}
	defer rows.Close()

	var out []*repository.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan assignment")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAssignment(row scanner) (*repository.Assignment, error) {
	a := &repository.Assignment{}
	var status string
	var created int64
	var completed sql.NullInt64
	err := row.Scan(&a.ID, &a.RequestID, &a.Category, &a.StepID, &a.ReviewerID, &status,
		&a.Action, &a.Comment, &a.CompletedBy, &created, &completed)
	if err != nil {
		return nil, err
	}
	a.Status = repository.AssignmentStatus(status)
	a.CreatedAt = fromNanos(created)
	a.CompletedAt = timePtr(completed)
	return a, nil
}

// ── history ──────────────────────────────────────────────────────────────────

type historyRepo struct{ q querier }

func (r *historyRepo) Append(ctx context.Context, e *repository.HistoryEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	res, err := r.q.ExecContext(ctx, `
		INSERT INTO request_history
			(id, request_id, step_id, action, performed_by, previous_status, new_status, comments, signature, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RequestID, nullString(e.StepID), e.Action, nullString(e.PerformedBy),
		string(e.PreviousStatus), string(e.NewStatus), e.Comments, nullString(e.Signature),
		toNanos(e.CreatedAt))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append history entry")
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return err
	}
	e.Seq = seq
	return nil
}

func (r *historyRepo) ListByRequest(ctx context.Context, requestID string) ([]*repository.HistoryEntry, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT seq, id, request_id, step_id, action, performed_by,
		       previous_status, new_status, comments, signature, created_at
		FROM request_history WHERE request_id = ? ORDER BY seq`, requestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get request history")
	}
	defer rows.Close()

	var out []*repository.HistoryEntry
	for rows.Next() {
		e := &repository.HistoryEntry{}
		var stepID, performedBy, signature sql.NullString
		var prev, next string
		var created int64
		err := rows.Scan(&e.Seq, &e.ID, &e.RequestID, &stepID, &e.Action, &performedBy,
			&prev, &next, &e.Comments, &signature, &created)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan history entry")
		}
		e.StepID = stringPtr(stepID)
		e.PerformedBy = stringPtr(performedBy)
		e.Signature = stringPtr(signature)
		e.PreviousStatus = repository.Status(prev)
		e.NewStatus = repository.Status(next)
		e.CreatedAt = fromNanos(created)
		out = append(out, e)
	}
	return out, rows.Err()
}
