package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-records-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-records-workflow/internal/repository"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedRequest(t *testing.T, s *Store, id, category string, status repository.Status) {
	t.Helper()
	err := s.Requests().Create(context.Background(), &repository.Request{
		ID:       id,
		Category: category,
		Status:   status,
	})
	require.NoError(t, err)
}

func TestWorkflowRepo_SaveBumpsVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := &repository.WorkflowDefinition{
		Category: "clearance",
		Steps: []repository.Step{
			{ID: "1", Name: "Staff", TargetStatus: repository.StatusStaffReview, RequiresApproval: true, AssignedReviewers: []string{"A"}},
		},
	}
	require.NoError(t, s.Workflows().Save(ctx, def))
	assert.Equal(t, 1, def.Version)

	def.Steps[0].AssignedReviewers = []string{"A", "B"}
	require.NoError(t, s.Workflows().Save(ctx, def))
	assert.Equal(t, 2, def.Version)

	got, err := s.Workflows().Get(ctx, "clearance")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, got.Steps[0].AssignedReviewers)
	assert.Equal(t, 2, got.Version)

	_, err = s.Workflows().Get(ctx, "missing")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))

	require.NoError(t, s.Workflows().Delete(ctx, "clearance"))
	assert.True(t, errors.IsCode(s.Workflows().Delete(ctx, "clearance"), errors.ErrCodeNotFound))
}

func TestRequestRepo_UpdateStatusIsConditional(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRequest(t, s, "req-1", "clearance", repository.StatusSubmitted)

	now := time.Now()
	require.NoError(t, s.Requests().UpdateStatus(ctx, "req-1", repository.StatusSubmitted, repository.StatusStaffReview, now))

	err := s.Requests().UpdateStatus(ctx, "req-1", repository.StatusSubmitted, repository.StatusStaffReview, now)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict))

	got, err := s.Requests().GetByID(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusStaffReview, got.Status)
}

func TestRequestRepo_ListActiveSkipsTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRequest(t, s, "a", "clearance", repository.StatusStaffReview)
	seedRequest(t, s, "b", "clearance", repository.StatusReleased)
	seedRequest(t, s, "c", "clearance", repository.StatusRejected)
	seedRequest(t, s, "d", "permit", repository.StatusStaffReview)
	seedRequest(t, s, "e", "clearance", repository.StatusReady)

	reqs, err := s.Requests().ListActiveByCategory(ctx, "clearance")
	require.NoError(t, err)

	var ids []string
	for _, r := range reqs {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []string{"a", "e"}, ids)
}

func TestRequestRepo_SetArtifact(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRequest(t, s, "req-1", "clearance", repository.StatusReady)

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	err := s.Requests().SetArtifact(ctx, "req-1", repository.Artifact{
		Ref:             "cert/req-1.pdf",
		PickupToken:     "tok",
		PickupExpiresAt: at.Add(72 * time.Hour),
		GeneratedAt:     at,
	})
	require.NoError(t, err)

	got, err := s.Requests().GetByID(ctx, "req-1")
	require.NoError(t, err)
	require.NotNil(t, got.ArtifactRef)
	assert.Equal(t, "cert/req-1.pdf", *got.ArtifactRef)
	assert.True(t, at.Equal(*got.GeneratedAt))

	err = s.Requests().SetArtifact(ctx, "missing", repository.Artifact{GeneratedAt: at})
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}

func TestAssignmentRepo_OnePendingPerReviewer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRequest(t, s, "req-1", "clearance", repository.StatusStaffReview)

	mk := func() *repository.Assignment {
		return &repository.Assignment{RequestID: "req-1", Category: "clearance", StepID: "1", ReviewerID: "A", CreatedAt: time.Now()}
	}

	first := mk()
	created, err := s.Assignments().CreatePending(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.Assignments().CreatePending(ctx, mk())
	require.NoError(t, err)
	assert.False(t, created)

	// Once the first is completed a new pending one is allowed.
	require.NoError(t, s.Assignments().Complete(ctx, first.ID, repository.Completion{Action: "return", CompletedBy: "A", At: time.Now()}))
	created, err = s.Assignments().CreatePending(ctx, mk())
	require.NoError(t, err)
	assert.True(t, created)

	all, err := s.Assignments().ListByRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestAssignmentRepo_CompleteOnlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRequest(t, s, "req-1", "clearance", repository.StatusStaffReview)

	a := &repository.Assignment{RequestID: "req-1", Category: "clearance", StepID: "1", ReviewerID: "A", CreatedAt: time.Now()}
	_, err := s.Assignments().CreatePending(ctx, a)
	require.NoError(t, err)

	c := repository.Completion{Action: "approve", Comment: "ok", CompletedBy: "A", At: time.Now()}
	require.NoError(t, s.Assignments().Complete(ctx, a.ID, c))
	assert.True(t, errors.IsCode(s.Assignments().Complete(ctx, a.ID, c), errors.ErrCodeConflict))

	got, err := s.Assignments().GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.AssignmentCompleted, got.Status)
	assert.Equal(t, "approve", got.Action)
	assert.Equal(t, "ok", got.Comment)
	require.NotNil(t, got.CompletedAt)
}

func TestAssignmentRepo_SupersedeAndDeletePending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRequest(t, s, "req-1", "clearance", repository.StatusStaffReview)
	seedRequest(t, s, "req-2", "clearance", repository.StatusStaffReview)

	var ids []string
	for _, rv := range []string{"A", "B", "C"} {
		a := &repository.Assignment{RequestID: "req-1", Category: "clearance", StepID: "1", ReviewerID: rv, CreatedAt: time.Now()}
		_, err := s.Assignments().CreatePending(ctx, a)
		require.NoError(t, err)
		ids = append(ids, a.ID)
	}
	other := &repository.Assignment{RequestID: "req-2", Category: "clearance", StepID: "1", ReviewerID: "A", CreatedAt: time.Now()}
	_, err := s.Assignments().CreatePending(ctx, other)
	require.NoError(t, err)

	n, err := s.Assignments().SupersedePending(ctx, "req-1", ids[0], time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	pending, err := s.Assignments().ListPendingByCategory(ctx, "clearance")
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	deleted, err := s.Assignments().DeletePendingByCategory(ctx, "clearance")
	require.NoError(t, err)
	assert.EqualValues(t, 2, deleted)

	all, err := s.Assignments().ListByRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Len(t, all, 2, "superseded assignments survive the delete")
}

func TestHistoryRepo_AppendOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRequest(t, s, "req-1", "clearance", repository.StatusSubmitted)

	step := "1"
	e1 := &repository.HistoryEntry{RequestID: "req-1", StepID: &step, Action: repository.HistorySubmitted,
		PreviousStatus: repository.StatusSubmitted, NewStatus: repository.StatusStaffReview, CreatedAt: time.Now()}
	e2 := &repository.HistoryEntry{RequestID: "req-1", Action: repository.HistoryNote, Comments: "called applicant", CreatedAt: time.Now()}
	require.NoError(t, s.History().Append(ctx, e1))
	require.NoError(t, s.History().Append(ctx, e2))
	assert.Greater(t, e2.Seq, e1.Seq)

	entries, err := s.History().ListByRequest(ctx, "req-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "1", *entries[0].StepID)
	assert.Nil(t, entries[1].StepID)
	assert.Nil(t, entries[1].PerformedBy)

	_, err = s.db.Exec(`DELETE FROM request_history`)
	assert.Error(t, err)
	_, err = s.db.Exec(`UPDATE request_history SET comments = 'x'`)
	assert.Error(t, err)
}

func TestInTransaction_RollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRequest(t, s, "req-1", "clearance", repository.StatusSubmitted)

	err := s.InTransaction(ctx, func(tx repository.Repositories) error {
		if err := tx.Requests().UpdateStatus(ctx, "req-1", repository.StatusSubmitted, repository.StatusStaffReview, time.Now()); err != nil {
			return err
		}
		return errors.Conflict("abort")
	})
	require.Error(t, err)

	got, err := s.Requests().GetByID(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusSubmitted, got.Status)
}
