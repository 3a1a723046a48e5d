package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-records-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-records-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-records-workflow/internal/repository"
	"github.com/pesio-ai/be-records-workflow/internal/repository/sqlite"
)

// ── fixtures ─────────────────────────────────────────────────────────────────

type tickingClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTickingClock() *tickingClock {
	return &tickingClock{t: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)}
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []PipelineJob
	err  error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, job PipelineJob) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.jobs = append(d.jobs, job)
	return nil
}

func (d *recordingDispatcher) Jobs() []PipelineJob {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]PipelineJob(nil), d.jobs...)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []ActionRequired
	err  error
}

func (n *recordingNotifier) NotifyActionRequired(_ context.Context, msg ActionRequired) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return n.err
}

type mapDirectory map[string]Reviewer

func (d mapDirectory) LookupReviewer(_ context.Context, id string) (*Reviewer, error) {
	r, ok := d[id]
	if !ok {
		return nil, errors.NotFound("reviewer", id)
	}
	return &r, nil
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	store    *sqlite.Store
	engine   *Engine
	disp     *recordingDispatcher
	notifier *recordingNotifier
}

// threeStepWorkflow is A at step 1, B at step 2, C at the terminal step 3.
func threeStepWorkflow() *repository.WorkflowDefinition {
	return &repository.WorkflowDefinition{
		Category: "clearance",
		Steps: []repository.Step{
			{ID: "1", Name: "Staff review", TargetStatus: repository.StatusStaffReview, RequiresApproval: true, AssignedReviewers: []string{"A"}},
			{ID: "2", Name: "Secretary", TargetStatus: repository.StatusSecretaryApproval, RequiresApproval: true, AssignedReviewers: []string{"B"}},
			{ID: "3", Name: "Release", TargetStatus: repository.StatusReady, RequiresApproval: true, AssignedReviewers: []string{"C"}},
		},
	}
}

func newFixture(t *testing.T, defs ...*repository.WorkflowDefinition) *fixture {
	t.Helper()

	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	for _, def := range defs {
		require.NoError(t, store.Workflows().Save(ctx, def))
	}

	disp := &recordingDispatcher{}
	notifier := &recordingNotifier{}
	engine := NewEngine(store,
		EngineConfig{FallbackReviewers: []string{"registrar"}, OverrideRoles: []string{"admin"}},
		disp,
		logger.Nop(),
		WithClock(newTickingClock().Now),
		WithNotifications(mapDirectory{"A": {ID: "A", Name: "Ana", Email: "ana@example.org"}}, notifier),
	)

	return &fixture{t: t, ctx: ctx, store: store, engine: engine, disp: disp, notifier: notifier}
}

func (f *fixture) createRequest(id, category string) {
	f.t.Helper()
	require.NoError(f.t, f.store.Requests().Create(f.ctx, &repository.Request{
		ID:              id,
		Category:        category,
		ReferenceNumber: "REF-" + id,
		Status:          repository.StatusSubmitted,
	}))
}

func (f *fixture) submit(id string) *SubmitResult {
	f.t.Helper()
	f.createRequest(id, "clearance")
	res, err := f.engine.SubmitRequest(f.ctx, id, "clearance")
	require.NoError(f.t, err)
	return res
}

func (f *fixture) status(id string) repository.Status {
	f.t.Helper()
	req, err := f.store.Requests().GetByID(f.ctx, id)
	require.NoError(f.t, err)
	return req.Status
}

func (f *fixture) pending(requestID string) []*repository.Assignment {
	f.t.Helper()
	all, err := f.store.Assignments().ListByRequest(f.ctx, requestID)
	require.NoError(f.t, err)
	var out []*repository.Assignment
	for _, a := range all {
		if a.Status == repository.AssignmentPending {
			out = append(out, a)
		}
	}
	return out
}

// onlyPending asserts exactly one pending assignment and returns it.
func (f *fixture) onlyPending(requestID, stepID, reviewerID string) *repository.Assignment {
	f.t.Helper()
	p := f.pending(requestID)
	require.Len(f.t, p, 1)
	assert.Equal(f.t, stepID, p[0].StepID)
	assert.Equal(f.t, reviewerID, p[0].ReviewerID)
	return p[0]
}

func (f *fixture) act(assignmentID, actorID string, action Action) (*ActResult, error) {
	return f.engine.Act(f.ctx, assignmentID, Actor{ID: actorID}, action, "", nil)
}

func pendingKeys(t *testing.T, store *sqlite.Store, category string) []string {
	t.Helper()
	p, err := store.Assignments().ListPendingByCategory(context.Background(), category)
	require.NoError(t, err)
	keys := make([]string, 0, len(p))
	for _, a := range p {
		keys = append(keys, fmt.Sprintf("%s/%s/%s", a.RequestID, a.StepID, a.ReviewerID))
	}
	return keys
}

// ── scenarios ────────────────────────────────────────────────────────────────

func TestEngine_ApproveThroughRelease(t *testing.T) {
	f := newFixture(t, threeStepWorkflow())

	res := f.submit("req-1")
	assert.Equal(t, repository.StatusStaffReview, res.Status)
	assert.Equal(t, repository.StatusStaffReview, f.status("req-1"))
	step1 := f.onlyPending("req-1", "1", "A")

	out, err := f.act(step1.ID, "A", ActionApprove)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusSecretaryApproval, out.NewStatus)
	assert.False(t, out.PipelineDispatched)
	step2 := f.onlyPending("req-1", "2", "B")

	done, err := f.store.Assignments().GetByID(f.ctx, step1.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.AssignmentCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	out, err = f.act(step2.ID, "B", ActionApprove)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusReady, out.NewStatus)
	assert.True(t, out.PipelineDispatched)
	assert.Equal(t, []PipelineJob{{RequestID: "req-1"}}, f.disp.Jobs())
	step3 := f.onlyPending("req-1", "3", "C")

	out, err = f.act(step3.ID, "C", ActionApprove)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusReleased, out.NewStatus)
	assert.Empty(t, f.pending("req-1"))
	assert.Len(t, f.disp.Jobs(), 1, "pipeline is dispatched only on first reaching ready")
}

func TestEngine_TerminalStepReleasesInTwoPhases(t *testing.T) {
	def := &repository.WorkflowDefinition{
		Category: "clearance",
		Steps: []repository.Step{
			{ID: "staff", Name: "Staff", TargetStatus: repository.StatusStaffReview, RequiresApproval: true, AssignedReviewers: []string{"A"}},
			{ID: "oic", Name: "OIC", TargetStatus: repository.StatusOICReview, RequiresApproval: true, AssignedReviewers: []string{"O"}},
		},
	}
	f := newFixture(t, def)
	f.submit("req-1")

	_, err := f.act(f.onlyPending("req-1", "staff", "A").ID, "A", ActionApprove)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusOICReview, f.status("req-1"))

	out, err := f.act(f.onlyPending("req-1", "oic", "O").ID, "O", ActionApprove)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusReady, out.NewStatus)
	assert.True(t, out.PipelineDispatched)

	out, err = f.act(f.onlyPending("req-1", "oic", "O").ID, "O", ActionApprove)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusReleased, out.NewStatus)
	assert.Len(t, f.disp.Jobs(), 1)
}

func TestEngine_ReturnRestartsAtIntake(t *testing.T) {
	for _, at := range []string{"1", "2", "3"} {
		t.Run("from step "+at, func(t *testing.T) {
			f := newFixture(t, threeStepWorkflow())
			f.submit("req-1")

			reviewers := map[string]string{"1": "A", "2": "B", "3": "C"}
			for _, step := range []string{"1", "2", "3"} {
				a := f.onlyPending("req-1", step, reviewers[step])
				if step == at {
					out, err := f.act(a.ID, reviewers[step], ActionReturn)
					require.NoError(t, err)
					assert.Equal(t, repository.StatusReturned, out.NewStatus)

					returned, err := f.store.Assignments().GetByID(f.ctx, a.ID)
					require.NoError(t, err)
					assert.Equal(t, repository.AssignmentCompleted, returned.Status)
					assert.Equal(t, "return", returned.Action)
					break
				}
				_, err := f.act(a.ID, reviewers[step], ActionApprove)
				require.NoError(t, err)
			}

			assert.Equal(t, repository.StatusReturned, f.status("req-1"))
			restart := f.onlyPending("req-1", "1", "A")

			// Re-review resumes the chain from intake.
			out, err := f.act(restart.ID, "A", ActionApprove)
			require.NoError(t, err)
			assert.Equal(t, repository.StatusSecretaryApproval, out.NewStatus)
		})
	}
}

func TestEngine_Reject(t *testing.T) {
	f := newFixture(t, threeStepWorkflow())
	f.submit("req-1")

	out, err := f.engine.Act(f.ctx, f.onlyPending("req-1", "1", "A").ID, Actor{ID: "A"}, ActionReject, "incomplete documents", nil)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusRejected, out.NewStatus)
	assert.Empty(t, out.Created)
	assert.Empty(t, f.pending("req-1"))

	events, err := f.engine.GetHistory(f.ctx, "req-1")
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, "reject", last.Action)
	assert.Equal(t, "incomplete documents", last.Comments)
	assert.Equal(t, repository.StatusStaffReview, last.PreviousStatus)
	assert.Equal(t, repository.StatusRejected, last.NewStatus)
}

func TestEngine_ActRecordsSignature(t *testing.T) {
	f := newFixture(t, threeStepWorkflow())
	f.submit("req-1")

	sig := `{"image":"data:image/png;base64,AAAA"}`
	_, err := f.engine.Act(f.ctx, f.onlyPending("req-1", "1", "A").ID, Actor{ID: "A"}, ActionApprove, "ok", &sig)
	require.NoError(t, err)

	entries, err := f.store.History().ListByRequest(f.ctx, "req-1")
	require.NoError(t, err)
	last := entries[len(entries)-1]
	require.NotNil(t, last.Signature)
	assert.Equal(t, sig, *last.Signature)
	require.NotNil(t, last.PerformedBy)
	assert.Equal(t, "A", *last.PerformedBy)
}

// ── authorization and conflicts ──────────────────────────────────────────────

func TestEngine_ActForbiddenForNonOwner(t *testing.T) {
	f := newFixture(t, threeStepWorkflow())
	f.submit("req-1")
	a := f.onlyPending("req-1", "1", "A")

	_, err := f.act(a.ID, "B", ActionApprove)
	assert.True(t, errors.IsCode(err, errors.ErrCodeForbidden))
	assert.Equal(t, repository.StatusStaffReview, f.status("req-1"))
	f.onlyPending("req-1", "1", "A")

	out, err := f.engine.Act(f.ctx, a.ID, Actor{ID: "boss", Roles: []string{"admin"}}, ActionApprove, "override", nil)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusSecretaryApproval, out.NewStatus)

	done, err := f.store.Assignments().GetByID(f.ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "boss", done.CompletedBy)
}

func TestEngine_ActErrors(t *testing.T) {
	f := newFixture(t, threeStepWorkflow())
	f.submit("req-1")
	a := f.onlyPending("req-1", "1", "A")

	_, err := f.act("missing", "A", ActionApprove)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))

	_, err = f.act(a.ID, "", ActionApprove)
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnauthorized))

	_, err = f.act(a.ID, "A", ActionApprove)
	require.NoError(t, err)

	_, err = f.act(a.ID, "A", ActionApprove)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict))
	assert.Equal(t, repository.StatusSecretaryApproval, f.status("req-1"))
}

func TestEngine_ActOnDeletedWorkflowIsInvalidTransition(t *testing.T) {
	f := newFixture(t, threeStepWorkflow())
	f.submit("req-1")
	a := f.onlyPending("req-1", "1", "A")

	require.NoError(t, f.store.Workflows().Delete(f.ctx, "clearance"))

	_, err := f.act(a.ID, "A", ActionApprove)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidTransition))

	still, err := f.store.Assignments().GetByID(f.ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.AssignmentPending, still.Status)
	assert.Equal(t, repository.StatusStaffReview, f.status("req-1"))
}

func TestEngine_ConcurrentActExactlyOneWins(t *testing.T) {
	f := newFixture(t, threeStepWorkflow())
	f.submit("req-1")
	a := f.onlyPending("req-1", "1", "A")

	const racers = 4
	errs := make(chan error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.act(a.ID, "A", ActionApprove)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, conflicts int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.IsCode(err, errors.ErrCodeConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, racers-1, conflicts)
	assert.Equal(t, repository.StatusSecretaryApproval, f.status("req-1"))
	f.onlyPending("req-1", "2", "B")
}

func TestEngine_MultiReviewerStepSupersedesSiblings(t *testing.T) {
	def := threeStepWorkflow()
	def.Steps[0].AssignedReviewers = []string{"A", "A2"}
	f := newFixture(t, def)
	res := f.submit("req-1")
	require.Len(t, res.Assignments, 2)

	var mine, sibling *repository.Assignment
	for _, a := range f.pending("req-1") {
		if a.ReviewerID == "A" {
			mine = a
		} else {
			sibling = a
		}
	}
	require.NotNil(t, mine)
	require.NotNil(t, sibling)

	_, err := f.act(mine.ID, "A", ActionApprove)
	require.NoError(t, err)

	_, err = f.act(sibling.ID, "A2", ActionApprove)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict))

	got, err := f.store.Assignments().GetByID(f.ctx, sibling.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.ActionSuperseded, got.Action)
	f.onlyPending("req-1", "2", "B")
}

// ── submit ───────────────────────────────────────────────────────────────────

func TestEngine_SubmitIsIdempotent(t *testing.T) {
	f := newFixture(t, threeStepWorkflow())
	first := f.submit("req-1")
	require.Len(t, first.Assignments, 1)

	again, err := f.engine.SubmitRequest(f.ctx, "req-1", "clearance")
	require.NoError(t, err)
	assert.True(t, again.AlreadySubmitted)
	assert.Equal(t, repository.StatusStaffReview, again.Status)
	f.onlyPending("req-1", "1", "A")

	entries, err := f.store.History().ListByRequest(f.ctx, "req-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, repository.HistorySubmitted, entries[0].Action)
	assert.Nil(t, entries[0].PerformedBy)
}

func TestEngine_ConcurrentSubmitsCreateOneAssignment(t *testing.T) {
	f := newFixture(t, threeStepWorkflow())
	f.createRequest("req-1", "clearance")

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.SubmitRequest(f.ctx, "req-1", "clearance")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	f.onlyPending("req-1", "1", "A")
}

func TestEngine_SubmitErrors(t *testing.T) {
	f := newFixture(t, threeStepWorkflow())

	_, err := f.engine.SubmitRequest(f.ctx, "missing", "clearance")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))

	f.createRequest("req-1", "clearance")
	_, err = f.engine.SubmitRequest(f.ctx, "req-1", "permit")
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))

	f.createRequest("req-2", "permit")
	_, err = f.engine.SubmitRequest(f.ctx, "req-2", "")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
	assert.Equal(t, repository.StatusSubmitted, f.status("req-2"))
}

func TestEngine_SubmitUsesFallbackReviewers(t *testing.T) {
	def := threeStepWorkflow()
	def.Steps[0].AssignedReviewers = nil
	f := newFixture(t, def)

	f.submit("req-1")
	f.onlyPending("req-1", "1", "registrar")
}

func TestEngine_SubmitUsesDefaultStepWhenNoneRequiresApproval(t *testing.T) {
	def := threeStepWorkflow()
	for i := range def.Steps {
		def.Steps[i].RequiresApproval = false
	}
	def.DefaultStepID = "2"
	f := newFixture(t, def)

	res := f.submit("req-1")
	assert.Equal(t, repository.StatusSecretaryApproval, res.Status)
	f.onlyPending("req-1", "2", "B")
}

func TestEngine_SubmitNotifiesAssignees(t *testing.T) {
	f := newFixture(t, threeStepWorkflow())
	f.notifier.err = fmt.Errorf("nats unavailable")

	f.submit("req-1")

	require.Len(t, f.notifier.sent, 1)
	n := f.notifier.sent[0]
	assert.Equal(t, "req-1", n.RequestID)
	assert.Equal(t, "REF-req-1", n.ReferenceNumber)
	require.Len(t, n.Recipients, 1)
	assert.Equal(t, "ana@example.org", n.Recipients[0].Email)
}

// ── resync ───────────────────────────────────────────────────────────────────

func TestEngine_ResyncIsIdempotent(t *testing.T) {
	f := newFixture(t, threeStepWorkflow())
	f.submit("req-1")
	f.submit("req-2")
	_, err := f.act(f.onlyPending("req-2", "1", "A").ID, "A", ActionApprove)
	require.NoError(t, err)

	before := pendingKeys(t, f.store, "clearance")

	r1, err := f.engine.Resync(f.ctx, "clearance")
	require.NoError(t, err)
	first := pendingKeys(t, f.store, "clearance")

	r2, err := f.engine.Resync(f.ctx, "clearance")
	require.NoError(t, err)
	second := pendingKeys(t, f.store, "clearance")

	assert.Equal(t, before, first)
	assert.Equal(t, first, second)
	assert.Equal(t, 2, r1.Scanned)
	assert.Equal(t, r1.Created, r2.Created)
	assert.EqualValues(t, 2, r2.Deleted)
	assert.Empty(t, r2.Anomalies)
}

func TestEngine_ResyncFollowsReviewerChanges(t *testing.T) {
	f := newFixture(t, threeStepWorkflow())
	f.submit("req-1")

	def, err := f.store.Workflows().Get(f.ctx, "clearance")
	require.NoError(t, err)
	def.Steps[0].AssignedReviewers = []string{"Z"}
	require.NoError(t, f.store.Workflows().Save(f.ctx, def))

	historyBefore, err := f.store.History().ListByRequest(f.ctx, "req-1")
	require.NoError(t, err)

	_, err = f.engine.Resync(f.ctx, "clearance")
	require.NoError(t, err)

	f.onlyPending("req-1", "1", "Z")
	assert.Equal(t, repository.StatusStaffReview, f.status("req-1"))

	historyAfter, err := f.store.History().ListByRequest(f.ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, historyBefore, historyAfter)
}

func TestEngine_ResyncReportsUnclaimedStatus(t *testing.T) {
	f := newFixture(t, threeStepWorkflow())
	require.NoError(t, f.store.Requests().Create(f.ctx, &repository.Request{
		ID: "req-1", Category: "clearance", Status: repository.StatusCaptainApproval,
	}))
	require.NoError(t, f.store.Requests().Create(f.ctx, &repository.Request{
		ID: "req-2", Category: "clearance", Status: repository.StatusReleased,
	}))

	report, err := f.engine.Resync(f.ctx, "clearance")
	require.NoError(t, err)

	assert.Equal(t, 1, report.Scanned)
	require.Len(t, report.Anomalies, 1)
	assert.Equal(t, "req-1", report.Anomalies[0].RequestID)
	assert.Equal(t, repository.StatusCaptainApproval, report.Anomalies[0].Status)
	assert.Empty(t, f.pending("req-1"))
	assert.Equal(t, repository.StatusCaptainApproval, f.status("req-1"))
}

func TestEngine_ResyncLeavesUnroutedRequestsToSubmit(t *testing.T) {
	f := newFixture(t, threeStepWorkflow())
	f.createRequest("req-1", "clearance")

	report, err := f.engine.Resync(f.ctx, "clearance")
	require.NoError(t, err)
	assert.Zero(t, report.Created)
	assert.Zero(t, report.Scanned)
	assert.Empty(t, report.Anomalies)
	assert.Empty(t, f.pending("req-1"))
	assert.Equal(t, repository.StatusSubmitted, f.status("req-1"))

	res, err := f.engine.SubmitRequest(f.ctx, "req-1", "clearance")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusStaffReview, res.Status)
	require.Len(t, res.Assignments, 1)
	assert.Equal(t, "A", res.Assignments[0].ReviewerID)

	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	assert.Len(t, f.notifier.sent, 1)
}

func TestEngine_ConcurrentSubmitAndResyncNeverDuplicate(t *testing.T) {
	f := newFixture(t, threeStepWorkflow())
	for i := 0; i < 5; i++ {
		f.createRequest(fmt.Sprintf("req-%d", i), "clearance")
	}

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("req-%d", i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.engine.SubmitRequest(f.ctx, id, "clearance")
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := f.engine.Resync(f.ctx, "clearance")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("req-%d", i)
		assert.Equal(t, repository.StatusStaffReview, f.status(id))
		f.onlyPending(id, "1", "A")
	}
}

// ── notes and queries ────────────────────────────────────────────────────────

func TestEngine_AddNote(t *testing.T) {
	f := newFixture(t, threeStepWorkflow())
	f.submit("req-1")

	entry, err := f.engine.AddNote(f.ctx, "req-1", "A", "applicant called")
	require.NoError(t, err)
	assert.Equal(t, repository.HistoryNote, entry.Action)
	assert.Equal(t, repository.StatusStaffReview, entry.NewStatus)

	public, err := f.engine.AddNote(f.ctx, "req-1", "", "walk-in inquiry")
	require.NoError(t, err)
	assert.Nil(t, public.PerformedBy)

	_, err = f.engine.AddNote(f.ctx, "missing", "A", "x")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))

	f.onlyPending("req-1", "1", "A")
	assert.Equal(t, repository.StatusStaffReview, f.status("req-1"))
}

func TestEngine_PendingForReviewer(t *testing.T) {
	f := newFixture(t, threeStepWorkflow())
	f.submit("req-1")
	f.submit("req-2")

	inbox, err := f.engine.PendingForReviewer(f.ctx, "A")
	require.NoError(t, err)
	assert.Len(t, inbox, 2)

	_, err = f.engine.PendingForReviewer(f.ctx, "")
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))
}

func TestEngine_HistoryIsMonotonic(t *testing.T) {
	f := newFixture(t, threeStepWorkflow())
	f.submit("req-1")

	count := func() int {
		events, err := f.engine.GetHistory(f.ctx, "req-1")
		require.NoError(t, err)
		return len(events)
	}

	prev := count()
	steps := []struct {
		step, reviewer string
		action         Action
	}{
		{"1", "A", ActionApprove},
		{"2", "B", ActionReturn},
		{"1", "A", ActionApprove},
		{"2", "B", ActionApprove},
		{"3", "C", ActionApprove},
	}
	for _, s := range steps {
		_, err := f.act(f.onlyPending("req-1", s.step, s.reviewer).ID, s.reviewer, s.action)
		require.NoError(t, err)
		n := count()
		assert.Greater(t, n, prev)
		prev = n
	}

	events, err := f.engine.GetHistory(f.ctx, "req-1")
	require.NoError(t, err)
	for i := 1; i < len(events); i++ {
		assert.False(t, events[i].CreatedAt.Before(events[i-1].CreatedAt))
	}
	for _, e := range events {
		assert.False(t, e.Synthesized)
	}
}

func TestEngine_DispatchFailureDoesNotFailApproval(t *testing.T) {
	f := newFixture(t, threeStepWorkflow())
	f.disp.err = fmt.Errorf("queue unavailable")
	f.submit("req-1")

	_, err := f.act(f.onlyPending("req-1", "1", "A").ID, "A", ActionApprove)
	require.NoError(t, err)
	out, err := f.act(f.onlyPending("req-1", "2", "B").ID, "B", ActionApprove)
	require.NoError(t, err)
	assert.False(t, out.PipelineDispatched)
	assert.Equal(t, repository.StatusReady, f.status("req-1"))

	entries, err := f.store.History().ListByRequest(f.ctx, "req-1")
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, repository.HistoryFailed, last.Action)
	assert.Contains(t, last.Comments, "queue unavailable")
}
