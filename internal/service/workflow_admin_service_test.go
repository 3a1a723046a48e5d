package service

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-records-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-records-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-records-workflow/internal/repository"
)

var admin = Actor{ID: "root", Roles: []string{"admin"}}

func newAdmin(f *fixture) *WorkflowAdminService {
	return NewWorkflowAdminService(f.store, f.engine, []string{"admin"}, logger.Nop())
}

func TestWorkflowAdmin_UpsertRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	svc := newAdmin(f)

	_, _, err := svc.Upsert(f.ctx, Actor{}, threeStepWorkflow())
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnauthorized))

	_, _, err = svc.Upsert(f.ctx, Actor{ID: "A", Roles: []string{"reviewer"}}, threeStepWorkflow())
	assert.True(t, errors.IsCode(err, errors.ErrCodeForbidden))

	def, report, err := svc.Upsert(f.ctx, admin, threeStepWorkflow())
	require.NoError(t, err)
	assert.Equal(t, 1, def.Version)
	assert.Equal(t, "root", def.UpdatedBy)
	assert.Equal(t, "clearance", report.Category)
}

func TestWorkflowAdmin_UpsertResyncsCategory(t *testing.T) {
	f := newFixture(t, threeStepWorkflow())
	svc := newAdmin(f)
	f.submit("req-1")

	def := threeStepWorkflow()
	def.Steps[0].AssignedReviewers = []string{"Z1", "Z2"}
	saved, report, err := svc.Upsert(f.ctx, admin, def)
	require.NoError(t, err)

	assert.Equal(t, 2, saved.Version)
	assert.EqualValues(t, 1, report.Deleted)
	assert.Equal(t, 2, report.Created)
	assert.Len(t, f.pending("req-1"), 2)
}

func TestWorkflowAdmin_ValidateDefinition(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*repository.WorkflowDefinition)
	}{
		{"missing category", func(d *repository.WorkflowDefinition) { d.Category = "" }},
		{"no steps", func(d *repository.WorkflowDefinition) { d.Steps = nil }},
		{"empty step id", func(d *repository.WorkflowDefinition) { d.Steps[1].ID = "" }},
		{"duplicate step id", func(d *repository.WorkflowDefinition) { d.Steps[1].ID = "1" }},
		{"duplicate target", func(d *repository.WorkflowDefinition) { d.Steps[1].TargetStatus = repository.StatusStaffReview }},
		{"unknown target", func(d *repository.WorkflowDefinition) { d.Steps[1].TargetStatus = "mayor_review" }},
		{"terminal target", func(d *repository.WorkflowDefinition) { d.Steps[2].TargetStatus = repository.StatusReleased }},
		{"submitted target", func(d *repository.WorkflowDefinition) { d.Steps[0].TargetStatus = repository.StatusSubmitted }},
		{"unknown default step", func(d *repository.WorkflowDefinition) { d.DefaultStepID = "9" }},
	}

	require.NoError(t, ValidateDefinition(threeStepWorkflow()))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := threeStepWorkflow()
			tt.mutate(def)
			err := ValidateDefinition(def)
			assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput), "got %v", err)
		})
	}
}

func TestWorkflowAdmin_DeleteRejectsActiveCategory(t *testing.T) {
	f := newFixture(t, threeStepWorkflow())
	svc := newAdmin(f)
	f.submit("req-1")

	err := svc.Delete(f.ctx, admin, "clearance")
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict))

	a := f.onlyPending("req-1", "1", "A")
	_, err = f.engine.Act(f.ctx, a.ID, Actor{ID: "A"}, ActionReject, "", nil)
	require.NoError(t, err)

	require.NoError(t, svc.Delete(f.ctx, admin, "clearance"))
	_, err = svc.Get(f.ctx, "clearance")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))

	err = svc.Delete(f.ctx, admin, "clearance")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}

func TestWorkflowAdmin_ResyncRequiresAdmin(t *testing.T) {
	f := newFixture(t, threeStepWorkflow())
	svc := newAdmin(f)

	_, err := svc.Resync(f.ctx, Actor{ID: "A"}, "clearance")
	assert.True(t, errors.IsCode(err, errors.ErrCodeForbidden))

	report, err := svc.Resync(f.ctx, admin, "clearance")
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)

	_, err = svc.Resync(f.ctx, admin, "permit")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}

func TestLoadDefinitionsFileAndSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflows.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
workflows:
  - category: clearance
    default_step_id: staff
    steps:
      - id: staff
        name: Staff review
        target_status: staff_review
        requires_approval: true
        assigned_reviewers: [A]
      - id: release
        name: Release
        target_status: ready
        requires_approval: true
        assigned_reviewers: [C]
  - category: permit
    steps:
      - id: only
        name: Review
        target_status: oic_review
`), 0o600))

	defs, err := LoadDefinitionsFile(path)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "staff", defs[0].DefaultStepID)
	assert.Equal(t, []string{"A"}, defs[0].Steps[0].AssignedReviewers)

	f := newFixture(t)
	reports, err := newAdmin(f).Seed(f.ctx, defs)
	require.NoError(t, err)
	assert.Len(t, reports, 2)

	got, err := f.store.Workflows().Get(f.ctx, "permit")
	require.NoError(t, err)
	assert.Equal(t, "system", got.UpdatedBy)

	// Fallback reviewers cover a step with none.
	f.submit("req-1")
	f.createRequest("req-2", "permit")
	_, err = f.engine.SubmitRequest(f.ctx, "req-2", "permit")
	require.NoError(t, err)
	f.onlyPending("req-2", "only", "registrar")
}

func TestLoadDefinitionsFile_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
workflows:
  - category: clearance
    steps:
      - id: a
        target_status: released
`), 0o600))

	_, err := LoadDefinitionsFile(path)
	assert.Error(t, err)

	_, err = LoadDefinitionsFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
