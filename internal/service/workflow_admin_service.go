package service

import (
	"context"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-records-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-records-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-records-workflow/internal/repository"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// WorkflowAdminService is the administrative configuration API over
// workflow definitions. Every change is followed by a resync of the
// category so no assignment outlives the configuration it came from.
type WorkflowAdminService struct {
	store      repository.Store
	engine     *Engine
	adminRoles []string
	log        *logger.Logger
}

// NewWorkflowAdminService creates a new WorkflowAdminService.
func NewWorkflowAdminService(store repository.Store, engine *Engine, adminRoles []string, log *logger.Logger) *WorkflowAdminService {
	return &WorkflowAdminService{
		store:      store,
		engine:     engine,
		adminRoles: adminRoles,
		log:        log,
	}
}

// List returns every definition.
func (s *WorkflowAdminService) List(ctx context.Context) ([]*repository.WorkflowDefinition, error) {
	return s.store.Workflows().List(ctx)
}

// Get returns the definition of one category.
func (s *WorkflowAdminService) Get(ctx context.Context, category string) (*repository.WorkflowDefinition, error) {
	return s.store.Workflows().Get(ctx, category)
}

// Upsert validates and stores a definition, then resyncs its category.
func (s *WorkflowAdminService) Upsert(ctx context.Context, actor Actor, def *repository.WorkflowDefinition) (*repository.WorkflowDefinition, *ResyncReport, error) {
	if err := s.Authorize(actor); err != nil {
		return nil, nil, err
	}
	def.UpdatedBy = actor.ID
	return s.save(ctx, def)
}

// Delete removes a definition. Categories with active requests cannot be
// deleted because their requests would be orphaned.
func (s *WorkflowAdminService) Delete(ctx context.Context, actor Actor, category string) error {
	if err := s.Authorize(actor); err != nil {
		return err
	}

	err := s.store.InTransaction(ctx, func(tx repository.Repositories) error {
		if _, err := tx.Workflows().Get(ctx, category); err != nil {
			return err
		}
		active, err := tx.Requests().ListActiveByCategory(ctx, category)
		if err != nil {
			return err
		}
		if len(active) > 0 {
			return errors.Conflict(fmt.Sprintf("category %s has %d active requests", category, len(active)))
		}
		if _, err := tx.Assignments().DeletePendingByCategory(ctx, category); err != nil {
			return err
		}
		return tx.Workflows().Delete(ctx, category)
	})
	if err != nil {
		return err
	}

	s.log.Info().Str("category", category).Str("actor_id", actor.ID).Msg("Workflow deleted")
	return nil
}

// Resync is the administrative resync entry point.
func (s *WorkflowAdminService) Resync(ctx context.Context, actor Actor, category string) (*ResyncReport, error) {
	if err := s.Authorize(actor); err != nil {
		return nil, err
	}
	return s.engine.Resync(ctx, category)
}

// Seed upserts definitions on behalf of the system, e.g. from a seed file at
// startup. Categories already at the same content are still resynced.
func (s *WorkflowAdminService) Seed(ctx context.Context, defs []*repository.WorkflowDefinition) ([]*ResyncReport, error) {
	var reports []*ResyncReport
	for _, def := range defs {
		def.UpdatedBy = "system"
		_, report, err := s.save(ctx, def)
		if err != nil {
			return reports, fmt.Errorf("seeding %s: %w", def.Category, err)
		}
		reports = append(reports, report)
	}
	return reports, nil
}

func (s *WorkflowAdminService) save(ctx context.Context, def *repository.WorkflowDefinition) (*repository.WorkflowDefinition, *ResyncReport, error) {
	if err := ValidateDefinition(def); err != nil {
		return nil, nil, err
	}
	if err := s.store.Workflows().Save(ctx, def); err != nil {
		return nil, nil, err
	}

	s.log.Info().
		Str("category", def.Category).
		Int("version", def.Version).
		Int("steps", len(def.Steps)).
		Str("updated_by", def.UpdatedBy).
		Msg("Workflow saved")

	report, err := s.engine.Resync(ctx, def.Category)
	if err != nil {
		return def, nil, err
	}
	return def, report, nil
}

// Authorize checks that actor may administer workflows.
func (s *WorkflowAdminService) Authorize(actor Actor) error {
	if actor.ID == "" {
		return errors.New(errors.ErrCodeUnauthorized, "actor is required")
	}
	if !actor.HasAnyRole(s.adminRoles) {
		return errors.Forbidden("workflow administration requires an elevated role")
	}
	return nil
}

// ValidateDefinition checks field constraints and the definition invariants:
// unique step ids, at most one step per target status, a resolvable default
// step, and target statuses the engine can route to.
func ValidateDefinition(def *repository.WorkflowDefinition) error {
	if err := validate.Struct(def); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid workflow definition")
	}

	ids := make(map[string]struct{}, len(def.Steps))
	targets := make(map[repository.Status]string, len(def.Steps))
	for _, step := range def.Steps {
		if _, dup := ids[step.ID]; dup {
			return errors.InvalidInput("steps", fmt.Sprintf("duplicate step id %q", step.ID))
		}
		ids[step.ID] = struct{}{}

		if !step.TargetStatus.Valid() {
			return errors.InvalidInput("steps", fmt.Sprintf("step %q has unknown target status %q", step.ID, step.TargetStatus))
		}
		switch step.TargetStatus {
		case repository.StatusSubmitted, repository.StatusReturned:
			return errors.InvalidInput("steps", fmt.Sprintf("step %q cannot target %s", step.ID, step.TargetStatus))
		}
		if step.TargetStatus.Terminal() {
			return errors.InvalidInput("steps", fmt.Sprintf("step %q cannot target terminal status %s", step.ID, step.TargetStatus))
		}
		if other, dup := targets[step.TargetStatus]; dup {
			return errors.InvalidInput("steps", fmt.Sprintf("steps %q and %q both target %s", other, step.ID, step.TargetStatus))
		}
		targets[step.TargetStatus] = step.ID
	}

	if def.DefaultStepID != "" {
		if _, ok := ids[def.DefaultStepID]; !ok {
			return errors.InvalidInput("default_step_id", fmt.Sprintf("no step with id %q", def.DefaultStepID))
		}
	}
	return nil
}

// definitionsFile is the layout of a workflow seed file.
type definitionsFile struct {
	Workflows []*repository.WorkflowDefinition `yaml:"workflows"`
}

// LoadDefinitionsFile reads workflow definitions from a YAML seed file.
func LoadDefinitionsFile(path string) ([]*repository.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow definitions: %w", err)
	}

	var f definitionsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse workflow definitions %s: %w", path, err)
	}
	for _, def := range f.Workflows {
		if err := ValidateDefinition(def); err != nil {
			return nil, fmt.Errorf("workflow %q in %s: %w", def.Category, path, err)
		}
	}
	return f.Workflows, nil
}
