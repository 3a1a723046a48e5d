package service

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pesio-ai/be-records-workflow/internal/metrics"
	"github.com/pesio-ai/be-records-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-records-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-records-workflow/internal/repository"
	"github.com/pesio-ai/be-records-workflow/internal/telemetry"
)

// EngineConfig carries the settings applied to every loaded definition.
type EngineConfig struct {
	// FallbackReviewers receive assignments for steps with no reviewers.
	FallbackReviewers []string
	// OverrideRoles may act on assignments they do not own.
	OverrideRoles []string
}

// Engine routes requests through their workflow: it creates assignments,
// applies reviewer actions and keeps the history ledger.
type Engine struct {
	store      repository.Store
	cfg        EngineConfig
	dispatcher Dispatcher
	notifier   Notifier
	directory  Directory
	clock      func() time.Time
	tracer     trace.Tracer
	log        *logger.Logger
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithClock replaces time.Now, for deterministic tests.
func WithClock(clock func() time.Time) EngineOption {
	return func(e *Engine) { e.clock = clock }
}

// WithNotifications enables "action required" notifications.
func WithNotifications(directory Directory, notifier Notifier) EngineOption {
	return func(e *Engine) {
		e.directory = directory
		e.notifier = notifier
	}
}

// NewEngine creates an Engine. The dispatcher may be replaced later with
// SetDispatcher when it depends on a pipeline built from the same store.
func NewEngine(store repository.Store, cfg EngineConfig, dispatcher Dispatcher, log *logger.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		store:      store,
		cfg:        cfg,
		dispatcher: dispatcher,
		clock:      func() time.Time { return time.Now().UTC() },
		tracer:     telemetry.Tracer(),
		log:        log,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetDispatcher sets the pipeline dispatcher.
func (e *Engine) SetDispatcher(d Dispatcher) {
	e.dispatcher = d
}

// ── Results ──────────────────────────────────────────────────────────────────

// SubmitResult describes the routing of a submitted request.
type SubmitResult struct {
	RequestID   string
	Status      repository.Status
	StepID      string
	Assignments []*repository.Assignment
	// AlreadySubmitted is set when the call was a repeat and changed nothing.
	AlreadySubmitted bool
}

// ActResult describes the effect of a reviewer action.
type ActResult struct {
	AssignmentID       string
	RequestID          string
	Action             Action
	PreviousStatus     repository.Status
	NewStatus          repository.Status
	Created            []*repository.Assignment
	PipelineDispatched bool
}

// ResyncAnomaly is an active request whose status no step claims.
type ResyncAnomaly struct {
	RequestID string            `json:"request_id"`
	Status    repository.Status `json:"status"`
	Reason    string            `json:"reason"`
}

// ResyncReport summarizes a resync.
type ResyncReport struct {
	Category  string          `json:"category"`
	Deleted   int64           `json:"deleted"`
	Created   int             `json:"created"`
	Scanned   int             `json:"scanned"`
	Anomalies []ResyncAnomaly `json:"anomalies"`
}

// ── SubmitRequest ────────────────────────────────────────────────────────────

// SubmitRequest routes a newly submitted request to its intake step. Calling
// it again for the same request changes nothing.
func (e *Engine) SubmitRequest(ctx context.Context, requestID, category string) (*SubmitResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.SubmitRequest",
		trace.WithAttributes(attribute.String("request.id", requestID)))
	defer span.End()

	req, err := e.store.Requests().GetByID(ctx, requestID)
	if err != nil {
		return nil, recordSpanError(span, err)
	}
	if category == "" {
		category = req.Category
	}
	if category != req.Category {
		return nil, errors.InvalidInput("category",
			fmt.Sprintf("request %s belongs to %s, not %s", requestID, req.Category, category))
	}

	def, err := e.loadDefinition(ctx, e.store, category)
	if err != nil {
		return nil, recordSpanError(span, err)
	}

	if req.Status != repository.StatusSubmitted {
		return e.existingSubmission(ctx, req)
	}

	intake := def.Steps[IntakeStepIndex(def)]
	now := e.clock()
	var created []*repository.Assignment

	err = e.store.InTransaction(ctx, func(tx repository.Repositories) error {
		if err := tx.Requests().UpdateStatus(ctx, req.ID, repository.StatusSubmitted, intake.TargetStatus, now); err != nil {
			return err
		}
		var err error
		created, err = e.fanOut(ctx, tx, def, req, intake, now)
		if err != nil {
			return err
		}
		return tx.History().Append(ctx, &repository.HistoryEntry{
			RequestID:      req.ID,
			StepID:         &intake.ID,
			Action:         repository.HistorySubmitted,
			PreviousStatus: repository.StatusSubmitted,
			NewStatus:      intake.TargetStatus,
			CreatedAt:      now,
		})
	})
	if errors.IsCode(err, errors.ErrCodeConflict) {
		// A concurrent submit won the status update.
		fresh, getErr := e.store.Requests().GetByID(ctx, req.ID)
		if getErr != nil {
			return nil, getErr
		}
		return e.existingSubmission(ctx, fresh)
	}
	if err != nil {
		return nil, recordSpanError(span, err)
	}

	metrics.RecordAssignmentsCreated(len(created))
	e.log.Info().
		Str("request_id", req.ID).
		Str("category", category).
		Str("step_id", intake.ID).
		Int("assignments", len(created)).
		Msg("Request submitted")

	e.notify(ctx, req, intake, created)

	return &SubmitResult{
		RequestID:   req.ID,
		Status:      intake.TargetStatus,
		StepID:      intake.ID,
		Assignments: created,
	}, nil
}

func (e *Engine) existingSubmission(ctx context.Context, req *repository.Request) (*SubmitResult, error) {
	assignments, err := e.store.Assignments().ListByRequest(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	res := &SubmitResult{RequestID: req.ID, Status: req.Status, AlreadySubmitted: true}
	for _, a := range assignments {
		if a.Status == repository.AssignmentPending {
			res.Assignments = append(res.Assignments, a)
			res.StepID = a.StepID
		}
	}
	return res, nil
}

// ── Act ──────────────────────────────────────────────────────────────────────

// Act applies a reviewer action to a pending assignment. Completion of the
// assignment, the status change, new assignments and the history entry
// commit together or not at all.
func (e *Engine) Act(ctx context.Context, assignmentID string, actor Actor, action Action, comment string, signature *string) (*ActResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Act", trace.WithAttributes(
		attribute.String("assignment.id", assignmentID),
		attribute.String("actor.id", actor.ID),
		attribute.String("action", action.String()),
	))
	defer span.End()

	res, err := e.act(ctx, assignmentID, actor, action, comment, signature)
	metrics.RecordAction(action.String(), resultLabel(err))
	if err != nil {
		e.log.Warn().Err(err).
			Str("assignment_id", assignmentID).
			Str("actor_id", actor.ID).
			Str("action", action.String()).
			Msg("Action rejected")
		return nil, recordSpanError(span, err)
	}
	return res, nil
}

func (e *Engine) act(ctx context.Context, assignmentID string, actor Actor, action Action, comment string, signature *string) (*ActResult, error) {
	if actor.ID == "" {
		return nil, errors.New(errors.ErrCodeUnauthorized, "actor is required")
	}

	asg, err := e.store.Assignments().GetByID(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if asg.Status != repository.AssignmentPending {
		return nil, errors.Conflict(fmt.Sprintf("assignment %s already actioned", asg.ID))
	}
	if asg.ReviewerID != actor.ID && !actor.HasAnyRole(e.cfg.OverrideRoles) {
		return nil, errors.Forbidden("actor does not own this assignment")
	}

	req, err := e.store.Requests().GetByID(ctx, asg.RequestID)
	if err != nil {
		return nil, err
	}

	def, err := e.loadDefinition(ctx, e.store, req.Category)
	if errors.IsCode(err, errors.ErrCodeNotFound) {
		return nil, errors.InvalidTransition(fmt.Sprintf("workflow for category %s no longer exists", req.Category))
	}
	if err != nil {
		return nil, err
	}

	stepIdx := StepIndex(def, asg.StepID)
	if stepIdx < 0 {
		return nil, errors.InvalidTransition(fmt.Sprintf("step %s is not part of workflow %s", asg.StepID, def.Category))
	}

	outcome, err := Transition(def, stepIdx, req.Status, action)
	if err != nil {
		return nil, err
	}

	now := e.clock()
	var created []*repository.Assignment

	err = e.store.InTransaction(ctx, func(tx repository.Repositories) error {
		err := tx.Assignments().Complete(ctx, asg.ID, repository.Completion{
			Action:      action.String(),
			Comment:     comment,
			CompletedBy: actor.ID,
			At:          now,
		})
		if err != nil {
			return err
		}
		if _, err := tx.Assignments().SupersedePending(ctx, req.ID, asg.ID, now); err != nil {
			return err
		}
		if err := tx.Requests().UpdateStatus(ctx, req.ID, req.Status, outcome.NewStatus, now); err != nil {
			return err
		}
		if outcome.FanOutStep >= 0 {
			created, err = e.fanOut(ctx, tx, def, req, def.Steps[outcome.FanOutStep], now)
			if err != nil {
				return err
			}
		}
		return tx.History().Append(ctx, &repository.HistoryEntry{
			RequestID:      req.ID,
			StepID:         &asg.StepID,
			Action:         action.String(),
			PerformedBy:    &actor.ID,
			PreviousStatus: req.Status,
			NewStatus:      outcome.NewStatus,
			Comments:       comment,
			Signature:      signature,
			CreatedAt:      now,
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordAssignmentsCreated(len(created))
	e.log.Info().
		Str("request_id", req.ID).
		Str("assignment_id", asg.ID).
		Str("actor_id", actor.ID).
		Str("action", action.String()).
		Str("previous_status", string(req.Status)).
		Str("new_status", string(outcome.NewStatus)).
		Msg("Assignment actioned")

	res := &ActResult{
		AssignmentID:   asg.ID,
		RequestID:      req.ID,
		Action:         action,
		PreviousStatus: req.Status,
		NewStatus:      outcome.NewStatus,
		Created:        created,
	}

	if outcome.DispatchPipeline {
		res.PipelineDispatched = e.dispatch(ctx, req)
	}
	if outcome.FanOutStep >= 0 {
		e.notify(ctx, req, def.Steps[outcome.FanOutStep], created)
	}
	return res, nil
}

// dispatch hands the pipeline off without waiting. A failed hand-off is
// recorded in history and never fails the approval.
func (e *Engine) dispatch(ctx context.Context, req *repository.Request) bool {
	if e.dispatcher == nil {
		e.log.Warn().Str("request_id", req.ID).Msg("No pipeline dispatcher configured")
		return false
	}
	err := e.dispatcher.Dispatch(ctx, PipelineJob{RequestID: req.ID})
	if err == nil {
		return true
	}

	e.log.Warn().Err(err).Str("request_id", req.ID).Msg("Failed to dispatch post-approval pipeline")
	e.appendHistory(context.WithoutCancel(ctx), &repository.HistoryEntry{
		RequestID:      req.ID,
		Action:         repository.HistoryFailed,
		PreviousStatus: repository.StatusReady,
		NewStatus:      repository.StatusReady,
		Comments:       fmt.Sprintf("dispatch failed: %v", err),
		CreatedAt:      e.clock(),
	})
	return false
}

// ── AddNote ──────────────────────────────────────────────────────────────────

// AddNote appends a note to the request history.
func (e *Engine) AddNote(ctx context.Context, requestID string, actorID, comment string) (*repository.HistoryEntry, error) {
	req, err := e.store.Requests().GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}

	entry := &repository.HistoryEntry{
		RequestID:      req.ID,
		Action:         repository.HistoryNote,
		PreviousStatus: req.Status,
		NewStatus:      req.Status,
		Comments:       comment,
		CreatedAt:      e.clock(),
	}
	if actorID != "" {
		entry.PerformedBy = &actorID
	}

	if err := e.store.History().Append(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// ── Resync ───────────────────────────────────────────────────────────────────

// Resync rebuilds the pending assignments of a category from request
// statuses and the current definition. Request status and history are
// never touched, so it is safe to run repeatedly. Requests still in
// submitted are left for SubmitRequest to route.
func (e *Engine) Resync(ctx context.Context, category string) (*ResyncReport, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Resync",
		trace.WithAttributes(attribute.String("category", category)))
	defer span.End()

	report := &ResyncReport{Category: category}
	now := e.clock()

	err := e.store.InTransaction(ctx, func(tx repository.Repositories) error {
		*report = ResyncReport{Category: category}

		def, err := e.loadDefinition(ctx, tx, category)
		if err != nil {
			return err
		}

		report.Deleted, err = tx.Assignments().DeletePendingByCategory(ctx, category)
		if err != nil {
			return err
		}

		reqs, err := tx.Requests().ListActiveByCategory(ctx, category)
		if err != nil {
			return err
		}

		for _, req := range reqs {
			// Unrouted requests get their intake assignments from SubmitRequest.
			if req.Status == repository.StatusSubmitted {
				continue
			}
			report.Scanned++
			step := StepForStatus(def, req.Status)
			if step == nil {
				report.Anomalies = append(report.Anomalies, ResyncAnomaly{
					RequestID: req.ID,
					Status:    req.Status,
					Reason:    "no step claims this status",
				})
				continue
			}
			created, err := e.fanOut(ctx, tx, def, req, *step, now)
			if err != nil {
				return err
			}
			report.Created += len(created)
		}
		return nil
	})
	if err != nil {
		return nil, recordSpanError(span, err)
	}

	metrics.RecordAssignmentsCreated(report.Created)
	metrics.RecordResyncAnomalies(category, len(report.Anomalies))
	for _, a := range report.Anomalies {
		e.log.Warn().
			Str("category", category).
			Str("request_id", a.RequestID).
			Str("status", string(a.Status)).
			Msg("Resync left request without assignments")
	}
	e.log.Info().
		Str("category", category).
		Int64("deleted", report.Deleted).
		Int("created", report.Created).
		Int("scanned", report.Scanned).
		Int("anomalies", len(report.Anomalies)).
		Msg("Assignments resynced")

	return report, nil
}

// ── Queries ──────────────────────────────────────────────────────────────────

// PendingForReviewer returns a reviewer's open assignments.
func (e *Engine) PendingForReviewer(ctx context.Context, reviewerID string) ([]*repository.Assignment, error) {
	if reviewerID == "" {
		return nil, errors.InvalidInput("reviewer_id", "required")
	}
	return e.store.Assignments().ListPendingForReviewer(ctx, reviewerID)
}

// ── Internal helpers ─────────────────────────────────────────────────────────

// loadDefinition reads a definition and injects the configured fallback
// reviewers.
func (e *Engine) loadDefinition(ctx context.Context, repos repository.Repositories, category string) (*repository.WorkflowDefinition, error) {
	def, err := repos.Workflows().Get(ctx, category)
	if err != nil {
		return nil, err
	}
	if len(def.Steps) == 0 {
		return nil, errors.InvalidTransition(fmt.Sprintf("workflow %s has no steps", category))
	}
	def.FallbackReviewers = e.cfg.FallbackReviewers
	return def, nil
}

// fanOut creates one pending assignment per assignee of step. Reviewers
// already holding a pending assignment for the step are skipped.
func (e *Engine) fanOut(
	ctx context.Context,
	tx repository.Repositories,
	def *repository.WorkflowDefinition,
	req *repository.Request,
	step repository.Step,
	now time.Time,
) ([]*repository.Assignment, error) {
	reviewers := Assignees(def, step)
	if len(reviewers) == 0 {
		return nil, errors.InvalidTransition(fmt.Sprintf("step %s of %s has no reviewers and no fallback is configured", step.ID, def.Category))
	}

	var created []*repository.Assignment
	for _, reviewerID := range reviewers {
		a := &repository.Assignment{
			RequestID:  req.ID,
			Category:   req.Category,
			StepID:     step.ID,
			ReviewerID: reviewerID,
			CreatedAt:  now,
		}
		ok, err := tx.Assignments().CreatePending(ctx, a)
		if err != nil {
			return nil, err
		}
		if ok {
			created = append(created, a)
		}
	}
	return created, nil
}

// notify resolves assignee identities and publishes one notification.
// Every failure is logged and swallowed.
func (e *Engine) notify(ctx context.Context, req *repository.Request, step repository.Step, created []*repository.Assignment) {
	if e.notifier == nil || len(created) == 0 {
		return
	}

	n := ActionRequired{
		RequestID:       req.ID,
		Category:        req.Category,
		ReferenceNumber: req.ReferenceNumber,
		StepID:          step.ID,
		StepName:        step.Name,
		Status:          string(step.TargetStatus),
	}
	for _, a := range created {
		r := Reviewer{ID: a.ReviewerID}
		if e.directory != nil {
			found, err := e.directory.LookupReviewer(ctx, a.ReviewerID)
			if err != nil {
				e.log.Warn().Err(err).Str("reviewer_id", a.ReviewerID).Msg("Could not resolve reviewer; notifying by id")
			} else if found != nil {
				r = *found
			}
		}
		n.Recipients = append(n.Recipients, r)
	}

	if err := e.notifier.NotifyActionRequired(ctx, n); err != nil {
		e.log.Warn().Err(err).
			Str("request_id", req.ID).
			Str("step_id", step.ID).
			Msg("Failed to send action-required notification")
	}
}

// appendHistory writes a ledger entry outside the engine's transactions and
// logs a warning on failure.
func (e *Engine) appendHistory(ctx context.Context, entry *repository.HistoryEntry) {
	if err := e.store.History().Append(ctx, entry); err != nil {
		e.log.Warn().Err(err).
			Str("request_id", entry.RequestID).
			Str("action", entry.Action).
			Msg("Failed to write history entry")
	}
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	switch errors.CodeOf(err) {
	case errors.ErrCodeConflict:
		return "conflict"
	case errors.ErrCodeForbidden, errors.ErrCodeUnauthorized:
		return "forbidden"
	case errors.ErrCodeInvalidTransition, errors.ErrCodeInvalidInput:
		return "invalid"
	case errors.ErrCodeNotFound:
		return "not_found"
	}
	return "error"
}

func recordSpanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
