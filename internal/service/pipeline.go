package service

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pesio-ai/be-records-workflow/internal/metrics"
	"github.com/pesio-ai/be-records-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-records-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-records-workflow/internal/repository"
	"github.com/pesio-ai/be-records-workflow/internal/telemetry"
)

// Pipeline renders the certificate and issues a pickup token for a request
// that reached ready. Its failures are written to history and never change
// the request status.
type Pipeline struct {
	store    repository.Store
	renderer CertificateRenderer
	issuer   PickupIssuer
	clock    func() time.Time
	tracer   trace.Tracer
	log      *logger.Logger
}

var _ JobRunner = (*Pipeline)(nil)

// NewPipeline creates a Pipeline.
func NewPipeline(store repository.Store, renderer CertificateRenderer, issuer PickupIssuer, log *logger.Logger) *Pipeline {
	return &Pipeline{
		store:    store,
		renderer: renderer,
		issuer:   issuer,
		clock:    func() time.Time { return time.Now().UTC() },
		tracer:   telemetry.Tracer(),
		log:      log,
	}
}

// Run executes the pipeline for a dispatched job. A request that already has
// an artifact is skipped unless job.Force is set. A request that left ready
// before the job ran gets a failed history entry.
func (p *Pipeline) Run(ctx context.Context, job PipelineJob) error {
	return p.execute(ctx, job, true)
}

// Regenerate is the manual re-trigger. It runs synchronously and reports
// failures to the caller. Downstream failures are also recorded in history;
// a request that is not ready is rejected without touching it.
func (p *Pipeline) Regenerate(ctx context.Context, requestID string, force bool) error {
	return p.execute(ctx, PipelineJob{RequestID: requestID, Force: force}, false)
}

func (p *Pipeline) execute(ctx context.Context, job PipelineJob, dispatched bool) error {
	ctx, span := p.tracer.Start(ctx, "pipeline.Run",
		trace.WithAttributes(
			attribute.String("request.id", job.RequestID),
			attribute.Bool("dispatched", dispatched),
		))
	defer span.End()

	started := time.Now()
	result, err := p.run(ctx, job, dispatched)
	metrics.RecordPipelineRun(result, time.Since(started).Seconds())
	if err != nil {
		return recordSpanError(span, err)
	}
	return nil
}

func (p *Pipeline) run(ctx context.Context, job PipelineJob, dispatched bool) (string, error) {
	req, err := p.store.Requests().GetByID(ctx, job.RequestID)
	if err != nil {
		if dispatched {
			p.log.Warn().Err(err).
				Str("request_id", job.RequestID).
				Msg("Post-approval job for unreadable request dropped")
		}
		return "failed", err
	}
	if req.Status != repository.StatusReady && req.Status != repository.StatusReleased {
		err := errors.InvalidTransition(
			fmt.Sprintf("request %s is %s; documents are generated once it is ready", req.ID, req.Status))
		if dispatched {
			p.record(ctx, req, "check request status", err)
		}
		return "failed", err
	}
	if req.ArtifactRef != nil && !job.Force {
		p.log.Info().Str("request_id", req.ID).Msg("Artifact already generated; skipping")
		p.append(ctx, &repository.HistoryEntry{
			RequestID:      req.ID,
			Action:         repository.HistoryGenerateFiles,
			PreviousStatus: req.Status,
			NewStatus:      req.Status,
			Comments:       fmt.Sprintf("existing artifact %s kept; regenerate with force to replace it", *req.ArtifactRef),
			CreatedAt:      p.clock(),
		})
		return "skipped", nil
	}

	ref, err := p.renderer.Render(ctx, req.ID, req.Category)
	if err != nil {
		return "failed", p.fail(ctx, req, "render certificate", err)
	}

	token, err := p.issuer.IssueToken(ctx, req.ID, req.ReferenceNumber)
	if err != nil {
		return "failed", p.fail(ctx, req, "issue pickup token", err)
	}

	now := p.clock()
	err = p.store.Requests().SetArtifact(ctx, req.ID, repository.Artifact{
		Ref:             ref,
		PickupToken:     token.Token,
		PickupExpiresAt: token.ExpiresAt,
		GeneratedAt:     now,
	})
	if err != nil {
		return "failed", p.fail(ctx, req, "store artifact", err)
	}

	p.append(ctx, &repository.HistoryEntry{
		RequestID:      req.ID,
		Action:         repository.HistoryGenerateFiles,
		PreviousStatus: req.Status,
		NewStatus:      req.Status,
		Comments:       fmt.Sprintf("artifact %s; pickup token expires %s", ref, token.ExpiresAt.UTC().Format(time.RFC3339)),
		CreatedAt:      now,
	})

	p.log.Info().
		Str("request_id", req.ID).
		Str("artifact_ref", ref).
		Msg("Post-approval documents generated")
	return "generated", nil
}

// fail records a failed history entry and returns a downstream error.
func (p *Pipeline) fail(ctx context.Context, req *repository.Request, stage string, cause error) error {
	p.record(ctx, req, stage, cause)
	return errors.Downstream(cause, stage)
}

// record logs a pipeline failure and appends it to the request's history.
func (p *Pipeline) record(ctx context.Context, req *repository.Request, stage string, cause error) {
	p.log.Warn().Err(cause).
		Str("request_id", req.ID).
		Str("stage", stage).
		Msg("Post-approval pipeline failed")

	p.append(context.WithoutCancel(ctx), &repository.HistoryEntry{
		RequestID:      req.ID,
		Action:         repository.HistoryFailed,
		PreviousStatus: req.Status,
		NewStatus:      req.Status,
		Comments:       fmt.Sprintf("%s: %v", stage, cause),
		CreatedAt:      p.clock(),
	})
}

func (p *Pipeline) append(ctx context.Context, entry *repository.HistoryEntry) {
	if err := p.store.History().Append(ctx, entry); err != nil {
		p.log.Warn().Err(err).
			Str("request_id", entry.RequestID).
			Str("action", entry.Action).
			Msg("Failed to write history entry")
	}
}
