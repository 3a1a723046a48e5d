package service

import (
	"context"
	"slices"
	"time"
)

// Actor is the caller of an engine operation.
type Actor struct {
	ID    string
	Roles []string
}

// HasAnyRole reports whether the actor holds one of roles.
func (a Actor) HasAnyRole(roles []string) bool {
	for _, r := range a.Roles {
		if slices.Contains(roles, r) {
			return true
		}
	}
	return false
}

// Reviewer is a display identity resolved from the directory.
type Reviewer struct {
	ID    string
	Name  string
	Email string
}

// Directory resolves reviewer ids to display identities.
type Directory interface {
	LookupReviewer(ctx context.Context, reviewerID string) (*Reviewer, error)
}

// ActionRequired is the "your action is needed" notification payload.
type ActionRequired struct {
	RequestID       string
	Category        string
	ReferenceNumber string
	StepID          string
	StepName        string
	Status          string
	Recipients      []Reviewer
}

// Notifier delivers notifications. Errors are logged by the engine and never
// returned to its callers.
type Notifier interface {
	NotifyActionRequired(ctx context.Context, n ActionRequired) error
}

// CertificateRenderer produces the document artifact for a ready request.
type CertificateRenderer interface {
	Render(ctx context.Context, requestID, category string) (artifactRef string, err error)
}

// PickupToken is a single-use token for collecting the document.
type PickupToken struct {
	Token     string
	ExpiresAt time.Time
}

// PickupIssuer issues pickup tokens.
type PickupIssuer interface {
	IssueToken(ctx context.Context, requestID, referenceNumber string) (*PickupToken, error)
}

// PipelineJob asks for the post-approval pipeline to run for one request.
type PipelineJob struct {
	RequestID string `json:"request_id"`
	Force     bool   `json:"force,omitempty"`
}

// Dispatcher hands a pipeline job to a background executor. Dispatch must
// return without waiting for the job to run.
type Dispatcher interface {
	Dispatch(ctx context.Context, job PipelineJob) error
}

// JobRunner executes a pipeline job to completion.
type JobRunner interface {
	Run(ctx context.Context, job PipelineJob) error
}
