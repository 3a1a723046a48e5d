package repository

import "time"

// ── Request status ───────────────────────────────────────────────────────────

// Status is the lifecycle status of a records request.
type Status string

const (
	StatusSubmitted         Status = "submitted"
	StatusStaffReview       Status = "staff_review"
	StatusSecretaryApproval Status = "secretary_approval"
	StatusCaptainApproval   Status = "captain_approval"
	StatusOICReview         Status = "oic_review"
	StatusReady             Status = "ready"
	StatusReleased          Status = "released"
	StatusReturned          Status = "returned"
	StatusRejected          Status = "rejected"
	StatusCancelled         Status = "cancelled"
	StatusCompleted         Status = "completed"
)

var knownStatuses = map[Status]struct{}{
	StatusSubmitted: {}, StatusStaffReview: {}, StatusSecretaryApproval: {},
	StatusCaptainApproval: {}, StatusOICReview: {}, StatusReady: {},
	StatusReleased: {}, StatusReturned: {}, StatusRejected: {},
	StatusCancelled: {}, StatusCompleted: {},
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	_, ok := knownStatuses[s]
	return ok
}

// Terminal reports whether no further engine transition can leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusReleased, StatusRejected, StatusCancelled, StatusCompleted:
		return true
	}
	return false
}

// TerminalStatuses lists the statuses excluded from resync.
func TerminalStatuses() []Status {
	return []Status{StatusReleased, StatusRejected, StatusCancelled, StatusCompleted}
}

// ── Workflow definitions ─────────────────────────────────────────────────────

// Step is one entry in a workflow definition's ordered step list. Stored as
// an element of the steps JSONB array.
type Step struct {
	ID                string   `json:"id" yaml:"id" validate:"required,max=64"`
	Name              string   `json:"name" yaml:"name" validate:"required"`
	TargetStatus      Status   `json:"target_status" yaml:"target_status" validate:"required"`
	RequiresApproval  bool     `json:"requires_approval" yaml:"requires_approval"`
	AssignedReviewers []string `json:"assigned_reviewers" yaml:"assigned_reviewers" validate:"dive,required"`
}

// WorkflowDefinition is the ordered approval chain for one request category.
type WorkflowDefinition struct {
	Category      string `json:"category" yaml:"category" validate:"required,max=64"`
	Steps         []Step `json:"steps" yaml:"steps" validate:"required,min=1,dive"`
	DefaultStepID string `json:"default_step_id,omitempty" yaml:"default_step_id"`

	// FallbackReviewers is not persisted. It is injected from configuration
	// whenever a definition is loaded.
	FallbackReviewers []string `json:"-" yaml:"-"`

	Version   int       `json:"version" yaml:"-"`
	UpdatedBy string    `json:"updated_by,omitempty" yaml:"-"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// ── Requests ─────────────────────────────────────────────────────────────────

// Request is the slice of a records request the engine reads and writes.
type Request struct {
	ID              string
	Category        string
	ReferenceNumber string
	Status          Status
	ArtifactRef     *string
	PickupToken     *string
	PickupExpiresAt *time.Time
	GeneratedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Artifact is the output of the post-approval pipeline persisted on a request.
type Artifact struct {
	Ref             string
	PickupToken     string
	PickupExpiresAt time.Time
	GeneratedAt     time.Time
}

// ── Assignments ──────────────────────────────────────────────────────────────

// AssignmentStatus is pending until a reviewer acts, then completed.
type AssignmentStatus string

const (
	AssignmentPending   AssignmentStatus = "pending"
	AssignmentCompleted AssignmentStatus = "completed"
)

// ActionSuperseded closes sibling assignments when another reviewer on the
// same request acted first.
const ActionSuperseded = "superseded"

// Assignment routes one step of one request to one reviewer.
type Assignment struct {
	ID          string
	RequestID   string
	Category    string
	StepID      string
	ReviewerID  string
	Status      AssignmentStatus
	Action      string
	Comment     string
	CompletedBy string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Completion describes how a pending assignment was closed.
type Completion struct {
	Action      string
	Comment     string
	CompletedBy string
	At          time.Time
}

// ── History ──────────────────────────────────────────────────────────────────

// History actions written to the ledger.
const (
	HistorySubmitted     = "submitted"
	HistoryApprove       = "approve"
	HistoryReject        = "reject"
	HistoryReturn        = "return"
	HistoryNote          = "note"
	HistorySynced        = "synced"
	HistoryGenerateFiles = "generate_files"
	HistoryFailed        = "failed"
	// HistoryCompleted is never stored; it is synthesized on read from
	// completed assignments that have no ledger entry.
	HistoryCompleted = "completed"
)

// HistoryEntry is one immutable ledger row. A nil PerformedBy means the
// system or the public acted.
type HistoryEntry struct {
	Seq            int64
	ID             string
	RequestID      string
	StepID         *string
	Action         string
	PerformedBy    *string
	PreviousStatus Status
	NewStatus      Status
	Comments       string
	Signature      *string
	CreatedAt      time.Time
}
