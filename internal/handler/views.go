package handler

import (
	"time"

	"github.com/pesio-ai/be-records-workflow/internal/repository"
	"github.com/pesio-ai/be-records-workflow/internal/service"
)

type assignmentView struct {
	ID          string     `json:"id"`
	RequestID   string     `json:"request_id"`
	Category    string     `json:"category"`
	StepID      string     `json:"step_id"`
	ReviewerID  string     `json:"reviewer_id"`
	Status      string     `json:"status"`
	Action      string     `json:"action,omitempty"`
	Comment     string     `json:"comment,omitempty"`
	CompletedBy string     `json:"completed_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func toAssignmentViews(in []*repository.Assignment) []assignmentView {
	out := make([]assignmentView, 0, len(in))
	for _, a := range in {
		out = append(out, assignmentView{
			ID:          a.ID,
			RequestID:   a.RequestID,
			Category:    a.Category,
			StepID:      a.StepID,
			ReviewerID:  a.ReviewerID,
			Status:      string(a.Status),
			Action:      a.Action,
			Comment:     a.Comment,
			CompletedBy: a.CompletedBy,
			CreatedAt:   a.CreatedAt,
			CompletedAt: a.CompletedAt,
		})
	}
	return out
}

type submitView struct {
	RequestID        string           `json:"request_id"`
	Status           string           `json:"status"`
	StepID           string           `json:"step_id,omitempty"`
	AlreadySubmitted bool             `json:"already_submitted"`
	Assignments      []assignmentView `json:"assignments"`
}

func toSubmitView(r *service.SubmitResult) submitView {
	return submitView{
		RequestID:        r.RequestID,
		Status:           string(r.Status),
		StepID:           r.StepID,
		AlreadySubmitted: r.AlreadySubmitted,
		Assignments:      toAssignmentViews(r.Assignments),
	}
}

type actView struct {
	AssignmentID       string           `json:"assignment_id"`
	RequestID          string           `json:"request_id"`
	Action             string           `json:"action"`
	PreviousStatus     string           `json:"previous_status"`
	NewStatus          string           `json:"new_status"`
	PipelineDispatched bool             `json:"pipeline_dispatched"`
	Created            []assignmentView `json:"created"`
}

func toActView(r *service.ActResult) actView {
	return actView{
		AssignmentID:       r.AssignmentID,
		RequestID:          r.RequestID,
		Action:             r.Action.String(),
		PreviousStatus:     string(r.PreviousStatus),
		NewStatus:          string(r.NewStatus),
		PipelineDispatched: r.PipelineDispatched,
		Created:            toAssignmentViews(r.Created),
	}
}

type noteView struct {
	ID          string    `json:"id"`
	RequestID   string    `json:"request_id"`
	PerformedBy *string   `json:"performed_by,omitempty"`
	Status      string    `json:"status"`
	Comments    string    `json:"comments"`
	CreatedAt   time.Time `json:"created_at"`
}

func toNoteView(e *repository.HistoryEntry) noteView {
	return noteView{
		ID:          e.ID,
		RequestID:   e.RequestID,
		PerformedBy: e.PerformedBy,
		Status:      string(e.NewStatus),
		Comments:    e.Comments,
		CreatedAt:   e.CreatedAt,
	}
}
