package service

import (
	"context"
	"sort"
	"time"

	"github.com/pesio-ai/be-records-workflow/internal/repository"
)

// HistoryEvent is one entry of a request's reconciled history.
type HistoryEvent struct {
	ID             string            `json:"id"`
	RequestID      string            `json:"request_id"`
	StepID         *string           `json:"step_id,omitempty"`
	Action         string            `json:"action"`
	PerformedBy    *string           `json:"performed_by,omitempty"`
	PreviousStatus repository.Status `json:"previous_status,omitempty"`
	NewStatus      repository.Status `json:"new_status,omitempty"`
	Comments       string            `json:"comments,omitempty"`
	Signature      *string           `json:"signature,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	// Synthesized marks events derived from a completed assignment that has
	// no ledger entry.
	Synthesized bool `json:"synthesized,omitempty"`

	seq int64
}

// GetHistory returns the request's ledger merged with completed assignments
// the ledger does not cover, oldest first.
func (e *Engine) GetHistory(ctx context.Context, requestID string) ([]HistoryEvent, error) {
	if _, err := e.store.Requests().GetByID(ctx, requestID); err != nil {
		return nil, err
	}

	entries, err := e.store.History().ListByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	assignments, err := e.store.Assignments().ListByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	return ReconcileHistory(entries, assignments), nil
}

var reviewerActions = map[string]struct{}{
	repository.HistoryApprove: {},
	repository.HistoryReject:  {},
	repository.HistoryReturn:  {},
}

// ReconcileHistory merges ledger entries with completed assignments. Each
// reviewer-action entry accounts for at most one completed assignment of the
// same step: first the assignment completed by the same reviewer at the same
// instant, otherwise the earliest one left over. Completed assignments not
// accounted for become synthesized "completed" events. Superseded
// assignments are never synthesized. The result is sorted by time, ledger
// entries before synthesized ones at equal times.
func ReconcileHistory(entries []*repository.HistoryEntry, assignments []*repository.Assignment) []HistoryEvent {
	events := make([]HistoryEvent, 0, len(entries)+len(assignments))

	// Unmatched reviewer-action entries per step.
	open := make(map[string][]*repository.HistoryEntry)
	for _, en := range entries {
		events = append(events, HistoryEvent{
			ID:             en.ID,
			RequestID:      en.RequestID,
			StepID:         en.StepID,
			Action:         en.Action,
			PerformedBy:    en.PerformedBy,
			PreviousStatus: en.PreviousStatus,
			NewStatus:      en.NewStatus,
			Comments:       en.Comments,
			Signature:      en.Signature,
			CreatedAt:      en.CreatedAt,
			seq:            en.Seq,
		})
		if _, ok := reviewerActions[en.Action]; ok && en.StepID != nil {
			open[*en.StepID] = append(open[*en.StepID], en)
		}
	}

	completed := make([]*repository.Assignment, 0, len(assignments))
	for _, a := range assignments {
		if a.Status == repository.AssignmentCompleted && a.Action != repository.ActionSuperseded {
			completed = append(completed, a)
		}
	}
	sort.SliceStable(completed, func(i, j int) bool {
		ti, tj := completedAt(completed[i]), completedAt(completed[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return completed[i].ID < completed[j].ID
	})

	matched := make(map[string]bool, len(completed))

	// Exact matches first so a new entry never claims an older assignment.
	for _, a := range completed {
		list := open[a.StepID]
		for i, en := range list {
			if en.PerformedBy != nil && *en.PerformedBy == a.CompletedBy && en.CreatedAt.Equal(completedAt(a)) {
				open[a.StepID] = append(list[:i:i], list[i+1:]...)
				matched[a.ID] = true
				break
			}
		}
	}
	for _, a := range completed {
		if matched[a.ID] {
			continue
		}
		if list := open[a.StepID]; len(list) > 0 {
			open[a.StepID] = list[1:]
			matched[a.ID] = true
		}
	}

	for _, a := range completed {
		if matched[a.ID] {
			continue
		}
		stepID := a.StepID
		performer := a.CompletedBy
		if performer == "" {
			performer = a.ReviewerID
		}
		events = append(events, HistoryEvent{
			ID:          "assignment:" + a.ID,
			RequestID:   a.RequestID,
			StepID:      &stepID,
			Action:      repository.HistoryCompleted,
			PerformedBy: &performer,
			Comments:    a.Comment,
			CreatedAt:   completedAt(a),
			Synthesized: true,
		})
	}

	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.Synthesized != b.Synthesized {
			return !a.Synthesized
		}
		if !a.Synthesized {
			return a.seq < b.seq
		}
		return a.ID < b.ID
	})
	return events
}

func completedAt(a *repository.Assignment) time.Time {
	if a.CompletedAt != nil {
		return *a.CompletedAt
	}
	return a.CreatedAt
}
