// Package workflow is the review state machine of manual segmentations.
// It only computes transitions; persistence lives in the service layer.
package workflow

import (
	"time"

	"github.com/issm/issm/internal/apperr"
	"github.com/issm/issm/internal/model"
)

type Event string

const (
	EventAssign  Event = "assign"
	EventUnclaim Event = "unclaim"
	EventSubmit  Event = "submit"
	EventAccept  Event = "accept"
	EventReject  Event = "reject"
	EventRequeue Event = "requeue"
)

var Events = []Event{EventAssign, EventUnclaim, EventSubmit, EventAccept, EventReject, EventRequeue}

type edge struct {
	from  model.SegmentationStatus
	event Event
}

var edges = map[edge]model.SegmentationStatus{
	{model.StatusNew, EventAssign}:       model.StatusAssigned,
	{model.StatusQueued, EventAssign}:    model.StatusAssigned,
	{model.StatusAssigned, EventUnclaim}: model.StatusQueued,
	{model.StatusAssigned, EventSubmit}:  model.StatusSubmitted,
	{model.StatusSubmitted, EventAccept}: model.StatusAccepted,
	{model.StatusSubmitted, EventReject}: model.StatusRejected,
	{model.StatusRejected, EventRequeue}: model.StatusQueued,
}

// Next returns the status reached from from on event.
func Next(from model.SegmentationStatus, event Event) (model.SegmentationStatus, error) {
	to, ok := edges[edge{from, event}]
	if !ok {
		return from, apperr.New(apperr.ErrInvalidStateTransition, "cannot %s a segmentation that is %s", event, from)
	}
	return to, nil
}

// Legal reports whether event is allowed from status from.
func Legal(from model.SegmentationStatus, event Event) bool {
	_, ok := edges[edge{from, event}]
	return ok
}

// Transition is one requested state change.
type Transition struct {
	Event Event
	// UserID is the assignee for EventAssign and the reviewer for EventAccept
	UserID string
	At     time.Time
}

// Apply returns seg as it looks after t. seg itself is left untouched.
// A rejection lands in queued directly, so the case returns to the pool in one step.
func Apply(seg model.ManualSegmentation, t Transition) (model.ManualSegmentation, error) {
	to, err := Next(seg.Status, t.Event)
	if err != nil {
		return seg, err
	}

	at := t.At
	next := seg
	next.Status = to
	next.LastUpdated = at

	switch t.Event {
	case EventAssign:
		if t.UserID == "" {
			return seg, apperr.New(apperr.ErrValidation, "assignee is required")
		}
		assignee := t.UserID
		next.AssigneeID = &assignee
		next.AssignedDate = &at
	case EventUnclaim:
		next.AssigneeID = nil
		next.AssignedDate = nil
	case EventAccept:
		reviewer := t.UserID
		next.ValidatedByID = &reviewer
		next.ValidationDate = &at
	case EventReject:
		next.AssigneeID = nil
		next.AssignedDate = nil
		next.Status, err = Next(to, EventRequeue)
		if err != nil {
			return seg, err
		}
	}

	return next, nil
}
