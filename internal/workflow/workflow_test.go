package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issm/issm/internal/apperr"
	"github.com/issm/issm/internal/model"
)

func TestOnlyListedTransitionsAreLegal(t *testing.T) {
	legal := map[model.SegmentationStatus][]Event{
		model.StatusNew:       {EventAssign},
		model.StatusQueued:    {EventAssign},
		model.StatusAssigned:  {EventUnclaim, EventSubmit},
		model.StatusSubmitted: {EventAccept, EventReject},
		model.StatusRejected:  {EventRequeue},
		model.StatusAccepted:  {},
	}

	for _, status := range model.Statuses {
		for _, event := range Events {
			t.Run(string(status)+"/"+string(event), func(t *testing.T) {
				to, err := Next(status, event)
				if contains(legal[status], event) {
					require.NoError(t, err)
					assert.NotEqual(t, status, to)
					return
				}
				assert.ErrorIs(t, err, apperr.ErrInvalidStateTransition)
				assert.Equal(t, status, to)
				assert.False(t, Legal(status, event))
			})
		}
	}
}

func TestNewSegmentationOnlyLeavesByAssignment(t *testing.T) {
	_, err := Next(model.StatusNew, EventRequeue)
	assert.ErrorIs(t, err, apperr.ErrInvalidStateTransition)

	to, err := Next(model.StatusNew, EventAssign)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAssigned, to)
}

func contains(events []Event, e Event) bool {
	for _, x := range events {
		if x == e {
			return true
		}
	}
	return false
}

func TestApplyAssignSetsAssignee(t *testing.T) {
	now := time.Now()
	seg := model.ManualSegmentation{Status: model.StatusQueued}

	next, err := Apply(seg, Transition{Event: EventAssign, UserID: "u1", At: now})
	require.NoError(t, err)
	assert.Equal(t, model.StatusAssigned, next.Status)
	require.NotNil(t, next.AssigneeID)
	assert.Equal(t, "u1", *next.AssigneeID)
	assert.Equal(t, now, *next.AssignedDate)

	assert.Equal(t, model.StatusQueued, seg.Status)
	assert.Nil(t, seg.AssigneeID)
}

func TestApplyAssignRequiresAssignee(t *testing.T) {
	_, err := Apply(model.ManualSegmentation{Status: model.StatusNew}, Transition{Event: EventAssign})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestApplyUnclaimClearsAssignee(t *testing.T) {
	user := "u1"
	now := time.Now()
	seg := model.ManualSegmentation{Status: model.StatusAssigned, AssigneeID: &user, AssignedDate: &now}

	next, err := Apply(seg, Transition{Event: EventUnclaim, At: now})
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, next.Status)
	assert.Nil(t, next.AssigneeID)
	assert.Nil(t, next.AssignedDate)
}

func TestApplyAcceptRecordsReviewer(t *testing.T) {
	now := time.Now()
	next, err := Apply(model.ManualSegmentation{Status: model.StatusSubmitted}, Transition{Event: EventAccept, UserID: "rev", At: now})
	require.NoError(t, err)
	assert.Equal(t, model.StatusAccepted, next.Status)
	assert.Equal(t, "rev", *next.ValidatedByID)
	assert.Equal(t, now, *next.ValidationDate)
}

func TestApplyRejectReturnsCaseToPool(t *testing.T) {
	user := "u1"
	next, err := Apply(model.ManualSegmentation{Status: model.StatusSubmitted, AssigneeID: &user}, Transition{Event: EventReject, UserID: "rev", At: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, next.Status)
	assert.Nil(t, next.AssigneeID)
	assert.True(t, Legal(next.Status, EventAssign))
}

func TestAcceptedIsTerminal(t *testing.T) {
	seg := model.ManualSegmentation{Status: model.StatusAccepted}
	for _, event := range Events {
		next, err := Apply(seg, Transition{Event: event, UserID: "u1", At: time.Now()})
		assert.ErrorIs(t, err, apperr.ErrInvalidStateTransition)
		assert.Equal(t, seg, next)
	}
}
