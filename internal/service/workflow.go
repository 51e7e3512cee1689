package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/issm/issm/internal/apperr"
	"github.com/issm/issm/internal/artifact"
	"github.com/issm/issm/internal/authz"
	"github.com/issm/issm/internal/model"
	"github.com/issm/issm/internal/repository"
	"github.com/issm/issm/internal/storage"
	"github.com/issm/issm/internal/validation"
	"github.com/issm/issm/internal/workflow"
)

// UnclaimedMessage is recorded when a case is unclaimed without an explicit message
const UnclaimedMessage = "Unclaimed."

type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionReject Decision = "reject"
)

// WorkflowService drives manual segmentations through the review states.
// Cases are addressed by image id.
type WorkflowService struct {
	core
	now func() time.Time
}

func NewWorkflowService(store *repository.Store, gate *authz.Gate, artifacts *artifact.Store) *WorkflowService {
	return &WorkflowService{
		core: core{store: store, gate: gate, artifacts: artifacts},
		now:  func() time.Time { return time.Now().UTC() },
	}
}

type caseRef struct {
	image   *model.Image
	project *model.Project
	seg     *model.ManualSegmentation
}

func (s *WorkflowService) load(ctx context.Context, p authz.Principal, action authz.Action, imageID int64) (*caseRef, error) {
	img, project, err := s.image(ctx, p, action, imageID)
	if err != nil {
		return nil, err
	}

	seg, err := s.store.ManualSegmentations.ByImageID(ctx, imageID)
	if err != nil {
		return nil, err
	}

	return &caseRef{image: img, project: project, seg: seg}, nil
}

// requireAssigneeOr lets the assignee through and everyone else only with action
func (s *WorkflowService) requireAssigneeOr(ctx context.Context, p authz.Principal, c *caseRef, action authz.Action) error {
	if c.seg.IsAssignedTo(p.UserID) {
		return nil
	}
	return s.gate.Check(ctx, p, action, c.image.ProjectID)
}

// apply stores the transition with the loaded status as guard and appends
// the messages, all in one transaction. staged, if not nil, is moved into
// place right before the commit.
func (s *WorkflowService) apply(ctx context.Context, p authz.Principal, c *caseRef, t workflow.Transition, staged storage.Staged, messages ...string) (*model.ManualSegmentation, error) {
	next, err := workflow.Apply(*c.seg, t)
	if err != nil {
		return nil, err
	}

	err = s.withVolume(ctx, func(tx *repository.Repositories) (storage.Staged, error) {
		err := tx.ManualSegmentations.Transition(ctx, &next, c.seg.Status)
		if err != nil {
			return staged, err
		}

		for _, text := range messages {
			if strings.TrimSpace(text) == "" {
				continue
			}
			err = tx.Messages.Create(ctx, &model.Message{
				ManualSegmentationID: next.ID,
				UserID:               p.UserID,
				Date:                 t.At,
				Message:              text,
			})
			if err != nil {
				return staged, fmt.Errorf("failed to append message: %w", err)
			}
		}
		return staged, nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("segmentation "+string(t.Event),
		"project", c.project.ShortName,
		"image_id", c.image.ID,
		"status", next.Status,
		"user", p.UserID,
	)
	return &next, nil
}

func checkMessage(message string) error {
	if strings.TrimSpace(message) == "" {
		return nil
	}
	err := validation.ValidateMessage(message)
	if err != nil {
		return apperr.Wrap(apperr.ErrValidation, err, "invalid message")
	}
	return nil
}

// Assign hands the case to assignee, or to the caller when assignee is empty.
// Assigning someone else requires reviewer rights.
func (s *WorkflowService) Assign(ctx context.Context, p authz.Principal, imageID int64, assignee, message string) (*model.ManualSegmentation, error) {
	assignee = strings.TrimSpace(assignee)
	if assignee == "" {
		assignee = p.UserID
	}

	action := authz.ActionAssignSelf
	if assignee != p.UserID {
		action = authz.ActionAssignOther
	}

	c, err := s.load(ctx, p, action, imageID)
	if err != nil {
		return nil, err
	}

	err = checkMessage(message)
	if err != nil {
		return nil, err
	}

	// The assignee has to be able to work on the case
	if action == authz.ActionAssignOther {
		err = s.gate.Check(ctx, authz.Principal{UserID: assignee}, authz.ActionSubmit, c.image.ProjectID)
		if err != nil {
			return nil, apperr.New(apperr.ErrValidation, "%s is not a user of project %s", assignee, c.project.ShortName)
		}
	}

	return s.apply(ctx, p, c, workflow.Transition{Event: workflow.EventAssign, UserID: assignee, At: s.now()}, nil, message)
}

// Unclaim returns an assigned case to the pool.
func (s *WorkflowService) Unclaim(ctx context.Context, p authz.Principal, imageID int64, message string) (*model.ManualSegmentation, error) {
	c, err := s.load(ctx, p, authz.ActionUnclaim, imageID)
	if err != nil {
		return nil, err
	}

	err = s.requireAssigneeOr(ctx, p, c, authz.ActionAssignOther)
	if err != nil {
		return nil, err
	}

	err = checkMessage(message)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(message) == "" {
		message = UnclaimedMessage
	}

	return s.apply(ctx, p, c, workflow.Transition{Event: workflow.EventUnclaim, At: s.now()}, nil, message)
}

// Submit stores the mask and moves the case to submitted. The mask must
// have the shape of the image volume; otherwise nothing changes.
func (s *WorkflowService) Submit(ctx context.Context, p authz.Principal, imageID int64, mask io.Reader) (*model.ManualSegmentation, error) {
	c, err := s.load(ctx, p, authz.ActionSubmit, imageID)
	if err != nil {
		return nil, err
	}

	err = s.requireAssigneeOr(ctx, p, c, authz.ActionAssignOther)
	if err != nil {
		return nil, err
	}

	// Fail on the state before reading the upload
	_, err = workflow.Next(c.seg.Status, workflow.EventSubmit)
	if err != nil {
		return nil, err
	}

	upload, err := s.matchingVolume(ctx, c.project, c.image, mask)
	if err != nil {
		return nil, err
	}

	staged, err := s.artifacts.Stage(ctx, c.project, c.seg, upload)
	if err != nil {
		return nil, err
	}
	defer discard(staged)

	return s.apply(ctx, p, c, workflow.Transition{Event: workflow.EventSubmit, At: s.now()}, staged)
}

// Review accepts or rejects a submitted case. Rejected cases go back to the pool.
func (s *WorkflowService) Review(ctx context.Context, p authz.Principal, imageID int64, decision Decision, message string) (*model.ManualSegmentation, error) {
	c, err := s.load(ctx, p, authz.ActionReview, imageID)
	if err != nil {
		return nil, err
	}

	var event workflow.Event
	switch decision {
	case DecisionAccept:
		event = workflow.EventAccept
	case DecisionReject:
		event = workflow.EventReject
	default:
		return nil, apperr.New(apperr.ErrValidation, "unknown review decision %q", decision)
	}

	err = checkMessage(message)
	if err != nil {
		return nil, err
	}

	return s.apply(ctx, p, c, workflow.Transition{Event: event, UserID: p.UserID, At: s.now()}, nil, message)
}

// AppendMessage adds to the audit trail of a case in any state.
func (s *WorkflowService) AppendMessage(ctx context.Context, p authz.Principal, imageID int64, text string) (*model.Message, error) {
	c, err := s.load(ctx, p, authz.ActionMessage, imageID)
	if err != nil {
		return nil, err
	}

	err = validation.ValidateMessage(text)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrValidation, err, "invalid message")
	}

	msg := &model.Message{
		ManualSegmentationID: c.seg.ID,
		UserID:               p.UserID,
		Date:                 s.now(),
		Message:              text,
	}
	err = s.store.Messages.Create(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}

	return msg, nil
}
