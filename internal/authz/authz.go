// Package authz decides whether a principal may perform an action inside a project.
package authz

import (
	"context"
	"fmt"

	"github.com/issm/issm/internal/apperr"
	"github.com/issm/issm/internal/model"
)

// Principal is the caller as resolved by the identity boundary.
type Principal struct {
	UserID         string
	TechnicalAdmin bool
}

type Capability int

const (
	CapUsers Capability = iota
	CapReviewers
	CapAdmins
	CapTechnicalAdmin
)

func (c Capability) String() string {
	switch c {
	case CapUsers:
		return "project user"
	case CapReviewers:
		return "project reviewer"
	case CapAdmins:
		return "project admin"
	case CapTechnicalAdmin:
		return "technical admin"
	}
	return fmt.Sprintf("capability(%d)", int(c))
}

type Action string

const (
	ActionCreateProject    Action = "project.create"
	ActionManageProject    Action = "project.manage"
	ActionManageMembers    Action = "project.members"
	ActionManageVocabulary Action = "project.vocabulary"
	ActionManageImages     Action = "image.manage"
	ActionManageModels     Action = "model.manage"
	ActionUpdateMetadata   Action = "image.metadata"
	ActionAssignOther      Action = "segmentation.assign_other"
	ActionReview           Action = "segmentation.review"
	ActionAssignSelf       Action = "segmentation.assign_self"
	ActionUnclaim          Action = "segmentation.unclaim"
	ActionSubmit           Action = "segmentation.submit"
	ActionMessage          Action = "segmentation.message"
	ActionDownload         Action = "volume.download"
	ActionView             Action = "project.view"
)

var requirements = map[Action]Capability{
	ActionCreateProject:    CapTechnicalAdmin,
	ActionManageProject:    CapAdmins,
	ActionManageMembers:    CapAdmins,
	ActionManageVocabulary: CapAdmins,
	ActionManageImages:     CapAdmins,
	ActionManageModels:     CapAdmins,
	ActionUpdateMetadata:   CapReviewers,
	ActionAssignOther:      CapReviewers,
	ActionReview:           CapReviewers,
	ActionAssignSelf:       CapUsers,
	ActionUnclaim:          CapUsers,
	ActionSubmit:           CapUsers,
	ActionMessage:          CapUsers,
	ActionDownload:         CapUsers,
	ActionView:             CapUsers,
}

// Requirement returns the capability action needs.
func Requirement(action Action) (Capability, bool) {
	c, ok := requirements[action]
	return c, ok
}

// MembershipSource lists the explicit membership rows of a project.
type MembershipSource interface {
	Members(ctx context.Context, projectID int64) ([]model.ProjectMember, error)
}

type Gate struct {
	members MembershipSource
}

func NewGate(members MembershipSource) *Gate {
	return &Gate{members: members}
}

// Check returns nil when p may perform action in the project, and a
// PermissionDenied error otherwise. It never mutates anything.
func (g *Gate) Check(ctx context.Context, p Principal, action Action, projectID int64) error {
	required, ok := requirements[action]
	if !ok {
		return apperr.New(apperr.ErrPermissionDenied, "unknown action %q", action)
	}

	if p.TechnicalAdmin {
		return nil
	}

	if p.UserID == "" || required == CapTechnicalAdmin {
		return denied(action, required)
	}

	roles, err := g.Roles(ctx, projectID)
	if err != nil {
		return err
	}

	if !roles.Has(required, p.UserID) {
		return denied(action, required)
	}

	return nil
}

// Roles computes the role sets of a project from its membership rows
func (g *Gate) Roles(ctx context.Context, projectID int64) (RoleSets, error) {
	members, err := g.members.Members(ctx, projectID)
	if err != nil {
		return RoleSets{}, fmt.Errorf("failed to load project members: %w", err)
	}
	return Derive(members), nil
}

func denied(action Action, required Capability) error {
	return apperr.New(apperr.ErrPermissionDenied, "%s requires %s rights", action, required)
}
