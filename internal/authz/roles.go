package authz

import (
	"slices"

	"github.com/samber/lo"

	"github.com/issm/issm/internal/model"
)

// RoleSets are the derived capability sets of a project.
// Admins is a subset of Reviewers, which is a subset of Users.
type RoleSets struct {
	Admins    []string
	Reviewers []string
	Users     []string
}

// Derive builds the role sets from the explicit memberships. The unions are
// computed on every call and never stored.
func Derive(members []model.ProjectMember) RoleSets {
	explicit := func(role string) []string {
		return lo.FilterMap(members, func(m model.ProjectMember, _ int) (string, bool) {
			return m.UserID, m.Role == role
		})
	}

	admins := lo.Uniq(explicit(model.RoleAdmin))
	reviewers := lo.Union(admins, explicit(model.RoleReviewer))
	users := lo.Union(reviewers, explicit(model.RoleUser))

	slices.Sort(admins)
	slices.Sort(reviewers)
	slices.Sort(users)

	return RoleSets{Admins: admins, Reviewers: reviewers, Users: users}
}

func (r RoleSets) Has(c Capability, userID string) bool {
	switch c {
	case CapAdmins:
		return lo.Contains(r.Admins, userID)
	case CapReviewers:
		return lo.Contains(r.Reviewers, userID)
	case CapUsers:
		return lo.Contains(r.Users, userID)
	}
	return false
}
